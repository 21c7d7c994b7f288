package domain

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Candidate is one connectivity candidate as relayed through the store.
// Raw keeps the exact bytes that were published so relaying never rewrites them.
type Candidate struct {
	Init webrtc.ICECandidateInit
	Raw  json.RawMessage
}

func NewCandidate(init webrtc.ICECandidateInit) (Candidate, error) {
	raw, err := json.Marshal(init)
	if err != nil {
		return Candidate{}, fmt.Errorf("encode candidate: %w", err)
	}
	return Candidate{Init: init, Raw: raw}, nil
}

func ParseCandidate(raw []byte) (Candidate, error) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err != nil {
		return Candidate{}, fmt.Errorf("decode candidate: %w", err)
	}
	return Candidate{Init: init, Raw: append(json.RawMessage(nil), raw...)}, nil
}

// EndOfCandidates is the terminal marker of a role-scoped candidate list.
func EndOfCandidates() Candidate {
	c, _ := NewCandidate(webrtc.ICECandidateInit{Candidate: ""})
	return c
}

func (c Candidate) IsEndOfCandidates() bool { return c.Init.Candidate == "" }

// Key identifies a candidate for duplicate suppression.
func (c Candidate) Key() string {
	key := c.Init.Candidate
	if c.Init.SDPMid != nil {
		key += "|" + *c.Init.SDPMid
	}
	if c.Init.SDPMLineIndex != nil {
		key += fmt.Sprintf("|%d", *c.Init.SDPMLineIndex)
	}
	return key
}

func EncodeDescription(desc webrtc.SessionDescription) (string, error) {
	b, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("encode description: %w", err)
	}
	return string(b), nil
}

func DecodeDescription(raw string) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode description: %w", err)
	}
	return desc, nil
}
