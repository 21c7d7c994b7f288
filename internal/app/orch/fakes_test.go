package orch

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/peercall/internal/core"
)

// loopPeer reports Connected as soon as both descriptions are set.
type loopPeer struct {
	mu           sync.Mutex
	onCandidate  func(*webrtc.ICECandidateInit)
	onState      func(webrtc.PeerConnectionState)
	local        bool
	remote       bool
	rejectRemote error
	tracks       int
	closed       atomic.Bool
}

func (p *loopPeer) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *loopPeer) OnTrack(func(core.RemoteTrack)) {}

func (p *loopPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *loopPeer) AddTrack(webrtc.TrackLocal) error {
	p.mu.Lock()
	p.tracks++
	p.mu.Unlock()
	return nil
}

func (p *loopPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *loopPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *loopPeer) SetLocalDescription(webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = true
	cand := p.onCandidate
	p.mu.Unlock()
	if cand != nil {
		go func() {
			cand(&webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"})
			cand(nil)
		}()
	}
	p.maybeConnect()
	return nil
}

func (p *loopPeer) SetRemoteDescription(webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.rejectRemote != nil {
		p.mu.Unlock()
		return p.rejectRemote
	}
	p.remote = true
	p.mu.Unlock()
	p.maybeConnect()
	return nil
}

func (p *loopPeer) maybeConnect() {
	p.mu.Lock()
	ready := p.local && p.remote
	fn := p.onState
	p.mu.Unlock()
	if ready && fn != nil {
		go fn(webrtc.PeerConnectionStateConnected)
	}
}

func (p *loopPeer) AddICECandidate(webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.remote {
		return errors.New("no remote description")
	}
	return nil
}

func (p *loopPeer) Close() error {
	p.closed.Store(true)
	return nil
}

type peerCounter struct {
	n    atomic.Int32
	peer *loopPeer
}

func (c *peerCounter) factory() (core.PeerConnection, error) {
	c.n.Add(1)
	return c.peer, nil
}
