// Package domain contains entities without transport logic, just meta-data
package domain

import (
	"errors"
)

const MaxParticipantIDLen = 64

var (
	ErrParticipantIDEmpty   = errors.New("participant id empty")
	ErrParticipantIDTooLong = errors.New("participant id too long")
)

// ParticipantID is an opaque identity handed to us by the identity layer.
// Only compared for equality and stored on rooms.
type ParticipantID string

func NewParticipantID(raw string) (ParticipantID, error) {
	if len(raw) == 0 {
		return "", ErrParticipantIDEmpty
	}
	if len(raw) > MaxParticipantIDLen {
		return "", ErrParticipantIDTooLong
	}
	return ParticipantID(raw), nil
}

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleJoiner    Role = "joiner"
)

func (r Role) Valid() bool {
	return r == RoleInitiator || r == RoleJoiner
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleInitiator {
		return RoleJoiner
	}
	return RoleInitiator
}
