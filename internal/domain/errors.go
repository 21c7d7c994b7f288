package domain

import (
	"errors"
	"fmt"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomAlreadyEnded = errors.New("room already ended")
	ErrRoomFull         = errors.New("room already full")
	ErrSelfJoin         = errors.New("creator cannot join own room")
	ErrRoomJoinConflict = errors.New("another participant joined first")

	ErrDescriptionRejected = errors.New("session description rejected")
	ErrCandidateRejected   = errors.New("candidate rejected")
	ErrConnectionFailed    = errors.New("peer connection failed")

	ErrStoreUnavailable = errors.New("store unavailable")
)

type ErrorKind int

const (
	KindAdmission ErrorKind = iota + 1
	KindNegotiation
	KindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case KindAdmission:
		return "admission"
	case KindNegotiation:
		return "negotiation"
	case KindTransport:
		return "transport"
	}
	return "unknown"
}

// Error carries the failure category up to the orchestrator boundary.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func AdmissionError(op string, err error) *Error {
	return &Error{Kind: KindAdmission, Op: op, Err: err}
}

func NegotiationError(op string, err error) *Error {
	return &Error{Kind: KindNegotiation, Op: op, Err: err}
}

// TransportError wraps a store failure; errors.Is(err, ErrStoreUnavailable) holds.
func TransportError(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: fmt.Errorf("%w: %w", ErrStoreUnavailable, err)}
}

func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsAdmission(err error) bool   { return KindOf(err) == KindAdmission }
func IsNegotiation(err error) bool { return KindOf(err) == KindNegotiation }
func IsTransport(err error) bool   { return KindOf(err) == KindTransport }
