package orch

import "time"

// Phase is the connection state exposed to monitoring and UI.
type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
	PhaseEnded      Phase = "ended"
	PhaseError      Phase = "error"
)

type StateUpdate struct {
	Phase Phase
	Err   error
	At    time.Time
}
