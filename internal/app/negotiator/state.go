package negotiator

// State of one negotiation. Closed is terminal; Errored absorbs failures
// from Negotiating or Connected until Close moves it to Closed.
type State int32

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// holdsPeer reports whether the peer connection handle is live in s.
func (s State) holdsPeer() bool {
	return s == StateNegotiating || s == StateConnected
}

// Event is emitted on every state transition.
type Event struct {
	State State
	Err   error
}
