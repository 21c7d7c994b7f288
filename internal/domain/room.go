package domain

import "time"

type (
	RoomID    string
	SessionID string
)

type RoomStatus string

const (
	RoomWaiting RoomStatus = "waiting"
	RoomActive  RoomStatus = "active"
	RoomEnded   RoomStatus = "ended"
)

func (s RoomStatus) rank() int {
	switch s {
	case RoomWaiting:
		return 0
	case RoomActive:
		return 1
	case RoomEnded:
		return 2
	}
	return -1
}

// CanTransition reports whether s may move to next. Status only moves
// forward: waiting -> active -> ended, with waiting -> ended allowed for
// rooms abandoned before anyone joined.
func (s RoomStatus) CanTransition(next RoomStatus) bool {
	from, to := s.rank(), next.rank()
	return from >= 0 && to > from
}

// Room is the persisted admission record for one call slot.
type Room struct {
	ID          RoomID        `json:"id"`
	CreatorID   ParticipantID `json:"creatorId"`
	JoinerID    ParticipantID `json:"joinerId,omitempty"`
	SessionID   SessionID     `json:"sessionId,omitempty"`
	StartedAt   time.Time     `json:"startedAt,omitzero"`
	EndedAt     time.Time     `json:"endedAt,omitzero"`
	Duration    int64         `json:"duration"` // seconds
	Status      RoomStatus    `json:"status"`
	ArtifactRef string        `json:"artifactRef,omitempty"`
}

func (r *Room) HasJoiner() bool { return r.JoinerID != "" }

func (r *Room) IsEnded() bool { return r.Status == RoomEnded }

// RoleOf reports which side pid plays in this room.
func (r *Room) RoleOf(pid ParticipantID) (Role, bool) {
	switch pid {
	case r.CreatorID:
		return RoleInitiator, true
	case "":
		return "", false
	case r.JoinerID:
		return RoleJoiner, true
	}
	return "", false
}

// StartedAtMs is the started-at timestamp in unix milliseconds, 0 when unset.
func (r *Room) StartedAtMs() int64 {
	if r.StartedAt.IsZero() {
		return 0
	}
	return r.StartedAt.UnixMilli()
}
