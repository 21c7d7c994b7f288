package rooms

import (
	"strconv"
	"time"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/store"
)

const Collection = "rooms"

const (
	fieldID          = "id"
	fieldCreator     = "creator_id"
	fieldJoiner      = "joiner_id"
	fieldSession     = "session_id"
	fieldStartedAt   = "started_at"
	fieldEndedAt     = "ended_at"
	fieldDuration    = "duration"
	fieldStatus      = "status"
	fieldArtifactRef = "artifact_ref"
)

func msString(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMs(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func decodeRoom(doc store.Fields) *domain.Room {
	duration, _ := strconv.ParseInt(doc[fieldDuration], 10, 64)
	return &domain.Room{
		ID:          domain.RoomID(doc[fieldID]),
		CreatorID:   domain.ParticipantID(doc[fieldCreator]),
		JoinerID:    domain.ParticipantID(doc[fieldJoiner]),
		SessionID:   domain.SessionID(doc[fieldSession]),
		StartedAt:   parseMs(doc[fieldStartedAt]),
		EndedAt:     parseMs(doc[fieldEndedAt]),
		Duration:    duration,
		Status:      domain.RoomStatus(doc[fieldStatus]),
		ArtifactRef: doc[fieldArtifactRef],
	}
}
