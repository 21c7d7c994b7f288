// Package rooms is the admission state machine: the single source of truth
// for who may connect to a call and when it started and ended.
package rooms

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/store"
)

// Metrics receives admission events. Nil-safe implementations are expected.
type Metrics interface {
	RoomCreated()
	RoomJoined()
	RoomEnded(durationSeconds int64)
	AdmissionRejected(reason error)
}

type Registry struct {
	store   store.Store
	metrics Metrics
	newID   func() string
}

type Option func(*Registry)

func WithMetrics(m Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithIDGenerator replaces uuid generation for room and session ids.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) { r.newID = gen }
}

func NewRegistry(st store.Store, opts ...Option) *Registry {
	r := &Registry{store: st, newID: uuid.NewString}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func ref(id domain.RoomID) store.DocRef {
	return store.Doc(Collection, string(id))
}

func (r *Registry) reject(op string, err error) error {
	if r.metrics != nil {
		r.metrics.AdmissionRejected(err)
	}
	log.Info().Str("module", "app.rooms").Str("op", op).Err(err).Msg("admission rejected")
	return domain.AdmissionError(op, err)
}

func (r *Registry) CreateRoom(ctx context.Context, creator domain.ParticipantID) (domain.RoomID, error) {
	id := domain.RoomID(r.newID())
	err := r.store.Create(ctx, ref(id), store.Fields{
		fieldID:      string(id),
		fieldCreator: string(creator),
		fieldStatus:  string(domain.RoomWaiting),
	})
	if err != nil {
		return "", domain.TransportError("create room", err)
	}
	if r.metrics != nil {
		r.metrics.RoomCreated()
	}
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Str("creator", string(creator)).Msg("room created")
	return id, nil
}

func (r *Registry) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	doc, err := r.store.Get(ctx, ref(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.AdmissionError("get room", domain.ErrRoomNotFound)
	}
	if err != nil {
		return nil, domain.TransportError("get room", err)
	}
	return decodeRoom(doc), nil
}

// ValidateRoom is the advisory pre-admission check. It does not reserve the
// slot; JoinRoom re-checks with a conditional write.
func (r *Registry) ValidateRoom(ctx context.Context, id domain.RoomID, joining domain.ParticipantID) (*domain.Room, error) {
	room, err := r.GetRoom(ctx, id)
	if err != nil {
		if domain.IsAdmission(err) {
			return nil, r.reject("validate room", domain.ErrRoomNotFound)
		}
		return nil, err
	}
	switch {
	case room.IsEnded():
		return nil, r.reject("validate room", domain.ErrRoomAlreadyEnded)
	case room.CreatorID == joining:
		return nil, r.reject("validate room", domain.ErrSelfJoin)
	case room.HasJoiner() && room.JoinerID != joining:
		return nil, r.reject("validate room", domain.ErrRoomFull)
	}
	return room, nil
}

// JoinRoom admits joining as the second participant. The first joiner wins:
// the write only applies while no joiner is recorded, and a loser gets
// ErrRoomJoinConflict. Retrying with the same joiner returns the existing
// session id until the room ends; after that every join gets
// ErrRoomAlreadyEnded.
func (r *Registry) JoinRoom(ctx context.Context, id domain.RoomID, joining domain.ParticipantID) (domain.SessionID, error) {
	room, err := r.GetRoom(ctx, id)
	if err != nil {
		if domain.IsAdmission(err) {
			return "", r.reject("join room", domain.ErrRoomNotFound)
		}
		return "", err
	}
	if room.IsEnded() {
		return "", r.reject("join room", domain.ErrRoomAlreadyEnded)
	}
	if room.JoinerID == joining && room.SessionID != "" {
		return room.SessionID, nil
	}
	switch {
	case room.CreatorID == joining:
		return "", r.reject("join room", domain.ErrSelfJoin)
	case room.HasJoiner():
		return "", r.reject("join room", domain.ErrRoomJoinConflict)
	}

	now, err := r.store.Now(ctx)
	if err != nil {
		return "", domain.TransportError("join room", err)
	}
	sid := domain.SessionID(r.newID())
	_, err = r.store.Update(ctx, ref(id), store.Fields{
		fieldJoiner:    string(joining),
		fieldSession:   string(sid),
		fieldStartedAt: msString(now),
		fieldStatus:    string(domain.RoomActive),
	},
		store.Exists(),
		store.FieldAbsent(fieldJoiner),
		store.FieldEquals(fieldStatus, string(domain.RoomWaiting)),
	)
	if errors.Is(err, store.ErrConditionFailed) {
		return r.resolveLostJoin(ctx, id, joining)
	}
	if err != nil {
		return "", domain.TransportError("join room", err)
	}
	if r.metrics != nil {
		r.metrics.RoomJoined()
	}
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Str("joiner", string(joining)).Str("session", string(sid)).Msg("room joined")
	return sid, nil
}

// resolveLostJoin explains why the conditional join write did not apply.
func (r *Registry) resolveLostJoin(ctx context.Context, id domain.RoomID, joining domain.ParticipantID) (domain.SessionID, error) {
	room, err := r.GetRoom(ctx, id)
	if err != nil {
		return "", err
	}
	if room.IsEnded() {
		return "", r.reject("join room", domain.ErrRoomAlreadyEnded)
	}
	if room.JoinerID == joining && room.SessionID != "" {
		return room.SessionID, nil
	}
	return "", r.reject("join room", domain.ErrRoomJoinConflict)
}

// EndRoom records the terminal state. Duration is measured from
// startedAtMs to the store clock and clamped at zero. Only the first call
// writes; later calls return the already-ended room unchanged.
// startedAtMs is only used for an active room: a room that never left
// waiting ends with zero duration whatever the caller passes. On an active
// room startedAtMs <= 0 falls back to the stored started_at. artifactRef ""
// leaves the artifact unset.
func (r *Registry) EndRoom(ctx context.Context, id domain.RoomID, startedAtMs int64, artifactRef string) (*domain.Room, error) {
	room, err := r.GetRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	if room.IsEnded() {
		return room, nil
	}

	now, err := r.store.Now(ctx)
	if err != nil {
		return nil, domain.TransportError("end room", err)
	}
	if startedAtMs <= 0 {
		startedAtMs = room.StartedAtMs()
	}
	var duration int64
	if room.Status == domain.RoomActive {
		duration = (now.UnixMilli() - startedAtMs) / 1000
		if duration < 0 {
			log.Warn().Str("module", "app.rooms").Str("room", string(id)).
				Int64("started_at_ms", startedAtMs).Int64("now_ms", now.UnixMilli()).
				Msg("negative call duration, clock skew; clamping to zero")
			duration = 0
		}
	}

	fields := store.Fields{
		fieldStatus:   string(domain.RoomEnded),
		fieldEndedAt:  msString(now),
		fieldDuration: strconv.FormatInt(duration, 10),
	}
	if artifactRef != "" {
		fields[fieldArtifactRef] = artifactRef
	}
	doc, err := r.store.Update(ctx, ref(id), fields,
		store.Exists(),
		store.FieldNotEquals(fieldStatus, string(domain.RoomEnded)),
	)
	if errors.Is(err, store.ErrConditionFailed) {
		// the other participant ended it first
		return r.GetRoom(ctx, id)
	}
	if err != nil {
		return nil, domain.TransportError("end room", err)
	}
	if r.metrics != nil {
		r.metrics.RoomEnded(duration)
	}
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Int64("duration", duration).Msg("room ended")
	return decodeRoom(doc), nil
}

// SubscribeToRoom pushes every observed room state. The current state is
// replayed on subscribe, so a late subscriber still sees a terminal ended.
func (r *Registry) SubscribeToRoom(ctx context.Context, id domain.RoomID, onUpdate func(*domain.Room), onError func(error)) (store.Unsubscribe, error) {
	unsub, err := r.store.Watch(ctx, ref(id), func(doc store.Fields) {
		onUpdate(decodeRoom(doc))
	}, func(err error) {
		if onError != nil {
			onError(domain.TransportError("watch room", err))
		}
	})
	if err != nil {
		return nil, domain.TransportError("subscribe room", err)
	}
	return unsub, nil
}
