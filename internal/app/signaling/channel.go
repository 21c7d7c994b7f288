// Package signaling relays connection-negotiation payloads between the two
// participants of a room through the shared store.
package signaling

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/store"
)

const Collection = "signaling"

const (
	fieldOffer  = "offer"
	fieldAnswer = "answer"
)

var (
	// ErrOfferAlreadyPublished means a stale negotiator tried to re-offer.
	ErrOfferAlreadyPublished  = errors.New("offer already published")
	ErrAnswerAlreadyPublished = errors.New("answer already published")
	ErrNoOffer                = errors.New("answer published before any offer")
)

const defaultAppendTimeout = 10 * time.Second

func ref(room domain.RoomID) store.DocRef {
	return store.Doc(Collection, string(room))
}

// CandidateList names the role-scoped candidate list inside a signaling record.
func CandidateList(role domain.Role) string {
	return string(role) + "_candidates"
}

// candidatesEnded is the record field that claims role's end-of-candidates
// marker.
func candidatesEnded(role domain.Role) string {
	return CandidateList(role) + "_ended"
}

type Channel struct {
	store         store.Store
	appendTimeout time.Duration
}

func New(st store.Store) *Channel {
	return &Channel{store: st, appendTimeout: defaultAppendTimeout}
}

func (c *Channel) PublishOffer(ctx context.Context, room domain.RoomID, desc webrtc.SessionDescription) error {
	raw, err := domain.EncodeDescription(desc)
	if err != nil {
		return domain.NegotiationError("publish offer", err)
	}
	_, err = c.store.Update(ctx, ref(room), store.Fields{fieldOffer: raw}, store.FieldAbsent(fieldOffer))
	if errors.Is(err, store.ErrConditionFailed) {
		log.Error().Str("module", "app.signaling").Str("room", string(room)).Msg("offer published twice")
		return domain.NegotiationError("publish offer", ErrOfferAlreadyPublished)
	}
	if err != nil {
		return domain.TransportError("publish offer", err)
	}
	log.Debug().Str("module", "app.signaling").Str("room", string(room)).Msg("offer published")
	return nil
}

// PublishAnswer writes the answer once, and only on a record that already
// carries an offer.
func (c *Channel) PublishAnswer(ctx context.Context, room domain.RoomID, desc webrtc.SessionDescription) error {
	raw, err := domain.EncodeDescription(desc)
	if err != nil {
		return domain.NegotiationError("publish answer", err)
	}
	_, err = c.store.Update(ctx, ref(room), store.Fields{fieldAnswer: raw},
		store.FieldNotEquals(fieldOffer, ""),
		store.FieldAbsent(fieldAnswer),
	)
	if errors.Is(err, store.ErrConditionFailed) {
		doc, gerr := c.store.Get(ctx, ref(room))
		if gerr != nil && !errors.Is(gerr, store.ErrNotFound) {
			return domain.TransportError("publish answer", gerr)
		}
		if doc[fieldOffer] == "" {
			return domain.NegotiationError("publish answer", ErrNoOffer)
		}
		log.Error().Str("module", "app.signaling").Str("room", string(room)).Msg("answer published twice")
		return domain.NegotiationError("publish answer", ErrAnswerAlreadyPublished)
	}
	if err != nil {
		return domain.TransportError("publish answer", err)
	}
	log.Debug().Str("module", "app.signaling").Str("room", string(room)).Msg("answer published")
	return nil
}

// AwaitOffer returns the room's offer, waiting for it to be published when
// the joiner got here first.
func (c *Channel) AwaitOffer(ctx context.Context, room domain.RoomID) (webrtc.SessionDescription, error) {
	return c.await(ctx, room, fieldOffer)
}

func (c *Channel) AwaitAnswer(ctx context.Context, room domain.RoomID) (webrtc.SessionDescription, error) {
	return c.await(ctx, room, fieldAnswer)
}

func (c *Channel) await(ctx context.Context, room domain.RoomID, field string) (webrtc.SessionDescription, error) {
	op := "await " + field
	doc, err := c.store.Get(ctx, ref(room))
	switch {
	case err == nil && doc[field] != "":
		return decode(op, doc[field])
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return webrtc.SessionDescription{}, domain.TransportError(op, err)
	}

	found := make(chan string, 1)
	failed := make(chan error, 1)
	unsub, err := c.store.Watch(ctx, ref(room), func(doc store.Fields) {
		if v := doc[field]; v != "" {
			select {
			case found <- v:
			default:
			}
		}
	}, func(err error) {
		select {
		case failed <- err:
		default:
		}
	})
	if err != nil {
		return webrtc.SessionDescription{}, domain.TransportError(op, err)
	}
	defer unsub()

	log.Debug().Str("module", "app.signaling").Str("room", string(room)).Str("field", field).Msg("waiting for counterpart")
	select {
	case raw := <-found:
		return decode(op, raw)
	case err := <-failed:
		return webrtc.SessionDescription{}, domain.TransportError(op, err)
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
}

func decode(op, raw string) (webrtc.SessionDescription, error) {
	desc, err := domain.DecodeDescription(raw)
	if err != nil {
		return webrtc.SessionDescription{}, domain.NegotiationError(op, errors.Join(domain.ErrDescriptionRejected, err))
	}
	return desc, nil
}

// PublishCandidate appends to the role's list without waiting for the write.
// Candidate order is not preserved.
func (c *Channel) PublishCandidate(room domain.RoomID, role domain.Role, cand domain.Candidate) {
	go func() {
		if err := c.AppendCandidate(context.Background(), room, role, cand); err != nil {
			log.Warn().Err(err).Str("module", "app.signaling").Str("room", string(room)).Str("role", string(role)).Msg("candidate publish failed")
		}
	}()
}

// AppendCandidate is the blocking form of PublishCandidate. Only the first
// end-of-candidates marker of a role's list is stored; later ones are dropped.
func (c *Channel) AppendCandidate(ctx context.Context, room domain.RoomID, role domain.Role, cand domain.Candidate) error {
	ctx, cancel := context.WithTimeout(ctx, c.appendTimeout)
	defer cancel()
	if cand.IsEndOfCandidates() {
		_, err := c.store.Update(ctx, ref(room), store.Fields{candidatesEnded(role): "1"}, store.FieldAbsent(candidatesEnded(role)))
		if errors.Is(err, store.ErrConditionFailed) {
			log.Debug().Str("module", "app.signaling").Str("room", string(room)).Str("role", string(role)).Msg("duplicate end-of-candidates dropped")
			return nil
		}
		if err != nil {
			return domain.TransportError("publish candidate", err)
		}
	}
	if _, err := c.store.Append(ctx, ref(room), CandidateList(role), cand.Raw); err != nil {
		return domain.TransportError("publish candidate", err)
	}
	return nil
}

// SubscribeToCandidates delivers every existing and future candidate of
// role's list. Entries may arrive in any order; consumers must tolerate
// duplicates.
func (c *Channel) SubscribeToCandidates(ctx context.Context, room domain.RoomID, role domain.Role, onCandidate func(domain.Candidate), onError func(error)) (store.Unsubscribe, error) {
	unsub, err := c.store.WatchList(ctx, ref(room), CandidateList(role), func(e store.Entry) {
		cand, err := domain.ParseCandidate(e.Data)
		if err != nil {
			log.Warn().Err(err).Str("module", "app.signaling").Str("room", string(room)).Str("entry", e.ID).Msg("skipping malformed candidate")
			return
		}
		onCandidate(cand)
	}, func(err error) {
		if onError != nil {
			onError(domain.TransportError("watch candidates", err))
		}
	})
	if err != nil {
		return nil, domain.TransportError("subscribe candidates", err)
	}
	return unsub, nil
}
