// Package orch coordinates one call: admission, when to negotiate, local
// media controls and teardown.
package orch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app/negotiator"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/media"
	"github.com/dkeye/peercall/internal/store"
)

const endRoomTimeout = 10 * time.Second

// Rooms is the admission surface the orchestrator needs.
type Rooms interface {
	ValidateRoom(ctx context.Context, id domain.RoomID, joining domain.ParticipantID) (*domain.Room, error)
	JoinRoom(ctx context.Context, id domain.RoomID, joining domain.ParticipantID) (domain.SessionID, error)
	EndRoom(ctx context.Context, id domain.RoomID, startedAtMs int64, artifactRef string) (*domain.Room, error)
	SubscribeToRoom(ctx context.Context, id domain.RoomID, onUpdate func(*domain.Room), onError func(error)) (store.Unsubscribe, error)
}

type Config struct {
	Room        domain.RoomID
	Participant domain.ParticipantID
	Role        domain.Role

	Rooms     Rooms
	Signaling negotiator.Signaling
	NewPeer   core.PeerFactory

	Stream        *media.LocalStream
	OnRemoteTrack func(core.RemoteTrack)
	AwaitTimeout  time.Duration
	Clock         func() time.Time
}

type event struct {
	room    *domain.Room
	roomErr error
	neg     *negotiator.Event
}

type Orchestrator struct {
	cfg    Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events  chan event
	hangup  chan string
	quit    chan struct{}
	done    chan struct{}
	updates chan StateUpdate

	started atomic.Bool
	ended   atomic.Bool

	mu          sync.Mutex
	phase       Phase
	err         error
	sessionID   domain.SessionID
	connectedAt time.Time
	endedAt     time.Time

	// owned by the loop goroutine
	neg       *negotiator.Negotiator
	roomUnsub store.Unsubscribe
	room      *domain.Room
}

func New(cfg Config) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg: cfg,
		logger: log.With().
			Str("module", "app.orch").
			Str("room", string(cfg.Room)).
			Str("role", string(cfg.Role)).
			Logger(),
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan event, 32),
		hangup:  make(chan string, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		updates: make(chan StateUpdate, 16),
	}
}

// Start admits the participant and arranges for exactly one negotiation:
// the initiator negotiates right away, the joiner once the room is active.
// Admission failures are returned; later failures arrive on Updates.
// Calling Start again is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		o.logger.Debug().Msg("start ignored, already started")
		return nil
	}
	o.publish(PhaseConnecting, nil)

	if o.cfg.Role == domain.RoleJoiner {
		if _, err := o.cfg.Rooms.ValidateRoom(ctx, o.cfg.Room, o.cfg.Participant); err != nil {
			return o.abort(err)
		}
		sid, err := o.cfg.Rooms.JoinRoom(ctx, o.cfg.Room, o.cfg.Participant)
		if err != nil {
			return o.abort(err)
		}
		o.mu.Lock()
		o.sessionID = sid
		o.mu.Unlock()
	}

	unsub, err := o.cfg.Rooms.SubscribeToRoom(o.ctx, o.cfg.Room,
		func(r *domain.Room) { o.enqueue(event{room: r}) },
		func(err error) { o.enqueue(event{roomErr: err}) },
	)
	if err != nil {
		return o.abort(err)
	}
	o.roomUnsub = unsub

	go o.run()
	return nil
}

// abort ends a call that never got past admission.
func (o *Orchestrator) abort(err error) error {
	o.ended.Store(true)
	o.setErr(err)
	o.cfg.Stream.Stop()
	o.publish(PhaseError, err)
	o.cancel()
	close(o.quit)
	close(o.done)
	return err
}

// HangUp ends the call. Local media stops and the ended state is visible
// before it returns; closing the negotiator and recording the room end
// happen on the orchestrator loop.
func (o *Orchestrator) HangUp(artifactRef string) {
	if !o.ended.CompareAndSwap(false, true) {
		return
	}
	o.cfg.Stream.Stop()
	o.markEnded()
	o.publish(PhaseEnded, nil)

	if o.started.CompareAndSwap(false, true) {
		// Never started: nothing to tear down.
		o.cancel()
		close(o.quit)
		close(o.done)
		return
	}
	o.hangup <- artifactRef
}

func (o *Orchestrator) SetMicEnabled(enabled bool) bool {
	return o.cfg.Stream.SetMicEnabled(enabled)
}

func (o *Orchestrator) SetCameraEnabled(enabled bool) bool {
	return o.cfg.Stream.SetCameraEnabled(enabled)
}

// Done is closed once teardown, including the room end write, finished.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Updates is the read-only connection state feed.
func (o *Orchestrator) Updates() <-chan StateUpdate { return o.updates }

func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Err is the first failure observed during the call.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *Orchestrator) SessionID() domain.SessionID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// Duration is the connected time so far, frozen once the call ends.
func (o *Orchestrator) Duration() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.connectedAt.IsZero() {
		return 0
	}
	end := o.endedAt
	if end.IsZero() {
		end = o.cfg.Clock()
	}
	return end.Sub(o.connectedAt)
}

func (o *Orchestrator) run() {
	defer close(o.done)

	if o.cfg.Role == domain.RoleInitiator {
		o.negotiate()
	}
	for {
		select {
		case ref := <-o.hangup:
			o.teardown(true, ref)
			return
		case ev := <-o.events:
			if o.handle(ev) {
				return
			}
		}
	}
}

func (o *Orchestrator) enqueue(ev event) {
	select {
	case o.events <- ev:
	case <-o.quit:
	}
}

// handle reports whether the call is over.
func (o *Orchestrator) handle(ev event) bool {
	if o.ended.Load() && ev.room == nil {
		return false
	}
	switch {
	case ev.room != nil:
		return o.onRoom(ev.room)
	case ev.roomErr != nil:
		o.logger.Warn().Err(ev.roomErr).Msg("room subscription error")
		o.setErr(ev.roomErr)
		o.publish(PhaseError, ev.roomErr)
	case ev.neg != nil:
		o.onNegotiator(*ev.neg)
	}
	return false
}

func (o *Orchestrator) onRoom(r *domain.Room) bool {
	o.room = r
	if r.SessionID != "" {
		o.mu.Lock()
		o.sessionID = r.SessionID
		o.mu.Unlock()
	}
	switch r.Status {
	case domain.RoomActive:
		if o.cfg.Role == domain.RoleJoiner && r.JoinerID == o.cfg.Participant {
			o.negotiate()
		}
	case domain.RoomEnded:
		o.logger.Info().Msg("room ended remotely")
		if o.ended.CompareAndSwap(false, true) {
			o.cfg.Stream.Stop()
			o.markEnded()
			o.publish(PhaseEnded, nil)
		}
		o.teardown(false, "")
		return true
	}
	return false
}

func (o *Orchestrator) onNegotiator(ev negotiator.Event) {
	switch ev.State {
	case negotiator.StateConnected:
		o.mu.Lock()
		if o.connectedAt.IsZero() {
			o.connectedAt = o.cfg.Clock()
		}
		o.mu.Unlock()
		o.publish(PhaseConnected, nil)
	case negotiator.StateErrored:
		o.logger.Error().Err(ev.Err).Msg("negotiation failed")
		o.setErr(ev.Err)
		o.publish(PhaseError, ev.Err)
		o.neg.Close()
	}
}

// negotiate runs the single negotiation attempt of this call.
func (o *Orchestrator) negotiate() {
	if o.neg != nil || o.ended.Load() {
		return
	}
	neg := negotiator.New(negotiator.Config{
		Room:          o.cfg.Room,
		Role:          o.cfg.Role,
		Signaling:     o.cfg.Signaling,
		NewPeer:       o.cfg.NewPeer,
		LocalTracks:   o.cfg.Stream.Tracks(),
		OnRemoteTrack: o.cfg.OnRemoteTrack,
		AwaitTimeout:  o.cfg.AwaitTimeout,
	})
	o.neg = neg
	go o.forward(neg)

	role := o.cfg.Role
	tok, err := neg.PrepareEmission(func(c domain.Candidate) {
		o.cfg.Signaling.PublishCandidate(o.cfg.Room, role, c)
	})
	if err != nil {
		return
	}
	go func() {
		if err := neg.Begin(o.ctx, tok); err != nil && !errors.Is(err, negotiator.ErrClosed) {
			o.logger.Debug().Err(err).Msg("description exchange ended")
		}
	}()
}

func (o *Orchestrator) forward(neg *negotiator.Negotiator) {
	for {
		select {
		case ev := <-neg.Events():
			o.enqueue(event{neg: &ev})
			if ev.State == negotiator.StateClosed {
				return
			}
		case <-o.quit:
			return
		}
	}
}

// teardown runs once on the loop goroutine.
func (o *Orchestrator) teardown(endRoom bool, artifactRef string) {
	close(o.quit)
	if o.neg != nil {
		o.neg.Close()
	}
	if o.roomUnsub != nil {
		o.roomUnsub()
	}
	o.cancel()
	o.cfg.Stream.Stop()

	if !endRoom {
		return
	}
	var startedAtMs int64
	if o.room != nil {
		startedAtMs = o.room.StartedAtMs()
	}
	ctx, cancel := context.WithTimeout(context.Background(), endRoomTimeout)
	defer cancel()
	if _, err := o.cfg.Rooms.EndRoom(ctx, o.cfg.Room, startedAtMs, artifactRef); err != nil {
		o.logger.Error().Err(err).Msg("end room")
		o.setErr(err)
		return
	}
	o.logger.Info().Str("artifact", artifactRef).Msg("room ended")
}

func (o *Orchestrator) markEnded() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.endedAt.IsZero() {
		o.endedAt = o.cfg.Clock()
	}
}

func (o *Orchestrator) setErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err == nil {
		o.err = err
	}
}

func (o *Orchestrator) publish(p Phase, err error) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
	select {
	case o.updates <- StateUpdate{Phase: p, Err: err, At: o.cfg.Clock()}:
	default:
		o.logger.Warn().Str("phase", string(p)).Msg("update dropped, feed full")
	}
}
