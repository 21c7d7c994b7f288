// Package negotiator drives one peer endpoint through offer/answer and
// trickled candidate exchange over the signaling channel.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/store"
)

var (
	ErrClosed               = errors.New("negotiator closed")
	ErrAlreadyBegun         = errors.New("negotiation already begun")
	ErrForeignToken         = errors.New("emission token does not belong to this negotiator")
	ErrDuplicateDescription = errors.New("remote description already applied")
	ErrAwaitTimeout         = errors.New("counterpart did not respond in time")
)

// Signaling is the subset of the signaling channel a negotiator uses.
type Signaling interface {
	PublishOffer(ctx context.Context, room domain.RoomID, desc webrtc.SessionDescription) error
	PublishAnswer(ctx context.Context, room domain.RoomID, desc webrtc.SessionDescription) error
	AwaitOffer(ctx context.Context, room domain.RoomID) (webrtc.SessionDescription, error)
	AwaitAnswer(ctx context.Context, room domain.RoomID) (webrtc.SessionDescription, error)
	PublishCandidate(room domain.RoomID, role domain.Role, cand domain.Candidate)
	SubscribeToCandidates(ctx context.Context, room domain.RoomID, role domain.Role, onCandidate func(domain.Candidate), onError func(error)) (store.Unsubscribe, error)
}

type Config struct {
	Room          domain.RoomID
	Role          domain.Role
	Signaling     Signaling
	NewPeer       core.PeerFactory
	LocalTracks   []webrtc.TrackLocal
	OnRemoteTrack func(core.RemoteTrack)
	// AwaitTimeout bounds the wait for the counterpart's description.
	// Zero waits until Close.
	AwaitTimeout time.Duration
}

// CandidateSink receives every locally discovered candidate, including the
// end-of-candidates marker, after this side's description is published.
type CandidateSink func(domain.Candidate)

// EmissionToken proves the candidate sink was registered. Only
// PrepareEmission hands one out.
type EmissionToken struct {
	n *Negotiator
}

type Negotiator struct {
	cfg    Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event

	// applyMu orders remote description and candidate application.
	// Never taken by peer connection handlers.
	applyMu sync.Mutex

	mu             sync.Mutex
	state          State
	err            error
	pc             core.PeerConnection
	sink           CandidateSink
	began          bool
	localPublished bool
	pendingLocal   []domain.Candidate
	endSent        bool
	remoteSet      bool
	pendingRemote  []domain.Candidate
	seenRemote     map[string]struct{}
	subs           []store.Unsubscribe
}

func New(cfg Config) *Negotiator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Negotiator{
		cfg: cfg,
		logger: log.With().
			Str("module", "app.negotiator").
			Str("room", string(cfg.Room)).
			Str("role", string(cfg.Role)).
			Logger(),
		ctx:        ctx,
		cancel:     cancel,
		events:     make(chan Event, 8),
		seenRemote: make(map[string]struct{}),
	}
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Err is the failure that moved the negotiator to Errored, if any.
func (n *Negotiator) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// Events delivers state transitions in order.
func (n *Negotiator) Events() <-chan Event { return n.events }

func (n *Negotiator) setStateLocked(s State, err error) {
	n.state = s
	n.logger.Info().Str("state", s.String()).Err(err).Msg("negotiation state")
	select {
	case n.events <- Event{State: s, Err: err}:
	default:
		n.logger.Warn().Str("state", s.String()).Msg("event dropped")
	}
}

// PrepareEmission acquires the peer connection and registers every handler
// before anything can trigger network activity: remote tracks, local
// candidates (delivered to sink) and connection state. Local tracks are
// attached last.
func (n *Negotiator) PrepareEmission(sink CandidateSink) (EmissionToken, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StateIdle {
		return EmissionToken{}, fmt.Errorf("prepare emission: state %s", n.state)
	}
	n.setStateLocked(StateNegotiating, nil)

	pc, err := n.cfg.NewPeer()
	if err != nil {
		err = domain.NegotiationError("create peer connection", errors.Join(domain.ErrConnectionFailed, err))
		n.failLocked(err)
		return EmissionToken{}, err
	}
	n.pc = pc
	n.sink = sink
	pc.OnTrack(n.handleRemoteTrack)
	pc.OnICECandidate(n.handleLocalCandidate)
	pc.OnConnectionStateChange(n.handleConnectionState)

	for _, track := range n.cfg.LocalTracks {
		if err := pc.AddTrack(track); err != nil {
			err = domain.NegotiationError("attach local track", errors.Join(domain.ErrConnectionFailed, err))
			n.failLocked(err)
			return EmissionToken{}, err
		}
	}
	return EmissionToken{n: n}, nil
}

// Begin runs the description exchange for this side's role and returns once
// both descriptions are applied. Candidate exchange continues until Close.
func (n *Negotiator) Begin(ctx context.Context, tok EmissionToken) error {
	if tok.n != n {
		return ErrForeignToken
	}
	n.mu.Lock()
	if n.began {
		n.mu.Unlock()
		return ErrAlreadyBegun
	}
	n.began = true
	if !n.state.holdsPeer() {
		err := n.err
		n.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return err
	}
	n.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(n.ctx, cancel)
	defer stop()

	var err error
	if n.cfg.Role == domain.RoleInitiator {
		err = n.runInitiator(ctx)
	} else {
		err = n.runJoiner(ctx)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrClosed) {
		if cause := n.Err(); cause != nil {
			return cause
		}
		return ErrClosed
	}
	if n.State() == StateClosed {
		return ErrClosed
	}
	if domain.KindOf(err) == 0 {
		err = domain.NegotiationError("negotiate", err)
	}
	n.fail(err)
	return err
}

func (n *Negotiator) runInitiator(ctx context.Context) error {
	pc, err := n.peer()
	if err != nil {
		return err
	}
	offer, err := pc.CreateOffer()
	if err != nil {
		return domain.NegotiationError("create offer", errors.Join(domain.ErrDescriptionRejected, err))
	}
	// Gathering starts here; the sink is already registered.
	if err := pc.SetLocalDescription(offer); err != nil {
		return domain.NegotiationError("set local offer", errors.Join(domain.ErrDescriptionRejected, err))
	}
	if err := n.cfg.Signaling.PublishOffer(ctx, n.cfg.Room, offer); err != nil {
		return err
	}
	n.markLocalPublished()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(n.subscribeRemoteCandidates)
	g.Go(func() error {
		answer, err := n.await(gctx, "await answer", n.cfg.Signaling.AwaitAnswer)
		if err != nil {
			return err
		}
		return n.applyRemote(answer)
	})
	return g.Wait()
}

func (n *Negotiator) runJoiner(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(n.subscribeRemoteCandidates)
	g.Go(func() error {
		offer, err := n.await(gctx, "await offer", n.cfg.Signaling.AwaitOffer)
		if err != nil {
			return err
		}
		if err := n.applyRemote(offer); err != nil {
			return err
		}
		pc, err := n.peer()
		if err != nil {
			return err
		}
		answer, err := pc.CreateAnswer()
		if err != nil {
			return domain.NegotiationError("create answer", errors.Join(domain.ErrDescriptionRejected, err))
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			return domain.NegotiationError("set local answer", errors.Join(domain.ErrDescriptionRejected, err))
		}
		if err := n.cfg.Signaling.PublishAnswer(gctx, n.cfg.Room, answer); err != nil {
			return err
		}
		n.markLocalPublished()
		return nil
	})
	return g.Wait()
}

type awaitFunc func(ctx context.Context, room domain.RoomID) (webrtc.SessionDescription, error)

func (n *Negotiator) await(ctx context.Context, op string, fn awaitFunc) (webrtc.SessionDescription, error) {
	if n.cfg.AwaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, n.cfg.AwaitTimeout, ErrAwaitTimeout)
		defer cancel()
	}
	desc, err := fn(ctx, n.cfg.Room)
	if err == nil {
		return desc, nil
	}
	if errors.Is(context.Cause(ctx), ErrAwaitTimeout) {
		return desc, domain.NegotiationError(op, ErrAwaitTimeout)
	}
	if n.ctx.Err() != nil {
		return desc, ErrClosed
	}
	return desc, err
}

func (n *Negotiator) peer() (core.PeerConnection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.state.holdsPeer() || n.pc == nil {
		return nil, ErrClosed
	}
	return n.pc, nil
}

func (n *Negotiator) subscribeRemoteCandidates() error {
	unsub, err := n.cfg.Signaling.SubscribeToCandidates(n.ctx, n.cfg.Room, n.cfg.Role.Peer(), n.handleRemoteCandidate, n.fail)
	if err != nil {
		return err
	}
	n.mu.Lock()
	if n.state == StateClosed {
		n.mu.Unlock()
		unsub()
		return ErrClosed
	}
	n.subs = append(n.subs, unsub)
	n.mu.Unlock()
	return nil
}

// applyRemote sets the remote description exactly once, then replays the
// candidates that arrived ahead of it.
func (n *Negotiator) applyRemote(desc webrtc.SessionDescription) error {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()

	n.mu.Lock()
	if !n.state.holdsPeer() {
		n.mu.Unlock()
		return ErrClosed
	}
	if n.remoteSet {
		err := domain.NegotiationError("apply remote description", errors.Join(domain.ErrDescriptionRejected, ErrDuplicateDescription))
		n.failLocked(err)
		n.mu.Unlock()
		return err
	}
	pc := n.pc
	n.mu.Unlock()

	if err := pc.SetRemoteDescription(desc); err != nil {
		err = domain.NegotiationError("apply remote description", errors.Join(domain.ErrDescriptionRejected, err))
		n.fail(err)
		return err
	}

	n.mu.Lock()
	n.remoteSet = true
	pending := n.pendingRemote
	n.pendingRemote = nil
	n.mu.Unlock()

	if len(pending) > 0 {
		n.logger.Debug().Int("count", len(pending)).Msg("replaying buffered candidates")
	}
	for _, c := range pending {
		if err := pc.AddICECandidate(c.Init); err != nil {
			err = domain.NegotiationError("apply candidate", errors.Join(domain.ErrCandidateRejected, err))
			n.fail(err)
			return err
		}
	}
	return nil
}

func (n *Negotiator) handleRemoteCandidate(c domain.Candidate) {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()

	n.mu.Lock()
	if !n.state.holdsPeer() {
		n.mu.Unlock()
		n.logger.Debug().Str("candidate", c.Init.Candidate).Msg("dropping stale candidate")
		return
	}
	if c.IsEndOfCandidates() {
		n.mu.Unlock()
		n.logger.Debug().Msg("remote gathering complete")
		return
	}
	key := c.Key()
	if _, dup := n.seenRemote[key]; dup {
		n.mu.Unlock()
		return
	}
	n.seenRemote[key] = struct{}{}
	if !n.remoteSet {
		n.pendingRemote = append(n.pendingRemote, c)
		n.mu.Unlock()
		return
	}
	pc := n.pc
	n.mu.Unlock()

	if err := pc.AddICECandidate(c.Init); err != nil {
		n.fail(domain.NegotiationError("apply candidate", errors.Join(domain.ErrCandidateRejected, err)))
	}
}

func (n *Negotiator) handleLocalCandidate(init *webrtc.ICECandidateInit) {
	var (
		c   domain.Candidate
		err error
	)
	n.mu.Lock()
	if !n.state.holdsPeer() {
		n.mu.Unlock()
		return
	}
	if init == nil {
		if n.endSent {
			n.mu.Unlock()
			return
		}
		n.endSent = true
		c = domain.EndOfCandidates()
	} else if c, err = domain.NewCandidate(*init); err != nil {
		n.mu.Unlock()
		n.logger.Warn().Err(err).Msg("dropping unencodable local candidate")
		return
	}
	if !n.localPublished {
		n.pendingLocal = append(n.pendingLocal, c)
		n.mu.Unlock()
		return
	}
	sink := n.sink
	n.mu.Unlock()
	sink(c)
}

// markLocalPublished releases candidates held back until this side's
// description was published.
func (n *Negotiator) markLocalPublished() {
	n.mu.Lock()
	n.localPublished = true
	pending := n.pendingLocal
	n.pendingLocal = nil
	sink := n.sink
	n.mu.Unlock()
	for _, c := range pending {
		sink(c)
	}
}

func (n *Negotiator) handleRemoteTrack(track core.RemoteTrack) {
	n.mu.Lock()
	active := n.state.holdsPeer()
	n.mu.Unlock()
	if !active {
		return
	}
	n.logger.Info().Str("kind", track.Kind().String()).Str("track_id", track.ID()).Str("stream_id", track.StreamID()).Msg("remote track")
	if n.cfg.OnRemoteTrack != nil {
		n.cfg.OnRemoteTrack(track)
	}
}

func (n *Negotiator) handleConnectionState(s webrtc.PeerConnectionState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if n.state == StateNegotiating {
			n.setStateLocked(StateConnected, nil)
		}
	case webrtc.PeerConnectionStateFailed:
		n.failLocked(domain.NegotiationError("connection", domain.ErrConnectionFailed))
	}
}

func (n *Negotiator) fail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failLocked(err)
}

// failLocked moves to Errored and releases the peer connection. Store
// subscriptions stay until Close since this may run inside one of their
// callbacks.
func (n *Negotiator) failLocked(err error) {
	if n.state != StateNegotiating && n.state != StateConnected {
		return
	}
	n.err = err
	n.releasePeerLocked()
	n.setStateLocked(StateErrored, err)
}

func (n *Negotiator) releasePeerLocked() {
	pc := n.pc
	n.pc = nil
	n.pendingLocal = nil
	n.pendingRemote = nil
	if pc == nil {
		return
	}
	pc.OnICECandidate(nil)
	pc.OnTrack(nil)
	pc.OnConnectionStateChange(nil)
	go func() {
		if err := pc.Close(); err != nil {
			n.logger.Warn().Err(err).Msg("peer connection close")
		}
	}()
}

// Close cancels subscriptions, detaches handlers and closes the peer
// connection. No negotiator callback runs after it returns; the transport
// teardown itself finishes in the background. Safe to call repeatedly.
// Must not be called from inside a candidate subscription callback.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.state == StateClosed {
		n.mu.Unlock()
		return
	}
	subs := n.subs
	n.subs = nil
	n.releasePeerLocked()
	n.setStateLocked(StateClosed, nil)
	n.mu.Unlock()

	n.cancel()
	for _, unsub := range subs {
		unsub()
	}
}
