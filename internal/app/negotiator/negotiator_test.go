package negotiator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/peercall/internal/app/signaling"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/store"
)

const (
	testRoom = domain.RoomID("r1")
	hostA    = "candidate:1 1 udp 2130706431 10.0.0.1 50000 typ host"
	hostB    = "candidate:2 1 udp 2130706431 10.0.0.2 50001 typ host"
	hostC    = "candidate:3 1 udp 2130706431 10.0.0.3 50002 typ host"
)

var (
	offerSDP = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
	waitFor  = 2 * time.Second
	tick     = 5 * time.Millisecond
)

func newTestNegotiator(ch Signaling, role domain.Role, pc *fakePeer) *Negotiator {
	return New(Config{
		Room:      testRoom,
		Role:      role,
		Signaling: ch,
		NewPeer:   factory(pc),
	})
}

func publishingSink(ch *signaling.Channel, role domain.Role) CandidateSink {
	return func(c domain.Candidate) { ch.PublishCandidate(testRoom, role, c) }
}

func collectEvents(n *Negotiator) []State {
	var states []State
	for {
		select {
		case ev := <-n.Events():
			states = append(states, ev.State)
		default:
			return states
		}
	}
}

type candidateLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *candidateLog) add(c domain.Candidate) {
	l.mu.Lock()
	l.entries = append(l.entries, c.Init.Candidate)
	l.mu.Unlock()
}

func (l *candidateLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func countEmpty(entries []string) int {
	n := 0
	for _, e := range entries {
		if e == "" {
			n++
		}
	}
	return n
}

func watchList(t *testing.T, ch *signaling.Channel, role domain.Role) *candidateLog {
	t.Helper()
	l := &candidateLog{}
	unsub, err := ch.SubscribeToCandidates(context.Background(), testRoom, role, l.add, nil)
	require.NoError(t, err)
	t.Cleanup(unsub)
	return l
}

func TestNegotiation_InitiatorAndJoinerExchange(t *testing.T) {
	st := store.NewMemoryStore()
	ch := signaling.New(st)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ip := newFakePeer(hostA, hostB)
	jp := newFakePeer(hostC)
	in := newTestNegotiator(ch, domain.RoleInitiator, ip)
	jn := newTestNegotiator(ch, domain.RoleJoiner, jp)
	defer in.Close()
	defer jn.Close()

	itok, err := in.PrepareEmission(publishingSink(ch, domain.RoleInitiator))
	require.NoError(t, err)
	jtok, err := jn.PrepareEmission(publishingSink(ch, domain.RoleJoiner))
	require.NoError(t, err)

	errs := make(chan error, 2)
	go func() { errs <- jn.Begin(ctx, jtok) }()
	go func() { errs <- in.Begin(ctx, itok) }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	require.NotNil(t, jp.remoteDesc())
	assert.Equal(t, "v=0 offer", jp.remoteDesc().SDP)
	require.NotNil(t, ip.remoteDesc())
	assert.Equal(t, "v=0 answer", ip.remoteDesc().SDP)

	assert.Eventually(t, func() bool { return len(jp.addedCandidates()) == 2 }, waitFor, tick)
	assert.Eventually(t, func() bool { return len(ip.addedCandidates()) == 1 }, waitFor, tick)
	assert.ElementsMatch(t, []string{hostA, hostB}, jp.addedCandidates())
	assert.Equal(t, []string{hostC}, ip.addedCandidates())
	assert.Empty(t, jp.rejectedCandidates())
	assert.Empty(t, ip.rejectedCandidates())

	ip.setState(webrtc.PeerConnectionStateConnected)
	jp.setState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, StateConnected, in.State())
	assert.Equal(t, StateConnected, jn.State())
}

func TestJoiner_BuffersCandidatesUntilRemoteDescription(t *testing.T) {
	st := store.NewMemoryStore()
	ch := signaling.New(st)
	ctx := context.Background()

	// Initiator candidates land before the offer, one of them twice.
	for _, raw := range []string{hostA, hostB, hostA} {
		c, err := domain.NewCandidate(webrtc.ICECandidateInit{Candidate: raw})
		require.NoError(t, err)
		require.NoError(t, ch.AppendCandidate(ctx, testRoom, domain.RoleInitiator, c))
	}

	jp := newFakePeer()
	jn := newTestNegotiator(ch, domain.RoleJoiner, jp)
	defer jn.Close()
	tok, err := jn.PrepareEmission(func(domain.Candidate) {})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- jn.Begin(ctx, tok) }()

	// Give the subscription time to deliver the early candidates.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, jp.addedCandidates())

	require.NoError(t, ch.PublishOffer(ctx, testRoom, offerSDP))
	require.NoError(t, <-done)

	assert.Eventually(t, func() bool { return len(jp.addedCandidates()) == 2 }, waitFor, tick)
	assert.ElementsMatch(t, []string{hostA, hostB}, jp.addedCandidates())
	assert.Empty(t, jp.rejectedCandidates())

	answer, err := ch.AwaitAnswer(ctx, testRoom)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
}

func TestInitiator_HoldsCandidatesUntilOfferPublished(t *testing.T) {
	st := store.NewMemoryStore()
	ch := signaling.New(st)
	ctx := context.Background()

	ip := newFakePeer(hostA, hostB)
	ip.syncGather = true
	in := newTestNegotiator(ch, domain.RoleInitiator, ip)
	defer in.Close()

	var (
		mu           sync.Mutex
		emitted      []string
		offerMissing int
	)
	sink := func(c domain.Candidate) {
		fields, err := st.Get(ctx, store.Doc(signaling.Collection, string(testRoom)))
		mu.Lock()
		defer mu.Unlock()
		if err != nil || fields["offer"] == "" {
			offerMissing++
		}
		emitted = append(emitted, c.Init.Candidate)
	}
	tok, err := in.PrepareEmission(sink)
	require.NoError(t, err)
	go func() { _ = in.Begin(ctx, tok) }()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(emitted) == 3
	}, waitFor, tick)

	// Gathering completion reported again must not publish a second marker.
	ip.emitCandidate(nil)
	ip.emitCandidate(nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, offerMissing)
	assert.Len(t, emitted, 3)
	assert.Equal(t, 1, countEmpty(emitted))
}

func TestEndOfCandidatesPublishedOncePerList(t *testing.T) {
	st := store.NewMemoryStore()
	ch := signaling.New(st)
	ctx := context.Background()
	published := watchList(t, ch, domain.RoleInitiator)

	ip := newFakePeer(hostA)
	in := newTestNegotiator(ch, domain.RoleInitiator, ip)
	defer in.Close()
	tok, err := in.PrepareEmission(publishingSink(ch, domain.RoleInitiator))
	require.NoError(t, err)
	go func() { _ = in.Begin(ctx, tok) }()

	assert.Eventually(t, func() bool { return len(published.snapshot()) == 2 }, waitFor, tick)
	ip.emitCandidate(nil)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, countEmpty(published.snapshot()))
}

func TestRemoteDescriptionRejected(t *testing.T) {
	st := store.NewMemoryStore()
	ch := signaling.New(st)
	ctx := context.Background()
	require.NoError(t, ch.PublishOffer(ctx, testRoom, offerSDP))

	jp := newFakePeer()
	jp.rejectRemote = errors.New("malformed sdp")
	jn := newTestNegotiator(ch, domain.RoleJoiner, jp)
	tok, err := jn.PrepareEmission(func(domain.Candidate) {})
	require.NoError(t, err)

	err = jn.Begin(ctx, tok)
	require.Error(t, err)
	assert.True(t, domain.IsNegotiation(err))
	assert.ErrorIs(t, err, domain.ErrDescriptionRejected)
	assert.Equal(t, StateErrored, jn.State())
	assert.ErrorIs(t, jn.Err(), domain.ErrDescriptionRejected)
	assert.Eventually(t, jp.closed.Load, waitFor, tick)
	assert.True(t, jp.handlersDetached())

	jn.Close()
	assert.Equal(t, StateClosed, jn.State())
	assert.Equal(t, []State{StateNegotiating, StateErrored, StateClosed}, collectEvents(jn))
	assert.EqualValues(t, 1, jp.closeCalls.Load())
}

func TestSecondRemoteDescriptionIsProtocolViolation(t *testing.T) {
	ch := signaling.New(store.NewMemoryStore())
	ip := newFakePeer()
	in := newTestNegotiator(ch, domain.RoleInitiator, ip)
	defer in.Close()
	_, err := in.PrepareEmission(func(domain.Candidate) {})
	require.NoError(t, err)

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
	require.NoError(t, in.applyRemote(answer))
	err = in.applyRemote(answer)
	assert.ErrorIs(t, err, ErrDuplicateDescription)
	assert.ErrorIs(t, err, domain.ErrDescriptionRejected)
	assert.Equal(t, StateErrored, in.State())
	assert.Equal(t, 1, ip.remoteCount)
}

func TestClose_IdempotentAndSilencesCallbacks(t *testing.T) {
	st := store.NewMemoryStore()
	ch := signaling.New(st)
	ctx := context.Background()
	require.NoError(t, ch.PublishOffer(ctx, testRoom, offerSDP))

	var tracks int
	jp := newFakePeer()
	jn := New(Config{
		Room:          testRoom,
		Role:          domain.RoleJoiner,
		Signaling:     ch,
		NewPeer:       factory(jp),
		OnRemoteTrack: func(core.RemoteTrack) { tracks++ },
	})
	tok, err := jn.PrepareEmission(func(domain.Candidate) {})
	require.NoError(t, err)
	require.NoError(t, jn.Begin(ctx, tok))

	jn.Close()
	jn.Close()
	assert.Equal(t, StateClosed, jn.State())
	assert.True(t, jp.handlersDetached())
	assert.Eventually(t, func() bool { return jp.closeCalls.Load() == 1 }, waitFor, tick)

	late, err := domain.NewCandidate(webrtc.ICECandidateInit{Candidate: hostB})
	require.NoError(t, err)
	require.NoError(t, ch.AppendCandidate(ctx, testRoom, domain.RoleInitiator, late))
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, jp.addedCandidates())

	// A handler captured before Close is a no-op afterwards.
	jn.handleRemoteTrack(fakeTrack{})
	assert.Zero(t, tracks)
}

func TestClose_AbortsPendingBegin(t *testing.T) {
	ch := signaling.New(store.NewMemoryStore())
	jp := newFakePeer()
	jn := newTestNegotiator(ch, domain.RoleJoiner, jp)
	tok, err := jn.PrepareEmission(func(domain.Candidate) {})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- jn.Begin(context.Background(), tok) }()
	time.Sleep(20 * time.Millisecond)
	jn.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(waitFor):
		t.Fatal("Begin did not return after Close")
	}
	assert.Equal(t, StateClosed, jn.State())
}

func TestAwaitTimeout(t *testing.T) {
	ch := signaling.New(store.NewMemoryStore())
	jp := newFakePeer()
	jn := New(Config{
		Room:         testRoom,
		Role:         domain.RoleJoiner,
		Signaling:    ch,
		NewPeer:      factory(jp),
		AwaitTimeout: 20 * time.Millisecond,
	})
	defer jn.Close()
	tok, err := jn.PrepareEmission(func(domain.Candidate) {})
	require.NoError(t, err)

	err = jn.Begin(context.Background(), tok)
	assert.ErrorIs(t, err, ErrAwaitTimeout)
	assert.True(t, domain.IsNegotiation(err))
	assert.Equal(t, StateErrored, jn.State())
}

func TestStoreFailureIsTransportError(t *testing.T) {
	st := store.NewMemoryStore()
	ch := signaling.New(st)
	ip := newFakePeer()
	in := newTestNegotiator(ch, domain.RoleInitiator, ip)
	defer in.Close()
	tok, err := in.PrepareEmission(func(domain.Candidate) {})
	require.NoError(t, err)

	st.InjectFailure(errors.New("connection refused"))
	err = in.Begin(context.Background(), tok)
	assert.True(t, domain.IsTransport(err))
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, StateErrored, in.State())
}

func TestConnectionStateMapping(t *testing.T) {
	ch := signaling.New(store.NewMemoryStore())
	ip := newFakePeer()
	in := newTestNegotiator(ch, domain.RoleInitiator, ip)
	defer in.Close()
	_, err := in.PrepareEmission(func(domain.Candidate) {})
	require.NoError(t, err)

	ip.setState(webrtc.PeerConnectionStateConnecting)
	assert.Equal(t, StateNegotiating, in.State())
	ip.setState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, StateConnected, in.State())
	ip.setState(webrtc.PeerConnectionStateFailed)
	assert.Equal(t, StateErrored, in.State())
	assert.ErrorIs(t, in.Err(), domain.ErrConnectionFailed)
}

func TestEmissionTokenGuards(t *testing.T) {
	ch := signaling.New(store.NewMemoryStore())
	ip := newFakePeer()
	in := newTestNegotiator(ch, domain.RoleInitiator, ip)
	defer in.Close()

	assert.ErrorIs(t, in.Begin(context.Background(), EmissionToken{}), ErrForeignToken)

	tok, err := in.PrepareEmission(func(domain.Candidate) {})
	require.NoError(t, err)
	_, err = in.PrepareEmission(func(domain.Candidate) {})
	assert.Error(t, err)

	other := newTestNegotiator(ch, domain.RoleJoiner, newFakePeer())
	defer other.Close()
	assert.ErrorIs(t, other.Begin(context.Background(), tok), ErrForeignToken)

	in.Close()
	assert.ErrorIs(t, in.Begin(context.Background(), tok), ErrClosed)
	assert.ErrorIs(t, in.Begin(context.Background(), tok), ErrAlreadyBegun)
}

func TestPeerFactoryFailure(t *testing.T) {
	ch := signaling.New(store.NewMemoryStore())
	n := New(Config{
		Room:      testRoom,
		Role:      domain.RoleInitiator,
		Signaling: ch,
		NewPeer:   func() (core.PeerConnection, error) { return nil, errors.New("no codecs") },
	})
	_, err := n.PrepareEmission(func(domain.Candidate) {})
	assert.ErrorIs(t, err, domain.ErrConnectionFailed)
	assert.Equal(t, StateErrored, n.State())
	n.Close()
	assert.Equal(t, StateClosed, n.State())
}

func TestLocalTracksAttachedAndRemoteTracksForwarded(t *testing.T) {
	ch := signaling.New(store.NewMemoryStore())
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	require.NoError(t, err)

	got := make(chan core.RemoteTrack, 1)
	ip := newFakePeer()
	in := New(Config{
		Room:          testRoom,
		Role:          domain.RoleInitiator,
		Signaling:     ch,
		NewPeer:       factory(ip),
		LocalTracks:   []webrtc.TrackLocal{track},
		OnRemoteTrack: func(rt core.RemoteTrack) { got <- rt },
	})
	defer in.Close()
	_, err = in.PrepareEmission(func(domain.Candidate) {})
	require.NoError(t, err)
	assert.Len(t, ip.tracks, 1)

	ip.mu.Lock()
	onTrack := ip.onTrack
	ip.mu.Unlock()
	require.NotNil(t, onTrack)
	onTrack(fakeTrack{})
	select {
	case rt := <-got:
		assert.Equal(t, webrtc.RTPCodecTypeAudio, rt.Kind())
	case <-time.After(waitFor):
		t.Fatal("remote track not forwarded")
	}
}

type fakeTrack struct{}

func (fakeTrack) ID() string                { return "remote-audio" }
func (fakeTrack) StreamID() string          { return "remote" }
func (fakeTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }
func (fakeTrack) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}}
}
func (fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) { return nil, nil, io.EOF }
