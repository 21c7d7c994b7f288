package signaling

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/store"
)

func newTestChannel(t *testing.T) (*Channel, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return New(st), st
}

func u16(v uint16) *uint16 { return &v }
func str(v string) *string { return &v }

func TestPublishOffer_Once(t *testing.T) {
	ch, _ := newTestChannel(t)
	ctx := context.Background()
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "A"}

	require.NoError(t, ch.PublishOffer(ctx, "r1", offer))
	err := ch.PublishOffer(ctx, "r1", offer)
	assert.ErrorIs(t, err, ErrOfferAlreadyPublished)
	assert.True(t, domain.IsNegotiation(err))
}

func TestPublishAnswer_RequiresOffer(t *testing.T) {
	ch, _ := newTestChannel(t)
	ctx := context.Background()
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "B"}

	assert.ErrorIs(t, ch.PublishAnswer(ctx, "r1", answer), ErrNoOffer)

	require.NoError(t, ch.PublishOffer(ctx, "r1", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "A"}))
	require.NoError(t, ch.PublishAnswer(ctx, "r1", answer))
	assert.ErrorIs(t, ch.PublishAnswer(ctx, "r1", answer), ErrAnswerAlreadyPublished)
}

func TestAwaitOffer_AlreadyPublishedResolvesImmediately(t *testing.T) {
	ch, _ := newTestChannel(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "A"}
	require.NoError(t, ch.PublishOffer(ctx, "r1", offer))

	got, err := ch.AwaitOffer(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, got.Type)
	assert.Equal(t, "A", got.SDP)
}

func TestAwaitOffer_LateJoin(t *testing.T) {
	ch, _ := newTestChannel(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sdp := "v=0\r\no=- 4611731400430051336 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\na=group:BUNDLE 0\r\n"
	got := make(chan webrtc.SessionDescription, 1)
	errs := make(chan error, 1)
	go func() {
		desc, err := ch.AwaitOffer(ctx, "r1")
		if err != nil {
			errs <- err
			return
		}
		got <- desc
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ch.PublishOffer(ctx, "r1", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}))

	select {
	case desc := <-got:
		assert.Equal(t, webrtc.SDPTypeOffer, desc.Type)
		assert.Equal(t, sdp, desc.SDP, "sdp must be relayed byte-for-byte")
	case err := <-errs:
		t.Fatalf("await offer: %v", err)
	case <-ctx.Done():
		t.Fatal("offer never observed")
	}
}

func TestAwaitAnswer_RespectsContext(t *testing.T) {
	ch, _ := newTestChannel(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := ch.AwaitAnswer(ctx, "r1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwait_StoreUnavailable(t *testing.T) {
	ch, st := newTestChannel(t)
	st.InjectFailure(assert.AnError)

	_, err := ch.AwaitOffer(context.Background(), "r1")
	assert.True(t, domain.IsTransport(err))
}

func TestCandidates_RoleScopedExistingAndFuture(t *testing.T) {
	ch, _ := newTestChannel(t)
	ctx := context.Background()

	mk := func(s string) domain.Candidate {
		c, err := domain.NewCandidate(webrtc.ICECandidateInit{Candidate: s, SDPMid: str("0"), SDPMLineIndex: u16(0)})
		require.NoError(t, err)
		return c
	}
	require.NoError(t, ch.AppendCandidate(ctx, "r1", domain.RoleJoiner, mk("candidate:1")))
	require.NoError(t, ch.AppendCandidate(ctx, "r1", domain.RoleInitiator, mk("candidate:other")))

	var mu sync.Mutex
	var got []string
	unsub, err := ch.SubscribeToCandidates(ctx, "r1", domain.RoleJoiner, func(c domain.Candidate) {
		mu.Lock()
		got = append(got, c.Init.Candidate)
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	defer unsub()

	ch.PublishCandidate("r1", domain.RoleJoiner, mk("candidate:2"))
	ch.PublishCandidate("r1", domain.RoleJoiner, mk("candidate:3"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	sort.Strings(got)
	assert.Equal(t, []string{"candidate:1", "candidate:2", "candidate:3"}, got)
}

func TestCandidates_RawBytesPreserved(t *testing.T) {
	ch, _ := newTestChannel(t)
	ctx := context.Background()

	raw := []byte(`{"candidate":"candidate:842163049 1 udp 1677729535 1.2.3.4 46154 typ srflx","sdpMid":"0","sdpMLineIndex":0,"usernameFragment":"abc"}`)
	cand, err := domain.ParseCandidate(raw)
	require.NoError(t, err)
	require.NoError(t, ch.AppendCandidate(ctx, "r1", domain.RoleInitiator, cand))

	got := make(chan domain.Candidate, 1)
	unsub, err := ch.SubscribeToCandidates(ctx, "r1", domain.RoleInitiator, func(c domain.Candidate) { got <- c }, nil)
	require.NoError(t, err)
	defer unsub()

	select {
	case c := <-got:
		assert.Equal(t, string(raw), string(c.Raw))
		require.NotNil(t, c.Init.SDPMLineIndex)
		assert.Equal(t, uint16(0), *c.Init.SDPMLineIndex)
	case <-time.After(time.Second):
		t.Fatal("candidate not delivered")
	}
}

func TestAppendCandidate_SingleEndMarker(t *testing.T) {
	ch, st := newTestChannel(t)
	ctx := context.Background()

	for _, raw := range []string{`{"candidate":"","sdpMid":"0"}`, `{"candidate":"","sdpMid":"1"}`, `{}`} {
		cand, err := domain.ParseCandidate([]byte(raw))
		require.NoError(t, err)
		require.NoError(t, ch.AppendCandidate(ctx, "r1", domain.RoleJoiner, cand))
	}
	other, err := domain.ParseCandidate([]byte(`{"candidate":""}`))
	require.NoError(t, err)
	require.NoError(t, ch.AppendCandidate(ctx, "r1", domain.RoleInitiator, other))

	count := func(role domain.Role) int {
		var mu sync.Mutex
		n := 0
		unsub, err := ch.SubscribeToCandidates(ctx, "r1", role, func(c domain.Candidate) {
			mu.Lock()
			if c.IsEndOfCandidates() {
				n++
			}
			mu.Unlock()
		}, nil)
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)
		unsub()
		mu.Lock()
		defer mu.Unlock()
		return n
	}
	assert.Equal(t, 1, count(domain.RoleJoiner))
	assert.Equal(t, 1, count(domain.RoleInitiator), "markers are claimed per role")

	doc, err := st.Get(ctx, store.Doc(Collection, "r1"))
	require.NoError(t, err)
	assert.Equal(t, "1", doc["joiner_candidates_ended"])
}

func TestAppendCandidate_MarkerDoesNotTouchDescriptions(t *testing.T) {
	ch, _ := newTestChannel(t)
	ctx := context.Background()

	require.NoError(t, ch.AppendCandidate(ctx, "r1", domain.RoleInitiator, domain.EndOfCandidates()))
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "A"}
	require.NoError(t, ch.PublishOffer(ctx, "r1", offer))
	got, err := ch.AwaitOffer(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "A", got.SDP)
}
