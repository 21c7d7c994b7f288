package negotiator

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/peercall/internal/core"
)

// fakePeer behaves like a browser peer connection: candidates are rejected
// until a remote description is set, and gathering emits the configured
// candidates followed by nil once the local description is set.
type fakePeer struct {
	mu           sync.Mutex
	onCandidate  func(*webrtc.ICECandidateInit)
	onTrack      func(core.RemoteTrack)
	onState      func(webrtc.PeerConnectionState)
	tracks       []webrtc.TrackLocal
	local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
	remoteCount  int
	added        []string
	rejected     []string
	gather       []string
	syncGather   bool
	rejectRemote error
	closed       atomic.Bool
	closeCalls   atomic.Int32
}

func newFakePeer(gather ...string) *fakePeer {
	return &fakePeer{gather: gather}
}

func (p *fakePeer) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(fn func(core.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) AddTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track)
	return nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote description")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = &desc
	p.mu.Unlock()
	if p.syncGather {
		p.emitGathered()
	} else {
		go p.emitGathered()
	}
	return nil
}

func (p *fakePeer) emitGathered() {
	for _, c := range p.gather {
		p.emitCandidate(&webrtc.ICECandidateInit{Candidate: c})
	}
	p.emitCandidate(nil)
}

func (p *fakePeer) emitCandidate(init *webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(init)
	}
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteCount++
	if p.rejectRemote != nil {
		return p.rejectRemote
	}
	p.remote = &desc
	return nil
}

func (p *fakePeer) AddICECandidate(init webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		p.rejected = append(p.rejected, init.Candidate)
		return errors.New("remote description not set")
	}
	p.added = append(p.added, init.Candidate)
	return nil
}

func (p *fakePeer) Close() error {
	p.closed.Store(true)
	p.closeCalls.Add(1)
	return nil
}

func (p *fakePeer) setState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (p *fakePeer) remoteDesc() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePeer) addedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.added...)
}

func (p *fakePeer) rejectedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.rejected...)
}

func (p *fakePeer) handlersDetached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onCandidate == nil && p.onTrack == nil && p.onState == nil
}

func factory(p *fakePeer) core.PeerFactory {
	return func() (core.PeerConnection, error) { return p, nil }
}
