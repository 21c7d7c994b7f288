package media

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RTPReader is satisfied by *webrtc.TrackRemote.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RTPSink consumes forwarded packets: a recorder, a monitor, a relay track.
type RTPSink interface {
	WriteRTP(*rtp.Packet) error
}

type fanoutSink struct {
	sink  RTPSink
	state atomic.Int32
}

// Fanout reads one remote track and forwards every packet to its sinks.
type Fanout struct {
	src    RTPReader
	logger zerolog.Logger

	mu    sync.RWMutex
	sinks map[string]*fanoutSink

	done chan struct{}
}

func NewFanout(src RTPReader, trackID string) *Fanout {
	return &Fanout{
		src: src,
		logger: log.With().
			Str("module", "media.fanout").
			Str("track", trackID).
			Logger(),
		sinks: make(map[string]*fanoutSink),
		done:  make(chan struct{}),
	}
}

func (f *Fanout) Add(name string, sink RTPSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[name] = &fanoutSink{sink: sink}
}

// Mute pauses forwarding to name without detaching it.
func (f *Fanout) Mute(name string, muted bool) {
	f.mu.RLock()
	s, ok := f.sinks[name]
	f.mu.RUnlock()
	if !ok {
		return
	}
	if muted {
		s.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
	} else {
		s.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
	}
}

// Remove marks name for removal; the read loop drops it on the next packet.
func (f *Fanout) Remove(name string) {
	f.mu.RLock()
	s, ok := f.sinks[name]
	f.mu.RUnlock()
	if ok {
		s.state.Store(int32(TrackStateStopped))
	}
}

func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sinks)
}

// Done is closed when Run returns.
func (f *Fanout) Done() <-chan struct{} { return f.done }

// Run forwards until ctx is cancelled or the source fails. The source
// fails once its peer connection closes.
func (f *Fanout) Run(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			f.logger.Debug().Msg("fanout ctx done")
			f.stopAll()
			return
		default:
		}
		pkt, _, err := f.src.ReadRTP()
		if err != nil {
			f.logger.Debug().Err(err).Msg("fanout source closed")
			f.stopAll()
			return
		}
		f.forward(pkt)
	}
}

func (f *Fanout) forward(pkt *rtp.Packet) {
	snapshot := make(map[string]*fanoutSink, len(f.sinks))
	f.mu.RLock()
	maps.Copy(snapshot, f.sinks)
	f.mu.RUnlock()

	var dirty []string
	for name, s := range snapshot {
		switch TrackState(s.state.Load()) {
		case TrackStateStopped:
			dirty = append(dirty, name)
		case TrackStateMuted:
		case TrackStateOk:
			if err := s.sink.WriteRTP(pkt); err != nil {
				f.logger.Warn().Err(err).Str("sink", name).Msg("sink write failed, detaching")
				s.state.Store(int32(TrackStateStopped))
				dirty = append(dirty, name)
			}
		}
	}

	if len(dirty) > 0 {
		f.mu.Lock()
		for _, name := range dirty {
			delete(f.sinks, name)
		}
		f.mu.Unlock()
	}
}

func (f *Fanout) stopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sinks {
		s.state.Store(int32(TrackStateStopped))
	}
}
