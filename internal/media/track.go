// Package media holds the local capture side of a call (tracks with enable
// toggles, sample pumps) and the remote side (RTP fan-out, recording).
package media

import (
	"errors"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var ErrTrackStopped = errors.New("track stopped")

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateStopped
)

func (s TrackState) String() string {
	switch s {
	case TrackStateOk:
		return "ok"
	case TrackStateMuted:
		return "muted"
	case TrackStateStopped:
		return "stopped"
	}
	return "unknown"
}

// LocalTrack is one outgoing capture track. Toggling it never touches the
// peer connection, so no renegotiation happens.
type LocalTrack struct {
	Track *webrtc.TrackLocalStaticSample
	state atomic.Int32 // Zero by default (TrackStateOk)
}

func NewLocalTrack(codec webrtc.RTPCodecCapability, id, streamID string) (*LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	return &LocalTrack{Track: track}, nil
}

func (t *LocalTrack) State() TrackState {
	return TrackState(t.state.Load())
}

func (t *LocalTrack) Enabled() bool {
	return t.State() == TrackStateOk
}

// SetEnabled switches between Ok and Muted. A stopped track stays stopped.
func (t *LocalTrack) SetEnabled(enabled bool) {
	next := TrackStateMuted
	if enabled {
		next = TrackStateOk
	}
	for {
		cur := t.state.Load()
		if TrackState(cur) == TrackStateStopped {
			return
		}
		if t.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (t *LocalTrack) Stop() {
	t.state.Store(int32(TrackStateStopped))
}

// WriteSample forwards s while enabled and drops it while muted.
func (t *LocalTrack) WriteSample(s media.Sample) error {
	switch t.State() {
	case TrackStateMuted:
		return nil
	case TrackStateStopped:
		return ErrTrackStopped
	}
	return t.Track.WriteSample(s)
}
