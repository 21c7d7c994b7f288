package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

type StreamConfig struct {
	StreamID string
	Audio    bool
	Video    bool
}

// LocalStream is the captured local media of one participant.
type LocalStream struct {
	Audio *LocalTrack
	Video *LocalTrack
}

func NewLocalStream(cfg StreamConfig) (*LocalStream, error) {
	s := &LocalStream{}
	if cfg.Audio {
		t, err := NewLocalTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", cfg.StreamID)
		if err != nil {
			return nil, fmt.Errorf("audio track: %w", err)
		}
		s.Audio = t
	}
	if cfg.Video {
		t, err := NewLocalTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", cfg.StreamID)
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
		s.Video = t
	}
	return s, nil
}

// SetMicEnabled reports false when the stream has no audio track.
func (s *LocalStream) SetMicEnabled(enabled bool) bool {
	if s == nil || s.Audio == nil {
		return false
	}
	s.Audio.SetEnabled(enabled)
	return true
}

func (s *LocalStream) SetCameraEnabled(enabled bool) bool {
	if s == nil || s.Video == nil {
		return false
	}
	s.Video.SetEnabled(enabled)
	return true
}

func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	if s == nil {
		return nil
	}
	var tracks []webrtc.TrackLocal
	if s.Audio != nil {
		tracks = append(tracks, s.Audio.Track)
	}
	if s.Video != nil {
		tracks = append(tracks, s.Video.Track)
	}
	return tracks
}

// Stop releases capture. Idempotent.
func (s *LocalStream) Stop() {
	if s == nil {
		return
	}
	if s.Audio != nil {
		s.Audio.Stop()
	}
	if s.Video != nil {
		s.Video.Stop()
	}
}
