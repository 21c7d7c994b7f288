package rtc

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
)

// Connection adapts *webrtc.PeerConnection to core.PeerConnection. pion
// handlers are installed once; application handlers are swapped atomically
// so detaching never races a pion callback goroutine.
type Connection struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	onICE   atomic.Pointer[func(*webrtc.ICECandidateInit)]
	onTrack atomic.Pointer[func(core.RemoteTrack)]
	onState atomic.Pointer[func(webrtc.PeerConnectionState)]
}

var _ core.PeerConnection = (*Connection)(nil)

func NewConnection(api *webrtc.API, cfg webrtc.Configuration, label string) (*Connection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &Connection{
		pc:     pc,
		logger: log.With().Str("module", "webrtc").Str("peer", label).Logger(),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if fn := c.onState.Load(); fn != nil {
			(*fn)(s)
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		fn := c.onICE.Load()
		if fn == nil {
			return
		}
		if cand == nil {
			(*fn)(nil)
			return
		}
		init := cand.ToJSON()
		(*fn)(&init)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if fn := c.onTrack.Load(); fn != nil {
			(*fn)(track)
		}
	})

	return c, nil
}

// Factory builds a fresh Connection per negotiation.
func Factory(api *webrtc.API, cfg webrtc.Configuration, label string) core.PeerFactory {
	return func() (core.PeerConnection, error) {
		return NewConnection(api, cfg, label)
	}
}

func (c *Connection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	if fn == nil {
		c.onICE.Store(nil)
		return
	}
	c.onICE.Store(&fn)
}

func (c *Connection) OnTrack(fn func(core.RemoteTrack)) {
	if fn == nil {
		c.onTrack.Store(nil)
		return
	}
	c.onTrack.Store(&fn)
}

func (c *Connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	if fn == nil {
		c.onState.Store(nil)
		return
	}
	c.onState.Store(&fn)
}

// AddTrack attaches a local track and drains its RTCP so interceptors
// (NACK, reports) keep working.
func (c *Connection) AddTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *Connection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *Connection) AddICECandidate(init webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(init)
}

func (c *Connection) Close() error {
	err := c.pc.Close()
	if err != nil {
		c.logger.Error().Err(err).Msg("close error")
	} else {
		c.logger.Info().Msg("closed")
	}
	return err
}
