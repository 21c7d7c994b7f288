package core

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteTrack is the read side of a media track negotiated with the peer.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// PeerConnection is the stateful peer-connection primitive a negotiator
// drives. Handlers set to nil are detached; an implementation must never
// invoke a detached handler.
type PeerConnection interface {
	// OnICECandidate receives each locally gathered candidate and a final
	// nil once gathering completes.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnTrack(func(RemoteTrack))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))

	AddTrack(track webrtc.TrackLocal) error

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	Close() error
}

// PeerFactory builds a fresh PeerConnection for one negotiation.
type PeerFactory func() (PeerConnection, error)
