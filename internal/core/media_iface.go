package core

import (
	"github.com/dkeye/duet/internal/domain"
	"github.com/pion/webrtc/v4"
)

// PeerTransport is the capability surface of one peer-to-peer media
// connection. Implementations invoke callbacks from their own goroutines.
type PeerTransport interface {
	// AddTrack attaches a local track. Must happen before the first offer.
	AddTrack(track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(track *webrtc.TrackRemote))
	// Close should stop all underlying media resources.
	Close() error
}

// TransportFactory creates a fresh transport for the given remote participant.
type TransportFactory func(remote domain.UserID) (PeerTransport, error)

// LocalMedia is an acquired local audio source.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
}
