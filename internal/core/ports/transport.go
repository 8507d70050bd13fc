package ports

import (
	"context"

	"classmesh/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// PeerConnection is the media transport a PeerSession negotiates over.
type PeerConnection interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// OnICECandidate is called with nil once gathering completes.
	OnICECandidate(fn func(*webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(domain.MediaTrack))

	AddTrack(track domain.LocalTrack) (TrackSender, error)
	Senders() []TrackSender
	Close() error
}

// TrackSender is one outbound media sender.
type TrackSender interface {
	Kind() domain.TrackKind
	Track() domain.LocalTrack
	// ReplaceTrack swaps the outgoing track without renegotiation.
	ReplaceTrack(track domain.LocalTrack) error
	Stats(ctx context.Context) (domain.SenderStats, error)
	SetDegradationPreference(pref domain.DegradationPreference) error
}

type PeerConnectionFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// MediaDevices acquires replacement capture tracks.
type MediaDevices interface {
	AcquireAudioTrack(ctx context.Context) (domain.LocalTrack, error)
}
