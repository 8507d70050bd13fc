package webrtc

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PeerConnection adapts a pion PeerConnection to ports.PeerConnection.
type PeerConnection struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	mu      sync.Mutex
	senders []*Sender
}

var _ ports.PeerConnection = (*PeerConnection)(nil)

func (p *PeerConnection) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
}

func (p *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *PeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *PeerConnection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			fn(nil)
			return
		}
		init := candidate.ToJSON()
		fn(&init)
	})
}

func (p *PeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *PeerConnection) OnTrack(fn func(domain.MediaTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		remote := newRemoteTrack(track, receiver, p.logger)
		p.logger.Debugw("remote track started",
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
		)
		fn(remote)
		go remote.consume()
	})
}

func (p *PeerConnection) AddTrack(track domain.LocalTrack) (ports.TrackSender, error) {
	local, ok := track.(*LocalTrack)
	if !ok {
		return nil, ErrUnsupportedTrack
	}
	rtpSender, err := p.pc.AddTrack(local.rtp)
	if err != nil {
		return nil, fmt.Errorf("failed to add track: %w", err)
	}

	sender := newSender(rtpSender, local, p.logger)
	p.mu.Lock()
	p.senders = append(p.senders, sender)
	p.mu.Unlock()
	return sender, nil
}

func (p *PeerConnection) Senders() []ports.TrackSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ports.TrackSender, len(p.senders))
	for i, s := range p.senders {
		out[i] = s
	}
	return out
}

func (p *PeerConnection) Close() error {
	return p.pc.Close()
}

// RemoteTrack is a received track. Its packets are drained so the
// transport's buffers never fill.
type RemoteTrack struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
	logger   *zap.SugaredLogger

	bytesReceived atomic.Uint64
}

func newRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver, logger *zap.SugaredLogger) *RemoteTrack {
	return &RemoteTrack{track: track, receiver: receiver, logger: logger}
}

func (t *RemoteTrack) ID() string { return t.track.ID() }

func (t *RemoteTrack) Kind() domain.TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeAudio {
		return domain.TrackKindAudio
	}
	return domain.TrackKindVideo
}

func (t *RemoteTrack) BytesReceived() uint64 { return t.bytesReceived.Load() }

func (t *RemoteTrack) consume() {
	for {
		packet, _, err := t.track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debugw("remote track ended", "track_id", t.track.ID(), "error", err)
			}
			return
		}
		t.bytesReceived.Add(uint64(packet.MarshalSize()))
	}
}
