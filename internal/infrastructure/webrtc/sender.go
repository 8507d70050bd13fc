package webrtc

import (
	"context"
	"errors"
	"sync"
	"time"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var ErrUnsupportedTrack = errors.New("track was not created by this transport")

// Sender wraps an RTPSender and derives loss from the remote receiver
// reports and bitrate from the bytes written to its track.
type Sender struct {
	rtpSender *webrtc.RTPSender
	kind      domain.TrackKind
	logger    *zap.SugaredLogger

	mu          sync.Mutex
	track       *LocalTrack
	lossRate    float64
	packetsLost uint64
	lastBytes   uint64
	lastAt      time.Time
}

var _ ports.TrackSender = (*Sender)(nil)

func newSender(rtpSender *webrtc.RTPSender, track *LocalTrack, logger *zap.SugaredLogger) *Sender {
	s := &Sender{
		rtpSender: rtpSender,
		kind:      track.Kind(),
		logger:    logger,
		track:     track,
		lastBytes: track.BytesSent(),
		lastAt:    time.Now(),
	}
	go s.readRTCP()
	return s
}

func (s *Sender) Kind() domain.TrackKind { return s.kind }

func (s *Sender) Track() domain.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) ReplaceTrack(track domain.LocalTrack) error {
	local, ok := track.(*LocalTrack)
	if !ok {
		return ErrUnsupportedTrack
	}
	if err := s.rtpSender.ReplaceTrack(local.rtp); err != nil {
		return err
	}
	local.requireKeyframe()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = local
	s.lastBytes = local.BytesSent()
	s.lastAt = time.Now()
	return nil
}

// Stats returns loss from the latest receiver report and the bitrate since
// the previous call.
func (s *Sender) Stats(ctx context.Context) (domain.SenderStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.SenderStats{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	bytes := s.track.BytesSent()
	var bitrate float64
	if elapsed := now.Sub(s.lastAt).Seconds(); elapsed > 0 && bytes >= s.lastBytes {
		bitrate = float64(bytes-s.lastBytes) * 8 / elapsed
	}
	s.lastBytes = bytes
	s.lastAt = now

	return domain.SenderStats{
		Timestamp:   now,
		Kind:        s.kind,
		PacketsSent: s.track.PacketsSent(),
		PacketsLost: s.packetsLost,
		BytesSent:   bytes,
		LossRate:    s.lossRate,
		BitrateBps:  bitrate,
	}, nil
}

// SetDegradationPreference records the hint on the current track, where
// the capture pipeline reads it.
func (s *Sender) SetDegradationPreference(pref domain.DegradationPreference) error {
	s.mu.Lock()
	track := s.track
	s.mu.Unlock()
	track.setDegradationPreference(pref)
	return nil
}

func (s *Sender) readRTCP() {
	for {
		packets, _, err := s.rtpSender.ReadRTCP()
		if err != nil {
			return
		}
		s.handleRTCP(packets)
	}
}

func (s *Sender) handleRTCP(packets []rtcp.Packet) {
	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				s.mu.Lock()
				s.lossRate = float64(report.FractionLost) / 256
				s.packetsLost = uint64(report.TotalLost)
				s.mu.Unlock()
			}
		case *rtcp.PictureLossIndication:
			s.logger.Debugw("received PLI", "kind", s.kind, "media_ssrc", p.MediaSSRC)
		case *rtcp.TransportLayerNack:
			s.logger.Debugw("received NACK", "kind", s.kind, "nacks", len(p.Nacks))
		}
	}
}
