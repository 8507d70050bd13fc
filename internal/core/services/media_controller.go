package services

import (
	"context"
	"sync"
	"time"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"

	"go.uber.org/zap"
)

const acquireTimeout = 10 * time.Second

// sessionSource lists the sessions the controller operates on.
type sessionSource interface {
	liveSessions() []*PeerSession
}

// MediaTrackController owns the local stream and keeps every session's
// outbound senders in step with it: mute state, replaced capture tracks and
// screen share.
type MediaTrackController struct {
	sessions sessionSource
	devices  ports.MediaDevices
	quality  *QualityService
	metrics  ports.SessionMetrics
	interval time.Duration
	logger   *zap.SugaredLogger

	mu           sync.Mutex
	stream       *domain.LocalStream
	audioEnabled bool
	original     domain.LocalTrack
	shared       domain.LocalTrack

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewMediaTrackController(
	sessions sessionSource,
	devices ports.MediaDevices,
	metrics ports.SessionMetrics,
	interval time.Duration,
	logger *zap.SugaredLogger,
) *MediaTrackController {
	if metrics == nil {
		metrics = ports.NoopMetrics()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MediaTrackController{
		sessions:     sessions,
		devices:      devices,
		quality:      NewQualityService(),
		metrics:      metrics,
		interval:     interval,
		logger:       logger,
		audioEnabled: true,
		stop:         make(chan struct{}),
	}
}

// SetLocalStream adopts the stream published to every session and watches
// its audio tracks for unexpected termination.
func (m *MediaTrackController) SetLocalStream(stream *domain.LocalStream) {
	m.mu.Lock()
	m.stream = stream
	m.mu.Unlock()

	for _, track := range stream.AudioTracks() {
		m.watchAudio(track)
	}
}

// OutboundTracks returns the tracks a new session should send. While a
// screen share is active it carries the shared track in place of camera
// video.
func (m *MediaTrackController) OutboundTracks() []domain.LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return nil
	}
	return m.stream.Tracks()
}

func (m *MediaTrackController) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioEnabled
}

// SetAudioEnabled applies one enabled flag to the local audio tracks and
// every session's outbound audio sender.
func (m *MediaTrackController) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	m.audioEnabled = enabled
	stream := m.stream
	m.mu.Unlock()

	if stream != nil {
		for _, track := range stream.AudioTracks() {
			track.SetEnabled(enabled)
		}
	}
	for _, sender := range m.senders(domain.TrackKindAudio) {
		if track := sender.Track(); track != nil {
			track.SetEnabled(enabled)
		}
	}
	m.logger.Infow("audio state changed", "enabled", enabled)
}

// ReplaceVideoTrack sends track in place of the current video on every
// session. The camera track is remembered for RestoreOriginalVideoTrack;
// a second call while sharing swaps the shared track only.
func (m *MediaTrackController) ReplaceVideoTrack(track domain.LocalTrack) error {
	m.mu.Lock()
	if m.stream == nil {
		m.mu.Unlock()
		return domain.ErrTrackNotFound
	}
	current := m.shared
	if current == nil {
		videos := m.stream.VideoTracks()
		if len(videos) == 0 {
			m.mu.Unlock()
			return domain.ErrTrackNotFound
		}
		current = videos[0]
		m.original = current
	}
	if err := m.stream.ReplaceTrack(current, track); err != nil {
		m.mu.Unlock()
		return err
	}
	m.shared = track
	m.mu.Unlock()

	m.swapSenders(domain.TrackKindVideo, current, track)
	track.OnEnded(func() {
		m.logger.Infow("shared track ended, restoring camera", "track_id", track.ID())
		if err := m.restoreIfShared(track); err != nil {
			m.logger.Warnw("failed to restore camera track", "error", err)
		}
	})
	m.logger.Infow("video track replaced", "track_id", track.ID())
	return nil
}

// RestoreOriginalVideoTrack puts the remembered camera track back on every
// session and stops the shared track.
func (m *MediaTrackController) RestoreOriginalVideoTrack() error {
	m.mu.Lock()
	shared := m.shared
	m.mu.Unlock()
	if shared == nil {
		return nil
	}
	return m.restoreIfShared(shared)
}

func (m *MediaTrackController) Sharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shared != nil
}

func (m *MediaTrackController) restoreIfShared(shared domain.LocalTrack) error {
	m.mu.Lock()
	if m.shared != shared || m.stream == nil {
		m.mu.Unlock()
		return nil
	}
	original := m.original
	if err := m.stream.ReplaceTrack(shared, original); err != nil {
		m.mu.Unlock()
		return err
	}
	m.shared = nil
	m.original = nil
	m.mu.Unlock()

	m.swapSenders(domain.TrackKindVideo, shared, original)
	shared.Stop()
	m.logger.Infow("camera track restored", "track_id", original.ID())
	return nil
}

// StartQualityLoop samples sender statistics until Stop.
func (m *MediaTrackController) StartQualityLoop(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	th := m.quality.GetThresholds()
	m.logger.Debugw("quality sampling started",
		"interval", m.interval,
		"high_loss", th.HighLoss,
		"low_loss", th.LowLoss,
		"high_bitrate_bps", th.HighBitrateBps,
	)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.SampleQuality(ctx)
			}
		}
	}()
}

// SampleQuality adjusts the degradation preference of every sender of a
// connected session from its latest statistics. Errors are logged only.
func (m *MediaTrackController) SampleQuality(ctx context.Context) {
	for _, session := range m.sessions.liveSessions() {
		if session.State() != domain.StateConnected {
			continue
		}
		for _, sender := range session.Senders() {
			stats, err := sender.Stats(ctx)
			if err != nil {
				m.logger.Debugw("failed to read sender stats", "peer_id", session.PeerID(), "error", err)
				continue
			}
			pref, ok := m.quality.Preference(stats)
			if !ok {
				continue
			}
			if err := sender.SetDegradationPreference(pref); err != nil {
				m.logger.Warnw("failed to set degradation preference",
					"peer_id", session.PeerID(),
					"kind", sender.Kind(),
					"error", err,
				)
				continue
			}
			m.metrics.QualityAdapted(pref)
			m.logger.Debugw("degradation preference set",
				"peer_id", session.PeerID(),
				"kind", sender.Kind(),
				"preference", pref,
				"loss_rate", stats.LossRate,
				"bitrate_bps", stats.BitrateBps,
			)
		}
	}
}

// Stop ends the quality loop and stops every local track.
func (m *MediaTrackController) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.wg.Wait()

		m.mu.Lock()
		stream := m.stream
		shared := m.shared
		original := m.original
		m.mu.Unlock()

		if stream != nil {
			stream.Stop()
		}
		// The camera track is outside the stream while sharing.
		if shared != nil && original != nil {
			original.Stop()
		}
	})
}

func (m *MediaTrackController) watchAudio(track domain.LocalTrack) {
	track.OnEnded(func() {
		select {
		case <-m.stop:
			return
		default:
		}
		m.logger.Warnw("audio track ended unexpectedly", "track_id", track.ID())
		if err := m.replaceAudio(track); err != nil {
			m.logger.Errorw("failed to replace audio track", "track_id", track.ID(), "error", err)
		}
	})
}

func (m *MediaTrackController) replaceAudio(ended domain.LocalTrack) error {
	if m.devices == nil {
		return domain.ErrTrackNotFound
	}

	ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
	defer cancel()
	replacement, err := m.devices.AcquireAudioTrack(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	replacement.SetEnabled(m.audioEnabled)
	if m.stream == nil {
		m.mu.Unlock()
		replacement.Stop()
		return domain.ErrTrackNotFound
	}
	if err := m.stream.ReplaceTrack(ended, replacement); err != nil {
		m.mu.Unlock()
		replacement.Stop()
		return err
	}
	m.mu.Unlock()

	m.swapSenders(domain.TrackKindAudio, ended, replacement)
	m.watchAudio(replacement)
	m.logger.Infow("audio track replaced", "old_track_id", ended.ID(), "track_id", replacement.ID())
	return nil
}

func (m *MediaTrackController) senders(kind domain.TrackKind) []ports.TrackSender {
	var out []ports.TrackSender
	for _, session := range m.sessions.liveSessions() {
		for _, sender := range session.Senders() {
			if sender.Kind() == kind {
				out = append(out, sender)
			}
		}
	}
	return out
}

// swapSenders moves every sender of kind currently sending old onto
// replacement.
func (m *MediaTrackController) swapSenders(kind domain.TrackKind, old, replacement domain.LocalTrack) {
	for _, sender := range m.senders(kind) {
		if current := sender.Track(); current != nil && current != old {
			continue
		}
		if err := sender.ReplaceTrack(replacement); err != nil {
			m.logger.Warnw("failed to replace sender track", "kind", kind, "error", err)
		}
	}
}
