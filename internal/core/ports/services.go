package ports

import (
	"time"

	"classmesh/internal/core/domain"
)

// Observer receives roster events from a coordinator. Any field may be nil.
type Observer struct {
	OnParticipantJoined func(id domain.ParticipantID, stream *domain.RemoteStream)
	OnParticipantLeft   func(id domain.ParticipantID)
	OnHandRaiseUpdate   func(id domain.ParticipantID, raised bool)
	OnAudioStateUpdate  func(id domain.ParticipantID, enabled bool)
}

// SessionMetrics records session lifecycle measurements.
type SessionMetrics interface {
	SessionStarted(role domain.SessionRole)
	SessionEnded(role domain.SessionRole)
	StateChanged(from, to domain.SessionState)
	Connected(role domain.SessionRole, elapsed time.Duration)
	RestartIssued(role domain.SessionRole)
	SessionFailed(role domain.SessionRole)
	CandidateBuffered()
	CandidateApplyFailed(dropped bool)
	QualityAdapted(pref domain.DegradationPreference)
}

// BandwidthPolicy shapes outgoing session descriptions.
type BandwidthPolicy interface {
	ShapeOffer(sdp string) (string, error)
}

type noopMetrics struct{}

func (noopMetrics) SessionStarted(domain.SessionRole)                     {}
func (noopMetrics) SessionEnded(domain.SessionRole)                       {}
func (noopMetrics) StateChanged(domain.SessionState, domain.SessionState) {}
func (noopMetrics) Connected(domain.SessionRole, time.Duration)           {}
func (noopMetrics) RestartIssued(domain.SessionRole)                      {}
func (noopMetrics) SessionFailed(domain.SessionRole)                      {}
func (noopMetrics) CandidateBuffered()                                    {}
func (noopMetrics) CandidateApplyFailed(bool)                             {}
func (noopMetrics) QualityAdapted(domain.DegradationPreference)           {}

// NoopMetrics discards every measurement.
func NoopMetrics() SessionMetrics { return noopMetrics{} }
