package services

import (
	"classmesh/internal/core/domain"
)

// QualityThresholds are the loss and bitrate bounds that switch the
// encoder's degradation preference.
type QualityThresholds struct {
	HighLoss       float64 // above: keep framerate
	LowLoss        float64 // below, with enough bitrate: keep resolution
	HighBitrateBps float64
}

type QualityService struct {
	thresholds QualityThresholds
}

func NewQualityService() *QualityService {
	return &QualityService{
		thresholds: QualityThresholds{
			HighLoss:       0.10,
			LowLoss:        0.05,
			HighBitrateBps: 2_000_000,
		},
	}
}

// GetThresholds returns the thresholds in use
func (qs *QualityService) GetThresholds() QualityThresholds {
	return qs.thresholds
}

// Preference maps one sender sample to a degradation preference. The
// second result is false when the sample calls for no change.
func (qs *QualityService) Preference(stats domain.SenderStats) (domain.DegradationPreference, bool) {
	switch {
	case stats.LossRate > qs.thresholds.HighLoss:
		return domain.DegradationMaintainFramerate, true
	case stats.LossRate < qs.thresholds.LowLoss && stats.BitrateBps > qs.thresholds.HighBitrateBps:
		return domain.DegradationMaintainResolution, true
	default:
		return "", false
	}
}
