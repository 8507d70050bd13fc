package domain

import "time"

// SenderStats is one sample of an outbound sender's health.
type SenderStats struct {
	Timestamp   time.Time
	Kind        TrackKind
	PacketsSent uint64
	PacketsLost uint64
	BytesSent   uint64
	LossRate    float64 // 0-1
	BitrateBps  float64
}

// DegradationPreference tells the encoder what to sacrifice under pressure.
type DegradationPreference string

const (
	DegradationBalanced           DegradationPreference = "balanced"
	DegradationMaintainFramerate  DegradationPreference = "maintain-framerate"
	DegradationMaintainResolution DegradationPreference = "maintain-resolution"
)
