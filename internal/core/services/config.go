package services

import (
	"strings"
	"time"

	"classmesh/internal/core/domain"
	"classmesh/pkg/retry"
)

// SessionConfig bounds every timer a session or its supervisor runs.
type SessionConfig struct {
	ConnectTimeout        time.Duration
	ReconnectWindow       time.Duration
	Reconnect             retry.Policy
	ICEApply              retry.Policy
	SignalingWrite        retry.Policy
	QualitySampleInterval time.Duration
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ConnectTimeout:        15 * time.Second,
		ReconnectWindow:       30 * time.Second,
		Reconnect:             retry.Fixed(1, 0),
		ICEApply:              retry.Fixed(1, time.Second),
		SignalingWrite:        retry.DefaultPolicy(),
		QualitySampleInterval: 5 * time.Second,
	}
}

type CoordinatorConfig struct {
	RootCollection string
	Session        SessionConfig
}

func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		RootCollection: "classrooms",
		Session:        DefaultSessionConfig(),
	}
}

// roomPaths lays out the signaling documents of one room.
type roomPaths struct {
	root string
	room domain.RoomID
}

func (p roomPaths) Room() string {
	return join(p.root, string(p.room))
}

func (p roomPaths) Participants() string {
	return join(p.Room(), "participants")
}

func (p roomPaths) Participant(id domain.ParticipantID) string {
	return join(p.Participants(), string(id))
}

func (p roomPaths) Candidates(id domain.ParticipantID, dir domain.CandidateDirection) string {
	return join(p.Participant(id), string(dir))
}

func join(segments ...string) string {
	return strings.Join(segments, "/")
}
