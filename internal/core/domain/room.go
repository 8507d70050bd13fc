package domain

import (
	"time"
)

type RoomID string
type ParticipantID string

// HostPeerID identifies the host's session on the participant side.
const HostPeerID ParticipantID = "host"

type Room struct {
	ID        RoomID    `json:"id"`
	HostID    string    `json:"hostId"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

func (r Role) Valid() bool {
	return r == RoleHost || r == RoleParticipant
}
