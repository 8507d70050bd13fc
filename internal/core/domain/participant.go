package domain

import (
	"time"

	"github.com/pion/webrtc/v3"
)

// Participant mirrors the per-participant signaling record. Description
// fields stay nil until the owning side publishes them.
type Participant struct {
	ID                 ParticipantID              `json:"-"`
	Role               Role                       `json:"role"`
	Offer              *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer             *webrtc.SessionDescription `json:"answer,omitempty"`
	ICERestartOffer    *webrtc.SessionDescription `json:"iceRestartOffer,omitempty"`
	ICERestartAnswer   *webrtc.SessionDescription `json:"iceRestartAnswer,omitempty"`
	ReconnectionOffer  *webrtc.SessionDescription `json:"reconnectionOffer,omitempty"`
	ReconnectionAnswer *webrtc.SessionDescription `json:"reconnectionAnswer,omitempty"`
	IsHandRaised       bool                       `json:"isHandRaised"`
	IsAudioEnabled     bool                       `json:"isAudioEnabled"`
	ConnectionState    string                     `json:"connectionState,omitempty"`
	JoinedAt           time.Time                  `json:"joinedAt"`
}

// Field names of the participant record, shared by writers and watchers.
const (
	FieldOffer              = "offer"
	FieldAnswer             = "answer"
	FieldICERestartOffer    = "iceRestartOffer"
	FieldICERestartAnswer   = "iceRestartAnswer"
	FieldReconnectionOffer  = "reconnectionOffer"
	FieldReconnectionAnswer = "reconnectionAnswer"
	FieldIsHandRaised       = "isHandRaised"
	FieldIsAudioEnabled     = "isAudioEnabled"
	FieldConnectionState    = "connectionState"
	FieldActive             = "active"
)

// CandidateDirection names the sub-collection a candidate is appended to.
type CandidateDirection string

const (
	CandidatesToHost        CandidateDirection = "candidates"
	CandidatesToParticipant CandidateDirection = "hostCandidates"
)

type ICECandidateRecord struct {
	Payload   webrtc.ICECandidateInit `json:"candidatePayload"`
	Timestamp time.Time               `json:"timestamp"`
	Index     int                     `json:"index"`
}
