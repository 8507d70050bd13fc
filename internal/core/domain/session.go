package domain

// SessionState is the negotiation/transport state of one PeerSession.
type SessionState string

const (
	StateNew             SessionState = "new"
	StateOfferSent       SessionState = "offer_sent"
	StateOfferReceived   SessionState = "offer_received"
	StateAnswerExchanged SessionState = "answer_exchanged"
	StateConnecting      SessionState = "connecting"
	StateConnected       SessionState = "connected"
	StateReconnecting    SessionState = "reconnecting"
	StateFailed          SessionState = "failed"
	StateClosed          SessionState = "closed"
)

var sessionTransitions = map[SessionState][]SessionState{
	StateNew:             {StateOfferSent, StateOfferReceived, StateClosed},
	StateOfferSent:       {StateAnswerExchanged, StateFailed, StateClosed},
	StateOfferReceived:   {StateAnswerExchanged, StateFailed, StateClosed},
	StateAnswerExchanged: {StateConnecting, StateConnected, StateFailed, StateClosed},
	StateConnecting:      {StateConnected, StateReconnecting, StateFailed, StateClosed},
	StateConnected:       {StateReconnecting, StateFailed, StateClosed},
	StateReconnecting:    {StateConnected, StateFailed, StateClosed},
	StateFailed:          {StateClosed},
}

// CanTransition reports whether moving from s to next is a legal step.
func (s SessionState) CanTransition(next SessionState) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further negotiation can happen.
func (s SessionState) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// SessionRole is the handshake role of a PeerSession.
type SessionRole string

const (
	// SessionInitiator publishes the first offer (participant side).
	SessionInitiator SessionRole = "initiator"
	// SessionResponder answers the offer (host side).
	SessionResponder SessionRole = "responder"
)

type SessionInfo struct {
	PeerID ParticipantID `json:"peer_id"`
	Role   SessionRole   `json:"role"`
	State  SessionState  `json:"state"`
}
