package domain

import "errors"

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrRoomAlreadyExists   = errors.New("room already exists")
	ErrRoomInactive        = errors.New("room is no longer active")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrRoleMismatch        = errors.New("operation not permitted for role")
	ErrNegotiationFailed   = errors.New("negotiation failed")
	ErrICEApplyFailed      = errors.New("ice candidate apply failed")
	ErrConnectionTimeout   = errors.New("connection timeout")
	ErrReconnectionTimeout = errors.New("reconnection timeout")
	ErrSessionClosed       = errors.New("session closed")
	ErrDocumentNotFound    = errors.New("document not found")
	ErrDocumentExists      = errors.New("document already exists")
	ErrTrackNotFound       = errors.New("track not found")
	ErrSignalingClosed     = errors.New("signaling channel closed")
)
