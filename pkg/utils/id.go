package utils

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

// GenerateRoomID generates a unique classroom ID
func GenerateRoomID() string {
	return uuid.NewString()
}

// GenerateParticipantID generates a unique participant ID
func GenerateParticipantID() string {
	return uuid.NewString()
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return GenerateID("req")
}
