package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// IDRegex validates room and participant identifiers
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const maxIDLength = 128

func validateID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", kind, maxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", kind)
	}
	return nil
}

// ValidateRoomID validates a classroom ID. IDs become document path
// segments so slashes are rejected.
func ValidateRoomID(roomID string) error {
	return validateID("room ID", roomID)
}

// ValidateParticipantID validates a participant ID
func ValidateParticipantID(participantID string) error {
	return validateID("participant ID", participantID)
}

// ValidateCollectionName validates a signaling root collection name
func ValidateCollectionName(name string) error {
	return validateID("collection", name)
}
