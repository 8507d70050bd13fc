package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRoomID(t *testing.T) {
	assert.NoError(t, ValidateRoomID("9b2c1a4e-room_1"))
	assert.Error(t, ValidateRoomID(""))
	assert.Error(t, ValidateRoomID("   "))
	assert.Error(t, ValidateRoomID("a/b"))
	assert.Error(t, ValidateRoomID(strings.Repeat("x", 129)))
}

func TestValidateParticipantID(t *testing.T) {
	assert.NoError(t, ValidateParticipantID("p-1"))
	assert.Error(t, ValidateParticipantID("p 1"))
}

func TestValidateCollectionName(t *testing.T) {
	assert.NoError(t, ValidateCollectionName("classrooms"))
	assert.Error(t, ValidateCollectionName("classrooms/x"))
}
