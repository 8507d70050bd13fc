package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestGenerateIDs(t *testing.T) {
	room := GenerateRoomID()
	_, err := uuid.Parse(room)
	assert.NoError(t, err)
	assert.NotEqual(t, room, GenerateRoomID())

	_, err = uuid.Parse(GenerateParticipantID())
	assert.NoError(t, err)

	assert.True(t, strings.HasPrefix(GenerateRequestID(), "req_"))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello world", SanitizeString("  hello\x00 world\n "))
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "abc", TruncateString("abc", 5))
	assert.Equal(t, "ab...", TruncateString("abcdefgh", 5))
	assert.Equal(t, "ab", TruncateString("abcdefgh", 2))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "250ms", FormatDuration(250*time.Millisecond))
	assert.Equal(t, "1.50s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "2m5s", FormatDuration(2*time.Minute+5*time.Second))
	assert.Equal(t, "1h30m", FormatDuration(90*time.Minute))
}
