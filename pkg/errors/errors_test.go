package errors

import (
	"errors"
	"fmt"
	"testing"

	"classmesh/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	assert.Equal(t, "INVALID_INPUT: test error", err.Error())
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", 500)

	assert.Equal(t, originalErr, err.Cause)
	assert.Contains(t, err.Error(), "original error")
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	err.WithContext("field", "value").WithContext("count", 42)

	assert.Equal(t, "value", err.Context["field"])
	assert.Equal(t, 42, err.Context["count"])
}

func TestRoomErrors_MatchDomainSentinels(t *testing.T) {
	cases := []struct {
		err    *AppError
		target error
		code   ErrorCode
		status int
	}{
		{NewRoomNotFoundError("r1"), domain.ErrRoomNotFound, ErrCodeRoomNotFound, 404},
		{NewRoomAlreadyExistsError("r1"), domain.ErrRoomAlreadyExists, ErrCodeRoomAlreadyExists, 409},
		{NewRoomInactiveError("r1"), domain.ErrRoomInactive, ErrCodeRoomInactive, 410},
		{NewRoleMismatchError("host only"), domain.ErrRoleMismatch, ErrCodeRoleMismatch, 403},
	}

	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			assert.ErrorIs(t, tc.err, tc.target)
			assert.Equal(t, tc.code, tc.err.Code)
			assert.Equal(t, tc.status, tc.err.HTTPStatus)
		})
	}
}

func TestNegotiationFailed_KeepsCause(t *testing.T) {
	cause := errors.New("bad sdp")
	err := NewNegotiationFailedError(cause)

	assert.ErrorIs(t, err, domain.ErrNegotiationFailed)
	assert.ErrorIs(t, err, cause)
}

func TestGetAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInvalidInput, "test", 400)

	assert.Same(t, appErr, GetAppError(appErr))
	assert.Same(t, appErr, GetAppError(fmt.Errorf("outer: %w", appErr)))
	assert.Nil(t, GetAppError(errors.New("regular error")))

	assert.True(t, IsAppError(appErr))
	assert.False(t, IsAppError(errors.New("regular error")))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodeRoomInactive, CodeOf(fmt.Errorf("join: %w", NewRoomInactiveError("r"))))
	assert.Equal(t, ErrCodeInternal, CodeOf(errors.New("boom")))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		code   ErrorCode
		status int
	}{
		{"app error kept", NewInvalidInputError("bad"), ErrCodeInvalidInput, 400},
		{"wrapped room not found", fmt.Errorf("join: %w", domain.ErrRoomNotFound), ErrCodeRoomNotFound, 404},
		{"room exists", domain.ErrRoomAlreadyExists, ErrCodeRoomAlreadyExists, 409},
		{"inactive", domain.ErrRoomInactive, ErrCodeRoomInactive, 410},
		{"role mismatch", domain.ErrRoleMismatch, ErrCodeRoleMismatch, 403},
		{"session closed", domain.ErrSessionClosed, ErrCodeSessionClosed, 409},
		{"signaling closed", domain.ErrSignalingClosed, ErrCodeSignalingUnavailable, 503},
		{"unknown", errors.New("boom"), ErrCodeInternal, 500},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			appErr := Classify(tc.err)
			assert.Equal(t, tc.code, appErr.Code)
			assert.Equal(t, tc.status, appErr.HTTPStatus)
		})
	}
}
