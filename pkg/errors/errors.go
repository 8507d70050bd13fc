package errors

import (
	"errors"
	"fmt"
	"net/http"

	"classmesh/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput         ErrorCode = "INVALID_INPUT"
	ErrCodeRoomNotFound         ErrorCode = "ROOM_NOT_FOUND"
	ErrCodeRoomAlreadyExists    ErrorCode = "ROOM_ALREADY_EXISTS"
	ErrCodeRoomInactive         ErrorCode = "ROOM_INACTIVE"
	ErrCodeRoleMismatch         ErrorCode = "ROLE_MISMATCH"
	ErrCodeNegotiationFailed    ErrorCode = "NEGOTIATION_FAILED"
	ErrCodeICEApplyFailed       ErrorCode = "ICE_APPLY_FAILED"
	ErrCodeConnectionTimeout    ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeReconnectionTimeout  ErrorCode = "RECONNECTION_TIMEOUT"
	ErrCodeSignalingUnavailable ErrorCode = "SIGNALING_UNAVAILABLE"
	ErrCodeSessionClosed        ErrorCode = "SESSION_CLOSED"
	ErrCodeInternal             ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewRoomNotFoundError(roomID domain.RoomID) *AppError {
	return WrapError(domain.ErrRoomNotFound, ErrCodeRoomNotFound, "room not found", http.StatusNotFound).
		WithContext("room_id", roomID)
}

func NewRoomAlreadyExistsError(roomID domain.RoomID) *AppError {
	return WrapError(domain.ErrRoomAlreadyExists, ErrCodeRoomAlreadyExists, "room already exists", http.StatusConflict).
		WithContext("room_id", roomID)
}

func NewRoomInactiveError(roomID domain.RoomID) *AppError {
	return WrapError(domain.ErrRoomInactive, ErrCodeRoomInactive, "room is no longer active", http.StatusGone).
		WithContext("room_id", roomID)
}

func NewRoleMismatchError(message string) *AppError {
	return WrapError(domain.ErrRoleMismatch, ErrCodeRoleMismatch, message, http.StatusForbidden)
}

func NewNegotiationFailedError(cause error) *AppError {
	return WrapError(errors.Join(domain.ErrNegotiationFailed, cause), ErrCodeNegotiationFailed, "remote description rejected", http.StatusBadGateway)
}

func NewSignalingUnavailableError(cause error) *AppError {
	return WrapError(cause, ErrCodeSignalingUnavailable, "signaling channel unavailable", http.StatusServiceUnavailable)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// Classify returns the AppError in err's chain, mapping domain sentinels
// to their application error. Anything else is internal.
func Classify(err error) *AppError {
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case errors.Is(err, domain.ErrRoomNotFound), errors.Is(err, domain.ErrParticipantNotFound):
		return WrapError(err, ErrCodeRoomNotFound, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrRoomAlreadyExists):
		return WrapError(err, ErrCodeRoomAlreadyExists, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrRoomInactive):
		return WrapError(err, ErrCodeRoomInactive, err.Error(), http.StatusGone)
	case errors.Is(err, domain.ErrRoleMismatch):
		return WrapError(err, ErrCodeRoleMismatch, err.Error(), http.StatusForbidden)
	case errors.Is(err, domain.ErrNegotiationFailed):
		return WrapError(err, ErrCodeNegotiationFailed, err.Error(), http.StatusBadGateway)
	case errors.Is(err, domain.ErrConnectionTimeout):
		return WrapError(err, ErrCodeConnectionTimeout, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, domain.ErrReconnectionTimeout):
		return WrapError(err, ErrCodeReconnectionTimeout, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, domain.ErrSessionClosed):
		return WrapError(err, ErrCodeSessionClosed, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrSignalingClosed):
		return NewSignalingUnavailableError(err)
	}
	return WrapError(err, ErrCodeInternal, "internal server error", http.StatusInternalServerError)
}

// CodeOf returns the code of the first AppError in the chain, or
// ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeInternal
}
