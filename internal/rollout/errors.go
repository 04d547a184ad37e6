// Package rollout provides the rollout controller and error handling
package rollout

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of rollout failure
type ErrorCode string

// Error codes for the rollout error taxonomy
const (
	// ErrCodeInvalidVersion indicates a malformed or unusable version ref
	ErrCodeInvalidVersion ErrorCode = "INVALID_VERSION"
	// ErrCodeBackendUnavailable indicates the compute backend could not be reached
	ErrCodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	// ErrCodeSnapshotFailed indicates the pre-mutation snapshot could not be
	// captured. Fatal: the attempt aborts without touching the backend.
	ErrCodeSnapshotFailed ErrorCode = "SNAPSHOT_FAILED"
	// ErrCodeStabilizationTimeout indicates the backend never reported all
	// replacement instances healthy within the stage timeout
	ErrCodeStabilizationTimeout ErrorCode = "STABILIZATION_TIMEOUT"
	// ErrCodeHealthCheckExhausted indicates no passing round occurred within
	// the verification bounds
	ErrCodeHealthCheckExhausted ErrorCode = "HEALTH_CHECK_EXHAUSTED"
	// ErrCodeUnsupportedStrategy indicates a caller configuration error:
	// unknown strategy name, or a gradual strategy on a backend that cannot
	// shift partial traffic
	ErrCodeUnsupportedStrategy ErrorCode = "UNSUPPORTED_STRATEGY"
	// ErrCodeRestoreFailed indicates the rollback restore failed. Fatal:
	// requires human intervention, never retried automatically.
	ErrCodeRestoreFailed ErrorCode = "RESTORE_FAILED"
	// ErrCodeAttemptInProgress indicates another attempt already owns the
	// backend handle. Rejected at entry, not a rollout failure.
	ErrCodeAttemptInProgress ErrorCode = "ATTEMPT_IN_PROGRESS"

	// Service-level codes used by the API surface
	ErrCodeRolloutNotFound ErrorCode = "ROLLOUT_NOT_FOUND"
	ErrCodeInvalidRequest  ErrorCode = "INVALID_REQUEST"
)

// Error represents a structured rollout error with context
type Error struct {
	Code       ErrorCode // Machine-readable error code
	Message    string    // Human-readable message
	HTTPStatus int       // Suggested HTTP status code
	cause      error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any
func (e *Error) Unwrap() error {
	return e.cause
}

// httpStatusFor maps error codes to suggested HTTP statuses
func httpStatusFor(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidVersion, ErrCodeUnsupportedStrategy, ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrCodeAttemptInProgress:
		return http.StatusConflict
	case ErrCodeRolloutNotFound:
		return http.StatusNotFound
	case ErrCodeBackendUnavailable:
		return http.StatusBadGateway
	case ErrCodeStabilizationTimeout, ErrCodeHealthCheckExhausted:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a rollout error with the given code and message
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: httpStatusFor(code),
	}
}

// WrapError creates a rollout error wrapping an underlying cause
func WrapError(code ErrorCode, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: httpStatusFor(code),
		cause:      cause,
	}
}

// Common fixed errors
var (
	// ErrRolloutNotFound is returned when a rollout ID is unknown
	ErrRolloutNotFound = &Error{
		Code:       ErrCodeRolloutNotFound,
		Message:    "rollout not found",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrInvalidRequest is returned for malformed rollout requests
	ErrInvalidRequest = &Error{
		Code:       ErrCodeInvalidRequest,
		Message:    "invalid rollout request",
		HTTPStatus: http.StatusBadRequest,
	}
)

// IsRolloutError checks if an error is a rollout.Error
func IsRolloutError(err error) (*Error, bool) {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr, true
	}
	return nil, false
}

// HasCode reports whether the error carries the given rollout error code
func HasCode(err error, code ErrorCode) bool {
	if rerr, ok := IsRolloutError(err); ok {
		return rerr.Code == code
	}
	return false
}
