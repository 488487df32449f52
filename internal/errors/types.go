// Package errors defines the structured error kinds shared by the ingestion
// core, the stores and the HTTP API.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a specific error condition
type ErrorCode string

const (
	// Rejected input, nothing was written.
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	// Authoritative store unreachable or timed out. Retryable.
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"

	// Referenced feature, session or project does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// Event stored, but derived-state update or fan-out failed.
	ErrCodePartialIngestion ErrorCode = "PARTIAL_INGESTION"

	// Lifecycle operation was a harmless no-op.
	ErrCodeConflictIgnored ErrorCode = "CONFLICT_IGNORED"

	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with context
type Error struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new Error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an Error
func Wrap(err error, code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Is checks if an error is a specific Error code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// GetCode extracts the outermost error code from an error chain.
func GetCode(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Message returns the human readable message for err, without the cause chain
// when err is a structured Error.
func Message(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// HTTPStatus maps an error code to the status the API responds with.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodePartialIngestion:
		return http.StatusAccepted
	case ErrCodeConflictIgnored:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
