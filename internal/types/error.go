package types

import (
	"errors"
	"fmt"
)

// ErrorCode identifies which pipeline stage an error belongs to. The turn
// controller picks its recovery policy by code, not by inspecting causes.
type ErrorCode string

const (
	ErrTransport     ErrorCode = "TRANSPORT"
	ErrTranscription ErrorCode = "TRANSCRIPTION"
	ErrRetrieval     ErrorCode = "RETRIEVAL"
	ErrGeneration    ErrorCode = "GENERATION"
	ErrSynthesis     ErrorCode = "SYNTHESIS"
	ErrTimeout       ErrorCode = "TIMEOUT"
	ErrCancelled     ErrorCode = "CANCELLED"
)

// Error is a structured pipeline error with a stage code and retryability.
type Error struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as transient.
func (e *Error) WithRetryable(r bool) *Error {
	e.Retryable = r
	return e
}

// CodeOf extracts the stage code from err, or "" for plain errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is marked transient.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
