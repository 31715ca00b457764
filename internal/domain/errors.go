package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the closed error taxonomy every failure in the system
// normalizes to before it reaches retry logic or metrics.
type ErrorKind string

const (
	ErrTimeout            ErrorKind = "TIMEOUT"
	ErrRateLimit          ErrorKind = "RATE_LIMIT"
	ErrAuth               ErrorKind = "AUTH_ERROR"
	ErrNotFound           ErrorKind = "NOT_FOUND"
	ErrServer             ErrorKind = "SERVER_ERROR"
	ErrNetwork            ErrorKind = "NETWORK_ERROR"
	ErrValidation         ErrorKind = "VALIDATION_ERROR"
	ErrServiceUnavailable ErrorKind = "SERVICE_UNAVAILABLE"
	ErrUnknown            ErrorKind = "UNKNOWN"
)

// Retryable reports whether an error kind is worth retrying on the
// same model. AUTH_ERROR, NOT_FOUND and VALIDATION_ERROR never are.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrTimeout, ErrRateLimit, ErrServer, ErrNetwork, ErrServiceUnavailable, ErrUnknown:
		return true
	default:
		return false
	}
}

// Error is the typed error carried across component boundaries.
// RetryAfter is only set for RATE_LIMIT when the provider sent a
// Retry-After header.
type Error struct {
	Kind       ErrorKind
	Message    string
	Provider   string
	Model      Model
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s (provider=%s)", e.Kind, e.Message, e.Provider)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed error.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a taxonomy kind to an underlying error.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the taxonomy kind from any error, defaulting to
// UNKNOWN for untyped errors.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, ErrContextDeadline) {
		return ErrTimeout
	}
	return ErrUnknown
}

// AsError unwraps a typed error if present.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Sentinel errors shared across packages.
var (
	ErrContextDeadline  = errors.New("deadline exceeded")
	ErrSessionNotFound  = errors.New("session not found")
	ErrQueueFull        = errors.New("request queue is full")
	ErrShuttingDown     = errors.New("orchestrator is shutting down")
	ErrNoModelAvailable = errors.New("no model available for request")
)
