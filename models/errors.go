package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an adapter or pipeline failure. Transient kinds are
// retried by the scheduler, fatal kinds abandon the task.
type ErrorKind string

const (
	ErrTimeout           ErrorKind = "timeout"
	ErrRateLimited       ErrorKind = "rate_limited"
	ErrAuth              ErrorKind = "auth_error"
	ErrMalformedResponse ErrorKind = "malformed_response"
	ErrUnavailable       ErrorKind = "unavailable"
	ErrCircuitOpen       ErrorKind = "circuit_open"
	ErrValidationFailed  ErrorKind = "validation_failed"
)

// FetchError is the normalized failure type surfaced by every source
// adapter and by the components wrapping adapter calls.
type FetchError struct {
	Kind    ErrorKind
	Adapter string
	Err     error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Adapter, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Adapter, e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError wraps err with an error kind and the adapter it came from.
func NewFetchError(kind ErrorKind, adapter string, err error) *FetchError {
	return &FetchError{Kind: kind, Adapter: adapter, Err: err}
}

// KindOf extracts the ErrorKind from err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Retryable reports whether the failure is transient. AuthError,
// MalformedResponse and ValidationFailed abandon the current task.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ErrTimeout, ErrRateLimited, ErrUnavailable, ErrCircuitOpen:
		return true
	}
	return false
}
