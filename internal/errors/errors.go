package errors

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for common cases
var (
	// ErrTransient indicates a temporary error that should be retried
	ErrTransient = errors.New("transient error")

	// ErrPermanent indicates a permanent error that should not be retried
	ErrPermanent = errors.New("permanent error")

	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates the remote directory rejected the credential
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidInput indicates invalid input data
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = errors.New("timeout")

	// ErrUnauthenticated means no bearer credential is stored. Expected for
	// signed-out users and never logged as an error.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrNetwork covers connection failures and non-2xx directory responses
	ErrNetwork = errors.New("network error")

	// ErrMalformedResponse indicates an undecodable directory payload
	ErrMalformedResponse = errors.New("malformed response")

	// ErrInvalidHostname indicates input that has no parseable authority
	ErrInvalidHostname = errors.New("invalid hostname")

	// ErrVerificationFailed indicates the credential was rejected
	ErrVerificationFailed = errors.New("verification failed")

	// ErrStoreUnavailable indicates the persistent store could not be read or written
	ErrStoreUnavailable = errors.New("store unavailable")
)

// TransientError wraps an error to mark it as transient (retryable)
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transient error: %v", e.Cause)
	}
	return "transient error"
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// NewTransient creates a new transient error
func NewTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Cause: err}
}

// NewTransientf creates a new transient error with formatting
func NewTransientf(format string, args ...interface{}) error {
	return &TransientError{Cause: fmt.Errorf(format, args...)}
}

// PermanentError wraps an error to mark it as permanent (not retryable)
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("permanent error: %v", e.Cause)
	}
	return "permanent error"
}

func (e *PermanentError) Unwrap() error {
	return e.Cause
}

// NewPermanent creates a new permanent error
func NewPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Cause: err}
}

// NewPermanentf creates a new permanent error with formatting
func NewPermanentf(format string, args ...interface{}) error {
	return &PermanentError{Cause: fmt.Errorf(format, args...)}
}

// IsTransient checks if an error is transient using errors.As
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	if errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidHostname) ||
		errors.Is(err, ErrVerificationFailed) {
		return false
	}

	// Malformed payloads are retried like network errors.
	if errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrMalformedResponse) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Default to non-transient for safety (don't retry unknown errors)
	return false
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var permanentErr *PermanentError
	return errors.As(err, &permanentErr)
}

// Kind is the coarse error class surfaced by the engine.
type Kind string

const (
	KindNone               Kind = ""
	KindUnauthenticated    Kind = "unauthenticated"
	KindNetwork            Kind = "network"
	KindMalformedResponse  Kind = "malformed_response"
	KindInvalidHostname    Kind = "invalid_hostname"
	KindVerificationFailed Kind = "verification_failed"
	KindStoreUnavailable   Kind = "store_unavailable"
	KindUnknown            Kind = "unknown"
)

// Classify maps err onto the engine's error taxonomy. Timeouts and
// unauthorized directory responses fold into KindNetwork.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrUnauthenticated):
		return KindUnauthenticated
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	case errors.Is(err, ErrVerificationFailed):
		return KindVerificationFailed
	case errors.Is(err, ErrInvalidHostname):
		return KindInvalidHostname
	case errors.Is(err, ErrMalformedResponse):
		return KindMalformedResponse
	case errors.Is(err, ErrNetwork),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	default:
		return KindUnknown
	}
}
