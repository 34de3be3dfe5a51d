package worker

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/daimoniac/sitelock/internal/errors"
)

// ErrorHandlerAction determines what action to take for a given error
type ErrorHandlerAction int

const (
	// ActionRetry indicates the error is transient and should be retried
	ActionRetry ErrorHandlerAction = iota
	// ActionFail indicates the error is permanent or retries are exhausted
	ActionFail
)

// isTransientError reports whether a failed directory update is worth
// retrying. Typed errors decide first; bare errors fall back to message
// patterns.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if stderrors.Is(err, context.Canceled) {
		return false
	}

	if errors.IsTransient(err) {
		return true
	}
	if errors.IsPermanent(err) ||
		stderrors.Is(err, errors.ErrUnauthorized) ||
		stderrors.Is(err, errors.ErrUnauthenticated) ||
		stderrors.Is(err, errors.ErrInvalidInput) ||
		stderrors.Is(err, errors.ErrNotFound) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	for _, pattern := range []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"too many requests",
		"service unavailable",
		"bad gateway",
		"dial tcp",
		"eof",
		"broken pipe",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// handleTaskError decides whether attempt should be followed by another one
// and how long to wait before it. Backoff grows linearly with the attempt.
func handleTaskError(err error, attempt int, cfg Config) (ErrorHandlerAction, time.Duration) {
	if !isTransientError(err) {
		return ActionFail, 0
	}
	if attempt >= cfg.RetryAttempts {
		return ActionFail, 0
	}
	return ActionRetry, cfg.RetryBackoff * time.Duration(attempt)
}
