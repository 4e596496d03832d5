// Package provider holds the pieces shared by the metadata and analysis
// clients: the typed error taxonomy, the token-bucket rate gate, and the
// retry loop with exponential backoff.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a provider failure for recovery decisions and for
// the run's errors_by_kind counters.
type ErrorKind string

const (
	// KindRateLimited is a 429 or a local token-bucket wait timeout.
	KindRateLimited ErrorKind = "rate_limited"

	// KindUnavailable covers 5xx responses and network failures.
	KindUnavailable ErrorKind = "unavailable"

	// KindOverloaded is an analysis-provider capacity signal (503 with
	// model-busy semantics). It drives the primary/fallback selector.
	KindOverloaded ErrorKind = "overloaded"

	// KindNotFound means the identifier does not exist upstream.
	KindNotFound ErrorKind = "not_found"

	// KindInvalidID means the identifier is syntactically unacceptable.
	KindInvalidID ErrorKind = "invalid_id"

	// KindInvalidInput is a 400-class problem with the request payload.
	KindInvalidInput ErrorKind = "invalid_input"

	// KindCancelled means the caller's context was cancelled.
	KindCancelled ErrorKind = "cancelled"
)

// Error is a typed provider failure.
type Error struct {
	Kind     ErrorKind
	Provider string
	Op       string
	// RetryAfter carries a provider-supplied backoff hint, zero if none.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient. Semantic failures
// (NotFound, InvalidID, InvalidInput) and cancellation never retry.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindUnavailable, KindOverloaded:
		return true
	default:
		return false
	}
}

// NewError builds a typed provider error.
func NewError(kind ErrorKind, providerName, op string, err error) *Error {
	return &Error{Kind: kind, Provider: providerName, Op: op, Err: err}
}

// KindOf extracts the ErrorKind from err, mapping context errors to
// KindCancelled and anything untyped to KindUnavailable.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindUnavailable
}

// IsRetryable reports whether err is a retryable provider error.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}
