package channels

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies channel failures.
type ErrorKind string

const (
	KindIO               ErrorKind = "io"
	KindTimeout          ErrorKind = "timeout"
	KindRateLimit        ErrorKind = "rate_limit"
	KindUnavailable      ErrorKind = "unavailable"
	KindNotFound         ErrorKind = "not_found"
	KindNotConnected     ErrorKind = "not_connected"
	KindAuth             ErrorKind = "auth"
	KindInvalidMessage   ErrorKind = "invalid_message"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindInternal         ErrorKind = "internal"
)

// Error is returned by adapters.
type Error struct {
	Kind       ErrorKind
	Channel    string
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("channel %s: %s: %s (retry after %s)", e.Channel, e.Kind, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("channel %s: %s: %s", e.Channel, e.Kind, e.Message)
}

// Retriable reports whether a later attempt may succeed.
func (e *Error) Retriable() bool {
	switch e.Kind {
	case KindIO, KindTimeout, KindRateLimit, KindUnavailable, KindNotConnected:
		return true
	}
	return false
}

// NewError creates a channel error.
func NewError(channel string, kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Channel: channel, Message: fmt.Sprintf(format, args...)}
}

// RateLimited creates a rate limit error with a retry hint.
func RateLimited(channel string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Channel: channel, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

// IsRetriable classifies an arbitrary send error. Errors that are not *Error are
// treated as transient, except context cancellation.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Retriable()
	}
	return !errors.Is(err, context.Canceled)
}

// RetryAfter returns the retry hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.RetryAfter
	}
	return 0
}
