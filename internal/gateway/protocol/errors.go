package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error codes. The set is closed; handlers must pick one of these.
const (
	ErrorCodeInvalidRequest = "INVALID_REQUEST"
	ErrorCodeMethodNotFound = "METHOD_NOT_FOUND"
	ErrorCodeInvalidParams  = "INVALID_PARAMS"
	ErrorCodeInternal       = "INTERNAL_ERROR"
	ErrorCodeUnauthorized   = "UNAUTHORIZED"
	ErrorCodeForbidden      = "FORBIDDEN"
	ErrorCodeNotFound       = "NOT_FOUND"
	ErrorCodeConflict       = "CONFLICT"
	ErrorCodeRateLimited    = "RATE_LIMITED"
	ErrorCodeUnavailable    = "UNAVAILABLE"
	ErrorCodeAgentTimeout   = "AGENT_TIMEOUT"
	ErrorCodeNotPaired      = "NOT_PAIRED"
)

var knownCodes = map[string]bool{
	ErrorCodeInvalidRequest: false,
	ErrorCodeMethodNotFound: false,
	ErrorCodeInvalidParams:  false,
	ErrorCodeInternal:       false,
	ErrorCodeUnauthorized:   false,
	ErrorCodeForbidden:      false,
	ErrorCodeNotFound:       false,
	ErrorCodeConflict:       false,
	ErrorCodeRateLimited:    true,
	ErrorCodeUnavailable:    true,
	ErrorCodeAgentTimeout:   true,
	ErrorCodeNotPaired:      false,
}

// IsKnownCode reports whether code belongs to the error taxonomy.
func IsKnownCode(code string) bool {
	_, ok := knownCodes[code]
	return ok
}

// Error is a gateway error that carries its wire representation.
type Error struct {
	Code       string
	Message    string
	Details    interface{}
	Retryable  bool
	RetryAfter time.Duration
}

// NewError creates an error with the default retryability of its code.
// Unknown codes collapse to INTERNAL_ERROR.
func NewError(code, message string) *Error {
	retryable, ok := knownCodes[code]
	if !ok {
		code = ErrorCodeInternal
	}
	return &Error{Code: code, Message: message, Retryable: retryable}
}

// Errorf creates an error with a formatted message.
func Errorf(code, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// WithRetryAfter returns a retryable copy of e with a retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	cp := *e
	cp.Retryable = true
	cp.RetryAfter = d
	return &cp
}

// Shape converts the error to its wire form.
func (e *Error) Shape() *ErrorShape {
	return &ErrorShape{
		Code:         e.Code,
		Message:      e.Message,
		Details:      e.Details,
		Retryable:    e.Retryable,
		RetryAfterMs: e.RetryAfter.Milliseconds(),
	}
}

// ShapeOf maps any error to an ErrorShape.
func ShapeOf(err error) *ErrorShape {
	if err == nil {
		return nil
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Shape()
	}
	var shape *ErrorShape
	if errors.As(err, &shape) {
		return shape
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(ErrorCodeAgentTimeout, err.Error()).Shape()
	}
	if errors.Is(err, context.Canceled) {
		return NewError(ErrorCodeUnavailable, "request cancelled").Shape()
	}
	return NewError(ErrorCodeInternal, err.Error()).Shape()
}
