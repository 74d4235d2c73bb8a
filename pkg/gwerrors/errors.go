// Package gwerrors defines the closed error taxonomy every pipeline
// stage collapses into. Unknown conditions must map onto one of these
// kinds (see Denied/InternalError) rather than propagating raw errors
// to callers.
package gwerrors

import (
	"errors"
	"fmt"
)

// Kind is one of the gateway's fixed error classes.
type Kind string

const (
	KindAuth            Kind = "AuthError"
	KindNotFound        Kind = "NotFound"
	KindDenied          Kind = "Denied"
	KindRateLimited     Kind = "RateLimited"
	KindBudgetExceeded  Kind = "BudgetExceeded"
	KindValidation      Kind = "ValidationError"
	KindCircuitOpen     Kind = "CircuitOpen"
	KindUpstream        Kind = "UpstreamError"
	KindTimeout         Kind = "Timeout"
	KindInternal        Kind = "InternalError"
)

// Error is the gateway's structured error type. It always carries a
// Kind so callers can branch on classification without string
// matching, and a RequestID for correlation with the audit trail.
type Error struct {
	Kind       Kind
	Message    string
	RequestID  string
	RetryAfter int64 // seconds; set for RateLimited/BudgetExceeded
	Cause      error
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s: %s (request_id=%s)", e.Kind, e.Message, e.RequestID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same Kind, so
// errors.Is(err, gwerrors.New(gwerrors.KindX, "")) matches by kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given kind, preserving cause for
// %w-style unwrapping.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithRequestID returns a copy of the error annotated with a request id.
func (e *Error) WithRequestID(id string) *Error {
	cp := *e
	cp.RequestID = id
	return &cp
}

// WithRetryAfter returns a copy of the error annotated with a
// retry-after hint, in seconds.
func (e *Error) WithRetryAfter(seconds int64) *Error {
	cp := *e
	cp.RetryAfter = seconds
	return &cp
}

// KindOf extracts the Kind from err, defaulting to KindInternal for
// anything that isn't a *Error — every stage boundary is expected to
// normalize into *Error before it escapes the package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
