// Package apierr defines the closed error-kind taxonomy used across the
// tutormesh control plane (spec §7). Every terminal error surfaced to a
// caller or recorded in an audit carries one of these kinds, a status
// code, and a correlation id — never a bare error string.
package apierr

import (
	"fmt"
	"net/http"
)

// Kind is the closed set of error classifications.
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindAuthentication     Kind = "authentication_error"
	KindAuthorization      Kind = "authorization_error"
	KindRateLimit          Kind = "rate_limit_error"
	KindUpstreamUnavailable Kind = "upstream_unavailable_error"
	KindBreakerOpen        Kind = "breaker_open_error"
	KindConflict           Kind = "conflict_error"
	KindInsufficientHistory Kind = "insufficient_history_error"
	KindTimeout            Kind = "timeout_error"
	KindInternal           Kind = "internal_error"
)

var statusByKind = map[Kind]int{
	KindValidation:          http.StatusBadRequest,
	KindAuthentication:      http.StatusUnauthorized,
	KindAuthorization:       http.StatusForbidden,
	KindRateLimit:           http.StatusTooManyRequests,
	KindUpstreamUnavailable: http.StatusBadGateway,
	KindBreakerOpen:         http.StatusBadGateway,
	KindConflict:            http.StatusConflict,
	KindInsufficientHistory: http.StatusUnprocessableEntity,
	KindTimeout:             http.StatusGatewayTimeout,
	KindInternal:            http.StatusInternalServerError,
}

// Error is the structured error type returned by every component
// boundary in this repo. It never embeds sensitive data in Message.
type Error struct {
	Kind          Kind
	Message       string
	StatusCode    int
	CorrelationID string
	Details       []string
	Cause         error
}

func (e *Error) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error of the given kind with its default status code.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, StatusCode: statusByKind[kind]}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to a new Error without leaking the cause's
// text into Message (the cause is logged, not returned to callers).
func Wrap(cause error, kind Kind, message string) *Error {
	e := New(kind, message)
	e.Cause = cause
	return e
}

// WithDetails appends structured detail strings (e.g. validation
// violations) and returns the same Error for chaining.
func (e *Error) WithDetails(details ...string) *Error {
	e.Details = append(e.Details, details...)
	return e
}

// WithCorrelationID attaches the request/correlation id so operators
// can line up a user-visible error with its audit entry.
func (e *Error) WithCorrelationID(id string) *Error {
	e.CorrelationID = id
	return e
}

// Constructors for the taxonomy named in spec §7.

func Validation(message string) *Error          { return New(KindValidation, message) }
func Authentication(message string) *Error      { return New(KindAuthentication, message) }
func Authorization(message string) *Error       { return New(KindAuthorization, message) }
func RateLimit(message string) *Error           { return New(KindRateLimit, message) }
func UpstreamUnavailable(message string) *Error { return New(KindUpstreamUnavailable, message) }
func BreakerOpen(message string) *Error         { return New(KindBreakerOpen, message) }
func Conflict(message string) *Error            { return New(KindConflict, message) }
func InsufficientHistory(message string) *Error { return New(KindInsufficientHistory, message) }
func Timeout(message string) *Error             { return New(KindTimeout, message) }
func Internal(cause error, message string) *Error {
	return Wrap(cause, KindInternal, message)
}

// As unwraps err into an *Error, if it is one.
func As(err error) (*Error, bool) {
	ae, ok := err.(*Error)
	return ae, ok
}

// StatusCodeFor returns the declared status for a kind, defaulting to 500.
func StatusCodeFor(kind Kind) int {
	if sc, ok := statusByKind[kind]; ok {
		return sc
	}
	return http.StatusInternalServerError
}
