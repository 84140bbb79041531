// Package errtaxonomy provides the single failure type shared by every
// component of the client core, and the retryability/category rules
// every call site consults instead of re-deriving them from raw HTTP
// status codes or transport errors.
package errtaxonomy

import (
	"fmt"
	"time"
)

// Kind classifies the mechanism of failure.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAPIConnection Kind = "api_connection"
	KindAPIStatus     Kind = "api_status"
	KindAPITimeout    Kind = "api_timeout"
	KindRequestFailed Kind = "request_failed"
)

// Category attributes blame: who should act on this error.
type Category string

const (
	CategoryUser    Category = "user"
	CategoryServer  Category = "server"
	CategoryUnknown Category = "unknown"
)

// Error is the single error type produced and consumed across the
// dispatch, polling, and retry machinery.
type Error struct {
	Kind       Kind
	Message    string
	HTTPStatus int // 0 when not HTTP-derived
	Category   Category
	Data       map[string]interface{}
	RetryAfter *time.Duration
	Cause      error

	// ForceRetry, when non-nil, overrides the kind/status-class
	// retryability heuristic entirely (e.g. an x-should-retry
	// response header). nil defers to the normal rules.
	ForceRetry *bool
}

func (e *Error) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s: %s (status %d, category %s)", e.Kind, e.Message, e.HTTPStatus, e.Category)
	}
	return fmt.Sprintf("%s: %s (category %s)", e.Kind, e.Message, e.Category)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithData attaches a key to the error's free-form data map.
func (e *Error) WithData(key string, value interface{}) *Error {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

// WithCause records the underlying error for diagnostics.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryAfter records a server- or client-suggested retry delay.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = &d
	return e
}

// New builds a bare Error of the given kind and category.
func New(kind Kind, category Category, message string) *Error {
	return &Error{Kind: kind, Category: category, Message: message}
}

// Validation builds a non-retryable user-category validation error.
func Validation(message string) *Error {
	return New(KindValidation, CategoryUser, message)
}

// Connection builds a retryable transport-level error.
func Connection(message string, cause error) *Error {
	return New(KindAPIConnection, CategoryUnknown, message).WithCause(cause)
}

// RequestFailed wraps an unexpected internal failure (e.g. a panic
// recovered from a background task) so it is never left silent.
func RequestFailed(message string, cause error) *Error {
	return New(KindRequestFailed, CategoryUnknown, message).WithCause(cause)
}

// Timeout builds an api_timeout error, used by both the retry executor
// and the future poller when the progress timeout elapses.
func Timeout(message string) *Error {
	return New(KindAPITimeout, CategoryUnknown, message)
}

// FromHTTPStatus classifies an HTTP response per §4.1. serverCategory,
// when non-empty, is the server-declared `category` field and
// overrides the status-class default.
func FromHTTPStatus(status int, serverCategory string, retryAfter *time.Duration) *Error {
	e := &Error{Kind: KindAPIStatus, HTTPStatus: status}

	switch {
	case status == 429:
		e.Category = CategoryServer
		e.RetryAfter = retryAfter
	case status == 408:
		e.Category = CategoryServer
	case status >= 500:
		e.Category = CategoryServer
	default:
		e.Category = CategoryUser
	}

	if serverCategory != "" {
		e.Category = Category(serverCategory)
	}

	e.Message = fmt.Sprintf("http status %d", status)
	return e
}

// Retryable implements the uniform retry predicate every component
// consults instead of switching on kind/status at each call site.
func Retryable(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	if e.ForceRetry != nil {
		return *e.ForceRetry
	}
	switch e.Kind {
	case KindAPIConnection:
		return true
	case KindAPITimeout:
		return false
	case KindValidation:
		return false
	case KindRequestFailed:
		return false
	case KindAPIStatus:
		switch {
		case e.HTTPStatus == 429, e.HTTPStatus == 408:
			return true
		case e.HTTPStatus >= 500:
			return true
		default:
			return e.Category == CategoryServer
		}
	}
	return false
}

// AsError extracts an *Error from err, unwrapping if necessary.
func AsError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	if e, ok := err.(*Error); ok {
		return e, true
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return AsError(u.Unwrap())
	}
	return nil, false
}

// GetRetryAfter extracts the suggested retry delay, if any.
func GetRetryAfter(err error) *time.Duration {
	e, ok := AsError(err)
	if !ok {
		return nil
	}
	return e.RetryAfter
}

// GetCategory extracts the error's category, defaulting to unknown.
func GetCategory(err error) Category {
	e, ok := AsError(err)
	if !ok {
		return CategoryUnknown
	}
	return e.Category
}
