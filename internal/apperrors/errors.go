// Package apperrors provides the sentinel error kinds shared between the
// ticket store, the backends and the HTTP handlers, plus the mapping from
// each kind to its wire-level HTTP status.
package apperrors

import (
	"errors"
	"net/http"
)

// Kind classifies an error the data or control plane can produce. The
// zero value (KindInternal) is the safe default: an unclassified error
// never leaks as anything more specific than a 500.
type Kind int

const (
	KindInternal Kind = iota
	KindForbidden
	KindRangeNotSatisfiable
	KindBadRequest
	KindMethodNotAllowed
	KindNotFound
	KindNotSupported
	KindConflict
	KindCanceled
)

// Error is a classified application error. Handlers type-assert for *Error
// to pick an HTTP status; anything else is treated as KindInternal.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status code this error should surface as.
func (e *Error) Status() int {
	switch e.Kind {
	case KindForbidden:
		return http.StatusForbidden
	case KindRangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	case KindBadRequest:
		return http.StatusBadRequest
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindNotFound:
		return http.StatusNotFound
	case KindNotSupported:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindCanceled:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) String() string {
	switch k {
	case KindForbidden:
		return "forbidden"
	case KindRangeNotSatisfiable:
		return "range not satisfiable"
	case KindBadRequest:
		return "bad request"
	case KindMethodNotAllowed:
		return "method not allowed"
	case KindNotFound:
		return "not found"
	case KindNotSupported:
		return "not supported"
	case KindConflict:
		return "conflict"
	case KindCanceled:
		return "canceled"
	default:
		return "internal error"
	}
}

// New builds an *Error of the given kind with a client-facing message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an existing error without discarding it; the original
// is kept for logging via Unwrap and never sent to the client directly.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// StatusOf returns the HTTP status an arbitrary error should surface as,
// defaulting to 500 for anything that isn't a classified *Error.
func StatusOf(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Status()
	}
	return http.StatusInternalServerError
}

// Sentinel errors returned by the ticket store and backends. Each is a
// real *Error so StatusOf maps it to its documented status without a
// caller needing to classify it first; a caller that needs a different
// status for the same sentinel (the image handler's blanket 403 for an
// unknown ticket, §4.4.7, versus the control handler's 404) wraps it with
// New/Wrap at the call site instead of relying on the default.
var (
	// ErrNotFound is returned when a ticket id is unknown to the store.
	ErrNotFound = New(KindNotFound, "ticket not found")
	// ErrCanceled is returned when an operation observes its ticket's
	// cancellation signal mid-transfer.
	ErrCanceled = New(KindCanceled, "operation canceled")
	// ErrClosed is returned by a backend after Close has been called.
	ErrClosed = New(KindInternal, "backend closed")
)
