// Package specerr defines the typed error taxonomy shared by every
// SpecMem component. Components never return opaque errors for
// caller-visible failure modes; they wrap a Kind so callers can branch
// on errors.As without string matching.
package specerr

import "fmt"

// Kind enumerates the caller-visible failure modes of the core.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindNotFound           Kind = "not_found"
	KindForbidden          Kind = "forbidden"
	KindCapacityExhausted  Kind = "capacity_exhausted"
	KindAlreadyReleased    Kind = "already_released"
	KindBusClosed          Kind = "bus_closed"
	KindTimeout            Kind = "timeout"
	KindStorage            Kind = "storage"
	KindParseError         Kind = "parse_error"
	KindAckFailure         Kind = "ack_failure"
)

// Error is the concrete error type returned by SpecMem components.
// It carries a Kind for programmatic dispatch and a short human
// message safe to surface to a host agent.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, enabling
// errors.Is(err, specerr.New(specerr.KindNotFound, "")) style checks
// as well as the sentinel-per-kind pattern below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error that wraps an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinels for errors.Is comparisons where no message/cause detail is needed.
var (
	ErrNotFound          = New(KindNotFound, "not found")
	ErrForbidden         = New(KindForbidden, "forbidden")
	ErrAlreadyReleased   = New(KindAlreadyReleased, "already released")
	ErrBusClosed         = New(KindBusClosed, "bus is closed")
	ErrCapacityExhausted = New(KindCapacityExhausted, "capacity exhausted")
	ErrInvalidInput      = New(KindInvalidInput, "invalid input")
)

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, returning ("", false) otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
