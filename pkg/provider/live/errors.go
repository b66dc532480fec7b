package live

import (
	"errors"
	"fmt"
)

// Class tells callers whether retrying can help.
type Class int

const (
	// ClassTransient failures may succeed on retry or after reconnecting.
	ClassTransient Class = iota + 1

	// ClassFatal failures will not succeed on retry.
	ClassFatal
)

// String implements fmt.Stringer.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// ErrClosed is wrapped by errors returned from a connection that has already
// ended.
var ErrClosed = errors.New("live: connection closed")

// Error is a classified provider failure.
type Error struct {
	Class Class

	// Provider names the backend (e.g. "gemini").
	Provider string

	// Op is the failing operation: "connect", "setup", "send" or "receive".
	Op string

	// Code is a provider status code when one is known, else 0.
	Code int

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("live: %s: %s (%s)", e.Provider, e.Op, e.Class)
	if e.Code != 0 {
		msg += fmt.Sprintf(" code %d", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether e is retryable.
func (e *Error) Transient() bool { return e.Class == ClassTransient }

// Transient returns a retryable [*Error].
func Transient(provider, op string, code int, err error) *Error {
	return &Error{Class: ClassTransient, Provider: provider, Op: op, Code: code, Err: err}
}

// Fatal returns a non-retryable [*Error].
func Fatal(provider, op string, code int, err error) *Error {
	return &Error{Class: ClassFatal, Provider: provider, Op: op, Code: code, Err: err}
}

// IsTransient reports whether any error in err's chain declares itself
// transient through a Transient() bool method. Unclassified errors,
// including context cancellation, are not transient.
func IsTransient(err error) bool {
	var t interface{ Transient() bool }
	return errors.As(err, &t) && t.Transient()
}
