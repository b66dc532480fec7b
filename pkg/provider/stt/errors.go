package stt

import (
	"errors"
	"fmt"
)

// Kind classifies a transcription failure.
type Kind int

const (
	// KindUnintelligible means the audio was received but no speech could be
	// recognised in it.
	KindUnintelligible Kind = iota + 1

	// KindServiceUnavailable means the backend could not produce a result:
	// network failure, quota exhaustion, server error or cancellation.
	KindServiceUnavailable
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindUnintelligible:
		return "unintelligible"
	case KindServiceUnavailable:
		return "service_unavailable"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Sentinels matched by [Error.Is].
var (
	ErrUnintelligible     = errors.New("stt: speech unintelligible")
	ErrServiceUnavailable = errors.New("stt: service unavailable")
)

// Error is a classified transcription failure.
type Error struct {
	Kind Kind

	// Provider names the backend that failed (e.g. "whisper", "google").
	Provider string

	// Err is the underlying cause. May be nil.
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("stt: %s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("stt: %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnintelligible:
		return e.Kind == KindUnintelligible
	case ErrServiceUnavailable:
		return e.Kind == KindServiceUnavailable
	}
	return false
}

// Unintelligible returns an [*Error] of kind [KindUnintelligible].
func Unintelligible(provider string, err error) *Error {
	return &Error{Kind: KindUnintelligible, Provider: provider, Err: err}
}

// Unavailable returns an [*Error] of kind [KindServiceUnavailable].
func Unavailable(provider string, err error) *Error {
	return &Error{Kind: KindServiceUnavailable, Provider: provider, Err: err}
}

// Classify wraps err as an [*Error] for provider. Errors that already carry a
// Kind are returned unchanged; anything else is treated as the service being
// unavailable. A nil err returns nil.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return Unavailable(provider, err)
}
