package session

import "fmt"

// SendExhaustedError reports that a turn could not be sent within the retry
// budget. It is transient at the session level: the connection is torn down
// and reopened.
type SendExhaustedError struct {
	Attempts int

	// Err is the error of the last attempt.
	Err error
}

func (e *SendExhaustedError) Error() string {
	return fmt.Sprintf("session: send failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *SendExhaustedError) Unwrap() error { return e.Err }

// Transient reports true; see [live.IsTransient].
func (e *SendExhaustedError) Transient() bool { return true }

// ErrorKind classifies a [SessionError].
type ErrorKind int

const (
	// KindTransient means the session failed on a retryable condition and
	// ran out of reconnects.
	KindTransient ErrorKind = iota + 1

	// KindFatal means the session hit a condition that reconnecting cannot
	// fix.
	KindFatal
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// SessionError ends a conversation that did not terminate cleanly.
type SessionError struct {
	Kind ErrorKind

	// Exhausted is set when the session gave up after MaxSessionRetries
	// reconnects.
	Exhausted bool

	// Reconnects is the number of reconnects performed before giving up.
	Reconnects int

	Err error
}

func (e *SessionError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("session: %s failure after %d reconnects: %v", e.Kind, e.Reconnects, e.Err)
	}
	return fmt.Sprintf("session: %s failure: %v", e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Transient reports whether the session ended on a retryable condition.
func (e *SessionError) Transient() bool { return e.Kind == KindTransient }
