// Package resilience keeps a session usable while a speech backend misbehaves.
//
// [CircuitBreaker] stops calling a backend after repeated failures and probes
// it again once a cool-down has passed. [FallbackGroup] chains several
// backends of one kind, each behind its own breaker, and answers from the
// first healthy one. [TranscriberFallback] and [TTSFallback] specialise the
// group for the stt and tts provider interfaces.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned, wrapped with the breaker name, when a call is
// rejected without reaching the backend.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call until the reset timeout has passed.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through. One failed
	// probe re-opens the breaker; HalfOpenMax successful probes close it.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults for zero [CircuitBreakerConfig] fields.
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 3
)

// CircuitBreakerConfig tunes a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log records, errors and state-change callbacks.
	Name string

	// MaxFailures is the run of consecutive counted failures that opens a
	// closed breaker. Default: [DefaultMaxFailures].
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	// Default: [DefaultResetTimeout].
	ResetTimeout time.Duration

	// HalfOpenMax bounds probe calls while half-open. Default:
	// [DefaultHalfOpenMax].
	HalfOpenMax int

	// IsFailure decides whether an error counts against the breaker. Errors
	// it rejects are passed through and treated as a healthy answer, e.g. an
	// utterance without words. Nil counts every error.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now. Tests use it to step through the reset timeout.
	Now func() time.Time
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name                string
	State               State
	ConsecutiveFailures int
	LastFailure         time.Time
}

// CircuitBreaker is a three-state breaker around calls to one backend.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probes      int // admitted while half-open
	probeOK     int // of those, succeeded
}

// NewCircuitBreaker returns a closed breaker. Zero config fields take their
// defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = DefaultHalfOpenMax
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute calls fn unless the breaker rejects the call, in which case it
// returns an error wrapping [ErrCircuitOpen]. fn's own error is returned
// unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, from, ok := cb.admit()
	if !ok {
		return fmt.Errorf("resilience: %s: %w", cb.cfg.Name, ErrCircuitOpen)
	}
	if from != StateHalfOpen && probe {
		cb.notify(from, StateHalfOpen)
	}

	err := fn()

	cb.mu.Lock()
	before := cb.state
	if err != nil && (cb.cfg.IsFailure == nil || cb.cfg.IsFailure(err)) {
		cb.onFailure(probe)
	} else {
		cb.onSuccess(probe)
	}
	after := cb.state
	cb.mu.Unlock()

	if before != after {
		cb.notify(before, after)
	}
	return err
}

// admit decides whether a call may proceed and whether it is a probe. from
// is the state before any open to half-open move made here.
func (cb *CircuitBreaker) admit() (probe bool, from State, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	from = cb.state
	switch cb.state {
	case StateOpen:
		if cb.cfg.Now().Sub(cb.lastFailure) < cb.cfg.ResetTimeout {
			return false, from, false
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeOK = 0
		slog.Info("circuit breaker probing", "breaker", cb.cfg.Name)
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			return false, from, false
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
		return true, from, true
	}
	return false, from, true
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// onFailure must be called with cb.mu held.
func (cb *CircuitBreaker) onFailure(probe bool) {
	cb.lastFailure = cb.cfg.Now()

	if probe {
		cb.state = StateOpen
		cb.failures = cb.cfg.MaxFailures
		slog.Warn("circuit breaker probe failed, re-opened", "breaker", cb.cfg.Name)
		return
	}

	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
		cb.state = StateOpen
		slog.Warn("circuit breaker opened",
			"breaker", cb.cfg.Name,
			"consecutive_failures", cb.failures,
		)
	}
}

// onSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) onSuccess(probe bool) {
	if !probe {
		cb.failures = 0
		return
	}
	// A sibling probe may already have re-opened the breaker.
	if cb.state != StateHalfOpen {
		return
	}
	cb.probeOK++
	if cb.probeOK >= cb.cfg.HalfOpenMax {
		cb.state = StateClosed
		cb.failures = 0
		cb.probes = 0
		cb.probeOK = 0
		slog.Info("circuit breaker closed", "breaker", cb.cfg.Name)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the move itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	return cb.Snapshot().State
}

// Snapshot returns the current state and failure counters.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	st := cb.state
	if st == StateOpen && cb.cfg.Now().Sub(cb.lastFailure) >= cb.cfg.ResetTimeout {
		st = StateHalfOpen
	}
	return Snapshot{
		Name:                cb.cfg.Name,
		State:               st,
		ConsecutiveFailures: cb.failures,
		LastFailure:         cb.lastFailure,
	}
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeOK = 0
	cb.mu.Unlock()

	slog.Info("circuit breaker reset", "breaker", cb.cfg.Name)
	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }
