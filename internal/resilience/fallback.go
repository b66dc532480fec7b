package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned, joined with the last backend error, when no entry
// of a [FallbackGroup] produced an answer.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig is shared by every entry of a [FallbackGroup]. Each entry gets
// its own breaker built from CircuitBreaker with Name set to the entry name.
//
// CircuitBreaker.IsFailure also steers failover: an error it does not count
// is an answer and is returned without asking the next entry.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary backend and its fallbacks, asked in
// registration order. Entries are registered before first use; the group is
// then safe for concurrent calls.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
}

// NewFallbackGroup returns a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry behind the ones already registered.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.members = append(fg.members, member[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(bc),
	})
}

// Execute runs fn against the first entry that answers. See
// [ExecuteWithResult].
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// Names returns the entry names in the order they are asked.
func (fg *FallbackGroup[T]) Names() []string {
	out := make([]string, 0, len(fg.members))
	for _, m := range fg.members {
		out = append(out, m.name)
	}
	return out
}

// Status returns a breaker snapshot per entry, in the order they are asked.
func (fg *FallbackGroup[T]) Status() []Snapshot {
	out := make([]Snapshot, 0, len(fg.members))
	for _, m := range fg.members {
		out = append(out, m.breaker.Snapshot())
	}
	return out
}

// Healthy returns nil while at least one entry would accept a call, and an
// error naming every entry otherwise.
func (fg *FallbackGroup[T]) Healthy() error {
	var open []string
	for _, s := range fg.Status() {
		if s.State != StateOpen {
			return nil
		}
		open = append(open, s.Name)
	}
	return fmt.Errorf("resilience: every breaker open: %v", open)
}

// counted reports whether err should move failover on to the next entry.
func (fg *FallbackGroup[T]) counted(err error) bool {
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}
	isFailure := fg.cfg.CircuitBreaker.IsFailure
	return isFailure == nil || isFailure(err)
}

// ExecuteWithResult asks each entry of fg in turn and returns the first
// answer. Entries whose breaker is open are skipped. An error the breaker does
// not count is returned as is. When every entry fails the error wraps
// [ErrAllFailed] and the last backend error.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for _, m := range fg.members {
		var out R
		err := m.breaker.Execute(func() error {
			var err error
			out, err = fn(m.value)
			return err
		})
		switch {
		case err == nil:
			return out, nil
		case !fg.counted(err):
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("fallback entry skipped, breaker open", "provider", m.name)
		default:
			slog.Warn("fallback entry failed", "provider", m.name, "err", err)
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
