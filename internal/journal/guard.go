package journal

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Guard wraps a [Store] and makes all operations non-fatal. If the underlying
// store fails, operations return defaults and log warnings instead of
// propagating errors, so a database outage never ends a conversation.
//
// All methods are safe for concurrent use.
type Guard struct {
	store    Store
	degraded atomic.Bool
}

var _ Store = (*Guard)(nil)

// NewGuard creates a new [Guard] wrapping store.
func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// Append attempts to write e. On failure the error is logged and swallowed;
// the store is marked as degraded. On success the degraded flag is cleared.
func (g *Guard) Append(ctx context.Context, e Entry) error {
	if err := g.store.Append(ctx, e); err != nil {
		g.degraded.Store(true)
		slog.Warn("journal guard: Append failed, swallowing error",
			"session_id", e.SessionID,
			"error", err,
		)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// Session attempts to read the entries of sessionID. On failure an empty
// slice is returned and the store is marked as degraded.
func (g *Guard) Session(ctx context.Context, sessionID string) ([]Entry, error) {
	entries, err := g.store.Session(ctx, sessionID)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("journal guard: Session failed, returning empty",
			"session_id", sessionID,
			"error", err,
		)
		return []Entry{}, nil
	}
	g.degraded.Store(false)
	return entries, nil
}

// IsDegraded reports whether the most recent operation on the underlying
// store failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}
