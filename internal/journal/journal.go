// Package journal records the turns of a conversation.
//
// The session manager appends one [Entry] per acknowledged user turn and one
// per completed model turn. [MemStore] keeps entries in process memory and
// [FileStore] appends them to a JSON lines file; the postgres and redis
// sub-packages persist them remotely.
package journal

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Entry is one journalled turn.
type Entry struct {
	SessionID string
	Role      Role

	// Text is the user's turn or the concatenated text fragments of the
	// model's reply. Empty for audio-only replies.
	Text string

	// AudioBytes is the length of PCM the model returned for this turn.
	AudioBytes int

	// Timestamp is when the turn was sent or completed.
	Timestamp time.Time

	// Duration is the time from sending the preceding user turn to the
	// model's turn-complete marker. Zero for user turns.
	Duration time.Duration
}

// Store persists journal entries. Implementations must be safe for
// concurrent use.
type Store interface {
	// Append records e.
	Append(ctx context.Context, e Entry) error

	// Session returns every entry of sessionID in the order it was appended.
	Session(ctx context.Context, sessionID string) ([]Entry, error)
}

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store].
type MemStore struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore { return &MemStore{} }

// Append implements [Store].
func (s *MemStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// Session implements [Store].
func (s *MemStore) Session(_ context.Context, sessionID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Entry{}
	for _, e := range s.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// All returns a copy of every entry.
func (s *MemStore) All() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries)
}
