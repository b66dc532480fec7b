package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/attune/internal/journal"
	"github.com/MrWong99/attune/internal/journal/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if ATTUNE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("ATTUNE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ATTUNE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS journal_entries"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_AppendAndSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	entries := []journal.Entry{
		{SessionID: "s1", Role: journal.RoleUser, Text: "I have trouble sleeping.", Timestamp: now},
		{SessionID: "s2", Role: journal.RoleUser, Text: "unrelated"},
		{SessionID: "s1", Role: journal.RoleModel, Text: "That sounds exhausting.", AudioBytes: 4800, Duration: 1500 * time.Millisecond},
	}
	for _, e := range entries {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := store.Session(ctx, "s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0].Role != journal.RoleUser || !got[0].Timestamp.Equal(now) {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].AudioBytes != 4800 || got[1].Duration != 1500*time.Millisecond {
		t.Errorf("second = %+v", got[1])
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestStore_Search(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, e := range []journal.Entry{
		{SessionID: "s1", Role: journal.RoleUser, Text: "I keep waking up at night."},
		{SessionID: "s1", Role: journal.RoleModel, Text: "Waking at night can be stressful."},
		{SessionID: "s2", Role: journal.RoleUser, Text: "Work is fine."},
	} {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	all, err := store.Search(ctx, "night", postgres.SearchOpts{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Search(night) = %d results, want 2", len(all))
	}

	user, err := store.Search(ctx, "night", postgres.SearchOpts{SessionID: "s1", Role: journal.RoleUser, Limit: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(user) != 1 || user[0].Role != journal.RoleUser {
		t.Errorf("Search(night, user) = %+v", user)
	}
}
