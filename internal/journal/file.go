package journal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
)

var _ Store = (*FileStore)(nil)

// FileStore persists entries as JSON lines in a local file. Suitable for a
// single user on one machine; use the postgres store for anything shared.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a FileStore that writes to path. The file is created
// on the first Append.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the file the store appends to.
func (fs *FileStore) Path() string { return fs.path }

// Append implements [Store].
func (fs *FileStore) Append(_ context.Context, e Entry) error {
	data, err := MarshalEntry(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("journal: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	return nil
}

// Session implements [Store]. A missing file holds no sessions.
func (fs *FileStore) Session(ctx context.Context, sessionID string) ([]Entry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	out := []Entry{}
	f, err := os.Open(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: open file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for line := 1; sc.Scan(); line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := UnmarshalEntry(sc.Bytes())
		if err != nil {
			return nil, fmt.Errorf("journal: %s line %d: %w", fs.path, line, err)
		}
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("journal: read file: %w", err)
	}
	return out, nil
}
