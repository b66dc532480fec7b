package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultPollInterval is how often a [Watcher] stats the config file.
const DefaultPollInterval = 5 * time.Second

// stamp identifies one version of the config file. Size and mtime are cheap
// to compare; the hash settles a touch without an edit.
type stamp struct {
	size    int64
	modTime time.Time
	sum     [sha256.Size]byte
}

func (s stamp) sameFile(info os.FileInfo) bool {
	return s.size == info.Size() && s.modTime.Equal(info.ModTime())
}

// Watcher keeps the latest valid version of a config file. An edit that fails
// to parse or validate is logged and ignored; the previous config stays
// current.
type Watcher struct {
	path     string
	every    time.Duration
	trigger  <-chan os.Signal
	onChange func(old, cur *Config)

	mu   sync.Mutex
	cur  *Config
	seen stamp
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the poll interval. Non-positive values keep
// [DefaultPollInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.every = d
		}
	}
}

// WithTrigger makes [Watcher.Run] reload whenever c delivers, in addition to
// polling. main wires SIGHUP here.
func WithTrigger(c <-chan os.Signal) WatcherOption {
	return func(w *Watcher) { w.trigger = c }
}

// NewWatcher loads path and returns a Watcher holding it. onChange, if not
// nil, is called with the previous and the new config after each accepted
// edit. Watching starts with [Watcher.Run].
func NewWatcher(path string, onChange func(old, cur *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, every: DefaultPollInterval, onChange: onChange}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.cur, w.seen = cfg, st
	return w, nil
}

// Current returns the latest valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

// Run watches the file until ctx is done. It returns nil so it can share an
// errgroup with the session.
func (w *Watcher) Run(ctx context.Context) error {
	tick := time.NewTicker(w.every)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if w.unchanged() {
				continue
			}
		case <-w.trigger:
			slog.Info("config reload requested", "path", w.path)
		}
		if _, err := w.Reload(); err != nil {
			slog.Warn("config edit rejected, keeping previous config", "path", w.path, "err", err)
		}
	}
}

// unchanged reports whether a stat shows the file as last read. A file that
// cannot be stat'ed counts as unchanged; Reload would only fail on it.
func (w *Watcher) unchanged() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Debug("config file not readable", "path", w.path, "err", err)
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seen.sameFile(info)
}

// Reload reads the file now. It reports whether the content differed from
// the current config, in which case the new config is current and onChange
// has run. An error leaves the current config in place.
func (w *Watcher) Reload() (bool, error) {
	cfg, st, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	edited := st.sum != w.seen.sum
	w.seen = st
	old := w.cur
	if edited {
		w.cur = cfg
	}
	w.mu.Unlock()

	if !edited {
		return false, nil
	}
	slog.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

// read parses and validates the file and stamps the bytes it read.
func (w *Watcher) read() (*Config, stamp, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, stamp{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, stamp{}, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, stamp{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, stamp{}, err
	}
	return cfg, stamp{size: info.Size(), modTime: info.ModTime(), sum: sha256.Sum256(buf.Bytes())}, nil
}
