package render

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// DefaultPrefix labels model turns on the console.
const DefaultPrefix = "Therapist> "

// Compile-time interface assertions.
var (
	_ Renderer = (*Console)(nil)
	_ Notifier = (*Console)(nil)
)

// Console prints text fragments as they stream in. Audio is ignored.
// Console is safe for concurrent use.
type Console struct {
	mu      sync.Mutex
	w       io.Writer
	prefix  string
	started bool
}

// ConsoleOption is a functional option for configuring a [Console].
type ConsoleOption func(*Console)

// WithPrefix replaces [DefaultPrefix].
func WithPrefix(prefix string) ConsoleOption {
	return func(c *Console) { c.prefix = prefix }
}

// NewConsole returns a Console writing to w. A nil w means os.Stdout.
func NewConsole(w io.Writer, opts ...ConsoleOption) *Console {
	if w == nil {
		w = os.Stdout
	}
	c := &Console{w: w, prefix: DefaultPrefix}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RenderText implements [Renderer]. The prefix is printed before the first
// fragment of each turn.
func (c *Console) RenderText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		fmt.Fprint(c.w, c.prefix)
		c.started = true
	}
	fmt.Fprint(c.w, text)
}

// RenderAudio implements [Renderer].
func (c *Console) RenderAudio([]byte) {}

// TurnDone implements [Renderer].
func (c *Console) TurnDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		fmt.Fprintln(c.w)
		c.started = false
	}
}

// Notify implements [Notifier].
func (c *Console) Notify(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		fmt.Fprintln(c.w)
		c.started = false
	}
	fmt.Fprintln(c.w, msg)
}

// Close implements [Renderer].
func (c *Console) Close() error { return nil }
