// Package mock provides test doubles for the live.Provider and live.Conn
// interfaces.
//
// A Provider hands out scripted Conns in order. Each Conn replays one Reply
// per successful end-of-turn Send; a Reply with Err set breaks the connection
// after its events, the way a dropped socket would.
//
//	conn := &mock.Conn{Replies: []mock.Reply{mock.TextReply("Hello.")}}
//	p := &mock.Provider{Conns: []*mock.Conn{conn}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/attune/pkg/provider/live"
)

// Ensure the mocks implement the live interfaces at compile time.
var (
	_ live.Provider = (*Provider)(nil)
	_ live.Conn     = (*Conn)(nil)
)

// Reply is the scripted response to one completed user turn.
type Reply struct {
	// Events are delivered in order. TextReply and AudioReply append the
	// turn-complete marker for you.
	Events []live.Event

	// Err, if non-nil, ends the connection after Events with Err reported by
	// Conn.Err.
	Err error
}

// TextReply returns a Reply made of text fragments and a turn-complete marker.
func TextReply(fragments ...string) Reply {
	evs := make([]live.Event, 0, len(fragments)+1)
	for _, f := range fragments {
		evs = append(evs, live.Event{Kind: live.EventText, Text: f})
	}
	return Reply{Events: append(evs, live.Event{Kind: live.EventTurnComplete})}
}

// AudioReply returns a Reply made of PCM chunks and a turn-complete marker.
func AudioReply(chunks ...[]byte) Reply {
	evs := make([]live.Event, 0, len(chunks)+1)
	for _, c := range chunks {
		evs = append(evs, live.Event{Kind: live.EventAudio, Audio: c})
	}
	return Reply{Events: append(evs, live.Event{Kind: live.EventTurnComplete})}
}

// Sent records one successful Send.
type Sent struct {
	Text      string
	EndOfTurn bool
}

// Conn is a mock implementation of live.Conn.
type Conn struct {
	mu sync.Mutex

	// SendErrs is consumed one entry per Send attempt. A nil entry, or an
	// exhausted slice, means the attempt succeeds.
	SendErrs []error

	// Replies is consumed one entry per successful end-of-turn Send. Once
	// exhausted, DefaultReply is used; a zero DefaultReply means
	// TextReply("OK.").
	Replies      []Reply
	DefaultReply *Reply

	// Sent records every successful Send in order.
	Sent []Sent

	// SendAttempts counts every Send call, successful or not.
	SendAttempts int

	// CallCountClose counts Close calls.
	CallCountClose int

	events  chan live.Event
	err     error
	ended   bool
	replies int
}

func (c *Conn) init() {
	if c.events == nil {
		c.events = make(chan live.Event, 256)
	}
}

// Send implements live.Conn.
func (c *Conn) Send(ctx context.Context, text string, endOfTurn bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()

	idx := c.SendAttempts
	c.SendAttempts++
	if c.ended {
		if c.err != nil {
			return c.err
		}
		return live.Transient("mock", "send", 0, live.ErrClosed)
	}
	if idx < len(c.SendErrs) && c.SendErrs[idx] != nil {
		return c.SendErrs[idx]
	}
	c.Sent = append(c.Sent, Sent{Text: text, EndOfTurn: endOfTurn})
	if !endOfTurn {
		return nil
	}

	var r Reply
	switch {
	case c.replies < len(c.Replies):
		r = c.Replies[c.replies]
	case c.DefaultReply != nil:
		r = *c.DefaultReply
	default:
		r = TextReply("OK.")
	}
	c.replies++

	for _, ev := range r.Events {
		c.events <- ev
	}
	if r.Err != nil {
		c.endLocked(r.Err)
	}
	return nil
}

// Break ends the connection with err, as if the transport failed.
func (c *Conn) Break(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	c.endLocked(err)
}

func (c *Conn) endLocked(err error) {
	if c.ended {
		return
	}
	c.ended = true
	c.err = err
	close(c.events)
}

// Events implements live.Conn.
func (c *Conn) Events() <-chan live.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	return c.events
}

// Err implements live.Conn.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements live.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	c.CallCountClose++
	c.endLocked(nil)
	return nil
}

// Closed reports whether Close has been called at least once.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose > 0
}

// SentTexts returns the text of every successful Send.
func (c *Conn) SentTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.Sent))
	for i, s := range c.Sent {
		out[i] = s.Text
	}
	return out
}

// Attempts returns the number of Send calls so far.
func (c *Conn) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SendAttempts
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErrs is consumed one entry per Connect call. A nil entry, or an
	// exhausted slice, means the call succeeds.
	ConnectErrs []error

	// Conns are handed out in order by successful Connect calls. Once
	// exhausted, NewConn builds the next one, or a default Conn is used.
	Conns   []*Conn
	NewConn func() *Conn

	// Configs records the SessionConfig of every Connect call.
	Configs []live.SessionConfig

	// Opened records every Conn handed out.
	Opened []*Conn

	// CallCountConnect counts Connect calls.
	CallCountConnect int
}

// Connect implements live.Provider.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.CallCountConnect
	p.CallCountConnect++
	p.Configs = append(p.Configs, cfg)
	if idx < len(p.ConnectErrs) && p.ConnectErrs[idx] != nil {
		return nil, p.ConnectErrs[idx]
	}

	var c *Conn
	switch n := len(p.Opened); {
	case n < len(p.Conns):
		c = p.Conns[n]
	case p.NewConn != nil:
		c = p.NewConn()
	default:
		c = &Conn{}
	}
	p.Opened = append(p.Opened, c)
	return c, nil
}

// Connects returns the number of Connect calls so far.
func (p *Provider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCountConnect
}

// OpenedConns returns a copy of the Conns handed out so far.
func (p *Provider) OpenedConns() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Conn(nil), p.Opened...)
}
