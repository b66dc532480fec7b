// Package session drives one conversation with a live model.
//
// A [Manager] owns the model connection for the whole conversation. It sends
// the greeting, then alternates between reading a user turn from its [Input]
// and streaming the model's reply into a [render.Renderer], until the user
// says an exit phrase or the input ends.
//
// Failures are handled in two layers:
//
//   - [Manager.SendWithRetry] retries a transient send failure with backoff.
//     Running out of attempts yields a [*SendExhaustedError].
//   - [Manager.StartSession] treats any transient failure (including an
//     exhausted send or a connection dropped mid-reply) by closing the
//     connection and opening a new one, up to MaxSessionRetries times.
//
// Fatal failures end the session immediately with a [*SessionError]. The
// connection and the renderer are closed on every exit path.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/attune/internal/intent"
	"github.com/MrWong99/attune/internal/journal"
	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/internal/render"
	"github.com/MrWong99/attune/pkg/provider/live"
)

// Defaults for a therapy conversation.
const (
	DefaultInstructions = "You are an empathetic and supportive virtual therapist. " +
		"Listen actively, respond with empathy, ask open-ended questions, and provide supportive feedback. " +
		"Maintain a professional and approachable tone, and use evidence-based therapeutic approaches. " +
		"If the user says just 'goodbye' or 'end session', just say " +
		"'Hope I was able to help you, you can always come back to me for help' and end the session."
	DefaultGreeting    = "Hello, I'm here as your virtual therapist. How are you feeling?"
	DefaultClosingTurn = "The client wants to end our session."
	DefaultReprompt    = "I didn't catch that. Please try again."
	DefaultVoice       = "Kore"
)

// DefaultExitPhrases end the conversation when found in a user turn.
var DefaultExitPhrases = []string{"goodbye", "end session", "exit", "quit"}

// Config is the conversation configuration.
type Config struct {
	// Mode selects text or audio replies. Empty means text.
	Mode live.Modality

	// Voice is the prebuilt voice for audio replies.
	Voice string

	// Instructions is the model's system instruction.
	Instructions string

	// Greeting is sent as the first turn of the conversation. Empty skips it.
	Greeting string

	// ClosingTurn is sent when the user wants to leave.
	ClosingTurn string

	// Reprompt is shown to the user after an empty turn.
	Reprompt string

	// ExitPhrases end the conversation when contained in a user turn,
	// case-insensitively.
	ExitPhrases []string

	// PhoneticExit also matches exit phrases that were transcribed
	// phonetically close to the real thing.
	PhoneticExit bool

	// Retry bounds sends on one connection. Its backoff also paces
	// reconnects.
	Retry RetryPolicy

	// MaxSessionRetries is how many times the connection may be reopened
	// after the first connect.
	MaxSessionRetries int
}

// DefaultConfig returns the therapist defaults.
func DefaultConfig() Config {
	return Config{
		Mode:              live.ModalityText,
		Voice:             DefaultVoice,
		Instructions:      DefaultInstructions,
		Greeting:          DefaultGreeting,
		ClosingTurn:       DefaultClosingTurn,
		Reprompt:          DefaultReprompt,
		ExitPhrases:       DefaultExitPhrases,
		Retry:             RetryPolicy{MaxAttempts: defaultMaxAttempts, Backoff: defaultBackoff},
		MaxSessionRetries: defaultMaxSessionRetries,
	}
}

// Input supplies user turns. Next blocks until the user has said or typed
// something. It returns io.EOF when the user has left.
type Input interface {
	Next(ctx context.Context) (string, error)
}

// InputFunc adapts a function to [Input].
type InputFunc func(ctx context.Context) (string, error)

// Next implements [Input].
func (f InputFunc) Next(ctx context.Context) (string, error) { return f(ctx) }

// Option is a functional option for configuring a [Manager].
type Option func(*Manager)

// WithMetrics records send attempts, turn latency, and reconnects on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(mg *Manager) { mg.metrics = m }
}

// WithJournal appends every acknowledged user turn and completed model turn
// to s.
func WithJournal(s journal.Store) Option {
	return func(mg *Manager) { mg.journal = s }
}

// WithStateHook calls fn after every state change. fn runs on the session
// goroutine and must not block.
func WithStateHook(fn func(from, to State)) Option {
	return func(mg *Manager) { mg.onState = fn }
}

// WithSessionID overrides the generated session identifier.
func WithSessionID(id string) Option {
	return func(mg *Manager) { mg.id = id }
}

// Manager runs one conversation. A Manager is single-use: StartSession may be
// called once.
type Manager struct {
	provider live.Provider
	input    Input
	renderer render.Renderer
	cfg      Config
	exit     *intent.Detector

	id      string
	metrics *observe.Metrics
	journal journal.Store
	onState func(from, to State)

	mu    sync.Mutex
	state State
}

// NewManager returns a Manager. Zero fields of cfg that have a default in
// [DefaultConfig] keep their zero value, except Retry which is defaulted per
// field.
func NewManager(p live.Provider, in Input, r render.Renderer, cfg Config, opts ...Option) *Manager {
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.Mode == "" {
		cfg.Mode = live.ModalityText
	}
	m := &Manager{
		provider: p,
		input:    in,
		renderer: r,
		cfg:      cfg,
		id:       uuid.NewString(),
	}
	for _, o := range opts {
		o(m)
	}
	m.exit = intent.New(cfg.ExitPhrases, intent.WithPhonetic(cfg.PhoneticExit))
	return m
}

// ID returns the session identifier used in logs and the journal.
func (m *Manager) ID() string { return m.id }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(ctx context.Context, to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()
	if from == to {
		return
	}
	observe.Logger(ctx).Info("session: state change", "from", from, "to", to)
	if m.onState != nil {
		m.onState(from, to)
	}
}

// ExitIntent reports whether text asks to end the conversation.
func (m *Manager) ExitIntent(text string) bool {
	_, ok := m.exit.Match(text)
	return ok
}

// ─── Sending ──────────────────────────────────────────────────────────────────

// SendWithRetry sends text as a complete user turn. A transient failure is
// retried after the configured backoff, for at most maxAttempts attempts in
// total; maxAttempts <= 0 uses the configured policy. A non-transient error
// is returned immediately. Once an attempt succeeds the turn is never sent
// again.
func (m *Manager) SendWithRetry(ctx context.Context, conn live.Conn, text string, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = m.cfg.Retry.MaxAttempts
	}
	log := observe.Logger(ctx)

	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := conn.Send(ctx, text, true)
		if err == nil {
			m.recordSend(ctx, "ok")
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !live.IsTransient(err) {
			m.recordSend(ctx, "fatal")
			return fmt.Errorf("session: send: %w", err)
		}
		m.recordSend(ctx, "transient")
		last = err
		if attempt == maxAttempts {
			break
		}

		delay := m.cfg.Retry.Delay(attempt)
		log.Warn("session: send failed, retrying",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"backoff", delay,
			"err", err,
		)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return &SendExhaustedError{Attempts: maxAttempts, Err: last}
}

func (m *Manager) recordSend(ctx context.Context, status string) {
	if m.metrics != nil {
		m.metrics.RecordSendAttempt(ctx, status)
	}
}

// ─── Receiving ────────────────────────────────────────────────────────────────

// Reply summarises one consumed model turn.
type Reply struct {
	Text       string
	AudioBytes int
	Events     int
}

// ConsumeTurn forwards reply events to the renderer in arrival order until
// the turn-complete marker. The renderer's TurnDone is called exactly once,
// also when the turn is cut short. A cancelled ctx first interrupts renderers
// that implement [render.Interrupter]. A connection that ends before the
// marker yields a transient error.
func (m *Manager) ConsumeTurn(ctx context.Context, conn live.Conn) (Reply, error) {
	defer m.renderer.TurnDone()

	var (
		reply Reply
		text  strings.Builder
	)
	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			if ir, ok := m.renderer.(render.Interrupter); ok {
				ir.Interrupt()
			}
			return reply, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				reply.Text = text.String()
				if err := conn.Err(); err != nil {
					return reply, fmt.Errorf("session: reply interrupted: %w", err)
				}
				return reply, live.Transient("session", "receive", 0, live.ErrClosed)
			}
			reply.Events++
			switch ev.Kind {
			case live.EventText:
				text.WriteString(ev.Text)
				m.renderer.RenderText(ev.Text)
			case live.EventAudio:
				reply.AudioBytes += len(ev.Audio)
				m.renderer.RenderAudio(ev.Audio)
			case live.EventTurnComplete:
				reply.Text = text.String()
				return reply, nil
			}
		}
	}
}

// ─── Conversation loop ────────────────────────────────────────────────────────

// turn is a turn that has not yet been acknowledged by the transport.
type turn struct {
	text    string
	role    string // "greeting", "user" or "closing"
	closing bool
}

// progress survives reconnects.
type progress struct {
	pending *turn
	closed  bool
}

var errClosed = errors.New("session: conversation closed")

// StartSession runs the conversation until the user leaves, ctx is
// cancelled, or a failure cannot be recovered. A clean exit returns nil;
// cancellation returns ctx.Err(); anything else is a [*SessionError].
func (m *Manager) StartSession(ctx context.Context) error {
	ctx = observe.WithSessionID(ctx, m.id)
	log := observe.Logger(ctx)

	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, 1)
		defer m.metrics.ActiveSessions.Add(ctx, -1)
	}
	defer func() {
		if err := m.renderer.Close(); err != nil {
			log.Warn("session: failed to close renderer", "err", err)
		}
	}()
	defer m.setState(ctx, StateTerminated)

	st := &progress{}
	if m.cfg.Greeting != "" {
		st.pending = &turn{text: m.cfg.Greeting, role: "greeting"}
	}

	m.setState(ctx, StateConnecting)
	reconnects := 0
	for {
		err := m.runConnection(ctx, st)
		if err == nil || errors.Is(err, errClosed) {
			log.Info("session: ended", "reconnects", reconnects)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !live.IsTransient(err) {
			log.Error("session: fatal failure", "err", err)
			return &SessionError{Kind: KindFatal, Reconnects: reconnects, Err: err}
		}
		if reconnects >= m.cfg.MaxSessionRetries {
			log.Error("session: reconnects exhausted",
				"max_session_retries", m.cfg.MaxSessionRetries,
				"err", err,
			)
			return &SessionError{Kind: KindTransient, Exhausted: true, Reconnects: reconnects, Err: err}
		}

		reconnects++
		m.setState(ctx, StateReconnecting)
		if m.metrics != nil {
			m.metrics.Reconnects.Add(ctx, 1)
		}
		delay := m.cfg.Retry.Delay(reconnects)
		log.Info("attempting reconnection",
			"attempt", reconnects,
			"max_retries", m.cfg.MaxSessionRetries,
			"backoff", delay,
			"err", err,
		)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// runConnection opens one connection and runs the conversation on it until
// it ends. The connection is closed before returning.
func (m *Manager) runConnection(ctx context.Context, st *progress) error {
	conn, err := m.provider.Connect(ctx, live.SessionConfig{
		Modality:     m.cfg.Mode,
		Instructions: m.cfg.Instructions,
		Voice:        m.cfg.Voice,
	})
	if err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}
	defer conn.Close()
	m.setState(ctx, StateActive)

	for {
		if st.pending != nil {
			if err := m.exchange(ctx, conn, st); err != nil {
				return err
			}
			if st.closed {
				return errClosed
			}
		}

		text, err := m.input.Next(ctx)
		if errors.Is(err, io.EOF) {
			observe.Logger(ctx).Info("session: input ended")
			st.pending = &turn{text: m.cfg.ClosingTurn, role: "closing", closing: true}
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("session: read input: %w", err)
		}

		text = strings.TrimSpace(text)
		switch {
		case text == "":
			m.notify(ctx, m.cfg.Reprompt)
		case m.ExitIntent(text):
			observe.Logger(ctx).Info("session: exit phrase detected")
			st.pending = &turn{text: m.cfg.ClosingTurn, role: "closing", closing: true}
		default:
			st.pending = &turn{text: text, role: "user"}
		}
	}
}

// exchange sends the pending turn and consumes its reply. The turn stops
// being pending as soon as the transport acknowledges it, so a failure while
// receiving the reply never causes it to be sent twice.
func (m *Manager) exchange(ctx context.Context, conn live.Conn, st *progress) error {
	t := st.pending
	ctx, span := observe.StartSpan(ctx, "session.turn")
	defer span.End()
	span.SetAttributes(attribute.String("turn.role", t.role))

	start := time.Now()
	if err := m.SendWithRetry(ctx, conn, t.text, 0); err != nil {
		span.RecordError(err)
		return err
	}
	st.pending = nil
	if t.closing {
		st.closed = true
	}
	if t.role == "user" {
		m.record(ctx, journal.Entry{Role: journal.RoleUser, Text: t.text, Timestamp: start})
	}

	reply, err := m.ConsumeTurn(ctx, conn)
	if err != nil {
		span.RecordError(err)
		if t.closing && ctx.Err() == nil {
			// The goodbye was delivered; a lost farewell is not worth a reconnect.
			observe.Logger(ctx).Warn("session: closing reply interrupted", "err", err)
			return nil
		}
		return err
	}

	elapsed := time.Since(start)
	if m.metrics != nil {
		m.metrics.TurnDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.String("mode", strings.ToLower(string(m.cfg.Mode)))))
	}
	m.record(ctx, journal.Entry{
		Role:       journal.RoleModel,
		Text:       reply.Text,
		AudioBytes: reply.AudioBytes,
		Timestamp:  time.Now(),
		Duration:   elapsed,
	})
	observe.Logger(ctx).Debug("session: turn complete",
		"role", t.role,
		"events", reply.Events,
		"duration", elapsed,
	)
	return nil
}

func (m *Manager) record(ctx context.Context, e journal.Entry) {
	if m.journal == nil {
		return
	}
	e.SessionID = m.id
	if err := m.journal.Append(ctx, e); err != nil {
		observe.Logger(ctx).Warn("session: journal append failed", "err", err)
	}
}

func (m *Manager) notify(ctx context.Context, msg string) {
	if msg == "" {
		return
	}
	if n, ok := m.renderer.(render.Notifier); ok {
		n.Notify(msg)
		return
	}
	observe.Logger(ctx).Info(msg)
}
