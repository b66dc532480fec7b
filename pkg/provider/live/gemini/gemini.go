// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It holds one bidirectional WebSocket per conversation and exchanges JSON
// messages according to the BidiGenerateContent protocol. User turns are sent
// as clientContent text; replies arrive as modelTurn parts carrying text or
// base64-encoded PCM, followed by a turnComplete flag.
//
// Every failure leaving this package is a [*live.Error]. WebSocket close codes
// and server error statuses are mapped to transient or fatal here so callers
// never inspect provider messages.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/attune/pkg/provider/live"
)

// Compile-time assertions that Provider and conn satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Conn = (*conn)(nil)

const (
	providerName = "gemini"

	defaultModel      = "gemini-2.0-flash-exp"
	defaultAPIVersion = "v1alpha"
	defaultBaseURL    = "wss://generativelanguage.googleapis.com/ws"
	defaultVoice      = "Kore"

	defaultSetupTimeout = 15 * time.Second
	keepaliveInterval   = 20 * time.Second
	keepaliveTimeout    = 5 * time.Second

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithAPIVersion selects the API version segment of the endpoint path.
// Defaults to "v1alpha".
func WithAPIVersion(v string) Option {
	return func(p *Provider) { p.apiVersion = v }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSetupTimeout bounds the wait for the server's setupComplete ack.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) { p.setupTimeout = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey       string
	model        string
	apiVersion   string
	baseURL      string
	setupTimeout time.Duration
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		apiVersion:   defaultAPIVersion,
		baseURL:      defaultBaseURL,
		setupTimeout: defaultSetupTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the Live endpoint, sends the setup message and waits for the
// server to acknowledge it. The returned Conn is ready for the first turn.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Conn, error) {
	endpoint := fmt.Sprintf(
		"%s/google.ai.generativelanguage.%s.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiVersion, url.QueryEscape(p.apiKey),
	)

	ws, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("gemini: dial: %w", ctx.Err())
		}
		return nil, classifyDial(resp, err)
	}
	// Replies with audio frames exceed the 32 KiB default.
	ws.SetReadLimit(16 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		events: make(chan live.Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := c.setup(ctx, p.model, p.setupTimeout, cfg); err != nil {
		sessCancel()
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, err
	}

	go c.receiveLoop()
	go c.keepaliveLoop()

	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	events chan live.Event

	mu     sync.Mutex
	errVal error
	done   chan struct{}
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// setup sends the BidiGenerateContent setup message and blocks until the
// server acknowledges it.
func (c *conn) setup(ctx context.Context, model string, timeout time.Duration, cfg live.SessionConfig) error {
	modality := cfg.Modality
	if modality == "" {
		modality = live.ModalityText
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{string(modality)},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if modality == live.ModalityAudio {
		voice := cfg.Voice
		if voice == "" {
			voice = defaultVoice
		}
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}

	setupCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		setupCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := c.writeJSON(setupCtx, msg); err != nil {
		return c.classify(ctx, "setup", err)
	}

	for {
		_, data, err := c.ws.Read(setupCtx)
		if err != nil {
			if ctx.Err() == nil && setupCtx.Err() != nil {
				return live.Transient(providerName, "setup", 0, errors.New("timed out waiting for setupComplete"))
			}
			return c.classify(ctx, "setup", err)
		}
		var sm serverMessage
		if err := json.Unmarshal(data, &sm); err != nil {
			continue
		}
		if sm.Error != nil {
			return classifyServerError("setup", sm.Error)
		}
		if sm.SetupComplete != nil {
			return nil
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and turns them into events.
// It owns the events channel and closes it when it exits.
func (c *conn) receiveLoop() {
	defer c.closeEvents()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			// Closed by the caller.
			if c.ctx.Err() != nil {
				return
			}
			c.setErr(classifyClose("receive", err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		if msg.Error != nil {
			c.setErr(classifyServerError("receive", msg.Error))
			_ = c.ws.CloseNow()
			return
		}
		if msg.ServerContent != nil && !c.handleServerContent(msg.ServerContent) {
			return
		}
	}
}

// handleServerContent emits the events for one serverContent message. It
// returns false when the connection is shutting down.
func (c *conn) handleServerContent(sc *serverContent) bool {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(pcm) == 0 {
					continue
				}
				if !c.emit(live.Event{Kind: live.EventAudio, Audio: pcm}) {
					return false
				}
			}
			if p.Text != "" {
				if !c.emit(live.Event{Kind: live.EventText, Text: p.Text}) {
					return false
				}
			}
		}
	}
	if sc.TurnComplete {
		return c.emit(live.Event{Kind: live.EventTurnComplete})
	}
	return true
}

func (c *conn) emit(ev live.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *conn) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.ws.Ping(pingCtx)
			cancel()
		}
	}
}

func (c *conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

func (c *conn) closeEvents() {
	c.closeOnce.Do(func() { close(c.events) })
}

// classify maps a transport error to a live.Error unless ctx was the cause.
func (c *conn) classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("gemini: %s: %w", op, ctx.Err())
	}
	if c.ctx.Err() != nil {
		return live.Transient(providerName, op, 0, live.ErrClosed)
	}
	return classifyClose(op, err)
}

// ── live.Conn methods ──────────────────────────────────────────────────────────

// Send delivers one user turn as clientContent.
func (c *conn) Send(ctx context.Context, text string, endOfTurn bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return live.Transient(providerName, "send", 0, live.ErrClosed)
	}
	if c.errVal != nil {
		err := c.errVal
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns:        []contentTurn{{Role: "user", Parts: []part{{Text: text}}}},
			TurnComplete: endOfTurn,
		},
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		return c.classify(ctx, "send", err)
	}
	return nil
}

// Events returns the channel on which reply events arrive.
func (c *conn) Events() <-chan live.Event { return c.events }

// Err returns the first non-nil error that caused the connection to end.
func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close terminates the connection and releases all resources. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(c.done) // signals keepaliveLoop via done channel
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

// ── classification ─────────────────────────────────────────────────────────────

// classifyDial maps a failed handshake. Rejected credentials or a bad
// endpoint are fatal; rate limiting, server errors and network failures are
// transient.
func classifyDial(resp *http.Response, err error) error {
	if resp == nil {
		return live.Transient(providerName, "connect", 0, err)
	}
	code := resp.StatusCode
	switch {
	case code == http.StatusTooManyRequests, code >= 500:
		return live.Transient(providerName, "connect", code, err)
	default:
		return live.Fatal(providerName, "connect", code, err)
	}
}

// classifyClose maps a WebSocket read or write failure by its close status.
// A peer that vanished without a close frame counts as a transient network
// failure.
func classifyClose(op string, err error) error {
	status := websocket.CloseStatus(err)
	switch status {
	case websocket.StatusPolicyViolation,
		websocket.StatusUnsupportedData,
		websocket.StatusInvalidFramePayloadData,
		websocket.StatusMessageTooBig,
		websocket.StatusMandatoryExtension:
		return live.Fatal(providerName, op, int(status), err)
	case -1:
		return live.Transient(providerName, op, 0, err)
	default:
		// Normal closure mid-conversation means the server ended the session
		// (e.g. duration limit); a fresh connection can continue.
		return live.Transient(providerName, op, int(status), err)
	}
}

// classifyServerError maps an error message from the server by its HTTP-style
// code and canonical status.
func classifyServerError(op string, ge *geminiError) error {
	msg := ge.Message
	if msg == "" {
		msg = "unknown error"
	}
	if ge.Status != "" {
		msg = ge.Status + ": " + msg
	}
	err := errors.New(msg)

	switch ge.Status {
	case "INTERNAL", "UNAVAILABLE", "DEADLINE_EXCEEDED", "RESOURCE_EXHAUSTED", "ABORTED":
		return live.Transient(providerName, op, ge.Code, err)
	}
	switch {
	case ge.Code == http.StatusTooManyRequests, ge.Code >= 500:
		return live.Transient(providerName, op, ge.Code, err)
	default:
		return live.Fatal(providerName, op, ge.Code, err)
	}
}
