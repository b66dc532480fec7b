// Package app wires all Attune subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the conversation and the optional observability
// listener, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithJournalStore, WithInput, WithRenderer, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/attune/internal/config"
	"github.com/MrWong99/attune/internal/health"
	"github.com/MrWong99/attune/internal/journal"
	"github.com/MrWong99/attune/internal/journal/postgres"
	redisjournal "github.com/MrWong99/attune/internal/journal/redis"
	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/internal/recorder"
	"github.com/MrWong99/attune/internal/render"
	"github.com/MrWong99/attune/internal/session"
	"github.com/MrWong99/attune/internal/transcript"
	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/provider/live"
	"github.com/MrWong99/attune/pkg/provider/stt"
	"github.com/MrWong99/attune/pkg/provider/tts"
	"github.com/MrWong99/attune/pkg/vad"
)

// serverShutdownTimeout bounds the graceful stop of the HTTP listener.
const serverShutdownTimeout = 5 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	Live live.Provider
	STT  stt.Transcriber
	TTS  tts.Provider
}

// SessionInfo holds metadata about the running session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// StartedAt is when Run was called. Zero before that.
	StartedAt time.Time

	// Mode is the reply modality.
	Mode live.Modality

	// Input is how user turns are captured.
	Input config.InputMode
}

// App owns all subsystem lifetimes and runs one therapy session.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	stdin   io.Reader
	stdout  io.Writer
	mic     audio.CaptureDevice
	speaker audio.PlaybackDevice
	watcher *config.Watcher

	// Subsystems, initialised in New and torn down in Shutdown.
	store    journal.Store
	journal  *journal.Guard
	pinger   func(context.Context) error
	input    session.Input
	renderer render.Renderer
	manager  *session.Manager
	server   *http.Server

	sessionID   string
	scratchDirs []string

	mu        sync.Mutex
	startedAt time.Time

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithJournalStore injects a journal store instead of creating one from config.
func WithJournalStore(s journal.Store) Option {
	return func(a *App) { a.store = s }
}

// WithStdio sets the terminal used for typed input and console output.
// Defaults to os.Stdin and os.Stdout.
func WithStdio(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.stdin = in
		a.stdout = out
	}
}

// WithMicrophone sets the capture device for voice input.
func WithMicrophone(d audio.CaptureDevice) Option {
	return func(a *App) { a.mic = d }
}

// WithSpeaker sets the playback device for spoken replies.
func WithSpeaker(d audio.PlaybackDevice) Option {
	return func(a *App) { a.speaker = d }
}

// WithInput injects the user turn source instead of building one from config.
func WithInput(in session.Input) Option {
	return func(a *App) { a.input = in }
}

// WithRenderer injects the reply renderer instead of building one from config.
func WithRenderer(r render.Renderer) Option {
	return func(a *App) { a.renderer = r }
}

// WithSessionID fixes the session identifier. Defaults to a random UUID.
func WithSessionID(id string) Option {
	return func(a *App) { a.sessionID = id }
}

// WithConfigWatcher runs w alongside the session so config edits are picked
// up while it lasts.
func WithConfigWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithCloser registers fn to run during Shutdown, after the app's own
// subsystems. main.go uses it for providers that hold resources.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		stdin:     os.Stdin,
		stdout:    os.Stdout,
	}
	for _, o := range opts {
		o(a)
	}
	// Closers registered by options run last.
	extra := a.closers
	a.closers = nil
	fail := func(err error) (*App, error) {
		a.closers = append(a.closers, extra...)
		a.closeAll()
		return nil, err
	}

	if providers == nil || providers.Live == nil {
		return fail(errors.New("app: a live provider is required"))
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Journal ───────────────────────────────────────────────────────
	if err := a.initJournal(ctx); err != nil {
		return fail(fmt.Errorf("app: init journal: %w", err))
	}

	// ── 2. Scratch directories ───────────────────────────────────────────
	userDir, therapistDir, err := a.initScratch()
	if err != nil {
		return fail(fmt.Errorf("app: init scratch dir: %w", err))
	}

	// ── 3. Renderer ──────────────────────────────────────────────────────
	if err := a.initRenderer(therapistDir); err != nil {
		return fail(fmt.Errorf("app: init renderer: %w", err))
	}

	// ── 4. Input ─────────────────────────────────────────────────────────
	if err := a.initInput(userDir); err != nil {
		return fail(fmt.Errorf("app: init input: %w", err))
	}

	// ── 5. Session manager ───────────────────────────────────────────────
	mgrOpts := []session.Option{
		session.WithMetrics(a.metrics),
		session.WithJournal(a.journal),
	}
	if a.sessionID != "" {
		mgrOpts = append(mgrOpts, session.WithSessionID(a.sessionID))
	}
	a.manager = session.NewManager(providers.Live, a.input, a.renderer, SessionConfig(cfg), mgrOpts...)
	a.sessionID = a.manager.ID()

	// ── 6. Observability listener ────────────────────────────────────────
	if cfg.Server.ListenAddr != "" {
		a.server = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	a.closers = append(a.closers, extra...)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initJournal connects the PostgreSQL or Redis journal, or opens the JSON
// lines file, or falls back to memory, and guards it so journal failures never end a
// session.
func (a *App) initJournal(ctx context.Context) error {
	if a.store == nil {
		switch jc := a.cfg.Journal; {
		case jc.PostgresDSN != "":
			store, err := postgres.NewStore(ctx, jc.PostgresDSN)
			if err != nil {
				return err
			}
			a.store = store
			a.pinger = store.Ping
			a.closers = append(a.closers, func() error {
				store.Close()
				return nil
			})
			slog.Info("journal connected", "backend", "postgres")
		case jc.RedisURL != "":
			store, err := redisjournal.NewStore(ctx, jc.RedisURL,
				redisjournal.WithChannel(jc.RedisChannel),
				redisjournal.WithMaxEntries(jc.RedisMaxEntries),
			)
			if err != nil {
				return err
			}
			a.store = store
			a.pinger = store.Ping
			a.closers = append(a.closers, store.Close)
			slog.Info("journal connected", "backend", "redis", "channel", jc.RedisChannel)
		case jc.FilePath != "":
			if err := os.MkdirAll(filepath.Dir(jc.FilePath), 0o755); err != nil {
				return err
			}
			a.store = journal.NewFileStore(jc.FilePath)
			slog.Info("journal opened", "backend", "file", "path", jc.FilePath)
		default:
			a.store = journal.NewMemStore()
			slog.Info("journal in memory", "backend", "memory")
		}
	}
	a.journal = journal.NewGuard(a.store)
	return nil
}

// initScratch creates the per-speaker scratch directories. Both are empty
// strings when no scratch dir is configured.
func (a *App) initScratch() (userDir, therapistDir string, err error) {
	root := a.cfg.Audio.ScratchDir
	if root == "" {
		return "", "", nil
	}
	userDir = filepath.Join(root, "user")
	therapistDir = filepath.Join(root, "therapist")
	for _, dir := range []string{userDir, therapistDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", "", err
		}
	}
	a.scratchDirs = []string{userDir, therapistDir}
	return userDir, therapistDir, nil
}

// initRenderer builds the reply renderer for the configured modality.
func (a *App) initRenderer(therapistDir string) error {
	if a.renderer != nil {
		return nil
	}
	console := render.NewConsole(a.stdout)

	switch {
	case a.cfg.Session.Mode == config.ReplyAudio:
		if a.speaker == nil {
			return errors.New("audio replies require a playback device")
		}
		var opts []render.SpeakerOption
		if therapistDir != "" {
			opts = append(opts, render.WithTurnRecordings(therapistDir))
		}
		a.renderer = render.Multi{console, render.NewSpeaker(a.speaker, opts...)}

	case a.providers.TTS != nil:
		if a.speaker == nil {
			return errors.New("spoken text replies require a playback device")
		}
		speech := render.NewSpeech(a.providers.TTS, a.speaker,
			render.WithVoice(tts.VoiceProfile{ID: a.cfg.Session.Voice}),
			render.WithSpeechMetrics(a.metrics),
		)
		a.renderer = render.Multi{console, speech}

	default:
		a.renderer = console
	}
	return nil
}

// initInput builds the user turn source for the configured input mode.
func (a *App) initInput(userDir string) error {
	if a.input != nil {
		return nil
	}
	if a.cfg.Session.Input != config.InputVoice {
		text := NewTextInput(a.stdin, a.stdout)
		a.input = text
		a.closers = append(a.closers, text.Close)
		return nil
	}

	if a.providers.STT == nil {
		return errors.New("voice input requires an STT provider")
	}
	if a.mic == nil {
		return errors.New("voice input requires a capture device")
	}

	ac := a.cfg.Audio
	format := audio.CaptureFormat()
	if ac.SampleRate > 0 {
		format.SampleRate = ac.SampleRate
	}
	if ac.FrameSize > 0 {
		format.FrameSize = ac.FrameSize
	}

	detector := vad.New(vad.Config{Threshold: ac.SilenceThreshold, SilenceLimit: ac.SilenceFrames})
	recCfg := recorder.Config{Format: format, MaxDuration: ac.MaxDuration}
	var voiceOpts []VoiceOption
	voiceOpts = append(voiceOpts, WithVoiceMetrics(a.metrics))
	if ac.LevelMeter {
		meter := NewLevelMeter(a.stdout, 4*detector.Config().Threshold)
		recCfg.OnLevel = meter.Update
		voiceOpts = append(voiceOpts, WithLevelMeter(meter))
	}
	if ac.StopOnEnter {
		voiceOpts = append(voiceOpts, WithStopOnEnter(a.stdin))
	}
	rec := recorder.New(a.mic, detector, recCfg)

	adapterOpts := []transcript.Option{
		transcript.WithSampleRate(format.SampleRate),
		transcript.WithMetrics(a.metrics),
	}
	if userDir != "" {
		adapterOpts = append(adapterOpts, transcript.WithScratchDir(userDir))
	}
	adapter := transcript.New(a.providers.STT, adapterOpts...)

	voice := NewVoiceInput(rec, adapter, a.stdout, voiceOpts...)
	a.input = voice
	a.closers = append(a.closers, voice.Close)
	return nil
}

// SessionConfig maps the session and provider blocks of cfg onto a
// [session.Config], keeping the built-in default for every unset field.
func SessionConfig(cfg *config.Config) session.Config {
	sc := session.DefaultConfig()
	s := cfg.Session

	if s.Mode == config.ReplyAudio {
		sc.Mode = live.ModalityAudio
	}
	if s.Voice != "" {
		sc.Voice = s.Voice
	}
	if s.Instructions != "" {
		sc.Instructions = s.Instructions
	}
	switch s.Greeting {
	case "":
	case "-":
		sc.Greeting = ""
	default:
		sc.Greeting = s.Greeting
	}
	if s.ClosingTurn != "" {
		sc.ClosingTurn = s.ClosingTurn
	}
	if s.Reprompt != "" {
		sc.Reprompt = s.Reprompt
	}
	if len(s.ExitPhrases) > 0 {
		sc.ExitPhrases = s.ExitPhrases
	}
	sc.PhoneticExit = s.PhoneticExit
	if s.MaxSendAttempts > 0 {
		sc.Retry.MaxAttempts = s.MaxSendAttempts
	}
	if s.SendBackoff > 0 {
		sc.Retry.Backoff = s.SendBackoff
	}
	sc.Retry.Incremental = s.IncrementalBackoff
	if s.MaxSessionRetries > 0 {
		sc.MaxSessionRetries = s.MaxSessionRetries
	}
	return sc
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Handler returns the observability mux: /metrics, /healthz and /readyz,
// wrapped in the tracing and request-metrics middleware.
func (a *App) Handler() http.Handler {
	checks := []health.Checker{
		{Name: "session", Check: a.checkSession},
		{Name: "journal", Check: a.checkJournal, Optional: true},
	}
	// Backends behind a fallback chain report their breakers.
	if h, ok := a.providers.STT.(healthReporter); ok {
		checks = append(checks, health.Checker{Name: "stt", Check: breakerCheck(h), Optional: true})
	}
	if h, ok := a.providers.TTS.(healthReporter); ok {
		checks = append(checks, health.Checker{Name: "tts", Check: breakerCheck(h), Optional: true})
	}

	mux := http.NewServeMux()
	health.New(checks...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

type healthReporter interface{ Healthy() error }

func breakerCheck(h healthReporter) func(context.Context) error {
	return func(context.Context) error { return h.Healthy() }
}

func (a *App) checkSession(context.Context) error {
	switch st := a.manager.State(); st {
	case session.StateActive, session.StateConnecting:
		return nil
	default:
		return fmt.Errorf("session is %s", st)
	}
}

func (a *App) checkJournal(ctx context.Context) error {
	if a.journal.IsDegraded() {
		return errors.New("journal writes are failing")
	}
	if a.pinger != nil {
		return a.pinger(ctx)
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run holds the therapy session and blocks until it ends. The HTTP listener
// and config watcher, when present, run until the session is over.
//
// Run returns nil when the user ended the session, ctx.Err() when ctx was
// cancelled, and a [*session.SessionError] when the session failed.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	a.startedAt = time.Now()
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	g.Go(func() error {
		defer stop()
		return a.manager.StartSession(runCtx)
	})

	if a.server != nil {
		g.Go(func() error {
			slog.Info("observability listener started", "addr", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
			defer cancel()
			return a.server.Shutdown(sctx)
		})
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(runCtx) })
	}

	slog.Info("session starting",
		"session_id", a.sessionID,
		"mode", a.cfg.Session.Mode,
		"input", a.cfg.Session.Input,
	)
	return g.Wait()
}

// Info reports the session metadata.
func (a *App) Info() SessionInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	mode := live.ModalityText
	if a.cfg.Session.Mode == config.ReplyAudio {
		mode = live.ModalityAudio
	}
	input := a.cfg.Session.Input
	if input == "" {
		input = config.InputText
	}
	return SessionInfo{
		SessionID: a.sessionID,
		StartedAt: a.startedAt,
		Mode:      mode,
		Input:     input,
	}
}

// Journal returns the guarded transcript journal.
func (a *App) Journal() journal.Store { return a.journal }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order and empties the scratch
// directories unless audio.keep_scratch is set. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if !a.cfg.Audio.KeepScratch {
			a.cleanScratch()
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs every closer after a failed New, option closers last.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
}

// cleanScratch removes every file in the scratch directories, leaving the
// directories themselves in place.
func (a *App) cleanScratch() {
	removed := 0
	for _, dir := range a.scratchDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			slog.Warn("failed to list scratch dir", "dir", dir, "err", err)
			continue
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				slog.Warn("failed to remove scratch file", "file", e.Name(), "err", err)
				continue
			}
			removed++
		}
	}
	if len(a.scratchDirs) > 0 {
		slog.Info("scratch files removed", "count", removed)
	}
}
