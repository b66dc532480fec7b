package app_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/attune/internal/app"
	"github.com/MrWong99/attune/internal/config"
	"github.com/MrWong99/attune/internal/journal"
	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/internal/resilience"
	"github.com/MrWong99/attune/internal/session"
	"github.com/MrWong99/attune/pkg/audio"
	audiomock "github.com/MrWong99/attune/pkg/audio/mock"
	"github.com/MrWong99/attune/pkg/provider/live"
	livemock "github.com/MrWong99/attune/pkg/provider/live/mock"
	sttmock "github.com/MrWong99/attune/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/attune/pkg/provider/tts/mock"
)

// testConfig returns a minimal text-mode config with fast retries.
func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.LogLevel = config.LogInfo
	cfg.Providers.Live = config.ProviderEntry{Name: "gemini"}
	cfg.Session.SendBackoff = time.Millisecond
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func userTexts(entries []journal.Entry) []string {
	var out []string
	for _, e := range entries {
		if e.Role == journal.RoleUser {
			out = append(out, e.Text)
		}
	}
	return out
}

func TestNew_RequiresLiveProvider(t *testing.T) {
	t.Parallel()
	_, err := app.New(context.Background(), testConfig(), &app.Providers{})
	if err == nil {
		t.Fatal("expected error without a live provider")
	}
}

func TestNew_MissingDevices(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*config.Config)
		providers *app.Providers
	}{
		{
			name:      "audio replies without speaker",
			mutate:    func(c *config.Config) { c.Session.Mode = config.ReplyAudio },
			providers: &app.Providers{Live: &livemock.Provider{}},
		},
		{
			name:      "spoken text replies without speaker",
			mutate:    func(*config.Config) {},
			providers: &app.Providers{Live: &livemock.Provider{}, TTS: &ttsmock.Provider{}},
		},
		{
			name:      "voice input without microphone",
			mutate:    func(c *config.Config) { c.Session.Input = config.InputVoice },
			providers: &app.Providers{Live: &livemock.Provider{}, STT: &sttmock.Transcriber{}},
		},
		{
			name:      "voice input without stt",
			mutate:    func(c *config.Config) { c.Session.Input = config.InputVoice },
			providers: &app.Providers{Live: &livemock.Provider{}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tt.mutate(cfg)
			_, err := app.New(context.Background(), cfg, tt.providers,
				app.WithJournalStore(journal.NewMemStore()),
				app.WithMetrics(testMetrics(t)),
			)
			if err == nil {
				t.Fatal("expected New to fail")
			}
		})
	}
}

func TestSessionConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		got := app.SessionConfig(&config.Config{})
		want := session.DefaultConfig()
		if got.Mode != live.ModalityText || got.Voice != want.Voice || got.Greeting != want.Greeting {
			t.Errorf("SessionConfig = %+v, want defaults", got)
		}
		if got.Retry.MaxAttempts != want.Retry.MaxAttempts || got.MaxSessionRetries != want.MaxSessionRetries {
			t.Errorf("retry = %+v / %d, want defaults", got.Retry, got.MaxSessionRetries)
		}
		if len(got.ExitPhrases) != len(session.DefaultExitPhrases) {
			t.Errorf("ExitPhrases = %v", got.ExitPhrases)
		}
	})

	t.Run("overrides", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{}
		cfg.Session = config.SessionConfig{
			Mode:               config.ReplyAudio,
			Voice:              "Puck",
			Instructions:       "Be brief.",
			Greeting:           "Hi.",
			ClosingTurn:        "Bye now.",
			Reprompt:           "Again?",
			ExitPhrases:        []string{"stop"},
			PhoneticExit:       true,
			MaxSendAttempts:    2,
			SendBackoff:        3 * time.Second,
			IncrementalBackoff: true,
			MaxSessionRetries:  9,
		}
		got := app.SessionConfig(cfg)
		if got.Mode != live.ModalityAudio || got.Voice != "Puck" || got.Instructions != "Be brief." {
			t.Errorf("model settings = %+v", got)
		}
		if got.Greeting != "Hi." || got.ClosingTurn != "Bye now." || got.Reprompt != "Again?" {
			t.Errorf("turn texts = %+v", got)
		}
		if len(got.ExitPhrases) != 1 || !got.PhoneticExit {
			t.Errorf("exit = %v phonetic=%v", got.ExitPhrases, got.PhoneticExit)
		}
		if got.Retry.MaxAttempts != 2 || got.Retry.Backoff != 3*time.Second || !got.Retry.Incremental {
			t.Errorf("Retry = %+v", got.Retry)
		}
		if got.MaxSessionRetries != 9 {
			t.Errorf("MaxSessionRetries = %d, want 9", got.MaxSessionRetries)
		}
	})

	t.Run("dash skips greeting", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{}
		cfg.Session.Greeting = "-"
		if got := app.SessionConfig(cfg).Greeting; got != "" {
			t.Errorf("Greeting = %q, want empty", got)
		}
	})
}

func TestRun_TextSession(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Session.Greeting = "GREETING"
	provider := &livemock.Provider{}
	store := journal.NewMemStore()
	var out bytes.Buffer

	a, err := app.New(context.Background(), cfg, &app.Providers{Live: provider},
		app.WithStdio(strings.NewReader("I slept badly.\n\ngoodbye\n"), &out),
		app.WithJournalStore(store),
		app.WithMetrics(testMetrics(t)),
		app.WithSessionID("s-1"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	conns := provider.OpenedConns()
	if len(conns) != 1 {
		t.Fatalf("opened %d connections, want 1", len(conns))
	}
	sent := conns[0].SentTexts()
	want := []string{"GREETING", "I slept badly.", session.DefaultClosingTurn}
	if strings.Join(sent, "|") != strings.Join(want, "|") {
		t.Errorf("sent = %q, want %q", sent, want)
	}

	text := out.String()
	if !strings.Contains(text, "Therapist> OK.") {
		t.Errorf("console output missing reply: %q", text)
	}
	if !strings.Contains(text, app.UserPrompt) {
		t.Errorf("console output missing prompt: %q", text)
	}
	if !strings.Contains(text, session.DefaultReprompt) {
		t.Errorf("empty line did not re-prompt: %q", text)
	}

	if got := userTexts(store.All()); len(got) != 1 || got[0] != "I slept badly." {
		t.Errorf("journal user turns = %q", got)
	}
	if info := a.Info(); info.SessionID != "s-1" || info.StartedAt.IsZero() || info.Input != config.InputText {
		t.Errorf("Info = %+v", info)
	}
}

func TestRun_VoiceSession(t *testing.T) {
	t.Parallel()

	loud := make([]int16, audio.DefaultFrameSize)
	for i := range loud {
		loud[i] = 4000
	}
	frame := audio.FromInt16s(loud)
	mic := &audiomock.Capture{Frames: [][]byte{frame, frame, frame}}
	transcriber := &sttmock.Transcriber{Results: []sttmock.Result{
		{Text: "I feel tired."},
		{Text: "Goodbye then."},
	}}

	cfg := testConfig()
	cfg.Session.Input = config.InputVoice
	cfg.Providers.STT = config.ProviderEntry{Name: "mock"}
	cfg.Audio.ScratchDir = t.TempDir()
	cfg.Audio.KeepScratch = true
	provider := &livemock.Provider{}
	store := journal.NewMemStore()
	var out bytes.Buffer

	a, err := app.New(context.Background(), cfg, &app.Providers{Live: provider, STT: transcriber},
		app.WithStdio(strings.NewReader(""), &out),
		app.WithMicrophone(mic),
		app.WithJournalStore(store),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if got := transcriber.CallCount(); got != 2 {
		t.Errorf("transcriptions = %d, want 2", got)
	}
	if got := userTexts(store.All()); len(got) != 1 || got[0] != "I feel tired." {
		t.Errorf("journal user turns = %q", got)
	}
	if !strings.Contains(out.String(), "You> I feel tired.") {
		t.Errorf("transcript not echoed: %q", out.String())
	}

	saved, err := os.ReadDir(filepath.Join(cfg.Audio.ScratchDir, "user"))
	if err != nil {
		t.Fatalf("read scratch dir: %v", err)
	}
	if len(saved) != 2 {
		t.Errorf("saved utterances = %d, want 2 (keep_scratch is set)", len(saved))
	}
	if mic.CloseCount() != mic.CallCountOpen {
		t.Errorf("capture streams closed %d of %d", mic.CloseCount(), mic.CallCountOpen)
	}
}

func TestRun_AudioReplies(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Session.Mode = config.ReplyAudio
	cfg.Session.Greeting = "-"
	cfg.Audio.ScratchDir = t.TempDir()
	speaker := &audiomock.Playback{}
	pcm := audio.FromInt16s([]int16{1, 2, 3, 4})
	provider := &livemock.Provider{NewConn: func() *livemock.Conn {
		r := livemock.AudioReply(pcm)
		return &livemock.Conn{DefaultReply: &r}
	}}

	a, err := app.New(context.Background(), cfg, &app.Providers{Live: provider},
		app.WithStdio(strings.NewReader("hello\nquit\n"), &bytes.Buffer{}),
		app.WithSpeaker(speaker),
		app.WithJournalStore(journal.NewMemStore()),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if cfgs := provider.Configs; len(cfgs) != 1 || cfgs[0].Modality != live.ModalityAudio {
		t.Errorf("session configs = %+v, want one AUDIO session", cfgs)
	}
	// One reply to "hello", one to the closing turn.
	if got, want := len(speaker.Written()), 2*len(pcm); got != want {
		t.Errorf("played %d bytes, want %d", got, want)
	}

	therapistDir := filepath.Join(cfg.Audio.ScratchDir, "therapist")
	saved, err := os.ReadDir(therapistDir)
	if err != nil {
		t.Fatalf("read therapist dir: %v", err)
	}
	if len(saved) != 2 {
		t.Errorf("saved replies = %d, want 2", len(saved))
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	saved, _ = os.ReadDir(therapistDir)
	if len(saved) != 0 {
		t.Errorf("scratch files left after shutdown: %d", len(saved))
	}
}

func TestRun_Cancelled(t *testing.T) {
	t.Parallel()

	// A reader that never yields a line.
	pr, pw := io.Pipe()
	defer pw.Close()

	a, err := app.New(context.Background(), testConfig(), &app.Providers{Live: &livemock.Provider{}},
		app.WithStdio(pr, &bytes.Buffer{}),
		app.WithJournalStore(journal.NewMemStore()),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run = %v, want context.DeadlineExceeded", err)
	}
}

func TestRun_FatalSessionError(t *testing.T) {
	t.Parallel()

	provider := &livemock.Provider{ConnectErrs: []error{live.Fatal("mock", "connect", 401, errors.New("bad key"))}}
	a, err := app.New(context.Background(), testConfig(), &app.Providers{Live: provider},
		app.WithStdio(strings.NewReader(""), &bytes.Buffer{}),
		app.WithJournalStore(journal.NewMemStore()),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = a.Run(context.Background())
	var se *session.SessionError
	if !errors.As(err, &se) || se.Kind != session.KindFatal {
		t.Fatalf("Run = %v, want fatal SessionError", err)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), &app.Providers{Live: &livemock.Provider{}},
		app.WithStdio(strings.NewReader(""), &bytes.Buffer{}),
		app.WithJournalStore(journal.NewMemStore()),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := a.Handler()

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/healthz", http.StatusOK, `"status":"ok"`},
		// Not running yet.
		{"/readyz", http.StatusServiceUnavailable, "session is disconnected"},
		{"/metrics", http.StatusOK, ""},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			req := httptest.NewRequest("GET", tc.path, nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if tc.wantBody != "" && !strings.Contains(rec.Body.String(), tc.wantBody) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tc.wantBody)
			}
		})
	}
}

func TestHandler_ReportsSTTBreakers(t *testing.T) {
	t.Parallel()

	down := &sttmock.Transcriber{Default: sttmock.Result{Err: errors.New("connection refused")}}
	fb := resilience.NewTranscriberFallback(down, "deepgram", resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	a, err := app.New(context.Background(), testConfig(), &app.Providers{Live: &livemock.Provider{}, STT: fb},
		app.WithStdio(strings.NewReader(""), &bytes.Buffer{}),
		app.WithJournalStore(journal.NewMemStore()),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	readyz := func() string {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
		return rec.Body.String()
	}
	if body := readyz(); !strings.Contains(body, `"name":"stt","status":"ok"`) {
		t.Errorf("body before failures = %s", body)
	}

	_, _ = fb.Transcribe(context.Background(), []byte{0, 0}, 16000)
	if body := readyz(); !strings.Contains(body, `"name":"stt","status":"degraded"`) || !strings.Contains(body, "deepgram") {
		t.Errorf("body with open breaker = %s", body)
	}
}

func TestShutdown_RunsClosersOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	a, err := app.New(context.Background(), testConfig(), &app.Providers{Live: &livemock.Provider{}},
		app.WithStdio(strings.NewReader(""), &bytes.Buffer{}),
		app.WithJournalStore(journal.NewMemStore()),
		app.WithMetrics(testMetrics(t)),
		app.WithCloser(func() error {
			calls++
			return errors.New("ignored")
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for range 3 {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("closer ran %d times, want 1", calls)
	}
}

func TestNew_FailureRunsClosers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*config.Config)
		providers *app.Providers
	}{
		{name: "no live provider", mutate: func(*config.Config) {}, providers: &app.Providers{}},
		{
			name:      "voice input without microphone",
			mutate:    func(c *config.Config) { c.Session.Input = config.InputVoice },
			providers: &app.Providers{Live: &livemock.Provider{}, STT: &sttmock.Transcriber{}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tt.mutate(cfg)

			var calls atomic.Int32
			_, err := app.New(context.Background(), cfg, tt.providers,
				app.WithJournalStore(journal.NewMemStore()),
				app.WithMetrics(testMetrics(t)),
				app.WithCloser(func() error {
					calls.Add(1)
					return nil
				}),
			)
			if err == nil {
				t.Fatal("expected New to fail")
			}
			if n := calls.Load(); n != 1 {
				t.Errorf("closer ran %d times, want 1", n)
			}
		})
	}
}

func TestShutdown_DeadlineExceeded(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), &app.Providers{Live: &livemock.Provider{}},
		app.WithStdio(strings.NewReader(""), &bytes.Buffer{}),
		app.WithJournalStore(journal.NewMemStore()),
		app.WithMetrics(testMetrics(t)),
		app.WithCloser(func() error { return nil }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown = %v, want context.Canceled", err)
	}
}

func TestRun_FileJournal(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Session.Greeting = "-"
	cfg.Journal.FilePath = filepath.Join(t.TempDir(), "logs", "journal.jsonl")

	a, err := app.New(context.Background(), cfg, &app.Providers{Live: &livemock.Provider{}},
		app.WithStdio(strings.NewReader("rough week\nexit\n"), &bytes.Buffer{}),
		app.WithMetrics(testMetrics(t)),
		app.WithSessionID("file-1"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries, err := journal.NewFileStore(cfg.Journal.FilePath).Session(context.Background(), "file-1")
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if got := userTexts(entries); len(got) != 1 || got[0] != "rough week" {
		t.Errorf("journal user turns = %q", got)
	}
	if len(entries) != 3 {
		t.Errorf("journal has %d entries, want 3 (user, reply, closing reply)", len(entries))
	}
}
