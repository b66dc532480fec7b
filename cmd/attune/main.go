// Command attune runs one voice or text session with the virtual therapist.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/MrWong99/attune/internal/app"
	"github.com/MrWong99/attune/internal/config"
	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/internal/session"
	"github.com/MrWong99/attune/pkg/audio/portaudio"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the available audio devices and exit")
	flag.Parse()

	if *listDevices {
		if err := printDevices(); err != nil {
			fmt.Fprintf(os.Stderr, "attune: %v\n", err)
			return 1
		}
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	slog.SetDefault(slog.New(observe.NewContextHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}),
	)))

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	watcher, err := config.NewWatcher(*configPath, func(old, cur *config.Config) {
		onConfigChange(logLevel, old, cur)
	}, config.WithTrigger(hup))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "attune: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "attune: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("attune starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()
	if err := observe.RegisterHostMetrics(otel.GetMeterProvider(), observe.SystemSampler()); err != nil {
		slog.Warn("host metrics unavailable", "err", err)
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg)

	providers, closers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	opts := []app.Option{
		app.WithMetrics(metrics),
		app.WithConfigWatcher(watcher),
	}
	for _, c := range closers {
		opts = append(opts, app.WithCloser(c))
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	if needsAudio(cfg, providers) {
		terminate, err := portaudio.Initialize()
		if err != nil {
			slog.Error("failed to initialise audio", "err", err)
			for _, c := range closers {
				_ = c()
			}
			return 1
		}
		opts = append(opts,
			app.WithMicrophone(portaudio.Microphone{}),
			app.WithSpeaker(portaudio.Speaker{}),
			app.WithCloser(terminate),
		)
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		var se *session.SessionError
		if errors.As(err, &se) {
			slog.Error("session failed", "kind", se.Kind, "reconnects", se.Reconnects, "err", se.Err)
		} else {
			slog.Error("run error", "err", err)
		}
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// needsAudio reports whether the configured session touches the sound card.
func needsAudio(cfg *config.Config, ps *app.Providers) bool {
	return cfg.Session.Input == config.InputVoice ||
		cfg.Session.Mode == config.ReplyAudio ||
		ps.TTS != nil
}

// onConfigChange applies what can change mid-session and logs the rest.
func onConfigChange(level *slog.LevelVar, old, cur *config.Config) {
	d := config.Diff(old, cur)
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		slog.Info("session settings changed, applied at next start")
	}
	if d.ProvidersChanged {
		slog.Info("provider settings changed, applied at next start")
	}
}

// ── Devices ───────────────────────────────────────────────────────────────────

func printDevices() error {
	terminate, err := portaudio.Initialize()
	if err != nil {
		return err
	}
	defer terminate()

	devs, err := portaudio.ListDevices()
	if err != nil {
		return err
	}
	for _, d := range devs {
		fmt.Printf("%3d  %-40s  in:%d out:%d  %.0f Hz  (%s)\n",
			d.Index, d.Name, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate, d.HostAPI)
	}
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	mode := string(cfg.Session.Mode)
	if mode == "" {
		mode = string(config.ReplyText)
	}
	input := string(cfg.Session.Input)
	if input == "" {
		input = string(config.InputText)
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Attune: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Live", cfg.Providers.Live.Name, cfg.Providers.Live.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	for _, fb := range cfg.Providers.STTFallbacks {
		printProvider("STT fallback", fb.Name, fb.Model)
	}
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	for _, fb := range cfg.Providers.TTSFallbacks {
		printProvider("TTS fallback", fb.Name, fb.Model)
	}
	fmt.Printf("║  Replies         : %-19s ║\n", mode)
	fmt.Printf("║  Input           : %-19s ║\n", input)
	fmt.Printf("║  Journal         : %-19s ║\n", cfg.Journal.Backend())
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
