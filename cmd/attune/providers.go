package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/MrWong99/attune/internal/app"
	"github.com/MrWong99/attune/internal/config"
	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/internal/resilience"
	"github.com/MrWong99/attune/pkg/provider/live"
	geminilive "github.com/MrWong99/attune/pkg/provider/live/gemini"
	"github.com/MrWong99/attune/pkg/provider/stt"
	"github.com/MrWong99/attune/pkg/provider/stt/deepgram"
	geministt "github.com/MrWong99/attune/pkg/provider/stt/gemini"
	"github.com/MrWong99/attune/pkg/provider/stt/google"
	oaistt "github.com/MrWong99/attune/pkg/provider/stt/openai"
	"github.com/MrWong99/attune/pkg/provider/stt/whisper"
	"github.com/MrWong99/attune/pkg/provider/tts"
	"github.com/MrWong99/attune/pkg/provider/tts/coqui"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages. ctx bounds client setup for
// the SDK-backed providers.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	// ── Live ──────────────────────────────────────────────────────────────────

	reg.RegisterLive("gemini", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if v := entry.OptionString("api_version"); v != "" {
			opts = append(opts, geminilive.WithAPIVersion(v))
		}
		if s := entry.OptionInt("setup_timeout_seconds", 0); s > 0 {
			opts = append(opts, geminilive.WithSetupTimeout(time.Duration(s)*time.Second))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if kw := entry.OptionStrings("keywords"); len(kw) > 0 {
			opts = append(opts, deepgram.WithKeywords(kw...))
		}
		if c := entry.OptionFloat("min_confidence", 0); c > 0 {
			opts = append(opts, deepgram.WithMinConfidence(c))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if prompt := entry.OptionString("prompt"); prompt != "" {
			opts = append(opts, whisper.WithPrompt(prompt))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.OptionString("model_path")
		}
		var opts []whisper.NativeOption
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if prompt := entry.OptionString("prompt"); prompt != "" {
			opts = append(opts, whisper.WithNativePrompt(prompt))
		}
		if n := entry.OptionInt("threads", 0); n > 0 {
			opts = append(opts, whisper.WithNativeThreads(uint(n)))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("google", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []google.Option
		if entry.Model != "" {
			opts = append(opts, google.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, google.WithLanguage(lang))
		}
		if phrases := entry.OptionStrings("phrases"); len(phrases) > 0 {
			opts = append(opts, google.WithPhrases(phrases...))
		}
		if entry.APIKey != "" {
			opts = append(opts, google.WithAPIKey(entry.APIKey))
		}
		if path := entry.OptionString("credentials_file"); path != "" {
			opts = append(opts, google.WithCredentialsFile(path))
		}
		return google.New(ctx, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []oaistt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, oaistt.WithLanguage(lang))
		}
		if s := entry.OptionInt("timeout_seconds", 0); s > 0 {
			opts = append(opts, oaistt.WithTimeout(time.Duration(s)*time.Second))
		}
		if n := entry.OptionInt("max_retries", -1); n >= 0 {
			opts = append(opts, oaistt.WithMaxRetries(n))
		}
		return oaistt.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("gemini", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []geministt.Option
		if entry.Model != "" {
			opts = append(opts, geministt.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geministt.WithBaseURL(entry.BaseURL))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, geministt.WithLanguage(lang))
		}
		return geministt.New(ctx, entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := entry.OptionString("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if rate := entry.OptionInt("output_sample_rate", 0); rate > 0 {
			opts = append(opts, coqui.WithOutputSampleRate(rate))
		}
		if s := entry.OptionInt("timeout_seconds", 0); s > 0 {
			opts = append(opts, coqui.WithTimeout(time.Duration(s)*time.Second))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	for _, kind := range []string{"live", "stt", "tts"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume,
// plus the Close funcs of those that hold resources.
//
// When fallbacks are configured the transcriber is a
// [resilience.TranscriberFallback] and the synthesiser a
// [resilience.TTSFallback]; their breaker transitions are counted on m.
func buildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*app.Providers, []func() error, error) {
	ps := &app.Providers{}
	var closers []func() error
	track := func(v any) {
		if c, ok := v.(io.Closer); ok {
			closers = append(closers, c.Close)
		}
	}
	fail := func(err error) (*app.Providers, []func() error, error) {
		for _, c := range closers {
			_ = c()
		}
		return nil, nil, err
	}

	p, err := reg.CreateLive(cfg.Providers.Live)
	if err != nil {
		return fail(fmt.Errorf("create live provider %q: %w", cfg.Providers.Live.Name, err))
	}
	ps.Live = p
	slog.Info("provider created", "kind", "live", "name", cfg.Providers.Live.Name)

	if name := cfg.Providers.STT.Name; name != "" {
		primary, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return fail(fmt.Errorf("create stt provider %q: %w", name, err))
		}
		track(primary)
		slog.Info("provider created", "kind", "stt", "name", name)
		ps.STT = primary

		if len(cfg.Providers.STTFallbacks) > 0 {
			group := resilience.NewTranscriberFallback(primary, name, breakerConfig("stt", m))
			for _, entry := range cfg.Providers.STTFallbacks {
				fb, err := reg.CreateSTT(entry)
				if err != nil {
					return fail(fmt.Errorf("create stt fallback %q: %w", entry.Name, err))
				}
				track(fb)
				group.AddFallback(entry.Name, fb)
				slog.Info("provider created", "kind", "stt_fallback", "name", entry.Name)
			}
			ps.STT = group
		}
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		t, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return fail(fmt.Errorf("create tts provider %q: %w", name, err))
		}
		track(t)
		ps.TTS = t
		slog.Info("provider created", "kind", "tts", "name", name)

		if len(cfg.Providers.TTSFallbacks) > 0 {
			group := resilience.NewTTSFallback(t, name, breakerConfig("tts", m))
			for _, entry := range cfg.Providers.TTSFallbacks {
				fb, err := reg.CreateTTS(entry)
				if err != nil {
					return fail(fmt.Errorf("create tts fallback %q: %w", entry.Name, err))
				}
				track(fb)
				if fb.SampleRate() != t.SampleRate() {
					return fail(fmt.Errorf("tts fallback %q: sample rate %d differs from %s's %d",
						entry.Name, fb.SampleRate(), name, t.SampleRate()))
				}
				group.AddFallback(entry.Name, fb)
				slog.Info("provider created", "kind", "tts_fallback", "name", entry.Name)
			}
			ps.TTS = group
		}
	}

	return ps, closers, nil
}

// breakerConfig logs and counts breaker transitions of one provider stage.
func breakerConfig(kind string, m *observe.Metrics) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(breaker string, from, to resilience.State) {
				slog.Warn("circuit breaker transition", "kind", kind, "breaker", breaker, "from", from, "to", to)
				if m != nil {
					m.RecordBreakerTransition(context.Background(), breaker, to.String())
				}
			},
		},
	}
}
