package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"live": {"gemini"},
	"stt":  {"deepgram", "whisper", "whisper-native", "google", "openai", "gemini"},
	"tts":  {"coqui"},
}

// APIKeyEnvVars are consulted, in order, for providers that take an API key
// but have none configured.
var APIKeyEnvVars = []string{"API_KEY", "GEMINI_API_KEY"}

// envKeyProviders are the provider names that authenticate with the shared
// environment key.
var envKeyProviders = []string{"gemini"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills missing API keys from the
// environment, and validates the result. An empty document yields an empty
// config, which fails validation for lack of a live provider.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills empty API keys of providers that share the environment key,
// using getenv to look up [APIKeyEnvVars].
func ApplyEnv(cfg *Config, getenv func(string) string) {
	var key string
	for _, name := range APIKeyEnvVars {
		if key = getenv(name); key != "" {
			break
		}
	}
	if key == "" {
		return
	}
	fill := func(e *ProviderEntry) {
		if e.APIKey == "" && slices.Contains(envKeyProviders, e.Name) {
			e.APIKey = key
		}
	}
	fill(&cfg.Providers.Live)
	fill(&cfg.Providers.STT)
	for i := range cfg.Providers.STTFallbacks {
		fill(&cfg.Providers.STTFallbacks[i])
	}
	fill(&cfg.Providers.TTS)
	for i := range cfg.Providers.TTSFallbacks {
		fill(&cfg.Providers.TTSFallbacks[i])
	}
}

// Validate reports every incoherent value in cfg as one joined error.
// Questionable but workable combinations are logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error
	if lvl := cfg.Server.LogLevel; lvl != "" && !lvl.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", lvl))
	}
	errs = append(errs, validateProviders(&cfg.Providers)...)
	errs = append(errs, validateSession(cfg)...)
	errs = append(errs, validateAudio(&cfg.Audio)...)

	errs = append(errs, validateJournal(cfg.Journal)...)
	return errors.Join(errs...)
}

func validateProviders(p *ProvidersConfig) []error {
	var errs []error
	if p.Live.Name == "" {
		errs = append(errs, errors.New("providers.live.name is required"))
	}
	validateProviderName("live", p.Live.Name)
	validateProviderName("stt", p.STT.Name)
	validateProviderName("tts", p.TTS.Name)
	errs = append(errs, validateFallbacks("stt", p.STT, p.STTFallbacks)...)
	errs = append(errs, validateFallbacks("tts", p.TTS, p.TTSFallbacks)...)
	return errs
}

// validateFallbacks checks the <kind>_fallbacks list of one provider stage.
func validateFallbacks(kind string, primary ProviderEntry, fallbacks []ProviderEntry) []error {
	var errs []error
	for i, fb := range fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s_fallbacks[%d].name is required", kind, i))
			continue
		}
		validateProviderName(kind, fb.Name)
	}
	if len(fallbacks) > 0 && primary.Name == "" {
		errs = append(errs, fmt.Errorf("providers.%s_fallbacks requires providers.%s to be configured", kind, kind))
	}
	return errs
}

func validateSession(cfg *Config) []error {
	s := cfg.Session
	errs := nonNegative(map[string]float64{
		"session.max_send_attempts":   float64(s.MaxSendAttempts),
		"session.send_backoff":        s.SendBackoff.Seconds(),
		"session.max_session_retries": float64(s.MaxSessionRetries),
	})
	if s.Mode != "" && !s.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("session.mode %q is invalid; valid values: text, audio", s.Mode))
	}
	if s.Input != "" && !s.Input.IsValid() {
		errs = append(errs, fmt.Errorf("session.input %q is invalid; valid values: text, voice", s.Input))
	}
	if s.Input == InputVoice && cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("session.input voice requires an STT provider but providers.stt is not configured"))
	}
	for i, p := range s.ExitPhrases {
		if p == "" {
			errs = append(errs, fmt.Errorf("session.exit_phrases[%d] is empty", i))
		}
	}

	if s.Mode == ReplyAudio && cfg.Providers.TTS.Name != "" {
		slog.Warn("providers.tts is ignored when session.mode is audio; the live model speaks itself")
	}
	if s.Input != InputVoice && cfg.Providers.STT.Name != "" {
		slog.Warn("providers.stt is configured but session.input is not voice; it will not be used")
	}
	return errs
}

func validateJournal(j JournalConfig) []error {
	errs := nonNegative(map[string]float64{
		"journal.redis_max_entries": float64(j.RedisMaxEntries),
	})
	backend := j.Backend()
	if j.RedisURL != "" && backend != "redis" {
		slog.Warn("journal.redis_url is ignored", "backend", backend)
	}
	if j.FilePath != "" && backend != "file" {
		slog.Warn("journal.file_path is ignored", "backend", backend)
	}
	if backend != "redis" && (j.RedisChannel != "" || j.RedisMaxEntries != 0) {
		slog.Warn("journal redis options are ignored without journal.redis_url", "backend", backend)
	}
	if backend == "memory" {
		slog.Debug("journal has no backing store; transcripts are kept in memory only")
	}
	return errs
}

func validateAudio(a *AudioConfig) []error {
	errs := nonNegative(map[string]float64{
		"audio.sample_rate":       float64(a.SampleRate),
		"audio.frame_size":        float64(a.FrameSize),
		"audio.silence_threshold": a.SilenceThreshold,
		"audio.silence_frames":    float64(a.SilenceFrames),
		"audio.max_duration":      a.MaxDuration.Seconds(),
	})
	if a.KeepScratch && a.ScratchDir == "" {
		slog.Warn("audio.keep_scratch is set but audio.scratch_dir is empty; nothing will be saved")
	}
	return errs
}

// nonNegative returns one error per negative field, in key order so the
// joined message is stable.
func nonNegative(fields map[string]float64) []error {
	var errs []error
	for _, key := range slices.Sorted(maps.Keys(fields)) {
		if v := fields[key]; v < 0 {
			errs = append(errs, fmt.Errorf("%s %v must not be negative", key, v))
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
