// Package config provides the configuration schema, loader, and provider registry
// for Attune.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ReplyMode selects how the therapist answers.
type ReplyMode string

const (
	// ReplyText streams written replies to the console.
	ReplyText ReplyMode = "text"

	// ReplyAudio streams spoken replies to the speaker.
	ReplyAudio ReplyMode = "audio"
)

// IsValid reports whether m is a recognised reply mode.
func (m ReplyMode) IsValid() bool {
	return m == ReplyText || m == ReplyAudio
}

// InputMode selects how the user's turns are captured.
type InputMode string

const (
	// InputText reads typed lines from standard input.
	InputText InputMode = "text"

	// InputVoice records the microphone and transcribes each utterance.
	InputVoice InputMode = "voice"
)

// IsValid reports whether m is a recognised input mode.
func (m InputMode) IsValid() bool {
	return m == InputText || m == InputVoice
}

// Config is the root configuration structure for Attune.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
	Audio     AudioConfig     `yaml:"audio"`
	Journal   JournalConfig   `yaml:"journal"`
}

// ServerConfig holds the optional observability listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /metrics, /healthz and /readyz
	// (e.g., ":9090"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig declares which provider implementation to use for each
// stage. Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	// Live is the streaming conversational model. Required.
	Live ProviderEntry `yaml:"live"`

	// STT transcribes user utterances in voice input mode.
	STT ProviderEntry `yaml:"stt"`

	// STTFallbacks are tried in order when STT fails or its circuit breaker
	// is open.
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`

	// TTS speaks text replies aloud. Optional; only used in text reply mode.
	TTS ProviderEntry `yaml:"tts"`

	// TTSFallbacks take over stream setup when TTS fails or its circuit
	// breaker is open. All of them must produce the same sample rate as TTS.
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// Empty falls back to the API_KEY or GEMINI_API_KEY environment variables.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// OptionString returns Options[key] as a string, or "" when absent or not a
// string.
func (e ProviderEntry) OptionString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptionInt returns Options[key] as an int, or def when absent or not a number.
func (e ProviderEntry) OptionInt(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// OptionFloat returns Options[key] as a float64, or def when absent or not a
// number.
func (e ProviderEntry) OptionFloat(key string, def float64) float64 {
	switch v := e.Options[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// OptionStrings returns Options[key] as a string slice. A single string is
// returned as a one-element slice.
func (e ProviderEntry) OptionStrings(key string) []string {
	switch v := e.Options[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// SessionConfig shapes the conversation itself.
type SessionConfig struct {
	// Mode selects text or audio replies. Default: text.
	Mode ReplyMode `yaml:"mode"`

	// Input selects typed or spoken user turns. Default: text.
	Input InputMode `yaml:"input"`

	// Voice is the prebuilt voice for audio replies. Default: "Kore".
	Voice string `yaml:"voice"`

	// Instructions replaces the default therapist system instruction.
	Instructions string `yaml:"instructions"`

	// Greeting replaces the opening turn. Set to "-" to skip the greeting.
	Greeting string `yaml:"greeting"`

	// ClosingTurn replaces the turn sent when the user leaves.
	ClosingTurn string `yaml:"closing_turn"`

	// Reprompt replaces the notice shown after an empty turn.
	Reprompt string `yaml:"reprompt"`

	// ExitPhrases replaces the default goodbye phrases.
	ExitPhrases []string `yaml:"exit_phrases"`

	// PhoneticExit also accepts exit phrases that were transcribed as
	// something that sounds alike.
	PhoneticExit bool `yaml:"phonetic_exit"`

	// MaxSendAttempts bounds sends of one turn on one connection. Default: 5.
	MaxSendAttempts int `yaml:"max_send_attempts"`

	// SendBackoff is the pause between send attempts and reconnects.
	// Default: 1s.
	SendBackoff time.Duration `yaml:"send_backoff"`

	// IncrementalBackoff doubles the pause after every failure, capped at 30s.
	IncrementalBackoff bool `yaml:"incremental_backoff"`

	// MaxSessionRetries is how often the connection may be reopened.
	// Default: 5.
	MaxSessionRetries int `yaml:"max_session_retries"`
}

// AudioConfig tunes capture, voice activity detection and scratch files.
type AudioConfig struct {
	// SampleRate is the microphone capture rate in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the number of samples per capture frame. Default: 1024.
	FrameSize int `yaml:"frame_size"`

	// SilenceThreshold is the RMS level at or below which a frame is silent.
	// Default: 200.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// SilenceFrames is how many consecutive silent frames end an utterance.
	// Default: 32.
	SilenceFrames int `yaml:"silence_frames"`

	// MaxDuration cuts off an utterance that runs this long. Default: 60s.
	MaxDuration time.Duration `yaml:"max_duration"`

	// ScratchDir receives user utterances and therapist replies as WAV files.
	// Empty disables saving.
	ScratchDir string `yaml:"scratch_dir"`

	// KeepScratch leaves the scratch directory populated at exit.
	KeepScratch bool `yaml:"keep_scratch"`

	// LevelMeter draws the live microphone level while recording.
	LevelMeter bool `yaml:"level_meter"`

	// StopOnEnter also ends a recording when the user presses Enter.
	StopOnEnter bool `yaml:"stop_on_enter"`
}

// JournalConfig configures the transcript journal.
type JournalConfig struct {
	// PostgresDSN stores every turn in PostgreSQL.
	PostgresDSN string `yaml:"postgres_dsn"`

	// RedisURL keeps every session as a Redis list when PostgresDSN is empty,
	// for example "redis://localhost:6379/0".
	RedisURL string `yaml:"redis_url"`

	// RedisChannel, when set, receives every appended turn as a published
	// JSON message.
	RedisChannel string `yaml:"redis_channel"`

	// RedisMaxEntries trims each session list to its newest entries. Zero
	// keeps everything.
	RedisMaxEntries int64 `yaml:"redis_max_entries"`

	// FilePath appends every turn to a JSON lines file when neither
	// PostgresDSN nor RedisURL is set. With none of them the journal lives in
	// memory.
	FilePath string `yaml:"file_path"`
}

// Backend names the store the journal settings select, in precedence order
// postgres, redis, file, memory.
func (j JournalConfig) Backend() string {
	switch {
	case j.PostgresDSN != "":
		return "postgres"
	case j.RedisURL != "":
		return "redis"
	case j.FilePath != "":
		return "file"
	}
	return "memory"
}
