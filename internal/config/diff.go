package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only the log level is applied to a running process; session changes are
// reported so the caller can say they take effect on the next start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if any field of the session block changed.
	SessionChanged bool

	// ProvidersChanged is true if any provider entry changed.
	ProvidersChanged bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.SessionChanged = !sessionEqual(old.Session, new.Session)

	d.ProvidersChanged = !entryEqual(old.Providers.Live, new.Providers.Live) ||
		!entryEqual(old.Providers.STT, new.Providers.STT) ||
		!entryEqual(old.Providers.TTS, new.Providers.TTS) ||
		!slices.EqualFunc(old.Providers.STTFallbacks, new.Providers.STTFallbacks, entryEqual) ||
		!slices.EqualFunc(old.Providers.TTSFallbacks, new.Providers.TTSFallbacks, entryEqual)

	return d
}

// sessionEqual compares two session blocks field by field.
func sessionEqual(a, b SessionConfig) bool {
	return a.Mode == b.Mode &&
		a.Input == b.Input &&
		a.Voice == b.Voice &&
		a.Instructions == b.Instructions &&
		a.Greeting == b.Greeting &&
		a.ClosingTurn == b.ClosingTurn &&
		a.Reprompt == b.Reprompt &&
		slices.Equal(a.ExitPhrases, b.ExitPhrases) &&
		a.PhoneticExit == b.PhoneticExit &&
		a.MaxSendAttempts == b.MaxSendAttempts &&
		a.SendBackoff == b.SendBackoff &&
		a.IncrementalBackoff == b.IncrementalBackoff &&
		a.MaxSessionRetries == b.MaxSessionRetries
}

// entryEqual ignores Options; they are opaque to the diff.
func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
