package resilience

import (
	"context"

	"github.com/MrWong99/attune/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
//
// All backends must emit PCM at the same sample rate; SampleRate reports the
// primary's.
type TTSFallback struct {
	group   *FallbackGroup[tts.Provider]
	primary tts.Provider
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group:   NewFallbackGroup(primary, primaryName, cfg),
		primary: primary,
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// SynthesizeStream starts a stream on the first healthy provider. Only stream
// setup is covered by failover; a stream that dies mid-turn just ends early.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}

// ListVoices returns available voices from the first healthy provider.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// SampleRate implements [tts.Provider].
func (f *TTSFallback) SampleRate() int { return f.primary.SampleRate() }

// Healthy returns nil while at least one backend's breaker would accept a
// call.
func (f *TTSFallback) Healthy() error { return f.group.Healthy() }

// Status returns a breaker snapshot per backend, primary first.
func (f *TTSFallback) Status() []Snapshot { return f.group.Status() }
