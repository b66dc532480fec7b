package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/attune/pkg/provider/stt"
)

// TranscriberFallback implements [stt.Transcriber] with automatic failover
// across multiple STT backends. Each backend has its own circuit breaker.
//
// An unintelligible result is the backend's answer about the audio, not a
// backend fault: it neither trips the breaker nor moves on to the next backend.
type TranscriberFallback struct {
	group *FallbackGroup[stt.Transcriber]
}

// Compile-time interface assertion.
var _ stt.Transcriber = (*TranscriberFallback)(nil)

// NewTranscriberFallback creates a [TranscriberFallback] with primary as the
// preferred backend. cfg.CircuitBreaker.IsFailure is overridden.
func NewTranscriberFallback(primary stt.Transcriber, primaryName string, cfg FallbackConfig) *TranscriberFallback {
	cfg.CircuitBreaker.IsFailure = func(err error) bool {
		return !errors.Is(err, stt.ErrUnintelligible)
	}
	return &TranscriberFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional transcriber as a fallback.
func (f *TranscriberFallback) AddFallback(name string, t stt.Transcriber) {
	f.group.AddFallback(name, t)
}

// Transcribe tries each healthy backend in order. When all of them fail the
// result is classified as [stt.ErrServiceUnavailable].
func (f *TranscriberFallback) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	text, err := ExecuteWithResult(f.group, func(t stt.Transcriber) (string, error) {
		return t.Transcribe(ctx, pcm, sampleRate)
	})
	if err == nil || errors.Is(err, stt.ErrUnintelligible) {
		return text, err
	}
	if errors.Is(err, stt.ErrServiceUnavailable) {
		return "", err
	}
	return "", stt.Unavailable("fallback", err)
}

// Healthy returns nil while at least one backend's breaker would accept a
// call.
func (f *TranscriberFallback) Healthy() error { return f.group.Healthy() }

// Status returns a breaker snapshot per backend, primary first.
func (f *TranscriberFallback) Status() []Snapshot { return f.group.Status() }
