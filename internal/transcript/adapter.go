// Package transcript turns finished utterances into user turns.
//
// The [Adapter] sits between the recorder and the conversation session. It
// calls an [stt.Transcriber] and never fails: an utterance that could not be
// understood, or a backend that could not be reached, yields a fixed
// placeholder string flagged as a fallback so the caller can decide whether
// to forward it or re-prompt the user.
//
// Transcription is a blocking network or CPU call. [Adapter.TranscribeAsync]
// runs it on its own goroutine so that capturing the next utterance is never
// held up by a slow backend.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/provider/stt"
)

// User-visible placeholders substituted for failed transcriptions.
const (
	PlaceholderUnintelligible = "Couldn't understand the audio."
	PlaceholderFailed         = "Transcription failed. Please try again."
)

const defaultTimeout = 30 * time.Second

// Outcome is the result of transcribing one utterance.
type Outcome struct {
	// Text is the transcript, or a placeholder when Fallback is set.
	Text string

	// Fallback reports that Text is a placeholder rather than what the user
	// said.
	Fallback bool

	// Err is the classified transcription error behind a fallback. Nil on
	// success.
	Err error

	// Duration is how long the backend call took.
	Duration time.Duration

	// SavedPath is the WAV copy of the utterance in the scratch directory, if
	// one was written.
	SavedPath string
}

// Option is a functional option for configuring an [Adapter].
type Option func(*Adapter)

// WithSampleRate sets the rate of the PCM handed to the adapter. Defaults to
// [audio.DefaultCaptureRate].
func WithSampleRate(rate int) Option {
	return func(a *Adapter) { a.sampleRate = rate }
}

// WithTimeout bounds each backend call. Defaults to 30 s. Zero disables the
// bound.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// WithScratchDir saves every utterance as a WAV file in dir before it is
// transcribed.
func WithScratchDir(dir string) Option {
	return func(a *Adapter) { a.scratchDir = dir }
}

// WithMetrics records transcription latency and errors on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// Adapter wraps an [stt.Transcriber] with placeholder substitution. It is
// safe for concurrent use.
type Adapter struct {
	stt        stt.Transcriber
	sampleRate int
	timeout    time.Duration
	scratchDir string
	metrics    *observe.Metrics

	seq atomic.Uint64
}

// New returns an Adapter around t.
func New(t stt.Transcriber, opts ...Option) *Adapter {
	a := &Adapter{
		stt:        t,
		sampleRate: audio.DefaultCaptureRate,
		timeout:    defaultTimeout,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Transcribe returns the text of pcm or a placeholder. It never fails.
func (a *Adapter) Transcribe(ctx context.Context, pcm []byte) string {
	return a.Run(ctx, pcm).Text
}

// TranscribeAsync starts transcribing pcm on a new goroutine. The returned
// channel receives exactly one Outcome and is then closed.
func (a *Adapter) TranscribeAsync(ctx context.Context, pcm []byte) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		defer close(ch)
		ch <- a.Run(ctx, pcm)
	}()
	return ch
}

// Run transcribes pcm and reports the full outcome.
func (a *Adapter) Run(ctx context.Context, pcm []byte) Outcome {
	log := observe.Logger(ctx)
	var out Outcome

	if a.scratchDir != "" && len(pcm) > 0 {
		path, err := a.save(pcm)
		if err != nil {
			log.Warn("transcript: failed to save utterance", "err", err)
		} else {
			out.SavedPath = path
		}
	}

	if len(pcm) == 0 {
		out.Err = stt.Unintelligible("transcript", errors.New("empty utterance"))
		return a.fallback(ctx, out)
	}

	callCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := a.stt.Transcribe(callCtx, pcm, a.sampleRate)
	out.Duration = time.Since(start)
	text = strings.TrimSpace(text)

	switch {
	case err != nil:
		out.Err = stt.Classify("transcript", err)
	case text == "":
		out.Err = stt.Unintelligible("transcript", errors.New("empty transcript"))
	default:
		out.Text = text
		a.record(ctx, out.Duration, "ok")
		log.Debug("transcript: utterance transcribed", "chars", len(text), "duration", out.Duration)
		return out
	}
	return a.fallback(ctx, out)
}

func (a *Adapter) fallback(ctx context.Context, out Outcome) Outcome {
	out.Fallback = true
	kind := "unavailable"
	if errors.Is(out.Err, stt.ErrUnintelligible) {
		kind = "unintelligible"
		out.Text = PlaceholderUnintelligible
	} else {
		out.Text = PlaceholderFailed
	}
	a.record(ctx, out.Duration, kind)
	if a.metrics != nil {
		a.metrics.RecordProviderError(ctx, "stt", kind)
	}
	observe.Logger(ctx).Warn("transcript: using placeholder", "kind", kind, "err", out.Err)
	return out
}

func (a *Adapter) record(ctx context.Context, d time.Duration, outcome string) {
	if a.metrics == nil {
		return
	}
	a.metrics.STTDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (a *Adapter) save(pcm []byte) (string, error) {
	if err := os.MkdirAll(a.scratchDir, 0o755); err != nil {
		return "", fmt.Errorf("transcript: create scratch dir: %w", err)
	}
	path := filepath.Join(a.scratchDir, fmt.Sprintf("utterance_%04d.wav", a.seq.Add(1)))
	if err := audio.WriteWAVFile(path, pcm, a.sampleRate, 1); err != nil {
		return "", err
	}
	return path, nil
}
