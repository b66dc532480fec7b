// NativeProvider links whisper.cpp through CGO. libwhisper.a and whisper.h
// must be reachable through LIBRARY_PATH and C_INCLUDE_PATH at build time.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/provider/stt"
)

// whisperSampleRate is the only input rate whisper.cpp accepts.
const whisperSampleRate = 16000

var _ stt.Transcriber = (*NativeProvider)(nil)

// NativeProvider is a [stt.Transcriber] running whisper.cpp in-process. The
// model loads once; every call gets its own inference context, so calls may
// overlap.
type NativeProvider struct {
	model    whisperlib.Model
	language string
	prompt   string
	threads  uint

	closeOnce sync.Once
	closeErr  error
}

// NativeOption configures a [NativeProvider].
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the spoken language. Default "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativePrompt primes the decoder, like [WithPrompt].
func WithNativePrompt(prompt string) NativeOption {
	return func(p *NativeProvider) { p.prompt = prompt }
}

// WithNativeThreads sets the inference threads per call. Zero keeps the
// library default.
func WithNativeThreads(n uint) NativeOption {
	return func(p *NativeProvider) { p.threads = n }
}

// NewNative loads the model at modelPath. Close releases it.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the model. Later calls return the first result.
func (p *NativeProvider) Close() error {
	p.closeOnce.Do(func() {
		if p.model != nil {
			p.closeErr = p.model.Close()
		}
	})
	return p.closeErr
}

// Transcribe implements [stt.Transcriber]. Inference cannot be interrupted,
// so ctx is only checked around it.
func (p *NativeProvider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", stt.Unavailable(providerName, err)
	}
	if len(pcm) == 0 {
		return "", stt.Unintelligible(providerName, audio.ErrEmptyPCM)
	}
	if sampleRate > 0 && sampleRate != whisperSampleRate {
		pcm = audio.ResampleMono16(pcm, sampleRate, whisperSampleRate)
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return "", stt.Unavailable(providerName, fmt.Errorf("new context: %w", err))
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whisper: language rejected, model default applies", "language", p.language, "err", err)
	}
	if p.prompt != "" {
		wctx.SetInitialPrompt(p.prompt)
	}
	if p.threads > 0 {
		wctx.SetThreads(p.threads)
	}

	if err := wctx.Process(audio.Float32s(pcm), nil, nil, nil); err != nil {
		return "", stt.Unavailable(providerName, fmt.Errorf("process: %w", err))
	}
	text, err := joinSegments(wctx)
	if err != nil {
		return "", stt.Unavailable(providerName, err)
	}
	if err := ctx.Err(); err != nil {
		return "", stt.Unavailable(providerName, err)
	}
	return cleanText(text)
}

type segmentReader interface {
	NextSegment() (whisperlib.Segment, error)
}

// joinSegments reads segments until io.EOF and joins their trimmed text.
func joinSegments(r segmentReader) (string, error) {
	var b strings.Builder
	for {
		seg, err := r.NextSegment()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(text)
	}
}
