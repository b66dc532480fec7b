package render

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/provider/tts"
)

var (
	_ Renderer    = (*Speech)(nil)
	_ Interrupter = (*Speech)(nil)
)

// SpeechOption is a functional option for configuring a [Speech] renderer.
type SpeechOption func(*Speech)

// WithVoice selects the TTS voice.
func WithVoice(v tts.VoiceProfile) SpeechOption {
	return func(s *Speech) { s.voice = v }
}

// WithSpeechMetrics records time to first audio on m.
func WithSpeechMetrics(m *observe.Metrics) SpeechOption {
	return func(s *Speech) { s.metrics = m }
}

// Speech speaks text replies through a TTS provider. Fragments are streamed
// to the provider as they arrive, so synthesis of the first sentence starts
// before the model has finished its turn. Audio is ignored.
type Speech struct {
	provider tts.Provider
	voice    tts.VoiceProfile
	dev      audio.PlaybackDevice
	metrics  *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	// Per turn. text is nil between turns.
	text    chan string
	done    chan struct{}
	turn    context.Context
	stop    context.CancelFunc
	started time.Time

	mu  sync.Mutex
	out audio.OutputStream
	err error
}

// NewSpeech returns a Speech renderer that plays p's output on dev.
func NewSpeech(p tts.Provider, dev audio.PlaybackDevice, opts ...SpeechOption) *Speech {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Speech{provider: p, dev: dev, ctx: ctx, cancel: cancel}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RenderText implements [Renderer].
func (s *Speech) RenderText(text string) {
	if s.text == nil && !s.begin() {
		return
	}
	select {
	case s.text <- text:
	case <-s.done:
		// Synthesis ended early; the rest of the turn is dropped.
	case <-s.turn.Done():
	}
}

func (s *Speech) begin() bool {
	if s.ctx.Err() != nil {
		return false
	}
	text := make(chan string, 64)
	turn, stop := context.WithCancel(s.ctx)
	audioCh, err := s.provider.SynthesizeStream(turn, text, s.voice)
	if err != nil {
		stop()
		slog.Warn("render: speech synthesis unavailable", "err", err)
		if s.metrics != nil {
			s.metrics.RecordProviderError(s.ctx, "tts", "synthesize")
		}
		return false
	}
	s.text = text
	s.done = make(chan struct{})
	s.turn, s.stop = turn, stop
	s.started = time.Now()
	go s.play(turn, audioCh, s.done)
	return true
}

func (s *Speech) play(turn context.Context, audioCh <-chan []byte, done chan struct{}) {
	defer close(done)
	first := true
	for chunk := range audioCh {
		if turn.Err() != nil {
			audio.Drain(audioCh)
			return
		}
		if first {
			first = false
			if s.metrics != nil {
				s.metrics.TTSDuration.Record(s.ctx, time.Since(s.started).Seconds())
			}
		}
		if err := s.write(chunk); err != nil {
			slog.Warn("render: speech playback failed", "err", err)
			audio.Drain(audioCh)
			return
		}
	}
}

func (s *Speech) write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.out == nil {
		format := audio.PlaybackFormat()
		format.SampleRate = s.provider.SampleRate()
		out, err := s.dev.Open(format)
		if err != nil {
			s.err = fmt.Errorf("render: open playback: %w", err)
			return s.err
		}
		s.out = out
	}
	if err := s.out.Write(pcm); err != nil {
		s.err = fmt.Errorf("render: playback: %w", err)
		return s.err
	}
	return nil
}

// RenderAudio implements [Renderer].
func (s *Speech) RenderAudio([]byte) {}

// TurnDone ends the text stream and blocks until the turn has been spoken.
func (s *Speech) TurnDone() {
	if s.text == nil {
		return
	}
	close(s.text)
	select {
	case <-s.done:
	case <-s.turn.Done():
	}
	s.stop()
	s.text = nil
}

// Interrupt implements [Interrupter]. Synthesis of the current turn is
// cancelled and playback stops after the chunk being written.
func (s *Speech) Interrupt() {
	if s.stop != nil {
		s.stop()
	}
}

// Close stops any synthesis in progress and releases the playback device.
func (s *Speech) Close() error {
	if s.text != nil {
		close(s.text)
		s.text = nil
	}
	s.cancel()
	if s.done != nil {
		<-s.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out != nil {
		if err := s.out.Close(); err != nil && s.err == nil {
			s.err = fmt.Errorf("render: close playback: %w", err)
		}
		s.out = nil
	}
	return s.err
}
