package render

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MrWong99/attune/pkg/audio"
)

var _ Renderer = (*Speaker)(nil)

// SpeakerOption is a functional option for configuring a [Speaker].
type SpeakerOption func(*Speaker)

// WithTurnRecordings saves each turn's audio as a WAV file in dir.
func WithTurnRecordings(dir string) SpeakerOption {
	return func(s *Speaker) { s.scratchDir = dir }
}

// WithPlaybackFormat overrides [audio.PlaybackFormat].
func WithPlaybackFormat(f audio.Format) SpeakerOption {
	return func(s *Speaker) { s.format = f }
}

// Speaker plays audio chunks on a playback device. The device is opened on
// the first chunk and held until Close. Text is ignored.
//
// A playback failure is logged once and silences the rest of the session;
// Close reports it.
type Speaker struct {
	dev        audio.PlaybackDevice
	format     audio.Format
	scratchDir string

	out   audio.OutputStream
	turn  []byte
	seq   int
	err   error
	saved []string
}

// NewSpeaker returns a Speaker for dev.
func NewSpeaker(dev audio.PlaybackDevice, opts ...SpeakerOption) *Speaker {
	s := &Speaker{dev: dev, format: audio.PlaybackFormat()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RenderText implements [Renderer].
func (s *Speaker) RenderText(string) {}

// RenderAudio implements [Renderer].
func (s *Speaker) RenderAudio(pcm []byte) {
	if s.scratchDir != "" {
		s.turn = append(s.turn, pcm...)
	}
	if s.err != nil {
		return
	}
	if s.out == nil {
		out, err := s.dev.Open(s.format)
		if err != nil {
			s.fail(fmt.Errorf("render: open playback: %w", err))
			return
		}
		s.out = out
	}
	if err := s.out.Write(pcm); err != nil {
		s.fail(fmt.Errorf("render: playback: %w", err))
	}
}

func (s *Speaker) fail(err error) {
	s.err = err
	slog.Warn("render: speaker disabled", "err", err)
	if s.out != nil {
		_ = s.out.Close()
		s.out = nil
	}
}

// TurnDone implements [Renderer].
func (s *Speaker) TurnDone() {
	defer func() { s.turn = s.turn[:0] }()
	if s.scratchDir == "" || len(s.turn) == 0 {
		return
	}
	s.seq++
	path := filepath.Join(s.scratchDir, fmt.Sprintf("therapist_output_%04d.wav", s.seq))
	if err := os.MkdirAll(s.scratchDir, 0o755); err != nil {
		slog.Warn("render: failed to create scratch dir", "err", err)
		return
	}
	if err := audio.WriteWAVFile(path, s.turn, s.format.SampleRate, 1); err != nil {
		slog.Warn("render: failed to save turn audio", "path", path, "err", err)
		return
	}
	s.saved = append(s.saved, path)
}

// Saved returns the WAV files written so far.
func (s *Speaker) Saved() []string {
	return append([]string(nil), s.saved...)
}

// Close releases the playback device and reports the first playback error.
func (s *Speaker) Close() error {
	if s.out != nil {
		if err := s.out.Close(); err != nil && s.err == nil {
			s.err = fmt.Errorf("render: close playback: %w", err)
		}
		s.out = nil
	}
	return s.err
}
