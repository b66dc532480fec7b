// Package mock provides in-memory implementations of [audio.CaptureDevice] and
// [audio.PlaybackDevice] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Capture{
//	    Frames: [][]byte{loud, loud, quiet},
//	}
//	rec := recorder.New(mic, vad.New(vad.Config{}), recorder.Config{})
package mock

import (
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/attune/pkg/audio"
)

// ErrClosed is returned by stream methods after Close.
var ErrClosed = errors.New("mock: stream closed")

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock [audio.CaptureDevice]. Each opened stream replays Frames
// in order; once the script is exhausted it keeps returning silent frames so
// that readers never block forever.
type Capture struct {
	mu sync.Mutex

	// Frames is the scripted sequence returned by successive Read calls.
	Frames [][]byte

	// ReadErr, if non-nil, is returned by Read once ReadErrAfter frames have
	// been delivered.
	ReadErr error

	// ReadErrAfter is the number of frames delivered before ReadErr.
	ReadErrAfter int

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// FrameDelay paces Read to simulate a real-time device. Zero returns
	// immediately.
	FrameDelay time.Duration

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// OpenedFormats records the format passed to each Open call.
	OpenedFormats []audio.Format

	streams []*inputStream
}

// Open implements [audio.CaptureDevice].
func (c *Capture) Open(format audio.Format) (audio.InputStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountOpen++
	c.OpenedFormats = append(c.OpenedFormats, format)
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	s := &inputStream{dev: c, frameBytes: format.FrameBytes()}
	c.streams = append(c.streams, s)
	return s, nil
}

// CloseCount returns how many opened streams have been closed.
func (c *Capture) CloseCount() int {
	n := 0
	for _, s := range c.snapshot() {
		s.mu.Lock()
		if s.closed {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// ReadCount returns the total number of successful Read calls across all
// streams.
func (c *Capture) ReadCount() int {
	n := 0
	for _, s := range c.snapshot() {
		s.mu.Lock()
		n += s.reads
		s.mu.Unlock()
	}
	return n
}

func (c *Capture) snapshot() []*inputStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*inputStream(nil), c.streams...)
}

type inputStream struct {
	dev        *Capture
	frameBytes int

	mu     sync.Mutex
	reads  int
	closed bool
}

func (s *inputStream) Read() ([]byte, error) {
	s.dev.mu.Lock()
	delay := s.dev.FrameDelay
	s.dev.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if s.dev.ReadErr != nil && s.reads >= s.dev.ReadErrAfter {
		return nil, s.dev.ReadErr
	}
	var frame []byte
	if s.reads < len(s.dev.Frames) {
		src := s.dev.Frames[s.reads]
		frame = make([]byte, len(src))
		copy(frame, src)
	} else {
		frame = make([]byte, s.frameBytes)
	}
	s.reads++
	return frame, nil
}

func (s *inputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// Playback is a mock [audio.PlaybackDevice] that records everything written
// to its streams.
type Playback struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// WriteErr is returned by every Write when non-nil.
	WriteErr error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountClose records how many streams were closed.
	CallCountClose int

	// OpenedFormats records the format passed to each Open call.
	OpenedFormats []audio.Format

	written []byte
}

// Open implements [audio.PlaybackDevice].
func (p *Playback) Open(format audio.Format) (audio.OutputStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountOpen++
	p.OpenedFormats = append(p.OpenedFormats, format)
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	return &outputStream{dev: p}, nil
}

// Written returns a copy of all PCM written so far, across all streams.
func (p *Playback) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.written))
	copy(out, p.written)
	return out
}

type outputStream struct {
	dev    *Playback
	closed bool
}

func (s *outputStream) Write(pcm []byte) error {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.dev.WriteErr != nil {
		return s.dev.WriteErr
	}
	s.dev.written = append(s.dev.written, pcm...)
	return nil
}

func (s *outputStream) Close() error {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.dev.CallCountClose++
	return nil
}
