// Package portaudio implements [audio.CaptureDevice] and [audio.PlaybackDevice]
// on top of the PortAudio C library.
//
// [Initialize] must be called once before any device is opened and the
// returned terminate func called on shutdown. Streams use blocking I/O with
// int16 buffers sized to the requested frame.
package portaudio

import (
	"errors"
	"fmt"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/attune/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice  = (*Microphone)(nil)
	_ audio.PlaybackDevice = (*Speaker)(nil)
)

// Initialize initialises PortAudio and returns a func that terminates it.
func Initialize() (terminate func() error, err error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return pa.Terminate, nil
}

// DeviceInfo is a short description of one host audio device.
type DeviceInfo struct {
	Index             int
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
}

// ListDevices enumerates the devices PortAudio can see. Initialize must have
// been called.
func ListDevices() ([]DeviceInfo, error) {
	devs, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	out := make([]DeviceInfo, 0, len(devs))
	for i, d := range devs {
		info := DeviceInfo{
			Index:             i,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		out = append(out, info)
	}
	return out, nil
}

// ─── Capture ──────────────────────────────────────────────────────────────────

// Microphone captures from the default input device.
type Microphone struct{}

// Open implements [audio.CaptureDevice].
func (Microphone) Open(format audio.Format) (audio.InputStream, error) {
	ch := max(format.Channels, 1)
	buf := make([]int16, format.FrameSize*ch)
	stream, err := pa.OpenDefaultStream(ch, 0, float64(format.SampleRate), format.FrameSize, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("portaudio: start input stream: %w", err)
	}
	return &inputStream{stream: stream, buf: buf}, nil
}

type inputStream struct {
	stream *pa.Stream
	buf    []int16

	closeOnce sync.Once
	closeErr  error
}

// Read blocks for one frame. Input overflow is tolerated: the frame is still
// returned and the dropped samples are lost.
func (s *inputStream) Read() ([]byte, error) {
	if err := s.stream.Read(); err != nil && !errors.Is(err, pa.InputOverflowed) {
		return nil, fmt.Errorf("portaudio: read: %w", err)
	}
	return audio.FromInt16s(s.buf), nil
}

func (s *inputStream) Close() error {
	s.closeOnce.Do(func() {
		stopErr := s.stream.Stop()
		closeErr := s.stream.Close()
		s.closeErr = errors.Join(stopErr, closeErr)
	})
	return s.closeErr
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// Speaker plays to the default output device.
type Speaker struct{}

// Open implements [audio.PlaybackDevice].
func (Speaker) Open(format audio.Format) (audio.OutputStream, error) {
	ch := max(format.Channels, 1)
	buf := make([]int16, format.FrameSize*ch)
	stream, err := pa.OpenDefaultStream(0, ch, float64(format.SampleRate), format.FrameSize, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("portaudio: start output stream: %w", err)
	}
	return &outputStream{stream: stream, buf: buf}, nil
}

type outputStream struct {
	stream *pa.Stream
	buf    []int16

	mu     sync.Mutex
	closed bool
}

// Write copies pcm into the stream buffer one frame at a time. The last
// partial frame is padded with silence.
func (s *outputStream) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("portaudio: write on closed stream")
	}
	samples := audio.Int16s(pcm)
	for len(samples) > 0 {
		n := copy(s.buf, samples)
		clear(s.buf[n:])
		samples = samples[n:]
		if err := s.stream.Write(); err != nil && !errors.Is(err, pa.OutputUnderflowed) {
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}

func (s *outputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.stream.Stop(), s.stream.Close())
}
