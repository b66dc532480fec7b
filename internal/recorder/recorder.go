// Package recorder captures one utterance at a time from a microphone.
//
// A [Recorder] moves through Idle → Recording → Flushing → Idle. While
// Recording, a dedicated goroutine pulls fixed-size frames from the capture
// device, feeds each one to the voice activity detector and appends it to the
// utterance buffer. Recording ends on trailing silence, an explicit
// [Recorder.Stop], the maximum duration, or context cancellation. The
// concatenated PCM is then delivered as a single [Result] and the recorder
// returns to Idle.
//
// The capture device is opened at the start of every recording and closed on
// every exit path.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/vad"
)

// DefaultMaxDuration caps a single utterance when Config.MaxDuration is zero.
const DefaultMaxDuration = 60 * time.Second

// ErrBusy is returned by [Recorder.Start] when a recording is already in
// progress.
var ErrBusy = errors.New("recorder: recording already in progress")

// AudioDeviceError reports a failure of the capture device. Any partially
// captured audio is discarded.
type AudioDeviceError struct {
	// Op is the failed operation: "open" or "read".
	Op  string
	Err error
}

func (e *AudioDeviceError) Error() string {
	return fmt.Sprintf("recorder: audio device %s: %v", e.Op, e.Err)
}

func (e *AudioDeviceError) Unwrap() error { return e.Err }

// State is the lifecycle state of a [Recorder].
type State int32

const (
	Idle State = iota
	Recording
	Flushing
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Flushing:
		return "flushing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// StopReason says why a recording ended.
type StopReason int

const (
	// StopSilence: speech was followed by the configured run of silent frames.
	StopSilence StopReason = iota

	// StopManual: [Recorder.Stop] was called.
	StopManual

	// StopTimeout: the maximum utterance duration elapsed.
	StopTimeout

	// StopCancelled: the context passed to Start was cancelled. No audio is
	// delivered.
	StopCancelled

	// StopDeviceError: the capture device failed. No audio is delivered.
	StopDeviceError
)

// String implements fmt.Stringer.
func (r StopReason) String() string {
	switch r {
	case StopSilence:
		return "silence"
	case StopManual:
		return "manual"
	case StopTimeout:
		return "timeout"
	case StopCancelled:
		return "cancelled"
	case StopDeviceError:
		return "device_error"
	default:
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
}

// Result is the outcome of one recording.
type Result struct {
	// Utterance is the concatenated PCM of every frame captured before the
	// stop. Nil when Err is set.
	Utterance []byte

	// Reason is why the recording stopped.
	Reason StopReason

	// Frames is the number of frames in Utterance.
	Frames int

	// Duration is the playback length of Utterance.
	Duration time.Duration

	// SpeechDetected reports whether any frame crossed the VAD threshold.
	SpeechDetected bool

	// Err is non-nil for cancelled recordings (the context error) and for
	// device failures (an [*AudioDeviceError]).
	Err error
}

// Config tunes a [Recorder]. Zero values select defaults.
type Config struct {
	// Format is the capture format. Defaults to [audio.CaptureFormat].
	Format audio.Format

	// MaxDuration bounds a single recording. Defaults to [DefaultMaxDuration].
	MaxDuration time.Duration

	// OnLevel, if set, is called from the capture goroutine after every frame
	// with its RMS level and classification. It must not block.
	OnLevel func(level float64, c vad.Classification)
}

// Recorder captures utterances from a [audio.CaptureDevice]. All methods are
// safe for concurrent use; at most one recording runs at a time.
type Recorder struct {
	device   audio.CaptureDevice
	detector *vad.Detector
	cfg      Config

	state atomic.Int32

	mu      sync.Mutex
	current *capture
}

// New creates a Recorder. The detector is owned by the recorder from now on.
func New(device audio.CaptureDevice, detector *vad.Detector, cfg Config) *Recorder {
	if cfg.Format.SampleRate == 0 {
		cfg.Format = audio.CaptureFormat()
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	return &Recorder{device: device, detector: detector, cfg: cfg}
}

// State returns the current lifecycle state.
func (r *Recorder) State() State {
	return State(r.state.Load())
}

// Start opens the capture device and begins recording in the background. The
// returned channel receives exactly one [Result] and is then closed.
//
// Start returns [ErrBusy] if a recording is already in progress, or an
// [*AudioDeviceError] if the device cannot be opened.
func (r *Recorder) Start(ctx context.Context) (<-chan Result, error) {
	if !r.state.CompareAndSwap(int32(Idle), int32(Recording)) {
		return nil, ErrBusy
	}

	stream, err := r.device.Open(r.cfg.Format)
	if err != nil {
		r.state.Store(int32(Idle))
		return nil, &AudioDeviceError{Op: "open", Err: err}
	}

	r.detector.Reset()
	c := &capture{stopCh: make(chan struct{})}
	r.mu.Lock()
	r.current = c
	r.mu.Unlock()

	results := make(chan Result, 1)
	go r.run(ctx, c, stream, results)
	return results, nil
}

// Record runs a full recording and waits for its result. A device failure or
// cancellation is returned as the error.
func (r *Recorder) Record(ctx context.Context) (Result, error) {
	ch, err := r.Start(ctx)
	if err != nil {
		return Result{}, err
	}
	res := <-ch
	return res, res.Err
}

// Stop ends the current recording and delivers what has been captured so far.
// Once Stop returns, no further frame is appended to the delivered utterance.
// Reports false if no recording was in progress.
func (r *Recorder) Stop() bool {
	r.mu.Lock()
	c := r.current
	r.mu.Unlock()
	if c == nil {
		return false
	}
	return c.requestStop(StopManual)
}

type readResult struct {
	data []byte
	err  error
}

func (r *Recorder) run(ctx context.Context, c *capture, stream audio.InputStream, results chan<- Result) {
	frames := make(chan readResult)
	quit := make(chan struct{})
	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		for {
			data, err := stream.Read()
			select {
			case frames <- readResult{data: data, err: err}:
			case <-quit:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(r.cfg.MaxDuration)
	defer timer.Stop()

	var devErr error
loop:
	for {
		// Stop requests win over a frame that is ready at the same time.
		select {
		case <-c.stopCh:
			break loop
		default:
		}

		select {
		case <-ctx.Done():
			c.requestStop(StopCancelled)
			break loop
		case <-c.stopCh:
			break loop
		case <-timer.C:
			c.requestStop(StopTimeout)
			break loop
		case rd := <-frames:
			if rd.err != nil {
				devErr = rd.err
				c.requestStop(StopDeviceError)
				break loop
			}
			if !c.appendFrame(rd.data) {
				break loop
			}
			cls := r.detector.Classify(rd.data)
			if r.cfg.OnLevel != nil {
				r.cfg.OnLevel(r.detector.Level(), cls)
			}
			if r.detector.ShouldStop() {
				c.requestStop(StopSilence)
				break loop
			}
		}
	}

	close(quit)
	<-readerDone
	closeErr := stream.Close()

	r.state.Store(int32(Flushing))
	res := c.result(r.cfg.Format, r.detector.SpeechStarted())
	switch {
	case devErr != nil:
		res.Err = &AudioDeviceError{Op: "read", Err: devErr}
	case res.Reason == StopCancelled:
		res.Err = ctx.Err()
	}
	if res.Err != nil {
		res.Utterance = nil
	}
	if closeErr != nil {
		slog.Warn("recorder: failed to close capture stream", "err", closeErr)
	}

	slog.Debug("recording finished",
		"reason", res.Reason,
		"frames", res.Frames,
		"duration", res.Duration,
		"speech", res.SpeechDetected,
	)

	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()
	r.state.Store(int32(Idle))

	results <- res
	close(results)
}

// capture is the per-recording buffer. The stopped flag and the buffer share
// a mutex so that nothing is appended once a stop has been requested.
type capture struct {
	stopCh chan struct{}

	mu      sync.Mutex
	stopped bool
	reason  StopReason
	buf     []byte
	frames  int
}

func (c *capture) requestStop(reason StopReason) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.stopped = true
	c.reason = reason
	close(c.stopCh)
	return true
}

func (c *capture) appendFrame(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.buf = append(c.buf, frame...)
	c.frames++
	return true
}

func (c *capture) result(format audio.Format, speech bool) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Result{
		Utterance:      c.buf,
		Reason:         c.reason,
		Frames:         c.frames,
		Duration:       format.Duration(len(c.buf)),
		SpeechDetected: speech,
	}
}
