package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/internal/recorder"
	"github.com/MrWong99/attune/internal/session"
	"github.com/MrWong99/attune/internal/transcript"
	"github.com/MrWong99/attune/pkg/vad"
)

// Compile-time interface assertions.
var (
	_ session.Input = (*TextInput)(nil)
	_ session.Input = (*VoiceInput)(nil)
)

// UserPrompt precedes every typed user turn.
const UserPrompt = "You> "

// ─── Text input ──────────────────────────────────────────────────────────────

type line struct {
	text string
	err  error
}

// lineReader scans lines of in on a background goroutine started on first
// use. The channel holds one line ahead of the consumer; Close releases the
// goroutine once its current read returns.
type lineReader struct {
	in io.Reader

	once  sync.Once
	lines chan line

	closeOnce sync.Once
	done      chan struct{}
}

func newLineReader(in io.Reader) *lineReader {
	return &lineReader{in: in, done: make(chan struct{})}
}

// C returns the line channel. It is closed at end of input or after Close.
func (r *lineReader) C() <-chan line {
	r.once.Do(r.start)
	return r.lines
}

func (r *lineReader) start() {
	r.lines = make(chan line, 1)
	go func() {
		defer close(r.lines)
		sc := bufio.NewScanner(r.in)
		for sc.Scan() {
			if !r.send(line{text: sc.Text()}) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			r.send(line{err: err})
		}
	}()
}

func (r *lineReader) send(l line) bool {
	select {
	case r.lines <- l:
		return true
	case <-r.done:
		return false
	}
}

// Close stops delivering lines. It is safe to call more than once.
func (r *lineReader) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}

// TextInput reads one user turn per line.
//
// The underlying reader is consumed by a background goroutine started on the
// first call to Next, so a cancelled context unblocks Next even while the
// terminal is waiting for a line.
type TextInput struct {
	lines  *lineReader
	out    io.Writer
	prompt string
}

// NewTextInput returns a TextInput reading from in and prompting on out.
func NewTextInput(in io.Reader, out io.Writer) *TextInput {
	return &TextInput{lines: newLineReader(in), out: out, prompt: UserPrompt}
}

// Next implements [session.Input]. End of input yields [io.EOF].
func (t *TextInput) Next(ctx context.Context) (string, error) {
	lines := t.lines.C()
	fmt.Fprint(t.out, t.prompt)

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case l, ok := <-lines:
		if !ok {
			fmt.Fprintln(t.out)
			return "", io.EOF
		}
		if l.err != nil {
			return "", fmt.Errorf("app: read input: %w", l.err)
		}
		return strings.TrimSpace(l.text), nil
	}
}

// Close releases the background reader.
func (t *TextInput) Close() error { return t.lines.Close() }

// ─── Voice input ─────────────────────────────────────────────────────────────

// VoiceInput records one utterance per turn and transcribes it.
//
// A recording without speech, or one whose transcription fell back to a
// placeholder, yields an empty turn: the placeholder is shown to the user and
// the session re-prompts instead of forwarding it to the model.
type VoiceInput struct {
	rec     *recorder.Recorder
	adapter *transcript.Adapter
	out     io.Writer
	metrics *observe.Metrics
	meter   *LevelMeter
	enter   *lineReader
}

// VoiceOption configures a [VoiceInput].
type VoiceOption func(*VoiceInput)

// WithVoiceMetrics records utterance stop reasons on m.
func WithVoiceMetrics(m *observe.Metrics) VoiceOption {
	return func(v *VoiceInput) { v.metrics = m }
}

// WithLevelMeter draws the live microphone level while recording. The meter
// must also be passed to the recorder as its OnLevel callback.
func WithLevelMeter(m *LevelMeter) VoiceOption {
	return func(v *VoiceInput) { v.meter = m }
}

// WithStopOnEnter ends a recording when a line is read from in, so the user
// can press Enter instead of waiting for the silence cutoff.
func WithStopOnEnter(in io.Reader) VoiceOption {
	return func(v *VoiceInput) { v.enter = newLineReader(in) }
}

// NewVoiceInput returns a VoiceInput that captures with rec, transcribes with
// adapter and writes status lines to out.
func NewVoiceInput(rec *recorder.Recorder, adapter *transcript.Adapter, out io.Writer, opts ...VoiceOption) *VoiceInput {
	v := &VoiceInput{rec: rec, adapter: adapter, out: out}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Next implements [session.Input]. Device failures and cancellation are
// returned as errors; everything else yields a turn, possibly empty.
func (v *VoiceInput) Next(ctx context.Context) (string, error) {
	if v.enter != nil {
		fmt.Fprintln(v.out, "Listening... (pause or press Enter when you're done speaking)")
	} else {
		fmt.Fprintln(v.out, "Listening... (pause to finish speaking)")
	}

	res, err := v.record(ctx)
	if v.meter != nil {
		v.meter.Finish()
	}
	if err != nil {
		return "", err
	}
	if v.metrics != nil {
		v.metrics.RecordUtterance(ctx, res.Reason.String())
	}
	observe.Logger(ctx).Debug("app: utterance captured",
		"reason", res.Reason,
		"frames", res.Frames,
		"duration", res.Duration,
		"speech", res.SpeechDetected,
	)
	if !res.SpeechDetected {
		return "", nil
	}

	var out transcript.Outcome
	select {
	case out = <-v.adapter.TranscribeAsync(ctx, res.Utterance):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if out.Fallback {
		fmt.Fprintln(v.out, out.Text)
		return "", nil
	}
	fmt.Fprintf(v.out, "%s%s\n", UserPrompt, out.Text)
	return out.Text, nil
}

// record captures one utterance, stopping it early on Enter if enabled.
func (v *VoiceInput) record(ctx context.Context) (recorder.Result, error) {
	if v.enter == nil {
		return v.rec.Record(ctx)
	}

	// Lines typed before the recording started do not stop it.
	lines := v.enter.C()
drain:
	for {
		select {
		case _, ok := <-lines:
			if !ok {
				lines = nil
				break drain
			}
		default:
			break drain
		}
	}

	ch, err := v.rec.Start(ctx)
	if err != nil {
		return recorder.Result{}, err
	}
	select {
	case res := <-ch:
		return res, res.Err
	case _, ok := <-lines:
		if ok {
			v.rec.Stop()
		}
	}
	res := <-ch
	return res, res.Err
}

// Close releases the Enter key reader, if any.
func (v *VoiceInput) Close() error {
	if v.enter == nil {
		return nil
	}
	return v.enter.Close()
}

// ─── Level meter ─────────────────────────────────────────────────────────────

const meterWidth = 30

// LevelMeter draws a one-line bar of the microphone level. Update is called
// from the capture goroutine; Finish from the session goroutine.
type LevelMeter struct {
	mu       sync.Mutex
	w        io.Writer
	full     float64
	drawn    bool
	lastBars int
}

// NewLevelMeter returns a meter writing to w. A level of full or more fills
// the bar; four times the silence threshold reads well in practice.
func NewLevelMeter(w io.Writer, full float64) *LevelMeter {
	if full <= 0 {
		full = 4 * vad.DefaultThreshold
	}
	return &LevelMeter{w: w, full: full, lastBars: -1}
}

// Update is a [recorder.Config] OnLevel callback.
func (m *LevelMeter) Update(level float64, c vad.Classification) {
	bars := int(level / m.full * meterWidth)
	bars = min(max(bars, 0), meterWidth)

	m.mu.Lock()
	defer m.mu.Unlock()
	if bars == m.lastBars {
		return
	}
	m.lastBars = bars
	m.drawn = true
	mark := ' '
	if c == vad.Speech {
		mark = '*'
	}
	fmt.Fprintf(m.w, "\r[%s%s] %c", strings.Repeat("#", bars), strings.Repeat(" ", meterWidth-bars), mark)
}

// Finish ends the meter line, if one was drawn.
func (m *LevelMeter) Finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.drawn {
		fmt.Fprintln(m.w)
	}
	m.drawn = false
	m.lastBars = -1
}
