// Package mock provides a test double for the stt.Transcriber interface.
//
// Use Transcriber to script a sequence of results and to verify which
// utterances were submitted.
//
// Example:
//
//	tr := &mock.Transcriber{
//	    Results: []mock.Result{
//	        {Text: "hello"},
//	        {Err: stt.Unintelligible("mock", nil)},
//	    },
//	}
//	text, err := tr.Transcribe(ctx, pcm, 16000)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/attune/pkg/provider/stt"
)

// Result is one scripted Transcribe outcome.
type Result struct {
	Text string
	Err  error
}

// TranscribeCall records a single invocation of Transcriber.Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the audio passed to Transcribe.
	PCM []byte

	// SampleRate is the rate passed to Transcribe.
	SampleRate int
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Results are returned in order, one per call. Once exhausted, Default is
	// returned.
	Results []Result

	// Default is returned when Results is exhausted.
	Default Result

	// Delay, if positive, makes every call block for that long or until ctx
	// is done, whichever comes first.
	Delay time.Duration

	// --- Call records ---

	// Calls records every call to Transcribe in order.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the next scripted result. A
// cancelled context yields stt.ErrServiceUnavailable.
func (m *Transcriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	m.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	idx := len(m.Calls)
	m.Calls = append(m.Calls, TranscribeCall{PCM: cp, SampleRate: sampleRate})
	res := m.Default
	if idx < len(m.Results) {
		res = m.Results[idx]
	}
	delay := m.Delay
	m.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", stt.Unavailable("mock", ctx.Err())
		case <-t.C:
		}
	}
	return res.Text, res.Err
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (m *Transcriber) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (m *Transcriber) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)
