// Package mock provides a scripted tts.Provider for tests.
//
//	p := &mock.Provider{SynthesizeChunks: [][]byte{pcm}}
//	audio, _ := p.SynthesizeStream(ctx, text, voice)
//
// The provider reads the whole text stream before it emits any audio, so a
// test can inspect exactly what it was asked to say once the audio channel
// closes.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/attune/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// SynthesizeStreamCall is one recorded SynthesizeStream call.
type SynthesizeStreamCall struct {
	Voice tts.VoiceProfile

	// Text joins every fragment read. It is final once the audio channel of
	// this call has closed.
	Text string
}

// Provider is a scripted tts.Provider.
type Provider struct {
	// SynthesizeChunks are emitted after the text channel closes.
	SynthesizeChunks [][]byte

	// SynthesizeErr fails SynthesizeStream before any reading.
	SynthesizeErr error

	// ListVoicesResult and ListVoicesErr answer ListVoices.
	ListVoicesResult []tts.VoiceProfile
	ListVoicesErr    error

	// Rate answers SampleRate. Zero means 24000.
	Rate int

	// CallCountListVoices counts ListVoices calls.
	CallCountListVoices int

	mu    sync.Mutex
	calls []SynthesizeStreamCall
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	idx := len(p.calls)
	p.calls = append(p.calls, SynthesizeStreamCall{Voice: voice})
	err := p.SynthesizeErr
	chunks := append([][]byte(nil), p.SynthesizeChunks...)
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	out := make(chan []byte, len(chunks))
	go func() {
		defer close(out)

		said := readAll(ctx, text)
		p.mu.Lock()
		p.calls[idx].Text = said
		p.mu.Unlock()

		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// readAll joins fragments until text closes or ctx ends.
func readAll(ctx context.Context, text <-chan string) string {
	var sb strings.Builder
	for {
		select {
		case frag, ok := <-text:
			if !ok {
				return sb.String()
			}
			sb.WriteString(frag)
		case <-ctx.Done():
			return sb.String()
		}
	}
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountListVoices++
	return p.ListVoicesResult, p.ListVoicesErr
}

// SampleRate implements tts.Provider.
func (p *Provider) SampleRate() int {
	if p.Rate == 0 {
		return 24000
	}
	return p.Rate
}

// Calls returns a copy of the recorded SynthesizeStream calls.
func (p *Provider) Calls() []SynthesizeStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeStreamCall(nil), p.calls...)
}
