// Package tts defines the Provider interface for Text-to-Speech backends.
//
// Attune uses TTS only in text response mode, where the model replies with
// text that should still be spoken aloud. SynthesizeStream accepts a channel
// of text fragments as they stream in from the live model and returns a
// channel of 16-bit mono PCM so that the first sentence can play while later
// ones are still being generated.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from text and returns a channel
	// that emits raw PCM as it is synthesised, at the sample rate reported by
	// SampleRate.
	//
	// The returned channel is closed when text is closed and all audio has
	// been emitted, when ctx is cancelled, or when synthesis fails. The caller
	// must drain it.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the voices the backend currently offers.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)

	// SampleRate is the rate of the PCM emitted by SynthesizeStream.
	SampleRate() int
}
