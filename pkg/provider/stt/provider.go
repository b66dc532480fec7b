// Package stt defines the Transcriber interface for Speech-to-Text backends.
//
// A Transcriber converts one complete utterance (16-bit little-endian mono
// PCM, already cut by voice activity detection) into text in a single
// blocking call. Failures are reported as [*Error] values tagged with a
// [Kind], so that callers can tell "nothing intelligible was said" apart from
// "the service could not be reached" with [errors.Is] instead of inspecting
// messages.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Transcriber is the abstraction over any STT backend.
type Transcriber interface {
	// Transcribe returns the text spoken in pcm, recorded at sampleRate Hz.
	//
	// An empty or silent utterance yields an error matching
	// [ErrUnintelligible]. Transport, quota and server failures yield an error
	// matching [ErrServiceUnavailable]. Implementations must honour ctx
	// cancellation.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}

// Func adapts an ordinary function to the [Transcriber] interface.
type Func func(ctx context.Context, pcm []byte, sampleRate int) (string, error)

// Transcribe implements [Transcriber].
func (f Func) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	return f(ctx, pcm, sampleRate)
}
