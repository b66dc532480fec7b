// Package render delivers the model's streamed replies to the user.
//
// A [Renderer] receives the events of one reply turn in arrival order,
// followed by exactly one [Renderer.TurnDone]. Implementations decide what to
// do with them: print text, play audio, speak text through a TTS provider, or
// any combination via [Multi].
//
// Renderers are driven by a single goroutine (the session loop) and need not
// be safe for concurrent use unless stated otherwise.
package render

// Renderer consumes reply events.
type Renderer interface {
	// RenderText presents a text fragment.
	RenderText(text string)

	// RenderAudio presents a chunk of 16-bit mono PCM at 24 kHz.
	RenderAudio(pcm []byte)

	// TurnDone ends the current turn. It is called once per turn, including
	// turns cut short by a dropped connection.
	TurnDone()

	// Close releases any devices held by the renderer.
	Close() error
}

// Interrupter is implemented by renderers whose TurnDone waits for output to
// finish playing. After Interrupt the pending TurnDone returns promptly and
// the rest of the turn is dropped.
type Interrupter interface {
	Interrupt()
}

// Notifier is implemented by renderers that can show out-of-band messages to
// the user, such as a re-prompt after empty input.
type Notifier interface {
	Notify(msg string)
}
