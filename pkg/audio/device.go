// Package audio defines the local audio device abstractions and PCM helpers
// used by Attune.
//
// The two device abstractions mirror each other:
//
//   - [CaptureDevice] opens an [InputStream] that yields fixed-size PCM frames
//     from a microphone.
//   - [PlaybackDevice] opens an [OutputStream] that accepts PCM for a speaker.
//
// Devices are explicitly owned resources: callers open a stream at the start of
// a recording or a response turn and must Close it on every exit path.
// Hardware-backed implementations live in audio/portaudio; test doubles live in
// audio/mock.
package audio

// InputStream is an open capture stream.
//
// Read blocks until the next full frame is available and returns a fresh byte
// slice that the caller owns. Read and Close must not be called concurrently;
// the owner is expected to stop reading before closing.
type InputStream interface {
	// Read returns the next frame of PCM in the format the stream was opened
	// with. Returns an error if the device fails or the stream is closed.
	Read() ([]byte, error)

	// Close stops the stream and releases the device handle. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// OutputStream is an open playback stream.
type OutputStream interface {
	// Write plays pcm, blocking until it has been handed to the device.
	// Partial trailing frames are padded with silence.
	Write(pcm []byte) error

	// Close drains and releases the device handle. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// CaptureDevice is a microphone. Implementations must be safe to Open again
// after a previous stream has been closed.
type CaptureDevice interface {
	// Open starts capturing with the given format.
	Open(format Format) (InputStream, error)
}

// PlaybackDevice is a speaker.
type PlaybackDevice interface {
	// Open prepares the device for playback with the given format.
	Open(format Format) (OutputStream, error)
}
