package audio

import "time"

// BytesPerSample is the width of one 16-bit signed little-endian PCM sample.
const BytesPerSample = 2

// Default formats used by the voice pipeline. Capture runs at 16 kHz (what the
// transcription backends expect); the live model returns speech at 24 kHz.
const (
	DefaultCaptureRate  = 16000
	DefaultPlaybackRate = 24000
	DefaultFrameSize    = 1024
)

// Format describes a raw PCM stream: 16-bit signed little-endian samples.
type Format struct {
	// SampleRate in Hz (e.g., 16000 for capture, 24000 for model playback).
	SampleRate int

	// Channels: 1 for mono. The pipeline only ever captures mono.
	Channels int

	// FrameSize is the number of samples per channel in one frame.
	FrameSize int
}

// CaptureFormat returns the default microphone format: 16 kHz mono, 1024
// samples per frame.
func CaptureFormat() Format {
	return Format{SampleRate: DefaultCaptureRate, Channels: 1, FrameSize: DefaultFrameSize}
}

// PlaybackFormat returns the default speaker format for model audio.
func PlaybackFormat() Format {
	return Format{SampleRate: DefaultPlaybackRate, Channels: 1, FrameSize: DefaultFrameSize}
}

// FrameBytes returns the byte length of one frame in this format.
func (f Format) FrameBytes() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return f.FrameSize * ch * BytesPerSample
}

// Duration returns the playback length of n bytes of PCM in this format.
// Returns 0 for an invalid format.
func (f Format) Duration(n int) time.Duration {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	if f.SampleRate <= 0 {
		return 0
	}
	samples := n / (BytesPerSample * ch)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// AudioFrame is a single fixed-size chunk of captured PCM. Frames are produced
// by an [InputStream], consumed immediately by voice activity detection, and
// appended to the utterance buffer.
type AudioFrame struct {
	// Data is the raw PCM payload.
	Data []byte

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}
