// Package vad implements an amplitude-gated voice activity detector.
//
// A [Detector] classifies each 16-bit PCM frame as speech or silence by
// comparing its RMS amplitude against a fixed threshold, and tracks whether
// speech has started and how many consecutive silent frames have followed it.
// The caller decides what to do with that information; the recorder uses
// [Detector.ShouldStop] to end an utterance.
//
// The detector is synchronous and allocation-free. A Detector is not safe for
// concurrent use: it belongs to the goroutine that feeds it frames.
package vad

import (
	"fmt"

	"github.com/MrWong99/attune/pkg/audio"
)

// Default tuning, matching a quiet room and a 1024-sample frame at 16 kHz
// (32 frames is a little over two seconds of trailing silence).
const (
	DefaultThreshold    = 200
	DefaultSilenceLimit = 32
)

// Classification is the result of classifying one frame.
type Classification int

const (
	// Silence means the frame's RMS amplitude is at or below the threshold.
	Silence Classification = iota

	// Speech means the frame's RMS amplitude is above the threshold.
	Speech
)

// String implements fmt.Stringer.
func (c Classification) String() string {
	switch c {
	case Silence:
		return "silence"
	case Speech:
		return "speech"
	default:
		return fmt.Sprintf("Classification(%d)", int(c))
	}
}

// Config holds detector tuning. Zero values select the defaults.
type Config struct {
	// Threshold is the RMS amplitude, in 16-bit sample units, above which a
	// frame counts as speech.
	Threshold float64

	// SilenceLimit is the number of consecutive silent frames after speech
	// that ends an utterance.
	SilenceLimit int
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.SilenceLimit <= 0 {
		c.SilenceLimit = DefaultSilenceLimit
	}
	return c
}

// Detector tracks speech onset and trailing silence across a stream of frames.
type Detector struct {
	cfg Config

	speechStarted bool
	silentRun     int
	level         float64
}

// New returns a Detector with cfg applied over the defaults.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }

// Classify measures frame and updates the counters. A speech frame marks
// speech as started and resets the silent run; a silent frame after speech
// has started extends it. Silence before any speech is not counted.
func (d *Detector) Classify(frame []byte) Classification {
	d.level = audio.RMS(frame)
	if d.level > d.cfg.Threshold {
		d.speechStarted = true
		d.silentRun = 0
		return Speech
	}
	if d.speechStarted {
		d.silentRun++
	}
	return Silence
}

// ShouldStop reports whether speech has started and has been followed by at
// least SilenceLimit consecutive silent frames.
func (d *Detector) ShouldStop() bool {
	return d.speechStarted && d.silentRun >= d.cfg.SilenceLimit
}

// SpeechStarted reports whether any frame since the last Reset was speech.
func (d *Detector) SpeechStarted() bool { return d.speechStarted }

// SilentRun returns the number of consecutive silent frames since the last
// speech frame.
func (d *Detector) SilentRun() int { return d.silentRun }

// Level returns the RMS amplitude of the most recently classified frame.
func (d *Detector) Level() float64 { return d.level }

// Reset clears all state so the detector can be reused for a new utterance.
func (d *Detector) Reset() {
	d.speechStarted = false
	d.silentRun = 0
	d.level = 0
}
