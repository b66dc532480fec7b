package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/attune/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian PCM.
func samplesToBytes(samples ...int16) []byte {
	return audio.FromInt16s(samples)
}

func TestRMS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pcm  []byte
		want float64
	}{
		{name: "empty", pcm: nil, want: 0},
		{name: "odd trailing byte ignored", pcm: []byte{0x10}, want: 0},
		{name: "silence", pcm: samplesToBytes(0, 0, 0, 0), want: 0},
		{name: "constant", pcm: samplesToBytes(300, -300, 300, -300), want: 300},
		{name: "mixed", pcm: samplesToBytes(3, 4), want: math.Sqrt(12.5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.RMS(tt.pcm)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("RMS = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInt16sRoundTrip(t *testing.T) {
	t.Parallel()
	in := []int16{0, 1, -1, 32767, -32768}
	got := audio.Int16s(audio.FromInt16s(in))
	if len(got) != len(in) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], in[i])
		}
	}
}

func TestFloat32s(t *testing.T) {
	t.Parallel()
	got := audio.Float32s(samplesToBytes(-32768, 0, 16384))
	want := []float32{-1, 0, 0.5}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	got := audio.Int16s(audio.StereoToMono(samplesToBytes(100, 200, -100, -200)))
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes(100, 200, 300)
	out := audio.ResampleMono16(pcm, 24000, 24000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	t.Parallel()
	// 2 samples at 16kHz → 3 samples at 24kHz
	got := audio.Int16s(audio.ResampleMono16(samplesToBytes(1000, 2000), 16000, 24000))
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	t.Parallel()
	got := audio.Int16s(audio.ResampleMono16(samplesToBytes(100, 200, 300, 400, 500, 600), 48000, 16000))
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()
	f := audio.CaptureFormat()
	if got := f.FrameBytes(); got != 2048 {
		t.Errorf("FrameBytes = %d, want 2048", got)
	}
	if got := f.Duration(32000); got.Seconds() != 1 {
		t.Errorf("Duration(32000) = %v, want 1s", got)
	}
	if got := (audio.Format{}).Duration(100); got != 0 {
		t.Errorf("zero format Duration = %v, want 0", got)
	}
}
