package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// wavFormatPCM is the RIFF audio format tag for uncompressed PCM.
const wavFormatPCM = 1

var (
	// ErrEmptyPCM is returned when asked to encode a zero-length buffer.
	ErrEmptyPCM = errors.New("audio: empty pcm buffer")

	// ErrInvalidWAV is returned by [DecodeWAV] for data that is not a RIFF/WAVE
	// PCM file.
	ErrInvalidWAV = errors.New("audio: invalid wav data")
)

// EncodeWAV wraps 16-bit PCM in a RIFF/WAV container held in memory. Used for
// uploading utterances to HTTP transcription backends.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	var sb seekBuffer
	if err := writeWAV(&sb, pcm, sampleRate, channels); err != nil {
		return nil, err
	}
	return sb.data, nil
}

// WriteWAVFile writes pcm to path as a 16-bit WAV file. A partially written
// file is removed on failure.
func WriteWAVFile(path string, pcm []byte, sampleRate, channels int) error {
	if len(pcm) == 0 {
		return ErrEmptyPCM
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create %q: %w", path, err)
	}
	if err := writeWAV(f, pcm, sampleRate, channels); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func writeWAV(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	if len(pcm) == 0 {
		return ErrEmptyPCM
	}
	if channels <= 0 {
		channels = 1
	}
	samples := Int16s(pcm)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: finalise wav: %w", err)
	}
	return nil
}

// DecodeWAV parses a WAV file and returns its samples as 16-bit little-endian
// PCM together with the sample rate and channel count. 8, 24 and 32-bit
// sources are rescaled to 16 bits.
func DecodeWAV(data []byte) (pcm []byte, sampleRate, channels int, err error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, 0, 0, ErrInvalidWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("audio: decode wav: %w", err)
	}

	samples := make([]int16, len(buf.Data))
	depth := int(dec.BitDepth)
	for i, v := range buf.Data {
		switch depth {
		case 8:
			samples[i] = int16((v - 128) << 8)
		case 24:
			samples[i] = int16(v >> 8)
		case 32:
			samples[i] = int16(v >> 16)
		default:
			samples[i] = int16(v)
		}
	}
	return FromInt16s(samples), int(dec.SampleRate), int(dec.NumChans), nil
}

// seekBuffer is an in-memory io.WriteSeeker; the WAV encoder seeks back to
// patch the RIFF and data chunk sizes once all samples are written.
type seekBuffer struct {
	data []byte
	pos  int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}
	copy(b.data[b.pos:], p)
	b.pos = end
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(b.pos) + offset
	case io.SeekEnd:
		abs = int64(len(b.data)) + offset
	default:
		return 0, errors.New("audio: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("audio: negative seek position")
	}
	b.pos = int(abs)
	return abs, nil
}
