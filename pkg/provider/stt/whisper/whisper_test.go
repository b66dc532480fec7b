package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/provider/stt"
	"github.com/MrWong99/attune/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

// newMockServer creates a test server that responds to POST /inference with a
// JSON body containing the provided responseText. It increments *callCount on
// every matched request.
func newMockServer(t *testing.T, responseText string, callCount *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if callCount != nil {
			callCount.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// makeSpeechPCM generates a 440 Hz sine wave with an RMS well above any
// silence threshold.
func makeSpeechPCM(samples int) []byte {
	const amplitude = 10_000.0
	buf := make([]byte, samples*2)
	for i := range samples {
		v := int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

// makeSilencePCM generates a zero-valued PCM buffer.
func makeSilencePCM(samples int) []byte {
	return make([]byte, samples*2)
}

// ---- provider construction --------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	t.Parallel()
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestNew_WithOptions_DoesNotError(t *testing.T) {
	t.Parallel()
	p, err := whisper.New("http://localhost:8080",
		whisper.WithModel("base.en"),
		whisper.WithLanguage("de"),
		whisper.WithHTTPClient(http.DefaultClient),
	)
	if err != nil || p == nil {
		t.Fatalf("New: %v", err)
	}
}

// ---- transcription ----------------------------------------------------------

func TestTranscribe_ReturnsServerText(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := newMockServer(t, "  I feel a bit anxious today. ", &calls)
	p, _ := whisper.New(srv.URL + "/")

	got, err := p.Transcribe(context.Background(), makeSpeechPCM(1600), 16000)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got != "I feel a bit anxious today." {
		t.Errorf("text = %q", got)
	}
	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1", calls.Load())
	}
}

func TestTranscribe_UploadsWAVAndFields(t *testing.T) {
	t.Parallel()

	pcm := makeSpeechPCM(320)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.FormValue("language") != "de" || r.FormValue("model") != "small" ||
			r.FormValue("prompt") != "Schlaf, Angst" || r.FormValue("response_format") != "json" {
			http.Error(w, "missing fields", http.StatusBadRequest)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		got, rate, _, err := audio.DecodeWAV(data)
		if err != nil || rate != 16000 || string(got) != string(pcm) {
			http.Error(w, "bad wav", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "ok"})
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL,
		whisper.WithLanguage("de"),
		whisper.WithModel("small"),
		whisper.WithPrompt("Schlaf, Angst"),
	)
	got, err := p.Transcribe(context.Background(), pcm, 16000)
	if err != nil || got != "ok" {
		t.Fatalf("Transcribe = %q, %v", got, err)
	}
}

func TestTranscribe_BlankAudioIsUnintelligible(t *testing.T) {
	t.Parallel()

	for _, text := range []string{"", "   ", "[BLANK_AUDIO]", " [silence] ", "[No speech]"} {
		srv := newMockServer(t, text, nil)
		p, _ := whisper.New(srv.URL)
		_, err := p.Transcribe(context.Background(), makeSilencePCM(1600), 16000)
		if !errors.Is(err, stt.ErrUnintelligible) {
			t.Errorf("text %q: err = %v, want ErrUnintelligible", text, err)
		}
	}
}

func TestTranscribe_EmptyPCMIsUnintelligible(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := newMockServer(t, "never", &calls)
	p, _ := whisper.New(srv.URL)
	_, err := p.Transcribe(context.Background(), nil, 16000)
	if !errors.Is(err, stt.ErrUnintelligible) {
		t.Errorf("err = %v, want ErrUnintelligible", err)
	}
	if calls.Load() != 0 {
		t.Error("server called for empty utterance")
	}
}

func TestTranscribe_ServerErrorIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	_, err := p.Transcribe(context.Background(), makeSpeechPCM(1600), 16000)
	if !errors.Is(err, stt.ErrServiceUnavailable) {
		t.Errorf("err = %v, want ErrServiceUnavailable", err)
	}
	if err != nil && !strings.Contains(err.Error(), "HTTP 503: overloaded") {
		t.Errorf("err = %v, want the status and server message", err)
	}
}

func TestTranscribe_UnreachableIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, _ := whisper.New(url)
	_, err := p.Transcribe(context.Background(), makeSpeechPCM(1600), 16000)
	var se *stt.Error
	if !errors.As(err, &se) || se.Kind != stt.KindServiceUnavailable || se.Provider != "whisper" {
		t.Errorf("err = %v, want whisper service_unavailable", err)
	}
}

func TestTranscribe_MalformedJSONIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	_, err := p.Transcribe(context.Background(), makeSpeechPCM(1600), 16000)
	if !errors.Is(err, stt.ErrServiceUnavailable) {
		t.Errorf("err = %v, want ErrServiceUnavailable", err)
	}
}
