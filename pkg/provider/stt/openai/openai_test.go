package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/provider/stt"
)

func TestNew_EmptyKey(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}

func TestNew_DefaultModel(t *testing.T) {
	p, err := New("key", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != DefaultModel {
		t.Errorf("model = %q, want %q", p.model, DefaultModel)
	}
}

func newServer(t *testing.T, status int, body any, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.FormValue("model") != "whisper-1" || r.FormValue("language") != "en" {
			http.Error(w, "unexpected form fields", http.StatusBadRequest)
			return
		}
		if _, hdr, err := r.FormFile("file"); err != nil || hdr.Filename != "utterance.wav" {
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTranscribe(t *testing.T) {
	pcm := audio.FromInt16s([]int16{500, -500, 800, -800})

	t.Run("text", func(t *testing.T) {
		var calls atomic.Int32
		srv := newServer(t, http.StatusOK, map[string]string{"text": " Work has been stressful. "}, &calls)
		p, _ := New("key", "", WithBaseURL(srv.URL+"/"), WithLanguage("en"), WithMaxRetries(0))

		got, err := p.Transcribe(context.Background(), pcm, 16000)
		if err != nil {
			t.Fatalf("Transcribe: %v", err)
		}
		if got != "Work has been stressful." {
			t.Errorf("text = %q", got)
		}
	})

	t.Run("empty text is unintelligible", func(t *testing.T) {
		var calls atomic.Int32
		srv := newServer(t, http.StatusOK, map[string]string{"text": ""}, &calls)
		p, _ := New("key", "", WithBaseURL(srv.URL+"/"), WithLanguage("en"), WithMaxRetries(0))

		if _, err := p.Transcribe(context.Background(), pcm, 16000); !errors.Is(err, stt.ErrUnintelligible) {
			t.Errorf("err = %v, want ErrUnintelligible", err)
		}
	})

	t.Run("server error is unavailable", func(t *testing.T) {
		var calls atomic.Int32
		srv := newServer(t, http.StatusInternalServerError,
			map[string]any{"error": map[string]string{"message": "boom", "type": "server_error"}}, &calls)
		p, _ := New("key", "", WithBaseURL(srv.URL+"/"), WithLanguage("en"), WithMaxRetries(0))

		_, err := p.Transcribe(context.Background(), pcm, 16000)
		if !errors.Is(err, stt.ErrServiceUnavailable) {
			t.Errorf("err = %v, want ErrServiceUnavailable", err)
		}
		if calls.Load() != 1 {
			t.Errorf("server calls = %d, want 1 with retries disabled", calls.Load())
		}
	})

	t.Run("empty pcm", func(t *testing.T) {
		p, _ := New("key", "")
		if _, err := p.Transcribe(context.Background(), nil, 16000); !errors.Is(err, stt.ErrUnintelligible) {
			t.Errorf("err = %v, want ErrUnintelligible", err)
		}
	})
}
