package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/attune/pkg/provider/live"
	"github.com/MrWong99/attune/pkg/provider/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete reads the setup message and sends the server-side ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var setup map[string]any
	readJSON(t, conn, &setup)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

func newProvider(srv *httptest.Server, opts ...gemini.Option) *gemini.Provider {
	return gemini.New("test-api-key", append([]gemini.Option{gemini.WithBaseURL(wsURL(srv))}, opts...)...)
}

func connect(t *testing.T, p *gemini.Provider, cfg live.SessionConfig) live.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := p.Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// collect drains events until the channel closes or a turn completes.
func collect(t *testing.T, c live.Conn) []live.Event {
	t.Helper()
	var got []live.Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
			if ev.Kind == live.EventTurnComplete {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out collecting events, have %d", len(got))
		}
	}
}

func waitClosed(t *testing.T, c live.Conn) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("events channel not closed")
		}
	}
}

type setupFrame struct {
	Setup struct {
		Model            string `json:"model"`
		GenerationConfig struct {
			ResponseModalities []string `json:"responseModalities"`
			SpeechConfig       *struct {
				VoiceConfig struct {
					PrebuiltVoiceConfig struct {
						VoiceName string `json:"voiceName"`
					} `json:"prebuiltVoiceConfig"`
				} `json:"voiceConfig"`
			} `json:"speechConfig"`
		} `json:"generationConfig"`
		SystemInstruction *struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"systemInstruction"`
	} `json:"setup"`
}

// ── Setup ─────────────────────────────────────────────────────────────────────

func TestConnect_Setup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		cfg          live.SessionConfig
		opts         []gemini.Option
		wantModel    string
		wantModality string
		wantVoice    string
	}{
		{
			name:         "text defaults",
			cfg:          live.SessionConfig{Instructions: "Be kind."},
			wantModel:    "models/gemini-2.0-flash-exp",
			wantModality: "TEXT",
		},
		{
			name:         "audio uses default voice",
			cfg:          live.SessionConfig{Modality: live.ModalityAudio, Instructions: "Be kind."},
			wantModel:    "models/gemini-2.0-flash-exp",
			wantModality: "AUDIO",
			wantVoice:    "Kore",
		},
		{
			name:         "audio with explicit voice and model",
			cfg:          live.SessionConfig{Modality: live.ModalityAudio, Voice: "Puck", Instructions: "Be kind."},
			opts:         []gemini.Option{gemini.WithModel("custom-live")},
			wantModel:    "models/custom-live",
			wantModality: "AUDIO",
			wantVoice:    "Puck",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			frames := make(chan setupFrame, 1)
			srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
				var f setupFrame
				readJSON(t, conn, &f)
				frames <- f
				writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
				<-conn.CloseRead(context.Background()).Done()
			})

			connect(t, newProvider(srv, tt.opts...), tt.cfg)
			f := <-frames

			if f.Setup.Model != tt.wantModel {
				t.Errorf("model = %q, want %q", f.Setup.Model, tt.wantModel)
			}
			if m := f.Setup.GenerationConfig.ResponseModalities; len(m) != 1 || m[0] != tt.wantModality {
				t.Errorf("modalities = %v, want [%s]", m, tt.wantModality)
			}
			if si := f.Setup.SystemInstruction; si == nil || len(si.Parts) != 1 || si.Parts[0].Text != "Be kind." {
				t.Errorf("systemInstruction = %+v", si)
			}
			sc := f.Setup.GenerationConfig.SpeechConfig
			switch {
			case tt.wantVoice == "" && sc != nil:
				t.Errorf("unexpected speechConfig %+v", sc)
			case tt.wantVoice != "" && (sc == nil || sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName != tt.wantVoice):
				t.Errorf("speechConfig = %+v, want voice %q", sc, tt.wantVoice)
			}
		})
	}
}

func TestConnect_Endpoint(t *testing.T) {
	t.Parallel()

	reqs := make(chan *http.Request, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		reqs <- r
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, newProvider(srv, gemini.WithAPIVersion("v1beta")), live.SessionConfig{})
	r := <-reqs
	if !strings.Contains(r.URL.Path, "google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent") {
		t.Errorf("path = %q", r.URL.Path)
	}
	if got := r.URL.Query().Get("key"); got != "test-api-key" {
		t.Errorf("key = %q, want test-api-key", got)
	}
}

func TestConnect_SetupServerError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		code          int
		status        string
		wantTransient bool
	}{
		{"permission denied", 403, "PERMISSION_DENIED", false},
		{"invalid argument", 400, "INVALID_ARGUMENT", false},
		{"unavailable", 503, "UNAVAILABLE", true},
		{"internal status only", 0, "INTERNAL", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
				var setup map[string]any
				readJSON(t, conn, &setup)
				writeJSON(t, conn, map[string]any{
					"error": map[string]any{"code": tt.code, "message": "nope", "status": tt.status},
				})
				<-conn.CloseRead(context.Background()).Done()
			})

			_, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
			var le *live.Error
			if !errors.As(err, &le) {
				t.Fatalf("err = %v, want *live.Error", err)
			}
			if le.Op != "setup" {
				t.Errorf("Op = %q, want setup", le.Op)
			}
			if got := live.IsTransient(err); got != tt.wantTransient {
				t.Errorf("IsTransient = %v, want %v (%v)", got, tt.wantTransient, err)
			}
		})
	}
}

func TestConnect_SetupTimeout(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		<-conn.CloseRead(context.Background()).Done()
	})

	_, err := newProvider(srv, gemini.WithSetupTimeout(50*time.Millisecond)).
		Connect(context.Background(), live.SessionConfig{})
	if !live.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestConnect_HandshakeRejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{"unauthorized", http.StatusUnauthorized, false},
		{"forbidden", http.StatusForbidden, false},
		{"rate limited", http.StatusTooManyRequests, true},
		{"unavailable", http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			t.Cleanup(srv.Close)

			_, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
			var le *live.Error
			if !errors.As(err, &le) {
				t.Fatalf("err = %v, want *live.Error", err)
			}
			if le.Code != tt.status {
				t.Errorf("Code = %d, want %d", le.Code, tt.status)
			}
			if got := live.IsTransient(err); got != tt.wantTransient {
				t.Errorf("IsTransient = %v, want %v", got, tt.wantTransient)
			}
		})
	}
}

func TestConnect_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	_, err := gemini.New("k", gemini.WithBaseURL(url)).Connect(context.Background(), live.SessionConfig{})
	if !live.IsTransient(err) {
		t.Fatalf("err = %v, want transient network error", err)
	}
}

func TestConnect_ContextCancelled(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newProvider(srv).Connect(ctx, live.SessionConfig{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if live.IsTransient(err) {
		t.Error("cancellation must not be transient")
	}
}

// ── Turns ─────────────────────────────────────────────────────────────────────

func TestSend_ReplyEvents(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4}
	type turnFrame struct {
		ClientContent struct {
			Turns []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"turns"`
			TurnComplete bool `json:"turnComplete"`
		} `json:"clientContent"`
	}
	frames := make(chan turnFrame, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		var f turnFrame
		readJSON(t, conn, &f)
		frames <- f
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"text": "Hello, "},
				map[string]any{"inlineData": map[string]any{
					"mimeType": "audio/pcm;rate=24000",
					"data":     base64.StdEncoding.EncodeToString(pcm),
				}},
			}},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{map[string]any{"text": "friend."}}},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	c := connect(t, newProvider(srv), live.SessionConfig{})
	if err := c.Send(context.Background(), "I feel anxious.", true); err != nil {
		t.Fatalf("Send: %v", err)
	}

	f := <-frames
	if len(f.ClientContent.Turns) != 1 {
		t.Fatalf("turns = %+v", f.ClientContent.Turns)
	}
	turn := f.ClientContent.Turns[0]
	if turn.Role != "user" || len(turn.Parts) != 1 || turn.Parts[0].Text != "I feel anxious." {
		t.Errorf("turn = %+v", turn)
	}
	if !f.ClientContent.TurnComplete {
		t.Error("turnComplete = false, want true")
	}

	got := collect(t, c)
	want := []live.EventKind{live.EventText, live.EventAudio, live.EventText, live.EventTurnComplete}
	if len(got) != len(want) {
		t.Fatalf("events = %+v, want kinds %v", got, want)
	}
	for i, k := range want {
		if got[i].Kind != k {
			t.Errorf("event[%d].Kind = %v, want %v", i, got[i].Kind, k)
		}
	}
	if got[0].Text+got[2].Text != "Hello, friend." {
		t.Errorf("text = %q", got[0].Text+got[2].Text)
	}
	if string(got[1].Audio) != string(pcm) {
		t.Errorf("audio = %v, want %v", got[1].Audio, pcm)
	}
}

func TestReceive_CloseClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		status        websocket.StatusCode
		wantTransient bool
	}{
		{"internal error", websocket.StatusInternalError, true},
		{"try again later", websocket.StatusTryAgainLater, true},
		{"going away", websocket.StatusGoingAway, true},
		{"normal closure", websocket.StatusNormalClosure, true},
		{"policy violation", websocket.StatusPolicyViolation, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
				sendSetupComplete(t, conn)
				conn.Close(tt.status, "bye")
			})

			c := connect(t, newProvider(srv), live.SessionConfig{})
			waitClosed(t, c)

			err := c.Err()
			if err == nil {
				t.Fatal("Err() = nil after server closure")
			}
			if got := live.IsTransient(err); got != tt.wantTransient {
				t.Errorf("IsTransient = %v, want %v (%v)", got, tt.wantTransient, err)
			}
			if sendErr := c.Send(context.Background(), "hello?", true); live.IsTransient(sendErr) != tt.wantTransient {
				t.Errorf("Send after closure = %v, want transient=%v", sendErr, tt.wantTransient)
			}
		})
	}
}

func TestReceive_ServerErrorMessage(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 500, "message": "Internal error occurred.", "status": "INTERNAL"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	c := connect(t, newProvider(srv), live.SessionConfig{})
	waitClosed(t, c)

	err := c.Err()
	if !live.IsTransient(err) {
		t.Fatalf("Err() = %v, want transient", err)
	}
	if !strings.Contains(err.Error(), "Internal error occurred.") {
		t.Errorf("Err() = %q, want server message", err)
	}
}

func TestReceive_SkipsMalformedFrames(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm", "data": "!!!"}},
				map[string]any{"text": "still here"},
			}},
			"turnComplete": true,
		}})
		<-conn.CloseRead(context.Background()).Done()
	})

	c := connect(t, newProvider(srv), live.SessionConfig{})
	got := collect(t, c)
	if len(got) != 2 || got[0].Text != "still here" || got[1].Kind != live.EventTurnComplete {
		t.Fatalf("events = %+v", got)
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := connect(t, newProvider(srv), live.SessionConfig{})
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	waitClosed(t, c)
	if err := c.Err(); err != nil {
		t.Errorf("Err() = %v after caller close, want nil", err)
	}

	err := c.Send(context.Background(), "late", true)
	if !errors.Is(err, live.ErrClosed) || !live.IsTransient(err) {
		t.Errorf("Send after Close = %v, want transient ErrClosed", err)
	}
}
