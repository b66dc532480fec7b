// Package whisper transcribes utterances with whisper.cpp.
//
// [Provider] posts each utterance as a WAV upload to a running whisper-server
// (POST /inference). [NativeProvider] links the library through its CGO
// bindings and needs no server. Both are batch engines, which is exactly the
// one-utterance-per-call [stt.Transcriber] contract.
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	text, err := p.Transcribe(ctx, pcm, 16000)
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/provider/stt"
)

const (
	providerName      = "whisper"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// maxErrorBody caps how much of a failed response ends up in the error.
	maxErrorBody = 512
)

var _ stt.Transcriber = (*Provider)(nil)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel names the model the server should use. Empty leaves the server's
// startup model, which is the default.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the spoken language, e.g. "en" or "de". Default "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithPrompt primes the decoder with text, e.g. words the user is likely to
// say. whisper.cpp calls this the initial prompt.
func WithPrompt(prompt string) Option {
	return func(p *Provider) { p.prompt = prompt }
}

// WithHTTPClient replaces the default client, which times out after 30s.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider is a [stt.Transcriber] for the whisper.cpp HTTP server.
type Provider struct {
	endpoint string
	model    string
	language string
	prompt   string
	client   *http.Client
}

// New returns a Provider for the server at serverURL, e.g.
// "http://localhost:8080".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		endpoint: strings.TrimRight(serverURL, "/") + "/inference",
		language: defaultLanguage,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements [stt.Transcriber].
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if len(pcm) == 0 {
		return "", stt.Unintelligible(providerName, audio.ErrEmptyPCM)
	}
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	wav, err := audio.EncodeWAV(pcm, sampleRate, 1)
	if err != nil {
		return "", stt.Unavailable(providerName, err)
	}

	body, contentType, err := p.form(wav)
	if err != nil {
		return "", stt.Unavailable(providerName, fmt.Errorf("build form: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, body)
	if err != nil {
		return "", stt.Unavailable(providerName, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", stt.Unavailable(providerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", stt.Unavailable(providerName,
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", stt.Unavailable(providerName, fmt.Errorf("decode response: %w", err))
	}
	return cleanText(out.Text)
}

// form builds the multipart upload whisper-server expects.
func (p *Provider) form(wav []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, "", err
	}

	fields := [][2]string{
		{"response_format", "json"},
		{"language", p.language},
		{"model", p.model},
		{"prompt", p.prompt},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("field %s: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// blankMarkers are what whisper emits for audio without speech.
var blankMarkers = []string{"[BLANK_AUDIO]", "(SILENCE)", "[SILENCE]", "[NO SPEECH]"}

// cleanText trims whisper output; nothing but a blank marker is
// [stt.ErrUnintelligible].
func cleanText(text string) (string, error) {
	text = strings.TrimSpace(text)
	for _, m := range blankMarkers {
		if strings.EqualFold(text, m) {
			text = ""
			break
		}
	}
	if text == "" {
		return "", stt.Unintelligible(providerName, nil)
	}
	return text, nil
}
