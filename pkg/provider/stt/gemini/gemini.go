// Package gemini provides a transcriber that asks a Gemini model to
// transcribe an inline WAV utterance through the GenerateContent API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/provider/stt"
)

const (
	providerName = "gemini"

	// DefaultModel is used when no model is configured.
	DefaultModel = "gemini-2.0-flash"

	// noSpeechMarker is the reply the prompt asks for when nothing
	// intelligible was said.
	noSpeechMarker = "NO_SPEECH"

	transcribePrompt = "Transcribe the speech in this audio clip verbatim. " +
		"Reply with the transcript only. If there is no intelligible speech, reply with exactly " + noSpeechMarker + "."
)

// Compile-time assertion that Provider implements stt.Transcriber.
var _ stt.Transcriber = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*config)

type config struct {
	model    string
	baseURL  string
	language string
}

// WithModel overrides the Gemini model.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithBaseURL overrides the API base URL. Used by tests.
func WithBaseURL(u string) Option {
	return func(c *config) { c.baseURL = u }
}

// WithLanguage adds a language hint to the prompt (e.g. "German").
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// Provider implements stt.Transcriber on top of the Gemini API.
type Provider struct {
	client *genai.Client
	model  string
	prompt string
}

// New creates a Gemini transcriber. apiKey must be non-empty.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini stt: apiKey must not be empty")
	}
	cfg := config{model: DefaultModel}
	for _, o := range opts {
		o(&cfg)
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini stt: create client: %w", err)
	}

	prompt := transcribePrompt
	if cfg.language != "" {
		prompt += " The speaker talks " + cfg.language + "."
	}
	return &Provider{client: client, model: cfg.model, prompt: prompt}, nil
}

// Transcribe implements stt.Transcriber.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if len(pcm) == 0 {
		return "", stt.Unintelligible(providerName, audio.ErrEmptyPCM)
	}
	wav, err := audio.EncodeWAV(pcm, sampleRate, 1)
	if err != nil {
		return "", stt.Unavailable(providerName, err)
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(p.prompt),
			genai.NewPartFromBytes(wav, "audio/wav"),
		}, genai.RoleUser),
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0),
	})
	if err != nil {
		return "", stt.Unavailable(providerName, describe(err))
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" || strings.EqualFold(strings.Trim(text, ". "), noSpeechMarker) {
		return "", stt.Unintelligible(providerName, nil)
	}
	return text, nil
}

// describe adds the API status to Gemini errors.
func describe(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("generate content failed with %d %s: %w", apiErr.Code, apiErr.Status, err)
	}
	return fmt.Errorf("generate content: %w", err)
}
