// Package deepgram transcribes finished utterances with Deepgram's
// pre-recorded /v1/listen endpoint.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/provider/stt"
)

const (
	providerName    = "deepgram"
	defaultEndpoint = "https://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"
	defaultLanguage = "en"

	// maxErrorBody caps how much of a failed response ends up in an error.
	maxErrorBody = 512
)

var _ stt.Transcriber = (*Provider)(nil)

// Provider is a [stt.Transcriber] backed by the Deepgram REST API.
type Provider struct {
	apiKey        string
	endpoint      string
	model         string
	language      string
	keywords      []string
	minConfidence float64
	client        *http.Client
}

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the model, for example "nova-3" or "base".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language, for example "en" or "de-DE".
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithKeywords boosts uncommon words such as the user's name. Entries are
// "word" or "word:boost".
func WithKeywords(keywords ...string) Option {
	return func(p *Provider) { p.keywords = append(p.keywords, keywords...) }
}

// WithMinConfidence treats transcripts below c (0..1) as unintelligible.
func WithMinConfidence(c float64) Option {
	return func(p *Provider) { p.minConfidence = c }
}

// WithEndpoint overrides the API URL.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		endpoint: defaultEndpoint,
		model:    defaultModel,
		language: defaultLanguage,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	if _, err := url.Parse(p.endpoint); err != nil {
		return nil, fmt.Errorf("deepgram: endpoint: %w", err)
	}
	return p, nil
}

// query returns the recognition parameters sent with every request.
func (p *Provider) query() url.Values {
	q := url.Values{}
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	for _, kw := range p.keywords {
		q.Add("keywords", kw)
	}
	return q
}

// requestURL merges query into the endpoint, keeping any parameters the
// endpoint already carries.
func (p *Provider) requestURL() string {
	u, _ := url.Parse(p.endpoint) // validated in New
	q := u.Query()
	for k, vs := range p.query() {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type listenResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []alternative `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

type alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// best returns the top alternative of the first channel.
func (r *listenResponse) best() (alternative, bool) {
	if len(r.Results.Channels) == 0 || len(r.Results.Channels[0].Alternatives) == 0 {
		return alternative{}, false
	}
	return r.Results.Channels[0].Alternatives[0], true
}

// Transcribe uploads pcm as a WAV file and returns the top transcript.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if len(pcm) == 0 {
		return "", stt.Unintelligible(providerName, audio.ErrEmptyPCM)
	}
	wav, err := audio.EncodeWAV(pcm, sampleRate, 1)
	if err != nil {
		return "", stt.Unavailable(providerName, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.requestURL(), bytes.NewReader(wav))
	if err != nil {
		return "", stt.Unavailable(providerName, err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", stt.Unavailable(providerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", stt.Unavailable(providerName,
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	var lr listenResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", stt.Unavailable(providerName, fmt.Errorf("decode response: %w", err))
	}
	alt, ok := lr.best()
	if !ok {
		return "", stt.Unintelligible(providerName, nil)
	}
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return "", stt.Unintelligible(providerName, nil)
	}
	if p.minConfidence > 0 && alt.Confidence < p.minConfidence {
		return "", stt.Unintelligible(providerName,
			fmt.Errorf("confidence %.2f below %.2f", alt.Confidence, p.minConfidence))
	}
	return text, nil
}
