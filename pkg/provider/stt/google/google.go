// Package google provides a Google Cloud Speech-to-Text transcriber.
//
// Each utterance is sent as one synchronous Recognize request carrying
// LINEAR16 audio. Credentials come from Application Default Credentials
// unless an API key or a credentials file is configured.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"

	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/provider/stt"
)

const (
	providerName    = "google"
	defaultLanguage = "en-US"
)

// Compile-time assertion that Provider implements stt.Transcriber.
var _ stt.Transcriber = (*Provider)(nil)

// recognizeFunc is the single RPC the provider needs.
type recognizeFunc func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)

// Option is a functional option for configuring a Provider.
type Option func(*settings)

type settings struct {
	language    string
	model       string
	phrases     []string
	clientOpts  []option.ClientOption
	punctuation bool
}

// WithLanguage sets the BCP-47 recognition language. Defaults to "en-US".
func WithLanguage(lang string) Option {
	return func(s *settings) { s.language = lang }
}

// WithModel selects a recognition model (e.g. "latest_short", "command_and_search").
func WithModel(model string) Option {
	return func(s *settings) { s.model = model }
}

// WithPhrases adds speech adaptation hints.
func WithPhrases(phrases ...string) Option {
	return func(s *settings) { s.phrases = append(s.phrases, phrases...) }
}

// WithAPIKey authenticates with an API key instead of ADC.
func WithAPIKey(key string) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, option.WithAPIKey(key)) }
}

// WithCredentialsFile authenticates with a service-account JSON file.
func WithCredentialsFile(path string) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, option.WithCredentialsFile(path)) }
}

// WithClientOptions passes raw client options to the speech client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

// Provider implements stt.Transcriber on the Google Cloud Speech v1 API.
type Provider struct {
	cfg       settings
	recognize recognizeFunc
	close     func() error
}

// New creates a speech client. The caller must call Close when done.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	cfg := settings{language: defaultLanguage, punctuation: true}
	for _, o := range opts {
		o(&cfg)
	}
	client, err := speech.NewClient(ctx, cfg.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("google: create speech client: %w", err)
	}
	return &Provider{
		cfg: cfg,
		recognize: func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
			return client.Recognize(ctx, req)
		},
		close: client.Close,
	}, nil
}

// Close releases the underlying gRPC connection.
func (p *Provider) Close() error {
	if p.close == nil {
		return nil
	}
	return p.close()
}

// request builds the Recognize request for one utterance.
func (p *Provider) request(pcm []byte, sampleRate int) *speechpb.RecognizeRequest {
	rc := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:            int32(sampleRate),
		AudioChannelCount:          1,
		LanguageCode:               p.cfg.language,
		Model:                      p.cfg.model,
		EnableAutomaticPunctuation: p.cfg.punctuation,
		MaxAlternatives:            1,
	}
	if len(p.cfg.phrases) > 0 {
		rc.SpeechContexts = []*speechpb.SpeechContext{{Phrases: p.cfg.phrases}}
	}
	return &speechpb.RecognizeRequest{
		Config: rc,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: pcm},
		},
	}
}

// Transcribe sends pcm to Recognize and joins the top alternative of every
// result.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if len(pcm) == 0 {
		return "", stt.Unintelligible(providerName, audio.ErrEmptyPCM)
	}
	if sampleRate <= 0 {
		sampleRate = audio.DefaultCaptureRate
	}
	resp, err := p.recognize(ctx, p.request(pcm, sampleRate))
	if err != nil {
		return "", stt.Unavailable(providerName, err)
	}
	if resp == nil {
		return "", stt.Unavailable(providerName, errors.New("empty response"))
	}

	var parts []string
	for _, r := range resp.GetResults() {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		if t := strings.TrimSpace(alts[0].GetTranscript()); t != "" {
			parts = append(parts, t)
		}
	}
	if len(parts) == 0 {
		return "", stt.Unintelligible(providerName, nil)
	}
	return strings.Join(parts, " "), nil
}
