// Package coqui provides a TTS provider backed by a locally running Coqui TTS
// server. It implements the tts.Provider interface.
//
// Two server flavours are supported:
//
//   - APIModeStandard (default): the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is GET /api/tts with query
//     parameters; the voice catalogue comes from GET /details.
//
//   - APIModeXTTS: the XTTS v2 API server. Synthesis is POST /tts_to_audio/
//     with a JSON body; the voice catalogue comes from GET /studio_speakers.
//
// Both servers answer one HTTP request per utterance, so SynthesizeStream
// splits the incoming text into sentences and keeps a few requests in flight
// at once while still emitting audio in sentence order.
//
// Typical usage:
//
//	p, err := coqui.New("http://localhost:5002", coqui.WithLanguage("en"))
//	audio, err := p.SynthesizeStream(ctx, textCh, tts.VoiceProfile{})
package coqui

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// ---- constants ----

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"
	xttsEndpoint           = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"

	// lookahead is the number of sentence requests allowed in flight.
	lookahead = 4

	// chunkSize is the size of each PCM slice emitted on the audio channel.
	chunkSize = 4096
)

// APIMode selects which Coqui server API the provider targets.
type APIMode string

const (
	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"

	// APIModeXTTS targets the XTTS v2 API server (/tts_to_audio/). A voice ID
	// is mandatory in this mode.
	APIModeXTTS APIMode = "xtts"
)

// ---- options ----

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the server. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithAPIMode selects the server flavour.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.apiMode = mode }
}

// WithOutputSampleRate sets the rate synthesised audio is resampled to.
// Defaults to [audio.DefaultPlaybackRate].
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) { p.outputRate = rate }
}

// WithHTTPClient replaces the HTTP client. Mainly useful in tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// ---- Provider ----

// Provider implements tts.Provider against a Coqui server. It is safe for
// concurrent use.
type Provider struct {
	serverURL  string
	language   string
	apiMode    APIMode
	outputRate int
	httpClient *http.Client
}

// New returns a Provider targeting serverURL (e.g. "http://localhost:5002").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		outputRate: audio.DefaultPlaybackRate,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if p.outputRate <= 0 {
		return nil, fmt.Errorf("coqui: invalid output sample rate %d", p.outputRate)
	}
	return p, nil
}

// SampleRate implements tts.Provider.
func (p *Provider) SampleRate() int { return p.outputRate }

// ---- SynthesizeStream ----

// job is one sentence request; done closes when pcm or err is set.
type job struct {
	done chan struct{}
	pcm  []byte
	err  error
}

// SynthesizeStream implements tts.Provider. Text is cut into sentences, up to
// lookahead of them are rendered concurrently, and audio leaves in sentence
// order. A failed request ends the stream early.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" && p.apiMode == APIModeXTTS {
		return nil, errors.New("coqui: voice ID is required in xtts mode")
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan []byte, 64)
	jobs := make(chan *job, lookahead)

	go p.dispatch(ctx, text, voice, jobs)
	go func() {
		defer close(out)
		defer cancel()
		p.emit(ctx, jobs, out)
	}()
	return out, nil
}

// dispatch starts a request per sentence and queues it. jobs is closed when
// text is drained or ctx ends.
func (p *Provider) dispatch(ctx context.Context, text <-chan string, voice tts.VoiceProfile, jobs chan<- *job) {
	defer close(jobs)

	start := func(sentence string) bool {
		j := &job{done: make(chan struct{})}
		select {
		case jobs <- j:
		case <-ctx.Done():
			return false
		}
		go func() {
			defer close(j.done)
			j.pcm, j.err = p.synthesize(ctx, sentence, voice)
		}()
		return true
	}

	var sp splitter
	for {
		select {
		case <-ctx.Done():
			return
		case frag, ok := <-text:
			if !ok {
				if rest := sp.Flush(); rest != "" {
					start(rest)
				}
				return
			}
			for _, sentence := range sp.Push(frag) {
				if !start(sentence) {
					return
				}
			}
		}
	}
}

// emit waits for each job in queue order and forwards its audio in
// chunkSize slices. It stops at the first failed job.
func (p *Provider) emit(ctx context.Context, jobs <-chan *job, out chan<- []byte) {
	for j := range jobs {
		select {
		case <-j.done:
		case <-ctx.Done():
			return
		}
		if j.err != nil {
			slog.Warn("coqui: sentence failed, ending stream", "err", j.err)
			return
		}
		for pcm := j.pcm; len(pcm) > 0; {
			n := min(chunkSize, len(pcm))
			select {
			case out <- pcm[:n]:
			case <-ctx.Done():
				return
			}
			pcm = pcm[n:]
		}
	}
}

// newRequest builds the synthesis request for the configured server flavour.
func (p *Provider) newRequest(ctx context.Context, sentence string, voice tts.VoiceProfile) (*http.Request, error) {
	if p.apiMode == APIModeXTTS {
		body, err := json.Marshal(xttsRequest{Text: sentence, SpeakerWav: voice.ID, Language: p.language})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+xttsEndpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	q := url.Values{"text": {sentence}}
	if voice.ID != "" {
		q.Set("speaker_id", voice.ID)
	}
	if p.language != "" {
		q.Set("language_id", p.language)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+q.Encode(), nil)
}

// synthesize renders one sentence as mono PCM at the output rate.
func (p *Provider) synthesize(ctx context.Context, sentence string, voice tts.VoiceProfile) ([]byte, error) {
	req, err := p.newRequest(ctx, sentence, voice)
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s: HTTP %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read audio: %w", err)
	}

	pcm, rate, channels, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	if channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	return audio.ResampleMono16(pcm, rate, p.outputRate), nil
}

type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// ---- ListVoices ----

type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Speakers  []string `json:"speakers"`
}

// ListVoices implements tts.Provider. In standard mode a single-speaker model
// is reported as one voice named after the model.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	if p.apiMode == APIModeXTTS {
		var raw map[string]json.RawMessage
		if err := p.getJSON(ctx, studioSpeakersEndpoint, &raw); err != nil {
			return nil, err
		}
		names := make([]string, 0, len(raw))
		for name := range raw {
			names = append(names, name)
		}
		slices.Sort(names)
		voices := make([]tts.VoiceProfile, 0, len(names))
		for _, n := range names {
			voices = append(voices, tts.VoiceProfile{ID: n, Name: n, Provider: "coqui", Metadata: map[string]string{"type": "studio"}})
		}
		return voices, nil
	}

	var details detailsResponse
	if err := p.getJSON(ctx, detailsEndpoint, &details); err != nil {
		return nil, err
	}
	if len(details.Speakers) == 0 {
		name := cmp.Or(details.ModelName, "default")
		return []tts.VoiceProfile{{
			ID:       name,
			Name:     name,
			Provider: "coqui",
			Metadata: map[string]string{"type": "single-speaker", "model_name": name},
		}}, nil
	}
	speakers := slices.Sorted(slices.Values(details.Speakers))
	voices := make([]tts.VoiceProfile, 0, len(speakers))
	for _, s := range speakers {
		voices = append(voices, tts.VoiceProfile{
			ID:       s,
			Name:     s,
			Provider: "coqui",
			Metadata: map[string]string{"type": "speaker", "model_name": details.ModelName},
		})
	}
	return voices, nil
}

// ---- helpers ----

func (p *Provider) getJSON(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("coqui: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coqui: GET %s returned status %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("coqui: decode %s: %w", endpoint, err)
	}
	return nil
}
