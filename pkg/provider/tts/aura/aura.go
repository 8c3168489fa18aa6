// Package aura provides a Deepgram Aura-backed TTS provider over the
// Deepgram speak REST API. It implements the tts.Provider interface.
package aura

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/voicelinehq/voiceline/pkg/provider/tts"
)

const (
	speakEndpoint = "https://api.deepgram.com/v1/speak"

	// DefaultVoice is used when an agent has no voice configured.
	DefaultVoice = "aura-asteria-en"

	defaultTimeout = 10 * time.Second
)

// Option is a functional option for configuring the Aura Provider.
type Option func(*Provider)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithEndpoint overrides the speak endpoint URL, mainly for tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements tts.Provider backed by Deepgram Aura.
type Provider struct {
	apiKey     string
	endpoint   string
	sampleRate int
	httpClient *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new Aura Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("aura: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   speakEndpoint,
		sampleRate: 8000,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Synthesize renders text as μ-law 8 kHz audio using the given Aura voice
// model. An empty voiceID falls back to [DefaultVoice].
func (p *Provider) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	if text == "" {
		return nil, errors.New("aura: text must not be empty")
	}
	if voiceID == "" {
		voiceID = DefaultVoice
	}

	body, err := json.Marshal(speakRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("aura: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.buildURL(voiceID), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("aura: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("aura: speak: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("aura: speak: unexpected status %d: %s", resp.StatusCode, msg)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("aura: read audio: %w", err)
	}
	return audio, nil
}

// buildURL constructs the speak endpoint URL with voice and encoding params.
func (p *Provider) buildURL(voiceID string) string {
	q := url.Values{}
	q.Set("model", voiceID)
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", strconv.Itoa(p.sampleRate))
	q.Set("container", "none")
	return p.endpoint + "?" + q.Encode()
}

// speakRequest is the JSON body for the Deepgram speak API.
type speakRequest struct {
	Text string `json:"text"`
}
