// Package openai provides an embeddings provider backed by the OpenAI API.
package openai

import (
	"context"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/voicelinehq/voiceline/pkg/provider/embeddings"
)

const defaultModel = "text-embedding-3-small"

// Option is a functional option for Provider.
type Option func(*Provider)

// WithModel sets the embedding model (e.g., "text-embedding-3-small").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = url
	}
}

// Provider implements embeddings.Provider using the OpenAI embeddings API.
type Provider struct {
	client  oai.Client
	model   string
	baseURL string
}

var _ embeddings.Provider = (*Provider)(nil)

// New constructs a new OpenAI embeddings Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	p := &Provider{model: defaultModel}
	for _, o := range opts {
		o(p)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if p.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.baseURL))
	}
	p.client = oai.NewClient(reqOpts...)
	return p, nil
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("openai: text must not be empty")
	}

	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: oai.EmbeddingModel(p.model),
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: oai.String(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai: empty embedding response")
	}

	raw := resp.Data[0].Embedding
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}
