// Package mock provides a deterministic in-memory embeddings.Provider for tests.
package mock

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/voicelinehq/voiceline/pkg/provider/embeddings"
)

// Provider implements embeddings.Provider. Vectors are derived from a hash of
// the input so identical texts embed identically and different texts differ.
type Provider struct {
	// Dimensions is the vector length. Defaults to 8 when zero.
	Dimensions int

	// Err, when set, is returned by Embed.
	Err error

	mu    sync.Mutex
	texts []string
}

var _ embeddings.Provider = (*Provider)(nil)

// Embed returns a deterministic pseudo-embedding for text.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.texts = append(p.texts, text)
	p.mu.Unlock()

	if p.Err != nil {
		return nil, p.Err
	}

	dims := p.Dimensions
	if dims == 0 {
		dims = 8
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, dims)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(seed%2000)/1000 - 1 // [-1, 1)
	}
	return vec, nil
}

// Texts returns all embedded inputs in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.texts))
	copy(out, p.texts)
	return out
}
