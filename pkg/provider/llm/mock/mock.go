// Package mock provides a scriptable in-memory llm.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voicelinehq/voiceline/pkg/provider/llm"
)

// Provider implements llm.Provider with a scripted sequence of responses.
// Each Complete call consumes the next entry; when the script runs out, the
// last entry repeats.
type Provider struct {
	mu       sync.Mutex
	requests []llm.CompletionRequest
	cursor   int

	// Script is the ordered list of responses to hand out.
	Script []Step
}

var _ llm.Provider = (*Provider)(nil)

// Step is one scripted response: either a response or an error.
type Step struct {
	Response *llm.CompletionResponse
	Err      error
}

// Complete records the request and returns the next scripted step.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)

	if len(p.Script) == 0 {
		return &llm.CompletionResponse{Content: "OK."}, nil
	}
	step := p.Script[p.cursor]
	if p.cursor < len(p.Script)-1 {
		p.cursor++
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Response, nil
}

// Requests returns all recorded Complete calls.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.CompletionRequest, len(p.requests))
	copy(out, p.requests)
	return out
}
