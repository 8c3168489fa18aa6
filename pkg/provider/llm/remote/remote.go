// Package remote provides an llm.Provider that delegates completion to an
// external response-generator service over HTTP. The service owns its own
// prompt assembly and tool loop; this client only ships the conversation
// across and maps the reply back.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voicelinehq/voiceline/pkg/provider/llm"
)

// defaultTimeout bounds one generator round trip. The voice turn budget makes
// anything slower than this unusable anyway.
const defaultTimeout = 15 * time.Second

// Option is a functional option for the remote Provider.
type Option func(*Provider)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements llm.Provider by calling a remote generator service.
type Provider struct {
	baseURL    string
	httpClient *http.Client
}

var _ llm.Provider = (*Provider)(nil)

// New creates a remote Provider targeting baseURL (e.g.
// "http://generator.internal:8090"). The completion endpoint is
// baseURL + "/v1/generate".
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("remote: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- wire types ----

type generateRequest struct {
	SystemPrompt string        `json:"system_prompt"`
	Messages     []wireMessage `json:"messages"`
	Tools        []string      `json:"tools,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type generateResponse struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Complete implements llm.Provider. The remote service resolves tool calls
// itself, so the response never carries any.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	wire := generateRequest{
		SystemPrompt: req.SystemPrompt,
	}
	for _, m := range req.Messages {
		wire.Messages = append(wire.Messages, wireMessage{Role: m.Role, Content: m.Content})
	}
	for _, td := range req.Tools {
		wire.Tools = append(wire.Tools, td.Name)
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("remote: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("remote: generate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("remote: generate: unexpected status %d: %s", resp.StatusCode, msg)
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("remote: decode response: %w", err)
	}
	if gr.Error != "" {
		return nil, fmt.Errorf("remote: generator error: %s", gr.Error)
	}

	return &llm.CompletionResponse{Content: gr.Content}, nil
}
