package llm

import "context"

// Provider produces chat completions.
type Provider interface {
	// Complete runs one chat completion and returns the full response,
	// including any tool calls the model requested.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
