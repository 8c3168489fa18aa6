// Package llm defines the chat completion provider contract shared by the
// response generator and its provider implementations.
package llm

// Message is a single turn in a chat conversation.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the message text. May be empty on assistant messages that
	// only carry tool calls.
	Content string

	// ToolCalls holds the tool invocations requested by an assistant message.
	ToolCalls []ToolCall

	// ToolCallID links a "tool" role message to the call it answers.
	ToolCallID string
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// ToolDefinition describes a callable tool advertised to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema
}

// CompletionRequest is a single chat completion request.
type CompletionRequest struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
	Temperature  float64
	MaxTokens    int
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
