// Package tools provides the function-calling registry the generator
// dispatches into. Tools take raw JSON arguments and return raw JSON results;
// everything on either side of that boundary is the model's business.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/voicelinehq/voiceline/pkg/provider/llm"
)

// ErrUnknownTool reports a dispatch to a name the registry has never seen.
var ErrUnknownTool = errors.New("tools: unknown tool")

// Handler executes one tool call. args is the raw JSON argument object from
// the model; the returned string must be valid JSON.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Tool couples a handler with the schema advertised to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema
	Handler     Handler
}

// Registry holds the registered tools. Safe for concurrent use; registration
// happens at startup, dispatch on every call turn.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous registration of the same name.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tools: tool name must not be empty")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: tool %q has no handler", t.Name)
	}
	r.mu.Lock()
	r.tools[t.Name] = t
	r.mu.Unlock()
	return nil
}

// Execute dispatches one tool call and returns its JSON result.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	result, err := t.Handler(ctx, args)
	if err != nil {
		return "", fmt.Errorf("tools: %s: %w", name, err)
	}
	return result, nil
}

// Definitions returns the LLM tool definitions for the named tools, in name
// order. Names the registry does not know are skipped; an agent configured
// with a stale tool list should not break its working tools.
func (r *Registry) Definitions(names []string) []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []llm.ToolDefinition
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			defs = append(defs, llm.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
