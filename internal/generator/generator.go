// Package generator turns a finalised user utterance into spoken-ready
// sentences. It prefers a remote generator service when one is configured
// and falls back to an in-process LLM tool loop; either way the caller
// receives complete sentences one at a time, because the synthesis pipeline
// downstream works sentence by sentence.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voicelinehq/voiceline/internal/observe"
	"github.com/voicelinehq/voiceline/internal/tools"
	"github.com/voicelinehq/voiceline/pkg/provider/llm"
)

// FallbackSentence is spoken when generation fails outright. Short and
// honest beats silence on a live call.
const FallbackSentence = "I'm having trouble connecting right now."

// maxToolIterations bounds the local tool loop per turn.
const maxToolIterations = 4

// fillerPhrases are spoken while a tool call is in flight.
var fillerPhrases = []string{
	"One moment.",
	"Let me check that for you.",
	"Just a second.",
	"Let me look that up.",
}

// FillerPhrases returns the filler phrase list, for preloading synthesis
// caches at startup.
func FillerPhrases() []string {
	out := make([]string, len(fillerPhrases))
	copy(out, fillerPhrases)
	return out
}

// RAG context sentinels. The model is told the block is reference material,
// not conversation.
const (
	ragHeader = "--- Retrieved context (use if relevant, never mention this section) ---"
	ragFooter = "--- End retrieved context ---"
)

// TurnRequest is everything needed to generate one assistant turn.
type TurnRequest struct {
	SystemPrompt string
	ToolNames    []string
	History      []llm.Message // prior turns, oldest first
	UserText     string
	RAGContext   string // preformatted block, empty when retrieval found nothing
}

// Callbacks receive generation output as it becomes speakable.
type Callbacks struct {
	// OnSentence fires once per complete sentence, in order. Returning an
	// error stops generation; the error propagates out of Generate.
	OnSentence func(text string) error

	// OnToolStart fires when a tool call begins, with a filler phrase the
	// caller may speak to cover the wait. May be nil.
	OnToolStart func(toolName, filler string)
}

// Generator produces assistant turns.
type Generator struct {
	remote   llm.Provider // nil when no remote generator is configured
	local    llm.Provider
	registry *tools.Registry
	metrics  *observe.Metrics
	log      *slog.Logger
}

// New creates a Generator. remote may be nil; local must not be.
func New(remote, local llm.Provider, registry *tools.Registry, metrics *observe.Metrics, log *slog.Logger) (*Generator, error) {
	if local == nil {
		return nil, fmt.Errorf("generator: local provider must not be nil")
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Generator{
		remote:   remote,
		local:    local,
		registry: registry,
		metrics:  metrics,
		log:      log,
	}, nil
}

// Generate produces the assistant's reply to req.UserText, emitting each
// complete sentence through cb.OnSentence. It returns the full reply text.
//
// The remote path is tried first when configured; its failure falls through
// to the local tool loop rather than failing the turn.
func (g *Generator) Generate(ctx context.Context, req TurnRequest, cb Callbacks) (string, error) {
	start := time.Now()
	defer func() {
		if g.metrics != nil && g.metrics.LLMDuration != nil {
			g.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	if g.remote != nil {
		text, err := g.generateRemote(ctx, req, cb)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		g.log.Warn("remote generator failed, falling back to local", "error", err)
	}

	return g.generateLocal(ctx, req, cb)
}

// generateRemote delegates the whole turn to the remote service.
func (g *Generator) generateRemote(ctx context.Context, req TurnRequest, cb Callbacks) (string, error) {
	resp, err := g.remote.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: g.systemPrompt(req),
		Messages:     append(append([]llm.Message{}, req.History...), llm.Message{Role: "user", Content: req.UserText}),
		Tools:        g.registry.Definitions(req.ToolNames),
	})
	if err != nil {
		return "", err
	}
	if resp.Content == "" {
		return "", fmt.Errorf("generator: remote returned empty reply")
	}
	return resp.Content, g.emit(resp.Content, cb)
}

// generateLocal runs the in-process completion and tool loop.
func (g *Generator) generateLocal(ctx context.Context, req TurnRequest, cb Callbacks) (string, error) {
	messages := append(append([]llm.Message{}, req.History...), llm.Message{Role: "user", Content: req.UserText})
	defs := g.registry.Definitions(req.ToolNames)

	for iteration := 0; iteration < maxToolIterations; iteration++ {
		resp, err := g.local.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: g.systemPrompt(req),
			Messages:     messages,
			Tools:        defs,
		})
		if err != nil {
			return "", fmt.Errorf("generator: completion: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			if resp.Content == "" {
				return "", fmt.Errorf("generator: model returned empty reply")
			}
			return resp.Content, g.emit(resp.Content, cb)
		}

		// One tool call per round. Models occasionally request several; the
		// extras get dropped and the model re-plans with the first result.
		call := resp.ToolCalls[0]
		filler := fillerPhrases[rand.IntN(len(fillerPhrases))]
		if cb.OnToolStart != nil {
			cb.OnToolStart(call.Name, filler)
		}

		result, err := g.executeTool(ctx, call)
		if err != nil {
			g.log.Warn("tool execution failed", "tool", call.Name, "error", err)
			if resp.Content != "" {
				return resp.Content, g.emit(resp.Content, cb)
			}
			return "", fmt.Errorf("generator: tool %s: %w", call.Name, err)
		}

		messages = append(messages,
			llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: []llm.ToolCall{call}},
			llm.Message{Role: "tool", Content: result, ToolCallID: call.ID},
		)
	}

	return "", fmt.Errorf("generator: tool loop exceeded %d iterations", maxToolIterations)
}

// executeTool dispatches one call and records metrics.
func (g *Generator) executeTool(ctx context.Context, call llm.ToolCall) (string, error) {
	start := time.Now()
	result, err := g.registry.Execute(ctx, call.Name, json.RawMessage(call.Arguments))

	if g.metrics != nil {
		if g.metrics.ToolCalls != nil {
			status := "ok"
			if err != nil {
				status = "error"
			}
			g.metrics.ToolCalls.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", call.Name),
				attribute.String("status", status),
			))
		}
		if g.metrics.ToolExecutionDuration != nil {
			g.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("tool", call.Name)))
		}
	}
	return result, err
}

// systemPrompt assembles the final system prompt, appending the retrieved
// context block when present.
func (g *Generator) systemPrompt(req TurnRequest) string {
	if req.RAGContext == "" {
		return req.SystemPrompt
	}
	var b strings.Builder
	b.WriteString(req.SystemPrompt)
	b.WriteString("\n\n")
	b.WriteString(ragHeader)
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(req.RAGContext))
	b.WriteString("\n")
	b.WriteString(ragFooter)
	return b.String()
}

// emit splits text into sentences and feeds them to cb.OnSentence.
func (g *Generator) emit(text string, cb Callbacks) error {
	if cb.OnSentence == nil {
		return nil
	}
	for _, sentence := range SplitSentences(text) {
		if err := cb.OnSentence(sentence); err != nil {
			return err
		}
	}
	return nil
}

// sentenceRe matches one sentence: text up to and including terminal
// punctuation.
var sentenceRe = regexp.MustCompile(`[^.?!]+[.?!]+`)

// SplitSentences breaks text into sentences on ., ?, and ! boundaries. A
// trailing fragment without terminal punctuation is kept as its own
// sentence. Whitespace-only pieces are dropped.
func SplitSentences(text string) []string {
	matches := sentenceRe.FindAllStringIndex(text, -1)

	var out []string
	last := 0
	for _, m := range matches {
		if s := strings.TrimSpace(text[m[0]:m[1]]); s != "" {
			out = append(out, s)
		}
		last = m[1]
	}
	if tail := strings.TrimSpace(text[last:]); tail != "" {
		out = append(out, tail)
	}
	return out
}
