package generator_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/voicelinehq/voiceline/internal/generator"
	"github.com/voicelinehq/voiceline/internal/tools"
	"github.com/voicelinehq/voiceline/pkg/provider/llm"
	llmmock "github.com/voicelinehq/voiceline/pkg/provider/llm/mock"
)

func TestSplitSentences(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{
			"Hello! How can I help you today?",
			[]string{"Hello!", "How can I help you today?"},
		},
		{
			"We open at 9am. We close at 5pm. See you then",
			[]string{"We open at 9am.", "We close at 5pm.", "See you then"},
		},
		{
			"Just one sentence.",
			[]string{"Just one sentence."},
		},
		{
			"no punctuation at all",
			[]string{"no punctuation at all"},
		},
		{
			"Wait... really?!",
			[]string{"Wait...", "really?!"},
		},
		{"", nil},
		{"   ", nil},
	}
	for _, tc := range tests {
		if got := generator.SplitSentences(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("SplitSentences(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func newGenerator(t *testing.T, remote, local llm.Provider) *generator.Generator {
	t.Helper()
	r := tools.NewRegistry()
	if err := tools.RegisterBuiltins(r); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	g, err := generator.New(remote, local, r, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestGenerate_PlainReply(t *testing.T) {
	t.Parallel()

	local := &llmmock.Provider{Script: []llmmock.Step{
		{Response: &llm.CompletionResponse{Content: "We open at nine. We close at five."}},
	}}
	g := newGenerator(t, nil, local)

	var sentences []string
	text, err := g.Generate(context.Background(), generator.TurnRequest{
		SystemPrompt: "You are a receptionist.",
		UserText:     "when do you open",
	}, generator.Callbacks{
		OnSentence: func(s string) error { sentences = append(sentences, s); return nil },
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "We open at nine. We close at five." {
		t.Errorf("text: %q", text)
	}
	want := []string{"We open at nine.", "We close at five."}
	if !reflect.DeepEqual(sentences, want) {
		t.Errorf("sentences: %v, want %v", sentences, want)
	}
}

func TestGenerate_ToolLoop(t *testing.T) {
	t.Parallel()

	local := &llmmock.Provider{Script: []llmmock.Step{
		{Response: &llm.CompletionResponse{
			ToolCalls: []llm.ToolCall{{
				ID:        "call_1",
				Name:      "check_order_status",
				Arguments: `{"order_id":"10001"}`,
			}},
		}},
		{Response: &llm.CompletionResponse{Content: "Your order has shipped."}},
	}}
	g := newGenerator(t, nil, local)

	var fillers []string
	var sentences []string
	text, err := g.Generate(context.Background(), generator.TurnRequest{
		ToolNames: []string{"check_order_status"},
		UserText:  "where is order 10001",
	}, generator.Callbacks{
		OnSentence:  func(s string) error { sentences = append(sentences, s); return nil },
		OnToolStart: func(_, filler string) { fillers = append(fillers, filler) },
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "Your order has shipped." {
		t.Errorf("text: %q", text)
	}
	if len(fillers) != 1 {
		t.Errorf("fillers: want 1, got %v", fillers)
	}
	if !containsPhrase(generator.FillerPhrases(), fillers[0]) {
		t.Errorf("filler %q not in the known set", fillers[0])
	}

	// Second request must carry the tool exchange.
	reqs := local.Requests()
	if len(reqs) != 2 {
		t.Fatalf("requests: want 2, got %d", len(reqs))
	}
	msgs := reqs[1].Messages
	last := msgs[len(msgs)-1]
	if last.Role != "tool" || last.ToolCallID != "call_1" {
		t.Errorf("last message should be the tool result: %+v", last)
	}
}

func TestGenerate_UnknownToolFallsBackToContent(t *testing.T) {
	t.Parallel()

	local := &llmmock.Provider{Script: []llmmock.Step{
		{Response: &llm.CompletionResponse{
			Content: "Let me just say this instead.",
			ToolCalls: []llm.ToolCall{{
				ID:        "call_1",
				Name:      "no_such_tool",
				Arguments: `{}`,
			}},
		}},
	}}
	g := newGenerator(t, nil, local)

	text, err := g.Generate(context.Background(), generator.TurnRequest{UserText: "hi"}, generator.Callbacks{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "Let me just say this instead." {
		t.Errorf("text: %q", text)
	}
}

func TestGenerate_UnknownToolWithNoContentFails(t *testing.T) {
	t.Parallel()

	local := &llmmock.Provider{Script: []llmmock.Step{
		{Response: &llm.CompletionResponse{
			ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "no_such_tool", Arguments: `{}`}},
		}},
	}}
	g := newGenerator(t, nil, local)

	if _, err := g.Generate(context.Background(), generator.TurnRequest{UserText: "hi"}, generator.Callbacks{}); err == nil {
		t.Error("expected error when tool fails and no content exists")
	}
}

func TestGenerate_RemotePreferred(t *testing.T) {
	t.Parallel()

	remote := &llmmock.Provider{Script: []llmmock.Step{
		{Response: &llm.CompletionResponse{Content: "Remote says hello."}},
	}}
	local := &llmmock.Provider{Script: []llmmock.Step{
		{Response: &llm.CompletionResponse{Content: "Local says hello."}},
	}}
	g := newGenerator(t, remote, local)

	text, err := g.Generate(context.Background(), generator.TurnRequest{UserText: "hi"}, generator.Callbacks{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "Remote says hello." {
		t.Errorf("text: %q", text)
	}
	if len(local.Requests()) != 0 {
		t.Error("local provider should not have been consulted")
	}
}

func TestGenerate_RemoteFailureFallsBackToLocal(t *testing.T) {
	t.Parallel()

	remote := &llmmock.Provider{Script: []llmmock.Step{
		{Err: errors.New("connection refused")},
	}}
	local := &llmmock.Provider{Script: []llmmock.Step{
		{Response: &llm.CompletionResponse{Content: "Local says hello."}},
	}}
	g := newGenerator(t, remote, local)

	text, err := g.Generate(context.Background(), generator.TurnRequest{UserText: "hi"}, generator.Callbacks{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "Local says hello." {
		t.Errorf("text: %q", text)
	}
}

func TestGenerate_RAGContextInjectedIntoSystemPrompt(t *testing.T) {
	t.Parallel()

	local := &llmmock.Provider{Script: []llmmock.Step{
		{Response: &llm.CompletionResponse{Content: "Done."}},
	}}
	g := newGenerator(t, nil, local)

	_, err := g.Generate(context.Background(), generator.TurnRequest{
		SystemPrompt: "You are a receptionist.",
		UserText:     "hours?",
		RAGContext:   "Relevant knowledge base information:\n- Open 9-5.",
	}, generator.Callbacks{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	req := local.Requests()[0]
	if !containsSub(req.SystemPrompt, "You are a receptionist.") ||
		!containsSub(req.SystemPrompt, "Open 9-5.") ||
		!containsSub(req.SystemPrompt, "Retrieved context") {
		t.Errorf("system prompt: %q", req.SystemPrompt)
	}
}

func TestGenerate_SentenceCallbackErrorStops(t *testing.T) {
	t.Parallel()

	local := &llmmock.Provider{Script: []llmmock.Step{
		{Response: &llm.CompletionResponse{Content: "One. Two. Three."}},
	}}
	g := newGenerator(t, nil, local)

	calls := 0
	_, err := g.Generate(context.Background(), generator.TurnRequest{UserText: "hi"}, generator.Callbacks{
		OnSentence: func(string) error {
			calls++
			if calls == 2 {
				return errors.New("speaker gone")
			}
			return nil
		},
	})
	if err == nil {
		t.Fatal("expected callback error to propagate")
	}
	if calls != 2 {
		t.Errorf("callback calls: want 2, got %d", calls)
	}
}

func containsPhrase(list []string, s string) bool {
	for _, p := range list {
		if p == s {
			return true
		}
	}
	return false
}

func containsSub(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
