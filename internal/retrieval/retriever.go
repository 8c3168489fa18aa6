// Package retrieval implements hybrid knowledge-base search: full-text and
// vector search run in parallel and their rankings merge with Reciprocal
// Rank Fusion. The retriever returns a prompt-ready context block, not raw
// hits, so the generator never needs to know how retrieval works.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/voicelinehq/voiceline/internal/observe"
	"github.com/voicelinehq/voiceline/internal/store"
)

const (
	// DefaultRRFK is the Reciprocal Rank Fusion constant: score = 1/(k + rank).
	DefaultRRFK = 60

	// overfetchFactor widens each branch's LIMIT so fusion has enough
	// candidates to reorder.
	overfetchFactor = 2
)

// Searcher is the slice of the store the retriever needs.
type Searcher interface {
	KeywordSearch(ctx context.Context, knowledgeID uuid.UUID, query string, limit int) ([]store.KeywordHit, error)
	SemanticSearch(ctx context.Context, knowledgeID uuid.UUID, embedding []float32, limit int) ([]store.SemanticHit, error)
}

// Embedder produces query embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Result is one fused retrieval hit.
type Result struct {
	ChunkID uuid.UUID
	Content string
	Score   float64
	Origin  string // "keyword", "semantic", or "both"
}

// Retriever runs hybrid search over one knowledge base.
type Retriever struct {
	searcher  Searcher
	embedder  Embedder
	threshold float64       // minimum cosine similarity for semantic hits
	rrfK      int           // fusion constant in 1/(k + rank)
	limit     int           // fused results returned
	timeout   time.Duration // bound on one retrieval round-trip
	metrics   *observe.Metrics
	log       *slog.Logger
}

// NewRetriever creates a Retriever. threshold filters semantic hits before
// fusion; rrfK is the fusion constant (0 means DefaultRRFK); limit caps the
// fused result count; timeout bounds one retrieval round-trip (0 means 3s).
func NewRetriever(searcher Searcher, embedder Embedder, threshold float64, rrfK, limit int, timeout time.Duration, metrics *observe.Metrics, log *slog.Logger) *Retriever {
	if log == nil {
		log = slog.Default()
	}
	if rrfK <= 0 {
		rrfK = DefaultRRFK
	}
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	return &Retriever{
		searcher:  searcher,
		embedder:  embedder,
		threshold: threshold,
		rrfK:      rrfK,
		limit:     limit,
		timeout:   timeout,
		metrics:   metrics,
		log:       log,
	}
}

// Retrieve runs both search branches for query and returns a formatted
// context block for prompt injection. An empty or whitespace query, a zero
// knowledgeID, or zero hits all yield the empty string.
//
// Branch failures degrade rather than fail: if one branch errors, the other
// branch's results are fused alone; only both failing is an error.
func (r *Retriever) Retrieve(ctx context.Context, knowledgeID uuid.UUID, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" || knowledgeID == uuid.Nil {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	fetchLimit := r.limit * overfetchFactor

	var (
		kwHits  []store.KeywordHit
		semHits []store.SemanticHit
		kwErr   error
		semErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		kwHits, kwErr = r.searcher.KeywordSearch(gctx, knowledgeID, query, fetchLimit)
		return nil
	})
	g.Go(func() error {
		vec, err := r.embedder.Embed(gctx, query)
		if err != nil {
			semErr = fmt.Errorf("embed query: %w", err)
			return nil
		}
		semHits, semErr = r.searcher.SemanticSearch(gctx, knowledgeID, vec, fetchLimit)
		return nil
	})
	_ = g.Wait()

	if kwErr != nil && semErr != nil {
		return "", fmt.Errorf("retrieval: both branches failed: keyword: %v; semantic: %w", kwErr, semErr)
	}
	if kwErr != nil {
		r.log.Warn("keyword search failed, fusing semantic only", "error", kwErr)
	}
	if semErr != nil {
		r.log.Warn("semantic search failed, fusing keyword only", "error", semErr)
	}

	// The similarity floor applies before fusion so a weak semantic match
	// cannot ride a good RRF rank into the prompt.
	filtered := semHits[:0]
	for _, h := range semHits {
		if h.Similarity > r.threshold {
			filtered = append(filtered, h)
		}
	}
	semHits = filtered

	results := FuseRRF(kwHits, semHits, r.rrfK, r.limit)

	if r.metrics != nil && r.metrics.RetrievalDuration != nil {
		r.metrics.RetrievalDuration.Record(ctx, time.Since(start).Seconds())
	}
	r.log.Debug("retrieval done",
		"keyword_hits", len(kwHits),
		"semantic_hits", len(semHits),
		"fused", len(results),
		"specific_query", IsSpecificQuery(query),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return FormatContext(results), nil
}

// FuseRRF merges the two ranked lists with Reciprocal Rank Fusion: each hit
// contributes 1/(k + rank) per list it appears in, ranks starting at 1.
// Chunks present in both lists sum their contributions. Results are sorted
// by fused score descending, capped at limit.
func FuseRRF(keyword []store.KeywordHit, semantic []store.SemanticHit, k, limit int) []Result {
	fused := make(map[uuid.UUID]*Result)

	for i, h := range keyword {
		fused[h.ID] = &Result{
			ChunkID: h.ID,
			Content: h.Content,
			Score:   1 / float64(k+i+1),
			Origin:  "keyword",
		}
	}
	for i, h := range semantic {
		score := 1 / float64(k+i+1)
		if existing, ok := fused[h.ID]; ok {
			existing.Score += score
			existing.Origin = "both"
			continue
		}
		fused[h.ID] = &Result{
			ChunkID: h.ID,
			Content: h.Content,
			Score:   score,
			Origin:  "semantic",
		}
	}

	out := make([]Result, 0, len(fused))
	for _, r := range fused {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID.String() < out[j].ChunkID.String()
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// FormatContext renders fused results as the context block injected into the
// system prompt. Empty input yields the empty string.
func FormatContext(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant knowledge base information:\n")
	for _, r := range results {
		b.WriteString("- ")
		b.WriteString(strings.TrimSpace(r.Content))
		b.WriteString("\n")
	}
	return b.String()
}

// ─────────────────────────────────────────────────────────────────────────────
// Query classification
// ─────────────────────────────────────────────────────────────────────────────

var (
	// Three or more consecutive digits: order numbers, ZIP codes, etc.
	reDigitRun = regexp.MustCompile(`\d{3,}`)

	// Mixed alphanumeric token such as "AB12X" or "SKU9".
	reAlphaNum = regexp.MustCompile(`\b[A-Z]+\d+[A-Z0-9]*\b`)

	// "order 123", "ticket 45" style references.
	reEntityRef = regexp.MustCompile(`(?i)\b(order|ticket|invoice|case)\s*#?\d+\b`)
)

// IsSpecificQuery reports whether the query references a concrete entity
// (IDs, order numbers, codes) rather than general knowledge. Specific
// queries tend to favour exact keyword matches; the flag is advisory and
// only logged today.
func IsSpecificQuery(query string) bool {
	return reDigitRun.MatchString(query) ||
		reAlphaNum.MatchString(query) ||
		reEntityRef.MatchString(query)
}
