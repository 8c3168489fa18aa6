package retrieval_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/voicelinehq/voiceline/internal/retrieval"
	"github.com/voicelinehq/voiceline/internal/store"
	embmock "github.com/voicelinehq/voiceline/pkg/provider/embeddings/mock"
)

type fakeSearcher struct {
	keyword  []store.KeywordHit
	semantic []store.SemanticHit
	kwErr    error
	semErr   error
}

func (f *fakeSearcher) KeywordSearch(context.Context, uuid.UUID, string, int) ([]store.KeywordHit, error) {
	return f.keyword, f.kwErr
}

func (f *fakeSearcher) SemanticSearch(context.Context, uuid.UUID, []float32, int) ([]store.SemanticHit, error) {
	return f.semantic, f.semErr
}

func kwHit(id uuid.UUID, content string, rank float64) store.KeywordHit {
	return store.KeywordHit{Chunk: store.Chunk{ID: id, Content: content}, Rank: rank}
}

func semHit(id uuid.UUID, content string, sim float64) store.SemanticHit {
	return store.SemanticHit{Chunk: store.Chunk{ID: id, Content: content}, Similarity: sim}
}

func TestFuseRRF_SharedChunkSumsContributions(t *testing.T) {
	t.Parallel()

	shared := uuid.New()
	only := uuid.New()

	results := retrieval.FuseRRF(
		[]store.KeywordHit{kwHit(shared, "shared", 0.9), kwHit(only, "kw only", 0.5)},
		[]store.SemanticHit{semHit(shared, "shared", 0.95)},
		retrieval.DefaultRRFK, 10,
	)

	if len(results) != 2 {
		t.Fatalf("results: want 2, got %d", len(results))
	}
	// Shared chunk: 1/61 + 1/61; keyword-only: 1/62. Shared must rank first.
	if results[0].ChunkID != shared || results[0].Origin != "both" {
		t.Errorf("first result: %+v", results[0])
	}
	wantShared := 2.0 / 61.0
	if diff := results[0].Score - wantShared; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("shared score: want %v, got %v", wantShared, results[0].Score)
	}
	if results[1].Origin != "keyword" {
		t.Errorf("second result origin: %q", results[1].Origin)
	}
}

func TestFuseRRF_DisjointListsInterleaveByRank(t *testing.T) {
	t.Parallel()

	k1, s1, k2 := uuid.New(), uuid.New(), uuid.New()

	results := retrieval.FuseRRF(
		[]store.KeywordHit{kwHit(k1, "k1", 0.9), kwHit(k2, "k2", 0.4)},
		[]store.SemanticHit{semHit(s1, "s1", 0.9)},
		retrieval.DefaultRRFK, 10,
	)

	// Rank-1 entries (1/61) beat rank-2 entries (1/62) regardless of list.
	if len(results) != 3 {
		t.Fatalf("results: want 3, got %d", len(results))
	}
	if results[2].ChunkID != k2 {
		t.Errorf("lowest-ranked: want k2, got %v", results[2].ChunkID)
	}
	if results[0].Score != results[1].Score {
		t.Errorf("rank-1 entries should tie: %v vs %v", results[0].Score, results[1].Score)
	}
}

func TestFuseRRF_Limit(t *testing.T) {
	t.Parallel()

	var kws []store.KeywordHit
	for i := 0; i < 6; i++ {
		kws = append(kws, kwHit(uuid.New(), "c", 1))
	}
	if got := len(retrieval.FuseRRF(kws, nil, retrieval.DefaultRRFK, 3)); got != 3 {
		t.Errorf("limit: want 3, got %d", got)
	}
}

func TestFuseRRF_ConfigurableK(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	hits := []store.KeywordHit{kwHit(id, "c", 1)}

	small := retrieval.FuseRRF(hits, nil, 10, 3)
	large := retrieval.FuseRRF(hits, nil, 100, 3)

	wantSmall, wantLarge := 1.0/11.0, 1.0/101.0
	if small[0].Score != wantSmall {
		t.Errorf("k=10 score: want %v, got %v", wantSmall, small[0].Score)
	}
	if large[0].Score != wantLarge {
		t.Errorf("k=100 score: want %v, got %v", wantLarge, large[0].Score)
	}
}

func TestRetrieve_EmptyQuery(t *testing.T) {
	t.Parallel()

	r := retrieval.NewRetriever(&fakeSearcher{}, &embmock.Provider{}, 0.7, 60, 3, 0, nil, nil)
	out, err := r.Retrieve(context.Background(), uuid.New(), "   ")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if out != "" {
		t.Errorf("want empty context, got %q", out)
	}
}

func TestRetrieve_NoKnowledgeBase(t *testing.T) {
	t.Parallel()

	r := retrieval.NewRetriever(&fakeSearcher{}, &embmock.Provider{}, 0.7, 60, 3, 0, nil, nil)
	out, err := r.Retrieve(context.Background(), uuid.Nil, "opening hours")
	if err != nil || out != "" {
		t.Errorf("want empty context without error, got %q, %v", out, err)
	}
}

func TestRetrieve_SimilarityFloorAppliedBeforeFusion(t *testing.T) {
	t.Parallel()

	weak := uuid.New()
	strong := uuid.New()
	s := &fakeSearcher{
		semantic: []store.SemanticHit{
			semHit(weak, "weak match", 0.55),
			semHit(strong, "strong match", 0.92),
		},
	}
	r := retrieval.NewRetriever(s, &embmock.Provider{}, 0.7, 60, 3, 0, nil, nil)

	out, err := r.Retrieve(context.Background(), uuid.New(), "store hours")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !strings.Contains(out, "strong match") {
		t.Errorf("context missing strong match: %q", out)
	}
	if strings.Contains(out, "weak match") {
		t.Errorf("sub-threshold hit leaked into context: %q", out)
	}
}

func TestRetrieve_OneBranchFailingDegrades(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	s := &fakeSearcher{
		keyword: []store.KeywordHit{kwHit(id, "hours are 9-5", 0.8)},
		semErr:  errors.New("pgvector down"),
	}
	r := retrieval.NewRetriever(s, &embmock.Provider{}, 0.7, 60, 3, 0, nil, nil)

	out, err := r.Retrieve(context.Background(), uuid.New(), "opening hours")
	if err != nil {
		t.Fatalf("Retrieve should degrade, got %v", err)
	}
	if !strings.Contains(out, "hours are 9-5") {
		t.Errorf("context: %q", out)
	}
}

func TestRetrieve_BothBranchesFailing(t *testing.T) {
	t.Parallel()

	s := &fakeSearcher{
		kwErr:  errors.New("fts down"),
		semErr: errors.New("pgvector down"),
	}
	r := retrieval.NewRetriever(s, &embmock.Provider{}, 0.7, 60, 3, 0, nil, nil)

	if _, err := r.Retrieve(context.Background(), uuid.New(), "hours"); err == nil {
		t.Error("expected error when both branches fail")
	}
}

func TestRetrieve_NoHits(t *testing.T) {
	t.Parallel()

	r := retrieval.NewRetriever(&fakeSearcher{}, &embmock.Provider{}, 0.7, 60, 3, 0, nil, nil)
	out, err := r.Retrieve(context.Background(), uuid.New(), "anything")
	if err != nil || out != "" {
		t.Errorf("want empty context, got %q, %v", out, err)
	}
}

func TestIsSpecificQuery(t *testing.T) {
	t.Parallel()

	specific := []string{
		"where is order 12345",
		"ticket #88 status",
		"my tracking code is AB12X",
		"invoice 9012",
	}
	general := []string{
		"what are your opening hours",
		"do you ship to Canada",
		"tell me about returns",
	}
	for _, q := range specific {
		if !retrieval.IsSpecificQuery(q) {
			t.Errorf("IsSpecificQuery(%q): want true", q)
		}
	}
	for _, q := range general {
		if retrieval.IsSpecificQuery(q) {
			t.Errorf("IsSpecificQuery(%q): want false", q)
		}
	}
}
