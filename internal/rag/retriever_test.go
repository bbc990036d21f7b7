package rag

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

type memoryVectorStore struct {
	chunks     []Chunk
	lastFilter SearchFilter
	// scores are keyed by chunk ID; unlisted chunks score 0.
	scores map[string]float64
	err    error
}

func (m *memoryVectorStore) UpsertChunks(_ context.Context, chunks []Chunk) error {
	m.chunks = append(m.chunks, chunks...)
	return m.err
}

func (m *memoryVectorStore) Search(_ context.Context, _ []float32, filter SearchFilter) ([]Match, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.lastFilter = filter
	var out []Match
	for _, c := range m.chunks {
		if filter.SessionID != "" && c.SessionID != filter.SessionID {
			continue
		}
		score := m.scores[c.ID]
		if score < filter.MinScore {
			continue
		}
		out = append(out, Match{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			Filename:   c.Filename,
			Text:       c.Text,
			Score:      score,
		})
		if len(out) >= filter.TopK {
			break
		}
	}
	return out, nil
}

func (m *memoryVectorStore) DeleteByDocument(_ context.Context, documentID string) error {
	kept := m.chunks[:0]
	for _, c := range m.chunks {
		if c.DocumentID != documentID {
			kept = append(kept, c)
		}
	}
	m.chunks = kept
	return nil
}

func (m *memoryVectorStore) DeleteBySession(_ context.Context, sessionID string) error {
	kept := m.chunks[:0]
	for _, c := range m.chunks {
		if c.SessionID != sessionID {
			kept = append(kept, c)
		}
	}
	m.chunks = kept
	return nil
}

func (m *memoryVectorStore) Stats(_ context.Context) (VectorStats, error) {
	return VectorStats{ChunkCount: int64(len(m.chunks))}, nil
}

type fakeEmbedder struct {
	calls atomic.Int64
	err   error
	delay time.Duration
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }
func (f *fakeEmbedder) ModelID() string { return "fake" }

func seededStore() *memoryVectorStore {
	store := &memoryVectorStore{scores: map[string]float64{}}
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("doc1-%d", i)
		store.chunks = append(store.chunks, Chunk{
			ID:         id,
			DocumentID: "doc1",
			SessionID:  "sess1",
			Filename:   "handbook.pdf",
			ChunkIndex: i,
			Text:       fmt.Sprintf("chunk %d body", i),
		})
		store.scores[id] = 0.9 - float64(i)*0.1
	}
	return store
}

func TestRewriteQuerySummaryIntent(t *testing.T) {
	cases := []string{
		"summarize the document",
		"give me an overview",
		"can you give me a summary please",
		"what are the main points",
		"what's in the document",
	}
	for _, q := range cases {
		rewritten, isSummary := RewriteQuery(q)
		if !isSummary {
			t.Fatalf("RewriteQuery(%q) isSummary = false", q)
		}
		if rewritten != summaryCanonicalQuery {
			t.Fatalf("RewriteQuery(%q) = %q, want canonical phrase", q, rewritten)
		}
	}
}

func TestRewriteQueryFillerStripping(t *testing.T) {
	cases := []struct{ in, want string }{
		{"tell me about the refund policy", "the refund policy"},
		{"can you explain the warranty terms please", "the warranty terms"},
		{"describe the onboarding steps thanks", "the onboarding steps"},
	}
	for _, tc := range cases {
		got, isSummary := RewriteQuery(tc.in)
		if isSummary {
			t.Fatalf("RewriteQuery(%q) flagged as summary", tc.in)
		}
		if got != tc.want {
			t.Fatalf("RewriteQuery(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRewriteQueryLeavesPlainQuestions(t *testing.T) {
	q := "When does the contract expire?"
	got, isSummary := RewriteQuery(q)
	if isSummary || got != q {
		t.Fatalf("RewriteQuery(%q) = (%q, %v), want unchanged", q, got, isSummary)
	}
}

func TestRetrieveNormalQuery(t *testing.T) {
	store := seededStore()
	r := NewRetriever(store, &fakeEmbedder{}, nil, RetrieverConfig{TopK: 3, MinSimilarity: 0.3, SessionFilter: true})

	results := r.Retrieve(context.Background(), "when does the warranty expire", "sess1", time.Second)
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	if store.lastFilter.TopK != 3 || store.lastFilter.MinScore != 0.3 {
		t.Fatalf("search filter = %+v, want topK 3 minScore 0.3", store.lastFilter)
	}
	for _, res := range results {
		if res.IsSummaryQuery {
			t.Fatalf("normal query marked summary: %+v", res)
		}
		if res.EffectiveThreshold != 0.3 {
			t.Fatalf("EffectiveThreshold = %v, want 0.3", res.EffectiveThreshold)
		}
		if res.SourceID != "handbook.pdf" {
			t.Fatalf("SourceID = %q", res.SourceID)
		}
	}
}

func TestRetrieveSummaryWidensThenTrims(t *testing.T) {
	store := seededStore()
	r := NewRetriever(store, &fakeEmbedder{}, nil, RetrieverConfig{TopK: 3, MinSimilarity: 0.7, SessionFilter: true})

	results := r.Retrieve(context.Background(), "summarize the document", "sess1", time.Second)
	if store.lastFilter.TopK != 6 {
		t.Fatalf("summary search TopK = %d, want 6", store.lastFilter.TopK)
	}
	if store.lastFilter.MinScore != summaryMinSimilarity {
		t.Fatalf("summary search MinScore = %v, want %v", store.lastFilter.MinScore, summaryMinSimilarity)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want trimmed back to 3", len(results))
	}
	for _, res := range results {
		if !res.IsSummaryQuery {
			t.Fatalf("summary result missing flag: %+v", res)
		}
		if res.EffectiveThreshold != summaryMinSimilarity {
			t.Fatalf("EffectiveThreshold = %v, want %v", res.EffectiveThreshold, summaryMinSimilarity)
		}
	}
}

func TestRetrieveSessionIsolation(t *testing.T) {
	store := seededStore()
	r := NewRetriever(store, &fakeEmbedder{}, nil, RetrieverConfig{TopK: 3, MinSimilarity: 0.3, SessionFilter: true})

	results := r.Retrieve(context.Background(), "warranty", "other-session", time.Second)
	if len(results) != 0 {
		t.Fatalf("len(results) = %d for foreign session, want 0", len(results))
	}
}

func TestRetrieveTimeoutReturnsEmpty(t *testing.T) {
	store := seededStore()
	slow := &fakeEmbedder{delay: 500 * time.Millisecond}
	r := NewRetriever(store, slow, nil, RetrieverConfig{TopK: 3, MinSimilarity: 0.3})

	start := time.Now()
	results := r.Retrieve(context.Background(), "warranty", "sess1", 30*time.Millisecond)
	if results != nil {
		t.Fatalf("results = %v on timeout, want nil", results)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Fatalf("Retrieve blocked %s past its deadline", elapsed)
	}
}

func TestRetrieveEmbeddingCacheFIFO(t *testing.T) {
	store := seededStore()
	emb := &fakeEmbedder{}
	r := NewRetriever(store, emb, nil, RetrieverConfig{TopK: 3, MinSimilarity: 0.3})

	r.Retrieve(context.Background(), "Warranty Terms", "sess1", time.Second)
	r.Retrieve(context.Background(), "warranty terms", "sess1", time.Second)
	if got := emb.calls.Load(); got != 1 {
		t.Fatalf("embedder calls = %d after case-insensitive repeat, want 1", got)
	}
	if r.CacheSize() != 1 {
		t.Fatalf("CacheSize() = %d, want 1", r.CacheSize())
	}

	for i := 0; i < embeddingCacheCap+10; i++ {
		r.Retrieve(context.Background(), fmt.Sprintf("distinct query %d", i), "sess1", time.Second)
	}
	if r.CacheSize() != embeddingCacheCap {
		t.Fatalf("CacheSize() = %d, want capped at %d", r.CacheSize(), embeddingCacheCap)
	}
}

func TestRetrieveLocalFallsBackToRemote(t *testing.T) {
	store := seededStore()
	local := &fakeEmbedder{err: errors.New("local model unavailable")}
	remote := &fakeEmbedder{}
	r := NewRetriever(store, local, remote, RetrieverConfig{TopK: 3, MinSimilarity: 0.3})

	results := r.Retrieve(context.Background(), "warranty", "sess1", time.Second)
	if len(results) == 0 {
		t.Fatalf("no results after remote fallback")
	}
	if remote.calls.Load() == 0 {
		t.Fatalf("remote embedder never called")
	}
}
