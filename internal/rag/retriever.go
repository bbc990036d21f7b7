package rag

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Result is one retrieved chunk. The retriever attaches its own decision
// bookkeeping (summary rewrite, effective threshold) so downstream guardrails
// never re-derive it.
type Result struct {
	SourceID           string
	DocumentID         string
	ChunkID            string
	Text               string
	Score              float64
	IsSummaryQuery     bool
	EffectiveThreshold float64
}

// summaryCanonicalQuery replaces command-style summary requests before
// embedding. "Summarize the document" has almost no semantic overlap with any
// specific passage; this descriptive phrase does.
const summaryCanonicalQuery = "main topics key points important information"

const (
	summaryMinSimilarity = 0.05
	embeddingCacheCap    = 100
)

var summaryRewritePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(give me |can you |please )*(a |an )?(summary|overview|brief)`),
	regexp.MustCompile(`^summarize (the |this )?(document|file|text|pdf|content)`),
	regexp.MustCompile(`^what (is|are) (the )?(main|key) (points?|topics?|ideas?)`),
	regexp.MustCompile(`^(tell me |show me )?what.s in (the |this )?(document|file)`),
}

var summaryCueWords = []string{
	"summarize", "summary", "overview", "brief", "main points", "key points",
	"what does it say", "what is in", "tell me about the document",
}

var fillerPatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`^(tell me about|show me|explain|describe)\s+`), ""},
	{regexp.MustCompile(`^(can you |could you |please |would you )+(tell|show|explain|describe)\s+`), ""},
	{regexp.MustCompile(`\s+(please|thanks|thank you)$`), ""},
}

// Retriever rewrites queries, embeds them (local preferred, remote fallback,
// FIFO-cached) and searches the vector store with adaptive thresholds.
type Retriever struct {
	store         VectorStore
	local         Embedder
	remote        Embedder
	topK          int
	minSimilarity float64
	sessionFilter bool

	// The retriever is shared across sessions; only the cache is mutable.
	mu        sync.Mutex
	cache     map[string][]float32
	cacheKeys []string
}

type RetrieverConfig struct {
	TopK          int
	MinSimilarity float64
	// SessionFilter scopes search to chunks uploaded by the querying session.
	SessionFilter bool
}

// NewRetriever builds a retriever. Either embedder may be nil; local is tried
// first when both are present.
func NewRetriever(store VectorStore, local, remote Embedder, cfg RetrieverConfig) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = 0.3
	}
	return &Retriever{
		store:         store,
		local:         local,
		remote:        remote,
		topK:          cfg.TopK,
		minSimilarity: cfg.MinSimilarity,
		sessionFilter: cfg.SessionFilter,
		cache:         make(map[string][]float32, embeddingCacheCap),
	}
}

// Retrieve returns the relevant chunks for a query. The whole operation is
// bounded by timeout; expiry or any internal failure yields an empty list,
// never an error, because retrieval must not fail the turn.
func (r *Retriever) Retrieve(ctx context.Context, query, sessionID string, timeout time.Duration) []Result {
	if timeout <= 0 {
		timeout = 350 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	results, err := r.retrieve(ctx, query, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			slog.Warn("retrieval timed out", "timeout", timeout, "query_prefix", prefix(query, 50))
		} else {
			slog.Error("retrieval failed", "err", err)
		}
		return nil
	}
	slog.Debug("retrieval complete",
		"results", len(results), "elapsed", time.Since(start))
	return results
}

func (r *Retriever) retrieve(ctx context.Context, query, sessionID string) ([]Result, error) {
	rewritten, isSummary := RewriteQuery(query)

	minScore := r.minSimilarity
	topK := r.topK
	if isSummary {
		// A widened search: permissive threshold, double breadth, trimmed
		// back to topK before returning.
		minScore = summaryMinSimilarity
		topK = 2 * r.topK
	}

	embedding, err := r.queryEmbedding(ctx, rewritten)
	if err != nil {
		return nil, err
	}

	filterSession := ""
	if r.sessionFilter {
		filterSession = sessionID
	}
	matches, err := r.store.Search(ctx, embedding, SearchFilter{
		SessionID: filterSession,
		TopK:      topK,
		MinScore:  minScore,
	})
	if err != nil {
		return nil, err
	}

	if isSummary && len(matches) > r.topK {
		matches = matches[:r.topK]
	}

	out := make([]Result, 0, len(matches))
	for _, m := range matches {
		text := m.Text
		if len(text) > 1000 {
			text = text[:1000]
		}
		out = append(out, Result{
			SourceID:           m.Filename,
			DocumentID:         m.DocumentID,
			ChunkID:            m.ChunkID,
			Text:               text,
			Score:              m.Score,
			IsSummaryQuery:     isSummary,
			EffectiveThreshold: minScore,
		})
	}
	return out, nil
}

// RewriteQuery normalizes a spoken query before embedding: summary intent is
// replaced by the canonical descriptive phrase, and leading/trailing filler is
// stripped.
func RewriteQuery(query string) (string, bool) {
	lowered := strings.ToLower(strings.TrimSpace(query))

	for _, p := range summaryRewritePatterns {
		if p.MatchString(lowered) {
			return summaryCanonicalQuery, true
		}
	}

	isSummary := false
	for _, cue := range summaryCueWords {
		if strings.Contains(lowered, cue) {
			isSummary = true
			break
		}
	}

	rewritten := lowered
	modified := false
	for _, f := range fillerPatterns {
		next := strings.TrimSpace(f.re.ReplaceAllString(rewritten, f.replacement))
		if next != rewritten {
			rewritten = next
			modified = true
		}
	}

	if !modified {
		return query, isSummary
	}
	return rewritten, isSummary
}

// queryEmbedding embeds the query with a FIFO cache keyed on the lower-cased,
// trimmed text. Local embedder is preferred; the remote one is the fallback.
func (r *Retriever) queryEmbedding(ctx context.Context, query string) ([]float32, error) {
	key := strings.ToLower(strings.TrimSpace(query))
	r.mu.Lock()
	if vec, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return vec, nil
	}
	r.mu.Unlock()

	vec, err := r.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.cache[key]; !ok {
		if len(r.cacheKeys) >= embeddingCacheCap {
			oldest := r.cacheKeys[0]
			r.cacheKeys = r.cacheKeys[1:]
			delete(r.cache, oldest)
		}
		r.cache[key] = vec
		r.cacheKeys = append(r.cacheKeys, key)
	}
	r.mu.Unlock()
	return vec, nil
}

func (r *Retriever) embed(ctx context.Context, query string) ([]float32, error) {
	if r.local != nil {
		vec, err := r.local.Embed(ctx, query)
		if err == nil {
			return vec, nil
		}
		if r.remote == nil {
			return nil, err
		}
		slog.Warn("local embedder failed, falling back to remote", "err", err)
	}
	if r.remote != nil {
		return r.remote.Embed(ctx, query)
	}
	return nil, ErrNoEmbedder
}

// CacheSize reports the number of cached query embeddings, for telemetry.
func (r *Retriever) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// ClearCache drops all cached query embeddings.
func (r *Retriever) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string][]float32, embeddingCacheCap)
	r.cacheKeys = nil
}
