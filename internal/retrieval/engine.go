// Package retrieval answers natural-language queries with the stored chunks
// closest to them.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hyperjump/chishiki/internal/models"
	"go.uber.org/zap"
)

// DedupMode controls how many chunks of one document may appear in a result.
type DedupMode string

const (
	// DedupGlobal returns the top chunks regardless of their document.
	DedupGlobal DedupMode = "global"
	// DedupPerDocument returns only the best chunk of each document.
	DedupPerDocument DedupMode = "per_document"
)

// ParseDedupMode validates a configured mode. Empty selects DedupGlobal.
func ParseDedupMode(s string) (DedupMode, error) {
	switch DedupMode(s) {
	case "", DedupGlobal:
		return DedupGlobal, nil
	case DedupPerDocument:
		return DedupPerDocument, nil
	}
	return "", fmt.Errorf("unknown dedup mode %q (want %q or %q)", s, DedupGlobal, DedupPerDocument)
}

// QueryEmbedder embeds a single query text.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Searcher finds the chunks nearest to a query vector and, optionally, scores
// them by keyword relevance.
type Searcher interface {
	Search(ctx context.Context, query []float32, topK int, filters *models.Filters) ([]models.SearchHit, error)
	KeywordScores(ctx context.Context, query string, chunkIDs []string) (map[string]float64, error)
	HasKeywordIndex() bool
}

// Engine runs retrieval queries.
type Engine struct {
	embedder      QueryEmbedder
	searcher      Searcher
	mode          DedupMode
	defaultTopK   int
	maxTopK       int
	oversample    int
	hybridWeight  float64
	minSimilarity float64
	fallbackK     int
	logger        *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMode sets the dedup mode.
func WithMode(m DedupMode) Option {
	return func(e *Engine) {
		if m != "" {
			e.mode = m
		}
	}
}

// WithTopK sets the default and maximum number of results per query.
func WithTopK(defaultTopK, maxTopK int) Option {
	return func(e *Engine) {
		if defaultTopK > 0 {
			e.defaultTopK = defaultTopK
		}
		if maxTopK > 0 {
			e.maxTopK = maxTopK
		}
	}
}

// WithOversample sets how many candidates per requested result are fetched
// from the store before re-ranking and dedup.
func WithOversample(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.oversample = n
		}
	}
}

// WithHybridWeight blends normalized keyword scores into the ranking with
// weight w in [0, 1]. Zero ranks by similarity alone.
func WithHybridWeight(w float64) Option {
	return func(e *Engine) {
		if w >= 0 && w <= 1 {
			e.hybridWeight = w
		}
	}
}

// WithMinSimilarity sets the similarity threshold applied when a query does
// not set its own, and how many of the closest chunks are returned when
// nothing passes it.
func WithMinSimilarity(threshold float64, fallbackK int) Option {
	return func(e *Engine) {
		if threshold >= 0 && threshold <= 1 {
			e.minSimilarity = threshold
		}
		if fallbackK >= 0 {
			e.fallbackK = fallbackK
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates a retrieval engine.
func NewEngine(embedder QueryEmbedder, searcher Searcher, opts ...Option) *Engine {
	e := &Engine{
		embedder:    embedder,
		searcher:    searcher,
		mode:        DedupGlobal,
		defaultTopK: 5,
		maxTopK:     100,
		oversample:  3,
		fallbackK:   3,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mode returns the active dedup mode.
func (e *Engine) Mode() DedupMode {
	return e.mode
}

// Retrieve embeds the query, searches the store and returns at most TopK
// ranked chunks. An empty store yields an empty result.
func (e *Engine) Retrieve(ctx context.Context, q *models.RetrieveQuery) (*models.RetrieveResponse, error) {
	start := time.Now()
	if err := q.Validate(e.defaultTopK, e.maxTopK); err != nil {
		return nil, err
	}
	threshold := e.minSimilarity
	if q.MinSimilarity != nil {
		threshold = *q.MinSimilarity
	}

	vec, err := e.embedder.EmbedQuery(ctx, q.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	hits, err := e.search(ctx, vec, q)
	if err != nil {
		return nil, err
	}

	candidates := make([]*models.RetrievedChunk, len(hits))
	for i := range hits {
		h := &hits[i]
		sim := h.Similarity()
		candidates[i] = &models.RetrievedChunk{
			Chunk:         h.Chunk,
			DocumentID:    h.Chunk.DocumentID,
			DocumentTitle: h.DocumentTitle,
			Similarity:    sim,
			Score:         sim,
		}
	}
	e.rerank(ctx, q.Query, candidates)

	results := candidates
	fallback := false
	if threshold > 0 {
		results = aboveThreshold(candidates, threshold)
		if len(results) == 0 && len(candidates) > 0 && e.fallbackK > 0 {
			results = candidates
			fallback = true
		}
	}
	results = e.dedup(results)
	limit := q.TopK
	if fallback {
		limit = min(limit, e.fallbackK)
	}
	if len(results) > limit {
		results = results[:limit]
	}
	for i, r := range results {
		r.Rank = i + 1
	}

	e.logger.Debug("retrieve",
		zap.String("query", q.Query),
		zap.Int("candidates", len(candidates)),
		zap.Int("results", len(results)),
		zap.Bool("fallback", fallback),
	)
	return &models.RetrieveResponse{
		Query:     q.Query,
		Mode:      string(e.mode),
		Results:   results,
		Fallback:  fallback,
		QueryTime: time.Since(start).Milliseconds(),
	}, nil
}

// search fetches TopK*oversample candidates. In per-document mode it keeps
// doubling the fetch while the candidates span fewer than TopK documents and
// the store may still hold more.
func (e *Engine) search(ctx context.Context, vec []float32, q *models.RetrieveQuery) ([]models.SearchHit, error) {
	fetch := q.TopK * e.oversample
	for {
		hits, err := e.searcher.Search(ctx, vec, fetch, q.Filters)
		if err != nil {
			return nil, fmt.Errorf("vector search failed: %w", err)
		}
		if e.mode != DedupPerDocument || len(hits) < fetch || distinctDocuments(hits) >= q.TopK {
			return hits, nil
		}
		fetch *= 2
	}
}

func distinctDocuments(hits []models.SearchHit) int {
	seen := make(map[string]struct{}, len(hits))
	for i := range hits {
		seen[hits[i].Chunk.DocumentID] = struct{}{}
	}
	return len(seen)
}

// rerank blends keyword relevance into the scores when a keyword index is
// available. Keyword failures leave the similarity ranking in place.
func (e *Engine) rerank(ctx context.Context, query string, candidates []*models.RetrievedChunk) {
	if e.hybridWeight == 0 || len(candidates) == 0 || !e.searcher.HasKeywordIndex() {
		return
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.Chunk.ID
	}
	raw, err := e.searcher.KeywordScores(ctx, query, ids)
	if err != nil {
		e.logger.Warn("keyword scoring failed", zap.Error(err))
		return
	}
	keywordScores := NormalizeByMax(raw)
	for _, c := range candidates {
		c.KeywordScore = keywordScores[c.Chunk.ID]
		c.Score = Blend(c.Similarity, c.KeywordScore, e.hybridWeight)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
}

func aboveThreshold(in []*models.RetrievedChunk, threshold float64) []*models.RetrievedChunk {
	out := make([]*models.RetrievedChunk, 0, len(in))
	for _, c := range in {
		if c.Similarity >= threshold {
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) dedup(in []*models.RetrievedChunk) []*models.RetrievedChunk {
	if e.mode != DedupPerDocument {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]*models.RetrievedChunk, 0, len(in))
	for _, c := range in {
		if _, ok := seen[c.DocumentID]; ok {
			continue
		}
		seen[c.DocumentID] = struct{}{}
		out = append(out, c)
	}
	return out
}
