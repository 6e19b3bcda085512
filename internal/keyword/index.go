// Package keyword provides BM25 keyword scoring over chunks for hybrid ranking.
package keyword

import (
	"context"

	"github.com/hyperjump/chishiki/internal/models"
)

// SearchOptions optional parameters for keyword search. Nil means use defaults.
type SearchOptions struct {
	// FuzzyEnabled enables fuzzy matching for typo tolerance.
	FuzzyEnabled bool
	// Fuzziness is the maximum Levenshtein edit distance for fuzzy matching (1 or 2).
	// Default is 1 when FuzzyEnabled is true.
	Fuzziness int
}

// Index defines keyword indexing of chunks. Index entries are keyed by chunk ID.
type Index interface {
	// ReplaceDocument swaps the indexed chunks of a document.
	ReplaceDocument(ctx context.Context, docID, title string, chunks []*models.DocumentChunk) error
	DeleteDocument(ctx context.Context, docID string) error
	// Score returns the BM25 score of each listed chunk that matches query.
	Score(ctx context.Context, query string, chunkIDs []string, opts *SearchOptions) (map[string]float64, error)
	Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Result, error)
	DocCount() (uint64, error)
	Close() error
}

// Result is a single keyword search hit.
type Result struct {
	ChunkID    string
	DocumentID string
	Score      float64
}
