package models

import (
	"fmt"
	"strings"
)

// Filters restrict the search candidate set by document attributes before ranking.
// Empty fields do not restrict. Metadata entries must all match exactly.
type Filters struct {
	DocumentIDs  []string          `json:"document_ids,omitempty"`
	ContentTypes []string          `json:"content_types,omitempty"`
	SourceTypes  []string          `json:"source_types,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Empty reports whether the filters accept every document.
func (f *Filters) Empty() bool {
	return f == nil || (len(f.DocumentIDs) == 0 && len(f.ContentTypes) == 0 &&
		len(f.SourceTypes) == 0 && len(f.Metadata) == 0)
}

// RetrieveQuery is a retrieval request.
type RetrieveQuery struct {
	Query         string   `json:"query"`
	TopK          int      `json:"top_k,omitempty"`
	Filters       *Filters `json:"filters,omitempty"`
	// MinSimilarity overrides the configured threshold when set; 0 disables it.
	MinSimilarity *float64 `json:"min_similarity,omitempty"`
}

// Validate ensures the query has text and normalizes TopK into [1, maxTopK].
func (q *RetrieveQuery) Validate(defaultTopK, maxTopK int) error {
	if strings.TrimSpace(q.Query) == "" {
		return fmt.Errorf("%w: query cannot be empty", ErrInvalidQuery)
	}
	if q.MinSimilarity != nil && (*q.MinSimilarity < 0 || *q.MinSimilarity > 1) {
		return fmt.Errorf("%w: min_similarity must be within [0, 1]", ErrInvalidQuery)
	}
	if q.TopK <= 0 {
		q.TopK = defaultTopK
	}
	if maxTopK > 0 && q.TopK > maxTopK {
		q.TopK = maxTopK
	}
	return nil
}
