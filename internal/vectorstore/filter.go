package vectorstore

import (
	"slices"

	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/vector"
)

// Predicate compiles filters into an index predicate. Empty filters yield nil.
func Predicate(f *models.Filters) vector.Predicate {
	if f.Empty() {
		return nil
	}
	var docIDs map[string]struct{}
	if len(f.DocumentIDs) > 0 {
		docIDs = make(map[string]struct{}, len(f.DocumentIDs))
		for _, id := range f.DocumentIDs {
			docIDs[id] = struct{}{}
		}
	}
	return func(documentID string, info *vector.DocInfo) bool {
		if docIDs != nil {
			if _, ok := docIDs[documentID]; !ok {
				return false
			}
		}
		if len(f.ContentTypes) > 0 && !slices.Contains(f.ContentTypes, info.ContentType) {
			return false
		}
		if len(f.SourceTypes) > 0 && !slices.Contains(f.SourceTypes, info.SourceType) {
			return false
		}
		for k, v := range f.Metadata {
			if got, ok := info.Metadata[k]; !ok || got != v {
				return false
			}
		}
		return true
	}
}
