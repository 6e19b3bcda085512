package keyword

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
	"github.com/hyperjump/chishiki/internal/models"
)

// BleveIndex implements Index using Bleve.
type BleveIndex struct {
	index bleve.Index
}

type chunkDoc struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	Content    string `json:"content"`
}

func newMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	// Standard analyzer (lowercase + tokenize, no stemming) so "bayes" matches "Bayes" exactly.
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("content", textFieldMapping)
	docMapping.AddFieldMappingsAt("title", textFieldMapping)
	idFieldMapping := bleve.NewKeywordFieldMapping()
	idFieldMapping.IncludeInAll = false
	docMapping.AddFieldMappingsAt("document_id", idFieldMapping)
	im.DefaultMapping = docMapping
	return im
}

// NewBleveIndex creates or opens a Bleve index at path. An empty path keeps the
// index in memory; it is then rebuilt from storage on every start.
func NewBleveIndex(path string) (*BleveIndex, error) {
	im := newMapping()
	if path == "" {
		index, err := bleve.NewMemOnly(im)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory Bleve index: %w", err)
		}
		return &BleveIndex{index: index}, nil
	}

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// ReplaceDocument removes the previous chunks of docID and indexes chunks in one batch.
func (b *BleveIndex) ReplaceDocument(ctx context.Context, docID, title string, chunks []*models.DocumentChunk) error {
	existing, err := b.chunkIDsOf(docID)
	if err != nil {
		return err
	}
	batch := b.index.NewBatch()
	for _, id := range existing {
		batch.Delete(id)
	}
	for _, c := range chunks {
		if err := batch.Index(c.ID, chunkDoc{DocumentID: docID, Title: title, Content: c.Content}); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", c.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("Bleve batch failed: %w", err)
	}
	return nil
}

// DeleteDocument removes all chunks of docID from the index.
func (b *BleveIndex) DeleteDocument(ctx context.Context, docID string) error {
	return b.ReplaceDocument(ctx, docID, "", nil)
}

func (b *BleveIndex) chunkIDsOf(docID string) ([]string, error) {
	tq := bleve.NewTermQuery(docID)
	tq.SetField("document_id")
	var ids []string
	const page = 1000
	for from := 0; ; from += page {
		req := bleve.NewSearchRequestOptions(tq, page, from, false)
		res, err := b.index.Search(req)
		if err != nil {
			return nil, fmt.Errorf("Bleve search failed: %w", err)
		}
		for _, hit := range res.Hits {
			ids = append(ids, hit.ID)
		}
		if len(res.Hits) < page {
			return ids, nil
		}
	}
}

// Score restricts a match query to chunkIDs and returns the score of each hit.
func (b *BleveIndex) Score(ctx context.Context, query string, chunkIDs []string, opts *SearchOptions) (map[string]float64, error) {
	if len(chunkIDs) == 0 || strings.TrimSpace(query) == "" {
		return map[string]float64{}, nil
	}
	q := bleve.NewConjunctionQuery(bleve.NewDocIDQuery(chunkIDs), buildQuery(query, opts))
	req := bleve.NewSearchRequest(q)
	req.Size = len(chunkIDs)
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make(map[string]float64, len(res.Hits))
	for _, hit := range res.Hits {
		out[hit.ID] = hit.Score
	}
	return out, nil
}

// Search runs a match query over title and content and returns up to limit chunks.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Result, error) {
	req := bleve.NewSearchRequest(buildQuery(query, opts))
	req.Size = limit
	req.Fields = []string{"document_id"}
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]*Result, len(res.Hits))
	for i, hit := range res.Hits {
		docID, _ := hit.Fields["document_id"].(string)
		out[i] = &Result{ChunkID: hit.ID, DocumentID: docID, Score: hit.Score}
	}
	return out, nil
}

func buildQuery(query string, opts *SearchOptions) blevequery.Query {
	if opts == nil || !opts.FuzzyEnabled {
		return bleve.NewMatchQuery(query)
	}
	fuzziness := opts.Fuzziness
	if fuzziness <= 0 {
		fuzziness = 1
	}
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return bleve.NewMatchQuery(query)
	}
	// Any term may match, as with a match query.
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		queries = append(queries, fq)
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// DocCount returns the number of indexed chunks.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
