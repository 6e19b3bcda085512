// Package vectorstore persists chunks with their embeddings and answers nearest
// neighbour queries. SQLite is the store of record; the in-memory vector index
// and the optional keyword index are hydrated from it on open.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hyperjump/chishiki/internal/keyword"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/storage"
	"github.com/hyperjump/chishiki/internal/vector"
	"go.uber.org/zap"
)

// Store is safe for concurrent use. Writes to one document are serialized;
// writes to different documents proceed in parallel.
type Store struct {
	storage storage.Storage
	index   *vector.Index
	keyword keyword.Index
	model   string
	logger  *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*docLock
}

type docLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures a Store.
type Option func(*Store)

// WithKeywordIndex maintains a keyword index alongside the vectors.
func WithKeywordIndex(k keyword.Index) Option {
	return func(s *Store) { s.keyword = k }
}

// WithModel records the embedding model name on inserted chunks.
func WithModel(model string) Option {
	return func(s *Store) { s.model = model }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open verifies the persisted embedding space against the index dimension and
// loads every stored chunk into the index.
func Open(ctx context.Context, st storage.Storage, index *vector.Index, opts ...Option) (*Store, error) {
	s := &Store{
		storage: st,
		index:   index,
		logger:  zap.NewNop(),
		locks:   make(map[string]*docLock),
	}
	for _, opt := range opts {
		opt(s)
	}

	storedModel, err := st.EnsureEmbeddingSpace(ctx, s.model, index.Dimensions())
	if err != nil {
		return nil, fmt.Errorf("embedding space check failed: %w", err)
	}
	if storedModel != s.model {
		s.logger.Warn("embedding model differs from the one the store was created with; re-ingest documents to avoid mixing vector spaces",
			zap.String("stored_model", storedModel),
			zap.String("configured_model", s.model))
	}

	var docs, chunks int
	err = st.ForEachIndexed(ctx, func(doc *models.Document, cs []*models.DocumentChunk) error {
		for _, c := range cs {
			if len(c.Embedding) != index.Dimensions() {
				return fmt.Errorf("chunk %s: %w", c.ID, &models.DimensionError{Expected: index.Dimensions(), Got: len(c.Embedding)})
			}
		}
		index.Replace(doc.ID, docInfo(doc), cs)
		if s.keyword != nil {
			if err := s.keyword.ReplaceDocument(ctx, doc.ID, doc.Title, cs); err != nil {
				return err
			}
		}
		docs++
		chunks += len(cs)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate index: %w", err)
	}
	s.logger.Info("vector store opened",
		zap.Int("documents", docs),
		zap.Int("chunks", chunks),
		zap.Int("dimensions", index.Dimensions()),
		zap.String("strategy", index.Strategy().String()))
	return s, nil
}

func docInfo(doc *models.Document) *vector.DocInfo {
	return &vector.DocInfo{
		Title:       doc.Title,
		ContentType: doc.ContentType,
		SourceType:  doc.SourceType,
		Metadata:    doc.Metadata,
	}
}

// Dimensions returns the store-wide vector dimension.
func (s *Store) Dimensions() int {
	return s.index.Dimensions()
}

// Storage returns the underlying store of record.
func (s *Store) Storage() storage.Storage {
	return s.storage
}

// Index returns the in-memory vector index.
func (s *Store) Index() *vector.Index {
	return s.index
}

func (s *Store) lock(docID string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[docID]
	if !ok {
		l = &docLock{}
		s.locks[docID] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, docID)
		}
		s.locksMu.Unlock()
	}
}

// InsertChunks replaces all chunks of a document with chunks. Every vector is
// checked before anything is written; on a dimension mismatch the store is
// unchanged. The new set becomes visible to Search atomically.
func (s *Store) InsertChunks(ctx context.Context, documentID string, chunks []models.ChunkInput) error {
	dims := s.index.Dimensions()
	for _, c := range chunks {
		if len(c.Vector) != dims {
			return &models.DimensionError{Expected: dims, Got: len(c.Vector)}
		}
	}

	unlock := s.lock(documentID)
	defer unlock()

	doc, err := s.storage.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}

	rows := make([]*models.DocumentChunk, len(chunks))
	for i, c := range chunks {
		rows[i] = &models.DocumentChunk{
			ID:         c.ID,
			DocumentID: documentID,
			ChunkIndex: c.Index,
			Content:    c.Text,
			TokenCount: c.TokenCount,
			Embedding:  c.Vector,
			Metadata:   c.Metadata,
		}
	}
	if err := s.storage.ReplaceChunks(ctx, documentID, rows, s.model); err != nil {
		if errors.Is(err, models.ErrDocumentNotFound) {
			return err
		}
		return fmt.Errorf("%w: %w", models.ErrStoreWriteFailed, err)
	}

	s.index.Replace(documentID, docInfo(doc), rows)
	if s.keyword != nil {
		if err := s.keyword.ReplaceDocument(ctx, documentID, doc.Title, rows); err != nil {
			// The keyword index only adjusts ranking; it is reconciled on next open.
			s.logger.Warn("keyword index update failed", zap.String("doc_id", documentID), zap.Error(err))
		}
	}
	return nil
}

// RemoveChunks deletes all chunks of a document but keeps the document.
func (s *Store) RemoveChunks(ctx context.Context, documentID string) error {
	unlock := s.lock(documentID)
	defer unlock()

	if err := s.storage.DeleteChunksByDocumentID(ctx, documentID); err != nil {
		return fmt.Errorf("%w: %w", models.ErrStoreWriteFailed, err)
	}
	s.dropFromIndexes(ctx, documentID)
	return nil
}

// DeleteDocument removes the document and all of its chunks. Deleting a
// missing document is not an error.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	unlock := s.lock(documentID)
	defer unlock()

	if _, err := s.storage.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	s.dropFromIndexes(ctx, documentID)
	return nil
}

// RefreshDocument updates the filterable attributes of an indexed document
// after its row changed.
func (s *Store) RefreshDocument(doc *models.Document) {
	s.index.UpdateDocInfo(doc.ID, docInfo(doc))
}

func (s *Store) dropFromIndexes(ctx context.Context, documentID string) {
	s.index.Remove(documentID)
	if s.keyword != nil {
		if err := s.keyword.DeleteDocument(ctx, documentID); err != nil {
			s.logger.Warn("keyword index delete failed", zap.String("doc_id", documentID), zap.Error(err))
		}
	}
}

// Search returns at most topK hits ordered by ascending cosine distance, ties
// broken by chunk creation order. Filters restrict the candidates before ranking.
func (s *Store) Search(ctx context.Context, query []float32, topK int, filters *models.Filters) ([]models.SearchHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hits, err := s.index.Search(query, topK, Predicate(filters))
	if err != nil {
		return nil, err
	}
	out := make([]models.SearchHit, len(hits))
	for i, h := range hits {
		out[i] = models.SearchHit{Chunk: h.Chunk, DocumentTitle: h.Doc.Title, Distance: h.Distance}
	}
	return out, nil
}

// KeywordScores returns keyword relevance for the given chunks, or nil when no
// keyword index is configured.
func (s *Store) KeywordScores(ctx context.Context, query string, chunkIDs []string) (map[string]float64, error) {
	if s.keyword == nil {
		return nil, nil
	}
	return s.keyword.Score(ctx, query, chunkIDs, nil)
}

// HasKeywordIndex reports whether hybrid ranking is available.
func (s *Store) HasKeywordIndex() bool {
	return s.keyword != nil
}

// Close waits for background index work and closes the keyword index. The
// store of record is owned by the caller.
func (s *Store) Close() error {
	s.index.Wait()
	if s.keyword != nil {
		return s.keyword.Close()
	}
	return nil
}
