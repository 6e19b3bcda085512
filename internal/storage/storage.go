// Package storage defines the persistence interface for documents and chunks.
package storage

import (
	"context"

	"github.com/hyperjump/chishiki/internal/models"
)

// Storage defines document and chunk persistence operations.
// Lookups of a missing document return models.ErrDocumentNotFound.
type Storage interface {
	// Document operations
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	UpdateDocumentContent(ctx context.Context, doc *models.Document) error
	UpdateStatus(ctx context.Context, id string, status models.DocumentStatus, reason string) error
	DeleteDocument(ctx context.Context, id string) (bool, error)
	ListDocuments(ctx context.Context, opts models.ListOptions) ([]*models.Document, error)

	// Chunk operations
	ReplaceChunks(ctx context.Context, docID string, chunks []*models.DocumentChunk, model string) error
	DeleteChunksByDocumentID(ctx context.Context, docID string) error
	GetChunksByDocumentID(ctx context.Context, docID string, chunkIDs []string) ([]*models.DocumentChunk, error)
	ForEachIndexed(ctx context.Context, fn func(doc *models.Document, chunks []*models.DocumentChunk) error) error

	// Embedding space
	EnsureEmbeddingSpace(ctx context.Context, model string, dims int) (string, error)

	// Stats
	CountDocuments(ctx context.Context) (int64, error)
	CountChunks(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context) (map[models.DocumentStatus]int64, error)

	Close() error
}
