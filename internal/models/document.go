// Package models defines core data structures for documents, chunks, and retrieval.
package models

import "time"

// DocumentStatus is the ingestion state of a document.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusReady      DocumentStatus = "ready"
	StatusFailed     DocumentStatus = "failed"
)

// Terminal reports whether no further transitions happen without a new ingestion request.
func (s DocumentStatus) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusReady, StatusFailed:
		return true
	}
	return false
}

// DefaultSourceType is used when a document is created without a source type.
const DefaultSourceType = "file"

// Document represents an uploaded document and its ingestion state.
type Document struct {
	ID             string            `json:"id" db:"id"`
	Title          string            `json:"title" db:"title"`
	SourceType     string            `json:"source_type" db:"source_type"`
	ContentType    string            `json:"content_type" db:"content_type"`
	Content        []byte            `json:"-" db:"content"`
	SizeBytes      int64             `json:"size_bytes" db:"size_bytes"`
	Metadata       map[string]string `json:"metadata" db:"metadata"`
	Status         DocumentStatus    `json:"status" db:"status"`
	FailureReason  string            `json:"failure_reason,omitempty" db:"failure_reason"`
	ChunkCount     int               `json:"chunk_count" db:"chunk_count"`
	EmbeddingModel string            `json:"embedding_model,omitempty" db:"embedding_model"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
}

// DocumentChunk is a bounded segment of a document's text with its embedding.
// Seq is the store-wide creation sequence used to break ranking ties.
type DocumentChunk struct {
	ID             string            `json:"id" db:"id"`
	DocumentID     string            `json:"document_id" db:"document_id"`
	ChunkIndex     int               `json:"chunk_index" db:"chunk_index"`
	Content        string            `json:"content" db:"content"`
	TokenCount     int               `json:"token_count" db:"token_count"`
	Embedding      []float32         `json:"-" db:"embedding"`
	EmbeddingModel string            `json:"embedding_model,omitempty" db:"embedding_model"`
	Metadata       map[string]string `json:"metadata,omitempty" db:"metadata"`
	Seq            int64             `json:"-" db:"seq"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
}

// ChunkInput is one chunk handed to the vector store for insertion.
type ChunkInput struct {
	ID         string
	Index      int
	Text       string
	Vector     []float32
	TokenCount int
	Metadata   map[string]string
}

// DocumentInput is the input for creating or re-ingesting a document.
type DocumentInput struct {
	ID          string            `json:"id,omitempty"`
	Title       string            `json:"title,omitempty"`
	SourceType  string            `json:"source_type,omitempty"`
	ContentType string            `json:"content_type"`
	Content     []byte            `json:"-"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ListOptions restricts and pages document listings.
type ListOptions struct {
	SourceType string
	Status     DocumentStatus
	Offset     int
	Limit      int
}
