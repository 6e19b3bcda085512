package models

import (
	"errors"
	"fmt"
	"strings"
)

// Errors of the ingestion and retrieval core.
var (
	// ErrDocumentNotFound indicates the document does not exist.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrDocumentExists indicates a document with the requested ID already exists.
	ErrDocumentExists = errors.New("document already exists")

	// ErrAlreadyProcessing indicates an ingestion job for the document is already active.
	ErrAlreadyProcessing = errors.New("document is already being processed")

	// ErrQueueFull indicates the ingestion queue cannot accept more jobs.
	ErrQueueFull = errors.New("ingestion queue is full")

	// ErrExtractionFailed indicates no text could be extracted from the raw content.
	ErrExtractionFailed = errors.New("extraction failed")

	// ErrUnsupportedType indicates the declared content type has no extractor.
	ErrUnsupportedType = errors.New("unsupported content type")

	// ErrCorruptContent indicates the content does not parse as its declared type.
	ErrCorruptContent = errors.New("corrupt content")

	// ErrChunkingProducedEmpty indicates non-empty text produced no chunks.
	ErrChunkingProducedEmpty = errors.New("chunking produced no chunks for non-empty text")

	// ErrEmbeddingUnavailable indicates the embedding provider failed after all retries.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrEmbeddingRejected indicates the provider refused a batch with an error
	// that retrying cannot fix, such as a malformed request or bad credentials.
	ErrEmbeddingRejected = errors.New("embedding rejected")

	// ErrEmbeddingProtocol indicates the provider violated the batch contract.
	ErrEmbeddingProtocol = errors.New("embedding protocol error")

	// ErrDimensionMismatch indicates a vector does not have the store's dimensionality.
	// Outside of bad requests it means the deployment is inconsistent.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrStoreWriteFailed indicates a chunk write was rolled back.
	ErrStoreWriteFailed = errors.New("store write failed")

	// ErrInvalidQuery indicates a retrieval request that cannot be answered.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrCancelled indicates an ingestion job was cancelled.
	ErrCancelled = errors.New("cancelled")
)

// EmbeddingUnavailableError carries the IDs of the chunks whose batch could not be embedded.
type EmbeddingUnavailableError struct {
	ChunkIDs []string
	Attempts int
	Err      error
}

func (e *EmbeddingUnavailableError) Error() string {
	return fmt.Sprintf("embedding unavailable for %d chunk(s) after %d attempt(s): %v", len(e.ChunkIDs), e.Attempts, e.Err)
}

func (e *EmbeddingUnavailableError) Unwrap() []error {
	return []error{ErrEmbeddingUnavailable, e.Err}
}

// EmbeddingRejectedError carries the IDs of the chunks whose batch the provider refused.
type EmbeddingRejectedError struct {
	ChunkIDs []string
	Err      error
}

func (e *EmbeddingRejectedError) Error() string {
	return fmt.Sprintf("embedding rejected for %d chunk(s): %v", len(e.ChunkIDs), e.Err)
}

func (e *EmbeddingRejectedError) Unwrap() []error {
	return []error{ErrEmbeddingRejected, e.Err}
}

// EmbeddingProtocolError describes a provider response that does not match its request.
type EmbeddingProtocolError struct {
	Sent     int
	Received int
}

func (e *EmbeddingProtocolError) Error() string {
	return fmt.Sprintf("embedding protocol error: sent %d text(s), received %d vector(s)", e.Sent, e.Received)
}

func (e *EmbeddingProtocolError) Unwrap() error {
	return ErrEmbeddingProtocol
}

// DimensionError reports the expected and actual dimensionality.
type DimensionError struct {
	Expected int
	Got      int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("vector dimension mismatch: got %d, expected %d", e.Got, e.Expected)
}

func (e *DimensionError) Unwrap() error {
	return ErrDimensionMismatch
}

// FailureReason renders err as the human-readable reason stored on a failed document.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	var kind string
	switch {
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrExtractionFailed):
		kind = "extraction failed"
	case errors.Is(err, ErrChunkingProducedEmpty):
		kind = "chunking produced no chunks"
	case errors.Is(err, ErrEmbeddingUnavailable):
		kind = "embedding unavailable"
	case errors.Is(err, ErrEmbeddingRejected):
		kind = "embedding rejected"
	case errors.Is(err, ErrEmbeddingProtocol):
		kind = "embedding protocol error"
	case errors.Is(err, ErrDimensionMismatch):
		kind = "dimension mismatch"
	case errors.Is(err, ErrStoreWriteFailed):
		kind = "store write failed"
	default:
		return err.Error()
	}
	msg := err.Error()
	if strings.HasPrefix(msg, kind) {
		return msg
	}
	return kind + ": " + msg
}
