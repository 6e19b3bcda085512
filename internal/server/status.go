package server

import (
	"context"
	"fmt"

	"github.com/hyperjump/chishiki/internal/config"
	"github.com/hyperjump/chishiki/internal/ingest"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/retrieval"
	"github.com/hyperjump/chishiki/internal/storage"
	"github.com/hyperjump/chishiki/internal/vectorstore"
)

// CollectStatus gathers counts, index state and configuration into a
// status report. pipeline and engine may be nil when the caller does not
// run them (the CLI status command reading the database directly).
func CollectStatus(
	ctx context.Context,
	store *vectorstore.Store,
	pipeline *ingest.Pipeline,
	engine *retrieval.Engine,
	cfg *config.Config,
) (*models.Status, error) {
	st := store.Storage()
	docCount, err := st.CountDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	chunkCount, err := st.CountChunks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}
	byStatus, err := st.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents by status: %w", err)
	}

	idx := store.Index()
	status := &models.Status{
		Documents:         docCount,
		Chunks:            chunkCount,
		DocumentsByStatus: byStatus,
		VectorIndex: models.IndexStats{
			Size:       idx.Size(),
			Strategy:   idx.Strategy().String(),
			Dimensions: idx.Dimensions(),
		},
		KeywordIndex: store.HasKeywordIndex(),
	}
	if pipeline != nil {
		status.Ingestion = pipeline.Stats()
	}
	if engine != nil {
		status.RetrievalMode = string(engine.Mode())
	}
	if cfg != nil {
		status.Config = &models.StatusConfig{
			EmbeddingProvider:   cfg.Embedding.Provider,
			EmbeddingModel:      cfg.Embedding.Model,
			EmbeddingDimensions: cfg.Embedding.Dimensions,
			MaxTokens:           cfg.Chunking.MaxTokens,
			OverlapTokens:       cfg.Chunking.OverlapTokens,
			DatabasePath:        cfg.Storage.DatabasePath,
			KeywordIndexPath:    cfg.Storage.KeywordIndexPath,
		}
		paths := storage.DatabaseFiles(cfg.Storage.DatabasePath)
		if cfg.Storage.KeywordIndexPath != "" {
			paths = append(paths, cfg.Storage.KeywordIndexPath)
		}
		if diskBytes, err := storage.DiskUsageBytes(paths...); err == nil {
			status.DiskUsageBytes = &diskBytes
		}
	}
	return status, nil
}
