package main

import (
	"context"
	"fmt"

	"github.com/hyperjump/chishiki/internal/chunker"
	"github.com/hyperjump/chishiki/internal/config"
	"github.com/hyperjump/chishiki/internal/embedding"
	"github.com/hyperjump/chishiki/internal/extract"
	"github.com/hyperjump/chishiki/internal/ingest"
	"github.com/hyperjump/chishiki/internal/keyword"
	"github.com/hyperjump/chishiki/internal/retrieval"
	"github.com/hyperjump/chishiki/internal/storage"
	"github.com/hyperjump/chishiki/internal/vector"
	"github.com/hyperjump/chishiki/internal/vectorstore"
	"go.uber.org/zap"
)

// Components holds initialized services.
type Components struct {
	Storage  *storage.SQLiteStorage
	Store    *vectorstore.Store
	Embedder *embedding.Adapter
	Pipeline *ingest.Pipeline
	Engine   *retrieval.Engine
}

// Close stops the pipeline and releases the indexes and the database.
func (c *Components) Close() {
	if c.Pipeline != nil {
		c.Pipeline.Stop()
	}
	if c.Store != nil {
		_ = c.Store.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

type componentOptions struct {
	queueSize int
}

type componentOption func(*componentOptions)

// withQueueSize overrides the configured ingestion queue size when larger.
func withQueueSize(n int) componentOption {
	return func(o *componentOptions) { o.queueSize = n }
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...componentOption) (*Components, error) {
	o := componentOptions{queueSize: cfg.Ingestion.QueueSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.queueSize < cfg.Ingestion.QueueSize {
		o.queueSize = cfg.Ingestion.QueueSize
	}

	c := &Components{}
	provider, err := embedding.NewProvider(embedding.ProviderConfig{
		Kind:       cfg.Embedding.Provider,
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		APIKey:     cfg.Embedding.APIKey(),
		APIVersion: cfg.Embedding.APIVersion,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Embedding.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding provider: %w", err)
	}
	c.Embedder = embedding.NewAdapter(provider, cfg.Embedding.Dimensions,
		embedding.WithModel(cfg.Embedding.Model),
		embedding.WithBatchSize(cfg.Embedding.BatchSize),
		embedding.WithConcurrency(cfg.Embedding.Concurrency),
		embedding.WithRetry(cfg.Embedding.MaxAttempts, cfg.Embedding.InitialBackoff, cfg.Embedding.MaxBackoff),
		embedding.WithTimeout(cfg.Embedding.Timeout),
		embedding.WithRateLimit(cfg.Embedding.RequestsPerSecond, cfg.Embedding.Burst),
		embedding.WithCache(cfg.Embedding.CacheSize),
		embedding.WithLogger(logger),
	)

	c.Storage, err = storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	index, err := vector.NewIndex(cfg.Embedding.Dimensions,
		vector.WithOptions(vector.Options{
			MinVectors:    cfg.Index.MinVectors,
			Lists:         cfg.Index.Lists,
			Probes:        cfg.Index.Probes,
			RebuildGrowth: cfg.Index.RebuildGrowth,
			Iterations:    cfg.Index.Iterations,
		}),
		vector.WithLogger(logger),
	)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}

	kw, err := keyword.NewBleveIndex(cfg.Storage.KeywordIndexPath)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
	}

	c.Store, err = vectorstore.Open(ctx, c.Storage, index,
		vectorstore.WithKeywordIndex(kw),
		vectorstore.WithModel(cfg.Embedding.Model),
		vectorstore.WithLogger(logger),
	)
	if err != nil {
		_ = kw.Close()
		c.Close()
		return nil, err
	}

	ch := chunker.New(cfg.Chunking.MaxTokens, cfg.Chunking.OverlapTokens,
		chunker.WithEstimator(chunker.NewEstimator(cfg.Chunking.Estimator, cfg.Chunking.CharsPerToken)))
	c.Pipeline = ingest.New(c.Storage, c.Store, extract.NewExtractor(), ch, c.Embedder,
		ingest.WithWorkers(cfg.Ingestion.Workers),
		ingest.WithQueueSize(o.queueSize),
		ingest.WithLogger(logger),
	)

	mode, err := retrieval.ParseDedupMode(cfg.Retrieval.DedupMode)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Engine = retrieval.NewEngine(c.Embedder, c.Store,
		retrieval.WithMode(mode),
		retrieval.WithTopK(cfg.Retrieval.DefaultTopK, cfg.Retrieval.MaxTopK),
		retrieval.WithOversample(cfg.Retrieval.Oversample),
		retrieval.WithHybridWeight(cfg.Retrieval.HybridWeight),
		retrieval.WithMinSimilarity(cfg.Retrieval.MinSimilarity, cfg.Retrieval.FallbackK),
		retrieval.WithLogger(logger),
	)
	return c, nil
}
