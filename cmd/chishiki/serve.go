package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hyperjump/chishiki/internal/ingest"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/server"
	"github.com/hyperjump/chishiki/internal/watcher"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"server"},
		Short:   "Start the HTTP server and drop-directory watcher",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, logger := opts.cfg, opts.logger
	logger.Info("config loaded",
		zap.String("config_path", opts.resolvedPath),
		zap.Bool("debug", cfg.Debug || opts.debug),
	)

	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer components.Close()

	components.Pipeline.Start()
	go func() {
		n, err := components.Pipeline.Recover(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("recovering unfinished documents failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("requeued unfinished documents", zap.Int("count", n))
		}
	}()

	watchSvc := watcher.New(
		cfg.Watch.Directories,
		cfg.Watch.Patterns,
		&fileHandler{ctx: ctx, pipeline: components.Pipeline, logger: logger},
		watcher.WithLogger(logger),
		watcher.WithDebounce(cfg.Watch.Debounce),
		watcher.WithRecursive(cfg.Watch.RecursiveOrDefault()),
	)
	if err := watchSvc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer watchSvc.Stop()
	go watchSvc.SyncExistingFiles()

	srv := server.NewServer(
		components.Pipeline,
		components.Engine,
		components.Store,
		cfg,
		logger,
		watchSvc,
		opts.resolvedPath,
	)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

// fileHandler feeds drop-directory events into the ingestion pipeline.
type fileHandler struct {
	ctx      context.Context
	pipeline *ingest.Pipeline
	logger   *zap.Logger
}

const (
	queueRetries = 5
	queueBackoff = 200 * time.Millisecond
)

func (h *fileHandler) FileChanged(path string) {
	backoff := queueBackoff
	for attempt := 0; ; attempt++ {
		res, err := h.pipeline.SubmitFile(h.ctx, path)
		switch {
		case err == nil:
			if !res.Skipped {
				h.logger.Debug("file queued", zap.String("path", path), zap.String("doc_id", res.Document.ID))
			}
			return
		case errors.Is(err, models.ErrQueueFull) && attempt < queueRetries:
			select {
			case <-time.After(backoff):
				backoff *= 2
				continue
			case <-h.ctx.Done():
				return
			}
		case errors.Is(err, models.ErrAlreadyProcessing) && attempt < queueRetries:
			// Re-ingest the newer file contents once the running job ends.
			if abs, absErr := filepath.Abs(path); absErr == nil {
				_ = h.pipeline.Wait(h.ctx, ingest.FileDocumentID(abs))
			}
			continue
		case errors.Is(err, models.ErrUnsupportedType):
			h.logger.Debug("skipping unsupported file", zap.String("path", path))
			return
		default:
			h.logger.Warn("watch ingest file failed", zap.String("path", path), zap.Error(err))
			return
		}
	}
}

func (h *fileHandler) FileRemoved(path string) {
	if err := h.pipeline.RemoveFile(h.ctx, path); err != nil && !errors.Is(err, models.ErrDocumentNotFound) {
		h.logger.Warn("watch delete by path failed", zap.String("path", path), zap.Error(err))
	}
}
