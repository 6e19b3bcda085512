package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hyperjump/chishiki/internal/extract"
	"github.com/hyperjump/chishiki/internal/models"
	"go.uber.org/zap"
)

// Metadata keys recorded on documents that come from the filesystem.
const (
	MetaSourcePath  = "source_path"
	MetaSourceMtime = "source_mtime"
	MetaSourceSize  = "source_size"
)

const fileIDPrefix = "file:"

// FileDocumentID returns a stable document ID for an absolute path. The same
// path always yields the same ID, so a file can be updated or removed by path.
func FileDocumentID(absPath string) string {
	hash := sha256.Sum256([]byte(filepath.Clean(absPath)))
	return fileIDPrefix + hex.EncodeToString(hash[:])
}

// FileResult reports what SubmitFile did.
type FileResult struct {
	Document *models.Document
	Skipped  bool
}

// SubmitFile queues a file for ingestion. A file that was already ingested
// with the same mtime and size is skipped; a changed file is re-ingested.
func (p *Pipeline) SubmitFile(ctx context.Context, path string) (*FileResult, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", absPath)
	}
	contentType := extract.ContentTypeForPath(absPath)
	if contentType == "" {
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedType, filepath.Ext(absPath))
	}

	id := FileDocumentID(absPath)
	existing, err := p.docs.GetDocument(ctx, id)
	if err != nil && !errors.Is(err, models.ErrDocumentNotFound) {
		return nil, err
	}
	if existing != nil && unchanged(existing, info) {
		p.logger.Debug("skipping unchanged file", zap.String("path", absPath))
		return &FileResult{Document: existing, Skipped: true}, nil
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	in := models.DocumentInput{
		ID:          id,
		Title:       filepath.Base(absPath),
		SourceType:  models.DefaultSourceType,
		ContentType: contentType,
		Content:     content,
		Metadata: map[string]string{
			MetaSourcePath:  absPath,
			MetaSourceMtime: strconv.FormatInt(info.ModTime().UnixNano(), 10),
			MetaSourceSize:  strconv.FormatInt(info.Size(), 10),
		},
	}

	var doc *models.Document
	if existing != nil {
		doc, err = p.Reingest(ctx, id, in)
	} else {
		doc, err = p.Submit(ctx, in)
	}
	if err != nil {
		return nil, err
	}
	return &FileResult{Document: doc}, nil
}

// RemoveFile deletes the document ingested from path, if any.
func (p *Pipeline) RemoveFile(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	return p.Delete(ctx, FileDocumentID(absPath))
}

// unchanged reports whether a ready or in-flight document still matches the
// file on disk. Failed documents are always retried.
func unchanged(doc *models.Document, info os.FileInfo) bool {
	if doc.Status == models.StatusFailed || doc.Metadata == nil {
		return false
	}
	mtime, err := strconv.ParseInt(doc.Metadata[MetaSourceMtime], 10, 64)
	if err != nil {
		return false
	}
	size, err := strconv.ParseInt(doc.Metadata[MetaSourceSize], 10, 64)
	if err != nil {
		return false
	}
	return mtime == info.ModTime().UnixNano() && size == info.Size()
}
