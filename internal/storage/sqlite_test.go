package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hyperjump/chishiki/internal/models"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testChunks(docID string, n int) []*models.DocumentChunk {
	out := make([]*models.DocumentChunk, n)
	for i := range out {
		out[i] = &models.DocumentChunk{
			ID:         docID + "-c" + string(rune('a'+i)),
			DocumentID: docID,
			ChunkIndex: i,
			Content:    "chunk text",
			TokenCount: 2,
			Embedding:  []float32{float32(i), 1, 0.5},
			Metadata:   map[string]string{"page": "1"},
		}
	}
	return out
}

func TestSQLiteStorage_DocumentCRUD(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	doc := &models.Document{
		ID:          "doc1",
		Title:       "Title",
		ContentType: "text/plain",
		Content:     []byte("Content"),
		Metadata:    map[string]string{"k": "v"},
	}
	if err := store.CreateDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if doc.CreatedAt.IsZero() || doc.Status != models.StatusPending || doc.SourceType != "file" {
		t.Errorf("defaults not applied: %+v", doc)
	}

	got, err := store.GetDocument(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Title" || string(got.Content) != "Content" || got.SizeBytes != 7 || got.Metadata["k"] != "v" {
		t.Errorf("got %+v", got)
	}

	if err := store.UpdateStatus(ctx, "doc1", models.StatusFailed, "boom"); err != nil {
		t.Fatal(err)
	}
	doc.Title = "Updated"
	doc.Content = []byte("new content")
	if err := store.UpdateDocumentContent(ctx, doc); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetDocument(ctx, "doc1")
	if got.Title != "Updated" || got.Status != models.StatusPending || got.FailureReason != "" || got.SizeBytes != 11 {
		t.Errorf("after update: %+v", got)
	}

	if _, err := store.GetDocument(ctx, "missing"); !errors.Is(err, models.ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound, got %v", err)
	}
	if err := store.UpdateStatus(ctx, "missing", models.StatusReady, ""); !errors.Is(err, models.ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound, got %v", err)
	}

	existed, err := store.DeleteDocument(ctx, "doc1")
	if err != nil || !existed {
		t.Fatalf("delete: %v, %v", existed, err)
	}
	existed, err = store.DeleteDocument(ctx, "doc1")
	if err != nil || existed {
		t.Errorf("second delete: %v, %v", existed, err)
	}
}

func TestSQLiteStorage_ListDocuments(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	for _, d := range []*models.Document{
		{ID: "a", ContentType: "text/plain", SourceType: "file"},
		{ID: "b", ContentType: "text/plain", SourceType: "chat"},
		{ID: "c", ContentType: "text/plain", SourceType: "chat"},
	} {
		if err := store.CreateDocument(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	_ = store.UpdateStatus(ctx, "c", models.StatusReady, "")

	tests := []struct {
		name string
		opts models.ListOptions
		want int
	}{
		{"all", models.ListOptions{}, 3},
		{"by source", models.ListOptions{SourceType: "chat"}, 2},
		{"by status", models.ListOptions{Status: models.StatusReady}, 1},
		{"limit", models.ListOptions{Limit: 2}, 2},
		{"offset", models.ListOptions{Offset: 2, Limit: 10}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := store.ListDocuments(ctx, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(docs) != tt.want {
				t.Errorf("got %d docs, want %d", len(docs), tt.want)
			}
			for _, d := range docs {
				if d.Content != nil {
					t.Error("list should not load content")
				}
			}
		})
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[models.StatusPending] != 2 || counts[models.StatusReady] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestSQLiteStorage_ReplaceChunks(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	if err := store.CreateDocument(ctx, &models.Document{ID: "d", ContentType: "text/plain"}); err != nil {
		t.Fatal(err)
	}

	first := testChunks("d", 3)
	if err := store.ReplaceChunks(ctx, "d", first, "m1"); err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(first); i++ {
		if first[i].Seq <= first[i-1].Seq {
			t.Error("seq should increase")
		}
	}

	chunks, err := store.GetChunksByDocumentID(ctx, "d", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.ChunkIndex != i || len(c.Embedding) != 3 || c.Embedding[0] != float32(i) || c.EmbeddingModel != "m1" {
			t.Errorf("chunk %d = %+v", i, c)
		}
	}
	doc, _ := store.GetDocument(ctx, "d")
	if doc.ChunkCount != 3 || doc.EmbeddingModel != "m1" {
		t.Errorf("doc counters: %+v", doc)
	}

	subset, err := store.GetChunksByDocumentID(ctx, "d", []string{first[0].ID, first[2].ID})
	if err != nil || len(subset) != 2 {
		t.Errorf("filtered chunks: %d, %v", len(subset), err)
	}

	// A duplicate index violates the unique constraint and rolls back.
	bad := testChunks("d", 2)
	bad[0].ID, bad[1].ID = "x1", "x2"
	bad[1].ChunkIndex = 0
	if err := store.ReplaceChunks(ctx, "d", bad, "m1"); err == nil {
		t.Fatal("expected constraint error")
	}
	chunks, _ = store.GetChunksByDocumentID(ctx, "d", nil)
	if len(chunks) != 3 || chunks[0].ID != first[0].ID {
		t.Errorf("previous chunks should survive a failed replace, got %d", len(chunks))
	}

	if err := store.ReplaceChunks(ctx, "missing", testChunks("missing", 1), "m1"); !errors.Is(err, models.ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound, got %v", err)
	}

	var visited int
	err = store.ForEachIndexed(ctx, func(doc *models.Document, chunks []*models.DocumentChunk) error {
		visited += len(chunks)
		return nil
	})
	if err != nil || visited != 3 {
		t.Errorf("ForEachIndexed visited %d, %v", visited, err)
	}

	// Cascade removes chunks with the document.
	if _, err := store.DeleteDocument(ctx, "d"); err != nil {
		t.Fatal(err)
	}
	n, _ := store.CountChunks(ctx)
	if n != 0 {
		t.Errorf("expected cascade delete, %d chunks remain", n)
	}
}

func TestSQLiteStorage_DeleteChunks(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	_ = store.CreateDocument(ctx, &models.Document{ID: "d", ContentType: "text/plain"})
	if err := store.ReplaceChunks(ctx, "d", testChunks("d", 2), "m"); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteChunksByDocumentID(ctx, "d"); err != nil {
		t.Fatal(err)
	}
	doc, _ := store.GetDocument(ctx, "d")
	if doc.ChunkCount != 0 {
		t.Errorf("chunk_count = %d", doc.ChunkCount)
	}
}

func TestSQLiteStorage_EnsureEmbeddingSpace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "space.db")
	store, err := NewSQLiteStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if model, err := store.EnsureEmbeddingSpace(ctx, "m1", 4); err != nil || model != "m1" {
		t.Fatalf("first ensure: %q, %v", model, err)
	}
	_ = store.Close()

	store, err = NewSQLiteStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if model, err := store.EnsureEmbeddingSpace(ctx, "m2", 4); err != nil || model != "m1" {
		t.Errorf("same dims: %q, %v", model, err)
	}
	_, err = store.EnsureEmbeddingSpace(ctx, "m3", 8)
	var de *models.DimensionError
	if !errors.As(err, &de) || de.Expected != 4 || de.Got != 8 {
		t.Errorf("expected DimensionError 4/8, got %v", err)
	}
}
