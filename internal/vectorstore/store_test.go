package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hyperjump/chishiki/internal/keyword"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/storage"
	"github.com/hyperjump/chishiki/internal/vector"
)

const dims = 3

type fixture struct {
	store *Store
	db    *storage.SQLiteStorage
	path  string
}

func openFixture(t *testing.T, path string, opts ...Option) *fixture {
	t.Helper()
	db, err := storage.NewSQLiteStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := vector.NewIndex(dims)
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(context.Background(), db, idx, append([]Option{WithModel("mock")}, opts...)...)
	if err != nil {
		_ = db.Close()
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = s.Close()
		_ = db.Close()
	})
	return &fixture{store: s, db: db, path: path}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	return openFixture(t, filepath.Join(t.TempDir(), "store.db"), opts...)
}

func (f *fixture) createDoc(t *testing.T, doc *models.Document) {
	t.Helper()
	if doc.ContentType == "" {
		doc.ContentType = "text/plain"
	}
	if err := f.db.CreateDocument(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
}

func inputs(prefix string, vecs ...[]float32) []models.ChunkInput {
	out := make([]models.ChunkInput, len(vecs))
	for i, v := range vecs {
		out[i] = models.ChunkInput{
			ID:         fmt.Sprintf("%s-%d", prefix, i),
			Index:      i,
			Text:       fmt.Sprintf("%s text %d", prefix, i),
			Vector:     v,
			TokenCount: 3,
		}
	}
	return out
}

func TestStore_InsertAndSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createDoc(t, &models.Document{ID: "d1", Title: "First"})

	err := f.store.InsertChunks(ctx, "d1", inputs("a", []float32{1, 0, 0}, []float32{0, 1, 0}))
	if err != nil {
		t.Fatal(err)
	}
	hits, err := f.store.Search(ctx, []float32{1, 0.1, 0}, 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("topK=5 on 2 chunks should return 2, got %d", len(hits))
	}
	if hits[0].Chunk.ID != "a-0" || hits[0].DocumentTitle != "First" {
		t.Errorf("unexpected first hit %+v", hits[0])
	}
	if hits[0].Distance > hits[1].Distance {
		t.Error("hits not sorted")
	}

	chunks, _ := f.db.GetChunksByDocumentID(ctx, "d1", nil)
	for i, c := range chunks {
		if c.ChunkIndex != i || len(c.Embedding) != dims {
			t.Errorf("chunk %d = %+v", i, c)
		}
	}
}

func TestStore_DimensionMismatchLeavesStoreUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createDoc(t, &models.Document{ID: "d"})
	if err := f.store.InsertChunks(ctx, "d", inputs("old", []float32{1, 0, 0})); err != nil {
		t.Fatal(err)
	}

	err := f.store.InsertChunks(ctx, "d", inputs("new", []float32{1, 0, 0}, []float32{1, 0}))
	if !errors.Is(err, models.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	chunks, _ := f.db.GetChunksByDocumentID(ctx, "d", nil)
	if len(chunks) != 1 || chunks[0].ID != "old-0" {
		t.Errorf("store changed: %+v", chunks)
	}
	hits, _ := f.store.Search(ctx, []float32{1, 0, 0}, 10, nil)
	if len(hits) != 1 || hits[0].Chunk.ID != "old-0" {
		t.Errorf("index changed: %+v", hits)
	}

	if _, err := f.store.Search(ctx, []float32{1, 0}, 3, nil); !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("query dimension: expected ErrDimensionMismatch, got %v", err)
	}
}

func TestStore_InsertMissingDocument(t *testing.T) {
	f := newFixture(t)
	err := f.store.InsertChunks(context.Background(), "nope", inputs("x", []float32{1, 0, 0}))
	if !errors.Is(err, models.ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestStore_WriteFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createDoc(t, &models.Document{ID: "d"})
	if err := f.store.InsertChunks(ctx, "d", inputs("old", []float32{1, 0, 0})); err != nil {
		t.Fatal(err)
	}
	bad := inputs("new", []float32{1, 0, 0}, []float32{0, 1, 0})
	bad[1].Index = 0 // duplicate index violates the unique constraint
	err := f.store.InsertChunks(ctx, "d", bad)
	if !errors.Is(err, models.ErrStoreWriteFailed) {
		t.Fatalf("expected ErrStoreWriteFailed, got %v", err)
	}
	hits, _ := f.store.Search(ctx, []float32{1, 0, 0}, 10, nil)
	if len(hits) != 1 || hits[0].Chunk.ID != "old-0" {
		t.Errorf("expected old chunk set, got %+v", hits)
	}
}

func TestStore_DeleteDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createDoc(t, &models.Document{ID: "d"})
	f.createDoc(t, &models.Document{ID: "e"})
	_ = f.store.InsertChunks(ctx, "d", inputs("d", []float32{1, 0, 0}, []float32{0, 1, 0}))
	_ = f.store.InsertChunks(ctx, "e", inputs("e", []float32{0, 0, 1}))

	if err := f.store.DeleteDocument(ctx, "d"); err != nil {
		t.Fatal(err)
	}
	if err := f.store.DeleteDocument(ctx, "d"); err != nil {
		t.Errorf("delete should be idempotent: %v", err)
	}
	hits, _ := f.store.Search(ctx, []float32{1, 0, 0}, 10, nil)
	for _, h := range hits {
		if h.Chunk.DocumentID == "d" {
			t.Errorf("deleted chunk returned: %s", h.Chunk.ID)
		}
	}
	if len(hits) != 1 {
		t.Errorf("expected 1 remaining hit, got %d", len(hits))
	}
}

func TestStore_Filters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createDoc(t, &models.Document{ID: "pdf", ContentType: "application/pdf", SourceType: "file", Metadata: map[string]string{"team": "a"}})
	f.createDoc(t, &models.Document{ID: "chat", ContentType: "text/plain", SourceType: "chat", Metadata: map[string]string{"team": "b"}})
	_ = f.store.InsertChunks(ctx, "pdf", inputs("pdf", []float32{1, 0, 0}))
	_ = f.store.InsertChunks(ctx, "chat", inputs("chat", []float32{1, 0, 0}))

	tests := []struct {
		name    string
		filters *models.Filters
		want    []string
	}{
		{"none", nil, []string{"pdf", "chat"}},
		{"document ids", &models.Filters{DocumentIDs: []string{"chat"}}, []string{"chat"}},
		{"content type", &models.Filters{ContentTypes: []string{"application/pdf"}}, []string{"pdf"}},
		{"source type", &models.Filters{SourceTypes: []string{"chat"}}, []string{"chat"}},
		{"metadata", &models.Filters{Metadata: map[string]string{"team": "a"}}, []string{"pdf"}},
		{"no match", &models.Filters{Metadata: map[string]string{"team": "c"}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits, err := f.store.Search(ctx, []float32{1, 0, 0}, 10, tt.filters)
			if err != nil {
				t.Fatal(err)
			}
			if len(hits) != len(tt.want) {
				t.Fatalf("got %d hits, want %d", len(hits), len(tt.want))
			}
			// Equal distances tie-break by creation order.
			for i, doc := range tt.want {
				if hits[i].Chunk.DocumentID != doc {
					t.Errorf("hit %d from %s, want %s", i, hits[i].Chunk.DocumentID, doc)
				}
			}
		})
	}
}

func TestStore_HydratesOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()
	{
		db, _ := storage.NewSQLiteStorage(path)
		idx, _ := vector.NewIndex(dims)
		s, err := Open(ctx, db, idx, WithModel("mock"))
		if err != nil {
			t.Fatal(err)
		}
		_ = db.CreateDocument(ctx, &models.Document{ID: "d", ContentType: "text/plain", Title: "Kept"})
		if err := s.InsertChunks(ctx, "d", inputs("d", []float32{0, 1, 0})); err != nil {
			t.Fatal(err)
		}
		_ = s.Close()
		_ = db.Close()
	}

	kw, err := keyword.NewBleveIndex("")
	if err != nil {
		t.Fatal(err)
	}
	f := openFixture(t, path, WithKeywordIndex(kw))
	hits, err := f.store.Search(ctx, []float32{0, 1, 0}, 3, nil)
	if err != nil || len(hits) != 1 || hits[0].DocumentTitle != "Kept" {
		t.Fatalf("expected hydrated chunk, got %+v, %v", hits, err)
	}
	scores, err := f.store.KeywordScores(ctx, "text", []string{"d-0"})
	if err != nil || scores["d-0"] <= 0 {
		t.Errorf("keyword index not hydrated: %v, %v", scores, err)
	}
}

func TestStore_OpenRejectsDimensionChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dims.db")
	openFixture(t, path)

	db, _ := storage.NewSQLiteStorage(path)
	defer db.Close()
	idx, _ := vector.NewIndex(dims + 1)
	_, err := Open(context.Background(), db, idx)
	if !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestStore_ConcurrentReplaceNeverMixes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createDoc(t, &models.Document{ID: "d"})
	gen := func(g int) []models.ChunkInput {
		in := inputs(fmt.Sprintf("g%d", g), []float32{1, 0, 0}, []float32{1, 0.1, 0}, []float32{1, 0.2, 0})
		for i := range in {
			in[i].Text = fmt.Sprintf("gen%d", g)
		}
		return in
	}
	if err := f.store.InsertChunks(ctx, "d", gen(0)); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for g := 1; g <= 20; g++ {
			if err := f.store.InsertChunks(ctx, "d", gen(g)); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			hits, err := f.store.Search(ctx, []float32{1, 0, 0}, 10, nil)
			if err != nil {
				t.Error(err)
				return
			}
			if len(hits) != 3 {
				t.Errorf("expected 3 hits, got %d", len(hits))
				return
			}
			for _, h := range hits {
				if h.Chunk.Content != hits[0].Chunk.Content {
					t.Errorf("mixed generations %s and %s", h.Chunk.Content, hits[0].Chunk.Content)
					return
				}
			}
		}
	}()
	wg.Wait()
}
