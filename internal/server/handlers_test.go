package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperjump/chishiki/internal/chunker"
	"github.com/hyperjump/chishiki/internal/config"
	"github.com/hyperjump/chishiki/internal/embedding"
	"github.com/hyperjump/chishiki/internal/extract"
	"github.com/hyperjump/chishiki/internal/ingest"
	"github.com/hyperjump/chishiki/internal/keyword"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/retrieval"
	"github.com/hyperjump/chishiki/internal/storage"
	"github.com/hyperjump/chishiki/internal/vector"
	"github.com/hyperjump/chishiki/internal/vectorstore"
)

const testDims = 32

type mockWatchService struct {
	dirs []string
}

func (m *mockWatchService) Directories() []string {
	return append([]string(nil), m.dirs...)
}

func (m *mockWatchService) AddDirectory(path string, _ bool) error {
	for _, d := range m.dirs {
		if d == path {
			return nil
		}
	}
	m.dirs = append(m.dirs, path)
	return nil
}

func (m *mockWatchService) RemoveDirectory(path string) error {
	for i, d := range m.dirs {
		if d == path {
			m.dirs = append(m.dirs[:i], m.dirs[i+1:]...)
			return nil
		}
	}
	return nil
}

type testEnv struct {
	srv      *Server
	handler  http.Handler
	pipeline *ingest.Pipeline
}

func newTestEnv(t *testing.T, watch WatchService, configPath string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{Storage: config.StorageConfig{DatabasePath: filepath.Join(dir, "chishiki.db")}}
	cfg.Embedding.Provider = "mock"
	cfg.Embedding.Dimensions = testDims
	config.ApplyDefaults(cfg)

	db, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		t.Fatal(err)
	}
	kw, err := keyword.NewBleveIndex("")
	if err != nil {
		t.Fatal(err)
	}
	idx, err := vector.NewIndex(testDims)
	if err != nil {
		t.Fatal(err)
	}
	store, err := vectorstore.Open(context.Background(), db, idx,
		vectorstore.WithModel("mock"), vectorstore.WithKeywordIndex(kw))
	if err != nil {
		t.Fatal(err)
	}
	adapter := embedding.NewAdapter(embedding.NewMockProvider(testDims), testDims)
	pipeline := ingest.New(db, store, extract.NewExtractor(), chunker.New(50, 5), adapter)
	pipeline.Start()
	engine := retrieval.NewEngine(adapter, store, retrieval.WithHybridWeight(0.2))
	t.Cleanup(func() {
		pipeline.Stop()
		_ = store.Close()
		_ = db.Close()
	})

	srv := NewServer(pipeline, engine, store, cfg, nil, watch, configPath)
	return &testEnv{srv: srv, handler: srv.Router(), pipeline: pipeline}
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	r := httptest.NewRequest(method, target, reader)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	return w
}

func (e *testEnv) waitReady(t *testing.T, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.pipeline.Wait(ctx, id); err != nil {
		t.Fatal(err)
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return out
}

func TestDocumentLifecycle(t *testing.T) {
	env := newTestEnv(t, nil, "")

	w := env.do(t, http.MethodPost, "/api/v1/documents", map[string]any{
		"id":           "guide",
		"title":        "Operator guide",
		"content":      "Backups run nightly at two. Restores need the operator key.",
		"content_type": "text/plain",
		"metadata":     map[string]string{"team": "ops"},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("create: status %d body %s", w.Code, w.Body.String())
	}
	created := decode[map[string]string](t, w)
	if created["id"] != "guide" || created["status"] != "pending" {
		t.Errorf("unexpected create response %v", created)
	}
	env.waitReady(t, "guide")

	w = env.do(t, http.MethodGet, "/api/v1/documents/guide", nil)
	doc := decode[models.Document](t, w)
	if doc.Status != models.StatusReady || doc.ChunkCount != 1 || doc.SourceType != "api" {
		t.Errorf("unexpected document %+v", doc)
	}

	w = env.do(t, http.MethodGet, "/api/v1/documents/guide/chunks", nil)
	chunks := decode[struct {
		Chunks []models.DocumentChunk `json:"chunks"`
	}](t, w)
	if len(chunks.Chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks.Chunks))
	}

	w = env.do(t, http.MethodPost, "/api/v1/retrieve", map[string]any{"query": "when do backups run", "top_k": 3})
	if w.Code != http.StatusOK {
		t.Fatalf("retrieve: status %d body %s", w.Code, w.Body.String())
	}
	resp := decode[models.RetrieveResponse](t, w)
	if len(resp.Results) != 1 || resp.Results[0].DocumentID != "guide" || resp.Results[0].DocumentTitle != "Operator guide" {
		t.Errorf("unexpected retrieve response %+v", resp)
	}
	if resp.Mode != "global" {
		t.Errorf("expected global mode, got %q", resp.Mode)
	}

	w = env.do(t, http.MethodGet, "/api/v1/documents?status=ready&source_type=api", nil)
	list := decode[struct {
		Documents []models.Document `json:"documents"`
		Count     int               `json:"count"`
	}](t, w)
	if list.Count != 1 || list.Documents[0].ID != "guide" {
		t.Errorf("unexpected list %+v", list)
	}

	w = env.do(t, http.MethodPost, "/api/v1/documents", map[string]any{"id": "guide", "content": "again"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate create: expected 409, got %d", w.Code)
	}

	for i := 0; i < 2; i++ {
		w = env.do(t, http.MethodDelete, "/api/v1/documents/guide", nil)
		if w.Code != http.StatusOK {
			t.Errorf("delete %d: expected 200, got %d", i, w.Code)
		}
	}
	w = env.do(t, http.MethodGet, "/api/v1/documents/guide", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
	w = env.do(t, http.MethodPost, "/api/v1/retrieve", map[string]any{"query": "backups"})
	if resp := decode[models.RetrieveResponse](t, w); len(resp.Results) != 0 {
		t.Errorf("deleted document still retrievable: %+v", resp.Results)
	}
}

func TestReingestDocument(t *testing.T) {
	env := newTestEnv(t, nil, "")
	w := env.do(t, http.MethodPut, "/api/v1/documents/missing", map[string]any{"content": "x"})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	env.do(t, http.MethodPost, "/api/v1/documents", map[string]any{"id": "d", "title": "D", "content": "first text"})
	env.waitReady(t, "d")
	encoded := base64.StdEncoding.EncodeToString([]byte("second text"))
	w = env.do(t, http.MethodPut, "/api/v1/documents/d", map[string]any{"content_base64": encoded})
	if w.Code != http.StatusAccepted {
		t.Fatalf("re-ingest: status %d body %s", w.Code, w.Body.String())
	}
	env.waitReady(t, "d")
	w = env.do(t, http.MethodGet, "/api/v1/documents/d/chunks", nil)
	chunks := decode[struct {
		Chunks []models.DocumentChunk `json:"chunks"`
	}](t, w)
	if len(chunks.Chunks) != 1 || chunks.Chunks[0].Content != "second text" {
		t.Errorf("unexpected chunks %+v", chunks.Chunks)
	}
}

func TestCreateDocument_Multipart(t *testing.T) {
	env := newTestEnv(t, nil, "")
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "runbook.md")
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprint(part, "# Runbook\n\nRestart the worker pool.")
	_ = mw.WriteField("metadata", `{"team":"sre"}`)
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)
	if w.Code != http.StatusAccepted {
		t.Fatalf("upload: status %d body %s", w.Code, w.Body.String())
	}
	id := decode[map[string]string](t, w)["id"]
	env.waitReady(t, id)

	w = env.do(t, http.MethodGet, "/api/v1/documents/"+id, nil)
	doc := decode[models.Document](t, w)
	if doc.Title != "runbook.md" || doc.ContentType != extract.TypeMarkdown || doc.Status != models.StatusReady {
		t.Errorf("unexpected document %+v", doc)
	}
	if doc.Metadata["team"] != "sre" || doc.Metadata["filename"] != "runbook.md" {
		t.Errorf("unexpected metadata %v", doc.Metadata)
	}
}

func TestBadRequests(t *testing.T) {
	env := newTestEnv(t, nil, "")
	tests := []struct {
		name   string
		method string
		target string
		body   any
		want   int
	}{
		{"invalid json", http.MethodPost, "/api/v1/documents", "{", http.StatusBadRequest},
		{"no content", http.MethodPost, "/api/v1/documents", map[string]any{"title": "x"}, http.StatusBadRequest},
		{"both contents", http.MethodPost, "/api/v1/documents", map[string]any{"content": "a", "content_base64": "YQ=="}, http.StatusBadRequest},
		{"bad base64", http.MethodPost, "/api/v1/documents", map[string]any{"content_base64": "***"}, http.StatusBadRequest},
		{"empty query", http.MethodPost, "/api/v1/retrieve", map[string]any{"query": ""}, http.StatusBadRequest},
		{"bad threshold", http.MethodPost, "/api/v1/retrieve", map[string]any{"query": "x", "min_similarity": 3}, http.StatusBadRequest},
		{"bad status", http.MethodGet, "/api/v1/documents?status=done", nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/v1/documents?limit=0", nil, http.StatusBadRequest},
		{"bad offset", http.MethodGet, "/api/v1/documents?offset=-1", nil, http.StatusBadRequest},
		{"missing chunks", http.MethodGet, "/api/v1/documents/nope/chunks", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.target, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestStatusAndHealth(t *testing.T) {
	env := newTestEnv(t, nil, "")
	env.do(t, http.MethodPost, "/api/v1/documents", map[string]any{"id": "s", "content": "status check text"})
	env.waitReady(t, "s")

	w := env.do(t, http.MethodGet, "/api/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	status := decode[map[string]any](t, w)
	if status["documents"].(float64) != 1 || status["chunks"].(float64) != 1 {
		t.Errorf("unexpected counts %v", status)
	}
	vi := status["vector_index"].(map[string]any)
	if vi["strategy"] != "exact" || vi["size"].(float64) != 1 {
		t.Errorf("unexpected vector index status %v", vi)
	}
	if _, ok := status["disk_usage_bytes"]; !ok {
		t.Error("expected disk usage")
	}

	w = env.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ok") {
		t.Errorf("health: %d %s", w.Code, w.Body.String())
	}
}

func TestWatchDirectories(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	mock := &mockWatchService{dirs: []string{"/tmp/docs"}}
	env := newTestEnv(t, mock, configPath)

	w := env.do(t, http.MethodGet, "/api/v1/watch/directories", nil)
	list := decode[struct {
		Directories []string `json:"directories"`
	}](t, w)
	if len(list.Directories) != 1 || list.Directories[0] != "/tmp/docs" {
		t.Errorf("unexpected directories %v", list.Directories)
	}

	dir := t.TempDir()
	w = env.do(t, http.MethodPost, "/api/v1/watch/directories", map[string]any{"path": dir, "sync": false})
	if w.Code != http.StatusCreated {
		t.Fatalf("add: status %d body %s", w.Code, w.Body.String())
	}
	saved, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("config not persisted: %v", err)
	}
	if len(saved.Watch.Directories) != 2 {
		t.Errorf("persisted directories: %v", saved.Watch.Directories)
	}

	w = env.do(t, http.MethodPost, "/api/v1/watch/directories", map[string]any{"path": filepath.Join(dir, "missing")})
	if w.Code != http.StatusNotFound {
		t.Errorf("missing dir: expected 404, got %d", w.Code)
	}

	w = env.do(t, http.MethodDelete, "/api/v1/watch/directories?path="+dir, nil)
	if w.Code != http.StatusOK {
		t.Errorf("remove: status %d", w.Code)
	}
	if len(mock.dirs) != 1 {
		t.Errorf("expected one directory left, got %v", mock.dirs)
	}

	w = env.do(t, http.MethodDelete, "/api/v1/watch/directories", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("remove without path: expected 400, got %d", w.Code)
	}
}

func TestWatchDirectories_Disabled(t *testing.T) {
	env := newTestEnv(t, nil, "")
	w := env.do(t, http.MethodGet, "/api/v1/watch/directories", nil)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("expected 501, got %d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", models.ErrDocumentNotFound), http.StatusNotFound},
		{models.ErrAlreadyProcessing, http.StatusConflict},
		{models.ErrDocumentExists, http.StatusConflict},
		{models.ErrQueueFull, http.StatusServiceUnavailable},
		{ingest.ErrStopped, http.StatusServiceUnavailable},
		{&models.EmbeddingUnavailableError{Attempts: 3, Err: errors.New("down")}, http.StatusServiceUnavailable},
		{&models.EmbeddingProtocolError{Sent: 2, Received: 1}, http.StatusBadGateway},
		{&models.EmbeddingRejectedError{Err: errors.New("400 bad request")}, http.StatusBadGateway},
		{models.ErrInvalidQuery, http.StatusBadRequest},
		{badRequest("nope"), http.StatusBadRequest},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
