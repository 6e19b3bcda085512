package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hyperjump/chishiki/internal/config"
	"github.com/hyperjump/chishiki/internal/extract"
	"github.com/hyperjump/chishiki/internal/ingest"
	"github.com/hyperjump/chishiki/internal/models"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// documentRequest is the JSON body of a document upload. Exactly one of
// Content and ContentBase64 carries the raw bytes.
type documentRequest struct {
	ID            string            `json:"id,omitempty"`
	Title         string            `json:"title"`
	Content       string            `json:"content,omitempty"`
	ContentBase64 string            `json:"content_base64,omitempty"`
	ContentType   string            `json:"content_type"`
	SourceType    string            `json:"source_type,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}

// decodeDocument reads a document from a JSON or multipart/form-data body.
func (s *Server) decodeDocument(w http.ResponseWriter, r *http.Request) (models.DocumentInput, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadBytes)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return s.decodeMultipart(r)
	}

	var req documentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return models.DocumentInput{}, err
		}
		return models.DocumentInput{}, badRequest("invalid request body")
	}
	in := models.DocumentInput{
		ID:          req.ID,
		Title:       req.Title,
		SourceType:  req.SourceType,
		ContentType: req.ContentType,
		Metadata:    req.Metadata,
	}
	switch {
	case req.Content != "" && req.ContentBase64 != "":
		return in, badRequest("content and content_base64 are mutually exclusive")
	case req.ContentBase64 != "":
		raw, err := base64.StdEncoding.DecodeString(req.ContentBase64)
		if err != nil {
			return in, badRequest("content_base64 is not valid base64")
		}
		in.Content = raw
	default:
		in.Content = []byte(req.Content)
	}
	if len(in.Content) == 0 {
		return in, badRequest("content is required")
	}
	return in, nil
}

func (s *Server) decodeMultipart(r *http.Request) (models.DocumentInput, error) {
	var in models.DocumentInput
	if err := r.ParseMultipartForm(s.cfg.Server.MaxUploadBytes); err != nil {
		return in, badRequest("invalid multipart form")
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return in, badRequest("file part is required")
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		return in, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(content) == 0 {
		return in, badRequest("file is empty")
	}

	in.ID = r.FormValue("id")
	in.Title = r.FormValue("title")
	if in.Title == "" {
		in.Title = header.Filename
	}
	in.SourceType = r.FormValue("source_type")
	in.Content = content
	in.ContentType = r.FormValue("content_type")
	if in.ContentType == "" {
		in.ContentType = extract.ContentTypeForPath(header.Filename)
	}
	if in.ContentType == "" {
		in.ContentType = header.Header.Get("Content-Type")
	}
	if meta := r.FormValue("metadata"); meta != "" {
		if err := json.Unmarshal([]byte(meta), &in.Metadata); err != nil {
			return in, badRequest("metadata must be a JSON object of strings")
		}
	}
	if in.Metadata == nil {
		in.Metadata = map[string]string{}
	}
	in.Metadata["filename"] = header.Filename
	return in, nil
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	in, err := s.decodeDocument(w, r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if in.SourceType == "" {
		in.SourceType = "api"
	}
	if in.ContentType == "" {
		in.ContentType = extract.TypePlain
	}
	s.logger.Debug("create document request",
		zap.String("id", in.ID), zap.String("title", in.Title), zap.String("content_type", in.ContentType))
	doc, err := s.pipeline.Submit(r.Context(), in)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"id": doc.ID, "status": string(doc.Status)})
}

func (s *Server) handleReingestDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	in, err := s.decodeDocument(w, r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.logger.Debug("re-ingest document request", zap.String("id", id))
	doc, err := s.pipeline.Reingest(r.Context(), id, in)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"id": doc.ID, "status": string(doc.Status)})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := models.ListOptions{
		SourceType: q.Get("source_type"),
		Status:     models.DocumentStatus(q.Get("status")),
		Limit:      defaultListLimit,
	}
	if opts.Status != "" && !opts.Status.Valid() {
		s.respondError(w, http.StatusBadRequest, "invalid status")
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		opts.Limit = min(n, maxListLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		opts.Offset = n
	}
	docs, err := s.store.Storage().ListDocuments(r.Context(), opts)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if docs == nil {
		docs = []*models.Document{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"documents": docs,
		"count":     len(docs),
		"limit":     opts.Limit,
		"offset":    opts.Offset,
	})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Storage().GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleGetChunks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := s.store.Storage().GetDocument(ctx, id); err != nil {
		s.respondErr(w, err)
		return
	}
	var chunkIDs []string
	if v := r.URL.Query().Get("chunk_ids"); v != "" {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				chunkIDs = append(chunkIDs, c)
			}
		}
	}
	chunks, err := s.store.Storage().GetChunksByDocumentID(ctx, id, chunkIDs)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if chunks == nil {
		chunks = []*models.DocumentChunk{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"document_id": id, "chunks": chunks})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete document request", zap.String("id", id))
	if err := s.pipeline.Delete(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var query models.RetrieveQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("retrieve request", zap.String("query", query.Query), zap.Int("top_k", query.TopK))
	response, err := s.engine.Retrieve(r.Context(), &query)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.cfgMu.Lock()
	cfg := *s.cfg
	s.cfgMu.Unlock()
	status, err := CollectStatus(r.Context(), s.store, s.pipeline, s.engine, &cfg)
	if err != nil {
		s.logger.Error("status: collect failed", zap.Error(err))
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"directories": s.watch.Directories()})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondErr(w, err)
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	if err := s.watch.AddDirectory(abs, syncExisting); err != nil {
		s.logger.Error("watch add directory failed", zap.Error(err))
		s.respondErr(w, err)
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			path = body.Path
		}
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required (query or body)")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.logger.Error("watch remove directory failed", zap.Error(err))
		s.respondErr(w, err)
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

func (s *Server) persistWatchDirectories() {
	if s.configPath == "" {
		return
	}
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg.Watch.Directories = s.watch.Directories()
	if err := config.Save(s.configPath, s.cfg); err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var bad *badRequestError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &bad), errors.Is(err, models.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, models.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyProcessing), errors.Is(err, models.ErrDocumentExists):
		return http.StatusConflict
	case errors.Is(err, models.ErrQueueFull), errors.Is(err, ingest.ErrStopped),
		errors.Is(err, models.ErrEmbeddingUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrEmbeddingProtocol), errors.Is(err, models.ErrEmbeddingRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
