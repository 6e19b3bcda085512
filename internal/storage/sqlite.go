package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/chishiki/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		source_type TEXT NOT NULL DEFAULT 'file',
		content_type TEXT NOT NULL,
		content BLOB NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		failure_reason TEXT NOT NULL DEFAULT '',
		chunk_count INTEGER NOT NULL DEFAULT 0,
		embedding_model TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_documents_created_at ON documents(created_at);
	CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
	CREATE INDEX IF NOT EXISTS idx_documents_source_type ON documents(source_type);

	CREATE TABLE IF NOT EXISTS document_chunks (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		document_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		content TEXT NOT NULL,
		token_count INTEGER NOT NULL DEFAULT 0,
		embedding BLOB NOT NULL,
		embedding_model TEXT NOT NULL DEFAULT '',
		embedding_dim INTEGER NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (document_id, chunk_index),
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_document_id ON document_chunks(document_id);

	CREATE TABLE IF NOT EXISTS store_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

func marshalMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(b), nil
}

func unmarshalMetadata(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return m, nil
}

// CreateDocument inserts a document.
func (s *SQLiteStorage) CreateDocument(ctx context.Context, doc *models.Document) error {
	metadataJSON, err := marshalMetadata(doc.Metadata)
	if err != nil {
		return err
	}
	if doc.Status == "" {
		doc.Status = models.StatusPending
	}
	if doc.SourceType == "" {
		doc.SourceType = models.DefaultSourceType
	}
	if doc.Content == nil {
		doc.Content = []byte{}
	}
	doc.SizeBytes = int64(len(doc.Content))

	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (id, title, source_type, content_type, content, size_bytes, metadata,
			status, failure_reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.SourceType, doc.ContentType, doc.Content, doc.SizeBytes, metadataJSON,
		string(doc.Status), doc.FailureReason, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

const documentColumns = `id, title, source_type, content_type, size_bytes, metadata, status,
	failure_reason, chunk_count, embedding_model, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner, extra ...any) (*models.Document, error) {
	var doc models.Document
	var metadataJSON sql.NullString
	var status string
	dest := []any{&doc.ID, &doc.Title, &doc.SourceType, &doc.ContentType, &doc.SizeBytes, &metadataJSON,
		&status, &doc.FailureReason, &doc.ChunkCount, &doc.EmbeddingModel, &doc.CreatedAt, &doc.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	doc.Status = models.DocumentStatus(status)
	md, err := unmarshalMetadata(metadataJSON.String)
	if err != nil {
		return nil, err
	}
	doc.Metadata = md
	return &doc, nil
}

// GetDocument returns a document by ID, including its raw content.
func (s *SQLiteStorage) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var content []byte
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+`, content FROM documents WHERE id = ?`, id,
	), &content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrDocumentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	doc.Content = content
	return doc, nil
}

// UpdateDocumentContent replaces the content, title, types and metadata of a
// document and resets it to pending.
func (s *SQLiteStorage) UpdateDocumentContent(ctx context.Context, doc *models.Document) error {
	metadataJSON, err := marshalMetadata(doc.Metadata)
	if err != nil {
		return err
	}
	if doc.SourceType == "" {
		doc.SourceType = models.DefaultSourceType
	}
	doc.SizeBytes = int64(len(doc.Content))
	doc.Status = models.StatusPending
	doc.FailureReason = ""
	doc.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx,
		`UPDATE documents SET title = ?, source_type = ?, content_type = ?, content = ?, size_bytes = ?,
			metadata = ?, status = ?, failure_reason = '', updated_at = ?
		 WHERE id = ?`,
		doc.Title, doc.SourceType, doc.ContentType, doc.Content, doc.SizeBytes,
		metadataJSON, string(doc.Status), doc.UpdatedAt, doc.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	return requireRow(result, doc.ID)
}

// UpdateStatus sets the status and failure reason of a document.
func (s *SQLiteStorage) UpdateStatus(ctx context.Context, id string, status models.DocumentStatus, reason string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, failure_reason = ?, updated_at = ? WHERE id = ?`,
		string(status), reason, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return requireRow(result, id)
}

func requireRow(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", models.ErrDocumentNotFound, id)
	}
	return nil
}

// DeleteDocument removes a document and, by cascade, its chunks. It reports
// whether a row existed.
func (s *SQLiteStorage) DeleteDocument(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete document: %w", err)
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// ListDocuments returns documents without their raw content, newest first.
func (s *SQLiteStorage) ListDocuments(ctx context.Context, opts models.ListOptions) ([]*models.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents`
	var where []string
	var args []any
	if opts.SourceType != "" {
		where = append(where, "source_type = ?")
		args = append(args, opts.SourceType)
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, max(opts.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ReplaceChunks atomically swaps the chunk set of a document and records the
// embedding model on it. Seq and CreatedAt are assigned on each chunk.
func (s *SQLiteStorage) ReplaceChunks(ctx context.Context, docID string, chunks []*models.DocumentChunk, model string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, docID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", models.ErrDocumentNotFound, docID)
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, docID); err != nil {
		return fmt.Errorf("failed to delete previous chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO document_chunks (id, document_id, chunk_index, content, token_count, embedding,
			embedding_model, embedding_dim, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, chunk := range chunks {
		metadataJSON, err := marshalMetadata(chunk.Metadata)
		if err != nil {
			return err
		}
		result, err := stmt.ExecContext(ctx, chunk.ID, docID, chunk.ChunkIndex, chunk.Content, chunk.TokenCount,
			EncodeEmbedding(chunk.Embedding), model, len(chunk.Embedding), metadataJSON, now)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", chunk.ChunkIndex, err)
		}
		seq, err := result.LastInsertId()
		if err != nil {
			return err
		}
		chunk.DocumentID = docID
		chunk.EmbeddingModel = model
		chunk.Seq = seq
		chunk.CreatedAt = now
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET chunk_count = ?, embedding_model = ?, updated_at = ? WHERE id = ?`,
		len(chunks), model, now, docID,
	); err != nil {
		return fmt.Errorf("failed to update chunk count: %w", err)
	}
	return tx.Commit()
}

// DeleteChunksByDocumentID removes all chunks for a document.
func (s *SQLiteStorage) DeleteChunksByDocumentID(ctx context.Context, docID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, docID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET chunk_count = 0 WHERE id = ?`, docID); err != nil {
		return err
	}
	return tx.Commit()
}

const chunkColumns = `seq, id, document_id, chunk_index, content, token_count, embedding,
	embedding_model, metadata, created_at`

func scanChunk(row rowScanner) (*models.DocumentChunk, error) {
	var chunk models.DocumentChunk
	var blob []byte
	var metadataJSON sql.NullString
	if err := row.Scan(&chunk.Seq, &chunk.ID, &chunk.DocumentID, &chunk.ChunkIndex, &chunk.Content,
		&chunk.TokenCount, &blob, &chunk.EmbeddingModel, &metadataJSON, &chunk.CreatedAt); err != nil {
		return nil, err
	}
	vec, err := DecodeEmbedding(blob)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", chunk.ID, err)
	}
	chunk.Embedding = vec
	md, err := unmarshalMetadata(metadataJSON.String)
	if err != nil {
		return nil, err
	}
	chunk.Metadata = md
	return &chunk, nil
}

// GetChunksByDocumentID returns the chunks of a document ordered by chunk_index.
// A non-empty chunkIDs restricts the result to those IDs.
func (s *SQLiteStorage) GetChunksByDocumentID(ctx context.Context, docID string, chunkIDs []string) ([]*models.DocumentChunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM document_chunks WHERE document_id = ?`
	args := []any{docID}
	if len(chunkIDs) > 0 {
		query += ` AND id IN (?` + strings.Repeat(",?", len(chunkIDs)-1) + `)`
		for _, id := range chunkIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY chunk_index`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*models.DocumentChunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// ForEachIndexed calls fn for every document that has chunks, with its chunks
// ordered by index. It is used to hydrate the in-memory vector index.
func (s *SQLiteStorage) ForEachIndexed(ctx context.Context, fn func(doc *models.Document, chunks []*models.DocumentChunk) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE chunk_count > 0 ORDER BY created_at, id`)
	if err != nil {
		return err
	}
	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			rows.Close()
			return err
		}
		docs = append(docs, doc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, doc := range docs {
		chunks, err := s.GetChunksByDocumentID(ctx, doc.ID, nil)
		if err != nil {
			return fmt.Errorf("failed to load chunks of %s: %w", doc.ID, err)
		}
		if err := fn(doc, chunks); err != nil {
			return err
		}
	}
	return nil
}

// EnsureEmbeddingSpace records the embedding model and dimension on first use
// and afterwards verifies the dimension. It returns the model recorded at
// initialization.
func (s *SQLiteStorage) EnsureEmbeddingSpace(ctx context.Context, model string, dims int) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var storedDims, storedModel string
	err = tx.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = 'embedding_dim'`).Scan(&storedDims)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO store_meta (key, value) VALUES ('embedding_dim', ?), ('embedding_model', ?)`,
			fmt.Sprint(dims), model); err != nil {
			return "", fmt.Errorf("failed to record embedding space: %w", err)
		}
		return model, tx.Commit()
	}
	if err != nil {
		return "", err
	}
	if storedDims != fmt.Sprint(dims) {
		var got int
		_, _ = fmt.Sscan(storedDims, &got)
		return "", &models.DimensionError{Expected: got, Got: dims}
	}
	_ = tx.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = 'embedding_model'`).Scan(&storedModel)
	return storedModel, nil
}

// CountDocuments returns the total number of documents.
func (s *SQLiteStorage) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}

// CountChunks returns the total number of chunks.
func (s *SQLiteStorage) CountChunks(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_chunks`).Scan(&count)
	return count, err
}

// CountByStatus returns the number of documents in each status.
func (s *SQLiteStorage) CountByStatus(ctx context.Context) (map[models.DocumentStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[models.DocumentStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[models.DocumentStatus(status)] = n
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
