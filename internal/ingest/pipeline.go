// Package ingest runs background ingestion jobs: extract, chunk, embed and
// persist a document without blocking the caller that uploaded it.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hyperjump/chishiki/internal/chunker"
	"github.com/hyperjump/chishiki/internal/embedding"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/storage"
	"go.uber.org/zap"
)

// Extractor converts raw content of a declared type into plain text.
type Extractor interface {
	ExtractText(raw []byte, contentType string) (string, error)
}

// Embedder embeds chunk texts, one vector per item in order.
type Embedder interface {
	EmbedBatch(ctx context.Context, items []embedding.Item) ([][]float32, error)
}

// ChunkStore persists chunk sets and removes documents.
type ChunkStore interface {
	InsertChunks(ctx context.Context, documentID string, chunks []models.ChunkInput) error
	RemoveChunks(ctx context.Context, documentID string) error
	DeleteDocument(ctx context.Context, documentID string) error
	// RefreshDocument updates the searchable attributes of an indexed
	// document after its row changed.
	RefreshDocument(doc *models.Document)
}

// ErrStopped is returned when work is submitted to a stopped pipeline.
var ErrStopped = errors.New("ingestion pipeline stopped")

type job struct {
	docID   string
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// Pipeline is a fixed pool of workers fed by a bounded queue. At most one job
// per document exists at a time; a second request for the same document is
// rejected with models.ErrAlreadyProcessing.
type Pipeline struct {
	docs      storage.Storage
	store     ChunkStore
	extractor Extractor
	chunker   *chunker.Chunker
	embedder  Embedder
	workers   int
	logger    *zap.Logger

	jobs    chan *job
	slots   chan struct{} // one token per queued job, taken before any write
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	active  map[string]*job
	started bool
	closed  bool
}

// Option configures a Pipeline.
type Option func(*pipelineConfig)

type pipelineConfig struct {
	workers   int
	queueSize int
	logger    *zap.Logger
}

// WithWorkers sets the number of concurrent ingestion workers.
func WithWorkers(n int) Option {
	return func(c *pipelineConfig) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithQueueSize sets how many jobs may wait for a worker.
func WithQueueSize(n int) Option {
	return func(c *pipelineConfig) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *pipelineConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a pipeline. Call Start before submitting work.
func New(docs storage.Storage, store ChunkStore, extractor Extractor, ch *chunker.Chunker, embedder Embedder, opts ...Option) *Pipeline {
	cfg := pipelineConfig{workers: 4, queueSize: 256, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Pipeline{
		docs:      docs,
		store:     store,
		extractor: extractor,
		chunker:   ch,
		embedder:  embedder,
		workers:   cfg.workers,
		logger:    cfg.logger,
		jobs:      make(chan *job, cfg.queueSize),
		slots:     make(chan struct{}, cfg.queueSize),
		baseCtx:   baseCtx,
		stop:      stop,
		active:    make(map[string]*job),
	}
}

// Start launches the workers.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.Info("ingestion pipeline started", zap.Int("workers", p.workers), zap.Int("queue_size", cap(p.jobs)))
}

// Stop cancels running jobs and waits for the workers to exit. Documents whose
// jobs did not finish stay pending or processing and are picked up by Recover
// on the next start.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.stop()
	p.wg.Wait()
	for {
		select {
		case j := <-p.jobs:
			<-p.slots
			p.release(j)
		default:
			p.logger.Info("ingestion pipeline stopped")
			return
		}
	}
}

// Stats returns the current queue depth and number of active jobs.
func (p *Pipeline) Stats() models.IngestionStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return models.IngestionStats{Workers: p.workers, Queued: len(p.jobs), Active: len(p.active)}
}

// reserve registers a job for docID or reports that one already exists.
func (p *Pipeline) reserve(docID string) (*job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrStopped
	}
	if _, ok := p.active[docID]; ok {
		return nil, fmt.Errorf("%w: %s", models.ErrAlreadyProcessing, docID)
	}
	ctx, cancel := context.WithCancel(p.baseCtx)
	j := &job{docID: docID, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	p.active[docID] = j
	return j, nil
}

func (p *Pipeline) release(j *job) {
	p.mu.Lock()
	if p.active[j.docID] == j {
		delete(p.active, j.docID)
	}
	p.mu.Unlock()
	j.cancel()
	close(j.done)
}

// claimSlot reserves room for one job in the queue. Without block it fails
// with models.ErrQueueFull instead of waiting.
func (p *Pipeline) claimSlot(ctx context.Context, block bool) error {
	if !block {
		select {
		case p.slots <- struct{}{}:
			return nil
		default:
			return models.ErrQueueFull
		}
	}
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.baseCtx.Done():
		return ErrStopped
	}
}

func (p *Pipeline) releaseSlot() {
	<-p.slots
}

// push queues a job whose slot is already claimed; it never blocks because
// the queue has exactly one place per slot.
func (p *Pipeline) push(j *job) {
	p.jobs <- j
}

// Submit stores a new pending document and queues its ingestion. It returns as
// soon as the document is queued.
func (p *Pipeline) Submit(ctx context.Context, in models.DocumentInput) (*models.Document, error) {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	j, err := p.reserve(in.ID)
	if err != nil {
		return nil, err
	}
	if _, err := p.docs.GetDocument(ctx, in.ID); err == nil {
		p.release(j)
		return nil, fmt.Errorf("%w: %s", models.ErrDocumentExists, in.ID)
	}
	if err := p.claimSlot(ctx, false); err != nil {
		p.release(j)
		return nil, err
	}
	doc := &models.Document{
		ID:          in.ID,
		Title:       in.Title,
		SourceType:  in.SourceType,
		ContentType: in.ContentType,
		Content:     in.Content,
		Metadata:    in.Metadata,
		Status:      models.StatusPending,
	}
	if err := p.docs.CreateDocument(ctx, doc); err != nil {
		p.releaseSlot()
		p.release(j)
		return nil, fmt.Errorf("failed to store document: %w", err)
	}
	p.push(j)
	p.logger.Debug("document queued", zap.String("doc_id", doc.ID), zap.Int64("size_bytes", doc.SizeBytes))
	return doc, nil
}

// Reingest replaces the content of an existing document and queues it again.
// Its previous chunks stay searchable until the new set is stored. Empty
// fields of in keep their current values; Content is always replaced. A
// rejected request leaves the document untouched.
func (p *Pipeline) Reingest(ctx context.Context, id string, in models.DocumentInput) (*models.Document, error) {
	j, err := p.reserve(id)
	if err != nil {
		return nil, err
	}
	doc, err := p.docs.GetDocument(ctx, id)
	if err != nil {
		p.release(j)
		return nil, err
	}
	if err := p.claimSlot(ctx, false); err != nil {
		p.release(j)
		return nil, err
	}
	if in.Title != "" {
		doc.Title = in.Title
	}
	if in.SourceType != "" {
		doc.SourceType = in.SourceType
	}
	if in.ContentType != "" {
		doc.ContentType = in.ContentType
	}
	if in.Metadata != nil {
		doc.Metadata = in.Metadata
	}
	doc.Content = in.Content
	if err := p.docs.UpdateDocumentContent(ctx, doc); err != nil {
		p.releaseSlot()
		p.release(j)
		return nil, err
	}
	p.store.RefreshDocument(doc)
	p.push(j)
	p.logger.Debug("document re-queued", zap.String("doc_id", id))
	return doc, nil
}

// Delete cancels any job for the document and deletes it with all of its
// chunks. A job still waiting in the queue gives up its reservation at once, so
// the ID can be submitted again immediately; a running job holds it until its
// worker notices the cancellation. Deleting a missing document is not an error.
func (p *Pipeline) Delete(ctx context.Context, id string) error {
	p.mu.Lock()
	j := p.active[id]
	if j != nil && !j.running {
		delete(p.active, id)
	}
	p.mu.Unlock()
	if j != nil {
		j.cancel()
	}
	if err := p.store.DeleteDocument(ctx, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	p.logger.Debug("document deleted", zap.String("doc_id", id), zap.Bool("cancelled_job", j != nil))
	return nil
}

// Wait blocks until the document has no queued or running job.
func (p *Pipeline) Wait(ctx context.Context, id string) error {
	p.mu.Lock()
	j := p.active[id]
	p.mu.Unlock()
	if j == nil {
		return nil
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.baseCtx.Done():
		return ErrStopped
	}
}

// Recover queues every document left pending or processing by a previous
// process. It blocks while the queue is full.
func (p *Pipeline) Recover(ctx context.Context) (int, error) {
	var ids []string
	for _, status := range []models.DocumentStatus{models.StatusProcessing, models.StatusPending} {
		docs, err := p.docs.ListDocuments(ctx, models.ListOptions{Status: status})
		if err != nil {
			return 0, fmt.Errorf("failed to list %s documents: %w", status, err)
		}
		for _, d := range docs {
			ids = append(ids, d.ID)
		}
	}
	n := 0
	for _, id := range ids {
		j, err := p.reserve(id)
		if errors.Is(err, models.ErrAlreadyProcessing) {
			continue
		}
		if err != nil {
			return n, err
		}
		if err := p.claimSlot(ctx, true); err != nil {
			p.release(j)
			return n, err
		}
		if err := p.docs.UpdateStatus(ctx, id, models.StatusPending, ""); err != nil {
			p.releaseSlot()
			p.release(j)
			return n, err
		}
		p.push(j)
		n++
	}
	if n > 0 {
		p.logger.Info("recovered unfinished ingestion jobs", zap.Int("count", n))
	}
	return n, nil
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.baseCtx.Done():
			return
		case j := <-p.jobs:
			p.releaseSlot()
			p.process(j)
		}
	}
}

// begin marks a dequeued job running. It reports false when the job was
// detached by Delete while it waited in the queue.
func (p *Pipeline) begin(j *job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active[j.docID] != j {
		return false
	}
	j.running = true
	return true
}

func (p *Pipeline) process(j *job) {
	defer p.release(j)
	log := p.logger.With(zap.String("doc_id", j.docID))
	if !p.begin(j) {
		log.Debug("skipping job of deleted document")
		return
	}

	chunks, err := p.run(j.ctx, j.docID)
	if err == nil {
		log.Info("document ready", zap.Int("chunks", chunks))
		return
	}
	if p.baseCtx.Err() != nil {
		log.Info("ingestion interrupted by shutdown")
		return
	}
	if errors.Is(err, models.ErrDocumentNotFound) {
		log.Debug("document deleted during ingestion")
		return
	}
	if j.ctx.Err() != nil && !errors.Is(err, models.ErrCancelled) {
		err = fmt.Errorf("%w: %w", models.ErrCancelled, err)
	}
	log.Warn("ingestion failed", zap.Error(err))
	p.fail(j.docID, err)
}

// fail marks a document failed and removes any chunks it has.
func (p *Pipeline) fail(id string, cause error) {
	ctx := context.Background()
	if err := p.store.RemoveChunks(ctx, id); err != nil {
		p.logger.Error("failed to remove chunks of failed document", zap.String("doc_id", id), zap.Error(err))
	}
	err := p.docs.UpdateStatus(ctx, id, models.StatusFailed, models.FailureReason(cause))
	if err != nil && !errors.Is(err, models.ErrDocumentNotFound) {
		p.logger.Error("failed to mark document failed", zap.String("doc_id", id), zap.Error(err))
	}
}

func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", models.ErrCancelled, err)
	}
	return nil
}

// run performs one ingestion attempt and returns the number of stored chunks.
func (p *Pipeline) run(ctx context.Context, id string) (int, error) {
	if err := checkpoint(ctx); err != nil {
		return 0, err
	}
	doc, err := p.docs.GetDocument(ctx, id)
	if err != nil {
		return 0, err
	}
	if err := p.docs.UpdateStatus(ctx, id, models.StatusProcessing, ""); err != nil {
		return 0, err
	}

	if err := checkpoint(ctx); err != nil {
		return 0, err
	}
	text, err := p.extractor.ExtractText(doc.Content, doc.ContentType)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(text) == "" {
		return 0, fmt.Errorf("%w: no text", models.ErrExtractionFailed)
	}

	if err := checkpoint(ctx); err != nil {
		return 0, err
	}
	segments := p.chunker.Split(text)
	if len(segments) == 0 {
		return 0, models.ErrChunkingProducedEmpty
	}
	items := make([]embedding.Item, len(segments))
	for i, s := range segments {
		items[i] = embedding.Item{ID: uuid.New().String(), Text: s.Text}
	}

	if err := checkpoint(ctx); err != nil {
		return 0, err
	}
	vectors, err := p.embedder.EmbedBatch(ctx, items)
	if err != nil {
		return 0, fmt.Errorf("embed %d chunk(s): %w", len(items), err)
	}

	if err := checkpoint(ctx); err != nil {
		return 0, err
	}
	inputs := make([]models.ChunkInput, len(segments))
	for i, s := range segments {
		inputs[i] = models.ChunkInput{
			ID:         items[i].ID,
			Index:      i,
			Text:       s.Text,
			Vector:     vectors[i],
			TokenCount: s.Tokens,
			Metadata: map[string]string{
				"start_word":    strconv.Itoa(s.StartWord),
				"end_word":      strconv.Itoa(s.EndWord),
				"overlap_words": strconv.Itoa(s.OverlapWords),
			},
		}
	}
	if err := p.store.InsertChunks(ctx, id, inputs); err != nil {
		return 0, err
	}

	if err := checkpoint(ctx); err != nil {
		return 0, err
	}
	if err := p.docs.UpdateStatus(ctx, id, models.StatusReady, ""); err != nil {
		return 0, err
	}
	return len(inputs), nil
}
