package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperjump/chishiki/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Item is one text to embed, identified by the chunk it belongs to.
type Item struct {
	ID   string
	Text string
}

// Adapter batches, rate-limits and retries calls to a Provider and validates
// what comes back.
type Adapter struct {
	provider       Provider
	model          string
	dimensions     int
	batchSize      int
	concurrency    int
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	timeout        time.Duration
	limiter        *rate.Limiter
	cache          *QueryCache
	logger         *zap.Logger
	sleep          func(ctx context.Context, d time.Duration) error
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithModel records the model name reported by Model.
func WithModel(model string) Option {
	return func(a *Adapter) { a.model = model }
}

// WithBatchSize sets the maximum number of texts per provider call.
func WithBatchSize(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// WithConcurrency sets how many batches may be in flight at once.
func WithConcurrency(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithRetry sets the attempt limit and the exponential backoff bounds.
func WithRetry(maxAttempts int, initial, maxBackoff time.Duration) Option {
	return func(a *Adapter) {
		if maxAttempts > 0 {
			a.maxAttempts = maxAttempts
		}
		if initial > 0 {
			a.initialBackoff = initial
		}
		if maxBackoff > 0 {
			a.maxBackoff = maxBackoff
		}
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithRateLimit limits provider calls to rps requests per second. rps <= 0 disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(a *Adapter) {
		if rps <= 0 {
			a.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithCache enables an LRU cache of query embeddings.
func WithCache(size int) Option {
	return func(a *Adapter) {
		if size > 0 {
			a.cache = NewQueryCache(size)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAdapter wraps provider. Every returned vector must have the given dimensions.
func NewAdapter(provider Provider, dimensions int, opts ...Option) *Adapter {
	a := &Adapter{
		provider:       provider,
		dimensions:     dimensions,
		batchSize:      64,
		concurrency:    2,
		maxAttempts:    3,
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     10 * time.Second,
		timeout:        30 * time.Second,
		limiter:        rate.NewLimiter(rate.Inf, 0),
		logger:         zap.NewNop(),
		sleep:          sleepContext,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Dimensions returns the expected vector dimensionality.
func (a *Adapter) Dimensions() int {
	return a.dimensions
}

// Model returns the configured model name.
func (a *Adapter) Model() string {
	return a.model
}

// EmbedBatch embeds items and returns one vector per item, in order. Items are
// sent in batches of at most the configured batch size; a batch that keeps
// failing with transient errors yields an *models.EmbeddingUnavailableError
// naming its items; a non-transient failure is not retried and yields an
// *models.EmbeddingRejectedError.
func (a *Adapter) EmbedBatch(ctx context.Context, items []Item) ([][]float32, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for start := 0; start < len(items); start += a.batchSize {
		end := min(start+a.batchSize, len(items))
		batch := items[start:end]
		g.Go(func() error {
			vecs, err := a.embedWithRetry(gctx, batch)
			if err != nil {
				return err
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// EmbedQuery embeds a single query text, consulting the cache first.
func (a *Adapter) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if a.cache != nil {
		if v, ok := a.cache.Get(a.model, text); ok {
			return v, nil
		}
	}
	vecs, err := a.EmbedBatch(ctx, []Item{{ID: "query", Text: text}})
	if err != nil {
		return nil, err
	}
	if a.cache != nil {
		a.cache.Put(a.model, text, vecs[0])
	}
	return vecs[0], nil
}

func (a *Adapter) embedWithRetry(ctx context.Context, batch []Item) ([][]float32, error) {
	texts := make([]string, len(batch))
	for i, it := range batch {
		texts[i] = it.Text
	}
	backoff := a.initialBackoff
	var lastErr error
	attempt := 0
	for attempt < a.maxAttempts {
		attempt++
		if err := a.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		vecs, err := a.call(ctx, texts)
		if err == nil {
			if err := a.validate(len(texts), vecs); err != nil {
				return nil, err
			}
			return vecs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, &models.EmbeddingRejectedError{ChunkIDs: itemIDs(batch), Err: err}
		}
		if attempt == a.maxAttempts {
			break
		}
		a.logger.Warn("embedding batch failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("batch_size", len(batch)),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if err := a.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff = min(backoff*2, a.maxBackoff)
	}
	return nil, &models.EmbeddingUnavailableError{ChunkIDs: itemIDs(batch), Attempts: attempt, Err: lastErr}
}

func itemIDs(batch []Item) []string {
	ids := make([]string, len(batch))
	for i, it := range batch {
		ids[i] = it.ID
	}
	return ids
}

func (a *Adapter) call(ctx context.Context, texts []string) ([][]float32, error) {
	actx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.provider.EmbedBatch(actx, texts)
}

func (a *Adapter) validate(sent int, vecs [][]float32) error {
	if len(vecs) != sent {
		return &models.EmbeddingProtocolError{Sent: sent, Received: len(vecs)}
	}
	for _, v := range vecs {
		if len(v) != a.dimensions {
			return &models.DimensionError{Expected: a.dimensions, Got: len(v)}
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
