package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperjump/chishiki/internal/models"
)

// scriptedProvider fails selected calls and records the batches it saw.
type scriptedProvider struct {
	dims    int
	mu      sync.Mutex
	batches [][]string
	fail    func(call int, texts []string) error
	calls   atomic.Int32
}

func (p *scriptedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	call := int(p.calls.Add(1))
	p.mu.Lock()
	p.batches = append(p.batches, append([]string(nil), texts...))
	p.mu.Unlock()
	if p.fail != nil {
		if err := p.fail(call, texts); err != nil {
			return nil, err
		}
	}
	return NewMockProvider(p.dims).EmbedBatch(ctx, texts)
}

func noSleep(a *Adapter) {
	a.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
}

func items(n int) []Item {
	out := make([]Item, n)
	for i := range out {
		out[i] = Item{ID: fmt.Sprintf("c%d", i), Text: fmt.Sprintf("text number %d", i)}
	}
	return out
}

func TestAdapter_EmbedBatchPreservesOrder(t *testing.T) {
	p := &scriptedProvider{dims: 8}
	a := NewAdapter(p, 8, WithBatchSize(3), WithConcurrency(4))
	in := items(10)
	vecs, err := a.EmbedBatch(context.Background(), in)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 10 {
		t.Fatalf("expected 10 vectors, got %d", len(vecs))
	}
	mock := NewMockProvider(8)
	for i, it := range in {
		want := mock.Embed(it.Text)
		for j := range want {
			if vecs[i][j] != want[j] {
				t.Fatalf("vector %d out of order", i)
			}
		}
	}
	if got := int(p.calls.Load()); got != 4 {
		t.Errorf("expected 4 provider calls, got %d", got)
	}
	for _, b := range p.batches {
		if len(b) > 3 {
			t.Errorf("batch exceeds size: %d", len(b))
		}
	}
}

func TestAdapter_RetriesTransient(t *testing.T) {
	p := &scriptedProvider{dims: 4, fail: func(call int, _ []string) error {
		if call < 3 {
			return &HTTPError{StatusCode: 503, Body: "busy"}
		}
		return nil
	}}
	a := NewAdapter(p, 4, WithRetry(3, time.Millisecond, time.Millisecond), noSleep)
	if _, err := a.EmbedBatch(context.Background(), items(2)); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if got := p.calls.Load(); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

func TestAdapter_ExhaustedBatchReportsItems(t *testing.T) {
	// Second batch always fails.
	p := &scriptedProvider{dims: 4, fail: func(_ int, texts []string) error {
		if strings.Contains(texts[0], "number 2") {
			return &TransientError{Err: errors.New("connection reset")}
		}
		return nil
	}}
	a := NewAdapter(p, 4, WithBatchSize(2), WithConcurrency(1), WithRetry(3, time.Millisecond, time.Millisecond), noSleep)
	_, err := a.EmbedBatch(context.Background(), items(4))
	if !errors.Is(err, models.ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
	var eu *models.EmbeddingUnavailableError
	if !errors.As(err, &eu) {
		t.Fatalf("expected EmbeddingUnavailableError, got %T", err)
	}
	if eu.Attempts != 3 {
		t.Errorf("Attempts=%d, want 3", eu.Attempts)
	}
	if len(eu.ChunkIDs) != 2 || eu.ChunkIDs[0] != "c2" || eu.ChunkIDs[1] != "c3" {
		t.Errorf("ChunkIDs=%v, want [c2 c3]", eu.ChunkIDs)
	}
}

func TestAdapter_NonTransientNotRetried(t *testing.T) {
	p := &scriptedProvider{dims: 4, fail: func(int, []string) error {
		return &HTTPError{StatusCode: 401, Body: "unauthorized"}
	}}
	a := NewAdapter(p, 4, WithRetry(5, time.Millisecond, time.Millisecond), noSleep)
	_, err := a.EmbedBatch(context.Background(), items(1))
	if !errors.Is(err, models.ErrEmbeddingRejected) {
		t.Fatalf("expected ErrEmbeddingRejected, got %v", err)
	}
	if errors.Is(err, models.ErrEmbeddingUnavailable) {
		t.Error("a rejected batch must not be reported as unavailable")
	}
	var rejected *models.EmbeddingRejectedError
	if !errors.As(err, &rejected) || len(rejected.ChunkIDs) != 1 || rejected.ChunkIDs[0] != "c0" {
		t.Errorf("expected rejected chunk c0, got %+v", rejected)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 401 {
		t.Errorf("expected provider cause to be reachable, got %v", err)
	}
	if got := p.calls.Load(); got != 1 {
		t.Errorf("expected 1 call, got %d", got)
	}
}

type shortProvider struct{}

func (shortProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)-1), nil
}

func TestAdapter_ProtocolError(t *testing.T) {
	a := NewAdapter(shortProvider{}, 4)
	_, err := a.EmbedBatch(context.Background(), items(3))
	var pe *models.EmbeddingProtocolError
	if !errors.As(err, &pe) || pe.Sent != 3 || pe.Received != 2 {
		t.Fatalf("expected protocol error 3/2, got %v", err)
	}
}

func TestAdapter_DimensionMismatch(t *testing.T) {
	a := NewAdapter(NewMockProvider(3), 4)
	_, err := a.EmbedBatch(context.Background(), items(1))
	if !errors.Is(err, models.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestAdapter_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := NewAdapter(NewMockProvider(4), 4)
	if _, err := a.EmbedBatch(ctx, items(2)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAdapter_EmbedQueryCache(t *testing.T) {
	p := &scriptedProvider{dims: 4}
	a := NewAdapter(p, 4, WithCache(8), WithModel("m"))
	for i := 0; i < 3; i++ {
		if _, err := a.EmbedQuery(context.Background(), "hello"); err != nil {
			t.Fatal(err)
		}
	}
	if got := p.calls.Load(); got != 1 {
		t.Errorf("expected 1 provider call, got %d", got)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("bad input"), false},
		{&HTTPError{StatusCode: 429}, true},
		{&HTTPError{StatusCode: 500}, true},
		{&HTTPError{StatusCode: 400}, false},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), true},
		{&TransientError{Err: errors.New("x")}, true},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func BenchmarkAdapter_EmbedQueryCached(b *testing.B) {
	a := NewAdapter(NewMockProvider(384), 384, WithCache(100))
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = a.EmbedQuery(ctx, "benchmark query text for embedding")
	}
}
