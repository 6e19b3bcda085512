// Package vector provides the in-memory approximate nearest-neighbour index over
// chunk embeddings: exact scan for small populations, IVF above a threshold.
package vector

import (
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/hyperjump/chishiki/internal/models"
	"go.uber.org/zap"
)

// Strategy is the active search plan.
type Strategy int

const (
	// ExactScan compares the query against every vector.
	ExactScan Strategy = iota
	// IVF probes the nearest k-means lists and re-ranks candidates exactly.
	IVF
)

func (s Strategy) String() string {
	if s == IVF {
		return "ivf"
	}
	return "exact"
}

// DocInfo holds the document attributes filters are evaluated against.
type DocInfo struct {
	Title       string
	ContentType string
	SourceType  string
	Metadata    map[string]string
}

// Predicate reports whether chunks of a document are search candidates.
type Predicate func(documentID string, info *DocInfo) bool

// Hit is a ranked search result. Chunk is shared with the index and must not be modified.
type Hit struct {
	Chunk    *models.DocumentChunk
	Doc      *DocInfo
	Distance float64
}

// Options tunes the IVF plan.
type Options struct {
	MinVectors    int     // population at which IVF replaces exact scan
	Lists         int     // 0 means ceil(sqrt(n))
	Probes        int     // lists probed per query
	RebuildGrowth float64 // growth or shrink factor that triggers a rebuild
	Iterations    int     // k-means iterations
	Seed          int64
}

// DefaultOptions returns the default IVF tuning.
func DefaultOptions() Options {
	return Options{
		MinVectors:    1000,
		Probes:        8,
		RebuildGrowth: 2.0,
		Iterations:    10,
		Seed:          1,
	}
}

var errDimensions = errors.New("dimensions must be positive")

type entry struct {
	chunk *models.DocumentChunk
	vec   []float32 // unit length
}

type docEntry struct {
	info     *DocInfo
	chunkIDs []string
}

// Index is safe for concurrent use. Writers replace a document's whole chunk set
// under the write lock, so readers observe either the old or the new set.
type Index struct {
	dims    int
	opts    Options
	logger  *zap.Logger
	mu      sync.RWMutex
	entries map[string]*entry
	docs    map[string]*docEntry
	ivf     *ivfState // nil selects ExactScan
	builtAt int       // population when ivf was built

	buildMu  sync.Mutex
	building chan struct{} // closed when the running rebuild finishes
}

// IndexOption configures an Index.
type IndexOption func(*Index)

// WithOptions sets IVF tuning. Zero fields keep their defaults.
func WithOptions(o Options) IndexOption {
	return func(idx *Index) {
		d := DefaultOptions()
		if o.MinVectors <= 0 {
			o.MinVectors = d.MinVectors
		}
		if o.Probes <= 0 {
			o.Probes = d.Probes
		}
		if o.RebuildGrowth <= 1 {
			o.RebuildGrowth = d.RebuildGrowth
		}
		if o.Iterations <= 0 {
			o.Iterations = d.Iterations
		}
		if o.Seed == 0 {
			o.Seed = d.Seed
		}
		idx.opts = o
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) IndexOption {
	return func(idx *Index) {
		if l != nil {
			idx.logger = l
		}
	}
}

// NewIndex creates an empty index for vectors of the given dimension.
func NewIndex(dims int, opts ...IndexOption) (*Index, error) {
	if dims <= 0 {
		return nil, errDimensions
	}
	idx := &Index{
		dims:    dims,
		opts:    DefaultOptions(),
		logger:  zap.NewNop(),
		entries: make(map[string]*entry),
		docs:    make(map[string]*docEntry),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx, nil
}

// Dimensions returns the vector dimension.
func (idx *Index) Dimensions() int {
	return idx.dims
}

// Size returns the number of vectors in the index.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Strategy returns the active search plan.
func (idx *Index) Strategy() Strategy {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.ivf != nil {
		return IVF
	}
	return ExactScan
}

// Replace swaps the chunk set of a document. Chunk embeddings must have the
// index dimension; the caller validates them.
func (idx *Index) Replace(documentID string, info *DocInfo, chunks []*models.DocumentChunk) {
	prepared := make([]*entry, len(chunks))
	for i, c := range chunks {
		prepared[i] = &entry{chunk: c, vec: Normalize(c.Embedding)}
	}

	idx.mu.Lock()
	idx.removeLocked(documentID)
	de := &docEntry{info: info, chunkIDs: make([]string, len(prepared))}
	for i, e := range prepared {
		idx.entries[e.chunk.ID] = e
		de.chunkIDs[i] = e.chunk.ID
		if idx.ivf != nil {
			idx.ivf.add(e.chunk.ID, e.vec)
		}
	}
	idx.docs[documentID] = de
	idx.mu.Unlock()

	idx.maybeRebuild()
}

// UpdateDocInfo replaces the filterable attributes of an indexed document.
func (idx *Index) UpdateDocInfo(documentID string, info *DocInfo) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if de, ok := idx.docs[documentID]; ok {
		de.info = info
	}
}

// Remove drops all vectors of a document. Unknown documents are ignored.
func (idx *Index) Remove(documentID string) {
	idx.mu.Lock()
	idx.removeLocked(documentID)
	idx.mu.Unlock()

	idx.maybeRebuild()
}

func (idx *Index) removeLocked(documentID string) {
	de, ok := idx.docs[documentID]
	if !ok {
		return
	}
	for _, id := range de.chunkIDs {
		delete(idx.entries, id)
		if idx.ivf != nil {
			idx.ivf.remove(id)
		}
	}
	delete(idx.docs, documentID)
}

// Search returns up to k hits ordered by ascending cosine distance, ties broken
// by chunk creation sequence. pred may be nil.
func (idx *Index) Search(query []float32, k int, pred Predicate) ([]Hit, error) {
	if len(query) != idx.dims {
		return nil, &models.DimensionError{Expected: idx.dims, Got: len(query)}
	}
	if k <= 0 {
		return nil, nil
	}
	q := Normalize(query)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var candidates []*entry
	if idx.ivf != nil {
		candidates = idx.probeLocked(q, pred)
	}
	if len(candidates) < k {
		candidates = idx.scanLocked(pred)
	}

	hits := make([]Hit, len(candidates))
	for i, e := range candidates {
		hits[i] = Hit{
			Chunk:    e.chunk,
			Doc:      idx.docs[e.chunk.DocumentID].info,
			Distance: CosineDistance(q, e.vec),
		}
	}
	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Distance != hits[b].Distance {
			return hits[a].Distance < hits[b].Distance
		}
		return hits[a].Chunk.Seq < hits[b].Chunk.Seq
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (idx *Index) accept(e *entry, pred Predicate) bool {
	if pred == nil {
		return true
	}
	de := idx.docs[e.chunk.DocumentID]
	return de != nil && pred(e.chunk.DocumentID, de.info)
}

func (idx *Index) scanLocked(pred Predicate) []*entry {
	out := make([]*entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		if idx.accept(e, pred) {
			out = append(out, e)
		}
	}
	return out
}

func (idx *Index) probeLocked(q []float32, pred Predicate) []*entry {
	var out []*entry
	for _, list := range idx.ivf.nearestLists(q, idx.opts.Probes) {
		for id := range idx.ivf.lists[list] {
			if e := idx.entries[id]; e != nil && idx.accept(e, pred) {
				out = append(out, e)
			}
		}
	}
	return out
}

// maybeRebuild drops IVF below the population threshold and starts a
// background rebuild when the population drifted by the growth factor.
func (idx *Index) maybeRebuild() {
	idx.mu.Lock()
	n := len(idx.entries)
	if n < idx.opts.MinVectors {
		if idx.ivf != nil {
			idx.ivf = nil
			idx.builtAt = 0
			idx.logger.Info("vector index switched to exact scan", zap.Int("vectors", n))
		}
		idx.mu.Unlock()
		return
	}
	growth := idx.opts.RebuildGrowth
	stale := idx.ivf == nil ||
		float64(n) >= float64(idx.builtAt)*growth ||
		float64(n) <= float64(idx.builtAt)/growth
	idx.mu.Unlock()

	if !stale {
		return
	}
	idx.buildMu.Lock()
	if idx.building != nil {
		idx.buildMu.Unlock()
		return
	}
	done := make(chan struct{})
	idx.building = done
	idx.buildMu.Unlock()

	go func() {
		idx.rebuild()
		idx.buildMu.Lock()
		idx.building = nil
		idx.buildMu.Unlock()
		close(done)
	}()
}

// RebuildNow builds the IVF state synchronously when the population is at or
// above the threshold.
func (idx *Index) RebuildNow() {
	idx.Wait()
	idx.rebuild()
}

// Wait blocks until any background rebuild has finished.
func (idx *Index) Wait() {
	idx.buildMu.Lock()
	done := idx.building
	idx.buildMu.Unlock()
	if done != nil {
		<-done
	}
}

func (idx *Index) rebuild() {
	idx.mu.RLock()
	snapshot := make([]*entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		snapshot = append(snapshot, e)
	}
	idx.mu.RUnlock()

	if len(snapshot) < idx.opts.MinVectors {
		return
	}
	// Map iteration order is random; sort so seeding is deterministic.
	sort.Slice(snapshot, func(a, b int) bool {
		if snapshot[a].chunk.Seq != snapshot[b].chunk.Seq {
			return snapshot[a].chunk.Seq < snapshot[b].chunk.Seq
		}
		return snapshot[a].chunk.ID < snapshot[b].chunk.ID
	})
	vecs := make([][]float32, len(snapshot))
	for i, e := range snapshot {
		vecs[i] = e.vec
	}

	lists := idx.opts.Lists
	if lists <= 0 {
		lists = int(math.Ceil(math.Sqrt(float64(len(vecs)))))
	}
	centroids, assign := kmeans(vecs, lists, idx.opts.Iterations, idx.opts.Seed)
	state := newIVFState(centroids)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.entries) < idx.opts.MinVectors {
		return
	}
	for i, e := range snapshot {
		if idx.entries[e.chunk.ID] == e {
			state.put(e.chunk.ID, assign[i])
		}
	}
	// Entries written while k-means ran.
	for id, e := range idx.entries {
		if _, ok := state.assign[id]; !ok {
			state.add(id, e.vec)
		}
	}
	idx.ivf = state
	idx.builtAt = len(idx.entries)
	idx.logger.Info("vector index rebuilt",
		zap.Int("vectors", idx.builtAt),
		zap.Int("lists", len(centroids)))
}
