package embedding

import (
	"container/list"
	"sync"
)

// QueryCache is a bounded LRU of query vectors. Entries are keyed by model
// as well as text so a model change never serves stale vectors.
type QueryCache struct {
	mu       sync.Mutex
	capacity int
	items    map[queryKey]*list.Element
	order    *list.List // front is most recently used
	hits     uint64
	misses   uint64
}

type queryKey struct {
	model string
	text  string
}

type queryEntry struct {
	key queryKey
	vec []float32
}

// NewQueryCache returns a cache holding at most capacity vectors.
func NewQueryCache(capacity int) *QueryCache {
	if capacity < 1 {
		capacity = 1
	}
	return &QueryCache{
		capacity: capacity,
		items:    make(map[queryKey]*list.Element, capacity),
		order:    list.New(),
	}
}

// Get returns a copy of the cached vector.
func (c *QueryCache) Get(model, text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[queryKey{model, text}]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return append([]float32(nil), el.Value.(*queryEntry).vec...), true
}

// Put stores a copy of vec and evicts the least recently used entry when full.
func (c *QueryCache) Put(model, text string, vec []float32) {
	key := queryKey{model, text}
	vec = append([]float32(nil), vec...)

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*queryEntry).vec = vec
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&queryEntry{key: key, vec: vec})
	for c.order.Len() > c.capacity {
		last := c.order.Back()
		c.order.Remove(last)
		delete(c.items, last.Value.(*queryEntry).key)
	}
}

// Len returns the number of cached vectors.
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns lookup hit and miss counts.
func (c *QueryCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
