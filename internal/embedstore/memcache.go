package embedstore

import (
	"context"
	"sync"
)

// Compile-time assertion that MemCache satisfies the Cache interface.
var _ Cache = (*MemCache)(nil)

// MemCache is a process-local vector cache. It survives for the process
// lifetime only; use the Postgres cache for restart durability. Reads vastly
// outnumber writes, so it uses an RWMutex.
type MemCache struct {
	mu      sync.RWMutex
	vectors map[Key][]float32
}

// NewMemCache returns an initialised MemCache.
func NewMemCache() *MemCache {
	return &MemCache{vectors: make(map[Key][]float32)}
}

// Get implements [Cache].
func (c *MemCache) Get(_ context.Context, key Key) ([]float32, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vectors[key]
	return v, ok, nil
}

// Put implements [Cache]. The vector is copied so callers may reuse their
// slice.
func (c *MemCache) Put(_ context.Context, key Key, vec []float32) error {
	cp := make([]float32, len(vec))
	copy(cp, vec)
	c.mu.Lock()
	c.vectors[key] = cp
	c.mu.Unlock()
	return nil
}

// Len returns the number of cached entries. Used by readiness checks and tests.
func (c *MemCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.vectors)
}
