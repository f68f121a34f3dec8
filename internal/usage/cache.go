package usage

import (
	"context"
	"sync"
	"time"
)

// Cache stores the most recent usage snapshot. Implementations are
// last-writer-wins; the snapshot is advisory so lost updates are acceptable.
type Cache interface {
	// Get returns the cached snapshot and whether one was present.
	Get(ctx context.Context) (Snapshot, bool, error)
	// Put overwrites the cache, stamping the snapshot's CachedAt.
	Put(ctx context.Context, s Snapshot) error
	// Invalidate drops the cached snapshot entirely.
	Invalidate(ctx context.Context) error
}

// MemoryCache is the in-process Cache used when no Redis is configured.
type MemoryCache struct {
	mu       sync.Mutex
	snapshot Snapshot
	present  bool
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (c *MemoryCache) Get(ctx context.Context) (Snapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot, c.present, nil
}

func (c *MemoryCache) Put(ctx context.Context, s Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.CachedAt = time.Now()
	c.snapshot = s.Normalize()
	c.present = true
	return nil
}

func (c *MemoryCache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = Snapshot{}
	c.present = false
	return nil
}

var _ Cache = (*MemoryCache)(nil)
