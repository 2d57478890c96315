// Package memory provides an in-process implementation of results.Cache.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/layersync/results"
)

// Cache keeps results in a map guarded by a mutex.
type Cache struct {
	next atomic.Uint64

	mu    sync.Mutex
	items map[results.Handle]results.Raster
}

var _ results.Cache = (*Cache)(nil)

// New returns an empty cache.
func New() *Cache {
	return &Cache{items: make(map[results.Handle]results.Raster)}
}

// Store implements results.Cache.
func (c *Cache) Store(ctx context.Context, r results.Raster) (results.Handle, error) {
	h := results.Handle(c.next.Add(1))
	c.mu.Lock()
	c.items[h] = r
	c.mu.Unlock()
	return h, nil
}

// Consume implements results.Cache.
func (c *Cache) Consume(ctx context.Context, h results.Handle) (results.Raster, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.items[h]
	if !ok {
		return results.Raster{}, fmt.Errorf("%w: handle %d", results.ErrNotFound, h)
	}
	delete(c.items, h)
	return r, nil
}

// Len returns the number of unconsumed results.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close implements results.Cache.
func (c *Cache) Close() error { return nil }
