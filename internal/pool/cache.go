package pool

import (
	"sync/atomic"
	"time"
)

type snapshot[T any] struct {
	items    []T
	loadedAt time.Time
	gen      uint64
}

// Cache holds the most recently loaded selectable set. Readers never block:
// the snapshot pointer is swapped wholesale. Every Invalidate bumps the
// generation so that a refresh started before it can never be served.
type Cache[T any] struct {
	ttl     time.Duration
	now     func() time.Time
	gen     atomic.Uint64
	current atomic.Pointer[snapshot[T]]
}

func NewCache[T any](ttl time.Duration, now func() time.Time) *Cache[T] {
	if now == nil {
		now = time.Now
	}
	return &Cache[T]{ttl: ttl, now: now}
}

// Get returns the cached items if the snapshot is current and fresh. The
// returned slice must not be modified.
func (c *Cache[T]) Get() ([]T, bool) {
	s := c.current.Load()
	if s == nil || s.gen != c.gen.Load() {
		return nil, false
	}
	if c.ttl <= 0 || c.now().Sub(s.loadedAt) >= c.ttl {
		return nil, false
	}
	return s.items, true
}

// Generation returns the token a refresher must pass to Store.
func (c *Cache[T]) Generation() uint64 {
	return c.gen.Load()
}

// Store installs items loaded under generation gen. It reports false when
// an invalidation happened in between and the items were discarded.
func (c *Cache[T]) Store(gen uint64, items []T) bool {
	if gen != c.gen.Load() {
		return false
	}
	c.current.Store(&snapshot[T]{items: items, loadedAt: c.now(), gen: gen})
	return true
}

func (c *Cache[T]) Invalidate() {
	c.gen.Add(1)
	c.current.Store(nil)
}
