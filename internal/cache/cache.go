// Package cache is a bounded read-through LRU over store lookups.
//
// It is never authoritative: entries may be evicted at any time and the
// owner is expected to Update after every successful write to the store.
package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Loader fetches a value on a cache miss.
type Loader[V any] func(ctx context.Context, id string) (V, error)

type Cache[V any] struct {
	name  string
	lru   *lru.Cache[string, V]
	load  Loader[V]
	clone func(V) V
}

type Option[V any] func(*Cache[V])

// WithClone makes Get hand out copies so callers can mutate freely.
func WithClone[V any](fn func(V) V) Option[V] {
	return func(c *Cache[V]) { c.clone = fn }
}

func New[V any](name string, size int, load Loader[V], opts ...Option[V]) (*Cache[V], error) {
	if size <= 0 {
		size = 1024
	}
	l, err := lru.New[string, V](size)
	if err != nil {
		return nil, err
	}
	c := &Cache[V]{name: name, lru: l, load: load}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Get returns the cached value or loads it. Load errors are not cached.
func (c *Cache[V]) Get(ctx context.Context, id string) (V, error) {
	if v, ok := c.lru.Get(id); ok {
		lookups.WithLabelValues(c.name, "hit").Inc()
		return c.out(v), nil
	}
	lookups.WithLabelValues(c.name, "miss").Inc()
	v, err := c.load(ctx, id)
	if err != nil {
		var zero V
		return zero, err
	}
	c.lru.Add(id, v)
	return c.out(v), nil
}

// Peek returns a cached value without loading.
func (c *Cache[V]) Peek(id string) (V, bool) {
	v, ok := c.lru.Peek(id)
	if !ok {
		return v, false
	}
	return c.out(v), true
}

func (c *Cache[V]) Update(id string, v V) { c.lru.Add(id, v) }

func (c *Cache[V]) Invalidate(id string) { c.lru.Remove(id) }

func (c *Cache[V]) InvalidateAll() { c.lru.Purge() }

func (c *Cache[V]) Len() int { return c.lru.Len() }

func (c *Cache[V]) out(v V) V {
	if c.clone != nil {
		return c.clone(v)
	}
	return v
}
