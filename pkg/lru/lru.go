// Package lru provides a small, mutex-guarded, fixed-capacity
// least-recently-used cache used by the client's breaker registry and
// manifest cache, the webhook per-URL rate limiter registry, and the
// WebSocket transport registry —
// anywhere a bounded map[string]*T needs explicit LRU eviction instead
// of unbounded growth.
package lru

import (
	"container/list"
	"sync"
)

// Cache is a generic fixed-capacity LRU cache. Zero value is not usable;
// construct with New.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]*list.Element
	order    *list.List // front = most recently used
	onEvict  func(K, V)
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// New creates a Cache with the given capacity. Capacity <= 0 means
// unbounded (no eviction).
func New[K comparable, V any](capacity int) *Cache[K, V] {
	return &Cache[K, V]{
		capacity: capacity,
		items:    make(map[K]*list.Element),
		order:    list.New(),
	}
}

// NewWithEvict is New plus an onEvict callback invoked synchronously,
// outside the cache's internal bookkeeping but still under its lock,
// whenever an entry is displaced by capacity pressure. Used by
// wstransport.Manager to close connections that fall out of the
// registry.
func NewWithEvict[K comparable, V any](capacity int, onEvict func(K, V)) *Cache[K, V] {
	c := New[K, V](capacity)
	c.onEvict = onEvict
	return c
}

// Get returns the value for key and marks it most-recently-used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*entry[K, V]).value, true
}

// Put inserts or updates key, evicting the least-recently-used entry if
// capacity is exceeded.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*entry[K, V]).value = value
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&entry[K, V]{key: key, value: value})
	c.items[key] = el

	if c.capacity > 0 && c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			ev := oldest.Value.(*entry[K, V])
			delete(c.items, ev.key)
			if c.onEvict != nil {
				c.onEvict(ev.key, ev.value)
			}
		}
	}
}

// GetOrCreate returns the existing value for key, or calls create to
// build one, store it, and return it. The lock is held throughout,
// including while create runs, which guarantees only one value is ever
// created per key — acceptable here
// because create is always cheap (constructing a breaker, limiter, or
// cache entry struct).
func (c *Cache[K, V]) GetOrCreate(key K, create func() V) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*entry[K, V]).value
	}

	value := create()
	el := c.order.PushFront(&entry[K, V]{key: key, value: value})
	c.items[key] = el

	if c.capacity > 0 && c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			ev := oldest.Value.(*entry[K, V])
			delete(c.items, ev.key)
			if c.onEvict != nil {
				c.onEvict(ev.key, ev.value)
			}
		}
	}
	return value
}

// Delete removes key from the cache, if present.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// Len returns the number of entries currently cached.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
