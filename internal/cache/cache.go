// Package cache provides a thread-safe TTL cache with a size bound and
// least-recently-written eviction.
package cache

import (
	"container/list"
	"sync"
	"time"
)

type entry[V any] struct {
	key       string
	value     V
	timestamp time.Time
	element   *list.Element
}

// Cache maps string keys to values that expire ttl after their last write.
// When full, the entry written longest ago is evicted.
type Cache[V any] struct {
	mu      sync.Mutex
	items   map[string]*entry[V]
	order   *list.List // oldest write at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts a janitor goroutine that periodically drops
// expired entries. Call Close to stop it.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	c := newCache[V](ttl, maxSize, time.Now)
	go c.cleanup(cleanupInterval(ttl))
	return c
}

func newCache[V any](ttl time.Duration, maxSize int, now func() time.Time) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache[V]{
		items:   make(map[string]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		if ttl <= 0 {
			return time.Minute
		}
		return ttl
	}
	return time.Minute
}

func (c *Cache[V]) expired(e *entry[V]) bool {
	return c.now().Sub(e.timestamp) >= c.ttl
}

// Get returns the live value stored under key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok || c.expired(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Contains reports whether key is present and not expired.
func (c *Cache[V]) Contains(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Set stores value under key and refreshes its expiry.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

// Update applies fn to the live value under key (the zero value when absent)
// and stores the result, all under the cache lock.
func (c *Cache[V]) Update(key string, fn func(current V, ok bool) V) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	var current V
	e, ok := c.items[key]
	if ok && !c.expired(e) {
		current = e.value
	} else {
		ok = false
	}
	next := fn(current, ok)
	c.setLocked(key, next)
	return next
}

// CheckAndMark atomically reports whether key was already present and, if it
// was not, stores value under it. It returns true for a duplicate.
func (c *Cache[V]) CheckAndMark(key string, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok && !c.expired(e) {
		return true
	}
	c.setLocked(key, value)
	return false
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.order.Remove(e.element)
		delete(c.items, key)
	}
}

// Len returns the number of stored entries, including ones that expired but
// have not been swept yet.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Must be called with mu held.
func (c *Cache[V]) setLocked(key string, value V) {
	now := c.now()
	if e, ok := c.items[key]; ok {
		e.value = value
		e.timestamp = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.items) >= c.maxSize {
		c.evictOldest()
	}
	e := &entry[V]{key: key, value: value, timestamp: now}
	e.element = c.order.PushBack(e)
	c.items[key] = e
}

// Must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e, _ := front.Value.(*entry[V])
	c.order.Remove(front)
	delete(c.items, e.key)
}

func (c *Cache[V]) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired entries. Entries are ordered by write time, so it stops
// at the first live one.
func (c *Cache[V]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e, _ := front.Value.(*entry[V])
		if !c.expired(e) {
			return
		}
		c.order.Remove(front)
		delete(c.items, e.key)
	}
}

// Close stops the janitor goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
