// Package lru implements a generic, thread-safe LRU cache with touch-time
// expiry. It bounds the gateway client's per-stream buffers: capacity caps
// how many streams can accumulate at once, and ExpireBefore lets a janitor
// drop entries that have gone idle.
//
// Get, Put, Touch, Delete and Len are O(1); ExpireBefore is O(expired).
package lru

import (
	"sync"
	"time"
)

// node is a doubly linked list node holding a key-value pair.
// The list is kept in recency order, most recent first, so the idle
// scan can stop at the first entry newer than the cutoff.
type node[K comparable, V any] struct {
	key       K
	val       V
	touchedAt time.Time
	prev      *node[K, V]
	next      *node[K, V]
}

// Cache is a generic, thread-safe LRU cache. K must be comparable,
// V can be any type.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	now      func() time.Time
	items    map[K]*node[K, V]
	head     *node[K, V] // most recently touched (sentinel)
	tail     *node[K, V] // least recently touched (sentinel)
}

// New creates a cache with the given capacity. Panics if capacity < 1.
func New[K comparable, V any](capacity int) *Cache[K, V] {
	if capacity < 1 {
		panic("lru: capacity must be >= 1")
	}

	head := &node[K, V]{}
	tail := &node[K, V]{}
	head.next = tail
	tail.prev = head

	return &Cache[K, V]{
		capacity: capacity,
		now:      time.Now,
		items:    make(map[K]*node[K, V], capacity),
		head:     head,
		tail:     tail,
	}
}

// Get retrieves a value by key and refreshes its touch time. Returns the
// zero value and false if the key is absent.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}

	n.touchedAt = c.now()
	c.moveToFront(n)
	return n.val, true
}

// Put inserts or updates a key-value pair, refreshing its touch time.
// If the cache is at capacity the least recently touched entry is evicted;
// the evicted key/value are returned with true.
func (c *Cache[K, V]) Put(key K, val V) (K, V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zeroK K
	var zeroV V

	if n, ok := c.items[key]; ok {
		n.val = val
		n.touchedAt = c.now()
		c.moveToFront(n)
		return zeroK, zeroV, false
	}

	var evictedKey K
	var evictedVal V
	evicted := false
	if len(c.items) >= c.capacity {
		victim := c.tail.prev
		c.remove(victim)
		delete(c.items, victim.key)
		evictedKey = victim.key
		evictedVal = victim.val
		evicted = true
	}

	n := &node[K, V]{key: key, val: val, touchedAt: c.now()}
	c.items[key] = n
	c.pushFront(n)

	return evictedKey, evictedVal, evicted
}

// Touch refreshes a key's touch time without reading or writing its value.
// Returns false if the key is absent.
func (c *Cache[K, V]) Touch(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		return false
	}
	n.touchedAt = c.now()
	c.moveToFront(n)
	return true
}

// Peek retrieves a value without refreshing its touch time.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return n.val, true
}

// Delete removes a key. Returns true if the key existed.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		return false
	}

	c.remove(n)
	delete(c.items, key)
	return true
}

// Len returns the current number of entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns all keys, most recently touched first.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, len(c.items))
	for cur := c.head.next; cur != c.tail; cur = cur.next {
		keys = append(keys, cur.key)
	}
	return keys
}

// ExpireBefore removes every entry whose last touch is before the cutoff
// and returns their keys. The recency list is scanned from the least
// recently touched end, so the scan stops at the first live entry.
func (c *Cache[K, V]) ExpireBefore(cutoff time.Time) []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []K
	for cur := c.tail.prev; cur != c.head; {
		if !cur.touchedAt.Before(cutoff) {
			break
		}
		victim := cur
		cur = cur.prev
		c.remove(victim)
		delete(c.items, victim.key)
		expired = append(expired, victim.key)
	}
	return expired
}

// Clear removes all entries.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.head.next = c.tail
	c.tail.prev = c.head
	c.items = make(map[K]*node[K, V], c.capacity)
}

// --- internal linked list operations (caller must hold lock) ---

func (c *Cache[K, V]) remove(n *node[K, V]) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

func (c *Cache[K, V]) pushFront(n *node[K, V]) {
	n.next = c.head.next
	n.prev = c.head
	c.head.next.prev = n
	c.head.next = n
}

func (c *Cache[K, V]) moveToFront(n *node[K, V]) {
	c.remove(n)
	c.pushFront(n)
}
