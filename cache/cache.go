// Package cache is the bounded, expiring key/value store shared by the file
// resolver and the permission broker.
package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache evicts least-recently-used entries beyond its size and never returns
// an entry older than its TTL. Safe for concurrent use.
type Cache[K comparable, V any] struct {
	lru    *expirable.LRU[K, V]
	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache holding at most size entries for at most ttl each.
// A zero ttl disables expiry.
func New[K comparable, V any](size int, ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{lru: expirable.NewLRU[K, V](size, nil, ttl)}
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

func (c *Cache[K, V]) Set(key K, value V) {
	c.lru.Add(key, value)
}

func (c *Cache[K, V]) Delete(key K) {
	c.lru.Remove(key)
}

// DeleteFunc removes every key for which match returns true and reports how
// many were removed.
func (c *Cache[K, V]) DeleteFunc(match func(K) bool) int {
	n := 0
	for _, k := range c.lru.Keys() {
		if match(k) && c.lru.Remove(k) {
			n++
		}
	}
	return n
}

// Clear drops every entry.
func (c *Cache[K, V]) Clear() {
	c.lru.Purge()
}

func (c *Cache[K, V]) Len() int {
	return c.lru.Len()
}

// Stats reports lookups since creation.
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int
}

func (c *Cache[K, V]) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: c.lru.Len()}
}
