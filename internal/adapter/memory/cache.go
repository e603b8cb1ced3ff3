// Package memory provides in-process implementations of the storage,
// queue, lease and event ports. They back single-node deployments and
// the service tests.
package memory

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is a bounded LRU response cache with per-entry TTLs.
type Cache struct {
	lru *expirable.LRU[string, cacheEntry]
	now func() time.Time
}

// NewCache returns a cache holding at most maxEntries values. maxTTL bounds
// every entry regardless of the TTL passed to Set.
func NewCache(maxEntries int, maxTTL time.Duration) *Cache {
	return &Cache{
		lru: expirable.NewLRU[string, cacheEntry](maxEntries, nil, maxTTL),
		now: time.Now,
	}
}

// Get returns a copy of the value for key.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		c.lru.Remove(key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Set stores value for ttl; a non-positive ttl keeps it until evicted.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := cacheEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.lru.Add(key, e)
	return nil
}

// Delete removes key.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

// Len reports the number of entries, expired ones included until swept.
func (c *Cache) Len() int {
	return c.lru.Len()
}
