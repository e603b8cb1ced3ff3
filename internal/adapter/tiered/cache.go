// Package tiered implements a two-level (L1 + L2) cache adapter.
package tiered

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/ContentForge/internal/port/cache"
)

// Cache combines an L1 (in-process) and L2 (shared) cache.
// L2 is authoritative: its errors are returned, while L1 failures are
// logged and treated as misses.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration
}

// New creates a tiered cache with the given L1 and L2 backends.
// l1Expire caps how long any entry lives in L1.
func New(l1, l2 cache.Cache, l1Expire time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire}
}

// Get checks L1, then L2. On L2 hit, backfills L1.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "l1 cache get failed", "key", key, "error", err)
	} else if found {
		return val, true, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	if err := c.l1.Set(ctx, key, val, c.l1TTL(0)); err != nil {
		slog.WarnContext(ctx, "l1 cache backfill failed", "key", key, "error", err)
	}
	return val, true, nil
}

// Set writes to L2 first, then to L1 with the shorter of ttl and l1Expire.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if err := c.l1.Set(ctx, key, value, c.l1TTL(ttl)); err != nil {
		slog.WarnContext(ctx, "l1 cache set failed", "key", key, "error", err)
	}
	return nil
}

// Delete removes from both L1 and L2.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		slog.WarnContext(ctx, "l1 cache delete failed", "key", key, "error", err)
	}
	return c.l2.Delete(ctx, key)
}

func (c *Cache) l1TTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || (c.l1Expire > 0 && c.l1Expire < ttl) {
		return c.l1Expire
	}
	return ttl
}
