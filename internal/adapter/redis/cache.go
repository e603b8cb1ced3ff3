package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// evictScript trims the access index to ARGV[1] entries, deleting the least
// recently used values.
var evictScript = goredis.NewScript(`
local over = redis.call("ZCARD", KEYS[1]) - tonumber(ARGV[1])
if over <= 0 then
	return 0
end
local victims = redis.call("ZRANGE", KEYS[1], 0, over - 1)
for _, k in ipairs(victims) do
	redis.call("DEL", ARGV[2] .. k)
end
redis.call("ZREMRANGEBYRANK", KEYS[1], 0, over - 1)
return #victims
`)

// Cache implements the cache port with per-key TTLs and LRU eviction. A
// sorted set scored by last access time tracks recency.
type Cache struct {
	rdb        goredis.UniversalClient
	ks         keyspace
	maxEntries int
	now        func() time.Time
}

// NewCache returns a cache holding at most maxEntries values under prefix.
// maxEntries <= 0 disables eviction beyond TTL expiry.
func NewCache(rdb goredis.UniversalClient, prefix string, maxEntries int) *Cache {
	return &Cache{rdb: rdb, ks: newKeyspace(prefix, "cache"), maxEntries: maxEntries, now: time.Now}
}

func (c *Cache) valueKey(key string) string { return c.ks.key("v", key) }
func (c *Cache) indexKey() string          { return c.ks.key("lru") }

// Get returns the value for key and refreshes its recency.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, c.valueKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		_ = c.rdb.ZRem(ctx, c.indexKey(), key).Err()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis cache get: %w", err)
	}
	if c.maxEntries > 0 {
		_ = c.rdb.ZAdd(ctx, c.indexKey(), goredis.Z{Score: c.score(), Member: key}).Err()
	}
	return val, true, nil
}

// Set stores value for ttl and evicts the least recently used entries
// beyond maxEntries.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	_, err := c.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, c.valueKey(key), value, ttl)
		if c.maxEntries > 0 {
			p.ZAdd(ctx, c.indexKey(), goredis.Z{Score: c.score(), Member: key})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis cache set: %w", err)
	}
	if c.maxEntries > 0 {
		if err := evictScript.Run(ctx, c.rdb, []string{c.indexKey()}, strconv.Itoa(c.maxEntries), c.ks.key("v", "")).Err(); err != nil {
			return fmt.Errorf("redis cache evict: %w", err)
		}
	}
	return nil
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	_, err := c.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, c.valueKey(key))
		p.ZRem(ctx, c.indexKey(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis cache delete: %w", err)
	}
	return nil
}

func (c *Cache) score() float64 {
	return float64(c.now().UnixNano()) / 1e6
}
