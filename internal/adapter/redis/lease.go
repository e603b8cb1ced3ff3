package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only if it still carries the caller's token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements lease.Locker with SET NX PX.
type Locker struct {
	rdb goredis.UniversalClient
	ks  keyspace
}

// NewLocker returns a Locker storing leases under prefix.
func NewLocker(rdb goredis.UniversalClient, prefix string) *Locker {
	return &Locker{rdb: rdb, ks: newKeyspace(prefix, "lease")}
}

// Acquire takes the lease on key for ttl.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	tok := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.ks.key(key), tok, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis lease acquire %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return tok, true, nil
}

// Release drops the lease if token still owns it.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.ks.key(key)}, token).Err(); err != nil {
		return fmt.Errorf("redis lease release %s: %w", key, err)
	}
	return nil
}

// Held reports whether an unexpired lease exists on key.
func (l *Locker) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.rdb.Exists(ctx, l.ks.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis lease held %s: %w", key, err)
	}
	return n == 1, nil
}
