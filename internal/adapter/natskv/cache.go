// Package natskv implements the cache port using NATS JetStream KV as the
// shared L2 tier of the response cache.
package natskv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// headerLen is the size of the expiry prefix stored before each value.
const headerLen = 8

// Cache wraps a NATS JetStream KeyValue store. Each value carries its own
// expiry so entries can outlive or undercut the bucket-level TTL.
type Cache struct {
	kv  jetstream.KeyValue
	now func() time.Time
}

// New creates a NATS KV-backed cache.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv, now: time.Now}
}

// OpenBucket creates or updates the KV bucket used for cached responses.
// maxAge bounds every entry; maxBytes caps the bucket, with the oldest
// entries discarded first.
func OpenBucket(ctx context.Context, js jetstream.JetStream, bucket string, maxAge time.Duration, maxBytes int64) (jetstream.KeyValue, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   bucket,
		TTL:      maxAge,
		MaxBytes: maxBytes,
		History:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// Get retrieves a value from the NATS KV store. Expired entries are misses.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	entry, err := c.kv.Get(ctx, kvKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	raw := entry.Value()
	if len(raw) < headerLen {
		return nil, false, nil
	}
	exp := int64(binary.BigEndian.Uint64(raw[:headerLen]))
	if exp != 0 && c.now().UnixNano() >= exp {
		return nil, false, nil
	}
	return raw[headerLen:], true, nil
}

// Set stores a value in the NATS KV store with a per-entry expiry.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	buf := make([]byte, headerLen+len(value))
	if ttl > 0 {
		binary.BigEndian.PutUint64(buf[:headerLen], uint64(c.now().Add(ttl).UnixNano()))
	}
	copy(buf[headerLen:], value)
	_, err := c.kv.Put(ctx, kvKey(key), buf)
	return err
}

// Delete removes a value from the NATS KV store.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// kvKey maps cache keys onto the NATS KV key alphabet, which has no ':'.
func kvKey(key string) string {
	return strings.NewReplacer(":", ".", " ", "_").Replace(key)
}
