// Package lease defines the port for time-bounded exclusive claims on a key.
package lease

import (
	"context"
	"time"
)

// Locker grants leases. A lease expires on its own after its TTL, so a
// holder that dies never blocks other callers for longer than the TTL.
type Locker interface {
	// Acquire tries to take the lease on key. ok is false when another
	// holder owns an unexpired lease. The returned token identifies this
	// holder and is required to release.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)

	// Release drops the lease if it is still held with token. Releasing an
	// expired or foreign lease is a no-op.
	Release(ctx context.Context, key, token string) error

	// Held reports whether any unexpired lease exists on key.
	Held(ctx context.Context, key string) (bool, error)
}
