// Package leasetest provides a compliance suite for lease.Locker implementations.
package leasetest

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/ContentForge/internal/port/lease"
)

// RunComplianceTests exercises exclusivity, release and expiry. ttl must be
// short enough for the suite to wait it out.
func RunComplianceTests(t *testing.T, l lease.Locker, ttl time.Duration) {
	t.Helper()
	ctx := context.Background()

	t.Run("Exclusive", func(t *testing.T) {
		tok, ok, err := l.Acquire(ctx, "lease-excl", time.Minute)
		if err != nil || !ok || tok == "" {
			t.Fatalf("first acquire: tok=%q ok=%v err=%v", tok, ok, err)
		}
		if _, ok, err := l.Acquire(ctx, "lease-excl", time.Minute); err != nil || ok {
			t.Fatalf("second acquire should fail: ok=%v err=%v", ok, err)
		}
		held, err := l.Held(ctx, "lease-excl")
		if err != nil || !held {
			t.Fatalf("expected held, got %v (%v)", held, err)
		}
		if err := l.Release(ctx, "lease-excl", tok); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("ReleaseFreesKey", func(t *testing.T) {
		tok, ok, _ := l.Acquire(ctx, "lease-rel", time.Minute)
		if !ok {
			t.Fatal("expected acquire")
		}
		if err := l.Release(ctx, "lease-rel", tok); err != nil {
			t.Fatal(err)
		}
		if _, ok, err := l.Acquire(ctx, "lease-rel", time.Minute); err != nil || !ok {
			t.Fatalf("expected re-acquire after release: ok=%v err=%v", ok, err)
		}
	})

	t.Run("ForeignReleaseIgnored", func(t *testing.T) {
		if _, ok, _ := l.Acquire(ctx, "lease-foreign", time.Minute); !ok {
			t.Fatal("expected acquire")
		}
		if err := l.Release(ctx, "lease-foreign", "not-my-token"); err != nil {
			t.Fatal(err)
		}
		if held, _ := l.Held(ctx, "lease-foreign"); !held {
			t.Fatal("foreign release must not drop the lease")
		}
	})

	t.Run("Expiry", func(t *testing.T) {
		if _, ok, _ := l.Acquire(ctx, "lease-exp", ttl); !ok {
			t.Fatal("expected acquire")
		}
		time.Sleep(ttl + ttl/2)
		if held, _ := l.Held(ctx, "lease-exp"); held {
			t.Fatal("expected lease to expire")
		}
		if _, ok, err := l.Acquire(ctx, "lease-exp", time.Minute); err != nil || !ok {
			t.Fatalf("expected reclaim after expiry: ok=%v err=%v", ok, err)
		}
	})
}
