// Package queuetest provides a compliance suite for jobqueue.Queue implementations.
package queuetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/ContentForge/internal/domain/job"
	"github.com/Strob0t/ContentForge/internal/port/jobqueue"
)

// RunComplianceTests runs the suite against queues produced by newQueue;
// every subtest gets a fresh, empty queue.
func RunComplianceTests(t *testing.T, newQueue func(t *testing.T) jobqueue.Queue) {
	t.Helper()
	ctx := context.Background()

	t.Run("EmptyClaim", func(t *testing.T) {
		q := newQueue(t)
		l, err := q.Claim(ctx, "w1", time.Minute)
		if err != nil || l != nil {
			t.Fatalf("expected nil lease, got %+v (%v)", l, err)
		}
	})

	t.Run("PriorityOrder", func(t *testing.T) {
		q := newQueue(t)
		now := time.Now()
		mustPush(t, q, "low", job.PriorityLow, now)
		mustPush(t, q, "normal", job.PriorityNormal, now)
		mustPush(t, q, "high", job.PriorityHigh, now)

		for _, want := range []string{"high", "normal", "low"} {
			l := mustClaim(t, q)
			if l.JobID != want {
				t.Fatalf("expected %s, got %s", want, l.JobID)
			}
			if err := q.Ack(ctx, l); err != nil {
				t.Fatal(err)
			}
		}
	})

	t.Run("PushIsIdempotent", func(t *testing.T) {
		q := newQueue(t)
		now := time.Now()
		mustPush(t, q, "dup", job.PriorityNormal, now)
		mustPush(t, q, "dup", job.PriorityNormal, now)
		n, err := q.Len(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("expected one entry, got %d", n)
		}
		l := mustClaim(t, q)
		mustPush(t, q, "dup", job.PriorityNormal, now)
		if n, _ := q.Len(ctx); n != 0 {
			t.Fatalf("push of in-flight job must not enqueue a copy, len=%d", n)
		}
		_ = q.Ack(ctx, l)
	})

	t.Run("DelayedAvailability", func(t *testing.T) {
		q := newQueue(t)
		mustPush(t, q, "later", job.PriorityHigh, time.Now().Add(time.Hour))
		if l, _ := q.Claim(ctx, "w1", time.Minute); l != nil {
			t.Fatalf("job should not be claimable yet, got %s", l.JobID)
		}
	})

	t.Run("ClaimHidesJob", func(t *testing.T) {
		q := newQueue(t)
		mustPush(t, q, "hidden", job.PriorityNormal, time.Now())
		_ = mustClaim(t, q)
		if l, _ := q.Claim(ctx, "w2", time.Minute); l != nil {
			t.Fatal("claimed job must be invisible to other consumers")
		}
	})

	t.Run("VisibilityTimeoutRequeues", func(t *testing.T) {
		q := newQueue(t)
		mustPush(t, q, "crash", job.PriorityNormal, time.Now())
		first, err := q.Claim(ctx, "w1", 50*time.Millisecond)
		if err != nil || first == nil {
			t.Fatalf("claim: %v", err)
		}
		time.Sleep(120 * time.Millisecond)
		n, err := q.RequeueExpired(ctx, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("expected 1 requeued, got %d", n)
		}
		second := mustClaim(t, q)
		if second.JobID != "crash" || second.Token == first.Token {
			t.Fatalf("expected a fresh lease on the same job, got %+v", second)
		}
		if err := q.Ack(ctx, first); !errors.Is(err, jobqueue.ErrLeaseLost) {
			t.Fatalf("stale ack should report ErrLeaseLost, got %v", err)
		}
		if err := q.Ack(ctx, second); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("ExtendKeepsLease", func(t *testing.T) {
		q := newQueue(t)
		mustPush(t, q, "long", job.PriorityNormal, time.Now())
		l, _ := q.Claim(ctx, "w1", 50*time.Millisecond)
		if l == nil {
			t.Fatal("expected lease")
		}
		if err := q.Extend(ctx, l, time.Minute); err != nil {
			t.Fatal(err)
		}
		time.Sleep(100 * time.Millisecond)
		if n, _ := q.RequeueExpired(ctx, time.Now()); n != 0 {
			t.Fatalf("extended lease must not be requeued, got %d", n)
		}
		if err := q.Ack(ctx, l); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("NackWithDelay", func(t *testing.T) {
		q := newQueue(t)
		mustPush(t, q, "retry", job.PriorityNormal, time.Now())
		l := mustClaim(t, q)
		if err := q.Nack(ctx, l, time.Hour); err != nil {
			t.Fatal(err)
		}
		if got, _ := q.Claim(ctx, "w1", time.Minute); got != nil {
			t.Fatal("nacked job must wait for its delay")
		}
		if n, _ := q.Len(ctx); n != 1 {
			t.Fatalf("expected nacked job to be queued, len=%d", n)
		}
	})

	t.Run("AckRemoves", func(t *testing.T) {
		q := newQueue(t)
		mustPush(t, q, "done", job.PriorityNormal, time.Now())
		l := mustClaim(t, q)
		if err := q.Ack(ctx, l); err != nil {
			t.Fatal(err)
		}
		if n, _ := q.RequeueExpired(ctx, time.Now().Add(time.Hour)); n != 0 {
			t.Fatalf("acked job must not come back, got %d", n)
		}
		if n, _ := q.Len(ctx); n != 0 {
			t.Fatalf("expected empty queue, len=%d", n)
		}
	})
}

func mustPush(t *testing.T, q jobqueue.Queue, id string, p job.Priority, at time.Time) {
	t.Helper()
	if err := q.Push(context.Background(), id, p, at); err != nil {
		t.Fatalf("push %s: %v", id, err)
	}
}

func mustClaim(t *testing.T, q jobqueue.Queue) *jobqueue.Lease {
	t.Helper()
	l, err := q.Claim(context.Background(), "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if l == nil {
		t.Fatal("expected a lease")
	}
	return l
}
