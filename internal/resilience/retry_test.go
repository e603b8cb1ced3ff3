package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")
var errFatal = errors.New("fatal")

func TestPolicyDelay(t *testing.T) {
	p := DefaultPolicy()
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Fatalf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
}

func TestPolicyJitterStaysInRange(t *testing.T) {
	p := Policy{MaxAttempts: 3, Base: time.Second, Factor: 2, Cap: time.Minute, Jitter: 0.5}
	for range 100 {
		d := p.Delay(1)
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("delay out of range: %v", d)
		}
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	var slept []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	calls := 0
	attempts, err := Retry(context.Background(), DefaultPolicy(), sleep,
		func(err error) bool { return errors.Is(err, errTransient) }, nil,
		func(int) error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(slept) != 2 || slept[0] != 500*time.Millisecond || slept[1] != time.Second {
		t.Fatalf("unexpected sleeps %v", slept)
	}
}

func TestRetryDoesNotRetryFatal(t *testing.T) {
	calls := 0
	attempts, err := Retry(context.Background(), DefaultPolicy(), func(context.Context, time.Duration) error { return nil },
		func(err error) bool { return errors.Is(err, errTransient) }, nil,
		func(int) error {
			calls++
			return errFatal
		})
	if !errors.Is(err, errFatal) || attempts != 1 || calls != 1 {
		t.Fatalf("expected single fatal attempt, got attempts=%d calls=%d err=%v", attempts, calls, err)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts, err := Retry(context.Background(), DefaultPolicy(), func(context.Context, time.Duration) error { return nil },
		func(error) bool { return true }, nil,
		func(int) error { return errTransient })
	if !errors.Is(err, errTransient) || attempts != 3 {
		t.Fatalf("expected 3 exhausted attempts, got %d (%v)", attempts, err)
	}
}

func TestRetryHonorsMinDelay(t *testing.T) {
	var slept time.Duration
	_, _ = Retry(context.Background(), Policy{MaxAttempts: 2}, func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}, func(error) bool { return true }, func(error) time.Duration { return 3 * time.Second },
		func(int) error { return errTransient })
	if slept != 3*time.Second {
		t.Fatalf("expected retry-after to lengthen delay, got %v", slept)
	}
}

func TestRetryStopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Retry(ctx, DefaultPolicy(), nil, func(error) bool { return true }, nil, func(int) error {
		calls++
		return errTransient
	})
	if calls != 1 || !errors.Is(err, errTransient) {
		t.Fatalf("expected one call before cancellation, got %d (%v)", calls, err)
	}
}
