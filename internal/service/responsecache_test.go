package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/ContentForge/internal/adapter/memory"
	"github.com/Strob0t/ContentForge/internal/config"
	"github.com/Strob0t/ContentForge/internal/domain/llm"
)

func testCacheConfig() config.Cache {
	return config.Cache{
		DefaultTTL:   time.Hour,
		LeaseTTL:     time.Second,
		LeaseWait:    5 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("store down")
}
func (failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("store down")
}
func (failingCache) Delete(context.Context, string) error { return nil }

func countingCompute(calls *atomic.Int32, text string) ComputeFunc {
	return func(context.Context) (llm.Response, error) {
		calls.Add(1)
		return llm.Response{Text: text, Usage: llm.Usage{TotalTokens: 3}}, nil
	}
}

var cacheReq = llm.Request{Provider: "openai", Model: "gpt", Prompt: "write a hook"}

func TestResponseCacheMissThenHit(t *testing.T) {
	rc := NewResponseCache(memory.NewCache(100, time.Hour), memory.NewLocker(), testCacheConfig(), nil)
	var calls atomic.Int32
	ctx := context.Background()

	resp, outcome, err := rc.GetOrCompute(ctx, cacheReq, 0, countingCompute(&calls, "a"))
	if err != nil || outcome != OutcomeMiss || resp.Text != "a" {
		t.Fatalf("first call: %v %v %+v", err, outcome, resp)
	}
	// Requester context is not part of the key.
	req := cacheReq
	req.Requester = llm.RequesterContext{UserID: "other", RunID: "r2"}
	resp, outcome, err = rc.GetOrCompute(ctx, req, 0, countingCompute(&calls, "b"))
	if err != nil || outcome != OutcomeHit || resp.Text != "a" {
		t.Fatalf("second call: %v %v %+v", err, outcome, resp)
	}
	if calls.Load() != 1 {
		t.Errorf("compute calls = %d, want 1", calls.Load())
	}
}

func TestResponseCacheCoalescesConcurrentCallers(t *testing.T) {
	rc := NewResponseCache(memory.NewCache(100, time.Hour), memory.NewLocker(), testCacheConfig(), nil)
	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (llm.Response, error) {
		calls.Add(1)
		<-release
		return llm.Response{Text: "shared"}, nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, _, err := rc.GetOrCompute(context.Background(), cacheReq, 0, compute)
			results[i], errs[i] = resp.Text, err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("compute calls = %d, want 1", calls.Load())
	}
	for i := range n {
		if errs[i] != nil || results[i] != "shared" {
			t.Errorf("caller %d: %q %v", i, results[i], errs[i])
		}
	}
}

func TestResponseCacheCrossProcessLease(t *testing.T) {
	store := memory.NewCache(100, time.Hour)
	locker := memory.NewLocker()
	a := NewResponseCache(store, locker, testCacheConfig(), nil)
	b := NewResponseCache(store, locker, testCacheConfig(), nil)

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	slow := func(context.Context) (llm.Response, error) {
		calls.Add(1)
		close(started)
		<-release
		return llm.Response{Text: "from-a"}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := a.GetOrCompute(context.Background(), cacheReq, 0, slow)
		done <- err
	}()
	<-started

	type result struct {
		resp    llm.Response
		outcome Outcome
		err     error
	}
	bres := make(chan result, 1)
	go func() {
		resp, outcome, err := b.GetOrCompute(context.Background(), cacheReq, 0, countingCompute(&calls, "from-b"))
		bres <- result{resp, outcome, err}
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	r := <-bres
	if r.err != nil || r.resp.Text != "from-a" || r.outcome != OutcomeCoalesced {
		t.Fatalf("b = %+v", r)
	}
	if calls.Load() != 1 {
		t.Errorf("compute calls = %d, want 1", calls.Load())
	}
}

func TestResponseCacheDeadHolderLeaseExpires(t *testing.T) {
	locker := memory.NewLocker()
	rc := NewResponseCache(memory.NewCache(100, time.Hour), locker, testCacheConfig(), nil)

	// A holder that crashed without releasing.
	if _, ok, _ := locker.Acquire(context.Background(), "lease:"+llm.Fingerprint(cacheReq), 50*time.Millisecond); !ok {
		t.Fatal("could not pre-acquire lease")
	}

	var calls atomic.Int32
	resp, outcome, err := rc.GetOrCompute(context.Background(), cacheReq, 0, countingCompute(&calls, "recovered"))
	if err != nil || resp.Text != "recovered" || outcome != OutcomeMiss {
		t.Fatalf("got %+v %v %v", resp, outcome, err)
	}
	if calls.Load() != 1 {
		t.Errorf("compute calls = %d", calls.Load())
	}
}

func TestResponseCacheLeaseWaitElapsed(t *testing.T) {
	locker := memory.NewLocker()
	cfg := testCacheConfig()
	cfg.LeaseWait = 30 * time.Millisecond
	rc := NewResponseCache(memory.NewCache(100, time.Hour), locker, cfg, nil)
	if _, ok, _ := locker.Acquire(context.Background(), "lease:"+llm.Fingerprint(cacheReq), time.Hour); !ok {
		t.Fatal("could not pre-acquire lease")
	}

	var calls atomic.Int32
	resp, _, err := rc.GetOrCompute(context.Background(), cacheReq, 0, countingCompute(&calls, "direct"))
	if err != nil || resp.Text != "direct" || calls.Load() != 1 {
		t.Fatalf("got %+v %v calls=%d", resp, err, calls.Load())
	}
}

func TestResponseCacheComputeErrorNotCached(t *testing.T) {
	rc := NewResponseCache(memory.NewCache(100, time.Hour), memory.NewLocker(), testCacheConfig(), nil)
	boom := errors.New("boom")
	_, _, err := rc.GetOrCompute(context.Background(), cacheReq, 0, func(context.Context) (llm.Response, error) {
		return llm.Response{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	var calls atomic.Int32
	_, outcome, err := rc.GetOrCompute(context.Background(), cacheReq, 0, countingCompute(&calls, "ok"))
	if err != nil || outcome != OutcomeMiss || calls.Load() != 1 {
		t.Fatalf("retry after error: outcome=%v err=%v calls=%d", outcome, err, calls.Load())
	}
}

func TestResponseCacheStoreFailureBypasses(t *testing.T) {
	rc := NewResponseCache(failingCache{}, memory.NewLocker(), testCacheConfig(), nil)
	var calls atomic.Int32
	resp, outcome, err := rc.GetOrCompute(context.Background(), cacheReq, 0, countingCompute(&calls, "x"))
	if err != nil || outcome != OutcomeBypass || resp.Text != "x" {
		t.Fatalf("got %+v %v %v", resp, outcome, err)
	}
}

func TestResponseCacheBypassFlag(t *testing.T) {
	store := memory.NewCache(100, time.Hour)
	rc := NewResponseCache(store, memory.NewLocker(), testCacheConfig(), nil)
	req := cacheReq
	req.BypassCache = true
	var calls atomic.Int32
	for range 2 {
		if _, outcome, err := rc.GetOrCompute(context.Background(), req, 0, countingCompute(&calls, "x")); err != nil || outcome != OutcomeBypass {
			t.Fatalf("outcome = %v, err = %v", outcome, err)
		}
	}
	if calls.Load() != 2 || store.Len() != 0 {
		t.Errorf("calls = %d, entries = %d", calls.Load(), store.Len())
	}
}

func TestResponseCacheLeaderCancelDoesNotFailFollowers(t *testing.T) {
	rc := NewResponseCache(memory.NewCache(100, time.Hour), memory.NewLocker(), testCacheConfig(), nil)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	started := make(chan struct{})
	leaderDone := make(chan error, 1)
	go func() {
		_, _, err := rc.GetOrCompute(leaderCtx, cacheReq, 0, func(ctx context.Context) (llm.Response, error) {
			close(started)
			<-ctx.Done()
			return llm.Response{}, ctx.Err()
		})
		leaderDone <- err
	}()
	<-started

	var calls atomic.Int32
	followerDone := make(chan struct{})
	var (
		resp llm.Response
		err  error
	)
	go func() {
		defer close(followerDone)
		resp, _, err = rc.GetOrCompute(context.Background(), cacheReq, 0, countingCompute(&calls, "fresh"))
	}()
	// Let the follower join the in-flight call before the leader goes away.
	time.Sleep(30 * time.Millisecond)
	cancelLeader()

	if lerr := <-leaderDone; !errors.Is(lerr, context.Canceled) {
		t.Fatalf("leader err = %v, want context.Canceled", lerr)
	}
	select {
	case <-followerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("follower did not finish")
	}
	if err != nil {
		t.Fatalf("follower err = %v, want nil", err)
	}
	if resp.Text != "fresh" || calls.Load() != 1 {
		t.Fatalf("follower resp = %q, compute calls = %d", resp.Text, calls.Load())
	}
}

func TestResponseCacheCallerCancelReturnsPromptly(t *testing.T) {
	rc := NewResponseCache(memory.NewCache(100, time.Hour), memory.NewLocker(), testCacheConfig(), nil)
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	go func() {
		_, _, _ = rc.GetOrCompute(context.Background(), cacheReq, 0, func(context.Context) (llm.Response, error) {
			close(started)
			<-release
			return llm.Response{Text: "slow"}, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := rc.GetOrCompute(ctx, cacheReq, 0, countingCompute(new(atomic.Int32), "unused"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}
