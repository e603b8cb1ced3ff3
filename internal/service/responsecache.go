package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	cfotel "github.com/Strob0t/ContentForge/internal/adapter/otel"
	"github.com/Strob0t/ContentForge/internal/config"
	"github.com/Strob0t/ContentForge/internal/domain/llm"
	"github.com/Strob0t/ContentForge/internal/port/cache"
	"github.com/Strob0t/ContentForge/internal/port/lease"
	"github.com/Strob0t/ContentForge/internal/resilience"
)

// Outcome tells how a GetOrCompute call was served.
type Outcome string

const (
	OutcomeHit       Outcome = "hit"       // served from the store
	OutcomeMiss      Outcome = "miss"      // computed and stored by this caller
	OutcomeCoalesced Outcome = "coalesced" // computed by a concurrent caller
	OutcomeBypass    Outcome = "bypass"    // computed without the cache
)

// ComputeFunc produces the response on a cache miss.
type ComputeFunc func(ctx context.Context) (llm.Response, error)

// ResponseCache deduplicates model calls by request fingerprint. Callers
// in one process coalesce through singleflight; callers in different
// processes coalesce through a lease on the fingerprint.
type ResponseCache struct {
	store   cache.Cache
	locker  lease.Locker
	cfg     config.Cache
	metrics *cfotel.Metrics
	sleep   resilience.Sleeper
	flight  singleflight.Group
}

// NewResponseCache creates a response cache over store and locker.
func NewResponseCache(store cache.Cache, locker lease.Locker, cfg config.Cache, metrics *cfotel.Metrics) *ResponseCache {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 90 * time.Second
	}
	return &ResponseCache{store: store, locker: locker, cfg: cfg, metrics: metrics, sleep: resilience.Sleep}
}

// DefaultTTL is the TTL used for agents without their own.
func (c *ResponseCache) DefaultTTL() time.Duration { return c.cfg.DefaultTTL }

type flightResult struct {
	resp    llm.Response
	outcome Outcome
	// abandoned is set when the leader's own context ended the flight.
	abandoned bool
}

// GetOrCompute returns the cached response for req or computes, stores and
// returns it. Compute errors are returned to every waiting caller and never
// cached. A failing store or lease degrades to an uncached compute.
//
// A flight ended by its leader's cancellation or deadline is not shared:
// followers whose own context is still live start a new flight.
func (c *ResponseCache) GetOrCompute(ctx context.Context, req llm.Request, ttl time.Duration, compute ComputeFunc) (llm.Response, Outcome, error) {
	if req.BypassCache {
		c.metrics.CacheLookup(ctx, string(OutcomeBypass))
		resp, err := compute(ctx)
		return resp, OutcomeBypass, err
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	key := llm.Fingerprint(req)

	resp, found, err := c.lookup(ctx, key)
	if err != nil {
		return c.degrade(ctx, key, "cache read failed", err, compute)
	}
	if found {
		c.metrics.CacheLookup(ctx, string(OutcomeHit))
		return resp, OutcomeHit, nil
	}

	for {
		var led atomic.Bool
		ch := c.flight.DoChan(key, func() (any, error) {
			led.Store(true)
			r, outcome, err := c.lead(ctx, key, ttl, compute)
			return flightResult{resp: r, outcome: outcome, abandoned: err != nil && ctx.Err() != nil}, err
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			return llm.Response{}, "", ctx.Err()
		case res = <-ch:
		}

		fr, _ := res.Val.(flightResult)
		if res.Err != nil {
			if !led.Load() && fr.abandoned && ctx.Err() == nil {
				continue
			}
			return llm.Response{}, "", res.Err
		}
		outcome := fr.outcome
		if !led.Load() && outcome != OutcomeHit {
			outcome = OutcomeCoalesced
		}
		c.metrics.CacheLookup(ctx, string(outcome))
		return fr.resp, outcome, nil
	}
}

// lead runs on the singleflight leader: take the cross-process lease and
// compute, or wait for the current holder to publish the value.
func (c *ResponseCache) lead(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) (llm.Response, Outcome, error) {
	leaseKey := "lease:" + key
	for {
		token, acquired, err := c.locker.Acquire(ctx, leaseKey, c.cfg.LeaseTTL)
		if err != nil {
			return c.degrade(ctx, key, "lease acquire failed", err, compute)
		}
		if acquired {
			return c.computeHeld(ctx, key, leaseKey, token, ttl, compute)
		}

		resp, outcome, retry, err := c.wait(ctx, key, leaseKey, compute, ttl)
		if retry {
			continue
		}
		return resp, outcome, err
	}
}

func (c *ResponseCache) computeHeld(ctx context.Context, key, leaseKey, token string, ttl time.Duration, compute ComputeFunc) (llm.Response, Outcome, error) {
	defer func() {
		if err := c.locker.Release(context.WithoutCancel(ctx), leaseKey, token); err != nil {
			slog.WarnContext(ctx, "response cache: lease release failed", "key", key, "error", err)
		}
	}()

	// Another process may have finished between our miss and the lease.
	if resp, found, err := c.lookup(ctx, key); err == nil && found {
		return resp, OutcomeHit, nil
	}

	resp, err := compute(ctx)
	if err != nil {
		return llm.Response{}, "", err
	}
	c.put(ctx, key, resp, ttl)
	return resp, OutcomeMiss, nil
}

// wait polls the store while another process holds the lease. retry is
// true when the lease vanished without a value and the caller should try
// to take it.
func (c *ResponseCache) wait(ctx context.Context, key, leaseKey string, compute ComputeFunc, ttl time.Duration) (resp llm.Response, outcome Outcome, retry bool, err error) {
	var deadline time.Time
	if c.cfg.LeaseWait > 0 {
		deadline = time.Now().Add(c.cfg.LeaseWait)
	}
	for {
		if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
			return llm.Response{}, "", false, err
		}
		resp, found, err := c.lookup(ctx, key)
		if err != nil {
			resp, outcome, err := c.degrade(ctx, key, "cache read failed while waiting", err, compute)
			return resp, outcome, false, err
		}
		if found {
			return resp, OutcomeCoalesced, false, nil
		}
		held, err := c.locker.Held(ctx, leaseKey)
		if err != nil {
			resp, outcome, err := c.degrade(ctx, key, "lease check failed", err, compute)
			return resp, outcome, false, err
		}
		if !held {
			return llm.Response{}, "", true, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			slog.WarnContext(ctx, "response cache: lease wait elapsed, computing directly", "key", key)
			resp, err := compute(ctx)
			if err != nil {
				return llm.Response{}, "", false, err
			}
			c.put(ctx, key, resp, ttl)
			return resp, OutcomeMiss, false, nil
		}
	}
}

func (c *ResponseCache) degrade(ctx context.Context, key, msg string, cause error, compute ComputeFunc) (llm.Response, Outcome, error) {
	slog.WarnContext(ctx, "response cache: "+msg+", bypassing cache", "key", key, "error", cause)
	resp, err := compute(ctx)
	return resp, OutcomeBypass, err
}

func (c *ResponseCache) lookup(ctx context.Context, key string) (llm.Response, bool, error) {
	data, found, err := c.store.Get(ctx, key)
	if err != nil || !found {
		return llm.Response{}, false, err
	}
	var resp llm.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		// A corrupt entry is a miss; the next put replaces it.
		slog.WarnContext(ctx, "response cache: undecodable entry", "key", key, "error", err)
		return llm.Response{}, false, nil
	}
	return resp, true, nil
}

func (c *ResponseCache) put(ctx context.Context, key string, resp llm.Response, ttl time.Duration) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.WarnContext(ctx, "response cache: encode failed", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, data, ttl); err != nil {
		slog.WarnContext(ctx, "response cache: write failed", "key", key, "error", err)
	}
}
