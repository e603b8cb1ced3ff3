// Package service implements business logic on top of ports.
package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	cfotel "github.com/Strob0t/ContentForge/internal/adapter/otel"
	"github.com/Strob0t/ContentForge/internal/config"
	"github.com/Strob0t/ContentForge/internal/domain/llm"
	portllm "github.com/Strob0t/ContentForge/internal/port/llm"
	"github.com/Strob0t/ContentForge/internal/resilience"
)

// ModelInvoker is the part of the gateway agents depend on.
type ModelInvoker interface {
	Invoke(ctx context.Context, req llm.Request, capability llm.Capability) (llm.Response, error)
	Candidates(allowed []llm.ModelChoice, pref llm.Preference) ([]llm.ModelChoice, error)
}

// ProviderUsage is the in-process usage snapshot for one provider/model.
type ProviderUsage struct {
	Provider         string        `json:"provider"`
	Model            string        `json:"model"`
	Requests         int64         `json:"requests"`
	Failures         int64         `json:"failures"`
	RateLimited      int64         `json:"rate_limited"`
	PromptTokens     int64         `json:"prompt_tokens"`
	CompletionTokens int64         `json:"completion_tokens"`
	CostUSD          float64       `json:"cost_usd"`
	TotalLatency     time.Duration `json:"total_latency"`
}

// ProviderHealth reports the routing state of one provider.
type ProviderHealth struct {
	Provider     string     `json:"provider"`
	Breaker      string     `json:"breaker"`
	CoolingUntil *time.Time `json:"cooling_until,omitempty"`
}

type providerState struct {
	provider  portllm.Provider
	breaker   *resilience.Breaker
	limiter   *rate.Limiter
	mu        sync.Mutex
	coolUntil time.Time
}

// Gateway routes model requests to registered providers behind a circuit
// breaker, a token-bucket limiter and a per-call timeout.
type Gateway struct {
	cfg     config.Gateway
	metrics *cfotel.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	providers map[string]*providerState

	usageMu sync.Mutex
	usage   map[string]*ProviderUsage
}

// NewGateway creates a gateway with no providers.
func NewGateway(cfg config.Gateway, metrics *cfotel.Metrics) *Gateway {
	return &Gateway{
		cfg:       cfg,
		metrics:   metrics,
		now:       time.Now,
		providers: make(map[string]*providerState),
		usage:     make(map[string]*ProviderUsage),
	}
}

// Register adds a provider. rps <= 0 disables local rate limiting.
func (g *Gateway) Register(p portllm.Provider, rps float64, burst int) {
	st := &providerState{
		provider: p,
		breaker:  resilience.NewBreaker(g.cfg.BreakerFailures, g.cfg.BreakerWindow, g.cfg.BreakerCooldown),
	}
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		st.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	g.mu.Lock()
	g.providers[p.Name()] = st
	g.mu.Unlock()
	slog.Info("model provider registered", "provider", p.Name(), "rps", rps, "burst", burst)
}

// Providers returns the registered provider names in order.
func (g *Gateway) Providers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.providers))
	for n := range g.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (g *Gateway) state(name string) (*providerState, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st, ok := g.providers[name]
	return st, ok
}

// Invoke sends req to its provider. Every failure is a *llm.ProviderError
// unless ctx itself was cancelled.
func (g *Gateway) Invoke(ctx context.Context, req llm.Request, capability llm.Capability) (llm.Response, error) {
	st, ok := g.state(req.Provider)
	if !ok {
		return llm.Response{}, &llm.ProviderError{
			Kind: llm.KindInvalidRequest, Provider: req.Provider, Model: req.Model,
			Err: fmt.Errorf("%q: %w", req.Provider, llm.ErrUnknownProvider),
		}
	}

	if wait := st.coolingFor(g.now()); wait > 0 {
		g.record(ctx, req, llm.Response{}, llm.KindRateLimited, 0)
		return llm.Response{}, &llm.ProviderError{
			Kind: llm.KindRateLimited, Provider: req.Provider, Model: req.Model, RetryAfter: wait,
			Err: errors.New("provider cooling down after rate limit"),
		}
	}
	if st.limiter != nil && !st.limiter.Allow() {
		g.record(ctx, req, llm.Response{}, llm.KindRateLimited, 0)
		return llm.Response{}, &llm.ProviderError{
			Kind: llm.KindRateLimited, Provider: req.Provider, Model: req.Model,
			RetryAfter: time.Duration(float64(time.Second) / float64(st.limiter.Limit())),
			Err:        errors.New("local rate limit exceeded"),
		}
	}

	ctx, span := cfotel.StartLLMSpan(ctx, req.Provider, req.Model)
	var resp llm.Response
	start := g.now()
	err := st.breaker.ExecuteCounting(func() error {
		var callErr error
		resp, callErr = g.call(ctx, st.provider, req, capability)
		return callErr
	}, countsAgainstBreaker)
	latency := g.now().Sub(start)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		err = &llm.ProviderError{Kind: llm.KindProviderUnavailable, Provider: req.Provider, Model: req.Model, Err: err}
	}
	cfotel.EndSpan(span, err)

	if err != nil {
		var pe *llm.ProviderError
		if errors.As(err, &pe) && pe.Kind == llm.KindRateLimited {
			st.coolDown(g.now(), pe.RetryAfter, g.cfg.RateLimitCooldown)
		}
		g.record(ctx, req, llm.Response{}, llm.KindOf(err), latency)
		slog.WarnContext(ctx, "model call failed",
			"provider", req.Provider, "model", req.Model, "kind", llm.KindOf(err), "error", err)
		return llm.Response{}, err
	}

	resp.Fingerprint = llm.Fingerprint(req)
	if resp.Provider == "" {
		resp.Provider = req.Provider
	}
	if resp.ModelUsed == "" {
		resp.ModelUsed = req.Model
	}
	resp.Latency = latency
	resp.CreatedAt = g.now().UTC()
	g.record(ctx, req, resp, "", latency)
	return resp, nil
}

func (g *Gateway) call(ctx context.Context, p portllm.Provider, req llm.Request, capability llm.Capability) (llm.Response, error) {
	callCtx := ctx
	if g.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()
	}

	var resp llm.Response
	var err error
	if capability == llm.CapabilityStructured {
		resp, err = p.GenerateStructured(callCtx, req)
	} else {
		resp, err = p.GenerateText(callCtx, req)
	}
	if err == nil {
		return resp, nil
	}
	// A cancelled caller is not the provider's fault.
	if ctx.Err() != nil {
		return llm.Response{}, ctx.Err()
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return llm.Response{}, &llm.ProviderError{
			Kind: llm.KindTimeout, Provider: req.Provider, Model: req.Model,
			Err: fmt.Errorf("call exceeded %s: %w", g.cfg.CallTimeout, err),
		}
	}
	var pe *llm.ProviderError
	if !errors.As(err, &pe) {
		return llm.Response{}, llm.NewTransportError(req.Provider, req.Model, err)
	}
	return llm.Response{}, err
}

func countsAgainstBreaker(err error) bool {
	k := llm.KindOf(err)
	return k == llm.KindProviderUnavailable || k == llm.KindTimeout
}

func (st *providerState) coolingFor(now time.Time) time.Duration {
	st.mu.Lock()
	defer st.mu.Unlock()
	if now.Before(st.coolUntil) {
		return st.coolUntil.Sub(now)
	}
	return 0
}

func (st *providerState) coolDown(now time.Time, retryAfter, fallback time.Duration) {
	d := retryAfter
	if d <= 0 {
		d = fallback
	}
	if d <= 0 {
		return
	}
	st.mu.Lock()
	if until := now.Add(d); until.After(st.coolUntil) {
		st.coolUntil = until
	}
	st.mu.Unlock()
}

// healthy reports whether a provider may currently take a request.
func (g *Gateway) healthy(name string) bool {
	st, ok := g.state(name)
	if !ok {
		return false
	}
	return st.breaker.Allow() && st.coolingFor(g.now()) == 0
}

// Candidates orders allowed by pref and drops models whose provider is
// unregistered, circuit-open or cooling down.
func (g *Gateway) Candidates(allowed []llm.ModelChoice, pref llm.Preference) ([]llm.ModelChoice, error) {
	ordered := slices.Clone(allowed)
	switch pref {
	case llm.PreferSpeed:
		slices.SortStableFunc(ordered, func(a, b llm.ModelChoice) int { return cmp.Compare(b.Speed, a.Speed) })
	case llm.PreferQuality:
		slices.SortStableFunc(ordered, func(a, b llm.ModelChoice) int { return cmp.Compare(b.Quality, a.Quality) })
	}

	out := ordered[:0]
	for _, m := range ordered {
		if g.healthy(m.Provider) {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return nil, llm.ErrAllProvidersUnavailable
	}
	return out, nil
}

// Health returns the routing state of every registered provider.
func (g *Gateway) Health() []ProviderHealth {
	now := g.now()
	out := make([]ProviderHealth, 0)
	for _, name := range g.Providers() {
		st, _ := g.state(name)
		h := ProviderHealth{Provider: name, Breaker: st.breaker.State().String()}
		if wait := st.coolingFor(now); wait > 0 {
			until := now.Add(wait).UTC()
			h.CoolingUntil = &until
		}
		out = append(out, h)
	}
	return out
}

func (g *Gateway) record(ctx context.Context, req llm.Request, resp llm.Response, kind llm.ErrorKind, latency time.Duration) {
	outcome := "ok"
	if kind != "" {
		outcome = string(kind)
	}
	g.metrics.LLMCall(ctx, req.Provider, req.Model, outcome, resp.Usage.TotalTokens, resp.CostUSD, latency)

	key := req.Provider + "/" + req.Model
	g.usageMu.Lock()
	defer g.usageMu.Unlock()
	u, ok := g.usage[key]
	if !ok {
		u = &ProviderUsage{Provider: req.Provider, Model: req.Model}
		g.usage[key] = u
	}
	u.Requests++
	u.TotalLatency += latency
	switch kind {
	case "":
		u.PromptTokens += int64(resp.Usage.PromptTokens)
		u.CompletionTokens += int64(resp.Usage.CompletionTokens)
		u.CostUSD += resp.CostUSD
	case llm.KindRateLimited:
		u.RateLimited++
		u.Failures++
	default:
		u.Failures++
	}
}

// Usage returns a snapshot of per provider/model usage counters.
func (g *Gateway) Usage() []ProviderUsage {
	g.usageMu.Lock()
	defer g.usageMu.Unlock()
	out := make([]ProviderUsage, 0, len(g.usage))
	for _, u := range g.usage {
		out = append(out, *u)
	}
	slices.SortFunc(out, func(a, b ProviderUsage) int {
		return cmp.Or(cmp.Compare(a.Provider, b.Provider), cmp.Compare(a.Model, b.Model))
	})
	return out
}
