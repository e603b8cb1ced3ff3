package memory

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Strob0t/ContentForge/internal/domain/llm"
)

// RespondFunc produces the result of the n-th call (1-based) to a Provider.
type RespondFunc func(ctx context.Context, req llm.Request, n int) (llm.Response, error)

// Provider is a scripted model provider. It is never registered with the
// provider registry; tests and local tooling construct it directly.
type Provider struct {
	name    string
	respond RespondFunc
	calls   atomic.Int64

	mu       sync.Mutex
	requests []llm.Request
}

// NewProvider returns a provider named name. A nil respond echoes the
// prompt back as {"echo": prompt}.
func NewProvider(name string, respond RespondFunc) *Provider {
	if respond == nil {
		respond = echo
	}
	return &Provider{name: name, respond: respond}
}

// StaticJSON returns a RespondFunc that always answers with doc.
func StaticJSON(doc string) RespondFunc {
	return func(_ context.Context, req llm.Request, _ int) (llm.Response, error) {
		return llm.Response{
			Text:       doc,
			Structured: json.RawMessage(doc),
			ModelUsed:  req.Model,
			Usage:      llm.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		}, nil
	}
}

func echo(_ context.Context, req llm.Request, _ int) (llm.Response, error) {
	b, _ := json.Marshal(map[string]string{"echo": req.Prompt})
	return llm.Response{
		Text:       string(b),
		Structured: b,
		ModelUsed:  req.Model,
		Usage:      llm.Usage{PromptTokens: len(req.Prompt) / 4, CompletionTokens: 8, TotalTokens: len(req.Prompt)/4 + 8},
	}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return p.name }

// GenerateText implements llm.Provider.
func (p *Provider) GenerateText(ctx context.Context, req llm.Request) (llm.Response, error) {
	return p.call(ctx, req)
}

// GenerateStructured implements llm.Provider.
func (p *Provider) GenerateStructured(ctx context.Context, req llm.Request) (llm.Response, error) {
	return p.call(ctx, req)
}

func (p *Provider) call(ctx context.Context, req llm.Request) (llm.Response, error) {
	n := int(p.calls.Add(1))
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return llm.Response{}, llm.NewTransportError(p.name, req.Model, err)
	}
	resp, err := p.respond(ctx, req, n)
	if err != nil {
		return llm.Response{}, err
	}
	resp.Provider = p.name
	if resp.ModelUsed == "" {
		resp.ModelUsed = req.Model
	}
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now().UTC()
	}
	return resp, nil
}

// Calls reports how many times the provider was invoked.
func (p *Provider) Calls() int { return int(p.calls.Load()) }

// Requests returns a copy of the received requests in call order.
func (p *Provider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.requests...)
}
