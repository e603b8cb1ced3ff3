package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Strob0t/ContentForge/internal/domain"
	"github.com/Strob0t/ContentForge/internal/domain/agent"
	"github.com/Strob0t/ContentForge/internal/domain/llm"
)

// Agent is one unit of generation work. Agents are stateless; many runs
// share one instance.
type Agent interface {
	Definition() agent.Definition
	Run(ctx context.Context, input json.RawMessage) (agent.Output, error)
}

type invocationKey struct{}

// Invocation carries per-call data that is not part of an agent's input.
type Invocation struct {
	Requester   llm.RequesterContext
	BypassCache bool
}

// WithInvocation attaches inv to ctx.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFrom returns the invocation attached to ctx.
func InvocationFrom(ctx context.Context) Invocation {
	inv, _ := ctx.Value(invocationKey{}).(Invocation)
	return inv
}

// AgentRunner dispatches agent runs by name.
type AgentRunner struct {
	agents map[string]Agent
}

// NewAgentRunner registers agents by their definition name.
func NewAgentRunner(agents ...Agent) *AgentRunner {
	r := &AgentRunner{agents: make(map[string]Agent, len(agents))}
	for _, a := range agents {
		r.agents[a.Definition().Name] = a
	}
	return r
}

// Has reports whether an agent named name exists.
func (r *AgentRunner) Has(name string) bool {
	_, ok := r.agents[name]
	return ok
}

// Run executes the named agent.
func (r *AgentRunner) Run(ctx context.Context, name string, input json.RawMessage) (agent.Output, error) {
	a, ok := r.agents[name]
	if !ok {
		return agent.Output{}, fmt.Errorf("agent %q: %w", name, domain.ErrNotFound)
	}
	return a.Run(ctx, input)
}

// Definitions lists all agent definitions by name.
func (r *AgentRunner) Definitions() []agent.Definition {
	out := make([]agent.Definition, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Definition())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
