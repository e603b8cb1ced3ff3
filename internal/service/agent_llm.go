package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Strob0t/ContentForge/internal/domain/agent"
	"github.com/Strob0t/ContentForge/internal/domain/llm"
	"github.com/Strob0t/ContentForge/internal/resilience"
)

// outputError marks a model reply that is not the JSON the agent promised.
type outputError struct{ reason string }

func (e *outputError) Error() string { return "invalid model output: " + e.reason }

// LLMAgent renders a prompt from its input and asks the ranked models for
// a JSON document matching its output schema.
type LLMAgent struct {
	def       agent.Definition
	system    string
	prompt    *template.Template
	inSchema  *jsonschema.Schema
	outSchema *jsonschema.Schema
	models    ModelInvoker
	cache     *ResponseCache
	sleep     resilience.Sleeper
}

// LLMAgentSpec is the construction input of an LLMAgent.
type LLMAgentSpec struct {
	Definition agent.Definition
	System     string
	Prompt     string
}

// NewLLMAgent compiles the prompt template and both schemas. cache may be
// nil, in which case every call goes to the models.
func NewLLMAgent(spec LLMAgentSpec, models ModelInvoker, cache *ResponseCache) (*LLMAgent, error) {
	def := spec.Definition
	def.Retry = def.Retry.Normalize()
	tmpl, err := template.New(def.Name).Funcs(promptFuncs).Option("missingkey=zero").Parse(spec.Prompt)
	if err != nil {
		return nil, fmt.Errorf("agent %s prompt: %w", def.Name, err)
	}
	in, err := compileSchema(def.Name+".input.json", def.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("agent %s input schema: %w", def.Name, err)
	}
	out, err := compileSchema(def.Name+".output.json", def.OutputSchema)
	if err != nil {
		return nil, fmt.Errorf("agent %s output schema: %w", def.Name, err)
	}
	return &LLMAgent{
		def:       def,
		system:    spec.System,
		prompt:    tmpl,
		inSchema:  in,
		outSchema: out,
		models:    models,
		cache:     cache,
		sleep:     resilience.Sleep,
	}, nil
}

var promptFuncs = template.FuncMap{
	"json": func(v any) string {
		b, _ := json.MarshalIndent(v, "", "  ")
		return string(b)
	},
	"join": func(v any, sep string) string {
		items, ok := v.([]any)
		if !ok {
			if v == nil {
				return ""
			}
			return fmt.Sprint(v)
		}
		parts := make([]string, 0, len(items))
		for _, it := range items {
			parts = append(parts, fmt.Sprint(it))
		}
		return strings.Join(parts, sep)
	},
	"default": func(def, v any) any {
		if v == nil || v == "" {
			return def
		}
		return v
	},
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(name)
}

// Definition implements Agent.
func (a *LLMAgent) Definition() agent.Definition { return a.def }

// Run implements Agent.
func (a *LLMAgent) Run(ctx context.Context, input json.RawMessage) (agent.Output, error) {
	doc, err := a.validateInput(input)
	if err != nil {
		return agent.Output{}, err
	}
	var prompt strings.Builder
	if err := a.prompt.Execute(&prompt, sanitizeDoc(doc)); err != nil {
		return agent.Output{}, &agent.ValidationError{Agent: a.def.Name, Stage: "input", Reason: "render prompt: " + err.Error()}
	}

	parent := ctx
	if a.def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.def.Timeout)
		defer cancel()
	}

	candidates, err := a.models.Candidates(a.def.AllowedModels, a.def.Preference)
	if err != nil {
		return agent.Output{}, &agent.FailureError{Agent: a.def.Name, Err: err}
	}

	inv := InvocationFrom(ctx)
	requester := inv.Requester
	requester.Agent = a.def.Name

	total := 0
	var last error
	for _, m := range candidates {
		req := llm.Request{
			Provider: m.Provider,
			Model:    m.Model,
			System:   a.system,
			Prompt:   prompt.String(),
			Params: llm.Parameters{
				Temperature: a.def.Temperature,
				MaxTokens:   a.def.MaxTokens,
				JSONMode:    true,
			},
			Requester:   requester,
			BypassCache: inv.BypassCache,
		}

		var resp llm.Response
		var outcome Outcome
		attempts, err := resilience.Retry(ctx, a.def.Retry, a.sleep, llm.IsRetryable, retryAfterHint, func(int) error {
			var callErr error
			resp, outcome, callErr = a.call(ctx, req)
			return callErr
		})
		total += attempts

		switch {
		case err == nil:
			return agent.Output{
				Data:      resp.Structured,
				ModelUsed: resp.Provider + "/" + resp.ModelUsed,
				Usage:     resp.Usage,
				CostUSD:   resp.CostUSD,
				Cached:    outcome == OutcomeHit || outcome == OutcomeCoalesced,
				Attempts:  total,
			}, nil
		case errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
			return agent.Output{}, &agent.FailureError{
				Agent: a.def.Name, ModelUsed: m.Model, Attempts: total,
				Err: fmt.Errorf("%w after %s: %w", agent.ErrAgentTimeout, a.def.Timeout, err),
			}
		case parent.Err() != nil:
			return agent.Output{}, parent.Err()
		}

		var oe *outputError
		if errors.As(err, &oe) || llm.KindOf(err) == llm.KindInvalidRequest {
			return agent.Output{}, &agent.FailureError{Agent: a.def.Name, ModelUsed: m.Model, Attempts: total, Err: err}
		}
		slog.WarnContext(ctx, "agent model exhausted, trying next",
			"agent", a.def.Name, "provider", m.Provider, "model", m.Model, "attempts", attempts, "error", err)
		last = err
	}

	return agent.Output{}, &agent.FailureError{
		Agent: a.def.Name, Attempts: total,
		Err: fmt.Errorf("%w: %w", llm.ErrAllProvidersUnavailable, last),
	}
}

// call invokes one model through the response cache. Output validation
// happens inside the computation so an invalid reply is never cached.
func (a *LLMAgent) call(ctx context.Context, req llm.Request) (llm.Response, Outcome, error) {
	compute := func(ctx context.Context) (llm.Response, error) {
		resp, err := a.models.Invoke(ctx, req, llm.CapabilityStructured)
		if err != nil {
			return llm.Response{}, err
		}
		data, err := a.parseOutput(resp)
		if err != nil {
			return llm.Response{}, err
		}
		resp.Structured = data
		return resp, nil
	}
	if a.cache == nil {
		resp, err := compute(ctx)
		return resp, OutcomeBypass, err
	}
	ttl := a.def.CacheTTL
	if ttl <= 0 {
		ttl = a.cache.DefaultTTL()
	}
	return a.cache.GetOrCompute(ctx, req, ttl, compute)
}

func (a *LLMAgent) validateInput(input json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(input)) == 0 {
		input = json.RawMessage(`{}`)
	}
	var doc any
	if err := json.Unmarshal(input, &doc); err != nil {
		return nil, &agent.ValidationError{Agent: a.def.Name, Stage: "input", Reason: "not JSON: " + err.Error()}
	}
	if a.inSchema != nil {
		if err := a.inSchema.Validate(doc); err != nil {
			return nil, &agent.ValidationError{Agent: a.def.Name, Stage: "input", Reason: err.Error()}
		}
	}
	return doc, nil
}

func (a *LLMAgent) parseOutput(resp llm.Response) (json.RawMessage, error) {
	raw := resp.Structured
	if len(raw) == 0 {
		raw = json.RawMessage(stripFences(resp.Text))
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &outputError{reason: "not JSON: " + err.Error()}
	}
	if a.outSchema != nil {
		if err := a.outSchema.Validate(doc); err != nil {
			return nil, &outputError{reason: err.Error()}
		}
	}
	return raw, nil
}

// stripFences removes a surrounding markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func retryAfterHint(err error) time.Duration {
	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}
