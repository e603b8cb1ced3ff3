package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/ContentForge/internal/adapter/memory"
	"github.com/Strob0t/ContentForge/internal/config"
	"github.com/Strob0t/ContentForge/internal/domain"
	"github.com/Strob0t/ContentForge/internal/domain/agent"
	"github.com/Strob0t/ContentForge/internal/domain/failure"
	"github.com/Strob0t/ContentForge/internal/domain/llm"
	"github.com/Strob0t/ContentForge/internal/domain/pipeline"
	"github.com/Strob0t/ContentForge/internal/port/messagequeue"
)

type agentFunc func(ctx context.Context, input json.RawMessage) (agent.Output, error)

// fakeAgents answers every agent with a canned document unless a behavior
// is scripted for it.
type fakeAgents struct {
	mu       sync.Mutex
	order    []string
	inputs   map[string]json.RawMessage
	behavior map[string]agentFunc
}

func newFakeAgents() *fakeAgents {
	return &fakeAgents{inputs: map[string]json.RawMessage{}, behavior: map[string]agentFunc{}}
}

func (f *fakeAgents) Has(name string) bool { return name != "ghost" }

func (f *fakeAgents) Run(ctx context.Context, name string, input json.RawMessage) (agent.Output, error) {
	f.mu.Lock()
	f.order = append(f.order, name)
	f.inputs[name] = input
	fn := f.behavior[name]
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, input)
	}
	return agent.Output{
		Data:      json.RawMessage(`{"ideas":["i1"],"scripts":["s1"],"trends":["t1"],"sources":[{"url":"u","text":"x"}]}`),
		ModelUsed: "openai/gpt",
		Usage:     llm.Usage{TotalTokens: 10},
		CostUSD:   0.5,
		Attempts:  1,
	}, nil
}

func (f *fakeAgents) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func failingAgent(err error) agentFunc {
	return func(context.Context, json.RawMessage) (agent.Output, error) { return agent.Output{}, err }
}

func newTestComposer(t *testing.T, agents StepRunner) (*Composer, *memory.Store, *memory.EventBus) {
	t.Helper()
	store := memory.NewStore()
	bus := memory.NewEventBus()
	c, err := NewComposer(store, agents, bus, nil, config.Composer{MaxParallelPerRun: 4, MaxParallelGlobal: 8})
	if err != nil {
		t.Fatal(err)
	}
	return c, store, bus
}

func stepStatuses(r *pipeline.Run) map[string]pipeline.StepStatus {
	out := make(map[string]pipeline.StepStatus, len(r.Steps))
	for i := range r.Steps {
		out[r.Steps[i].ID] = r.Steps[i].Status
	}
	return out
}

func TestComposerExecutesInDependencyOrder(t *testing.T) {
	agents := newFakeAgents()
	c, store, bus := newTestComposer(t, agents)
	var completed atomic.Int32
	_, _ = bus.Subscribe(context.Background(), messagequeue.SubjectRunCompleted, func(context.Context, string, []byte) error {
		completed.Add(1)
		return nil
	})
	ctx := context.Background()

	run, err := c.CreateRun(ctx, "u1", "content-generation", json.RawMessage(`{"niche":"coffee","platform":"tiktok"}`))
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != pipeline.RunPending {
		t.Fatalf("status = %s", run.Status)
	}

	run, err = c.Execute(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != pipeline.RunCompleted {
		t.Fatalf("status = %s, error = %+v", run.Status, run.Error)
	}
	if got := strings.Join(agents.calls(), ","); got != "ideation,scripting,editing" {
		t.Errorf("order = %s", got)
	}

	var scriptingIn map[string]any
	_ = json.Unmarshal(agents.inputs["scripting"], &scriptingIn)
	if scriptingIn["platform"] != "tiktok" || scriptingIn["ideas"] == nil {
		t.Errorf("scripting input = %v", scriptingIn)
	}
	if _, ok := scriptingIn["tone"]; ok {
		t.Errorf("missing optional field should not be bound: %v", scriptingIn)
	}

	stored, _ := store.GetRun(ctx, run.ID)
	if stored.TokensUsed != 30 || stored.CostUSD != 1.5 {
		t.Errorf("totals = %d tokens, %.2f usd", stored.TokensUsed, stored.CostUSD)
	}
	if stored.FinishedAt == nil || stored.StartedAt == nil {
		t.Error("timestamps not set")
	}
	for _, st := range stored.Steps {
		if st.Status != pipeline.StepSucceeded || st.ModelUsed != "openai/gpt" || st.StartedAt == nil || st.FinishedAt == nil {
			t.Errorf("step %+v", st)
		}
	}
	if completed.Load() != 1 {
		t.Errorf("runs.completed events = %d", completed.Load())
	}

	// Executing a terminal run is a no-op.
	again, err := c.Execute(ctx, run.ID)
	if err != nil || again.Status != pipeline.RunCompleted || len(agents.calls()) != 3 {
		t.Fatalf("re-execute: %v %s %d", err, again.Status, len(agents.calls()))
	}
}

func TestComposerOptionalStepFailure(t *testing.T) {
	agents := newFakeAgents()
	agents.behavior["editing"] = failingAgent(&agent.FailureError{Agent: "editing", Err: errors.New("bad output")})
	c, _, _ := newTestComposer(t, agents)

	run, err := c.CreateRun(context.Background(), "u1", "content-generation", json.RawMessage(`{"niche":"tea"}`))
	if err != nil {
		t.Fatal(err)
	}
	run, err = c.Execute(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != pipeline.RunPartiallyFailed {
		t.Fatalf("status = %s", run.Status)
	}
	editing := run.Step("editing")
	if editing.Status != pipeline.StepFailed || editing.Error == nil || editing.Error.Kind != failure.KindAgentFailure {
		t.Errorf("editing = %+v", editing)
	}
}

func TestComposerOptionalFailureSkipsDependents(t *testing.T) {
	agents := newFakeAgents()
	agents.behavior["b"] = failingAgent(errors.New("boom"))
	c, _, _ := newTestComposer(t, agents)
	err := c.Register(pipeline.Template{
		ID: "chain", Name: "Chain", Protocol: pipeline.ProtocolDAG,
		Steps: []pipeline.StepSpec{
			{ID: "a", Agent: "a"},
			{ID: "b", Agent: "b", Optional: true, DependsOn: []string{"a"}},
			{ID: "c", Agent: "c", Optional: true, DependsOn: []string{"b"}},
			{ID: "d", Agent: "d", DependsOn: []string{"a"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	run, _ := c.CreateRun(context.Background(), "u1", "chain", nil)
	run, err = c.Execute(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	got := stepStatuses(run)
	want := map[string]pipeline.StepStatus{"a": pipeline.StepSucceeded, "b": pipeline.StepFailed, "c": pipeline.StepSkipped, "d": pipeline.StepSucceeded}
	for id, st := range want {
		if got[id] != st {
			t.Errorf("step %s = %s, want %s", id, got[id], st)
		}
	}
	if run.Status != pipeline.RunPartiallyFailed {
		t.Errorf("status = %s", run.Status)
	}
}

func TestComposerRequiredStepFailure(t *testing.T) {
	agents := newFakeAgents()
	agents.behavior["ideation"] = failingAgent(&agent.FailureError{
		Agent: "ideation", Err: llm.ErrAllProvidersUnavailable,
	})
	c, _, _ := newTestComposer(t, agents)

	run, _ := c.CreateRun(context.Background(), "u1", "content-generation", json.RawMessage(`{"niche":"tea"}`))
	run, err := c.Execute(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != pipeline.RunFailed {
		t.Fatalf("status = %s", run.Status)
	}
	if run.Error == nil || run.Error.Kind != failure.KindAllProvidersUnavailable {
		t.Errorf("run error = %+v", run.Error)
	}
	if s := stepStatuses(run); s["scripting"] != pipeline.StepSkipped || s["editing"] != pipeline.StepSkipped {
		t.Errorf("steps = %v", s)
	}
	if len(agents.calls()) != 1 {
		t.Errorf("calls = %v", agents.calls())
	}
}

func TestComposerCancelBetweenSteps(t *testing.T) {
	agents := newFakeAgents()
	c, _, _ := newTestComposer(t, agents)
	run, _ := c.CreateRun(context.Background(), "u1", "content-generation", json.RawMessage(`{"niche":"tea"}`))

	agents.behavior["ideation"] = func(ctx context.Context, _ json.RawMessage) (agent.Output, error) {
		if _, err := c.Cancel(ctx, run.ID); err != nil {
			return agent.Output{}, err
		}
		return agent.Output{Data: json.RawMessage(`{"ideas":["x"]}`)}, nil
	}

	run, err := c.Execute(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != pipeline.RunCancelled || run.Error == nil || run.Error.Kind != failure.KindCancelled {
		t.Fatalf("run = %s %+v", run.Status, run.Error)
	}
	s := stepStatuses(run)
	if s["ideation"] != pipeline.StepSucceeded || s["scripting"] != pipeline.StepSkipped || s["editing"] != pipeline.StepSkipped {
		t.Errorf("steps = %v", s)
	}
	if got := agents.calls(); len(got) != 1 {
		t.Errorf("agents after cancel: %v", got)
	}
}

func TestComposerCancelPendingRun(t *testing.T) {
	agents := newFakeAgents()
	c, store, _ := newTestComposer(t, agents)
	run, _ := c.CreateRun(context.Background(), "u1", "trend-analysis", json.RawMessage(`{"target_platform":"tiktok","industry":"x"}`))

	got, err := c.Cancel(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != pipeline.RunCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	stored, _ := store.GetRun(context.Background(), run.ID)
	for _, st := range stored.Steps {
		if st.Status != pipeline.StepSkipped {
			t.Errorf("step %s = %s", st.ID, st.Status)
		}
	}
	if _, err := c.Execute(context.Background(), run.ID); err != nil || len(agents.calls()) != 0 {
		t.Fatalf("cancelled run executed: %v %v", err, agents.calls())
	}
}

func TestComposerResumesRunningSteps(t *testing.T) {
	agents := newFakeAgents()
	c, store, _ := newTestComposer(t, agents)
	ctx := context.Background()
	run, _ := c.CreateRun(ctx, "u1", "content-generation", json.RawMessage(`{"niche":"tea"}`))

	// Simulate a worker that died while scripting was running.
	now := time.Now().UTC()
	ideation := run.Step("ideation")
	_ = ideation.Transition(pipeline.StepRunning, now)
	ideation.Output = json.RawMessage(`{"ideas":["kept"]}`)
	_ = ideation.Transition(pipeline.StepSucceeded, now)
	_ = store.SaveStep(ctx, run.ID, 0, ideation)
	scripting := run.Step("scripting")
	_ = scripting.Transition(pipeline.StepRunning, now)
	_ = store.SaveStep(ctx, run.ID, 1, scripting)
	run.Status = pipeline.RunRunning
	run.StartedAt = &now
	_ = store.UpdateRun(ctx, run)

	run, err := c.Execute(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != pipeline.RunCompleted {
		t.Fatalf("status = %s", run.Status)
	}
	if got := strings.Join(agents.calls(), ","); got != "scripting,editing" {
		t.Errorf("calls = %s", got)
	}
	if !strings.Contains(string(agents.inputs["scripting"]), "kept") {
		t.Errorf("scripting input = %s", agents.inputs["scripting"])
	}
}

func TestComposerRespectsMaxParallel(t *testing.T) {
	var running, peak atomic.Int32
	slow := func(context.Context, json.RawMessage) (agent.Output, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return agent.Output{Data: json.RawMessage(`{}`)}, nil
	}
	agents := newFakeAgents()
	for _, n := range []string{"a", "b", "c", "d"} {
		agents.behavior[n] = slow
	}
	c, _, _ := newTestComposer(t, agents)
	_ = c.Register(pipeline.Template{
		ID: "fan", Name: "Fan", MaxParallel: 2,
		Steps: []pipeline.StepSpec{{ID: "a", Agent: "a"}, {ID: "b", Agent: "b"}, {ID: "c", Agent: "c"}, {ID: "d", Agent: "d"}},
	})

	run, _ := c.CreateRun(context.Background(), "u1", "fan", nil)
	run, err := c.Execute(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != pipeline.RunCompleted {
		t.Fatalf("status = %s", run.Status)
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d", peak.Load())
	}
}

func TestComposerGlobalLimitSpansRuns(t *testing.T) {
	var running, peak, total atomic.Int32
	slow := func(context.Context, json.RawMessage) (agent.Output, error) {
		total.Add(1)
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return agent.Output{Data: json.RawMessage(`{}`)}, nil
	}
	agents := newFakeAgents()
	agents.behavior["a"] = slow
	agents.behavior["b"] = slow

	c, err := NewComposer(memory.NewStore(), agents, memory.NewEventBus(), nil,
		config.Composer{MaxParallelPerRun: 4, MaxParallelGlobal: 1})
	if err != nil {
		t.Fatal(err)
	}
	_ = c.Register(pipeline.Template{
		ID: "pair", Name: "Pair", MaxParallel: 4,
		Steps: []pipeline.StepSpec{{ID: "a", Agent: "a"}, {ID: "b", Agent: "b"}},
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, owner := range []string{"u1", "u2"} {
		run, err := c.CreateRun(ctx, owner, "pair", nil)
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			done, err := c.Execute(ctx, run.ID)
			if err == nil && done.Status != pipeline.RunCompleted {
				err = errors.New("run ended " + string(done.Status))
			}
			errs[i] = err
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if total.Load() != 4 {
		t.Fatalf("steps executed = %d, want 4", total.Load())
	}
	if peak.Load() > 1 {
		t.Errorf("steps in flight across runs = %d, want at most 1", peak.Load())
	}
}

func TestComposerShutdownLeavesRunResumable(t *testing.T) {
	agents := newFakeAgents()
	ctx, cancel := context.WithCancel(context.Background())
	agents.behavior["ideation"] = func(ctx context.Context, _ json.RawMessage) (agent.Output, error) {
		cancel()
		<-ctx.Done()
		return agent.Output{}, ctx.Err()
	}
	c, store, _ := newTestComposer(t, agents)
	run, _ := c.CreateRun(context.Background(), "u1", "content-generation", json.RawMessage(`{"niche":"tea"}`))

	if _, err := c.Execute(ctx, run.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	stored, _ := store.GetRun(context.Background(), run.ID)
	if stored.Status != pipeline.RunRunning || stored.Step("ideation").Status != pipeline.StepRunning {
		t.Fatalf("run = %s, ideation = %s", stored.Status, stored.Step("ideation").Status)
	}
}

func TestComposerCreateRunValidation(t *testing.T) {
	c, _, _ := newTestComposer(t, newFakeAgents())
	if _, err := c.CreateRun(context.Background(), "u1", "nope", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown template: %v", err)
	}
	if _, err := c.CreateRun(context.Background(), "u1", "content-generation", json.RawMessage(`[1,2]`)); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("array input: %v", err)
	}
	err := c.Register(pipeline.Template{ID: "bad", Name: "Bad", Steps: []pipeline.StepSpec{{ID: "x", Agent: "ghost"}}})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("unknown agent: %v", err)
	}
	if len(c.Templates()) != 3 {
		t.Errorf("templates = %d", len(c.Templates()))
	}
}

func TestComposerPassesInvocation(t *testing.T) {
	agents := newFakeAgents()
	var inv Invocation
	agents.behavior["ideation"] = func(ctx context.Context, _ json.RawMessage) (agent.Output, error) {
		inv = InvocationFrom(ctx)
		return agent.Output{Data: json.RawMessage(`{"ideas":[]}`)}, nil
	}
	c, _, _ := newTestComposer(t, agents)
	run, _ := c.CreateRun(context.Background(), "owner-7", "content-generation", json.RawMessage(`{"niche":"tea","bypass_cache":true}`))
	if _, err := c.Execute(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}
	if !inv.BypassCache || inv.Requester.UserID != "owner-7" || inv.Requester.RunID != run.ID || inv.Requester.StepID != "ideation" {
		t.Errorf("invocation = %+v", inv)
	}
}
