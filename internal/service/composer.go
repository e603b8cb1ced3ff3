package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	cfotel "github.com/Strob0t/ContentForge/internal/adapter/otel"
	"github.com/Strob0t/ContentForge/internal/config"
	"github.com/Strob0t/ContentForge/internal/domain"
	"github.com/Strob0t/ContentForge/internal/domain/agent"
	"github.com/Strob0t/ContentForge/internal/domain/failure"
	"github.com/Strob0t/ContentForge/internal/domain/llm"
	"github.com/Strob0t/ContentForge/internal/domain/pipeline"
	"github.com/Strob0t/ContentForge/internal/logger"
	"github.com/Strob0t/ContentForge/internal/port/messagequeue"
	"github.com/Strob0t/ContentForge/internal/port/taskstore"
)

// StepRunner executes one named agent.
type StepRunner interface {
	Has(name string) bool
	Run(ctx context.Context, name string, input json.RawMessage) (agent.Output, error)
}

// Composer instantiates pipeline templates into runs and executes them.
type Composer struct {
	store   taskstore.RunStore
	agents  StepRunner
	events  messagequeue.Queue
	metrics *cfotel.Metrics
	cfg     config.Composer
	global  *semaphore.Weighted

	mu        sync.RWMutex
	templates map[string]pipeline.Template

	now   func() time.Time
	newID func() string
}

// NewComposer loads the template catalog (built-in presets overlaid with
// cfg.TemplateDir) and checks that every step names a known agent.
func NewComposer(store taskstore.RunStore, agents StepRunner, events messagequeue.Queue, metrics *cfotel.Metrics, cfg config.Composer) (*Composer, error) {
	catalog, err := pipeline.Catalog(cfg.TemplateDir)
	if err != nil {
		return nil, err
	}
	global := int64(cfg.MaxParallelGlobal)
	if global <= 0 {
		global = 32
	}
	c := &Composer{
		store:     store,
		agents:    agents,
		events:    events,
		metrics:   metrics,
		cfg:       cfg,
		global:    semaphore.NewWeighted(global),
		templates: make(map[string]pipeline.Template, len(catalog)),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, t := range catalog {
		if err := c.Register(t); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register validates t and adds it to the catalog, replacing a template
// with the same id.
func (c *Composer) Register(t pipeline.Template) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("template %s: %w", t.ID, err)
	}
	for _, s := range t.Steps {
		if !c.agents.Has(s.Agent) {
			return fmt.Errorf("template %s step %s: unknown agent %q: %w", t.ID, s.ID, s.Agent, domain.ErrValidation)
		}
	}
	c.mu.Lock()
	c.templates[t.ID] = t
	c.mu.Unlock()
	return nil
}

// Templates returns the catalog sorted by id.
func (c *Composer) Templates() []pipeline.Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]pipeline.Template, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Template returns one template by id.
func (c *Composer) Template(id string) (*pipeline.Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[id]
	if !ok {
		return nil, fmt.Errorf("pipeline template %q: %w", id, domain.ErrNotFound)
	}
	return &t, nil
}

// CreateRun persists a pending run of templateID. input must be a JSON
// object; an empty input is treated as {}.
func (c *Composer) CreateRun(ctx context.Context, owner, templateID string, input json.RawMessage) (*pipeline.Run, error) {
	t, err := c.Template(templateID)
	if err != nil {
		return nil, err
	}
	input = bytes.TrimSpace(input)
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var obj map[string]any
	if err := json.Unmarshal(input, &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("run input must be a JSON object: %w", domain.ErrValidation)
	}

	run := pipeline.NewRun(c.newID(), owner, t, input, c.now().UTC())
	if run.MaxParallel <= 0 {
		run.MaxParallel = c.cfg.MaxParallelPerRun
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	slog.InfoContext(ctx, "pipeline run created", "run_id", run.ID, "template", templateID, "owner", owner)
	return run, nil
}

// GetRun returns a run with its steps.
func (c *Composer) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	return c.store.GetRun(ctx, id)
}

// ListRuns returns the most recent runs of owner.
func (c *Composer) ListRuns(ctx context.Context, owner string, limit int) ([]pipeline.Run, error) {
	return c.store.ListRuns(ctx, owner, limit)
}

// Cancel requests cancellation. A pending run is cancelled at once; a
// running run stops at its next step boundary.
func (c *Composer) Cancel(ctx context.Context, id string) (*pipeline.Run, error) {
	run, err := c.store.RequestRunCancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status != pipeline.RunPending {
		return run, nil
	}
	now := c.now().UTC()
	for i := range run.Steps {
		if err := c.skip(ctx, run, i, now); err != nil {
			return nil, err
		}
	}
	rec := failure.Record{Kind: failure.KindCancelled, Message: "cancelled before start"}
	if err := c.finish(ctx, run, pipeline.RunCancelled, &rec, now); err != nil {
		return nil, err
	}
	return run, nil
}

type stepResult struct {
	idx int
	out agent.Output
	err error
}

// Execute drives a run to a terminal state. Terminal runs are returned
// unchanged. Steps already terminal are kept; steps found running are
// re-executed. Step failures are recorded on the run and never returned;
// the returned error is a store failure or ctx ending, in which case the
// run stays running and a later Execute resumes it.
func (c *Composer) Execute(ctx context.Context, id string) (run *pipeline.Run, err error) {
	run, err = c.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	ctx = logger.WithRunID(ctx, run.ID)
	ctx, span := cfotel.StartRunSpan(ctx, run.ID, run.TemplateID)
	defer func() { cfotel.EndSpan(span, err) }()

	now := c.now().UTC()
	if run.StartedAt == nil {
		run.StartedAt = &now
		c.metrics.RunStarted(ctx, run.TemplateID)
	}
	run.Status = pipeline.RunRunning
	run.UpdatedAt = now
	if err := c.store.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("mark run running: %w", err)
	}

	limit := run.MaxParallel
	if limit <= 0 {
		limit = c.cfg.MaxParallelPerRun
	}
	if limit <= 0 {
		limit = len(run.Steps)
	}

	// Steps left running by a crashed worker go first.
	resumed := make(map[int]bool)
	for i := range run.Steps {
		if run.Steps[i].Status == pipeline.StepRunning {
			resumed[i] = true
		}
	}
	if len(resumed) > 0 {
		slog.InfoContext(ctx, "resuming pipeline run", "run_id", run.ID, "steps", len(resumed))
	}

	results := make(chan stepResult, len(run.Steps))
	inflight := 0
	stop := false
	cancelled := false
	var failedRequired *pipeline.Step

	for {
		if !stop {
			fresh, err := c.store.GetRun(ctx, run.ID)
			if err != nil {
				return c.abandon(ctx, run, inflight, results, fmt.Errorf("check cancel: %w", err))
			}
			if fresh.CancelRequested {
				slog.InfoContext(ctx, "pipeline run cancel observed", "run_id", run.ID)
				run.CancelRequested = true
				stop, cancelled = true, true
			}
		}

		if !stop {
			for _, idx := range c.runnable(run, resumed) {
				if inflight >= limit {
					break
				}
				if err := c.global.Acquire(ctx, 1); err != nil {
					return c.abandon(ctx, run, inflight, results, err)
				}
				if err := c.launch(ctx, run, idx); err != nil {
					c.global.Release(1)
					return c.abandon(ctx, run, inflight, results, err)
				}
				delete(resumed, idx)
				input, bindErr := pipeline.ResolveInput(&run.Steps[idx], run.Input, run.Outputs())
				inflight++
				go c.runStep(ctx, run, run.Steps[idx], idx, input, bindErr, results)
			}
		}

		if inflight == 0 {
			break
		}

		res := <-results
		inflight--
		if res.err != nil && ctx.Err() != nil {
			// Shutdown, not a step failure: leave the step running for resume.
			return c.abandon(ctx, run, inflight, results, ctx.Err())
		}
		st, err := c.record(ctx, run, res)
		if err != nil {
			return c.abandon(ctx, run, inflight, results, err)
		}
		if st.Status != pipeline.StepFailed {
			continue
		}
		if st.Required {
			if failedRequired == nil {
				failedRequired = st
			}
			stop = true
			continue
		}
		if err := c.skipBlocked(ctx, run); err != nil {
			return c.abandon(ctx, run, inflight, results, err)
		}
	}

	// Anything still pending can no longer run.
	now = c.now().UTC()
	for i := range run.Steps {
		if run.Steps[i].Status == pipeline.StepPending {
			if err := c.skip(ctx, run, i, now); err != nil {
				return nil, err
			}
		}
	}

	status := pipeline.FinalStatus(run.Steps)
	var rec *failure.Record
	switch {
	case cancelled:
		status = pipeline.RunCancelled
		rec = &failure.Record{Kind: failure.KindCancelled, Message: "cancelled by request"}
	case failedRequired != nil:
		r := failure.Record{Kind: failure.KindAgentFailure, Message: "required step " + failedRequired.ID + " failed"}
		if failedRequired.Error != nil {
			r = failure.Record{Kind: failedRequired.Error.Kind, Message: "step " + failedRequired.ID + ": " + failedRequired.Error.Message}
		}
		rec = &r
	}
	if err := c.finish(ctx, run, status, rec, now); err != nil {
		return nil, err
	}
	return run, nil
}

// abandon waits for in-flight steps so none outlives Execute, then returns
// cause without finalizing the run.
func (c *Composer) abandon(ctx context.Context, run *pipeline.Run, inflight int, results <-chan stepResult, cause error) (*pipeline.Run, error) {
	for ; inflight > 0; inflight-- {
		<-results
	}
	slog.WarnContext(ctx, "pipeline run interrupted", "run_id", run.ID, "error", cause)
	return run, cause
}

func (c *Composer) stepIndex(run *pipeline.Run, id string) int {
	for i := range run.Steps {
		if run.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// runnable lists resumed steps followed by pending steps whose
// dependencies all succeeded.
func (c *Composer) runnable(run *pipeline.Run, resumed map[int]bool) []int {
	out := make([]int, 0, len(resumed))
	for i := range run.Steps {
		if resumed[i] {
			out = append(out, i)
		}
	}
	for _, id := range pipeline.ReadySteps(run.Steps) {
		out = append(out, c.stepIndex(run, id))
	}
	return out
}

// launch marks the step running. A step resumed in the running state is
// not transitioned again.
func (c *Composer) launch(ctx context.Context, run *pipeline.Run, idx int) error {
	st := &run.Steps[idx]
	if st.Status != pipeline.StepPending {
		return nil
	}
	if err := st.Transition(pipeline.StepRunning, c.now().UTC()); err != nil {
		return err
	}
	if err := c.store.SaveStep(ctx, run.ID, idx, st); err != nil {
		return fmt.Errorf("save step %s: %w", st.ID, err)
	}
	c.publishStep(ctx, run, st)
	return nil
}

func (c *Composer) runStep(ctx context.Context, run *pipeline.Run, st pipeline.Step, idx int, input json.RawMessage, bindErr error, results chan<- stepResult) {
	res := stepResult{idx: idx}
	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("agent %s panicked: %v", st.Agent, r)
			slog.ErrorContext(ctx, "agent panic", "run_id", run.ID, "step", st.ID, "panic", r)
		}
		c.global.Release(1)
		results <- res
	}()

	if bindErr != nil {
		res.err = fmt.Errorf("resolve input of step %s: %w: %w", st.ID, domain.ErrValidation, bindErr)
		return
	}

	ctx, span := cfotel.StartStepSpan(ctx, st.ID, st.Agent)
	ctx = WithInvocation(ctx, Invocation{
		Requester: llm.RequesterContext{UserID: run.OwnerUserID, RunID: run.ID, StepID: st.ID},
		// bypass_cache on the run input applies to every step.
		BypassCache: runBypassesCache(run.Input),
	})
	res.out, res.err = c.agents.Run(ctx, st.Agent, input)
	cfotel.EndSpan(span, res.err)
}

// record applies a step result and persists it.
func (c *Composer) record(ctx context.Context, run *pipeline.Run, res stepResult) (*pipeline.Step, error) {
	st := &run.Steps[res.idx]
	now := c.now().UTC()
	if res.err != nil {
		rec := failure.Classify(res.err)
		st.Error = &rec
		var fe *agent.FailureError
		if errors.As(res.err, &fe) {
			st.Attempts = fe.Attempts
		}
		if err := st.Transition(pipeline.StepFailed, now); err != nil {
			return nil, err
		}
		slog.WarnContext(ctx, "pipeline step failed",
			"run_id", run.ID, "step", st.ID, "agent", st.Agent, "required", st.Required, "kind", rec.Kind, "error", res.err)
	} else {
		st.Output = res.out.Data
		st.ModelUsed = res.out.ModelUsed
		st.Attempts = res.out.Attempts
		st.Cached = res.out.Cached
		st.TokensUsed = res.out.Usage.TotalTokens
		st.CostUSD = res.out.CostUSD
		st.Error = nil
		if err := st.Transition(pipeline.StepSucceeded, now); err != nil {
			return nil, err
		}
		slog.InfoContext(ctx, "pipeline step succeeded",
			"run_id", run.ID, "step", st.ID, "agent", st.Agent, "model", st.ModelUsed, "cached", st.Cached)
	}
	if err := c.store.SaveStep(ctx, run.ID, res.idx, st); err != nil {
		return nil, fmt.Errorf("save step %s: %w", st.ID, err)
	}
	c.publishStep(ctx, run, st)
	return st, nil
}

// skipBlocked skips every pending step whose dependency chain contains a
// failed or skipped step.
func (c *Composer) skipBlocked(ctx context.Context, run *pipeline.Run) error {
	now := c.now().UTC()
	for {
		blocked := pipeline.BlockedSteps(run.Steps)
		if len(blocked) == 0 {
			return nil
		}
		for _, id := range blocked {
			if err := c.skip(ctx, run, c.stepIndex(run, id), now); err != nil {
				return err
			}
		}
	}
}

func (c *Composer) skip(ctx context.Context, run *pipeline.Run, idx int, now time.Time) error {
	st := &run.Steps[idx]
	if st.Status.IsTerminal() {
		return nil
	}
	if err := st.Transition(pipeline.StepSkipped, now); err != nil {
		return err
	}
	if err := c.store.SaveStep(ctx, run.ID, idx, st); err != nil {
		return fmt.Errorf("save step %s: %w", st.ID, err)
	}
	c.publishStep(ctx, run, st)
	return nil
}

// finish aggregates totals, stores the terminal run and announces it.
func (c *Composer) finish(ctx context.Context, run *pipeline.Run, status pipeline.RunStatus, rec *failure.Record, now time.Time) error {
	run.Status = status
	run.Error = rec
	run.TokensUsed = 0
	run.CostUSD = 0
	for i := range run.Steps {
		run.TokensUsed += run.Steps[i].TokensUsed
		run.CostUSD += run.Steps[i].CostUSD
	}
	run.FinishedAt = &now
	run.UpdatedAt = now
	var elapsed time.Duration
	if run.StartedAt != nil {
		elapsed = now.Sub(*run.StartedAt)
		run.CompletionTimeMS = elapsed.Milliseconds()
	}
	if err := c.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}

	slog.InfoContext(ctx, "pipeline run finished",
		"run_id", run.ID, "template", run.TemplateID, "status", status,
		"tokens", run.TokensUsed, "cost_usd", run.CostUSD, "completion_time_ms", run.CompletionTimeMS)
	c.metrics.RunFinished(ctx, run.TemplateID, string(status), elapsed, run.CostUSD)
	publish(ctx, c.events, messagequeue.SubjectRunCompleted, messagequeue.RunCompletedPayload{
		RunID:            run.ID,
		OwnerUserID:      run.OwnerUserID,
		TemplateID:       run.TemplateID,
		Status:           string(status),
		TokensUsed:       run.TokensUsed,
		CostUSD:          run.CostUSD,
		CompletionTimeMS: run.CompletionTimeMS,
		Error:            rec,
	})
	return nil
}

func (c *Composer) publishStep(ctx context.Context, run *pipeline.Run, st *pipeline.Step) {
	publish(ctx, c.events, messagequeue.SubjectRunStep, messagequeue.RunStepPayload{
		RunID:     run.ID,
		StepID:    st.ID,
		Agent:     st.Agent,
		Status:    string(st.Status),
		ModelUsed: st.ModelUsed,
		Error:     st.Error,
	})
}

func runBypassesCache(input json.RawMessage) bool {
	var flags struct {
		BypassCache bool `json:"bypass_cache"`
	}
	_ = json.Unmarshal(input, &flags)
	return flags.BypassCache
}
