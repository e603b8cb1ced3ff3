package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "contentforge"

// Metrics holds all ContentForge metric instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	LLMCalls      metric.Int64Counter
	LLMTokens     metric.Int64Counter
	LLMCost       metric.Float64Counter
	LLMLatency    metric.Float64Histogram
	CacheLookups  metric.Int64Counter
	JobsEnqueued  metric.Int64Counter
	JobsCompleted metric.Int64Counter
	JobDuration   metric.Float64Histogram
	RunsStarted   metric.Int64Counter
	RunsCompleted metric.Int64Counter
	RunDuration   metric.Float64Histogram
	RunCost       metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.LLMCalls, err = meter.Int64Counter("contentforge.llm.calls",
		metric.WithDescription("Model provider calls by provider, model and outcome")); err != nil {
		return nil, err
	}
	if m.LLMTokens, err = meter.Int64Counter("contentforge.llm.tokens",
		metric.WithDescription("Tokens consumed by provider and model")); err != nil {
		return nil, err
	}
	if m.LLMCost, err = meter.Float64Counter("contentforge.llm.cost_usd",
		metric.WithDescription("Model spend in USD")); err != nil {
		return nil, err
	}
	if m.LLMLatency, err = meter.Float64Histogram("contentforge.llm.latency_seconds",
		metric.WithDescription("Model call latency in seconds")); err != nil {
		return nil, err
	}
	if m.CacheLookups, err = meter.Int64Counter("contentforge.cache.lookups",
		metric.WithDescription("Response cache lookups by result (hit, miss, coalesced, bypass)")); err != nil {
		return nil, err
	}
	if m.JobsEnqueued, err = meter.Int64Counter("contentforge.jobs.enqueued",
		metric.WithDescription("Jobs enqueued by kind")); err != nil {
		return nil, err
	}
	if m.JobsCompleted, err = meter.Int64Counter("contentforge.jobs.completed",
		metric.WithDescription("Job attempts finished by kind and outcome")); err != nil {
		return nil, err
	}
	if m.JobDuration, err = meter.Float64Histogram("contentforge.job.duration_seconds",
		metric.WithDescription("Job attempt duration in seconds")); err != nil {
		return nil, err
	}
	if m.RunsStarted, err = meter.Int64Counter("contentforge.runs.started",
		metric.WithDescription("Pipeline runs started")); err != nil {
		return nil, err
	}
	if m.RunsCompleted, err = meter.Int64Counter("contentforge.runs.completed",
		metric.WithDescription("Pipeline runs finished by status")); err != nil {
		return nil, err
	}
	if m.RunDuration, err = meter.Float64Histogram("contentforge.run.duration_seconds",
		metric.WithDescription("Pipeline run duration in seconds")); err != nil {
		return nil, err
	}
	if m.RunCost, err = meter.Float64Histogram("contentforge.run.cost_usd",
		metric.WithDescription("Pipeline run cost in USD")); err != nil {
		return nil, err
	}
	return m, nil
}

// LLMCall records one provider call.
func (m *Metrics) LLMCall(ctx context.Context, provider, model, outcome string, tokens int, costUSD float64, latency time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("outcome", outcome),
	)
	m.LLMCalls.Add(ctx, 1, attrs)
	m.LLMLatency.Record(ctx, latency.Seconds(), attrs)
	if tokens > 0 {
		m.LLMTokens.Add(ctx, int64(tokens), attrs)
	}
	if costUSD > 0 {
		m.LLMCost.Add(ctx, costUSD, attrs)
	}
}

// CacheLookup records a response cache lookup result.
func (m *Metrics) CacheLookup(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// JobEnqueued records a newly created job.
func (m *Metrics) JobEnqueued(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.JobsEnqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// JobAttempt records the outcome of one job attempt.
func (m *Metrics) JobAttempt(ctx context.Context, kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.String("outcome", outcome))
	m.JobsCompleted.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, d.Seconds(), attrs)
}

// RunStarted records a pipeline run start.
func (m *Metrics) RunStarted(ctx context.Context, template string) {
	if m == nil {
		return
	}
	m.RunsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("template", template)))
}

// RunFinished records a finished pipeline run.
func (m *Metrics) RunFinished(ctx context.Context, template, status string, d time.Duration, costUSD float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("template", template), attribute.String("status", status))
	m.RunsCompleted.Add(ctx, 1, attrs)
	m.RunDuration.Record(ctx, d.Seconds(), attrs)
	m.RunCost.Record(ctx, costUSD, attrs)
}
