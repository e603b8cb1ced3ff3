package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "contentforge"

// StartRunSpan starts a span for a pipeline run.
func StartRunSpan(ctx context.Context, runID, templateID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.template", templateID),
		),
	)
}

// StartStepSpan starts a span for one pipeline step.
func StartStepSpan(ctx context.Context, stepID, agentName string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "pipeline.step",
		trace.WithAttributes(
			attribute.String("step.id", stepID),
			attribute.String("step.agent", agentName),
		),
	)
}

// StartLLMSpan starts a span for one provider call.
func StartLLMSpan(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "llm.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
		),
	)
}

// StartJobSpan starts a span for one job attempt.
func StartJobSpan(ctx context.Context, jobID, kind string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "job.attempt",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("job.kind", kind),
			attribute.Int("job.attempt", attempt),
		),
	)
}

// EndSpan records err, if any, and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
