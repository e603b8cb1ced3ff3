package otel

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/ContentForge/internal/config"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.LLMCall(ctx, "openai", "gpt", "ok", 10, 0.1, time.Second)
	m.CacheLookup(ctx, "hit")
	m.JobEnqueued(ctx, "media_task")
	m.JobAttempt(ctx, "media_task", "finished", time.Second)
	m.RunStarted(ctx, "content-generation")
	m.RunFinished(ctx, "content-generation", "completed", time.Second, 0.2)
}

func TestNewMetricsOnNoopProvider(t *testing.T) {
	m, err := NewMetrics()
	if err != nil {
		t.Fatal(err)
	}
	m.LLMCall(context.Background(), "openai", "gpt", "ok", 10, 0.1, time.Second)
}

func TestInitWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), config.OTEL{ServiceName: "test"})
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}
