package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Strob0t/ContentForge/internal/domain"
	"github.com/Strob0t/ContentForge/internal/domain/agent"
	"github.com/Strob0t/ContentForge/internal/domain/llm"
)

func TestClassify(t *testing.T) {
	rateLimited := &llm.ProviderError{Kind: llm.KindRateLimited, Provider: "openai", Model: "gpt-4o"}

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", &agent.ValidationError{Agent: "ideation", Stage: "input", Reason: "missing niche"}, KindValidation},
		{"domain validation", fmt.Errorf("enqueue: %w", domain.ErrValidation), KindValidation},
		{"rate limited", rateLimited, KindRateLimited},
		{"invalid request inside agent", &agent.FailureError{Agent: "x", Err: &llm.ProviderError{Kind: llm.KindInvalidRequest}}, KindInvalidRequest},
		{"agent exhausted retries", &agent.FailureError{Agent: "x", Err: rateLimited}, KindAgentFailure},
		{"all providers", &agent.FailureError{Agent: "x", Err: fmt.Errorf("%w: %w", llm.ErrAllProvidersUnavailable, rateLimited)}, KindAllProvidersUnavailable},
		{"agent timeout", fmt.Errorf("run: %w", agent.ErrAgentTimeout), KindAgentTimeout},
		{"media", fmt.Errorf("ffmpeg: %w", ErrMediaProcessing), KindMediaProcessing},
		{"external", fmt.Errorf("crawl: %w", ErrExternalAPI), KindExternalAPI},
		{"expired", ErrJobExpired, KindJobExpired},
		{"cancelled", context.Canceled, KindCancelled},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"record passthrough", &Record{Kind: KindDeadLettered, Message: "gave up"}, KindDeadLettered},
		{"unknown", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Kind != tt.want {
				t.Fatalf("got %s, want %s", got.Kind, tt.want)
			}
			if got.Message == "" {
				t.Fatal("expected a message")
			}
		})
	}
}

func TestClassifyNil(t *testing.T) {
	if got := Classify(nil); got.Kind != "" {
		t.Fatalf("expected empty record, got %+v", got)
	}
}

func TestIsPermanent(t *testing.T) {
	if !IsPermanent(&Permanent{Err: errors.New("bad payload")}) {
		t.Fatal("expected Permanent to be permanent")
	}
	if !IsPermanent(&agent.ValidationError{}) {
		t.Fatal("expected validation errors to be permanent")
	}
	if !IsPermanent(&llm.ProviderError{Kind: llm.KindInvalidRequest}) {
		t.Fatal("expected invalid request to be permanent")
	}
	if IsPermanent(&llm.ProviderError{Kind: llm.KindTimeout}) {
		t.Fatal("timeouts are retryable")
	}
}
