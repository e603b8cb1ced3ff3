package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Strob0t/ContentForge/internal/domain/llm"
	portllm "github.com/Strob0t/ContentForge/internal/port/llm"
)

func newTestProvider(t *testing.T, h http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	p, err := New(portllm.Config{
		APIKey:  "gk",
		BaseURL: srv.URL,
		Prices:  map[string]portllm.Price{"gemini-test": {Prompt: 0.5, Completion: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestGenerateStructured(t *testing.T) {
	var got generateRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-test:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "gk" {
			t.Error("missing api key header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"trends\":[]}"}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":2000,"candidatesTokenCount":1000,"totalTokenCount":3000}}`))
	})

	resp, err := p.GenerateStructured(context.Background(), llm.Request{
		Model: "gemini-test", System: "be brief", Prompt: "trends", Params: llm.Parameters{Temperature: 0.3},
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Structured) != `{"trends":[]}` {
		t.Errorf("structured = %s", resp.Structured)
	}
	if resp.CostUSD != 2 {
		t.Errorf("cost = %v, want 2", resp.CostUSD)
	}
	if got.GenerationConfig.ResponseMIMEType != "application/json" {
		t.Errorf("mime = %q", got.GenerationConfig.ResponseMIMEType)
	}
	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "be brief" {
		t.Errorf("system instruction = %+v", got.SystemInstruction)
	}
	if got.GenerationConfig.Temperature == nil || *got.GenerationConfig.Temperature != 0.3 {
		t.Errorf("temperature = %v", got.GenerationConfig.Temperature)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   llm.ErrorKind
	}{
		{"exhausted", 429, `{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`, llm.KindRateLimited},
		{"invalid", 400, `{"error":{"code":400,"message":"bad","status":"INVALID_ARGUMENT"}}`, llm.KindInvalidRequest},
		{"unavailable", 503, `{"error":{"code":503,"message":"down","status":"UNAVAILABLE"}}`, llm.KindProviderUnavailable},
		{"deadline", 504, `{"error":{"code":504,"message":"slow","status":"DEADLINE_EXCEEDED"}}`, llm.KindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := p.GenerateText(context.Background(), llm.Request{Model: "gemini-test", Prompt: "x"})
			if got := llm.KindOf(err); got != tt.want {
				t.Errorf("kind = %q, want %q (err: %v)", got, tt.want, err)
			}
		})
	}
}

func TestSafetyBlockIsInvalidRequest(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`))
	})
	_, err := p.GenerateText(context.Background(), llm.Request{Model: "gemini-test", Prompt: "x"})
	if llm.KindOf(err) != llm.KindInvalidRequest {
		t.Errorf("kind = %q", llm.KindOf(err))
	}
}
