package openai

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
		APIKey:  "sk-test",
		BaseURL: srv.URL + "/v1",
		Prices:  map[string]portllm.Price{"gpt-test": {Prompt: 1, Completion: 2}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestGenerateStructured(t *testing.T) {
	var got map[string]any
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("auth = %q", auth)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"c1","object":"chat.completion","model":"gpt-test",
			"choices":[{"index":0,"message":{"role":"assistant","content":"{\"ideas\":[\"a\"]}"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":1000,"completion_tokens":500,"total_tokens":1500}}`))
	})

	resp, err := p.GenerateStructured(context.Background(), llm.Request{
		Provider: "openai", Model: "gpt-test", System: "sys", Prompt: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Structured) != `{"ideas":["a"]}` {
		t.Errorf("structured = %s", resp.Structured)
	}
	if resp.Usage.TotalTokens != 1500 {
		t.Errorf("tokens = %d", resp.Usage.TotalTokens)
	}
	if resp.CostUSD != 2 {
		t.Errorf("cost = %v, want 2", resp.CostUSD)
	}
	rf, _ := got["response_format"].(map[string]any)
	if rf["type"] != "json_object" {
		t.Errorf("response_format = %v", got["response_format"])
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 2 {
		t.Errorf("messages = %d, want 2", len(msgs))
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   llm.ErrorKind
	}{
		{"rate limited", 429, `{"error":{"message":"slow down","type":"rate_limit"}}`, llm.KindRateLimited},
		{"quota", 403, `{"error":{"message":"quota","code":"insufficient_quota"}}`, llm.KindRateLimited},
		{"bad request", 400, `{"error":{"message":"bad"}}`, llm.KindInvalidRequest},
		{"unauthorized", 401, `{"error":{"message":"key"}}`, llm.KindInvalidRequest},
		{"server error", 503, `{"error":{"message":"down"}}`, llm.KindProviderUnavailable},
		{"gateway timeout", 504, `{"error":{"message":"slow"}}`, llm.KindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := p.GenerateText(context.Background(), llm.Request{Model: "gpt-test", Prompt: "x"})
			if got := llm.KindOf(err); got != tt.want {
				t.Errorf("kind = %q, want %q (err: %v)", got, tt.want, err)
			}
		})
	}
}

func TestTransportError(t *testing.T) {
	p, err := New(portllm.Config{APIKey: "k", BaseURL: "http://127.0.0.1:1/v1"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.GenerateText(context.Background(), llm.Request{Model: "m", Prompt: "x"})
	if llm.KindOf(err) != llm.KindProviderUnavailable {
		t.Errorf("kind = %q, want provider_unavailable", llm.KindOf(err))
	}
}

func TestRegistered(t *testing.T) {
	if _, err := portllm.New(llm.ProviderOpenAI, portllm.Config{APIKey: "k"}); err != nil {
		t.Fatal(err)
	}
}
