// Package llm defines the model provider port and its registry.
package llm

import (
	"context"
	"net/http"
	"time"

	"github.com/Strob0t/ContentForge/internal/domain/llm"
)

// Provider is one model backend. Implementations must return
// *llm.ProviderError for every failure so callers can classify it.
type Provider interface {
	// Name returns the provider name used in ModelChoice.Provider.
	Name() string

	// GenerateText returns free-form text.
	GenerateText(ctx context.Context, req llm.Request) (llm.Response, error)

	// GenerateStructured asks the model for a JSON document and returns
	// it in Response.Structured.
	GenerateStructured(ctx context.Context, req llm.Request) (llm.Response, error)
}

// Config is the provider-independent construction input.
type Config struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	// Prices maps a model to its USD price per 1K prompt and completion tokens.
	Prices map[string]Price
}

// Price is a per-1K-token price pair.
type Price struct {
	Prompt     float64 `yaml:"prompt"`
	Completion float64 `yaml:"completion"`
}

// Cost returns the USD cost of usage under prices for model.
func (c Config) Cost(model string, u llm.Usage) float64 {
	p, ok := c.Prices[model]
	if !ok {
		return 0
	}
	return float64(u.PromptTokens)/1000*p.Prompt + float64(u.CompletionTokens)/1000*p.Completion
}
