// Package openai implements the model provider port on the OpenAI chat
// completions API. Any OpenAI-compatible endpoint works through BaseURL.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/Strob0t/ContentForge/internal/domain/llm"
	portllm "github.com/Strob0t/ContentForge/internal/port/llm"
)

func init() {
	portllm.Register(llm.ProviderOpenAI, func(cfg portllm.Config) (portllm.Provider, error) {
		return New(cfg)
	})
}

// Provider calls the chat completions endpoint.
type Provider struct {
	client *goopenai.Client
	cfg    portllm.Config
}

// New creates an OpenAI provider.
func New(cfg portllm.Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	oc := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	} else if cfg.Timeout > 0 {
		oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Provider{client: goopenai.NewClientWithConfig(oc), cfg: cfg}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return llm.ProviderOpenAI }

// GenerateText implements llm.Provider.
func (p *Provider) GenerateText(ctx context.Context, req llm.Request) (llm.Response, error) {
	return p.complete(ctx, req, false)
}

// GenerateStructured implements llm.Provider using JSON object mode.
func (p *Provider) GenerateStructured(ctx context.Context, req llm.Request) (llm.Response, error) {
	return p.complete(ctx, req, true)
}

func (p *Provider) complete(ctx context.Context, req llm.Request, structured bool) (llm.Response, error) {
	creq := goopenai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages(req),
		Temperature: float32(req.Params.Temperature),
		TopP:        float32(req.Params.TopP),
		MaxTokens:   req.Params.MaxTokens,
		Stop:        req.Params.Stop,
	}
	if structured || req.Params.JSONMode {
		creq.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return llm.Response{}, classify(req.Model, err)
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, &llm.ProviderError{
			Kind: llm.KindProviderUnavailable, Provider: llm.ProviderOpenAI, Model: req.Model,
			Err: errors.New("empty choices"),
		}
	}

	usage := llm.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	out := llm.Response{
		Text:      resp.Choices[0].Message.Content,
		Provider:  llm.ProviderOpenAI,
		ModelUsed: model,
		Latency:   time.Since(start),
		Usage:     usage,
		CostUSD:   p.cfg.Cost(req.Model, usage),
	}
	if structured {
		if !json.Valid([]byte(out.Text)) {
			return llm.Response{}, &llm.ProviderError{
				Kind: llm.KindProviderUnavailable, Provider: llm.ProviderOpenAI, Model: req.Model,
				Err: errors.New("model returned invalid JSON in json mode"),
			}
		}
		out.Structured = json.RawMessage(out.Text)
	}
	return out, nil
}

func messages(req llm.Request) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.System})
	}
	return append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: req.Prompt})
}

// classify maps go-openai errors onto the provider error taxonomy.
func classify(model string, err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		pe := llm.NewStatusError(llm.ProviderOpenAI, model, apiErr.HTTPStatusCode, nil, err)
		if code, ok := apiErr.Code.(string); ok && code == "insufficient_quota" {
			pe.Kind = llm.KindRateLimited
		}
		return pe
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return llm.NewStatusError(llm.ProviderOpenAI, model, reqErr.HTTPStatusCode, nil, err)
	}
	return llm.NewTransportError(llm.ProviderOpenAI, model, fmt.Errorf("chat completion: %w", err))
}
