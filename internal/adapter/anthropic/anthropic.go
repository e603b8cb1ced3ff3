// Package anthropic implements the model provider port on the Anthropic
// Messages REST API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Strob0t/ContentForge/internal/domain/llm"
	portllm "github.com/Strob0t/ContentForge/internal/port/llm"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 2048
	maxErrorBody     = 4 << 10
)

func init() {
	portllm.Register(llm.ProviderAnthropic, func(cfg portllm.Config) (portllm.Provider, error) {
		return New(cfg)
	})
}

// Provider calls POST /v1/messages.
type Provider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	cfg        portllm.Config
}

// New creates an Anthropic provider.
func New(cfg portllm.Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Provider{baseURL: base, apiKey: cfg.APIKey, httpClient: hc, cfg: cfg}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return llm.ProviderAnthropic }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model         string    `json:"model"`
	MaxTokens     int       `json:"max_tokens"`
	System        string    `json:"system,omitempty"`
	Messages      []message `json:"messages"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateText implements llm.Provider.
func (p *Provider) GenerateText(ctx context.Context, req llm.Request) (llm.Response, error) {
	return p.complete(ctx, req, false)
}

// GenerateStructured implements llm.Provider. The Messages API has no JSON
// mode, so the system prompt demands a bare JSON document and the reply is
// checked.
func (p *Provider) GenerateStructured(ctx context.Context, req llm.Request) (llm.Response, error) {
	return p.complete(ctx, req, true)
}

func (p *Provider) complete(ctx context.Context, req llm.Request, structured bool) (llm.Response, error) {
	body := messagesRequest{
		Model:         req.Model,
		MaxTokens:     req.Params.MaxTokens,
		System:        req.System,
		Messages:      []message{{Role: "user", Content: req.Prompt}},
		StopSequences: req.Params.Stop,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultMaxTokens
	}
	if req.Params.Temperature != 0 {
		t := req.Params.Temperature
		body.Temperature = &t
	}
	if req.Params.TopP != 0 {
		tp := req.Params.TopP
		body.TopP = &tp
	}
	if structured || req.Params.JSONMode {
		body.System = strings.TrimSpace(body.System + "\n\nRespond with a single JSON object and nothing else.")
	}

	start := time.Now()
	var resp messagesResponse
	if err := p.post(ctx, req.Model, "/v1/messages", body, &resp); err != nil {
		return llm.Response{}, err
	}

	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	usage := llm.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	out := llm.Response{
		Text:      text.String(),
		Provider:  llm.ProviderAnthropic,
		ModelUsed: model,
		Latency:   time.Since(start),
		Usage:     usage,
		CostUSD:   p.cfg.Cost(req.Model, usage),
	}
	if structured {
		doc := extractJSON(out.Text)
		if doc == "" {
			return llm.Response{}, &llm.ProviderError{
				Kind: llm.KindProviderUnavailable, Provider: llm.ProviderAnthropic, Model: req.Model,
				Err: errors.New("reply contained no JSON object"),
			}
		}
		out.Structured = json.RawMessage(doc)
	}
	return out, nil
}

func (p *Provider) post(ctx context.Context, model, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return &llm.ProviderError{Kind: llm.KindInvalidRequest, Provider: llm.ProviderAnthropic, Model: model, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &llm.ProviderError{Kind: llm.KindInvalidRequest, Provider: llm.ProviderAnthropic, Model: model, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return llm.NewTransportError(llm.ProviderAnthropic, model, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var er errorResponse
		msg := string(data)
		if json.Unmarshal(data, &er) == nil && er.Error.Message != "" {
			msg = er.Error.Type + ": " + er.Error.Message
		}
		pe := llm.NewStatusError(llm.ProviderAnthropic, model, resp.StatusCode, resp.Header, errors.New(msg))
		if er.Error.Type == "overloaded_error" {
			pe.Kind = llm.KindProviderUnavailable
		}
		return pe
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return llm.NewTransportError(llm.ProviderAnthropic, model, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// extractJSON returns the outermost JSON object or array in s, or "".
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if json.Valid([]byte(s)) {
		return s
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return ""
	}
	if doc := s[start : end+1]; json.Valid([]byte(doc)) {
		return doc
	}
	return ""
}
