// Package gemini implements the model provider port on the Google Gemini
// generateContent REST API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Strob0t/ContentForge/internal/domain/llm"
	portllm "github.com/Strob0t/ContentForge/internal/port/llm"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	maxErrorBody   = 4 << 10
)

func init() {
	portllm.Register(llm.ProviderGoogle, func(cfg portllm.Config) (portllm.Provider, error) {
		return New(cfg)
	})
}

// Provider calls POST /v1beta/models/{model}:generateContent.
type Provider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	cfg        portllm.Config
}

// New creates a Gemini provider.
func New(cfg portllm.Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: api key is required")
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
func (p *Provider) Name() string { return llm.ProviderGoogle }

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	ResponseMIMEType string   `json:"responseMimeType,omitempty"`
}

type generateRequest struct {
	Contents          []content        `json:"contents"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// GenerateText implements llm.Provider.
func (p *Provider) GenerateText(ctx context.Context, req llm.Request) (llm.Response, error) {
	return p.generate(ctx, req, false)
}

// GenerateStructured implements llm.Provider with responseMimeType JSON.
func (p *Provider) GenerateStructured(ctx context.Context, req llm.Request) (llm.Response, error) {
	return p.generate(ctx, req, true)
}

func (p *Provider) generate(ctx context.Context, req llm.Request, structured bool) (llm.Response, error) {
	body := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: req.Prompt}}}},
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.Params.MaxTokens,
			StopSequences:   req.Params.Stop,
		},
	}
	if req.System != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: req.System}}}
	}
	if req.Params.Temperature != 0 {
		t := req.Params.Temperature
		body.GenerationConfig.Temperature = &t
	}
	if req.Params.TopP != 0 {
		tp := req.Params.TopP
		body.GenerationConfig.TopP = &tp
	}
	if structured || req.Params.JSONMode {
		body.GenerationConfig.ResponseMIMEType = "application/json"
	}

	start := time.Now()
	var resp generateResponse
	path := "/v1beta/models/" + url.PathEscape(req.Model) + ":generateContent"
	if err := p.post(ctx, req.Model, path, body, &resp); err != nil {
		return llm.Response{}, err
	}
	if len(resp.Candidates) == 0 {
		return llm.Response{}, &llm.ProviderError{
			Kind: llm.KindProviderUnavailable, Provider: llm.ProviderGoogle, Model: req.Model,
			Err: errors.New("no candidates returned"),
		}
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == "SAFETY" {
		return llm.Response{}, &llm.ProviderError{
			Kind: llm.KindInvalidRequest, Provider: llm.ProviderGoogle, Model: req.Model,
			Err: errors.New("response blocked by safety filter"),
		}
	}
	var text strings.Builder
	for _, pt := range cand.Content.Parts {
		text.WriteString(pt.Text)
	}

	usage := llm.Usage{
		PromptTokens:     resp.UsageMetadata.PromptTokenCount,
		CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      resp.UsageMetadata.TotalTokenCount,
	}
	model := resp.ModelVersion
	if model == "" {
		model = req.Model
	}
	out := llm.Response{
		Text:      text.String(),
		Provider:  llm.ProviderGoogle,
		ModelUsed: model,
		Latency:   time.Since(start),
		Usage:     usage,
		CostUSD:   p.cfg.Cost(req.Model, usage),
	}
	if structured {
		if !json.Valid([]byte(out.Text)) {
			return llm.Response{}, &llm.ProviderError{
				Kind: llm.KindProviderUnavailable, Provider: llm.ProviderGoogle, Model: req.Model,
				Err: errors.New("model returned invalid JSON"),
			}
		}
		out.Structured = json.RawMessage(out.Text)
	}
	return out, nil
}

func (p *Provider) post(ctx context.Context, model, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return &llm.ProviderError{Kind: llm.KindInvalidRequest, Provider: llm.ProviderGoogle, Model: model, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &llm.ProviderError{Kind: llm.KindInvalidRequest, Provider: llm.ProviderGoogle, Model: model, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return llm.NewTransportError(llm.ProviderGoogle, model, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var er errorResponse
		msg := string(data)
		if json.Unmarshal(data, &er) == nil && er.Error.Message != "" {
			msg = er.Error.Status + ": " + er.Error.Message
		}
		pe := llm.NewStatusError(llm.ProviderGoogle, model, resp.StatusCode, resp.Header, errors.New(msg))
		if er.Error.Status == "RESOURCE_EXHAUSTED" {
			pe.Kind = llm.KindRateLimited
		}
		return pe
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return llm.NewTransportError(llm.ProviderGoogle, model, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
