// Package llm defines the provider-neutral model request/response types
// shared by the gateway, the response cache and the agents.
package llm

import (
	"encoding/json"
	"time"
)

// Capability selects between free-form text and JSON output.
type Capability string

const (
	CapabilityText       Capability = "generate_text"
	CapabilityStructured Capability = "generate_structured"
)

// Provider names of the supported backends.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
)

// Parameters are the sampling parameters sent with a request.
// Zero values mean "provider default" and are omitted from the fingerprint.
type Parameters struct {
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	JSONMode    bool     `json:"json_mode,omitempty"`
}

// RequesterContext identifies who issued a request. It is carried for
// logging and accounting only and never affects the fingerprint.
type RequesterContext struct {
	UserID string `json:"user_id,omitempty"`
	Agent  string `json:"agent,omitempty"`
	RunID  string `json:"run_id,omitempty"`
	StepID string `json:"step_id,omitempty"`
}

// Request is an immutable model invocation.
type Request struct {
	Provider    string           `json:"provider"`
	Model       string           `json:"model"`
	System      string           `json:"system,omitempty"`
	Prompt      string           `json:"prompt"`
	Params      Parameters       `json:"parameters"`
	Requester   RequesterContext `json:"requester_context"`
	BypassCache bool             `json:"bypass_cache,omitempty"`
}

// Usage holds token accounting for one response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the normalized result of a model call. Once stored in the
// response cache it is never mutated.
type Response struct {
	Fingerprint string          `json:"request_fingerprint"`
	Text        string          `json:"output_text"`
	Structured  json.RawMessage `json:"structured_payload,omitempty"`
	Provider    string          `json:"provider"`
	ModelUsed   string          `json:"model_used"`
	Latency     time.Duration   `json:"latency"`
	Usage       Usage           `json:"token_usage"`
	CostUSD     float64         `json:"cost_usd"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ModelChoice is one entry in an agent's ranked list of allowed models.
// Speed and Quality are relative ranks; higher is better.
type ModelChoice struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
	Speed    int    `json:"speed,omitempty" yaml:"speed,omitempty"`
	Quality  int    `json:"quality,omitempty" yaml:"quality,omitempty"`
}

// Preference selects how a ranked model list is ordered.
type Preference string

const (
	PreferBalanced Preference = "balanced"
	PreferSpeed    Preference = "speed"
	PreferQuality  Preference = "quality"
)

// Valid reports whether p is a known preference. The empty value is valid
// and means balanced.
func (p Preference) Valid() bool {
	switch p {
	case "", PreferBalanced, PreferSpeed, PreferQuality:
		return true
	}
	return false
}
