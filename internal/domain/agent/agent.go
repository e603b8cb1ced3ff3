// Package agent defines agent definitions, their structured output and
// the agent error types.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Strob0t/ContentForge/internal/domain/llm"
	"github.com/Strob0t/ContentForge/internal/resilience"
)

// Kind names the responsibility of an agent.
type Kind string

const (
	KindIdeation      Kind = "ideation"
	KindScripting     Kind = "scripting"
	KindEditing       Kind = "editing"
	KindResearch      Kind = "research"
	KindSummarization Kind = "summarization"
	KindTranslation   Kind = "translation"
	KindCalendar      Kind = "calendar"
	KindTrendResearch Kind = "trend_research"
)

// Definition is the stateless description of an agent. Many concurrent
// invocations share one definition.
type Definition struct {
	Name          string            `json:"name" yaml:"name"`
	Kind          Kind              `json:"kind" yaml:"kind"`
	Description   string            `json:"description,omitempty" yaml:"description,omitempty"`
	InputSchema   json.RawMessage   `json:"input_schema,omitempty" yaml:"-"`
	OutputSchema  json.RawMessage   `json:"output_schema,omitempty" yaml:"-"`
	AllowedModels []llm.ModelChoice `json:"allowed_models,omitempty" yaml:"allowed_models,omitempty"`
	Preference    llm.Preference    `json:"preference,omitempty" yaml:"preference,omitempty"`
	CacheTTL      time.Duration     `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`
	Timeout       time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry         resilience.Policy `json:"retry_policy" yaml:"retry_policy"`
	Temperature   float64           `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens     int               `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// Output is the structured result of one agent run.
type Output struct {
	Data      json.RawMessage `json:"data"`
	ModelUsed string          `json:"model_used,omitempty"`
	Usage     llm.Usage       `json:"usage"`
	CostUSD   float64         `json:"cost_usd,omitempty"`
	Cached    bool            `json:"cached,omitempty"`
	Attempts  int             `json:"attempts,omitempty"`
}

// ErrAgentTimeout marks an agent run that exceeded its own deadline, as
// opposed to a single model call timing out.
var ErrAgentTimeout = errors.New("agent timeout")

// ValidationError reports input or output that does not match a schema.
type ValidationError struct {
	Agent  string
	Stage  string // "input" or "output"
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("agent %s: %s validation failed: %s", e.Agent, e.Stage, e.Reason)
}

// FailureError wraps the error that made an agent give up: exhausted
// retries, exhausted models or an output that failed validation.
type FailureError struct {
	Agent     string
	ModelUsed string
	Attempts  int
	Err       error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("agent %s failed after %d attempt(s): %v", e.Agent, e.Attempts, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }
