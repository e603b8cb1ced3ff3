package messagequeue

import "github.com/Strob0t/ContentForge/internal/domain/failure"

// JobEventPayload is the schema for jobs.* messages.
type JobEventPayload struct {
	JobID        string          `json:"job_id"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	OwnerUserID  string          `json:"owner_user_id,omitempty"`
	Error        *failure.Record `json:"error,omitempty"`
}

// RunStepPayload is the schema for runs.step messages.
type RunStepPayload struct {
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id"`
	Agent     string          `json:"agent"`
	Status    string          `json:"status"`
	ModelUsed string          `json:"model_used,omitempty"`
	Error     *failure.Record `json:"error,omitempty"`
}

// RunCompletedPayload is the schema for runs.completed messages.
type RunCompletedPayload struct {
	RunID            string          `json:"run_id"`
	OwnerUserID      string          `json:"owner_user_id"`
	TemplateID       string          `json:"template_id"`
	Status           string          `json:"status"`
	TokensUsed       int             `json:"tokens_used"`
	CostUSD          float64         `json:"cost_usd"`
	CompletionTimeMS int64           `json:"completion_time_ms"`
	Error            *failure.Record `json:"error,omitempty"`
}
