package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Strob0t/ContentForge/internal/domain/failure"
)

// ErrInvalidTransition is returned when a step would move backwards.
var ErrInvalidTransition = errors.New("invalid step status transition")

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunPending         RunStatus = "pending"
	RunRunning         RunStatus = "running"
	RunCompleted       RunStatus = "completed"
	RunPartiallyFailed RunStatus = "partially_failed"
	RunFailed          RunStatus = "failed"
	RunCancelled       RunStatus = "cancelled"
)

// IsTerminal returns true if the run reached a final state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunPartiallyFailed, RunFailed, RunCancelled:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of one step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// IsTerminal returns true if the step is in a final state.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a forward move.
func (s StepStatus) CanTransition(next StepStatus) bool {
	switch s {
	case StepPending:
		return next == StepRunning || next == StepSkipped
	case StepRunning:
		return next == StepSucceeded || next == StepFailed || next == StepSkipped
	}
	return false
}

// Step is the runtime state of one template step within a run.
type Step struct {
	ID         string            `json:"step_id"`
	Agent      string            `json:"agent_name"`
	Inputs     map[string]string `json:"input_binding,omitempty"`
	DependsOn  []string          `json:"depends_on,omitempty"`
	Required   bool              `json:"required"`
	Status     StepStatus        `json:"status"`
	Output     json.RawMessage   `json:"output,omitempty"`
	Error      *failure.Record   `json:"error,omitempty"`
	ModelUsed  string            `json:"model_used,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	Cached     bool              `json:"cached,omitempty"`
	TokensUsed int               `json:"tokens_used,omitempty"`
	CostUSD    float64           `json:"cost_usd,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// Transition moves the step forward to next, stamping timestamps.
func (s *Step) Transition(next StepStatus, now time.Time) error {
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("step %s %s -> %s: %w", s.ID, s.Status, next, ErrInvalidTransition)
	}
	s.Status = next
	switch next {
	case StepRunning:
		s.StartedAt = &now
	default:
		s.FinishedAt = &now
	}
	return nil
}

// Run is one execution of a template for one request.
type Run struct {
	ID               string          `json:"run_id"`
	OwnerUserID      string          `json:"owner_user_id"`
	TemplateID       string          `json:"template_id"`
	Input            json.RawMessage `json:"input"`
	Status           RunStatus       `json:"overall_status"`
	CancelRequested  bool            `json:"cancel_requested"`
	MaxParallel      int             `json:"max_parallel,omitempty"`
	Steps            []Step          `json:"steps"`
	Error            *failure.Record `json:"error,omitempty"`
	TokensUsed       int             `json:"tokens_used"`
	CostUSD          float64         `json:"cost_usd"`
	CompletionTimeMS int64           `json:"completion_time_ms,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewRun instantiates a pending run from a validated template.
func NewRun(id, owner string, t *Template, input json.RawMessage, now time.Time) *Run {
	deps := t.Dependencies()
	steps := make([]Step, len(t.Steps))
	for i, s := range t.Steps {
		steps[i] = Step{
			ID:        s.ID,
			Agent:     s.Agent,
			Inputs:    s.Inputs,
			DependsOn: deps[s.ID],
			Required:  !s.Optional,
			Status:    StepPending,
		}
	}
	return &Run{
		ID:          id,
		OwnerUserID: owner,
		TemplateID:  t.ID,
		Input:       input,
		Status:      RunPending,
		MaxParallel: t.MaxParallel,
		Steps:       steps,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Step returns the step with the given id, or nil.
func (r *Run) Step(id string) *Step {
	for i := range r.Steps {
		if r.Steps[i].ID == id {
			return &r.Steps[i]
		}
	}
	return nil
}

// Outputs returns the outputs of all succeeded steps keyed by step id.
func (r *Run) Outputs() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for i := range r.Steps {
		if r.Steps[i].Status == StepSucceeded {
			out[r.Steps[i].ID] = r.Steps[i].Output
		}
	}
	return out
}
