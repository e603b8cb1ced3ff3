// Package job defines the background job record and its lifecycle.
package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/ContentForge/internal/domain"
	"github.com/Strob0t/ContentForge/internal/domain/failure"
)

// Kind selects the handler that executes a job.
type Kind string

const (
	KindPipelineRun Kind = "pipeline_run"
	KindMediaTask   Kind = "media_task"
	KindCrawlTask   Kind = "crawl_task"
)

// Valid reports whether k is a known job kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPipelineRun, KindMediaTask, KindCrawlTask:
		return true
	}
	return false
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusStarted   Status = "started"
	StatusRetrying  Status = "retrying"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the job will not run again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority orders claims; higher priorities are claimed first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// Priorities lists all levels, highest first.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	}
	return "normal"
}

// ParsePriority accepts "low", "normal", "high" and "" (normal).
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q: %w", s, domain.ErrValidation)
}

// MarshalJSON renders the priority by name.
func (p Priority) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }

// UnmarshalJSON accepts the priority name.
func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// DefaultPriority returns the priority used when the caller does not set one.
// Media work is tied to posting deadlines and outranks text generation.
func DefaultPriority(k Kind) Priority {
	if k == KindMediaTask {
		return PriorityHigh
	}
	return PriorityNormal
}

// Job is the durable record of one background unit of work. It carries
// reference data only (for example a run id); business state lives with
// the referenced entity.
type Job struct {
	ID              string          `json:"job_id"`
	Kind            Kind            `json:"kind"`
	Payload         json.RawMessage `json:"payload"`
	DedupKey        string          `json:"dedup_key,omitempty"`
	Priority        Priority        `json:"priority"`
	Status          Status          `json:"status"`
	AttemptCount    int             `json:"attempt_count"`
	MaxAttempts     int             `json:"max_attempts"`
	LeaseToken      string          `json:"-"`
	OwnerUserID     string          `json:"owner_user_id,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *failure.Record `json:"error,omitempty"`
	EnqueuedAt      time.Time       `json:"enqueued_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	NextAttemptAt   *time.Time      `json:"next_attempt_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// AttemptsLeft reports whether another attempt may start.
func (j *Job) AttemptsLeft() bool {
	return j.AttemptCount < j.MaxAttempts
}

// PipelinePayload references the run executed by a pipeline_run job.
type PipelinePayload struct {
	RunID string `json:"run_id"`
}

// CrawlPayload is the payload of a crawl_task job.
type CrawlPayload struct {
	URL string `json:"url"`
}

// MediaPayload is the payload of a media_task job.
type MediaPayload struct {
	VideoID         string  `json:"video_id"`
	SourceURL       string  `json:"source_url"`
	Format          string  `json:"format,omitempty"`
	StartSeconds    float64 `json:"start_seconds,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
}

// Validate checks the required media fields.
func (p MediaPayload) Validate() error {
	if p.VideoID == "" {
		return fmt.Errorf("video_id is required: %w", domain.ErrValidation)
	}
	if p.SourceURL == "" {
		return fmt.Errorf("source_url is required: %w", domain.ErrValidation)
	}
	if p.StartSeconds < 0 || p.DurationSeconds < 0 || p.Width < 0 || p.Height < 0 {
		return fmt.Errorf("negative media parameters: %w", domain.ErrValidation)
	}
	return nil
}

// ListFilter narrows ListJobs.
type ListFilter struct {
	OwnerUserID string
	Status      Status
	Kind        Kind
	Limit       int
	// OldestFirst orders by enqueue time ascending instead of newest first.
	// After, when set, resumes an oldest-first listing past that position.
	OldestFirst bool
	After       *Cursor
}

// Cursor is a position in an oldest-first job listing.
type Cursor struct {
	EnqueuedAt time.Time
	ID         string
}

// CursorOf returns the listing position of j.
func CursorOf(j *Job) *Cursor {
	return &Cursor{EnqueuedAt: j.EnqueuedAt, ID: j.ID}
}

// Before reports whether j sorts before c in an oldest-first listing.
func (c *Cursor) Before(j *Job) bool {
	if j.EnqueuedAt.Equal(c.EnqueuedAt) {
		return c.ID < j.ID
	}
	return c.EnqueuedAt.Before(j.EnqueuedAt)
}
