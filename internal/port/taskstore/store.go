// Package taskstore defines the durable record store for jobs and
// pipeline runs. It is the source of truth for status queries.
package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Strob0t/ContentForge/internal/domain/failure"
	"github.com/Strob0t/ContentForge/internal/domain/job"
	"github.com/Strob0t/ContentForge/internal/domain/pipeline"
)

// ErrJobTerminal is returned by StartAttempt when the job already finished,
// failed or was cancelled.
var ErrJobTerminal = errors.New("job is terminal")

// ErrAttemptsExhausted is returned by StartAttempt when the job used all
// of its attempts; the store has marked it failed.
var ErrAttemptsExhausted = errors.New("job attempts exhausted")

// JobStore persists job records. Every write that finishes an attempt is
// conditioned on the lease token set by StartAttempt and returns
// domain.ErrConflict when another worker owns the job.
type JobStore interface {
	// CreateJob inserts j. Dedup keys are scoped to j.OwnerUserID: when the
	// same owner already holds j.DedupKey, that job is returned with
	// existed == true.
	CreateJob(ctx context.Context, j *job.Job) (stored *job.Job, existed bool, err error)
	GetJob(ctx context.Context, id string) (*job.Job, error)
	GetJobByDedupKey(ctx context.Context, owner, key string) (*job.Job, error)

	// StartAttempt takes running ownership of the job with token and
	// increments attempt_count.
	StartAttempt(ctx context.Context, id, token string, now time.Time) (*job.Job, error)
	CompleteJob(ctx context.Context, id, token string, result json.RawMessage, now time.Time) error
	RetryJob(ctx context.Context, id, token string, rec failure.Record, nextAt, now time.Time) error
	FailJob(ctx context.Context, id, token string, rec failure.Record, now time.Time) error

	// CancelJob flags the job. Queued and retrying jobs become cancelled at
	// once; a started job keeps running until its handler notices.
	CancelJob(ctx context.Context, id string, now time.Time) (*job.Job, error)
	ListJobs(ctx context.Context, f job.ListFilter) ([]job.Job, error)
	DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RunStore persists pipeline runs with per-step results.
type RunStore interface {
	CreateRun(ctx context.Context, r *pipeline.Run) error
	GetRun(ctx context.Context, id string) (*pipeline.Run, error)

	// SaveStep persists a single step at index idx without touching the
	// other steps, so concurrent steps never overwrite each other.
	SaveStep(ctx context.Context, runID string, idx int, s *pipeline.Step) error

	// UpdateRun persists run-level fields (status, error, totals,
	// timestamps). It never clears cancel_requested.
	UpdateRun(ctx context.Context, r *pipeline.Run) error

	// RequestRunCancel sets cancel_requested and returns the updated run.
	RequestRunCancel(ctx context.Context, id string) (*pipeline.Run, error)
	ListRuns(ctx context.Context, ownerUserID string, limit int) ([]pipeline.Run, error)
	DeleteTerminalRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the full task record store.
type Store interface {
	JobStore
	RunStore
}
