package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	cfotel "github.com/Strob0t/ContentForge/internal/adapter/otel"
	"github.com/Strob0t/ContentForge/internal/domain"
	"github.com/Strob0t/ContentForge/internal/domain/job"
	"github.com/Strob0t/ContentForge/internal/domain/pipeline"
	"github.com/Strob0t/ContentForge/internal/port/jobqueue"
	"github.com/Strob0t/ContentForge/internal/port/messagequeue"
	"github.com/Strob0t/ContentForge/internal/port/taskstore"
)

// EnqueueRequest describes a new background job.
type EnqueueRequest struct {
	Kind        job.Kind
	Payload     json.RawMessage
	DedupKey    string
	Priority    string // "low", "normal", "high"; empty picks the kind default
	MaxAttempts int
	Owner       string
}

// JobService submits, inspects and cancels background jobs.
type JobService struct {
	store       taskstore.JobStore
	queue       jobqueue.Queue
	composer    *Composer
	events      messagequeue.Queue
	metrics     *cfotel.Metrics
	maxAttempts int
	now         func() time.Time
	newID       func() string
}

// NewJobService creates a JobService. composer may be nil when pipeline
// jobs are not submitted through this instance.
func NewJobService(store taskstore.JobStore, queue jobqueue.Queue, composer *Composer, events messagequeue.Queue, metrics *cfotel.Metrics, maxAttempts int) *JobService {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &JobService{
		store:       store,
		queue:       queue,
		composer:    composer,
		events:      events,
		metrics:     metrics,
		maxAttempts: maxAttempts,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// Enqueue stores the job record and pushes it to the queue. When the same
// owner already holds the dedup key, that job is returned with
// existed == true and nothing is pushed. Other owners never see it.
func (s *JobService) Enqueue(ctx context.Context, req EnqueueRequest) (*job.Job, bool, error) {
	if err := validatePayload(req.Kind, req.Payload); err != nil {
		return nil, false, err
	}
	prio := job.DefaultPriority(req.Kind)
	if req.Priority != "" {
		p, err := job.ParsePriority(req.Priority)
		if err != nil {
			return nil, false, err
		}
		prio = p
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}

	now := s.now().UTC()
	j := &job.Job{
		ID:          s.newID(),
		Kind:        req.Kind,
		Payload:     req.Payload,
		DedupKey:    req.DedupKey,
		Priority:    prio,
		Status:      job.StatusQueued,
		MaxAttempts: maxAttempts,
		OwnerUserID: req.Owner,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	stored, existed, err := s.store.CreateJob(ctx, j)
	if err != nil {
		return nil, false, fmt.Errorf("create job: %w", err)
	}
	if existed {
		slog.InfoContext(ctx, "job deduplicated", "job_id", stored.ID, "dedup_key", req.DedupKey)
		return stored, true, nil
	}
	// A failed push leaves a queued record behind; the reaper pushes it again.
	if err := s.queue.Push(ctx, stored.ID, stored.Priority, now); err != nil {
		return nil, false, fmt.Errorf("push job %s: %w", stored.ID, err)
	}

	slog.InfoContext(ctx, "job enqueued", "job_id", stored.ID, "kind", stored.Kind, "priority", stored.Priority.String())
	s.metrics.JobEnqueued(ctx, string(stored.Kind))
	publish(ctx, s.events, messagequeue.SubjectJobEnqueued, jobEvent(stored))
	return stored, false, nil
}

// SubmitPipeline creates a run of templateID and enqueues its pipeline_run
// job. With a dedup key the first submission wins and later ones return
// its job and run.
func (s *JobService) SubmitPipeline(ctx context.Context, owner, templateID string, input json.RawMessage, dedupKey, priority string) (*pipeline.Run, *job.Job, bool, error) {
	if s.composer == nil {
		return nil, nil, false, errors.New("pipeline submission is not configured")
	}
	if dedupKey != "" {
		if j, err := s.store.GetJobByDedupKey(ctx, owner, dedupKey); err == nil {
			run, err := s.runOf(ctx, j)
			return run, j, true, err
		} else if !errors.Is(err, domain.ErrNotFound) {
			return nil, nil, false, err
		}
	}

	run, err := s.composer.CreateRun(ctx, owner, templateID, input)
	if err != nil {
		return nil, nil, false, err
	}
	payload, _ := json.Marshal(job.PipelinePayload{RunID: run.ID})
	j, existed, err := s.Enqueue(ctx, EnqueueRequest{
		Kind:     job.KindPipelineRun,
		Payload:  payload,
		DedupKey: dedupKey,
		Priority: priority,
		Owner:    owner,
	})
	if err != nil {
		return nil, nil, false, err
	}
	if existed {
		// Lost a dedup race: retire the run nobody will execute.
		if _, err := s.composer.Cancel(ctx, run.ID); err != nil {
			slog.WarnContext(ctx, "cancel orphaned run", "run_id", run.ID, "error", err)
		}
		run, err = s.runOf(ctx, j)
		return run, j, true, err
	}
	return run, j, false, nil
}

func (s *JobService) runOf(ctx context.Context, j *job.Job) (*pipeline.Run, error) {
	var p job.PipelinePayload
	if err := json.Unmarshal(j.Payload, &p); err != nil || p.RunID == "" {
		return nil, fmt.Errorf("job %s has no run: %w", j.ID, domain.ErrNotFound)
	}
	return s.composer.GetRun(ctx, p.RunID)
}

// PollStatus returns the current record of a job.
func (s *JobService) PollStatus(ctx context.Context, id string) (*job.Job, error) {
	return s.store.GetJob(ctx, id)
}

// List returns jobs matching f.
func (s *JobService) List(ctx context.Context, f job.ListFilter) ([]job.Job, error) {
	return s.store.ListJobs(ctx, f)
}

// Cancel requests cancellation of a job. Queued jobs are cancelled at once;
// a running pipeline job stops at its next step boundary.
func (s *JobService) Cancel(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.store.CancelJob(ctx, id, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if j.Kind == job.KindPipelineRun && s.composer != nil {
		var p job.PipelinePayload
		if json.Unmarshal(j.Payload, &p) == nil && p.RunID != "" {
			if _, err := s.composer.Cancel(ctx, p.RunID); err != nil && !errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("cancel run %s: %w", p.RunID, err)
			}
		}
	}
	if j.Status == job.StatusCancelled {
		publish(ctx, s.events, messagequeue.SubjectJobCancel, jobEvent(j))
	}
	slog.InfoContext(ctx, "job cancel requested", "job_id", id, "status", j.Status)
	return j, nil
}

func validatePayload(kind job.Kind, payload json.RawMessage) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown job kind %q: %w", kind, domain.ErrValidation)
	}
	switch kind {
	case job.KindPipelineRun:
		var p job.PipelinePayload
		if err := json.Unmarshal(payload, &p); err != nil || p.RunID == "" {
			return fmt.Errorf("pipeline_run payload needs run_id: %w", domain.ErrValidation)
		}
	case job.KindMediaTask:
		var p job.MediaPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("media_task payload: %w", domain.ErrValidation)
		}
		return p.Validate()
	case job.KindCrawlTask:
		var p job.CrawlPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.URL == "" {
			return fmt.Errorf("crawl_task payload needs url: %w", domain.ErrValidation)
		}
	}
	return nil
}

func jobEvent(j *job.Job) messagequeue.JobEventPayload {
	return messagequeue.JobEventPayload{
		JobID:        j.ID,
		Kind:         string(j.Kind),
		Status:       string(j.Status),
		AttemptCount: j.AttemptCount,
		MaxAttempts:  j.MaxAttempts,
		OwnerUserID:  j.OwnerUserID,
		Error:        j.Error,
	}
}
