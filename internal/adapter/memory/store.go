package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Strob0t/ContentForge/internal/domain"
	"github.com/Strob0t/ContentForge/internal/domain/failure"
	"github.com/Strob0t/ContentForge/internal/domain/job"
	"github.com/Strob0t/ContentForge/internal/domain/pipeline"
	"github.com/Strob0t/ContentForge/internal/port/taskstore"
)

// Store is a process-local taskstore.Store. Records are copied on every
// read and write so callers never share state with the store.
type Store struct {
	mu    sync.RWMutex
	jobs  map[string]*job.Job
	dedup map[string]string
	runs  map[string]*pipeline.Run
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		jobs:  make(map[string]*job.Job),
		dedup: make(map[string]string),
		runs:  make(map[string]*pipeline.Run),
	}
}

var _ taskstore.Store = (*Store)(nil)

// --- Jobs ---

// CreateJob inserts j or returns the job already holding its dedup key.
func (s *Store) CreateJob(_ context.Context, j *job.Job) (*job.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dk := dedupIndex(j.OwnerUserID, j.DedupKey)
	if j.DedupKey != "" {
		if id, ok := s.dedup[dk]; ok {
			return cloneJob(s.jobs[id]), true, nil
		}
	}
	if _, ok := s.jobs[j.ID]; ok {
		return nil, false, fmt.Errorf("job %s: %w", j.ID, domain.ErrConflict)
	}
	s.jobs[j.ID] = cloneJob(j)
	if j.DedupKey != "" {
		s.dedup[dk] = j.ID
	}
	return cloneJob(j), false, nil
}

// GetJob returns the job with id.
func (s *Store) GetJob(_ context.Context, id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return cloneJob(j), nil
}

// GetJobByDedupKey returns the job owner holds under key.
func (s *Store) GetJobByDedupKey(ctx context.Context, owner, key string) (*job.Job, error) {
	s.mu.RLock()
	id, ok := s.dedup[dedupIndex(owner, key)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("job with dedup key %s: %w", key, domain.ErrNotFound)
	}
	return s.GetJob(ctx, id)
}

// StartAttempt claims the job for token and counts the attempt.
func (s *Store) StartAttempt(_ context.Context, id, token string, now time.Time) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if j.Status.IsTerminal() {
		return cloneJob(j), taskstore.ErrJobTerminal
	}
	if !j.AttemptsLeft() {
		rec := failure.Record{
			Kind:    failure.KindJobExpired,
			Message: fmt.Sprintf("no attempts left after %d of %d", j.AttemptCount, j.MaxAttempts),
		}
		j.Status = job.StatusFailed
		j.Error = &rec
		j.LeaseToken = ""
		j.FinishedAt = &now
		j.UpdatedAt = now
		return cloneJob(j), taskstore.ErrAttemptsExhausted
	}
	j.Status = job.StatusStarted
	j.AttemptCount++
	j.LeaseToken = token
	j.NextAttemptAt = nil
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.UpdatedAt = now
	return cloneJob(j), nil
}

// owned returns the job if token holds its running attempt.
func (s *Store) owned(id, token string) (*job.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if j.Status != job.StatusStarted || j.LeaseToken != token {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrConflict)
	}
	return j, nil
}

// CompleteJob marks the job finished.
func (s *Store) CompleteJob(_ context.Context, id, token string, result json.RawMessage, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(id, token)
	if err != nil {
		return err
	}
	j.Status = job.StatusFinished
	j.Result = append(json.RawMessage(nil), result...)
	j.Error = nil
	j.LeaseToken = ""
	j.FinishedAt = &now
	j.UpdatedAt = now
	return nil
}

// RetryJob records a failed attempt that will be retried at nextAt.
func (s *Store) RetryJob(_ context.Context, id, token string, rec failure.Record, nextAt, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(id, token)
	if err != nil {
		return err
	}
	j.Status = job.StatusRetrying
	j.Error = &rec
	j.LeaseToken = ""
	j.NextAttemptAt = &nextAt
	j.UpdatedAt = now
	return nil
}

// FailJob marks the job failed for good.
func (s *Store) FailJob(_ context.Context, id, token string, rec failure.Record, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(id, token)
	if err != nil {
		return err
	}
	j.Status = job.StatusFailed
	if rec.Kind == failure.KindCancelled {
		j.Status = job.StatusCancelled
	}
	j.Error = &rec
	j.LeaseToken = ""
	j.FinishedAt = &now
	j.UpdatedAt = now
	return nil
}

// CancelJob flags the job and cancels it at once unless it is running.
func (s *Store) CancelJob(_ context.Context, id string, now time.Time) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if j.Status.IsTerminal() {
		return cloneJob(j), nil
	}
	j.CancelRequested = true
	if j.Status == job.StatusQueued || j.Status == job.StatusRetrying {
		j.Status = job.StatusCancelled
		j.Error = &failure.Record{Kind: failure.KindCancelled, Message: "cancelled before start"}
		j.FinishedAt = &now
		j.NextAttemptAt = nil
	}
	j.UpdatedAt = now
	return cloneJob(j), nil
}

// ListJobs returns matching jobs, newest first.
func (s *Store) ListJobs(_ context.Context, f job.ListFilter) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]job.Job, 0)
	for _, j := range s.jobs {
		if f.OwnerUserID != "" && j.OwnerUserID != f.OwnerUserID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Kind != "" && j.Kind != f.Kind {
			continue
		}
		if f.OldestFirst && f.After != nil && !f.After.Before(j) {
			continue
		}
		out = append(out, *cloneJob(j))
	}
	sort.Slice(out, func(a, b int) bool {
		x, y := &out[a], &out[b]
		if f.OldestFirst {
			x, y = y, x
		}
		if x.EnqueuedAt.Equal(y.EnqueuedAt) {
			return x.ID > y.ID
		}
		return x.EnqueuedAt.After(y.EnqueuedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// DeleteTerminalJobsBefore drops terminal jobs finished before cutoff.
func (s *Store) DeleteTerminalJobsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.Status.IsTerminal() && j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			if j.DedupKey != "" {
				delete(s.dedup, dedupIndex(j.OwnerUserID, j.DedupKey))
			}
			n++
		}
	}
	return n, nil
}

// --- Runs ---

// CreateRun inserts r.
func (s *Store) CreateRun(_ context.Context, r *pipeline.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return fmt.Errorf("run %s: %w", r.ID, domain.ErrConflict)
	}
	s.runs[r.ID] = cloneRun(r)
	return nil
}

// GetRun returns the run with id.
func (s *Store) GetRun(_ context.Context, id string) (*pipeline.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return cloneRun(r), nil
}

// SaveStep replaces step idx of the run.
func (s *Store) SaveStep(_ context.Context, runID string, idx int, st *pipeline.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	if idx < 0 || idx >= len(r.Steps) || r.Steps[idx].ID != st.ID {
		return fmt.Errorf("run %s step %d (%s): %w", runID, idx, st.ID, domain.ErrNotFound)
	}
	r.Steps[idx] = cloneStep(*st)
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateRun stores run-level fields and keeps the stored steps and cancel flag.
func (s *Store) UpdateRun(_ context.Context, r *pipeline.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.runs[r.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", r.ID, domain.ErrNotFound)
	}
	cur.Status = r.Status
	cur.Error = cloneRecord(r.Error)
	cur.TokensUsed = r.TokensUsed
	cur.CostUSD = r.CostUSD
	cur.CompletionTimeMS = r.CompletionTimeMS
	cur.StartedAt = cloneTime(r.StartedAt)
	cur.FinishedAt = cloneTime(r.FinishedAt)
	cur.CancelRequested = cur.CancelRequested || r.CancelRequested
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

// RequestRunCancel sets the cancel flag.
func (s *Store) RequestRunCancel(_ context.Context, id string) (*pipeline.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	if !r.Status.IsTerminal() {
		r.CancelRequested = true
		r.UpdatedAt = time.Now().UTC()
	}
	return cloneRun(r), nil
}

// ListRuns returns the owner's runs, newest first.
func (s *Store) ListRuns(_ context.Context, owner string, limit int) ([]pipeline.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.Run, 0)
	for _, r := range s.runs {
		if owner != "" && r.OwnerUserID != owner {
			continue
		}
		out = append(out, *cloneRun(r))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteTerminalRunsBefore drops terminal runs finished before cutoff.
func (s *Store) DeleteTerminalRunsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.runs {
		if r.Status.IsTerminal() && r.FinishedAt != nil && r.FinishedAt.Before(cutoff) {
			delete(s.runs, id)
			n++
		}
	}
	return n, nil
}

// --- copies ---

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneRecord(r *failure.Record) *failure.Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

func cloneJob(j *job.Job) *job.Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	c.Result = append(json.RawMessage(nil), j.Result...)
	if len(j.Result) == 0 {
		c.Result = nil
	}
	c.Error = cloneRecord(j.Error)
	c.StartedAt = cloneTime(j.StartedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	c.NextAttemptAt = cloneTime(j.NextAttemptAt)
	return &c
}

func cloneStep(s pipeline.Step) pipeline.Step {
	c := s
	if s.Inputs != nil {
		c.Inputs = make(map[string]string, len(s.Inputs))
		for k, v := range s.Inputs {
			c.Inputs[k] = v
		}
	}
	c.DependsOn = append([]string(nil), s.DependsOn...)
	if len(s.Output) > 0 {
		c.Output = append(json.RawMessage(nil), s.Output...)
	}
	c.Error = cloneRecord(s.Error)
	c.StartedAt = cloneTime(s.StartedAt)
	c.FinishedAt = cloneTime(s.FinishedAt)
	return c
}

func cloneRun(r *pipeline.Run) *pipeline.Run {
	c := *r
	c.Input = append(json.RawMessage(nil), r.Input...)
	c.Steps = make([]pipeline.Step, len(r.Steps))
	for i := range r.Steps {
		c.Steps[i] = cloneStep(r.Steps[i])
	}
	c.Error = cloneRecord(r.Error)
	c.StartedAt = cloneTime(r.StartedAt)
	c.FinishedAt = cloneTime(r.FinishedAt)
	return &c
}

func dedupIndex(owner, key string) string {
	return owner + "\x00" + key
}
