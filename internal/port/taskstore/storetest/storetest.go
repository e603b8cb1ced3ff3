// Package storetest provides a compliance suite for taskstore.Store implementations.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/ContentForge/internal/domain"
	"github.com/Strob0t/ContentForge/internal/domain/failure"
	"github.com/Strob0t/ContentForge/internal/domain/job"
	"github.com/Strob0t/ContentForge/internal/domain/pipeline"
	"github.com/Strob0t/ContentForge/internal/port/taskstore"
)

// NewJob returns a queued job with a fresh id.
func NewJob(kind job.Kind, dedup string) *job.Job {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &job.Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     json.RawMessage(`{"video_id":"abc"}`),
		DedupKey:    dedup,
		Priority:    job.PriorityNormal,
		Status:      job.StatusQueued,
		MaxAttempts: 3,
		OwnerUserID: "user-1",
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
}

// RunComplianceTests runs the suite against s. Tests use unique ids and
// dedup keys so a shared database is fine.
func RunComplianceTests(t *testing.T, s taskstore.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("CreateAndGetJob", func(t *testing.T) {
		j := NewJob(job.KindMediaTask, "")
		stored, existed, err := s.CreateJob(ctx, j)
		if err != nil || existed {
			t.Fatalf("create: existed=%v err=%v", existed, err)
		}
		if stored.ID != j.ID {
			t.Fatalf("expected id %s, got %s", j.ID, stored.ID)
		}
		got, err := s.GetJob(ctx, j.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != job.StatusQueued || got.Kind != job.KindMediaTask || got.MaxAttempts != 3 {
			t.Fatalf("unexpected job %+v", got)
		}
	})

	t.Run("GetMissingJob", func(t *testing.T) {
		if _, err := s.GetJob(ctx, uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("DedupKeyUnderParallelCreate", func(t *testing.T) {
		key := "abc-render-" + uuid.NewString()
		const n = 8
		ids := make([]string, n)
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				stored, _, err := s.CreateJob(ctx, NewJob(job.KindMediaTask, key))
				if err != nil {
					t.Errorf("create: %v", err)
					return
				}
				ids[i] = stored.ID
			}()
		}
		wg.Wait()
		for _, id := range ids[1:] {
			if id != ids[0] {
				t.Fatalf("expected one job id for the dedup key, got %v", ids)
			}
		}
		byKey, err := s.GetJobByDedupKey(ctx, "user-1", key)
		if err != nil || byKey.ID != ids[0] {
			t.Fatalf("GetJobByDedupKey = %v, %v", byKey, err)
		}
	})

	t.Run("DedupKeyScopedToOwner", func(t *testing.T) {
		key := "shared-key-" + uuid.NewString()
		first := NewJob(job.KindCrawlTask, key)
		if _, existed, err := s.CreateJob(ctx, first); err != nil || existed {
			t.Fatalf("first create: existed=%v err=%v", existed, err)
		}
		other := NewJob(job.KindCrawlTask, key)
		other.OwnerUserID = "user-2"
		stored, existed, err := s.CreateJob(ctx, other)
		if err != nil || existed {
			t.Fatalf("other owner create: existed=%v err=%v", existed, err)
		}
		if stored.ID != other.ID || stored.OwnerUserID != "user-2" {
			t.Fatalf("other owner got %+v", stored)
		}
		if _, err := s.GetJobByDedupKey(ctx, "user-3", key); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("unrelated owner lookup: %v", err)
		}
		got, err := s.GetJobByDedupKey(ctx, "user-2", key)
		if err != nil || got.ID != other.ID {
			t.Fatalf("GetJobByDedupKey(user-2) = %v, %v", got, err)
		}
	})

	t.Run("AttemptLifecycle", func(t *testing.T) {
		j := NewJob(job.KindCrawlTask, "")
		if _, _, err := s.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
		now := time.Now()

		started, err := s.StartAttempt(ctx, j.ID, "tok-1", now)
		if err != nil {
			t.Fatal(err)
		}
		if started.AttemptCount != 1 || started.Status != job.StatusStarted {
			t.Fatalf("unexpected started job %+v", started)
		}

		rec := failure.Record{Kind: failure.KindTimeout, Message: "slow"}
		if err := s.RetryJob(ctx, j.ID, "tok-1", rec, now.Add(time.Second), now); err != nil {
			t.Fatal(err)
		}
		got, _ := s.GetJob(ctx, j.ID)
		if got.Status != job.StatusRetrying || got.Error == nil || got.Error.Kind != failure.KindTimeout || got.NextAttemptAt == nil {
			t.Fatalf("unexpected retrying job %+v", got)
		}

		if _, err := s.StartAttempt(ctx, j.ID, "tok-2", now); err != nil {
			t.Fatal(err)
		}
		if err := s.CompleteJob(ctx, j.ID, "tok-1", json.RawMessage(`{}`), now); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("stale token must conflict, got %v", err)
		}
		if err := s.CompleteJob(ctx, j.ID, "tok-2", json.RawMessage(`{"title":"ok"}`), now); err != nil {
			t.Fatal(err)
		}
		got, _ = s.GetJob(ctx, j.ID)
		if got.Status != job.StatusFinished || got.AttemptCount != 2 || got.FinishedAt == nil || string(got.Result) == "" {
			t.Fatalf("unexpected finished job %+v", got)
		}
		if _, err := s.StartAttempt(ctx, j.ID, "tok-3", now); !errors.Is(err, taskstore.ErrJobTerminal) {
			t.Fatalf("expected ErrJobTerminal, got %v", err)
		}
	})

	t.Run("AttemptsNeverExceedMax", func(t *testing.T) {
		j := NewJob(job.KindCrawlTask, "")
		j.MaxAttempts = 2
		if _, _, err := s.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
		now := time.Now()
		// Two attempts that "crash" without finishing.
		if _, err := s.StartAttempt(ctx, j.ID, "a", now); err != nil {
			t.Fatal(err)
		}
		if _, err := s.StartAttempt(ctx, j.ID, "b", now); err != nil {
			t.Fatal(err)
		}
		got, err := s.StartAttempt(ctx, j.ID, "c", now)
		if !errors.Is(err, taskstore.ErrAttemptsExhausted) {
			t.Fatalf("expected ErrAttemptsExhausted, got %v", err)
		}
		if got == nil || got.Status != job.StatusFailed || got.AttemptCount != 2 || got.Error == nil || got.Error.Kind != failure.KindJobExpired {
			t.Fatalf("unexpected expired job %+v", got)
		}
	})

	t.Run("FailJob", func(t *testing.T) {
		j := NewJob(job.KindMediaTask, "")
		_, _, _ = s.CreateJob(ctx, j)
		now := time.Now()
		_, _ = s.StartAttempt(ctx, j.ID, "tok", now)
		rec := failure.Record{Kind: failure.KindDeadLettered, Message: "gave up"}
		if err := s.FailJob(ctx, j.ID, "tok", rec, now); err != nil {
			t.Fatal(err)
		}
		got, _ := s.GetJob(ctx, j.ID)
		if got.Status != job.StatusFailed || got.Error.Message != "gave up" {
			t.Fatalf("unexpected failed job %+v", got)
		}
	})

	t.Run("CancelQueuedJob", func(t *testing.T) {
		j := NewJob(job.KindPipelineRun, "")
		_, _, _ = s.CreateJob(ctx, j)
		got, err := s.CancelJob(ctx, j.ID, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != job.StatusCancelled || !got.CancelRequested {
			t.Fatalf("unexpected cancelled job %+v", got)
		}
		if _, err := s.StartAttempt(ctx, j.ID, "tok", time.Now()); !errors.Is(err, taskstore.ErrJobTerminal) {
			t.Fatalf("cancelled job must not start, got %v", err)
		}
	})

	t.Run("CancelStartedJobOnlyFlags", func(t *testing.T) {
		j := NewJob(job.KindPipelineRun, "")
		_, _, _ = s.CreateJob(ctx, j)
		_, _ = s.StartAttempt(ctx, j.ID, "tok", time.Now())
		got, err := s.CancelJob(ctx, j.ID, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != job.StatusStarted || !got.CancelRequested {
			t.Fatalf("unexpected job %+v", got)
		}
	})

	t.Run("ListJobs", func(t *testing.T) {
		owner := "lister-" + uuid.NewString()
		for range 3 {
			j := NewJob(job.KindCrawlTask, "")
			j.OwnerUserID = owner
			_, _, _ = s.CreateJob(ctx, j)
		}
		jobs, err := s.ListJobs(ctx, job.ListFilter{OwnerUserID: owner, Limit: 2})
		if err != nil {
			t.Fatal(err)
		}
		if len(jobs) != 2 {
			t.Fatalf("expected 2 jobs, got %d", len(jobs))
		}
	})

	t.Run("ListJobsOldestFirstPaging", func(t *testing.T) {
		owner := "pager-" + uuid.NewString()
		base := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)
		var want []string
		for i := range 5 {
			j := NewJob(job.KindCrawlTask, "")
			j.OwnerUserID = owner
			j.EnqueuedAt = base.Add(time.Duration(i) * time.Second)
			if _, _, err := s.CreateJob(ctx, j); err != nil {
				t.Fatal(err)
			}
			want = append(want, j.ID)
		}

		var (
			got   []string
			after *job.Cursor
		)
		for {
			page, err := s.ListJobs(ctx, job.ListFilter{OwnerUserID: owner, Limit: 2, OldestFirst: true, After: after})
			if err != nil {
				t.Fatal(err)
			}
			for i := range page {
				got = append(got, page[i].ID)
			}
			if len(page) < 2 {
				break
			}
			after = job.CursorOf(&page[len(page)-1])
		}
		if len(got) != len(want) {
			t.Fatalf("paged %d jobs, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("position %d: got %s, want %s", i, got[i], want[i])
			}
		}
	})

	t.Run("RunLifecycle", func(t *testing.T) {
		tmpl := &pipeline.Template{ID: "t", Name: "T", Steps: []pipeline.StepSpec{
			{ID: "a", Agent: "ideation"},
			{ID: "b", Agent: "scripting", DependsOn: []string{"a"}},
		}}
		r := pipeline.NewRun(uuid.NewString(), "owner-1", tmpl, json.RawMessage(`{"niche":"coffee"}`), time.Now().UTC())
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatal(err)
		}

		step := r.Steps[0]
		now := time.Now().UTC()
		_ = step.Transition(pipeline.StepRunning, now)
		_ = step.Transition(pipeline.StepSucceeded, now)
		step.Output = json.RawMessage(`{"ideas":[]}`)
		step.ModelUsed = "claude-y"
		if err := s.SaveStep(ctx, r.ID, 0, &step); err != nil {
			t.Fatal(err)
		}

		r.Status = pipeline.RunRunning
		r.StartedAt = &now
		r.TokensUsed = 42
		if err := s.UpdateRun(ctx, r); err != nil {
			t.Fatal(err)
		}

		got, err := s.GetRun(ctx, r.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != pipeline.RunRunning || got.TokensUsed != 42 {
			t.Fatalf("unexpected run %+v", got)
		}
		if got.Steps[0].Status != pipeline.StepSucceeded || got.Steps[0].ModelUsed != "claude-y" {
			t.Fatalf("step not persisted: %+v", got.Steps[0])
		}
		if got.Steps[1].Status != pipeline.StepPending {
			t.Fatalf("other step must be untouched: %+v", got.Steps[1])
		}

		cancelled, err := s.RequestRunCancel(ctx, r.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !cancelled.CancelRequested {
			t.Fatal("expected cancel flag")
		}
		// UpdateRun must not clear the flag.
		if err := s.UpdateRun(ctx, r); err != nil {
			t.Fatal(err)
		}
		got, _ = s.GetRun(ctx, r.ID)
		if !got.CancelRequested {
			t.Fatal("UpdateRun cleared cancel_requested")
		}

		runs, err := s.ListRuns(ctx, "owner-1", 10)
		if err != nil {
			t.Fatal(err)
		}
		found := false
		for _, lr := range runs {
			if lr.ID == r.ID {
				found = true
			}
		}
		if !found {
			t.Fatal("expected run in owner listing")
		}
	})

	t.Run("GetMissingRun", func(t *testing.T) {
		if _, err := s.GetRun(ctx, uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Retention", func(t *testing.T) {
		j := NewJob(job.KindCrawlTask, "")
		_, _, _ = s.CreateJob(ctx, j)
		_, _ = s.StartAttempt(ctx, j.ID, "tok", time.Now())
		_ = s.CompleteJob(ctx, j.ID, "tok", json.RawMessage(`{}`), time.Now().Add(-48*time.Hour))

		live := NewJob(job.KindCrawlTask, "")
		_, _, _ = s.CreateJob(ctx, live)

		if _, err := s.DeleteTerminalJobsBefore(ctx, time.Now().Add(-24*time.Hour)); err != nil {
			t.Fatal(err)
		}
		if _, err := s.GetJob(ctx, j.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected old finished job to be deleted, got %v", err)
		}
		if _, err := s.GetJob(ctx, live.ID); err != nil {
			t.Fatalf("queued job must survive retention: %v", err)
		}
	})
}
