package service

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/ContentForge/internal/config"
	"github.com/Strob0t/ContentForge/internal/domain/job"
)

func TestSchedulerSubmitsDueSchedulesOnce(t *testing.T) {
	h, _ := newPipelineHarness(t, newFakeAgents())
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 8, 59, 30, 0, time.UTC)

	newSched := func() *Scheduler {
		s, err := NewScheduler(h.jobs, []config.Schedule{{
			Name:     "morning-trends",
			Cron:     "0 9 * * *",
			Template: "content-generation",
			Owner:    "scheduler",
			Input:    map[string]any{"niche": "coffee"},
		}}, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		// Restart the clock so the first fire time is 09:00.
		s.now = func() time.Time { return base }
		for _, e := range s.entries {
			e.next = e.expr.Next(base)
		}
		return s
	}
	a, b := newSched(), newSched()

	if n := a.Tick(ctx); n != 0 {
		t.Fatalf("submitted %d before fire time", n)
	}

	fire := base.Add(time.Minute)
	a.now = func() time.Time { return fire }
	b.now = func() time.Time { return fire }
	if n := a.Tick(ctx); n != 1 {
		t.Fatalf("first replica submitted %d", n)
	}
	// A second replica firing the same tick hits the dedup key.
	if n := b.Tick(ctx); n != 0 {
		t.Fatalf("second replica submitted %d", n)
	}
	if n := a.Tick(ctx); n != 0 {
		t.Fatalf("same tick submitted twice")
	}

	jobs, _ := h.jobs.List(ctx, job.ListFilter{Kind: job.KindPipelineRun})
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d", len(jobs))
	}
	if jobs[0].DedupKey == "" || jobs[0].OwnerUserID != "scheduler" || jobs[0].Priority != job.PriorityLow {
		t.Fatalf("job = %+v", jobs[0])
	}

	// Next day fires again.
	a.now = func() time.Time { return fire.Add(24 * time.Hour) }
	if n := a.Tick(ctx); n != 1 {
		t.Fatalf("next day submitted %d", n)
	}
}

func TestSchedulerRejectsBadCron(t *testing.T) {
	if _, err := NewScheduler(nil, []config.Schedule{{Name: "bad", Cron: "not a cron", Template: "x"}}, 0); err == nil {
		t.Fatal("expected parse error")
	}
}
