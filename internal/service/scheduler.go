package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/Strob0t/ContentForge/internal/config"
)

type scheduleEntry struct {
	cfg   config.Schedule
	expr  *cronexpr.Expression
	input json.RawMessage
	next  time.Time
}

// Scheduler submits pipeline runs on cron schedules. Each tick uses a
// dedup key derived from the schedule name and fire time, so several
// replicas running the same schedule enqueue a single job.
type Scheduler struct {
	jobs     *JobService
	entries  []*scheduleEntry
	interval time.Duration
	now      func() time.Time
}

// NewScheduler parses the schedules. The first fire time of every entry is
// the next match after now.
func NewScheduler(jobs *JobService, schedules []config.Schedule, interval time.Duration) (*Scheduler, error) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s := &Scheduler{jobs: jobs, interval: interval, now: time.Now}
	start := s.now().UTC()
	for _, sc := range schedules {
		expr, err := cronexpr.Parse(sc.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		input := json.RawMessage(`{}`)
		if len(sc.Input) > 0 {
			if input, err = json.Marshal(sc.Input); err != nil {
				return nil, fmt.Errorf("schedule %q input: %w", sc.Name, err)
			}
		}
		s.entries = append(s.entries, &scheduleEntry{cfg: sc, expr: expr, input: input, next: expr.Next(start)})
	}
	return s, nil
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.entries) == 0 {
		return
	}
	slog.Info("scheduler started", "schedules", len(s.entries), "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick submits every schedule that is due and returns how many were
// submitted. Missed fire times collapse into one submission.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now().UTC()
	submitted := 0
	for _, e := range s.entries {
		if e.next.IsZero() || e.next.After(now) {
			continue
		}
		fire := e.next
		e.next = e.expr.Next(now)

		key := fmt.Sprintf("schedule:%s:%d", e.cfg.Name, fire.Unix())
		run, j, existed, err := s.jobs.SubmitPipeline(ctx, e.cfg.Owner, e.cfg.Template, e.input, key, "low")
		if err != nil {
			slog.Error("scheduled submission failed", "schedule", e.cfg.Name, "error", err)
			continue
		}
		if existed {
			slog.Debug("schedule already submitted", "schedule", e.cfg.Name, "job_id", j.ID)
			continue
		}
		submitted++
		slog.Info("scheduled pipeline submitted", "schedule", e.cfg.Name, "run_id", run.ID, "job_id", j.ID)
	}
	return submitted
}
