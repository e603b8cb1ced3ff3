package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/ContentForge/internal/domain/job"
	"github.com/Strob0t/ContentForge/internal/port/jobqueue"
	"github.com/Strob0t/ContentForge/internal/port/taskstore"
)

// ReapStats summarizes one reaper pass.
type ReapStats struct {
	Requeued    int
	Repushed    int
	JobsDeleted int64
	RunsDeleted int64
}

// Reaper returns expired leases to the queue, re-pushes queued records
// that never reached the queue and deletes terminal records past the
// retention window.
type Reaper struct {
	store     taskstore.Store
	queue     jobqueue.Queue
	interval  time.Duration
	retention time.Duration
	// grace keeps fresh records away from the re-push scan while their
	// own enqueue is still in flight.
	grace time.Duration
	// pageSize bounds each listing of the re-push scan.
	pageSize int
	now      func() time.Time
}

// NewReaper creates a reaper. A zero retention keeps records forever.
func NewReaper(store taskstore.Store, queue jobqueue.Queue, interval, retention time.Duration) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{
		store:     store,
		queue:     queue,
		interval:  interval,
		retention: retention,
		grace:     interval,
		pageSize:  500,
		now:       time.Now,
	}
}

// Run reaps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Error("reaper pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single pass.
func (r *Reaper) RunOnce(ctx context.Context) (ReapStats, error) {
	var st ReapStats
	now := r.now().UTC()

	n, err := r.queue.RequeueExpired(ctx, now)
	if err != nil {
		return st, err
	}
	st.Requeued = n
	if n > 0 {
		slog.Warn("requeued expired leases", "count", n)
	}

	for _, status := range []job.Status{job.StatusQueued, job.StatusRetrying} {
		n, err := r.repush(ctx, status, now)
		st.Repushed += n
		if err != nil {
			return st, err
		}
	}

	if r.retention > 0 {
		cutoff := now.Add(-r.retention)
		if st.JobsDeleted, err = r.store.DeleteTerminalJobsBefore(ctx, cutoff); err != nil {
			return st, err
		}
		if st.RunsDeleted, err = r.store.DeleteTerminalRunsBefore(ctx, cutoff); err != nil {
			return st, err
		}
		if st.JobsDeleted+st.RunsDeleted > 0 {
			slog.Info("retention cleanup", "jobs", st.JobsDeleted, "runs", st.RunsDeleted, "cutoff", cutoff)
		}
	}
	return st, nil
}

// repush walks every record in status oldest first and pushes those idle
// longer than the grace period.
func (r *Reaper) repush(ctx context.Context, status job.Status, now time.Time) (int, error) {
	var (
		pushed int
		after  *job.Cursor
	)
	for {
		page, err := r.store.ListJobs(ctx, job.ListFilter{Status: status, Limit: r.pageSize, OldestFirst: true, After: after})
		if err != nil {
			return pushed, err
		}
		for i := range page {
			j := &page[i]
			if now.Sub(j.UpdatedAt) < r.grace {
				continue
			}
			at := now
			if j.NextAttemptAt != nil && j.NextAttemptAt.After(now) {
				at = *j.NextAttemptAt
			}
			// Push ignores jobs that are already queued or leased.
			if err := r.queue.Push(ctx, j.ID, j.Priority, at); err != nil {
				return pushed, err
			}
			pushed++
		}
		if r.pageSize <= 0 || len(page) < r.pageSize {
			return pushed, nil
		}
		after = job.CursorOf(&page[len(page)-1])
	}
}
