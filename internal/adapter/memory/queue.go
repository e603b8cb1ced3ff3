package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/ContentForge/internal/domain/job"
	"github.com/Strob0t/ContentForge/internal/port/jobqueue"
)

type queued struct {
	id          string
	priority    job.Priority
	availableAt time.Time
	seq         uint64
}

type inflight struct {
	lease    jobqueue.Lease
	priority job.Priority
}

// Queue is a process-local jobqueue.Queue. Within a priority level jobs
// are claimed in availability order, then push order.
type Queue struct {
	mu       sync.Mutex
	ready    map[string]queued
	inflight map[string]inflight
	seq      uint64
	now      func() time.Time
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{
		ready:    make(map[string]queued),
		inflight: make(map[string]inflight),
		now:      time.Now,
	}
}

// Push enqueues jobID unless it is already queued or in flight.
func (q *Queue) Push(_ context.Context, jobID string, priority job.Priority, availableAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.ready[jobID]; ok {
		return nil
	}
	if _, ok := q.inflight[jobID]; ok {
		return nil
	}
	q.seq++
	q.ready[jobID] = queued{id: jobID, priority: priority, availableAt: availableAt, seq: q.seq}
	return nil
}

// Claim leases the best available job.
func (q *Queue) Claim(_ context.Context, consumer string, visibility time.Duration) (*jobqueue.Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()

	var best *queued
	for _, e := range q.ready {
		if e.availableAt.After(now) {
			continue
		}
		if best == nil || better(e, *best) {
			c := e
			best = &c
		}
	}
	if best == nil {
		return nil, nil
	}
	delete(q.ready, best.id)
	l := jobqueue.Lease{
		JobID:    best.id,
		Token:    uuid.NewString(),
		Priority: best.priority,
		Consumer: consumer,
		Deadline: now.Add(visibility),
	}
	q.inflight[best.id] = inflight{lease: l, priority: best.priority}
	return &l, nil
}

func better(a, b queued) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.availableAt.Equal(b.availableAt) {
		return a.availableAt.Before(b.availableAt)
	}
	return a.seq < b.seq
}

func (q *Queue) owned(l *jobqueue.Lease) (inflight, bool) {
	f, ok := q.inflight[l.JobID]
	if !ok || f.lease.Token != l.Token {
		return inflight{}, false
	}
	return f, true
}

// Extend moves the lease deadline.
func (q *Queue) Extend(_ context.Context, l *jobqueue.Lease, visibility time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	f, ok := q.owned(l)
	if !ok {
		return jobqueue.ErrLeaseLost
	}
	f.lease.Deadline = q.now().Add(visibility)
	q.inflight[l.JobID] = f
	l.Deadline = f.lease.Deadline
	return nil
}

// Ack drops the job.
func (q *Queue) Ack(_ context.Context, l *jobqueue.Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.owned(l); !ok {
		return jobqueue.ErrLeaseLost
	}
	delete(q.inflight, l.JobID)
	return nil
}

// Nack requeues the job after delay.
func (q *Queue) Nack(_ context.Context, l *jobqueue.Lease, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	f, ok := q.owned(l)
	if !ok {
		return jobqueue.ErrLeaseLost
	}
	delete(q.inflight, l.JobID)
	q.seq++
	q.ready[l.JobID] = queued{id: l.JobID, priority: f.priority, availableAt: q.now().Add(delay), seq: q.seq}
	return nil
}

// RequeueExpired returns expired in-flight jobs to the ready set, available
// from their old deadline.
func (q *Queue) RequeueExpired(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0)
	for id, f := range q.inflight {
		if !f.lease.Deadline.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		f := q.inflight[id]
		delete(q.inflight, id)
		q.seq++
		q.ready[id] = queued{id: id, priority: f.priority, availableAt: f.lease.Deadline, seq: q.seq}
	}
	return len(ids), nil
}

// Len reports queued jobs, including delayed ones.
func (q *Queue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), nil
}
