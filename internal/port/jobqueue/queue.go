// Package jobqueue defines the delivery port of the background job system.
// The queue only carries job ids; the job record itself lives in the task
// record store.
package jobqueue

import (
	"context"
	"errors"
	"time"

	"github.com/Strob0t/ContentForge/internal/domain/job"
)

// ErrLeaseLost is returned when an ack, nack or extend names a lease that
// has expired or been reassigned.
var ErrLeaseLost = errors.New("queue lease lost")

// Lease is a time-bounded, exclusive claim on one delivery of a job.
type Lease struct {
	JobID    string
	Token    string
	Priority job.Priority
	Consumer string
	Deadline time.Time
}

// Queue is a priority queue with visibility timeouts.
type Queue interface {
	// Push makes jobID claimable at availableAt. Pushing an id that is
	// already queued or in flight is a no-op.
	Push(ctx context.Context, jobID string, priority job.Priority, availableAt time.Time) error

	// Claim returns the highest-priority available job and hides it for
	// visibility. It returns nil, nil when nothing is available.
	Claim(ctx context.Context, consumer string, visibility time.Duration) (*Lease, error)

	// Extend pushes the lease deadline out by visibility from now.
	Extend(ctx context.Context, l *Lease, visibility time.Duration) error

	// Ack removes the job from the queue.
	Ack(ctx context.Context, l *Lease) error

	// Nack returns the job to the queue, claimable after delay.
	Nack(ctx context.Context, l *Lease, delay time.Duration) error

	// RequeueExpired returns every in-flight job whose deadline passed.
	RequeueExpired(ctx context.Context, now time.Time) (int, error)

	// Len reports the number of queued (not in-flight) jobs.
	Len(ctx context.Context) (int, error)
}
