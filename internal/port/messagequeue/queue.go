// Package messagequeue defines the event bus port used to announce job and
// pipeline lifecycle changes to downstream consumers (media, posting).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// Wildcards follow NATS syntax. The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subjects published by the orchestration core.
const (
	SubjectJobEnqueued = "jobs.enqueued"
	SubjectJobStarted  = "jobs.started"
	SubjectJobRetrying = "jobs.retrying"
	SubjectJobFinished = "jobs.finished"
	SubjectJobFailed   = "jobs.failed"
	SubjectJobCancel   = "jobs.cancelled"

	SubjectRunStep      = "runs.step"
	SubjectRunCompleted = "runs.completed"

	// SubjectAll matches every subject above.
	SubjectAllJobs = "jobs.>"
	SubjectAllRuns = "runs.>"
)
