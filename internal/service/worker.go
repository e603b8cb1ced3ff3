package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	cfotel "github.com/Strob0t/ContentForge/internal/adapter/otel"
	"github.com/Strob0t/ContentForge/internal/config"
	"github.com/Strob0t/ContentForge/internal/domain"
	"github.com/Strob0t/ContentForge/internal/domain/failure"
	"github.com/Strob0t/ContentForge/internal/domain/job"
	"github.com/Strob0t/ContentForge/internal/logger"
	"github.com/Strob0t/ContentForge/internal/port/jobqueue"
	"github.com/Strob0t/ContentForge/internal/port/messagequeue"
	"github.com/Strob0t/ContentForge/internal/port/taskstore"
	"github.com/Strob0t/ContentForge/internal/resilience"
)

// JobHandler executes one attempt of a job and returns its result document.
// Errors marked failure.Permanent (or validation errors) are not retried.
type JobHandler interface {
	Handle(ctx context.Context, j *job.Job) (json.RawMessage, error)
}

// JobHandlerFunc adapts a function to JobHandler.
type JobHandlerFunc func(ctx context.Context, j *job.Job) (json.RawMessage, error)

// Handle implements JobHandler.
func (f JobHandlerFunc) Handle(ctx context.Context, j *job.Job) (json.RawMessage, error) {
	return f(ctx, j)
}

// WorkerPool claims jobs from the queue and runs their handlers.
type WorkerPool struct {
	store    taskstore.JobStore
	queue    jobqueue.Queue
	events   messagequeue.Queue
	metrics  *cfotel.Metrics
	cfg      config.Worker
	handlers map[job.Kind]JobHandler
	consumer string

	now   func() time.Time
	sleep resilience.Sleeper
}

// NewWorkerPool creates a pool. Register handlers before calling Run.
func NewWorkerPool(store taskstore.JobStore, queue jobqueue.Queue, events messagequeue.Queue, metrics *cfotel.Metrics, cfg config.Worker) *WorkerPool {
	host, _ := os.Hostname()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 2 * time.Minute
	}
	if cfg.Heartbeat <= 0 || cfg.Heartbeat >= cfg.Visibility {
		cfg.Heartbeat = cfg.Visibility / 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	cfg.Backoff = cfg.Backoff.Normalize()
	return &WorkerPool{
		store:    store,
		queue:    queue,
		events:   events,
		metrics:  metrics,
		cfg:      cfg,
		handlers: make(map[job.Kind]JobHandler),
		consumer: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		now:      time.Now,
		sleep:    resilience.Sleep,
	}
}

// Handle registers h for kind.
func (p *WorkerPool) Handle(kind job.Kind, h JobHandler) {
	p.handlers[kind] = h
}

// Run starts the workers and blocks until ctx is done. In-flight jobs get
// cfg.ShutdownTimeout to finish before their contexts are cancelled.
func (p *WorkerPool) Run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.loop(ctx, workCtx, worker)
		}(i)
	}
	slog.InfoContext(ctx, "worker pool started", "consumer", p.consumer, "concurrency", p.cfg.Concurrency)

	<-ctx.Done()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownTimeout):
		slog.Warn("worker shutdown timeout, cancelling in-flight jobs", "consumer", p.consumer)
		cancelWork()
		<-done
	}
	slog.Info("worker pool stopped", "consumer", p.consumer)
	return nil
}

func (p *WorkerPool) loop(ctx, workCtx context.Context, worker int) {
	for ctx.Err() == nil {
		processed, err := p.ProcessOne(workCtx)
		if err != nil {
			slog.ErrorContext(ctx, "worker claim failed", "worker", worker, "error", err)
		}
		if !processed {
			_ = p.sleep(ctx, p.cfg.PollInterval)
		}
	}
}

// ProcessOne claims and runs at most one job. It reports whether a job was
// claimed.
func (p *WorkerPool) ProcessOne(ctx context.Context) (bool, error) {
	lease, err := p.queue.Claim(ctx, p.consumer, p.cfg.Visibility)
	if err != nil {
		return false, err
	}
	if lease == nil {
		return false, nil
	}
	p.process(ctx, lease)
	return true, nil
}

func (p *WorkerPool) process(ctx context.Context, lease *jobqueue.Lease) {
	ctx = logger.WithJobID(ctx, lease.JobID)
	log := slog.With("consumer", p.consumer)
	j, err := p.store.StartAttempt(ctx, lease.JobID, lease.Token, p.now().UTC())
	switch {
	case errors.Is(err, taskstore.ErrJobTerminal), errors.Is(err, domain.ErrNotFound):
		log.InfoContext(ctx, "skipping finished or removed job", "error", err)
		p.ack(ctx, lease)
		return
	case errors.Is(err, taskstore.ErrAttemptsExhausted):
		log.WarnContext(ctx, "job dead-lettered: no attempts left", "attempts", j.AttemptCount)
		p.metrics.JobAttempt(ctx, string(j.Kind), "expired", 0)
		publish(ctx, p.events, messagequeue.SubjectJobFailed, jobEvent(j))
		p.ack(ctx, lease)
		return
	case err != nil:
		log.ErrorContext(ctx, "start attempt failed", "error", err)
		p.nack(ctx, lease, p.cfg.PollInterval)
		return
	}

	if j.CancelRequested {
		p.fail(ctx, lease, j, failure.Record{Kind: failure.KindCancelled, Message: "cancelled by request"})
		return
	}
	publish(ctx, p.events, messagequeue.SubjectJobStarted, jobEvent(j))

	h, ok := p.handlers[j.Kind]
	if !ok {
		p.fail(ctx, lease, j, failure.Record{Kind: failure.KindInternal, Message: "no handler for job kind " + string(j.Kind)})
		return
	}

	start := p.now()
	result, lost, herr := p.runHandler(ctx, lease, j, h)
	elapsed := p.now().Sub(start)
	if lost {
		log.WarnContext(ctx, "job lease lost, dropping result", "attempt", j.AttemptCount)
		p.metrics.JobAttempt(ctx, string(j.Kind), "lease_lost", elapsed)
		return
	}
	if herr != nil && ctx.Err() != nil {
		// Shutdown: hand the job back untouched; the attempt still counts.
		log.WarnContext(ctx, "job interrupted by shutdown", "attempt", j.AttemptCount)
		p.nack(ctx, lease, 0)
		return
	}
	ctx = context.WithoutCancel(ctx)

	if herr == nil {
		p.complete(ctx, lease, j, result, elapsed)
		return
	}

	rec := failure.Classify(herr)
	retry := !failure.IsPermanent(herr) && rec.Kind != failure.KindCancelled && j.AttemptsLeft()
	if retry {
		p.retry(ctx, lease, j, rec, elapsed)
		return
	}
	if !failure.IsPermanent(herr) && rec.Kind != failure.KindCancelled {
		rec = failure.Record{
			Kind:    failure.KindDeadLettered,
			Message: fmt.Sprintf("gave up after %d attempts: %s: %s", j.AttemptCount, rec.Kind, rec.Message),
		}
	}
	p.metrics.JobAttempt(ctx, string(j.Kind), "failed", elapsed)
	log.WarnContext(ctx, "job failed", "kind", j.Kind, "attempt", j.AttemptCount, "error_kind", rec.Kind, "error", herr)
	p.fail(ctx, lease, j, rec)
}

// runHandler runs h under the kind timeout while a heartbeat extends the
// lease. lost reports that the lease could not be extended.
func (p *WorkerPool) runHandler(ctx context.Context, lease *jobqueue.Lease, j *job.Job, h JobHandler) (result json.RawMessage, lost bool, err error) {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if d := p.timeout(j.Kind); d > 0 {
		var cancelTimeout context.CancelFunc
		hctx, cancelTimeout = context.WithTimeout(hctx, d)
		defer cancelTimeout()
	}
	hctx, span := cfotel.StartJobSpan(hctx, j.ID, string(j.Kind), j.AttemptCount)

	isLost := false
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		t := time.NewTicker(p.cfg.Heartbeat)
		defer t.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-t.C:
				if err := p.queue.Extend(ctx, lease, p.cfg.Visibility); err != nil {
					if errors.Is(err, jobqueue.ErrLeaseLost) {
						isLost = true
						cancel()
						return
					}
					slog.WarnContext(ctx, "lease heartbeat failed", "error", err)
				}
			}
		}
	}()

	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(ctx, "job handler panic", "kind", j.Kind, "panic", r)
				err = fmt.Errorf("job handler panicked: %v", r)
			}
		}()
		result, err = h.Handle(hctx, j)
	}()
	cfotel.EndSpan(span, err)
	cancel()
	<-hbDone
	return result, isLost, err
}

func (p *WorkerPool) timeout(kind job.Kind) time.Duration {
	switch kind {
	case job.KindPipelineRun:
		return p.cfg.PipelineTimeout
	case job.KindMediaTask:
		return p.cfg.MediaTaskTimeout
	case job.KindCrawlTask:
		return p.cfg.CrawlTaskTimeout
	}
	return 0
}

func (p *WorkerPool) complete(ctx context.Context, lease *jobqueue.Lease, j *job.Job, result json.RawMessage, elapsed time.Duration) {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	if err := p.store.CompleteJob(ctx, j.ID, lease.Token, result, p.now().UTC()); err != nil {
		slog.WarnContext(ctx, "complete job rejected, dropping result", "error", err)
		return
	}
	p.ack(ctx, lease)
	j.Status = job.StatusFinished
	j.Result = result
	p.metrics.JobAttempt(ctx, string(j.Kind), "finished", elapsed)
	slog.InfoContext(ctx, "job finished", "kind", j.Kind, "attempt", j.AttemptCount, "duration", elapsed)
	publish(ctx, p.events, messagequeue.SubjectJobFinished, jobEvent(j))
}

func (p *WorkerPool) retry(ctx context.Context, lease *jobqueue.Lease, j *job.Job, rec failure.Record, elapsed time.Duration) {
	delay := p.cfg.Backoff.Delay(j.AttemptCount)
	now := p.now().UTC()
	if err := p.store.RetryJob(ctx, j.ID, lease.Token, rec, now.Add(delay), now); err != nil {
		slog.WarnContext(ctx, "retry job rejected", "error", err)
		return
	}
	p.nack(ctx, lease, delay)
	j.Status = job.StatusRetrying
	j.Error = &rec
	p.metrics.JobAttempt(ctx, string(j.Kind), "retrying", elapsed)
	slog.InfoContext(ctx, "job will retry", "attempt", j.AttemptCount, "delay", delay, "error_kind", rec.Kind)
	publish(ctx, p.events, messagequeue.SubjectJobRetrying, jobEvent(j))
}

func (p *WorkerPool) fail(ctx context.Context, lease *jobqueue.Lease, j *job.Job, rec failure.Record) {
	if err := p.store.FailJob(ctx, j.ID, lease.Token, rec, p.now().UTC()); err != nil {
		slog.WarnContext(ctx, "fail job rejected", "error", err)
		return
	}
	p.ack(ctx, lease)
	j.Status = job.StatusFailed
	subject := messagequeue.SubjectJobFailed
	if rec.Kind == failure.KindCancelled {
		j.Status = job.StatusCancelled
		subject = messagequeue.SubjectJobCancel
	}
	j.Error = &rec
	publish(ctx, p.events, subject, jobEvent(j))
}

func (p *WorkerPool) ack(ctx context.Context, lease *jobqueue.Lease) {
	if err := p.queue.Ack(context.WithoutCancel(ctx), lease); err != nil {
		slog.WarnContext(ctx, "ack failed", "error", err)
	}
}

func (p *WorkerPool) nack(ctx context.Context, lease *jobqueue.Lease, delay time.Duration) {
	if err := p.queue.Nack(context.WithoutCancel(ctx), lease, delay); err != nil {
		slog.WarnContext(ctx, "nack failed", "error", err)
	}
}
