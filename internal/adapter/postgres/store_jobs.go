package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/ContentForge/internal/domain"
	"github.com/Strob0t/ContentForge/internal/domain/failure"
	"github.com/Strob0t/ContentForge/internal/domain/job"
	"github.com/Strob0t/ContentForge/internal/port/taskstore"
)

const jobColumns = `id, kind, payload, COALESCE(dedup_key, ''), priority, status, attempt_count, max_attempts,
	COALESCE(lease_token, ''), owner_user_id, cancel_requested, result, error,
	enqueued_at, started_at, finished_at, next_attempt_at, updated_at`

const terminalJobStatuses = `('finished', 'failed', 'cancelled')`

func scanJob(row scannable) (*job.Job, error) {
	var (
		j        job.Job
		prio     int16
		result   []byte
		errBytes []byte
	)
	err := row.Scan(&j.ID, &j.Kind, &j.Payload, &j.DedupKey, &prio, &j.Status, &j.AttemptCount, &j.MaxAttempts,
		&j.LeaseToken, &j.OwnerUserID, &j.CancelRequested, &result, &errBytes,
		&j.EnqueuedAt, &j.StartedAt, &j.FinishedAt, &j.NextAttemptAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Priority = job.Priority(prio)
	if len(result) > 0 {
		j.Result = json.RawMessage(result)
	}
	if j.Error, err = decodeRecord(errBytes); err != nil {
		return nil, err
	}
	j.EnqueuedAt = j.EnqueuedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	j.StartedAt = utcPtr(j.StartedAt)
	j.FinishedAt = utcPtr(j.FinishedAt)
	j.NextAttemptAt = utcPtr(j.NextAttemptAt)
	return &j, nil
}

// CreateJob inserts j. The unique (owner_user_id, dedup_key) index decides
// races: the loser reads back the winner's row.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) (*job.Job, bool, error) {
	payload := j.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO jobs (id, kind, payload, dedup_key, priority, status, attempt_count, max_attempts,
		                   owner_user_id, enqueued_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		 ON CONFLICT (owner_user_id, dedup_key) DO NOTHING
		 RETURNING `+jobColumns,
		j.ID, j.Kind, []byte(payload), nullIfEmpty(j.DedupKey), int16(j.Priority), j.Status, j.AttemptCount, j.MaxAttempts,
		j.OwnerUserID, j.EnqueuedAt)

	stored, err := scanJob(row)
	if err == nil {
		return stored, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if isUniqueViolation(err, "jobs_pkey") {
			return nil, false, fmt.Errorf("create job %s: %w", j.ID, domain.ErrConflict)
		}
		return nil, false, fmt.Errorf("create job %s: %w", j.ID, err)
	}
	existing, err := s.GetJobByDedupKey(ctx, j.OwnerUserID, j.DedupKey)
	if err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

// GetJob returns the job with id.
func (s *Store) GetJob(ctx context.Context, id string) (*job.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get job %s", id)
	}
	return j, nil
}

// GetJobByDedupKey returns the job owner holds under key.
func (s *Store) GetJobByDedupKey(ctx context.Context, owner, key string) (*job.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE owner_user_id = $1 AND dedup_key = $2`, owner, key))
	if err != nil {
		return nil, notFoundWrap(err, "get job by dedup key %s", key)
	}
	return j, nil
}

// StartAttempt locks the row, refuses terminal or exhausted jobs, and
// otherwise records a new attempt owned by token.
func (s *Store) StartAttempt(ctx context.Context, id, token string, now time.Time) (*job.Job, error) {
	var (
		out    *job.Job
		result error
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFoundWrap(err, "start job %s", id)
		}
		if cur.Status.IsTerminal() {
			out, result = cur, taskstore.ErrJobTerminal
			return nil
		}
		if !cur.AttemptsLeft() {
			rec, err := recordJSON(&failure.Record{
				Kind:    failure.KindJobExpired,
				Message: fmt.Sprintf("no attempts left after %d of %d", cur.AttemptCount, cur.MaxAttempts),
			})
			if err != nil {
				return err
			}
			out, err = scanJob(tx.QueryRow(ctx,
				`UPDATE jobs SET status = 'failed', error = $2, lease_token = NULL, finished_at = $3, updated_at = $3
				 WHERE id = $1 RETURNING `+jobColumns, id, rec, now))
			if err != nil {
				return fmt.Errorf("expire job %s: %w", id, err)
			}
			result = taskstore.ErrAttemptsExhausted
			return nil
		}
		out, err = scanJob(tx.QueryRow(ctx,
			`UPDATE jobs SET status = 'started', attempt_count = attempt_count + 1, lease_token = $2,
			        next_attempt_at = NULL, started_at = COALESCE(started_at, $3), updated_at = $3
			 WHERE id = $1 RETURNING `+jobColumns, id, token, now))
		if err != nil {
			return fmt.Errorf("start job %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, result
}

// ownedUpdate runs an UPDATE conditioned on the running attempt's token and
// explains a zero-row result.
func (s *Store) ownedUpdate(ctx context.Context, id, set string, args ...any) error {
	all := append([]any{id}, args...)
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET `+set+` WHERE id = $1 AND status = 'started' AND lease_token = $2`, all...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("job %s: %w", id, domain.ErrConflict)
}

// CompleteJob marks the job finished.
func (s *Store) CompleteJob(ctx context.Context, id, token string, result json.RawMessage, now time.Time) error {
	return s.ownedUpdate(ctx, id,
		`status = 'finished', result = $3, error = NULL, lease_token = NULL, finished_at = $4, updated_at = $4`,
		token, nullJSON(result), now)
}

// RetryJob records a failed attempt that will be retried at nextAt.
func (s *Store) RetryJob(ctx context.Context, id, token string, rec failure.Record, nextAt, now time.Time) error {
	b, err := recordJSON(&rec)
	if err != nil {
		return err
	}
	return s.ownedUpdate(ctx, id,
		`status = 'retrying', error = $3, lease_token = NULL, next_attempt_at = $4, updated_at = $5`,
		token, b, nextAt, now)
}

// FailJob marks the job failed, or cancelled for a cancellation record.
func (s *Store) FailJob(ctx context.Context, id, token string, rec failure.Record, now time.Time) error {
	b, err := recordJSON(&rec)
	if err != nil {
		return err
	}
	status := job.StatusFailed
	if rec.Kind == failure.KindCancelled {
		status = job.StatusCancelled
	}
	return s.ownedUpdate(ctx, id,
		`status = $3, error = $4, lease_token = NULL, finished_at = $5, updated_at = $5`,
		token, status, b, now)
}

// CancelJob flags the job; queued and retrying jobs become cancelled at once.
func (s *Store) CancelJob(ctx context.Context, id string, now time.Time) (*job.Job, error) {
	rec, err := recordJSON(&failure.Record{Kind: failure.KindCancelled, Message: "cancelled before start"})
	if err != nil {
		return nil, err
	}
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET
		    cancel_requested = TRUE,
		    status = CASE WHEN status IN ('queued', 'retrying') THEN 'cancelled' ELSE status END,
		    error = CASE WHEN status IN ('queued', 'retrying') THEN $2::jsonb ELSE error END,
		    finished_at = CASE WHEN status IN ('queued', 'retrying') THEN $3 ELSE finished_at END,
		    next_attempt_at = CASE WHEN status IN ('queued', 'retrying') THEN NULL ELSE next_attempt_at END,
		    updated_at = $3
		 WHERE id = $1 AND status NOT IN `+terminalJobStatuses+`
		 RETURNING `+jobColumns, id, rec, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return s.GetJob(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("cancel job %s: %w", id, err)
	}
	return j, nil
}

// ListJobs returns matching jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, f job.ListFilter) ([]job.Job, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.OwnerUserID != "" {
		add("owner_user_id = $%d", f.OwnerUserID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Kind != "" {
		add("kind = $%d", f.Kind)
	}
	order := ` ORDER BY enqueued_at DESC, id DESC`
	if f.OldestFirst {
		order = ` ORDER BY enqueued_at ASC, id ASC`
		if f.After != nil {
			args = append(args, f.After.EnqueuedAt, f.After.ID)
			where = append(where, fmt.Sprintf("(enqueued_at, id) > ($%d, $%d::uuid)", len(args)-1, len(args)))
		}
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += order
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]job.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// DeleteTerminalJobsBefore drops terminal jobs finished before cutoff.
func (s *Store) DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE status IN `+terminalJobStatuses+` AND finished_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
