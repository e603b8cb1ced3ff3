package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Strob0t/ContentForge/internal/domain"
	"github.com/Strob0t/ContentForge/internal/domain/pipeline"
)

const runColumns = `id, owner_user_id, template_id, input, status, cancel_requested, max_parallel, steps, error,
	tokens_used, cost_usd, completion_time_ms, created_at, started_at, finished_at, updated_at`

const terminalRunStatuses = `('completed', 'partially_failed', 'failed', 'cancelled')`

func scanRun(row scannable) (*pipeline.Run, error) {
	var (
		r        pipeline.Run
		steps    []byte
		errBytes []byte
	)
	err := row.Scan(&r.ID, &r.OwnerUserID, &r.TemplateID, &r.Input, &r.Status, &r.CancelRequested, &r.MaxParallel,
		&steps, &errBytes, &r.TokensUsed, &r.CostUSD, &r.CompletionTimeMS,
		&r.CreatedAt, &r.StartedAt, &r.FinishedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &r.Steps); err != nil {
		return nil, fmt.Errorf("decode steps of run %s: %w", r.ID, err)
	}
	if r.Error, err = decodeRecord(errBytes); err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.StartedAt = utcPtr(r.StartedAt)
	r.FinishedAt = utcPtr(r.FinishedAt)
	return &r, nil
}

// CreateRun inserts r with all of its steps.
func (s *Store) CreateRun(ctx context.Context, r *pipeline.Run) error {
	steps, err := json.Marshal(r.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	rec, err := recordJSON(r.Error)
	if err != nil {
		return err
	}
	input := r.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (id, owner_user_id, template_id, input, status, cancel_requested, max_parallel,
		                            steps, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		r.ID, r.OwnerUserID, r.TemplateID, []byte(input), r.Status, r.CancelRequested, r.MaxParallel,
		steps, rec, r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("create run %s: %w", r.ID, domain.ErrConflict)
		}
		return fmt.Errorf("create run %s: %w", r.ID, err)
	}
	return nil
}

// GetRun returns the run with id.
func (s *Store) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get run %s", id)
	}
	return r, nil
}

// SaveStep replaces element idx of the steps array in place, so concurrent
// steps of one run never overwrite each other.
func (s *Store) SaveStep(ctx context.Context, runID string, idx int, st *pipeline.Step) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal step %s: %w", st.ID, err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs
		 SET steps = jsonb_set(steps, ARRAY[$2::text], $3::jsonb), updated_at = now()
		 WHERE id = $1 AND steps -> $4::int ->> 'step_id' = $5`,
		runID, strconv.Itoa(idx), b, idx, st.ID)
	return execExpectOne(tag, err, domain.ErrNotFound, "save step %s of run %s", st.ID, runID)
}

// UpdateRun stores run-level fields. cancel_requested can only be set here,
// never cleared.
func (s *Store) UpdateRun(ctx context.Context, r *pipeline.Run) error {
	rec, err := recordJSON(r.Error)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs
		 SET status = $2, error = $3, tokens_used = $4, cost_usd = $5, completion_time_ms = $6,
		     started_at = $7, finished_at = $8, cancel_requested = cancel_requested OR $9, updated_at = now()
		 WHERE id = $1`,
		r.ID, r.Status, rec, r.TokensUsed, r.CostUSD, r.CompletionTimeMS,
		r.StartedAt, r.FinishedAt, r.CancelRequested)
	return execExpectOne(tag, err, domain.ErrNotFound, "update run %s", r.ID)
}

// RequestRunCancel sets the cancel flag on a non-terminal run.
func (s *Store) RequestRunCancel(ctx context.Context, id string) (*pipeline.Run, error) {
	if _, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET cancel_requested = TRUE, updated_at = now()
		 WHERE id = $1 AND status NOT IN `+terminalRunStatuses, id); err != nil {
		return nil, fmt.Errorf("cancel run %s: %w", id, err)
	}
	return s.GetRun(ctx, id)
}

// ListRuns returns the owner's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, owner string, limit int) ([]pipeline.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs
		 WHERE ($1 = '' OR owner_user_id = $1)
		 ORDER BY created_at DESC LIMIT $2`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]pipeline.Run, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// DeleteTerminalRunsBefore drops terminal runs finished before cutoff.
func (s *Store) DeleteTerminalRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM pipeline_runs WHERE status IN `+terminalRunStatuses+` AND finished_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
