package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"market-task-orchestrator/internal/models"
)

// ErrNotFound is returned when a run is not in the history table.
var ErrNotFound = errors.New("task run not found")

// Store wraps pgxpool for the task run history.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RecordTerminal upserts a finished task. A later terminal write for the same
// id (for example completed then cancelled) replaces the earlier one.
func (s *Store) RecordTerminal(ctx context.Context, t models.Task) error {
	var result []byte
	if len(t.Result) > 0 {
		result = t.Result
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_runs (task_id, code, name, status, progress, message, error, result, created_at, started_at, completed_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			message = EXCLUDED.message,
			error = EXCLUDED.error,
			result = COALESCE(EXCLUDED.result, task_runs.result),
			completed_at = COALESCE(task_runs.completed_at, EXCLUDED.completed_at),
			recorded_at = NOW()
	`, t.ID, t.Code, t.Name, string(t.Status), t.Progress, t.Message, emptyToNil(t.Error), result,
		t.CreatedAt.UTC(), utcPtr(t.StartedAt), utcPtr(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("record task run %s: %w", t.ID, err)
	}
	return nil
}

// GetRun fetches one run by task id.
func (s *Store) GetRun(ctx context.Context, taskID string) (models.TaskRun, error) {
	row := s.pool.QueryRow(ctx, selectRuns+` WHERE task_id = $1`, taskID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TaskRun{}, fmt.Errorf("%s: %w", taskID, ErrNotFound)
	}
	return run, err
}

// ListRuns returns the most recent runs of code, newest first.
func (s *Store) ListRuns(ctx context.Context, code string, limit int) ([]models.TaskRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, selectRuns+` WHERE code = $1 ORDER BY recorded_at DESC LIMIT $2`, code, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs %s: %w", code, err)
	}
	defer rows.Close()

	var out []models.TaskRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs %s: %w", code, err)
	}
	return out, nil
}

// PurgeRunsBefore deletes runs recorded before cutoff and reports how many.
func (s *Store) PurgeRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM task_runs WHERE recorded_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

const selectRuns = `
	SELECT task_id, code, name, status, progress, message, error, result, created_at, started_at, completed_at, recorded_at
	FROM task_runs`

func scanRun(row pgx.Row) (models.TaskRun, error) {
	var (
		run       models.TaskRun
		status    string
		errText   pgtype.Text
		started   pgtype.Timestamptz
		completed pgtype.Timestamptz
	)
	if err := row.Scan(&run.TaskID, &run.Code, &run.Name, &status, &run.Progress, &run.Message, &errText, &run.Result,
		&run.CreatedAt, &started, &completed, &run.RecordedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.TaskRun{}, err
		}
		return models.TaskRun{}, fmt.Errorf("scan task run: %w", err)
	}
	run.Status = models.TaskStatus(status)
	run.Error = textPtr(errText)
	run.StartedAt = timePtr(started)
	run.CompletedAt = timePtr(completed)
	return run, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
