// Package jobs persists screening and backtest jobs in a local SQLite
// queue and runs them one at a time in the background.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/valuekit-desktop/screening-backend/pkg/types"
)

// Queue errors.
var (
	ErrNotFound      = errors.New("job not found")
	ErrNotCancelable = errors.New("job is not pending")
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
	created_at     TIMESTAMP NOT NULL,
	started_at     TIMESTAMP,
	completed_at   TIMESTAMP,
	parameters     TEXT NOT NULL,
	results        TEXT,
	error_message  TEXT,
	progress       INTEGER NOT NULL DEFAULT 0,
	result_summary TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
`

// Queue is the persistent FIFO job store. All mutations go through SQL so
// state survives process restarts.
type Queue struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewQueue opens (and migrates) the queue database at path. Jobs left in
// running state by a crashed process are reset to pending so they rerun.
func NewQueue(logger *zap.Logger, path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open jobs db: %w", err)
	}
	// Serialize access; the queue is low-traffic and SQLite locks whole
	// files anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate jobs db: %w", err)
	}
	if _, err := db.Exec(`UPDATE jobs SET status = 'pending', started_at = NULL WHERE status = 'running'`); err != nil {
		db.Close()
		return nil, fmt.Errorf("reset stale jobs: %w", err)
	}
	return &Queue{logger: logger, db: db}, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Submit enqueues a new pending job and returns its ID.
func (q *Queue) Submit(ctx context.Context, kind types.JobKind, params string) (string, error) {
	id := uuid.New().String()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, status, created_at, parameters) VALUES (?, ?, 'pending', ?, ?)`,
		id, string(kind), time.Now().UTC(), params,
	)
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	q.logger.Info("job submitted", zap.String("id", id), zap.String("kind", string(kind)))
	return id, nil
}

// Get returns one job by ID.
func (q *Queue) Get(ctx context.Context, id string) (*types.Job, error) {
	row := q.db.QueryRowContext(ctx, selectColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// List returns jobs newest first, capped to limit (0 means 50).
func (q *Queue) List(ctx context.Context, limit int) ([]*types.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, selectColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimNext atomically moves the oldest pending job to running and returns
// it, or nil when the queue is idle.
func (q *Queue) ClaimNext(ctx context.Context) (*types.Job, error) {
	row := q.db.QueryRowContext(ctx, selectColumns+` FROM jobs WHERE status = 'pending' ORDER BY created_at ASC LIMIT 1`)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', started_at = ? WHERE id = ? AND status = 'pending'`,
		time.Now().UTC(), job.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Raced with a cancellation; try again next poll.
		return nil, nil
	}
	job.Status = types.JobRunning
	return job, nil
}

// SetProgress updates a running job's completion percentage.
func (q *Queue) SetProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := q.db.ExecContext(ctx, `UPDATE jobs SET progress = ? WHERE id = ?`, progress, id)
	return err
}

// Complete marks a job finished with its serialized result and summary.
func (q *Queue) Complete(ctx context.Context, id, result, summary string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', completed_at = ?, results = ?, result_summary = ?, progress = 100 WHERE id = ?`,
		time.Now().UTC(), result, summary, id,
	)
	return err
}

// Fail marks a job failed with its error message.
func (q *Queue) Fail(ctx context.Context, id, message string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', completed_at = ?, error_message = ? WHERE id = ?`,
		time.Now().UTC(), message, id,
	)
	return err
}

// Cancel cancels a pending job. Running or finished jobs are not
// cancelable; the caller gets ErrNotCancelable.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'cancelled', completed_at = ? WHERE id = ? AND status = 'pending'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := q.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotCancelable
	}
	return nil
}

const selectColumns = `SELECT id, kind, status, created_at, started_at, completed_at, parameters,
	COALESCE(results, ''), COALESCE(error_message, ''), progress, COALESCE(result_summary, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*types.Job, error) {
	var job types.Job
	var kind, status string
	var started, completed sql.NullTime
	err := row.Scan(&job.ID, &kind, &status, &job.CreatedAt, &started, &completed,
		&job.Params, &job.Result, &job.Error, &job.Progress, &job.Summary)
	if err != nil {
		return nil, err
	}
	job.Kind = types.JobKind(kind)
	job.Status = types.JobStatus(status)
	if started.Valid {
		job.StartedAt = &started.Time
	}
	if completed.Valid {
		job.CompletedAt = &completed.Time
	}
	return &job, nil
}
