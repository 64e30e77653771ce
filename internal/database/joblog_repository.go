package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrJobLogNotFound is returned when a job log entry is not found
	ErrJobLogNotFound = errors.New("job log not found")
)

// JobLogRepository records background job executions so operators can
// audit replenishment, settlement and sweep runs.
type JobLogRepository struct {
	db *pgxpool.Pool
}

// NewJobLogRepository creates a new job log repository instance
func NewJobLogRepository(db *DB) *JobLogRepository {
	return &JobLogRepository{
		db: db.pool,
	}
}

const jobLogColumns = `id, job_type, target, status, detail, created_at, finished_at`

func scanJobLog(row pgx.Row) (*JobLog, error) {
	var j JobLog
	var status string

	err := row.Scan(
		&j.ID,
		&j.JobType,
		&j.Target,
		&status,
		&j.Detail,
		&j.CreatedAt,
		&j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = ParseJobStatus(status)
	return &j, nil
}

// Start inserts a started entry and returns it. The target is optional
// and identifies what the job acted on (a session id, an asset id...).
func (r *JobLogRepository) Start(ctx context.Context, jobType string, target *string) (*JobLog, error) {
	entry := &JobLog{
		ID:        uuid.New().String(),
		JobType:   jobType,
		Target:    target,
		Status:    JobStarted,
		CreatedAt: time.Now().UTC(),
	}

	query := `INSERT INTO job_logs (id, job_type, target, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.db.Exec(ctx, query, entry.ID, entry.JobType, entry.Target, entry.Status.String(), entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to start job log for %s: %w", jobType, err)
	}
	return entry, nil
}

// Finish closes a started entry with a terminal status and an optional
// human readable detail.
func (r *JobLogRepository) Finish(ctx context.Context, id string, status JobStatus, detail *string) error {
	query := `UPDATE job_logs
		SET status = $2, detail = $3, finished_at = $4
		WHERE id = $1 AND status = 'started'`

	tag, err := r.db.Exec(ctx, query, id, status.String(), detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to finish job log %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobLogNotFound
	}
	return nil
}

// ListRecent returns the latest entries for a job type, newest first.
func (r *JobLogRepository) ListRecent(ctx context.Context, jobType string, limit int) ([]JobLog, error) {
	query := `SELECT ` + jobLogColumns + ` FROM job_logs
		WHERE job_type = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, jobType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list job logs for %s: %w", jobType, err)
	}
	defer rows.Close()

	var entries []JobLog
	for rows.Next() {
		j, err := scanJobLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job log: %w", err)
		}
		entries = append(entries, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job logs: %w", err)
	}
	return entries, nil
}

// CountFailedSince counts failed runs of a job type after the given time.
// Used by the health loop to surface repeatedly failing jobs.
func (r *JobLogRepository) CountFailedSince(ctx context.Context, jobType string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM job_logs
		WHERE job_type = $1 AND status = 'failed' AND created_at >= $2`

	var count int
	if err := r.db.QueryRow(ctx, query, jobType, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count failed job logs for %s: %w", jobType, err)
	}
	return count, nil
}
