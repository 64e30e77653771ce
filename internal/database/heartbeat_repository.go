package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// HeartbeatRepository tracks liveness of the gateway and its workers.
// Each process upserts a row on a fixed interval; operators query for
// rows that stopped moving.
type HeartbeatRepository struct {
	db *pgxpool.Pool
}

// NewHeartbeatRepository creates a new heartbeat repository instance
func NewHeartbeatRepository(db *DB) *HeartbeatRepository {
	return &HeartbeatRepository{
		db: db.pool,
	}
}

const heartbeatColumns = `process_name, last_seen, details`

func scanHeartbeat(row pgx.Row) (*Heartbeat, error) {
	var h Heartbeat
	err := row.Scan(&h.ProcessName, &h.LastSeen, &h.Details)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// Beat upserts the heartbeat row for a process. Details carries a small
// JSON blob of runtime counters (connected daemons, queue depths...).
func (r *HeartbeatRepository) Beat(ctx context.Context, processName string, details []byte) error {
	query := `INSERT INTO heartbeats (process_name, last_seen, details)
		VALUES ($1, $2, $3)
		ON CONFLICT (process_name) DO UPDATE SET
			last_seen = EXCLUDED.last_seen,
			details = EXCLUDED.details`

	_, err := r.db.Exec(ctx, query, processName, time.Now().UTC(), details)
	if err != nil {
		return fmt.Errorf("failed to beat heartbeat for %s: %w", processName, err)
	}
	return nil
}

// List returns all known heartbeats.
func (r *HeartbeatRepository) List(ctx context.Context) ([]Heartbeat, error) {
	query := `SELECT ` + heartbeatColumns + ` FROM heartbeats ORDER BY process_name ASC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list heartbeats: %w", err)
	}
	defer rows.Close()

	var beats []Heartbeat
	for rows.Next() {
		h, err := scanHeartbeat(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan heartbeat: %w", err)
		}
		beats = append(beats, *h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate heartbeats: %w", err)
	}
	return beats, nil
}

// ListStale returns processes whose last beat is older than the cutoff.
func (r *HeartbeatRepository) ListStale(ctx context.Context, cutoff time.Time) ([]Heartbeat, error) {
	query := `SELECT ` + heartbeatColumns + ` FROM heartbeats
		WHERE last_seen < $1
		ORDER BY last_seen ASC`

	rows, err := r.db.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale heartbeats: %w", err)
	}
	defer rows.Close()

	var beats []Heartbeat
	for rows.Next() {
		h, err := scanHeartbeat(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan heartbeat: %w", err)
		}
		beats = append(beats, *h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate heartbeats: %w", err)
	}
	return beats, nil
}
