package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrSettlementNotFound is returned when a settlement is not found
	ErrSettlementNotFound = errors.New("settlement not found")
)

// SettlementRepository handles all database operations for periodic
// commitment settlements
type SettlementRepository struct {
	db *pgxpool.Pool
}

// NewSettlementRepository creates a new settlement repository instance
func NewSettlementRepository(db *DB) *SettlementRepository {
	return &SettlementRepository{
		db: db.pool,
	}
}

const settlementColumns = `settlement_id, merkle_root, commitment_txid, vtxo_count, status, created_at, broadcast_at, confirmed_at`

func scanSettlement(row pgx.Row) (*Settlement, error) {
	var s Settlement
	var status string

	err := row.Scan(
		&s.SettlementID,
		&s.MerkleRoot,
		&s.CommitmentTxid,
		&s.VtxoCount,
		&status,
		&s.CreatedAt,
		&s.BroadcastAt,
		&s.ConfirmedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = ParseSettlementStatus(status)
	return &s, nil
}

// Create records a new pending settlement.
func (r *SettlementRepository) Create(ctx context.Context, s *Settlement) error {
	query := `INSERT INTO settlements (
		settlement_id, merkle_root, vtxo_count, status, created_at
		) VALUES ($1, $2, $3, $4, $5)`

	_, err := r.db.Exec(ctx, query, s.SettlementID, s.MerkleRoot, s.VtxoCount, s.Status.String(), s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create settlement %s: %w", s.SettlementID, err)
	}
	return nil
}

// GetByID retrieves a settlement by id.
// Returns ErrSettlementNotFound if the id is unknown.
func (r *SettlementRepository) GetByID(ctx context.Context, settlementID string) (*Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE settlement_id = $1`

	s, err := scanSettlement(r.db.QueryRow(ctx, query, settlementID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettlementNotFound
		}
		return nil, fmt.Errorf("failed to get settlement %s: %w", settlementID, err)
	}
	return s, nil
}

// MarkBroadcast stores the commitment txid and stamps the broadcast time.
func (r *SettlementRepository) MarkBroadcast(ctx context.Context, settlementID, commitmentTxid string, at time.Time) error {
	query := `UPDATE settlements
		SET status = 'broadcast', commitment_txid = $2, broadcast_at = $3
		WHERE settlement_id = $1 AND status = 'pending'`

	tag, err := r.db.Exec(ctx, query, settlementID, commitmentTxid, at)
	if err != nil {
		return fmt.Errorf("failed to mark settlement %s broadcast: %w", settlementID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSettlementNotFound
	}
	return nil
}

// MarkConfirmed stamps on-chain confirmation of the commitment transaction.
func (r *SettlementRepository) MarkConfirmed(ctx context.Context, settlementID string, at time.Time) error {
	query := `UPDATE settlements
		SET status = 'confirmed', confirmed_at = $2
		WHERE settlement_id = $1 AND status = 'broadcast'`

	tag, err := r.db.Exec(ctx, query, settlementID, at)
	if err != nil {
		return fmt.Errorf("failed to mark settlement %s confirmed: %w", settlementID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSettlementNotFound
	}
	return nil
}

// ListBroadcast returns settlements waiting for on-chain confirmation.
func (r *SettlementRepository) ListBroadcast(ctx context.Context, limit int) ([]Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements
		WHERE status = 'broadcast'
		ORDER BY broadcast_at ASC
		LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list broadcast settlements: %w", err)
	}
	defer rows.Close()

	var settlements []Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		settlements = append(settlements, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate settlements: %w", err)
	}
	return settlements, nil
}

// MarkFailed transitions a pending settlement to failed so the next run
// re-sweeps its vtxos.
func (r *SettlementRepository) MarkFailed(ctx context.Context, settlementID string) error {
	query := `UPDATE settlements
		SET status = 'failed'
		WHERE settlement_id = $1 AND status = 'pending'`

	tag, err := r.db.Exec(ctx, query, settlementID)
	if err != nil {
		return fmt.Errorf("failed to mark settlement %s failed: %w", settlementID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSettlementNotFound
	}
	return nil
}
