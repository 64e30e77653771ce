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
	// ErrArkTxNotFound is returned when an ark transaction is not found
	ErrArkTxNotFound = errors.New("ark transaction not found")
)

// ArkTxRepository records the ARK-side transactions the gateway initiated,
// for audit and settlement bookkeeping.
type ArkTxRepository struct {
	db *pgxpool.Pool
}

// NewArkTxRepository creates a new ark transaction repository instance
func NewArkTxRepository(db *DB) *ArkTxRepository {
	return &ArkTxRepository{
		db: db.pool,
	}
}

const arkTxColumns = `txid, session_id, tx_type, asset_id, amount, fee, status, created_at, confirmed_at`

func scanArkTx(row pgx.Row) (*ArkTransaction, error) {
	var t ArkTransaction
	var txType, status string

	err := row.Scan(
		&t.Txid,
		&t.SessionID,
		&txType,
		&t.AssetID,
		&t.Amount,
		&t.Fee,
		&status,
		&t.CreatedAt,
		&t.ConfirmedAt,
	)
	if err != nil {
		return nil, err
	}
	t.TxType = ParseArkTxType(txType)
	t.Status = ParseArkTxStatus(status)
	return &t, nil
}

// Create records a new ark transaction.
func (r *ArkTxRepository) Create(ctx context.Context, tx *ArkTransaction) error {
	query := `INSERT INTO ark_transactions (
		txid, session_id, tx_type, asset_id, amount, fee, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (txid) DO NOTHING`

	_, err := r.db.Exec(
		ctx,
		query,
		tx.Txid,
		tx.SessionID,
		tx.TxType.String(),
		tx.AssetID,
		tx.Amount,
		tx.Fee,
		tx.Status.String(),
		tx.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record ark transaction %s: %w", tx.Txid, err)
	}
	return nil
}

// CreateTx records a new ark transaction inside a caller-owned transaction.
func (r *ArkTxRepository) CreateTx(ctx context.Context, dbtx pgx.Tx, tx *ArkTransaction) error {
	query := `INSERT INTO ark_transactions (
		txid, session_id, tx_type, asset_id, amount, fee, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (txid) DO NOTHING`

	_, err := dbtx.Exec(ctx, query,
		tx.Txid, tx.SessionID, tx.TxType.String(), tx.AssetID, tx.Amount, tx.Fee, tx.Status.String(), tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record ark transaction %s: %w", tx.Txid, err)
	}
	return nil
}

// GetByTxid retrieves a recorded transaction.
// Returns ErrArkTxNotFound if the txid is unknown.
func (r *ArkTxRepository) GetByTxid(ctx context.Context, txid string) (*ArkTransaction, error) {
	query := `SELECT ` + arkTxColumns + ` FROM ark_transactions WHERE txid = $1`

	t, err := scanArkTx(r.db.QueryRow(ctx, query, txid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrArkTxNotFound
		}
		return nil, fmt.Errorf("failed to get ark transaction %s: %w", txid, err)
	}
	return t, nil
}

// ListBySession retrieves the transactions recorded for a session.
func (r *ArkTxRepository) ListBySession(ctx context.Context, sessionID string) ([]*ArkTransaction, error) {
	query := `SELECT ` + arkTxColumns + ` FROM ark_transactions
		WHERE session_id = $1
		ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ark transactions for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var txs []*ArkTransaction
	for rows.Next() {
		t, err := scanArkTx(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ark transaction row: %w", err)
		}
		txs = append(txs, t)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return txs, nil
}

// MarkConfirmed transitions a pending transaction to confirmed.
func (r *ArkTxRepository) MarkConfirmed(ctx context.Context, txid string, confirmedAt time.Time) error {
	query := `UPDATE ark_transactions
		SET status = 'confirmed', confirmed_at = $2
		WHERE txid = $1 AND status = 'pending'`

	tag, err := r.db.Exec(ctx, query, txid, confirmedAt)
	if err != nil {
		return fmt.Errorf("failed to confirm ark transaction %s: %w", txid, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrArkTxNotFound
	}
	return nil
}

// MarkFailed transitions a pending transaction to failed.
func (r *ArkTxRepository) MarkFailed(ctx context.Context, txid string) error {
	query := `UPDATE ark_transactions
		SET status = 'failed'
		WHERE txid = $1 AND status = 'pending'`

	tag, err := r.db.Exec(ctx, query, txid)
	if err != nil {
		return fmt.Errorf("failed to fail ark transaction %s: %w", txid, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrArkTxNotFound
	}
	return nil
}
