package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrInsufficientBalance is returned when a balance adjustment would
	// break 0 ≤ reserved ≤ balance
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// BalanceRepository handles all database operations for per-user asset balances
type BalanceRepository struct {
	db *pgxpool.Pool
}

// NewBalanceRepository creates a new balance repository instance
func NewBalanceRepository(db *DB) *BalanceRepository {
	return &BalanceRepository{
		db: db.pool,
	}
}

// Get retrieves the balance row for (user, asset). A missing row reads as
// a zero balance; it is materialized on first adjustment.
func (r *BalanceRepository) Get(ctx context.Context, userPubkey, assetID string) (*AssetBalance, error) {
	query := `SELECT user_pubkey, asset_id, balance, reserved, updated_at
		FROM asset_balances
		WHERE user_pubkey = $1 AND asset_id = $2`

	var b AssetBalance
	err := r.db.QueryRow(ctx, query, userPubkey, assetID).Scan(
		&b.UserPubkey,
		&b.AssetID,
		&b.Balance,
		&b.Reserved,
		&b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &AssetBalance{UserPubkey: userPubkey, AssetID: assetID}, nil
		}
		return nil, fmt.Errorf("failed to get balance for %s/%s: %w", userPubkey, assetID, err)
	}
	return &b, nil
}

// AdjustTx applies (deltaBalance, deltaReserved) to the (user, asset) row
// inside a caller-owned transaction, creating the row if needed. The table
// check constraints enforce 0 ≤ reserved ≤ balance; a violation surfaces
// as ErrInsufficientBalance and rolls the transaction back.
func (r *BalanceRepository) AdjustTx(ctx context.Context, tx pgx.Tx, userPubkey, assetID string, deltaBalance, deltaReserved int64) error {
	query := `INSERT INTO asset_balances (user_pubkey, asset_id, balance, reserved, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_pubkey, asset_id) DO UPDATE
		SET balance = asset_balances.balance + $3,
			reserved = asset_balances.reserved + $4,
			updated_at = now()`

	_, err := tx.Exec(ctx, query, userPubkey, assetID, deltaBalance, deltaReserved)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" { // check_violation
			return ErrInsufficientBalance
		}
		return fmt.Errorf("failed to adjust balance for %s/%s: %w", userPubkey, assetID, err)
	}
	return nil
}

// Adjust is AdjustTx in its own transaction, for single-entity updates.
func (r *BalanceRepository) Adjust(ctx context.Context, userPubkey, assetID string, deltaBalance, deltaReserved int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin balance adjustment: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.AdjustTx(ctx, tx, userPubkey, assetID, deltaBalance, deltaReserved); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit balance adjustment: %w", err)
	}
	return nil
}

// ListByUser returns all non-zero balances held by a user.
func (r *BalanceRepository) ListByUser(ctx context.Context, userPubkey string) ([]*AssetBalance, error) {
	query := `SELECT user_pubkey, asset_id, balance, reserved, updated_at
		FROM asset_balances
		WHERE user_pubkey = $1 AND balance > 0
		ORDER BY asset_id`

	rows, err := r.db.Query(ctx, query, userPubkey)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances for user: %w", err)
	}
	defer rows.Close()

	var balances []*AssetBalance
	for rows.Next() {
		var b AssetBalance
		err := rows.Scan(&b.UserPubkey, &b.AssetID, &b.Balance, &b.Reserved, &b.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan balance row: %w", err)
		}
		balances = append(balances, &b)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return balances, nil
}
