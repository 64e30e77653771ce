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
	// ErrVtxoNotFound is returned when a vtxo is not found in the database
	ErrVtxoNotFound = errors.New("vtxo not found")
	// ErrVtxoConflict is returned when a reservation touches rows that changed underneath it
	ErrVtxoConflict = errors.New("vtxo reservation conflict")
)

// VtxoRepository handles all database operations for virtual UTXOs
type VtxoRepository struct {
	db *pgxpool.Pool
}

// NewVtxoRepository creates a new vtxo repository instance
func NewVtxoRepository(db *DB) *VtxoRepository {
	return &VtxoRepository{
		db: db.pool,
	}
}

const vtxoColumns = `vtxo_id, asset_id, amount, owner_pubkey, status, reserved_by_session, settlement_id, created_at, expires_at`

func scanVtxo(row pgx.Row) (*Vtxo, error) {
	var v Vtxo
	var status string

	err := row.Scan(
		&v.VtxoID,
		&v.AssetID,
		&v.Amount,
		&v.OwnerPubkey,
		&status,
		&v.ReservedBySession,
		&v.SettlementID,
		&v.CreatedAt,
		&v.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	v.Status = ParseVtxoStatus(status)
	return &v, nil
}

// InsertBatch inserts a batch of freshly created vtxos in one transaction.
func (r *VtxoRepository) InsertBatch(ctx context.Context, vtxos []*Vtxo) error {
	if len(vtxos) == 0 {
		return nil
	}

	query := `INSERT INTO vtxos (
		vtxo_id,
		asset_id,
		amount,
		owner_pubkey,
		status,
		created_at,
		expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin vtxo insert: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, v := range vtxos {
		_, err := tx.Exec(
			ctx,
			query,
			v.VtxoID,
			v.AssetID,
			v.Amount,
			v.OwnerPubkey,
			v.Status.String(),
			v.CreatedAt,
			v.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert vtxo %s: %w", v.VtxoID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit vtxo insert: %w", err)
	}
	return nil
}

// InsertBatchTx inserts vtxos inside a caller-owned transaction.
func (r *VtxoRepository) InsertBatchTx(ctx context.Context, tx pgx.Tx, vtxos []*Vtxo) error {
	query := `INSERT INTO vtxos (
		vtxo_id, asset_id, amount, owner_pubkey, status, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	for _, v := range vtxos {
		_, err := tx.Exec(ctx, query,
			v.VtxoID, v.AssetID, v.Amount, v.OwnerPubkey, v.Status.String(), v.CreatedAt, v.ExpiresAt)
		if err != nil {
			return fmt.Errorf("failed to insert vtxo %s: %w", v.VtxoID, err)
		}
	}
	return nil
}

// SelectAvailableForUpdate locks and returns the owner's available,
// unexpired vtxos for one asset. Lock order is deterministic (amount, then
// age) so two reservations for the same owner cannot deadlock.
func (r *VtxoRepository) SelectAvailableForUpdate(ctx context.Context, tx pgx.Tx, ownerPubkey *string, assetID string, now time.Time) ([]*Vtxo, error) {
	query := `SELECT ` + vtxoColumns + ` FROM vtxos
		WHERE owner_pubkey IS NOT DISTINCT FROM $1
		  AND asset_id = $2
		  AND status = 'available'
		  AND expires_at > $3
		ORDER BY amount ASC, created_at ASC
		FOR UPDATE`

	rows, err := tx.Query(ctx, query, ownerPubkey, assetID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to select available vtxos: %w", err)
	}
	defer rows.Close()

	var vtxos []*Vtxo
	for rows.Next() {
		v, err := scanVtxo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vtxo row: %w", err)
		}
		vtxos = append(vtxos, v)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return vtxos, nil
}

// ReserveTx marks the given vtxos reserved for a session. All rows must
// still be available; otherwise the whole reservation fails with
// ErrVtxoConflict and the transaction should be rolled back.
func (r *VtxoRepository) ReserveTx(ctx context.Context, tx pgx.Tx, vtxoIDs []string, sessionID string) error {
	query := `UPDATE vtxos
		SET status = 'reserved', reserved_by_session = $2
		WHERE vtxo_id = ANY($1) AND status = 'available'`

	tag, err := tx.Exec(ctx, query, vtxoIDs, sessionID)
	if err != nil {
		return fmt.Errorf("failed to reserve vtxos for session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() != int64(len(vtxoIDs)) {
		return ErrVtxoConflict
	}
	return nil
}

// MarkAssignedTx moves a session's reserved vtxos to assigned. Assigned
// vtxos are in-flight on the ARK side; the sweeper never auto-releases
// them.
func (r *VtxoRepository) MarkAssignedTx(ctx context.Context, tx pgx.Tx, sessionID string) (int64, error) {
	query := `UPDATE vtxos
		SET status = 'assigned'
		WHERE reserved_by_session = $1 AND status = 'reserved'`

	tag, err := tx.Exec(ctx, query, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to assign vtxos for session %s: %w", sessionID, err)
	}
	return tag.RowsAffected(), nil
}

// MarkSpentTx marks a session's reserved or assigned vtxos spent and
// returns their ids and total amount. The session pointer stays on the
// row for audit.
func (r *VtxoRepository) MarkSpentTx(ctx context.Context, tx pgx.Tx, sessionID string) ([]string, int64, error) {
	query := `UPDATE vtxos
		SET status = 'spent'
		WHERE reserved_by_session = $1 AND status IN ('reserved', 'assigned')
		RETURNING vtxo_id, amount`

	rows, err := tx.Query(ctx, query, sessionID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to mark vtxos spent for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var ids []string
	var total int64
	for rows.Next() {
		var id string
		var amount int64
		if err := rows.Scan(&id, &amount); err != nil {
			return nil, 0, fmt.Errorf("failed to scan vtxo id: %w", err)
		}
		ids = append(ids, id)
		total += amount
	}

	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error during row iteration: %w", err)
	}

	return ids, total, nil
}

// ReleaseBySessionTx returns a session's reserved vtxos to the available
// state and reports how many were released and their total amount.
// Assigned rows are included only when the caller knows the backend did
// not spend them.
func (r *VtxoRepository) ReleaseBySessionTx(ctx context.Context, tx pgx.Tx, sessionID string, includeAssigned bool) (int64, int64, error) {
	statuses := []string{"reserved"}
	if includeAssigned {
		statuses = append(statuses, "assigned")
	}

	query := `UPDATE vtxos
		SET status = 'available', reserved_by_session = NULL
		WHERE reserved_by_session = $1 AND status = ANY($2)
		RETURNING amount`

	rows, err := tx.Query(ctx, query, sessionID, statuses)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to release vtxos for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var count, total int64
	for rows.Next() {
		var amount int64
		if err := rows.Scan(&amount); err != nil {
			return 0, 0, fmt.Errorf("failed to scan released amount: %w", err)
		}
		count++
		total += amount
	}

	if err = rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("error during row iteration: %w", err)
	}

	return count, total, nil
}

// ListBySession returns the vtxos a session holds, oldest first. Used when
// an execution resumes and needs the ids it pinned before the interruption.
func (r *VtxoRepository) ListBySession(ctx context.Context, sessionID string) ([]*Vtxo, error) {
	query := `SELECT ` + vtxoColumns + ` FROM vtxos
		WHERE reserved_by_session = $1 AND status IN ('reserved', 'assigned')
		ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list vtxos for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var vtxos []*Vtxo
	for rows.Next() {
		v, err := scanVtxo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vtxo: %w", err)
		}
		vtxos = append(vtxos, v)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return vtxos, nil
}

// SumReservedBySession returns the total amount currently reserved for a
// session.
func (r *VtxoRepository) SumReservedBySession(ctx context.Context, sessionID string) (int64, error) {
	query := `SELECT COALESCE(SUM(amount), 0) FROM vtxos
		WHERE reserved_by_session = $1 AND status IN ('reserved', 'assigned')`

	var total int64
	if err := r.db.QueryRow(ctx, query, sessionID).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum reserved vtxos for session %s: %w", sessionID, err)
	}
	return total, nil
}

// GetByID retrieves a vtxo by id.
// Returns ErrVtxoNotFound if the id does not exist.
func (r *VtxoRepository) GetByID(ctx context.Context, vtxoID string) (*Vtxo, error) {
	query := `SELECT ` + vtxoColumns + ` FROM vtxos WHERE vtxo_id = $1`

	v, err := scanVtxo(r.db.QueryRow(ctx, query, vtxoID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVtxoNotFound
		}
		return nil, fmt.Errorf("failed to get vtxo %s: %w", vtxoID, err)
	}
	return v, nil
}

// ExpireAvailable transitions available vtxos past their deadline to
// expired. Reserved and assigned rows are left to their sessions.
func (r *VtxoRepository) ExpireAvailable(ctx context.Context, before time.Time) (int64, error) {
	query := `UPDATE vtxos
		SET status = 'expired'
		WHERE status = 'available' AND expires_at < $1`

	tag, err := r.db.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to expire vtxos: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListSettleable returns spent vtxos not yet swept into a settlement.
func (r *VtxoRepository) ListSettleable(ctx context.Context, limit int) ([]*Vtxo, error) {
	query := `SELECT ` + vtxoColumns + ` FROM vtxos
		WHERE status = 'spent' AND settlement_id IS NULL
		ORDER BY created_at ASC
		LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list settleable vtxos: %w", err)
	}
	defer rows.Close()

	var vtxos []*Vtxo
	for rows.Next() {
		v, err := scanVtxo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vtxo row: %w", err)
		}
		vtxos = append(vtxos, v)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return vtxos, nil
}

// MarkSettled stamps the settlement id on the given spent vtxos.
func (r *VtxoRepository) MarkSettled(ctx context.Context, vtxoIDs []string, settlementID string) error {
	query := `UPDATE vtxos
		SET settlement_id = $2
		WHERE vtxo_id = ANY($1) AND status = 'spent'`

	_, err := r.db.Exec(ctx, query, vtxoIDs, settlementID)
	if err != nil {
		return fmt.Errorf("failed to mark vtxos settled: %w", err)
	}
	return nil
}

// PoolStat summarizes one asset's pool inventory (gateway-owned rows).
type PoolStat struct {
	AssetID        string
	AvailableCount int
	AvailableTotal int64
	ReservedCount  int
	TotalCount     int
}

// PoolBreakdown aggregates pool inventory per asset for the replenishment
// monitor. Expired rows are excluded from the available figures.
func (r *VtxoRepository) PoolBreakdown(ctx context.Context, now time.Time) ([]*PoolStat, error) {
	query := `SELECT
			asset_id,
			COUNT(*) FILTER (WHERE status = 'available' AND expires_at > $1),
			COALESCE(SUM(amount) FILTER (WHERE status = 'available' AND expires_at > $1), 0),
			COUNT(*) FILTER (WHERE status IN ('reserved', 'assigned')),
			COUNT(*)
		FROM vtxos
		WHERE owner_pubkey IS NULL
		GROUP BY asset_id`

	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate pool inventory: %w", err)
	}
	defer rows.Close()

	var stats []*PoolStat
	for rows.Next() {
		var s PoolStat
		if err := rows.Scan(&s.AssetID, &s.AvailableCount, &s.AvailableTotal, &s.ReservedCount, &s.TotalCount); err != nil {
			return nil, fmt.Errorf("failed to scan pool stat: %w", err)
		}
		stats = append(stats, &s)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return stats, nil
}
