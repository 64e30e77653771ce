package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrInvoiceNotFound is returned when an invoice is not found in the database
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrInvoiceExists is returned when an invoice with the same payment hash already exists
	ErrInvoiceExists = errors.New("invoice already exists")
)

// InvoiceRepository handles all database operations for Lightning invoices
type InvoiceRepository struct {
	db *pgxpool.Pool
}

// NewInvoiceRepository creates a new invoice repository instance
func NewInvoiceRepository(db *DB) *InvoiceRepository {
	return &InvoiceRepository{
		db: db.pool,
	}
}

const invoiceColumns = `payment_hash, bolt11, session_id, amount_sats, asset_id, status, invoice_type, preimage, created_at, expires_at, paid_at`

func scanInvoice(row pgx.Row) (*LightningInvoice, error) {
	var inv LightningInvoice
	var status, invoiceType string

	err := row.Scan(
		&inv.PaymentHash,
		&inv.Bolt11,
		&inv.SessionID,
		&inv.AmountSats,
		&inv.AssetID,
		&status,
		&invoiceType,
		&inv.Preimage,
		&inv.CreatedAt,
		&inv.ExpiresAt,
		&inv.PaidAt,
	)
	if err != nil {
		return nil, err
	}
	inv.Status = ParseInvoiceStatus(status)
	inv.InvoiceType = ParseInvoiceType(invoiceType)
	return &inv, nil
}

// Create inserts a new invoice.
// Returns ErrInvoiceExists if the payment hash is already tracked.
func (r *InvoiceRepository) Create(ctx context.Context, invoice *LightningInvoice) error {
	query := `INSERT INTO lightning_invoices (
		payment_hash,
		bolt11,
		session_id,
		amount_sats,
		asset_id,
		status,
		invoice_type,
		created_at,
		expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.Exec(
		ctx,
		query,
		invoice.PaymentHash,
		invoice.Bolt11,
		invoice.SessionID,
		invoice.AmountSats,
		invoice.AssetID,
		invoice.Status.String(),
		invoice.InvoiceType.String(),
		invoice.CreatedAt,
		invoice.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return ErrInvoiceExists
		}
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

// GetByPaymentHash retrieves an invoice by its payment hash.
// Returns ErrInvoiceNotFound if the hash is not tracked.
func (r *InvoiceRepository) GetByPaymentHash(ctx context.Context, paymentHash string) (*LightningInvoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM lightning_invoices WHERE payment_hash = $1`

	inv, err := scanInvoice(r.db.QueryRow(ctx, query, paymentHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return inv, nil
}

// GetBySession retrieves the invoice bound to a session.
// Returns ErrInvoiceNotFound if the session has none.
func (r *InvoiceRepository) GetBySession(ctx context.Context, sessionID string) (*LightningInvoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM lightning_invoices
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	inv, err := scanInvoice(r.db.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("failed to get invoice for session %s: %w", sessionID, err)
	}
	return inv, nil
}

// UpdateStatus performs the conditional transition from→to. It reports
// false when the invoice is no longer in the expected state.
func (r *InvoiceRepository) UpdateStatus(ctx context.Context, paymentHash string, from, to InvoiceStatus) (bool, error) {
	query := `UPDATE lightning_invoices
		SET status = $3
		WHERE payment_hash = $1 AND status = $2`

	tag, err := r.db.Exec(ctx, query, paymentHash, from.String(), to.String())
	if err != nil {
		return false, fmt.Errorf("failed to update invoice status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkPaidTx settles an open invoice with its preimage inside a
// caller-owned transaction. Reports false if the invoice was already
// settled or expired; payment crediting must not run twice.
func (r *InvoiceRepository) MarkPaidTx(ctx context.Context, tx pgx.Tx, paymentHash, preimage string, paidAt time.Time) (bool, error) {
	query := `UPDATE lightning_invoices
		SET status = 'paid', preimage = $2, paid_at = $3
		WHERE payment_hash = $1 AND status IN ('pending', 'pending_payment')`

	tag, err := tx.Exec(ctx, query, paymentHash, preimage, paidAt)
	if err != nil {
		return false, fmt.Errorf("failed to mark invoice paid: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListOpen returns invoices the monitor still needs to poll.
func (r *InvoiceRepository) ListOpen(ctx context.Context, limit int) ([]*LightningInvoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM lightning_invoices
		WHERE status IN ('pending', 'pending_payment')
		ORDER BY created_at ASC
		LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list open invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*LightningInvoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice row: %w", err)
		}
		invoices = append(invoices, inv)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return invoices, nil
}

// ExpireOpen marks open invoices past their deadline as expired and
// returns the affected payment hashes.
func (r *InvoiceRepository) ExpireOpen(ctx context.Context, before time.Time) ([]string, error) {
	query := `UPDATE lightning_invoices
		SET status = 'expired'
		WHERE status IN ('pending', 'pending_payment') AND expires_at < $1
		RETURNING payment_hash`

	rows, err := r.db.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("failed to expire invoices: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan payment hash: %w", err)
		}
		hashes = append(hashes, h)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return hashes, nil
}
