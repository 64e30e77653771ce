package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrAssetNotFound is returned when an asset is not found in the registry
	ErrAssetNotFound = errors.New("asset not found")
)

// AssetRepository handles all database operations for the asset registry
type AssetRepository struct {
	db *pgxpool.Pool
}

// NewAssetRepository creates a new asset repository instance
func NewAssetRepository(db *DB) *AssetRepository {
	return &AssetRepository{
		db: db.pool,
	}
}

const assetColumns = `asset_id, name, ticker, asset_type, precision, total_supply, enabled, created_at`

func scanAsset(row pgx.Row) (*Asset, error) {
	var a Asset
	err := row.Scan(
		&a.AssetID,
		&a.Name,
		&a.Ticker,
		&a.AssetType,
		&a.Precision,
		&a.TotalSupply,
		&a.Enabled,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Upsert inserts or refreshes a registry row. The registry is synced from
// the asset daemon, so the daemon's view of name/ticker/supply wins.
func (r *AssetRepository) Upsert(ctx context.Context, asset *Asset) error {
	query := `INSERT INTO assets (asset_id, name, ticker, asset_type, precision, total_supply, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (asset_id) DO UPDATE
		SET name = $2, ticker = $3, asset_type = $4, precision = $5, total_supply = $6`

	_, err := r.db.Exec(
		ctx,
		query,
		asset.AssetID,
		asset.Name,
		asset.Ticker,
		asset.AssetType,
		asset.Precision,
		asset.TotalSupply,
		asset.Enabled,
		asset.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert asset %s: %w", asset.AssetID, err)
	}
	return nil
}

// GetByID retrieves an asset by id.
// Returns ErrAssetNotFound if the id is not registered.
func (r *AssetRepository) GetByID(ctx context.Context, assetID string) (*Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE asset_id = $1`

	a, err := scanAsset(r.db.QueryRow(ctx, query, assetID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAssetNotFound
		}
		return nil, fmt.Errorf("failed to get asset %s: %w", assetID, err)
	}
	return a, nil
}

// ListEnabled returns all assets the gateway currently serves.
func (r *AssetRepository) ListEnabled(ctx context.Context) ([]*Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE enabled ORDER BY asset_id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	var assets []*Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset row: %w", err)
		}
		assets = append(assets, a)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return assets, nil
}

// AdjustSupply adds delta to the tracked total supply after a local mint.
func (r *AssetRepository) AdjustSupply(ctx context.Context, assetID string, delta int64) error {
	query := `UPDATE assets SET total_supply = total_supply + $2 WHERE asset_id = $1`

	tag, err := r.db.Exec(ctx, query, assetID, delta)
	if err != nil {
		return fmt.Errorf("failed to adjust supply for asset %s: %w", assetID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAssetNotFound
	}
	return nil
}

// SetEnabled flips whether the gateway serves an asset.
func (r *AssetRepository) SetEnabled(ctx context.Context, assetID string, enabled bool) error {
	query := `UPDATE assets SET enabled = $2 WHERE asset_id = $1`

	tag, err := r.db.Exec(ctx, query, assetID, enabled)
	if err != nil {
		return fmt.Errorf("failed to set enabled for asset %s: %w", assetID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAssetNotFound
	}
	return nil
}
