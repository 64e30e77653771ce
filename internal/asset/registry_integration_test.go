//go:build integration

package asset

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arkrelay/config"
	"arkrelay/internal/database"
	"arkrelay/internal/fault"
	"arkrelay/internal/tapd"
)

type fakeTreasury struct {
	listAssetsFn   func(ctx context.Context) ([]tapd.AssetInfo, error)
	listBalancesFn func(ctx context.Context) (map[string]uint64, error)
	mintFn         func(ctx context.Context, req tapd.MintRequest) (string, error)
	mints          []tapd.MintRequest
}

func (f *fakeTreasury) ListAssets(ctx context.Context) ([]tapd.AssetInfo, error) {
	return f.listAssetsFn(ctx)
}

func (f *fakeTreasury) ListBalances(ctx context.Context) (map[string]uint64, error) {
	return f.listBalancesFn(ctx)
}

func (f *fakeTreasury) MintAsset(ctx context.Context, req tapd.MintRequest) (string, error) {
	f.mints = append(f.mints, req)
	return f.mintFn(ctx, req)
}

// noCache disables Redis so the registry hits Postgres directly.
var noCache = config.CacheConfig{TTLSeconds: 0}

func TestRegistry_SyncAndRequire(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	ctx := context.Background()
	store := database.NewStore(db)
	treasury := &fakeTreasury{
		listAssetsFn: func(context.Context) ([]tapd.AssetInfo, error) {
			return []tapd.AssetInfo{
				{AssetID: "aaaa1111", Name: "gateway usd", Type: "normal", Amount: 1_000_000},
				{AssetID: "bbbb2222", Name: "relic", Type: "collectible", Amount: 1},
			}, nil
		},
	}
	reg := NewRegistry(store, treasury, noCache)

	written, err := reg.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	// The base asset is seeded alongside the synced rows.
	base, err := reg.Require(ctx, BaseAssetID)
	require.NoError(t, err)
	assert.Equal(t, int32(8), base.Precision)

	gusd, err := reg.Require(ctx, "aaaa1111")
	require.NoError(t, err)
	assert.Equal(t, "GATEWAY", gusd.Ticker)
	assert.Equal(t, int64(1_000_000), gusd.TotalSupply)

	_, err = reg.Require(ctx, "nope")
	require.Error(t, err)
	assert.Equal(t, fault.InvalidIntent, fault.CodeOf(err))
	assert.Contains(t, err.Error(), "unknown asset")
}

func TestRegistry_DisabledAssetRejectsAndSurvivesSync(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	ctx := context.Background()
	store := database.NewStore(db)
	treasury := &fakeTreasury{
		listAssetsFn: func(context.Context) ([]tapd.AssetInfo, error) {
			return []tapd.AssetInfo{
				{AssetID: "aaaa1111", Name: "gusd", Type: "normal", Amount: 500},
			}, nil
		},
	}
	reg := NewRegistry(store, treasury, noCache)

	_, err := reg.Sync(ctx)
	require.NoError(t, err)

	require.NoError(t, reg.SetEnabled(ctx, "aaaa1111", false))
	_, err = reg.Require(ctx, "aaaa1111")
	require.Error(t, err)
	assert.Equal(t, fault.InvalidIntent, fault.CodeOf(err))
	assert.Contains(t, err.Error(), "disabled")

	// A re-sync refreshes supply but never re-enables a disabled asset.
	_, err = reg.Sync(ctx)
	require.NoError(t, err)
	_, err = reg.Require(ctx, "aaaa1111")
	require.Error(t, err)

	enabled, err := reg.ListEnabled(ctx)
	require.NoError(t, err)
	for _, a := range enabled {
		assert.NotEqual(t, "aaaa1111", a.AssetID)
	}
}

func TestRegistry_BalanceReads(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	ctx := context.Background()
	store := database.NewStore(db)
	reg := NewRegistry(store, &fakeTreasury{}, noCache)
	user := "99aa88bb77cc66dd55ee44ff33221100f1e2d3c4b5a69788776655443322ffee"

	// Missing rows read as zero, not as errors.
	b, err := reg.Balance(ctx, user, "BTC")
	require.NoError(t, err)
	assert.Zero(t, b.Balance)
	assert.Zero(t, b.Reserved)

	require.NoError(t, store.Balances.Adjust(ctx, user, "BTC", 75000, 20000))
	b, err = reg.Balance(ctx, user, "BTC")
	require.NoError(t, err)
	assert.Equal(t, int64(75000), b.Balance)
	assert.Equal(t, int64(20000), b.Reserved)
	assert.Equal(t, int64(55000), b.Available())

	all, err := reg.Balances(ctx, user)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "BTC", all[0].AssetID)
}

func TestRegistry_EnsureSupply(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	ctx := context.Background()
	store := database.NewStore(db)
	treasury := &fakeTreasury{
		listAssetsFn: func(context.Context) ([]tapd.AssetInfo, error) {
			return []tapd.AssetInfo{
				{AssetID: "aaaa1111", Name: "gusd", Type: "normal", Amount: 1000},
			}, nil
		},
		listBalancesFn: func(context.Context) (map[string]uint64, error) {
			return map[string]uint64{"aaaa1111": 300}, nil
		},
		mintFn: func(_ context.Context, req tapd.MintRequest) (string, error) {
			return "batch-1", nil
		},
	}
	reg := NewRegistry(store, treasury, noCache)
	_, err := reg.Sync(ctx)
	require.NoError(t, err)

	// The base asset never mints through tapd.
	require.NoError(t, reg.EnsureSupply(ctx, BaseAssetID, 1_000_000))
	assert.Empty(t, treasury.mints)

	// Holdings already cover the need.
	require.NoError(t, reg.EnsureSupply(ctx, "aaaa1111", 200))
	assert.Empty(t, treasury.mints)

	// Shortfall mints the difference and records the issuance.
	require.NoError(t, reg.EnsureSupply(ctx, "aaaa1111", 800))
	require.Len(t, treasury.mints, 1)
	assert.Equal(t, uint64(500), treasury.mints[0].Amount)
	assert.Equal(t, "gusd", treasury.mints[0].Name)

	row, err := store.Assets.GetByID(ctx, "aaaa1111")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), row.TotalSupply)
}
