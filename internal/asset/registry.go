// Package asset keeps the registry of assets the gateway serves. Rows sync
// from the tapd node, intents validate against them, and balance reads go
// through a short-lived cache so wallet polling never hammers Postgres.
package asset

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"arkrelay/config"
	"arkrelay/internal/database"
	"arkrelay/internal/fault"
	"arkrelay/internal/tapd"
	"arkrelay/pkg/cache"
	"arkrelay/pkg/logger"
)

// BaseAssetID is the chain-native asset. It never syncs from tapd and its
// supply is the ark daemon's concern, not the registry's.
const BaseAssetID = "BTC"

// Treasury is the registry's view of the tapd node holding the gateway's
// taproot-asset supply.
type Treasury interface {
	ListAssets(ctx context.Context) ([]tapd.AssetInfo, error)
	ListBalances(ctx context.Context) (map[string]uint64, error)
	MintAsset(ctx context.Context, req tapd.MintRequest) (string, error)
}

// Registry validates intents against known assets and answers balance reads.
type Registry struct {
	store    *database.Store
	treasury Treasury
	cacheTTL time.Duration
}

// NewRegistry wires the registry. A zero cache TTL disables Redis entirely;
// tests run without a cache this way.
func NewRegistry(store *database.Store, treasury Treasury, cacheCfg config.CacheConfig) *Registry {
	return &Registry{
		store:    store,
		treasury: treasury,
		cacheTTL: time.Duration(cacheCfg.TTLSeconds) * time.Second,
	}
}

// Sync pulls the asset universe from tapd and upserts registry rows,
// returning how many were written. New assets arrive enabled; rows that
// were disabled by hand stay disabled because the upsert never touches the
// flag. The base asset is (re)seeded first so BTC intents validate even
// against an empty registry.
func (r *Registry) Sync(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	if err := r.store.Assets.Upsert(ctx, &database.Asset{
		AssetID:   BaseAssetID,
		Name:      "Bitcoin",
		Ticker:    "BTC",
		AssetType: "normal",
		Precision: 8,
		Enabled:   true,
		CreatedAt: now,
	}); err != nil {
		return 0, err
	}

	infos, err := r.treasury.ListAssets(ctx)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, info := range infos {
		row := &database.Asset{
			AssetID:     info.AssetID,
			Name:        info.Name,
			Ticker:      tickerFromName(info.Name),
			AssetType:   info.Type,
			Precision:   0,
			TotalSupply: int64(info.Amount),
			Enabled:     true,
			CreatedAt:   now,
		}
		if err := r.store.Assets.Upsert(ctx, row); err != nil {
			return written, err
		}
		r.invalidateAsset(ctx, info.AssetID)
		written++
	}

	logger.Info("asset registry synced",
		zap.Int("tapd_assets", written),
	)
	return written, nil
}

// Require returns the asset when it is known and enabled, and an
// invalid_intent fault otherwise. Reads go through the cache; the row is
// cached whether enabled or not so repeated rejects stay cheap.
func (r *Registry) Require(ctx context.Context, assetID string) (*database.Asset, error) {
	a, err := r.lookup(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if !a.Enabled {
		return nil, fault.Newf(fault.InvalidIntent, "asset %s is disabled", assetID)
	}
	return a, nil
}

func (r *Registry) lookup(ctx context.Context, assetID string) (*database.Asset, error) {
	key := assetKey(assetID)
	if r.cacheTTL > 0 {
		var cached database.Asset
		if ok, err := cache.GetJSON(ctx, key, &cached); err == nil && ok {
			return &cached, nil
		}
	}

	a, err := r.store.Assets.GetByID(ctx, assetID)
	if err != nil {
		if errors.Is(err, database.ErrAssetNotFound) {
			return nil, fault.Newf(fault.InvalidIntent, "unknown asset %s", assetID)
		}
		return nil, err
	}

	if r.cacheTTL > 0 {
		_ = cache.SetJSON(ctx, key, a, r.cacheTTL)
	}
	return a, nil
}

// SetEnabled flips an asset's availability and drops its cache entry before
// returning, so the next intent sees the new state.
func (r *Registry) SetEnabled(ctx context.Context, assetID string, enabled bool) error {
	if err := r.store.Assets.SetEnabled(ctx, assetID, enabled); err != nil {
		return err
	}
	r.invalidateAsset(ctx, assetID)
	logger.Info("asset availability changed",
		zap.String("asset_id", assetID),
		zap.Bool("enabled", enabled),
	)
	return nil
}

// ListEnabled returns the assets intents may reference.
func (r *Registry) ListEnabled(ctx context.Context) ([]*database.Asset, error) {
	return r.store.Assets.ListEnabled(ctx)
}

// Balance reads one user/asset balance through the cache. A missing row is
// a zero balance, not an error.
func (r *Registry) Balance(ctx context.Context, userPubkey, assetID string) (*database.AssetBalance, error) {
	key := balanceKey(userPubkey, assetID)
	if r.cacheTTL > 0 {
		var cached database.AssetBalance
		if ok, err := cache.GetJSON(ctx, key, &cached); err == nil && ok {
			return &cached, nil
		}
	}

	b, err := r.store.Balances.Get(ctx, userPubkey, assetID)
	if err != nil {
		return nil, err
	}

	if r.cacheTTL > 0 {
		_ = cache.SetJSON(ctx, key, b, r.cacheTTL)
	}
	return b, nil
}

// Balances lists every balance a user holds, uncached: the per-asset reads
// are the hot path, this one serves occasional summaries.
func (r *Registry) Balances(ctx context.Context, userPubkey string) ([]*database.AssetBalance, error) {
	return r.store.Balances.ListByUser(ctx, userPubkey)
}

// InvalidateBalance drops the cached balance after a settlement or transfer
// touched it. Callers invalidate before publishing results so a wallet that
// reads immediately sees the committed figures.
func (r *Registry) InvalidateBalance(ctx context.Context, userPubkey, assetID string) {
	if r.cacheTTL <= 0 {
		return
	}
	if _, err := cache.Delete(ctx, balanceKey(userPubkey, assetID)); err != nil {
		logger.Warn("failed to drop cached balance",
			zap.String("asset_id", assetID),
			zap.Error(err),
		)
	}
}

// EnsureSupply tops up treasury holdings of a taproot asset ahead of a mint
// that would outrun them. The base asset always passes: its liquidity is
// sourced by the ark daemon.
func (r *Registry) EnsureSupply(ctx context.Context, assetID string, needed int64) error {
	if assetID == BaseAssetID || needed <= 0 {
		return nil
	}

	a, err := r.Require(ctx, assetID)
	if err != nil {
		return err
	}

	balances, err := r.treasury.ListBalances(ctx)
	if err != nil {
		return err
	}
	have := int64(balances[assetID])
	if have >= needed {
		return nil
	}

	shortfall := needed - have
	batchID, err := r.treasury.MintAsset(ctx, tapd.MintRequest{
		Name:   a.Name,
		Type:   a.AssetType,
		Amount: uint64(shortfall),
	})
	if err != nil {
		return err
	}
	if err := r.store.Assets.AdjustSupply(ctx, assetID, shortfall); err != nil {
		return err
	}

	logger.Info("treasury supply topped up",
		zap.String("asset_id", assetID),
		zap.Int64("minted", shortfall),
		zap.String("batch", batchID),
	)
	return nil
}

func (r *Registry) invalidateAsset(ctx context.Context, assetID string) {
	if r.cacheTTL <= 0 {
		return
	}
	if _, err := cache.Delete(ctx, assetKey(assetID)); err != nil {
		logger.Warn("failed to drop cached asset",
			zap.String("asset_id", assetID),
			zap.Error(err),
		)
	}
}

func assetKey(assetID string) string {
	return "asset:" + assetID
}

func balanceKey(userPubkey, assetID string) string {
	return "balance:" + userPubkey + ":" + assetID
}

// tickerFromName derives a display ticker for synced assets: first word,
// uppercased, clipped to eight characters.
func tickerFromName(name string) string {
	word := name
	if i := strings.IndexByte(word, ' '); i > 0 {
		word = word[:i]
	}
	word = strings.ToUpper(word)
	if len(word) > 8 {
		word = word[:8]
	}
	return word
}
