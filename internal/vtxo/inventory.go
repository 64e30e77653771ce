// Package vtxo manages the gateway's virtual-UTXO inventory: output
// selection for session reservations, treasury pool replenishment when
// supply runs low, and batched L1 settlement of spent outputs.
package vtxo

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"arkrelay/config"
	"arkrelay/internal/arkd"
	"arkrelay/internal/database"
	"arkrelay/internal/fault"
	"arkrelay/internal/queue"
	"arkrelay/pkg/logger"
	streams "arkrelay/pkg/queue"
)

// poolGrowthFactor sizes the replenishment buffer as a share of current
// pool size, so busy pools grow faster than idle ones.
const poolGrowthFactor = 0.2

// Minter creates fresh vtxos through the ark daemon.
type Minter interface {
	CreateVtxos(ctx context.Context, req arkd.CreateVtxosRequest) ([]arkd.Vtxo, error)
}

// SupplyChecker tops up treasury holdings of an asset ahead of a mint that
// would outrun them.
type SupplyChecker interface {
	EnsureSupply(ctx context.Context, assetID string, needed int64) error
}

// Select picks vtxos covering amount from the locked candidates. Preference
// order: a single output of exactly the right size (oldest such output
// wins), then the fewest outputs via largest-first accumulation with
// oldest-first tiebreaks.
//
// Select never touches the database: it runs inside the reservation
// transaction while the candidate rows are locked.
func Select(available []*database.Vtxo, amount int64) ([]*database.Vtxo, error) {
	if amount <= 0 {
		return nil, fault.Newf(fault.InvalidIntent, "reservation amount must be positive, got %d", amount)
	}

	var exact *database.Vtxo
	var total int64
	for _, v := range available {
		total += v.Amount
		if v.Amount == amount && (exact == nil || v.CreatedAt.Before(exact.CreatedAt)) {
			exact = v
		}
	}
	if exact != nil {
		return []*database.Vtxo{exact}, nil
	}
	if total < amount {
		return nil, fault.Newf(fault.InsufficientInventory, "available %d of %d needed", total, amount)
	}

	picked := make([]*database.Vtxo, len(available))
	copy(picked, available)
	sort.SliceStable(picked, func(i, j int) bool {
		if picked[i].Amount != picked[j].Amount {
			return picked[i].Amount > picked[j].Amount
		}
		return picked[i].CreatedAt.Before(picked[j].CreatedAt)
	})

	var sum int64
	for i, v := range picked {
		sum += v.Amount
		if sum >= amount {
			return picked[:i+1], nil
		}
	}

	// Unreachable: total already covers amount.
	return nil, fault.Newf(fault.InsufficientInventory, "available %d of %d needed", total, amount)
}

// Inventory reserves outputs for sessions and keeps the treasury pool
// stocked.
type Inventory struct {
	store  *database.Store
	ark    Minter
	supply SupplyChecker
	jobs   *streams.StreamQueue
	cfg    config.VtxoConfig
}

// NewInventory wires the inventory manager. supply may be nil when no
// taproot-asset treasury is attached.
func NewInventory(store *database.Store, ark Minter, supply SupplyChecker, jobs *streams.StreamQueue, cfg config.VtxoConfig) *Inventory {
	return &Inventory{store: store, ark: ark, supply: supply, jobs: jobs, cfg: cfg}
}

// Reserve locks outputs covering amount for the session. When the owner's
// holdings cannot cover it, the ark daemon re-shapes them into one fresh
// output and selection runs once more; a second shortfall surfaces to the
// caller as insufficient_inventory.
func (inv *Inventory) Reserve(ctx context.Context, sessionID string, ownerPubkey *string, assetID string, amount int64) (*database.Reservation, error) {
	res, err := inv.store.ReserveForSession(ctx, sessionID, ownerPubkey, assetID, amount, Select)
	if err == nil {
		return res, nil
	}
	if !fault.IsCode(err, fault.InsufficientInventory) {
		return nil, err
	}

	logger.Info("holdings short for reservation, refilling through arkd",
		zap.String("session_id", sessionID),
		zap.String("asset_id", assetID),
		zap.Int64("amount", amount),
	)
	if err := inv.refill(ctx, ownerPubkey, assetID, amount); err != nil {
		return nil, err
	}
	return inv.store.ReserveForSession(ctx, sessionID, ownerPubkey, assetID, amount, Select)
}

// refill mints one output covering the full shortfall amount. The balance
// precheck upstream already bounded the request, and a single output keeps
// the retry selection trivial.
func (inv *Inventory) refill(ctx context.Context, ownerPubkey *string, assetID string, amount int64) error {
	req := arkd.CreateVtxosRequest{AssetID: assetID, Amount: amount, Count: 1}
	if ownerPubkey != nil {
		req.OwnerPubkey = *ownerPubkey
	}

	minted, err := inv.ark.CreateVtxos(ctx, req)
	if err != nil {
		return err
	}
	return inv.insertMinted(ctx, minted, ownerPubkey)
}

// CheckPools inspects treasury inventory per asset and enqueues a replenish
// job for every pool running low. Runs on a timer in the gateway process;
// minting happens in a worker.
func (inv *Inventory) CheckPools(ctx context.Context) error {
	stats, err := inv.store.Vtxos.PoolBreakdown(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	for _, stat := range stats {
		count := replenishCount(stat, inv.cfg)
		if count == 0 {
			continue
		}

		msg := &queue.ReplenishVtxosMessage{
			AssetID:    stat.AssetID,
			Count:      count,
			AmountSats: inv.cfg.DefaultAmount,
		}
		data, err := msg.ToJSON()
		if err != nil {
			return err
		}
		if _, err := inv.jobs.Publish(ctx, queue.StreamVtxoReplenish, data); err != nil {
			return fmt.Errorf("failed to enqueue replenish for %s: %w", stat.AssetID, err)
		}

		logger.Info("replenish job enqueued",
			zap.String("asset_id", stat.AssetID),
			zap.Int("count", count),
			zap.Int("available", stat.AvailableCount),
			zap.Int("reserved", stat.ReservedCount),
			zap.Int("total", stat.TotalCount),
		)
	}
	return nil
}

// replenishCount sizes the mint batch for one pool, returning 0 when its
// inventory is healthy. A pool needs stock when available outputs dip below
// the floor, when in-use outputs pass the utilization threshold, or when
// the pool was never primed to the floor. The batch covers the shortfall
// plus a growth buffer, capped by config.
func replenishCount(stat *database.PoolStat, cfg config.VtxoConfig) int {
	var utilization float64
	if stat.TotalCount > 0 {
		utilization = float64(stat.ReservedCount) / float64(stat.TotalCount)
	}

	low := stat.AvailableCount < cfg.MinPoolSize ||
		utilization > cfg.UtilizationThreshold ||
		stat.TotalCount < cfg.MinPoolSize
	if !low {
		return 0
	}

	deficit := cfg.MinPoolSize - stat.AvailableCount
	if deficit < 0 {
		deficit = 0
	}
	buffer := cfg.MinPoolSize
	if stat.TotalCount > 0 {
		buffer = int(float64(stat.TotalCount) * poolGrowthFactor)
	}

	count := deficit + buffer
	if count > cfg.ReplenishBatchMax {
		count = cfg.ReplenishBatchMax
	}
	return count
}

// Replenish mints a batch of pool-owned outputs and records them as
// available inventory. Runs in a worker off the vtxo_replenish stream. A
// re-delivered job mints again and may overshoot; the next monitor cycle
// sees the surplus and stays quiet, so the pool self-corrects.
func (inv *Inventory) Replenish(ctx context.Context, assetID string, count int, amountSats int64) error {
	if count > inv.cfg.ReplenishBatchMax {
		count = inv.cfg.ReplenishBatchMax
	}

	job := startJob(ctx, inv.store, "vtxo_replenish", assetID)

	if inv.supply != nil {
		if err := inv.supply.EnsureSupply(ctx, assetID, int64(count)*amountSats); err != nil {
			finishJob(ctx, inv.store, job, err)
			return err
		}
	}

	minted, err := inv.ark.CreateVtxos(ctx, arkd.CreateVtxosRequest{
		AssetID: assetID,
		Amount:  amountSats,
		Count:   int32(count),
	})
	if err != nil {
		finishJob(ctx, inv.store, job, err)
		return err
	}
	if err := inv.insertMinted(ctx, minted, nil); err != nil {
		finishJob(ctx, inv.store, job, err)
		return err
	}

	finishJob(ctx, inv.store, job, nil)
	logger.Info("pool replenished",
		zap.String("asset_id", assetID),
		zap.Int("minted", len(minted)),
		zap.Int64("amount_each", amountSats),
	)
	return nil
}

// insertMinted records daemon-minted outputs as available inventory. The
// daemon's expiry wins when it reports one; otherwise the configured
// lifetime applies.
func (inv *Inventory) insertMinted(ctx context.Context, minted []arkd.Vtxo, ownerPubkey *string) error {
	now := time.Now().UTC()
	rows := make([]*database.Vtxo, 0, len(minted))
	for _, m := range minted {
		expires := now.Add(time.Duration(inv.cfg.ExpirationHours) * time.Hour)
		if m.ExpiresAt > 0 {
			expires = time.Unix(m.ExpiresAt, 0).UTC()
		}
		rows = append(rows, &database.Vtxo{
			VtxoID:      m.VtxoID,
			AssetID:     m.AssetID,
			Amount:      m.Amount,
			OwnerPubkey: ownerPubkey,
			Status:      database.VtxoAvailable,
			CreatedAt:   now,
			ExpiresAt:   expires,
		})
	}
	return inv.store.Vtxos.InsertBatch(ctx, rows)
}

func startJob(ctx context.Context, store *database.Store, jobType, target string) *database.JobLog {
	job, err := store.JobLogs.Start(ctx, jobType, &target)
	if err != nil {
		logger.Warn("job log unavailable",
			zap.String("job_type", jobType),
			zap.Error(err),
		)
		return nil
	}
	return job
}

func finishJob(ctx context.Context, store *database.Store, job *database.JobLog, runErr error) {
	if job == nil {
		return
	}
	status := database.JobCompleted
	var detail *string
	if runErr != nil {
		status = database.JobFailed
		msg := runErr.Error()
		detail = &msg
	}
	if err := store.JobLogs.Finish(ctx, job.ID, status, detail); err != nil {
		logger.Warn("failed to finish job log",
			zap.String("id", job.ID),
			zap.Error(err),
		)
	}
}
