package vtxo

import (
	"context"
	"encoding/hex"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"arkrelay/internal/arkd"
	"arkrelay/internal/database"
	"arkrelay/pkg/logger"
)

// Committer anchors a settled batch on chain through the ark daemon.
type Committer interface {
	CreateCommitmentTransaction(ctx context.Context, req arkd.CommitmentRequest) (*arkd.Commitment, error)
	BroadcastTransaction(ctx context.Context, rawTx string) (string, error)
}

// Settlement fee model: flat base plus a per-input increment.
const (
	settleBaseFeeSats    = 2000
	settlePerVtxoFeeSats = 100
)

// settleBatchLimit caps how many spent vtxos one settlement round loads.
const settleBatchLimit = 500

// Settler batches spent vtxos into per-asset commitment transactions and
// broadcasts them.
type Settler struct {
	store *database.Store
	ark   Committer
}

func NewSettler(store *database.Store, ark Committer) *Settler {
	return &Settler{store: store, ark: ark}
}

// SettleOnce runs one settlement round: spent, unsettled vtxos are grouped
// by asset, each group is committed and broadcast, and the rows are marked
// settled. One asset's failure does not stop the others. Returns the number
// of settlements broadcast.
func (s *Settler) SettleOnce(ctx context.Context) (int, error) {
	eligible, err := s.store.Vtxos.ListSettleable(ctx, settleBatchLimit)
	if err != nil {
		return 0, err
	}
	if len(eligible) == 0 {
		return 0, nil
	}

	byAsset := make(map[string][]*database.Vtxo)
	for _, v := range eligible {
		byAsset[v.AssetID] = append(byAsset[v.AssetID], v)
	}
	assets := make([]string, 0, len(byAsset))
	for asset := range byAsset {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	settled := 0
	for _, asset := range assets {
		if err := s.settleAsset(ctx, asset, byAsset[asset]); err != nil {
			logger.Warn("settlement failed for asset",
				zap.String("asset_id", asset),
				zap.Int("vtxos", len(byAsset[asset])),
				zap.Error(err),
			)
			continue
		}
		settled++
	}
	return settled, nil
}

// SettleAsset runs one settlement round for a single asset. Used by the
// worker when rounds arrive through the vtxo_settle stream.
func (s *Settler) SettleAsset(ctx context.Context, assetID string) error {
	eligible, err := s.store.Vtxos.ListSettleable(ctx, settleBatchLimit)
	if err != nil {
		return err
	}

	var batch []*database.Vtxo
	for _, v := range eligible {
		if v.AssetID == assetID {
			batch = append(batch, v)
		}
	}
	if len(batch) == 0 {
		return nil
	}
	return s.settleAsset(ctx, assetID, batch)
}

func (s *Settler) settleAsset(ctx context.Context, assetID string, batch []*database.Vtxo) error {
	job := startJob(ctx, s.store, "vtxo_settle", assetID)

	ids := make([]string, 0, len(batch))
	var total int64
	for _, v := range batch {
		ids = append(ids, v.VtxoID)
		total += v.Amount
	}

	root := MerkleRoot(ids)
	fee := settlementFee(len(ids))
	settlement := &database.Settlement{
		SettlementID: uuid.New().String(),
		MerkleRoot:   root,
		VtxoCount:    len(ids),
		Status:       database.SettlementPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.Settlements.Create(ctx, settlement); err != nil {
		finishJob(ctx, s.store, job, err)
		return err
	}

	commitment, err := s.ark.CreateCommitmentTransaction(ctx, arkd.CommitmentRequest{
		AssetID:     assetID,
		VtxoIDs:     ids,
		MerkleRoot:  root,
		TotalAmount: total,
		FeeSats:     fee,
	})
	if err != nil {
		s.markFailed(ctx, settlement.SettlementID)
		finishJob(ctx, s.store, job, err)
		return err
	}

	txid, err := s.ark.BroadcastTransaction(ctx, commitment.RawTx)
	if err != nil {
		s.markFailed(ctx, settlement.SettlementID)
		finishJob(ctx, s.store, job, err)
		return err
	}

	// Rows flip to settled only after broadcast: a failed round leaves them
	// eligible for the next one.
	now := time.Now().UTC()
	if err := s.store.Vtxos.MarkSettled(ctx, ids, settlement.SettlementID); err != nil {
		finishJob(ctx, s.store, job, err)
		return err
	}
	if err := s.store.Settlements.MarkBroadcast(ctx, settlement.SettlementID, txid, now); err != nil {
		finishJob(ctx, s.store, job, err)
		return err
	}
	if err := s.store.ArkTxs.Create(ctx, &database.ArkTransaction{
		Txid:      txid,
		TxType:    database.ArkTxSettlement,
		AssetID:   assetID,
		Amount:    total,
		Fee:       fee,
		Status:    database.ArkTxPending,
		CreatedAt: now,
	}); err != nil {
		finishJob(ctx, s.store, job, err)
		return err
	}

	finishJob(ctx, s.store, job, nil)
	logger.Info("settlement broadcast",
		zap.String("settlement_id", settlement.SettlementID),
		zap.String("txid", txid),
		zap.String("asset_id", assetID),
		zap.Int("vtxos", len(ids)),
		zap.Int64("total", total),
		zap.Int64("fee_sats", fee),
	)
	return nil
}

func (s *Settler) markFailed(ctx context.Context, settlementID string) {
	if err := s.store.Settlements.MarkFailed(ctx, settlementID); err != nil {
		logger.Warn("failed to mark settlement failed",
			zap.String("settlement_id", settlementID),
			zap.Error(err),
		)
	}
}

// MerkleRoot derives the commitment root for a settlement batch. Leaves are
// the hex sha256 of each vtxo id; pairs combine by hashing the concatenated
// hex digests, and an odd node carries up unchanged. A single vtxo settles
// under its own leaf hash. Wallets recompute this root when auditing a
// commitment, so the hex-string tree shape is part of the wire contract.
func MerkleRoot(vtxoIDs []string) string {
	if len(vtxoIDs) == 0 {
		return ""
	}

	level := make([]string, 0, len(vtxoIDs))
	for _, id := range vtxoIDs {
		level = append(level, hashHex(id))
	}

	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				break
			}
			next = append(next, hashHex(level[i]+level[i+1]))
		}
		level = next
	}
	return level[0]
}

func hashHex(s string) string {
	return hex.EncodeToString(chainhash.HashB([]byte(s)))
}

// settlementFee prices a commitment transaction by input count.
func settlementFee(count int) int64 {
	return settleBaseFeeSats + settlePerVtxoFeeSats*int64(count)
}
