package lightning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"arkrelay/config"
	"arkrelay/internal/database"
	"arkrelay/internal/fault"
	"arkrelay/internal/lnd"
	"arkrelay/pkg/logger"
)

// pollBatchLimit bounds one polling pass over open invoices.
const pollBatchLimit = 200

// Stream yields invoice updates until it breaks or the context ends.
type Stream interface {
	Recv() (*lnd.InvoiceUpdate, error)
}

// Watcher is the monitor's slice of the node surface: the settlement
// stream plus point lookups for the polling fallback.
type Watcher interface {
	SubscribeInvoices(ctx context.Context, addIndex, settleIndex uint64) (Stream, error)
	LookupInvoice(ctx context.Context, paymentHash string) (*lnd.InvoiceUpdate, error)
}

// NodeWatcher adapts *lnd.Client's concrete stream type to Watcher.
type NodeWatcher struct {
	Client *lnd.Client
}

func (w NodeWatcher) SubscribeInvoices(ctx context.Context, addIndex, settleIndex uint64) (Stream, error) {
	return w.Client.SubscribeInvoices(ctx, addIndex, settleIndex)
}

func (w NodeWatcher) LookupInvoice(ctx context.Context, paymentHash string) (*lnd.InvoiceUpdate, error) {
	return w.Client.LookupInvoice(ctx, paymentHash)
}

// Notifier reports terminal lift outcomes back to the wallet. Publish
// problems are the notifier's to log; the settlement is already durable
// when it runs.
type Notifier interface {
	SessionCompleted(ctx context.Context, sess *database.Session, result []byte)
	SessionFailed(ctx context.Context, sess *database.Session, code fault.Code, message string)
}

// Monitor watches lift invoices to settlement. The node's subscription
// stream is the fast path; a periodic poll over open invoices catches
// whatever a reconnect window missed. Seeing the same settlement twice is
// harmless — the invoice's paid transition admits exactly one credit.
type Monitor struct {
	store     *database.Store
	watcher   Watcher
	inventory Reserver
	notifier  Notifier
	cfg       config.LightningConfig
	vtxoCfg   config.VtxoConfig

	mu          sync.Mutex
	settleIndex uint64
}

// NewMonitor wires the settlement monitor. notifier may be nil; outcomes
// are then recorded but not published.
func NewMonitor(store *database.Store, watcher Watcher, inventory Reserver, notifier Notifier, cfg config.LightningConfig, vtxoCfg config.VtxoConfig) *Monitor {
	return &Monitor{
		store:     store,
		watcher:   watcher,
		inventory: inventory,
		notifier:  notifier,
		cfg:       cfg,
		vtxoCfg:   vtxoCfg,
	}
}

// Run drives the stream and polling loops until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	go m.pollLoop(ctx)
	m.streamLoop(ctx)
	return ctx.Err()
}

func (m *Monitor) streamLoop(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		stream, err := m.watcher.SubscribeInvoices(ctx, 0, m.lastSettleIndex())
		if err != nil {
			delay := bo.NextBackOff()
			logger.Warn("invoice stream subscribe failed",
				zap.Error(err),
				zap.Duration("retry_in", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		bo.Reset()

		if err := m.drain(ctx, stream); err != nil && ctx.Err() == nil {
			logger.Warn("invoice stream broke, resubscribing", zap.Error(err))
		}
	}
}

func (m *Monitor) drain(ctx context.Context, stream Stream) error {
	for {
		update, err := stream.Recv()
		if err != nil {
			return err
		}
		m.observe(ctx, update)
	}
}

func (m *Monitor) pollLoop(ctx context.Context) {
	interval := time.Duration(m.cfg.MonitorPollSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.PollOnce(ctx); err != nil {
				logger.Warn("invoice poll failed", zap.Error(err))
			}
		}
	}
}

// PollOnce checks every open lift invoice against the node. Land rows in
// pending_payment are skipped: their settlement is driven by the payment
// itself, and the sweeper expires the stale ones.
func (m *Monitor) PollOnce(ctx context.Context) error {
	open, err := m.store.Invoices.ListOpen(ctx, pollBatchLimit)
	if err != nil {
		return err
	}
	for _, inv := range open {
		if inv.InvoiceType != database.InvoiceLift {
			continue
		}
		update, err := m.watcher.LookupInvoice(ctx, inv.PaymentHash)
		if err != nil {
			logger.Warn("invoice lookup failed",
				logger.ShortHex("payment_hash", inv.PaymentHash),
				zap.Error(err))
			continue
		}
		m.observe(ctx, update)
	}
	return nil
}

// observe routes one invoice update. Only settlement and cancellation
// matter; open and accepted are waiting states.
func (m *Monitor) observe(ctx context.Context, update *lnd.InvoiceUpdate) {
	if update.SettleIndex > 0 {
		m.bumpSettleIndex(update.SettleIndex)
	}

	switch update.State {
	case lnd.InvoiceSettled:
		if err := m.settle(ctx, update); err != nil {
			logger.Error("lift settlement failed",
				logger.ShortHex("payment_hash", update.PaymentHash),
				zap.Error(err))
		}
	case lnd.InvoiceCanceled:
		if err := m.cancel(ctx, update.PaymentHash); err != nil {
			logger.Error("lift cancellation failed",
				logger.ShortHex("payment_hash", update.PaymentHash),
				zap.Error(err))
		}
	}
}

// settle credits a lift once its invoice pays: verify the preimage,
// allocate pool outputs for the amount (minting through the daemons when
// the pool is short), then commit invoice, session, outputs and balance in
// one transaction.
func (m *Monitor) settle(ctx context.Context, update *lnd.InvoiceUpdate) error {
	inv, err := m.store.Invoices.GetByPaymentHash(ctx, update.PaymentHash)
	if err != nil {
		if errors.Is(err, database.ErrInvoiceNotFound) {
			// Not one of ours; the node carries unrelated invoices too.
			return nil
		}
		return err
	}
	if inv.InvoiceType != database.InvoiceLift || inv.Status != database.InvoicePending {
		return nil
	}
	if inv.SessionID == nil {
		return fmt.Errorf("lift invoice %s has no session", inv.PaymentHash)
	}

	if err := verifyPreimage(update.Preimage, inv.PaymentHash); err != nil {
		return err
	}

	sess, err := m.store.Sessions.GetByID(ctx, *inv.SessionID)
	if err != nil {
		return err
	}

	// A previous settlement attempt may have locked the allocation
	// already; reserving again would strand the first set.
	resTotal, err := m.store.Vtxos.SumReservedBySession(ctx, sess.SessionID)
	if err != nil {
		return err
	}
	if resTotal == 0 {
		res, err := m.inventory.Reserve(ctx, sess.SessionID, nil, inv.AssetID, inv.AmountSats)
		if err != nil {
			return err
		}
		resTotal = res.Total
	}

	now := time.Now().UTC()
	expires := now.Add(time.Duration(m.vtxoCfg.ExpirationHours) * time.Hour)
	newVtxos := []*database.Vtxo{{
		VtxoID:      uuid.New().String(),
		AssetID:     inv.AssetID,
		Amount:      inv.AmountSats,
		OwnerPubkey: &sess.UserPubkey,
		Status:      database.VtxoAvailable,
		CreatedAt:   now,
		ExpiresAt:   expires,
	}}
	if change := resTotal - inv.AmountSats; change > 0 {
		newVtxos = append(newVtxos, &database.Vtxo{
			VtxoID:    uuid.New().String(),
			AssetID:   inv.AssetID,
			Amount:    change,
			Status:    database.VtxoAvailable,
			CreatedAt: now,
			ExpiresAt: expires,
		})
	}

	result, err := json.Marshal(sessionResult{
		Status:      "success",
		PaymentHash: inv.PaymentHash,
		Amount:      inv.AmountSats,
	})
	if err != nil {
		return err
	}

	paidAt := update.SettledAt
	if paidAt.IsZero() {
		paidAt = now
	}

	err = m.store.CompleteLift(ctx, database.CompleteLiftParams{
		SessionID:   sess.SessionID,
		PaymentHash: inv.PaymentHash,
		Preimage:    update.Preimage,
		PaidAt:      paidAt,
		UserPubkey:  sess.UserPubkey,
		AssetID:     inv.AssetID,
		Amount:      inv.AmountSats,
		NewVtxos:    newVtxos,
		ArkTx: &database.ArkTransaction{
			Txid:      inv.PaymentHash,
			SessionID: &sess.SessionID,
			TxType:    database.ArkTxLift,
			AssetID:   inv.AssetID,
			Amount:    inv.AmountSats,
			Status:    database.ArkTxConfirmed,
			CreatedAt: now,
		},
		Result: result,
	})
	if err != nil {
		if errors.Is(err, database.ErrStateConflict) {
			// Lost the race to a concurrent settlement. Release whatever
			// this attempt reserved on top of the winner's spent set.
			relErr := m.store.WithTx(ctx, func(tx pgx.Tx) error {
				_, _, err := m.store.Vtxos.ReleaseBySessionTx(ctx, tx, sess.SessionID, false)
				return err
			})
			if relErr != nil {
				logger.Error("failed to release duplicate lift allocation",
					logger.ShortHex("session_id", sess.SessionID),
					zap.Error(relErr))
			}
			logger.Debug("lift already settled",
				logger.ShortHex("payment_hash", inv.PaymentHash))
			return nil
		}
		return err
	}

	logger.Info("lift settled",
		logger.ShortHex("session_id", sess.SessionID),
		logger.ShortHex("payment_hash", inv.PaymentHash),
		zap.String("asset_id", inv.AssetID),
		zap.Int64("amount_sats", inv.AmountSats),
	)
	if m.notifier != nil {
		m.notifier.SessionCompleted(ctx, sess, result)
	}
	return nil
}

// cancel expires a lift whose invoice the node gave up on and fails its
// session. The sweeper applies the same transition on its own clock;
// whoever runs first wins and the other finds the row already moved.
func (m *Monitor) cancel(ctx context.Context, paymentHash string) error {
	inv, err := m.store.Invoices.GetByPaymentHash(ctx, paymentHash)
	if err != nil {
		if errors.Is(err, database.ErrInvoiceNotFound) {
			return nil
		}
		return err
	}
	if inv.InvoiceType != database.InvoiceLift || inv.Status != database.InvoicePending {
		return nil
	}

	moved, err := m.store.Invoices.UpdateStatus(ctx, paymentHash, database.InvoicePending, database.InvoiceExpired)
	if err != nil || !moved {
		return err
	}
	logger.Info("lift invoice expired unpaid",
		logger.ShortHex("payment_hash", paymentHash))

	if inv.SessionID == nil {
		return nil
	}
	sess, err := m.store.Sessions.GetByID(ctx, *inv.SessionID)
	if err != nil {
		return err
	}
	return m.failLift(ctx, sess, inv, fault.InvoiceExpired, "lightning invoice expired unpaid")
}

func (m *Monitor) failLift(ctx context.Context, sess *database.Session, inv *database.LightningInvoice, code fault.Code, message string) error {
	result, err := json.Marshal(sessionResult{
		Status:  "failure",
		Code:    code.String(),
		Message: message,
	})
	if err != nil {
		return err
	}

	finalized, err := m.store.FailSession(ctx, database.FailSessionParams{
		SessionID:   sess.SessionID,
		OwnerPubkey: &sess.UserPubkey,
		AssetID:     inv.AssetID,
		To:          database.SessionFailed,
		Result:      result,
	})
	if err != nil {
		return err
	}
	if finalized && m.notifier != nil {
		m.notifier.SessionFailed(ctx, sess, code, message)
	}
	return nil
}

func (m *Monitor) lastSettleIndex() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settleIndex
}

func (m *Monitor) bumpSettleIndex(idx uint64) {
	m.mu.Lock()
	if idx > m.settleIndex {
		m.settleIndex = idx
	}
	m.mu.Unlock()
}

// verifyPreimage checks the settlement proof: sha256 of the preimage must
// equal the payment hash.
func verifyPreimage(preimageHex, paymentHash string) error {
	pre, err := hex.DecodeString(preimageHex)
	if err != nil || len(pre) == 0 {
		return fmt.Errorf("settlement update carries no usable preimage")
	}
	digest := sha256.Sum256(pre)
	if hex.EncodeToString(digest[:]) != strings.ToLower(paymentHash) {
		return fmt.Errorf("preimage does not hash to payment hash %s", paymentHash)
	}
	return nil
}
