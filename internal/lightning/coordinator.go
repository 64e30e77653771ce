// Package lightning runs the gateway's two lightning flows: lifts, where
// a wallet pays a gateway invoice to receive asset credit, and lands,
// where an asset debit pays the wallet's own invoice out. Payment
// failures are classified into retry classes, each with its own budget
// and circuit.
package lightning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"arkrelay/config"
	"arkrelay/internal/database"
	"arkrelay/internal/fault"
	"arkrelay/internal/lnd"
	"arkrelay/pkg/logger"
)

// Node is the slice of the LND surface the flows use.
type Node interface {
	AddInvoice(ctx context.Context, amountSats int64, memo string, expirySeconds int64) (*lnd.CreatedInvoice, error)
	DecodeInvoice(ctx context.Context, bolt11 string) (*lnd.Invoice, error)
	PayInvoice(ctx context.Context, bolt11 string, feeLimitSats int64, timeoutSeconds int32) (*lnd.PaymentResult, error)
}

// Reserver locks inventory for a session. *vtxo.Inventory implements it.
type Reserver interface {
	Reserve(ctx context.Context, sessionID string, ownerPubkey *string, assetID string, amount int64) (*database.Reservation, error)
}

// sessionResult is the terminal payload stored on a session; terminal
// events mirror it to the wallet.
type sessionResult struct {
	Status      string `json:"status"`
	PaymentHash string `json:"payment_hash,omitempty"`
	Amount      int64  `json:"amount,omitempty"`
	Fee         int64  `json:"fee,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// PreparedLand is everything the challenge context needs after a land
// reservation: the persisted invoice row, the quoted fee and the locked
// total.
type PreparedLand struct {
	Invoice  *database.LightningInvoice
	Fee      FeeEstimate
	Total    int64
	Reserved int64
}

// LandOutcome reports a completed outbound payment.
type LandOutcome struct {
	PaymentHash string
	Preimage    string
	Amount      int64
	Fee         int64
	Result      []byte
}

// Coordinator runs the lift and land preparation and commit steps on top
// of the ceremony state machine.
type Coordinator struct {
	store     *database.Store
	node      Node
	inventory Reserver
	recovery  *Recovery
	cfg       config.LightningConfig
	vtxoCfg   config.VtxoConfig
}

func NewCoordinator(store *database.Store, node Node, inventory Reserver, cfg config.LightningConfig, vtxoCfg config.VtxoConfig) *Coordinator {
	return &Coordinator{
		store:     store,
		node:      node,
		inventory: inventory,
		recovery:  NewRecovery(),
		cfg:       cfg,
		vtxoCfg:   vtxoCfg,
	}
}

// PrepareLift creates the invoice a wallet pays to lift funds in and
// persists it bound to the session. The session stays parked in signing
// until the invoice monitor sees settlement.
func (c *Coordinator) PrepareLift(ctx context.Context, sess *database.Session, assetID string, amountSats int64) (*database.LightningInvoice, error) {
	memo := fmt.Sprintf("Ark Relay Lift: %d sats for %s", amountSats, assetID)
	created, err := c.node.AddInvoice(ctx, amountSats, memo, c.cfg.InvoiceExpirySeconds)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inv := &database.LightningInvoice{
		PaymentHash: created.PaymentHash,
		Bolt11:      created.PaymentRequest,
		SessionID:   &sess.SessionID,
		AmountSats:  amountSats,
		AssetID:     assetID,
		Status:      database.InvoicePending,
		InvoiceType: database.InvoiceLift,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(c.cfg.InvoiceExpirySeconds) * time.Second),
	}
	if err := c.store.Invoices.Create(ctx, inv); err != nil {
		return nil, err
	}

	logger.Info("created lift invoice",
		logger.ShortHex("session_id", sess.SessionID),
		logger.ShortHex("payment_hash", inv.PaymentHash),
		zap.String("asset_id", assetID),
		zap.Int64("amount_sats", amountSats),
	)
	return inv, nil
}

// PrepareLand validates the wallet's invoice, quotes the fee and locks the
// user's outputs for amount plus fee. The wallet signs over exactly this
// total; nothing is paid or debited yet.
func (c *Coordinator) PrepareLand(ctx context.Context, sess *database.Session, assetID string, amountSats int64, bolt11 string) (*PreparedLand, error) {
	decoded, err := c.node.DecodeInvoice(ctx, bolt11)
	if err != nil {
		var f *fault.Fault
		if errors.As(err, &f) {
			return nil, err
		}
		return nil, fault.Wrap(fault.InvalidInvoice, err)
	}

	now := time.Now().UTC()
	if !now.Before(decoded.ExpiresAt) {
		return nil, fault.Newf(fault.InvalidInvoice, "invoice expired at %s", decoded.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if decoded.AmountSats != amountSats {
		return nil, fault.Newf(fault.InvalidInvoice, "invoice asks %d sats, intent says %d", decoded.AmountSats, amountSats)
	}

	fee := EstimateFee(c.cfg, amountSats)
	total := amountSats + fee.Total()

	bal, err := c.store.Balances.Get(ctx, sess.UserPubkey, assetID)
	if err != nil {
		return nil, err
	}
	if bal.Available() < total {
		return nil, fault.Newf(fault.InsufficientBalance, "available %d cannot cover %d plus %d fee", bal.Available(), amountSats, fee.Total())
	}

	res, err := c.inventory.Reserve(ctx, sess.SessionID, &sess.UserPubkey, assetID, total)
	if err != nil {
		// A covered balance whose outputs still cannot be locked is a
		// balance problem from the wallet's side, not a pool problem.
		if fault.IsCode(err, fault.InsufficientInventory) {
			return nil, fault.Wrap(fault.InsufficientBalance, err)
		}
		return nil, err
	}

	inv := &database.LightningInvoice{
		PaymentHash: decoded.PaymentHash,
		Bolt11:      bolt11,
		SessionID:   &sess.SessionID,
		AmountSats:  amountSats,
		AssetID:     assetID,
		Status:      database.InvoicePendingPayment,
		InvoiceType: database.InvoiceLand,
		CreatedAt:   now,
		ExpiresAt:   decoded.ExpiresAt,
	}
	if err := c.store.Invoices.Create(ctx, inv); err != nil {
		return nil, err
	}

	logger.Info("prepared land payment",
		logger.ShortHex("session_id", sess.SessionID),
		logger.ShortHex("payment_hash", inv.PaymentHash),
		zap.String("asset_id", assetID),
		zap.Int64("amount_sats", amountSats),
		zap.Int64("fee_sats", fee.Total()),
	)
	return &PreparedLand{Invoice: inv, Fee: fee, Total: total, Reserved: res.Total}, nil
}

// ExecuteLand pays the invoice bound to a committing land session and, on
// COMPLETE, settles the books: the locked outputs become spent, the user
// is debited amount plus fee and the pool absorbs the value. The caller
// must have advanced the session to committing; on a terminal payment
// failure the invoice row is marked failed and the classified fault
// returned for the caller to finalize the session.
func (c *Coordinator) ExecuteLand(ctx context.Context, sess *database.Session) (*LandOutcome, error) {
	inv, err := c.store.Invoices.GetBySession(ctx, sess.SessionID)
	if err != nil {
		return nil, err
	}
	if inv.InvoiceType != database.InvoiceLand || inv.Status != database.InvoicePendingPayment {
		return nil, fault.Newf(fault.Internal, "session %s has no payable land invoice", sess.SessionID)
	}

	fee := EstimateFee(c.cfg, inv.AmountSats)

	var payment *lnd.PaymentResult
	payErr := c.recovery.Run(ctx, inv.PaymentHash, func(ctx context.Context) error {
		var err error
		payment, err = c.node.PayInvoice(ctx, inv.Bolt11, fee.Total(), c.cfg.PaymentTimeoutSecs)
		return err
	})
	if payErr != nil {
		if _, err := c.store.Invoices.UpdateStatus(ctx, inv.PaymentHash, database.InvoicePendingPayment, database.InvoiceFailed); err != nil {
			logger.Error("failed to mark land invoice failed",
				logger.ShortHex("payment_hash", inv.PaymentHash),
				zap.Error(err))
		}
		return nil, payErr
	}

	reserved, err := c.store.Vtxos.SumReservedBySession(ctx, sess.SessionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expires := now.Add(time.Duration(c.vtxoCfg.ExpirationHours) * time.Hour)
	charged := inv.AmountSats + fee.Total()

	// The spent outputs re-enter the ledger as one pool output for the
	// charged total plus the user's change, if any.
	newVtxos := []*database.Vtxo{{
		VtxoID:    uuid.New().String(),
		AssetID:   inv.AssetID,
		Amount:    charged,
		Status:    database.VtxoAvailable,
		CreatedAt: now,
		ExpiresAt: expires,
	}}
	if change := reserved - charged; change > 0 {
		newVtxos = append(newVtxos, &database.Vtxo{
			VtxoID:      uuid.New().String(),
			AssetID:     inv.AssetID,
			Amount:      change,
			OwnerPubkey: &sess.UserPubkey,
			Status:      database.VtxoAvailable,
			CreatedAt:   now,
			ExpiresAt:   expires,
		})
	}

	result, err := json.Marshal(sessionResult{
		Status:      "success",
		PaymentHash: inv.PaymentHash,
		Amount:      inv.AmountSats,
		Fee:         fee.Total(),
	})
	if err != nil {
		return nil, err
	}

	err = c.store.CompleteLand(ctx, database.CompleteLandParams{
		SessionID:   sess.SessionID,
		PaymentHash: inv.PaymentHash,
		Preimage:    payment.Preimage,
		PaidAt:      now,
		UserPubkey:  sess.UserPubkey,
		AssetID:     inv.AssetID,
		Amount:      inv.AmountSats,
		Fee:         fee.Total(),
		NewVtxos:    newVtxos,
		ArkTx: &database.ArkTransaction{
			Txid:      inv.PaymentHash,
			SessionID: &sess.SessionID,
			TxType:    database.ArkTxLand,
			AssetID:   inv.AssetID,
			Amount:    inv.AmountSats,
			Fee:       fee.Total(),
			Status:    database.ArkTxConfirmed,
			CreatedAt: now,
		},
		Result: result,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("land payment completed",
		logger.ShortHex("session_id", sess.SessionID),
		logger.ShortHex("payment_hash", inv.PaymentHash),
		zap.Int64("amount_sats", inv.AmountSats),
		zap.Int64("fee_sats", fee.Total()),
	)
	return &LandOutcome{
		PaymentHash: inv.PaymentHash,
		Preimage:    payment.Preimage,
		Amount:      inv.AmountSats,
		Fee:         fee.Total(),
		Result:      result,
	}, nil
}
