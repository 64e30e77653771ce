//go:build integration

package database

import (
	"arkrelay/pkg/logger"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Initialize logger for tests
	_ = logger.Init("development")
}

var errNotEnough = errors.New("not enough inventory")

// greedySelector picks candidates in the order given until the amount is
// covered. The real selection policy lives outside the store; tests only
// need a covering set.
func greedySelector(available []*Vtxo, amount int64) ([]*Vtxo, error) {
	var picked []*Vtxo
	var total int64
	for _, v := range available {
		picked = append(picked, v)
		total += v.Amount
		if total >= amount {
			return picked, nil
		}
	}
	return nil, errNotEnough
}

// advanceTo walks a session along the canonical path up to target.
func advanceTo(t *testing.T, store *Store, sessionID string, target SessionStatus) {
	t.Helper()

	path := []SessionStatus{
		SessionInitiated,
		SessionChallengeSent,
		SessionAwaitingSignature,
		SessionSigning,
		SessionCommitting,
	}
	ctx := context.Background()
	for i := 0; i+1 < len(path); i++ {
		if path[i] == target {
			return
		}
		moved, err := store.Sessions.UpdateState(ctx, sessionID, path[i], path[i+1])
		require.NoError(t, err)
		require.True(t, moved, "session stuck at %s", path[i])
		if path[i+1] == target {
			return
		}
	}
}

func TestStore_ReserveForSession(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	store := NewStore(db)
	ctx := context.Background()

	// Ledger balance mirrors the vtxo sum: 600+400+50.
	owner := strPtr("aa11")
	require.NoError(t, store.Balances.Adjust(ctx, "aa11", "gusd", 1050, 0))
	require.NoError(t, store.Vtxos.InsertBatch(ctx, []*Vtxo{
		newTestVtxo(owner, "gusd", 600),
		newTestVtxo(owner, "gusd", 400),
		newTestVtxo(owner, "gusd", 50),
	}))

	reservation, err := store.ReserveForSession(ctx, "session-one", owner, "gusd", 900, greedySelector)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, reservation.Total, int64(900))

	// Every reserved vtxo amount is mirrored into the reserved balance.
	balance, err := store.Balances.Get(ctx, "aa11", "gusd")
	require.NoError(t, err)
	assert.Equal(t, reservation.Total, balance.Reserved)
	assert.Equal(t, int64(1050), balance.Balance)

	for _, id := range reservation.VtxoIDs() {
		v, err := store.Vtxos.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, VtxoReserved, v.Status)
		require.NotNil(t, v.ReservedBySession)
		assert.Equal(t, "session-one", *v.ReservedBySession)
	}
}

func TestStore_ReserveForSession_SelectorErrorRollsBack(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	store := NewStore(db)
	ctx := context.Background()

	owner := strPtr("aa11")
	require.NoError(t, store.Balances.Adjust(ctx, "aa11", "gusd", 100, 0))
	v := newTestVtxo(owner, "gusd", 100)
	require.NoError(t, store.Vtxos.InsertBatch(ctx, []*Vtxo{v}))

	// 500 cannot be covered; the selector's own error must surface.
	_, err := store.ReserveForSession(ctx, "session-one", owner, "gusd", 500, greedySelector)
	assert.ErrorIs(t, err, errNotEnough)

	retrieved, err := store.Vtxos.GetByID(ctx, v.VtxoID)
	require.NoError(t, err)
	assert.Equal(t, VtxoAvailable, retrieved.Status)

	balance, err := store.Balances.Get(ctx, "aa11", "gusd")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Reserved)
}

func TestStore_ReserveForSession_BalanceBoundRollsBack(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	store := NewStore(db)
	ctx := context.Background()

	// A vtxo larger than the ledger balance: reserving it would push
	// reserved past balance, so the whole reservation must fail.
	owner := strPtr("aa11")
	require.NoError(t, store.Balances.Adjust(ctx, "aa11", "gusd", 100, 0))
	v := newTestVtxo(owner, "gusd", 500)
	require.NoError(t, store.Vtxos.InsertBatch(ctx, []*Vtxo{v}))

	_, err := store.ReserveForSession(ctx, "session-one", owner, "gusd", 500, greedySelector)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	retrieved, err := store.Vtxos.GetByID(ctx, v.VtxoID)
	require.NoError(t, err)
	assert.Equal(t, VtxoAvailable, retrieved.Status)
}

func TestStore_ConsumeChallenge_SingleWinner(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	store := NewStore(db)
	ctx := context.Background()

	session := newTestSession("aa11", P2PTransfer)
	require.NoError(t, store.Sessions.Create(ctx, session))
	challenge := newTestChallenge(session.SessionID)
	require.NoError(t, store.Challenges.Create(ctx, challenge))
	advanceTo(t, store, session.SessionID, SessionAwaitingSignature)

	// Two responses race for the same challenge; exactly one may consume it.
	results := make([]bool, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			consumed, err := store.ConsumeChallenge(ctx, session.SessionID, challenge.ChallengeID, "sig")
			assert.NoError(t, err)
			results[i] = consumed
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, won := range results {
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	retrieved, err := store.Sessions.GetByID(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, SessionSigning, retrieved.Status)

	used, err := store.Challenges.GetByID(ctx, challenge.ChallengeID)
	require.NoError(t, err)
	assert.True(t, used.IsUsed)
}

func TestStore_CommitTransfer(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	store := NewStore(db)
	ctx := context.Background()

	sender := strPtr("aa11")
	session := newTestSession("aa11", P2PTransfer)
	require.NoError(t, store.Sessions.Create(ctx, session))
	require.NoError(t, store.Balances.Adjust(ctx, "aa11", "gusd", 1000, 0))
	require.NoError(t, store.Vtxos.InsertBatch(ctx, []*Vtxo{
		newTestVtxo(sender, "gusd", 600),
		newTestVtxo(sender, "gusd", 400),
	}))

	reservation, err := store.ReserveForSession(ctx, session.SessionID, sender, "gusd", 501, greedySelector)
	require.NoError(t, err)
	require.Equal(t, int64(1000), reservation.Total)
	advanceTo(t, store, session.SessionID, SessionCommitting)

	recipientVtxo := newTestVtxo(strPtr("bb22"), "gusd", 500)
	changeVtxo := newTestVtxo(sender, "gusd", 499)
	params := CommitTransferParams{
		SessionID:       session.SessionID,
		SenderPubkey:    "aa11",
		RecipientPubkey: "bb22",
		AssetID:         "gusd",
		Amount:          500,
		Fee:             1,
		NewVtxos:        []*Vtxo{recipientVtxo, changeVtxo},
		ArkTx: &ArkTransaction{
			Txid:      "txid-one",
			SessionID: &session.SessionID,
			TxType:    ArkTxTransfer,
			AssetID:   "gusd",
			Amount:    500,
			Fee:       1,
			Status:    ArkTxConfirmed,
			CreatedAt: time.Now().UTC(),
		},
		Result: []byte(`{"txid":"txid-one","amount":500,"fee":1}`),
	}
	require.NoError(t, store.CommitTransfer(ctx, params))

	senderBalance, err := store.Balances.Get(ctx, "aa11", "gusd")
	require.NoError(t, err)
	assert.Equal(t, int64(499), senderBalance.Balance)
	assert.Equal(t, int64(0), senderBalance.Reserved)

	recipientBalance, err := store.Balances.Get(ctx, "bb22", "gusd")
	require.NoError(t, err)
	assert.Equal(t, int64(500), recipientBalance.Balance)

	for _, id := range reservation.VtxoIDs() {
		v, err := store.Vtxos.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, VtxoSpent, v.Status)
	}
	v, err := store.Vtxos.GetByID(ctx, changeVtxo.VtxoID)
	require.NoError(t, err)
	assert.Equal(t, VtxoAvailable, v.Status)

	retrieved, err := store.Sessions.GetByID(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, retrieved.Status)
	assert.JSONEq(t, string(params.Result), string(retrieved.Result))

	arkTx, err := store.ArkTxs.GetByTxid(ctx, "txid-one")
	require.NoError(t, err)
	assert.Equal(t, ArkTxTransfer, arkTx.TxType)

	// Replaying the commit must change nothing.
	err = store.CommitTransfer(ctx, params)
	assert.ErrorIs(t, err, ErrStateConflict)

	senderBalance, err = store.Balances.Get(ctx, "aa11", "gusd")
	require.NoError(t, err)
	assert.Equal(t, int64(499), senderBalance.Balance)
}

func TestStore_FailSession_ReleasesReservation(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	store := NewStore(db)
	ctx := context.Background()

	owner := strPtr("aa11")
	session := newTestSession("aa11", P2PTransfer)
	require.NoError(t, store.Sessions.Create(ctx, session))
	require.NoError(t, store.Balances.Adjust(ctx, "aa11", "gusd", 1000, 0))
	v := newTestVtxo(owner, "gusd", 800)
	require.NoError(t, store.Vtxos.InsertBatch(ctx, []*Vtxo{v}))

	_, err := store.ReserveForSession(ctx, session.SessionID, owner, "gusd", 800, greedySelector)
	require.NoError(t, err)

	finalized, err := store.FailSession(ctx, FailSessionParams{
		SessionID:   session.SessionID,
		OwnerPubkey: owner,
		AssetID:     "gusd",
		To:          SessionFailed,
		Result:      []byte(`{"code":"service_unavailable","message":"ark daemon unreachable"}`),
	})
	require.NoError(t, err)
	assert.True(t, finalized)

	retrieved, err := store.Sessions.GetByID(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, SessionFailed, retrieved.Status)

	released, err := store.Vtxos.GetByID(ctx, v.VtxoID)
	require.NoError(t, err)
	assert.Equal(t, VtxoAvailable, released.Status)

	balance, err := store.Balances.Get(ctx, "aa11", "gusd")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Reserved)
	assert.Equal(t, int64(1000), balance.Balance)

	// Terminal states absorb: a second fail (or expire) is a no-op.
	finalized, err = store.FailSession(ctx, FailSessionParams{
		SessionID: session.SessionID,
		To:        SessionExpired,
		Result:    []byte(`{"code":"expired_intent","message":"session deadline"}`),
	})
	require.NoError(t, err)
	assert.False(t, finalized)

	retrieved, err = store.Sessions.GetByID(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, SessionFailed, retrieved.Status)
}

func TestStore_CompleteLift(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	store := NewStore(db)
	ctx := context.Background()

	session := newTestSession("aa11", LightningLift)
	require.NoError(t, store.Sessions.Create(ctx, session))
	advanceTo(t, store, session.SessionID, SessionSigning)

	invoice := newTestInvoice(&session.SessionID, 100000)
	require.NoError(t, store.Invoices.Create(ctx, invoice))

	// Allocation step reserved a pool vtxo for this session beforehand.
	poolVtxo := newTestVtxo(nil, "gusd", 100)
	require.NoError(t, store.Vtxos.InsertBatch(ctx, []*Vtxo{poolVtxo}))
	_, err := store.ReserveForSession(ctx, session.SessionID, nil, "gusd", 100, greedySelector)
	require.NoError(t, err)

	userVtxo := newTestVtxo(strPtr("aa11"), "gusd", 100)
	params := CompleteLiftParams{
		SessionID:   session.SessionID,
		PaymentHash: invoice.PaymentHash,
		Preimage:    "lift-preimage",
		PaidAt:      time.Now().UTC(),
		UserPubkey:  "aa11",
		AssetID:     "gusd",
		Amount:      100,
		NewVtxos:    []*Vtxo{userVtxo},
		Result:      []byte(`{"payment_hash":"` + invoice.PaymentHash + `","amount":100,"fee":0}`),
	}
	require.NoError(t, store.CompleteLift(ctx, params))

	balance, err := store.Balances.Get(ctx, "aa11", "gusd")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Balance)
	assert.Equal(t, int64(0), balance.Reserved)

	retrieved, err := store.Sessions.GetByID(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, retrieved.Status)

	paid, err := store.Invoices.GetByPaymentHash(ctx, invoice.PaymentHash)
	require.NoError(t, err)
	assert.Equal(t, InvoicePaid, paid.Status)

	spent, err := store.Vtxos.GetByID(ctx, poolVtxo.VtxoID)
	require.NoError(t, err)
	assert.Equal(t, VtxoSpent, spent.Status)

	// A duplicate settlement event must credit nothing.
	err = store.CompleteLift(ctx, params)
	assert.ErrorIs(t, err, ErrStateConflict)

	balance, err = store.Balances.Get(ctx, "aa11", "gusd")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Balance)
}

func TestStore_CompleteLand(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	store := NewStore(db)
	ctx := context.Background()

	owner := strPtr("aa11")
	session := newTestSession("aa11", LightningLand)
	require.NoError(t, store.Sessions.Create(ctx, session))
	require.NoError(t, store.Balances.Adjust(ctx, "aa11", "gusd", 1200, 0))
	require.NoError(t, store.Vtxos.InsertBatch(ctx, []*Vtxo{
		newTestVtxo(owner, "gusd", 1200),
	}))

	// amount 900 + fee 100 reserved before the payment went out.
	_, err := store.ReserveForSession(ctx, session.SessionID, owner, "gusd", 1000, greedySelector)
	require.NoError(t, err)
	advanceTo(t, store, session.SessionID, SessionCommitting)

	invoice := newTestInvoice(&session.SessionID, 900)
	invoice.InvoiceType = InvoiceLand
	invoice.Status = InvoicePendingPayment
	require.NoError(t, store.Invoices.Create(ctx, invoice))

	poolVtxo := newTestVtxo(nil, "gusd", 1000)
	changeVtxo := newTestVtxo(owner, "gusd", 200)
	params := CompleteLandParams{
		SessionID:   session.SessionID,
		PaymentHash: invoice.PaymentHash,
		Preimage:    "land-preimage",
		PaidAt:      time.Now().UTC(),
		UserPubkey:  "aa11",
		AssetID:     "gusd",
		Amount:      900,
		Fee:         100,
		NewVtxos:    []*Vtxo{poolVtxo, changeVtxo},
		Result:      []byte(`{"payment_hash":"` + invoice.PaymentHash + `","amount":900,"fee":100}`),
	}
	require.NoError(t, store.CompleteLand(ctx, params))

	balance, err := store.Balances.Get(ctx, "aa11", "gusd")
	require.NoError(t, err)
	assert.Equal(t, int64(200), balance.Balance)
	assert.Equal(t, int64(0), balance.Reserved)

	retrieved, err := store.Sessions.GetByID(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, retrieved.Status)

	paid, err := store.Invoices.GetByPaymentHash(ctx, invoice.PaymentHash)
	require.NoError(t, err)
	assert.Equal(t, InvoicePaid, paid.Status)
	require.NotNil(t, paid.Preimage)
	assert.Equal(t, "land-preimage", *paid.Preimage)
}
