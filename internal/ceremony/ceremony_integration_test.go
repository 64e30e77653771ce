//go:build integration

package ceremony

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/jackc/pgx/v5"
	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arkrelay/config"
	"arkrelay/internal/arkd"
	"arkrelay/internal/asset"
	"arkrelay/internal/database"
	"arkrelay/internal/fault"
	"arkrelay/internal/lightning"
	"arkrelay/internal/lnd"
	"arkrelay/internal/nostr"
	"arkrelay/internal/session"
	"arkrelay/internal/vtxo"
)

// ceremonyKey is a wallet keypair for driving the full intent-response
// round trip.
type ceremonyKey struct {
	priv  *btcec.PrivateKey
	xOnly string
}

func newCeremonyKey(t *testing.T) *ceremonyKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return &ceremonyKey{
		priv:  priv,
		xOnly: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}
}

func (k *ceremonyKey) sign(t *testing.T, message string) string {
	t.Helper()
	digest := sha256.Sum256([]byte(message))
	sig, err := schnorr.Sign(k.priv, digest[:])
	require.NoError(t, err)
	return hex.EncodeToString(sig.Serialize())
}

// fakeBackend stands in for the ARK daemon. Defaults behave like a healthy
// daemon that echoes a single recipient output; tests override per call.
type fakeBackend struct {
	prepareFn func(ctx context.Context, sessionID, challengeType string, signingContext json.RawMessage) (*arkd.SigningRequest, error)
	spendFn   func(ctx context.Context, req arkd.SpendVtxosRequest) (*arkd.ArkTx, error)
	submitFn  func(ctx context.Context, sessionID string, signatures map[string]string) (string, error)
	statusFn  func(ctx context.Context, sessionID string) (*arkd.SessionStatus, error)

	prepareCalls int
	spendCalls   int
	submitCalls  int
	statusCalls  int
}

func (b *fakeBackend) PrepareSigningRequest(ctx context.Context, sessionID, challengeType string, signingContext json.RawMessage) (*arkd.SigningRequest, error) {
	b.prepareCalls++
	if b.prepareFn != nil {
		return b.prepareFn(ctx, sessionID, challengeType, signingContext)
	}
	return &arkd.SigningRequest{
		SessionID:     sessionID,
		ChallengeType: challengeType,
		PayloadToSign: "0x" + strings.Repeat("00", 32),
		ExpiresAt:     time.Now().Add(time.Minute).Unix(),
	}, nil
}

func (b *fakeBackend) SpendVtxos(ctx context.Context, req arkd.SpendVtxosRequest) (*arkd.ArkTx, error) {
	b.spendCalls++
	if b.spendFn != nil {
		return b.spendFn(ctx, req)
	}
	return &arkd.ArkTx{
		ArkTx:        "0200aa",
		VtxosToSpend: req.VtxoIDs,
		VtxosToCreate: []arkd.Vtxo{
			{VtxoID: "out-" + req.DestinationPubkey[:8], OwnerPubkey: req.DestinationPubkey, AssetID: req.AssetID, Amount: req.Amount},
		},
	}, nil
}

func (b *fakeBackend) SubmitSignatures(ctx context.Context, sessionID string, signatures map[string]string) (string, error) {
	b.submitCalls++
	if b.submitFn != nil {
		return b.submitFn(ctx, sessionID, signatures)
	}
	return "ark-txid-1", nil
}

func (b *fakeBackend) GetSessionStatus(ctx context.Context, sessionID string) (*arkd.SessionStatus, error) {
	b.statusCalls++
	if b.statusFn != nil {
		return b.statusFn(ctx, sessionID)
	}
	return &arkd.SessionStatus{SessionID: sessionID, Status: arkd.SessionPending}, nil
}

// fakeMint is the inventory's daemon surface; ceremony tests never expect
// a refill unless they say so.
type fakeMint struct {
	createFn func(ctx context.Context, req arkd.CreateVtxosRequest) ([]arkd.Vtxo, error)
	calls    []arkd.CreateVtxosRequest
}

func (f *fakeMint) CreateVtxos(ctx context.Context, req arkd.CreateVtxosRequest) ([]arkd.Vtxo, error) {
	f.calls = append(f.calls, req)
	if f.createFn == nil {
		return nil, errors.New("mint not expected in this test")
	}
	return f.createFn(ctx, req)
}

type fakeLNNode struct {
	addInvoiceFn func(ctx context.Context, amountSats int64, memo string, expirySeconds int64) (*lnd.CreatedInvoice, error)
	decodeFn     func(ctx context.Context, bolt11 string) (*lnd.Invoice, error)
	addCalls     int
}

func (f *fakeLNNode) AddInvoice(ctx context.Context, amountSats int64, memo string, expirySeconds int64) (*lnd.CreatedInvoice, error) {
	f.addCalls++
	return f.addInvoiceFn(ctx, amountSats, memo, expirySeconds)
}

func (f *fakeLNNode) DecodeInvoice(ctx context.Context, bolt11 string) (*lnd.Invoice, error) {
	return f.decodeFn(ctx, bolt11)
}

func (f *fakeLNNode) PayInvoice(ctx context.Context, bolt11 string, feeLimitSats int64, timeoutSeconds int32) (*lnd.PaymentResult, error) {
	return nil, errors.New("payment not expected in this test")
}

// identityDecryptor treats event content as already-decrypted JSON.
type identityDecryptor struct{}

func (identityDecryptor) DecryptDM(senderPub, ciphertext string) (string, error) {
	return ciphertext, nil
}

func ceremonySessionConfig() config.SessionConfig {
	return config.SessionConfig{
		TimeoutMinutes:          30,
		ChallengeTimeoutMinutes: 5,
		MaxConcurrent:           100,
		SweepIntervalSeconds:    30,
	}
}

func ceremonyPoolConfig() config.VtxoConfig {
	return config.VtxoConfig{
		ExpirationHours:      24,
		MinAmount:            1000,
		MinPoolSize:          1,
		DefaultAmount:        100000,
		ReplenishBatchMax:    10,
		UtilizationThreshold: 0.9,
	}
}

func ceremonyLightningConfig() config.LightningConfig {
	return config.LightningConfig{
		FeeSatsPerVbyte:      2,
		FeePercentage:        0.1,
		InvoiceExpirySeconds: 3600,
		MonitorPollSeconds:   5,
		PaymentTimeoutSecs:   60,
	}
}

func newCeremonyOrchestrator(store *database.Store, relay *fakeRelay, backend *fakeBackend, payments Payments) *Orchestrator {
	return NewOrchestrator(Deps{
		Store:     store,
		Sessions:  session.NewService(store, 5*time.Minute),
		Assets:    asset.NewRegistry(store, nil, config.CacheConfig{}),
		Inventory: vtxo.NewInventory(store, &fakeMint{}, nil, nil, ceremonyPoolConfig()),
		Backend:   backend,
		Payments:  payments,
		Publisher: NewPublisher(relay),
		Decryptor: identityDecryptor{},
	}, ceremonySessionConfig(), ceremonyPoolConfig())
}

func seedAsset(t *testing.T, store *database.Store, id string) {
	t.Helper()
	require.NoError(t, store.Assets.Upsert(context.Background(), &database.Asset{
		AssetID:   id,
		Name:      id,
		Ticker:    id,
		AssetType: "normal",
		Enabled:   true,
	}))
}

func seedBalance(t *testing.T, store *database.Store, user, assetID string, amount int64) {
	t.Helper()
	require.NoError(t, store.WithTx(context.Background(), func(tx pgx.Tx) error {
		return store.Balances.AdjustTx(context.Background(), tx, user, assetID, amount, 0)
	}))
}

func seedOutput(t *testing.T, store *database.Store, id string, owner *string, assetID string, amount int64) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.Vtxos.InsertBatch(context.Background(), []*database.Vtxo{{
		VtxoID:      id,
		AssetID:     assetID,
		Amount:      amount,
		OwnerPubkey: owner,
		Status:      database.VtxoAvailable,
		CreatedAt:   now,
		ExpiresAt:   now.Add(24 * time.Hour),
	}}))
}

func availableAmounts(t *testing.T, store *database.Store, owner *string, assetID string) []int64 {
	t.Helper()
	var amounts []int64
	err := store.WithTx(context.Background(), func(tx pgx.Tx) error {
		rows, err := store.Vtxos.SelectAvailableForUpdate(context.Background(), tx, owner, assetID, time.Now().UTC())
		if err != nil {
			return err
		}
		for _, v := range rows {
			amounts = append(amounts, v.Amount)
		}
		return nil
	})
	require.NoError(t, err)
	return amounts
}

func intentEvent(t *testing.T, key *ceremonyKey, payload *nostr.IntentPayload) *gonostr.Event {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return &gonostr.Event{
		ID:      "ev-" + payload.ActionID,
		PubKey:  key.xOnly,
		Kind:    nostr.KindActionIntent,
		Content: string(body),
	}
}

func responseEvent(t *testing.T, key *ceremonyKey, challengeID, signature string) *gonostr.Event {
	t.Helper()
	body, err := json.Marshal(nostr.ResponsePayload{ChallengeID: challengeID, Signature: signature})
	require.NoError(t, err)
	return &gonostr.Event{
		ID:      "ev-resp-" + challengeID,
		PubKey:  key.xOnly,
		Kind:    nostr.KindChallengeResponse,
		Content: string(body),
	}
}

// startSession sends the intent and returns the challenge it provoked.
func startSession(t *testing.T, orch *Orchestrator, relay *fakeRelay, key *ceremonyKey, payload *nostr.IntentPayload) nostr.ChallengePayload {
	t.Helper()
	require.NoError(t, orch.HandleIntent(context.Background(), intentEvent(t, key, payload)))
	require.NotEmpty(t, relay.published)
	last := relay.published[len(relay.published)-1]
	require.Equal(t, nostr.KindSigningChallenge, last.kind, "expected a challenge, got kind %d", last.kind)
	cp, ok := last.payload.(nostr.ChallengePayload)
	require.True(t, ok)
	return cp
}

func eventsOfKind(relay *fakeRelay, kind int) []publishedEvent {
	var out []publishedEvent
	for _, ev := range relay.published {
		if ev.kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func sessionForChallenge(t *testing.T, store *database.Store, challengeID string) *database.Session {
	t.Helper()
	ch, err := store.Challenges.GetByID(context.Background(), challengeID)
	require.NoError(t, err)
	sess, err := store.Sessions.GetByID(context.Background(), ch.SessionID)
	require.NoError(t, err)
	return sess
}

func TestTransferCeremony(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	ctx := context.Background()
	store := database.NewStore(db)
	sender := newCeremonyKey(t)
	recipient := strings.Repeat("2b", 32)

	seedAsset(t, store, "BTC")
	seedOutput(t, store, "sender-80k", &sender.xOnly, "BTC", 80000)
	seedBalance(t, store, sender.xOnly, "BTC", 80000)

	backend := &fakeBackend{
		spendFn: func(_ context.Context, req arkd.SpendVtxosRequest) (*arkd.ArkTx, error) {
			assert.Equal(t, []string{"sender-80k"}, req.VtxoIDs)
			assert.Equal(t, recipient, req.DestinationPubkey)
			assert.Equal(t, "BTC", req.AssetID)
			assert.EqualValues(t, 50000, req.Amount)
			return &arkd.ArkTx{
				ArkTx:        "0200aabb",
				VtxosToSpend: req.VtxoIDs,
				VtxosToCreate: []arkd.Vtxo{
					{VtxoID: "out-recipient", OwnerPubkey: recipient, AssetID: "BTC", Amount: 50000},
					{VtxoID: "out-change", OwnerPubkey: sender.xOnly, AssetID: "BTC", Amount: 30000},
				},
			}, nil
		},
		submitFn: func(_ context.Context, sessionID string, signatures map[string]string) (string, error) {
			assert.Len(t, signatures, 1)
			assert.NotEmpty(t, signatures[sender.xOnly], "submit must carry the wallet signature")
			return "ark-txid-1", nil
		},
	}
	relay := &fakeRelay{}
	orch := newCeremonyOrchestrator(store, relay, backend, nil)

	deadline := time.Now().Add(time.Hour).Unix()
	payload := intentPayload("act-tr-1", "p2p_transfer",
		`{"asset_id":"BTC","amount":50000,"recipient_pubkey":"`+recipient+`"}`, deadline)

	cp := startSession(t, orch, relay, sender, payload)
	assert.Equal(t, "0x"+cp.PayloadRef, cp.PayloadToSign)
	assert.NotEmpty(t, cp.Context, "wallets need the human-readable context")

	sess := sessionForChallenge(t, store, cp.ChallengeID)
	assert.Equal(t, database.SessionChallengeSent, sess.Status)
	require.NotNil(t, sess.ChallengeID)
	assert.Equal(t, cp.ChallengeID, *sess.ChallengeID)

	// the session id must be derivable from the intent alone
	derivedID, err := session.DeriveSessionID(sender.xOnly, database.P2PTransfer, session.SignableIntent{
		ActionID: "act-tr-1",
		Type:     "p2p_transfer",
		Params:   payload.Params,
	})
	require.NoError(t, err)
	assert.Equal(t, derivedID, sess.SessionID)

	// wallet signs and responds; with no queue wired, execution is inline
	sig := sender.sign(t, cp.PayloadToSign)
	require.NoError(t, orch.HandleResponse(ctx, responseEvent(t, sender, cp.ChallengeID, sig)))

	sess, err = store.Sessions.GetByID(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, database.SessionCompleted, sess.Status)
	assert.JSONEq(t, `{"status":"success","txid":"ark-txid-1","amount":50000}`, string(sess.Result))

	// event order: challenge, signing, committing, success
	require.Len(t, relay.published, 4)
	assert.Equal(t, nostr.KindSigningChallenge, relay.published[0].kind)
	assert.Equal(t, nostr.KindSessionStatus, relay.published[1].kind)
	assert.Equal(t, "signing", relay.published[1].payload.(nostr.StatusPayload).Status)
	assert.Equal(t, nostr.KindSessionStatus, relay.published[2].kind)
	assert.Equal(t, "committing", relay.published[2].payload.(nostr.StatusPayload).Status)
	assert.Equal(t, nostr.KindActionSuccess, relay.published[3].kind)

	success := relay.published[3].payload.(nostr.SuccessPayload)
	assert.Equal(t, "act-tr-1", success.RefActionID)
	assert.Equal(t, "ark-txid-1", success.Results.Txid)
	assert.EqualValues(t, 50000, success.Results.Amount)
	assert.EqualValues(t, 0, success.Results.Fee)

	// ledger: sender debited, recipient credited, inputs spent, outputs live
	senderBal, err := store.Balances.Get(ctx, sender.xOnly, "BTC")
	require.NoError(t, err)
	assert.EqualValues(t, 30000, senderBal.Balance)
	assert.EqualValues(t, 0, senderBal.Reserved)

	recipientBal, err := store.Balances.Get(ctx, recipient, "BTC")
	require.NoError(t, err)
	assert.EqualValues(t, 50000, recipientBal.Balance)

	spent, err := store.Vtxos.GetByID(ctx, "sender-80k")
	require.NoError(t, err)
	assert.Equal(t, database.VtxoSpent, spent.Status)
	assert.Equal(t, []int64{30000}, availableAmounts(t, store, &sender.xOnly, "BTC"))
	assert.Equal(t, []int64{50000}, availableAmounts(t, store, &recipient, "BTC"))

	arkTx, err := store.ArkTxs.GetByTxid(ctx, "ark-txid-1")
	require.NoError(t, err)
	assert.Equal(t, database.ArkTxTransfer, arkTx.TxType)
	assert.EqualValues(t, 50000, arkTx.Amount)

	assert.Equal(t, 1, backend.prepareCalls)
	assert.Equal(t, 1, backend.spendCalls)
	assert.Equal(t, 1, backend.submitCalls)
	assert.Equal(t, 0, backend.statusCalls)

	// a re-sent intent collapses onto the session and replays the outcome
	require.NoError(t, orch.HandleIntent(ctx, intentEvent(t, sender, payload)))
	require.Len(t, relay.published, 5)
	replayed := relay.published[4].payload.(nostr.SuccessPayload)
	assert.Equal(t, "ark-txid-1", replayed.Results.Txid)
	assert.Equal(t, 1, backend.submitCalls, "replay must not resubmit")

	// a redelivered execute job does the same
	require.NoError(t, orch.Execute(ctx, sess.SessionID))
	require.Len(t, relay.published, 6)
	assert.Equal(t, nostr.KindActionSuccess, relay.published[5].kind)
	assert.Equal(t, 1, backend.submitCalls)

	// and a duplicate response is dropped outright
	require.NoError(t, orch.HandleResponse(ctx, responseEvent(t, sender, cp.ChallengeID, sig)))
	assert.Len(t, relay.published, 6)
}

func TestIntentRejections(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	ctx := context.Background()
	store := database.NewStore(db)
	sender := newCeremonyKey(t)
	recipient := strings.Repeat("2b", 32)
	deadline := time.Now().Add(time.Hour).Unix()

	seedAsset(t, store, "BTC")
	seedBalance(t, store, sender.xOnly, "BTC", 10000)

	relay := &fakeRelay{}
	orch := newCeremonyOrchestrator(store, relay, &fakeBackend{}, nil)

	rejectCases := []struct {
		name   string
		params string
		asset  string
		code   string
	}{
		{
			name:   "insufficient balance",
			params: `{"asset_id":"BTC","amount":50000,"recipient_pubkey":"` + recipient + `"}`,
			code:   "insufficient_balance",
		},
		{
			name:   "unknown asset",
			params: `{"asset_id":"DOGE","amount":100,"recipient_pubkey":"` + recipient + `"}`,
			code:   "invalid_intent",
		},
	}
	for i, tt := range rejectCases {
		t.Run(tt.name, func(t *testing.T) {
			payload := intentPayload("act-rej", "p2p_transfer", tt.params, deadline)
			require.NoError(t, orch.HandleIntent(ctx, intentEvent(t, sender, payload)))

			require.Len(t, relay.published, i+1)
			fp, ok := relay.published[i].payload.(nostr.FailurePayload)
			require.True(t, ok)
			assert.Equal(t, tt.code, fp.Code)
			assert.Equal(t, "act-rej", fp.RefActionID)

			// rejected intents never become sessions
			parsed, err := ParseIntent(payload, time.Now().UTC())
			require.NoError(t, err)
			sessionID, err := session.DeriveSessionID(sender.xOnly, parsed.Type, parsed.Signable)
			require.NoError(t, err)
			_, err = store.Sessions.GetByID(ctx, sessionID)
			assert.ErrorIs(t, err, database.ErrSessionNotFound)
		})
	}

	t.Run("at capacity", func(t *testing.T) {
		limited := NewOrchestrator(Deps{
			Store:     store,
			Sessions:  session.NewService(store, 5*time.Minute),
			Assets:    asset.NewRegistry(store, nil, config.CacheConfig{}),
			Inventory: vtxo.NewInventory(store, &fakeMint{}, nil, nil, ceremonyPoolConfig()),
			Backend:   &fakeBackend{},
			Publisher: NewPublisher(relay),
			Decryptor: identityDecryptor{},
		}, config.SessionConfig{TimeoutMinutes: 30, ChallengeTimeoutMinutes: 5, MaxConcurrent: 1}, ceremonyPoolConfig())

		// one live session occupies the only slot
		startSession(t, limited, relay, sender, intentPayload("act-occupy", "lightning_lift",
			`{"asset_id":"BTC","amount":1000}`, deadline))

		before := len(relay.published)
		require.NoError(t, limited.HandleIntent(ctx, intentEvent(t, sender,
			intentPayload("act-limited", "lightning_lift", `{"asset_id":"BTC","amount":2000}`, deadline))))

		require.Len(t, relay.published, before+1)
		fp := relay.published[before].payload.(nostr.FailurePayload)
		assert.Equal(t, "rate_limited", fp.Code)
	})
}

func TestResponseFromNonOwnerIgnored(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	ctx := context.Background()
	store := database.NewStore(db)
	owner := newCeremonyKey(t)
	stranger := newCeremonyKey(t)
	recipient := strings.Repeat("2b", 32)

	seedAsset(t, store, "BTC")
	seedOutput(t, store, "owner-60k", &owner.xOnly, "BTC", 60000)
	seedBalance(t, store, owner.xOnly, "BTC", 60000)

	relay := &fakeRelay{}
	orch := newCeremonyOrchestrator(store, relay, &fakeBackend{
		spendFn: func(_ context.Context, req arkd.SpendVtxosRequest) (*arkd.ArkTx, error) {
			return &arkd.ArkTx{
				ArkTx:         "02cc",
				VtxosToCreate: []arkd.Vtxo{{VtxoID: "out-r", OwnerPubkey: recipient, AssetID: "BTC", Amount: 60000}},
			}, nil
		},
	}, nil)

	cp := startSession(t, orch, relay, owner, intentPayload("act-own", "p2p_transfer",
		`{"asset_id":"BTC","amount":60000,"recipient_pubkey":"`+recipient+`"}`, time.Now().Add(time.Hour).Unix()))

	// a stranger replays the public challenge id with their own signature
	strangerSig := stranger.sign(t, cp.PayloadToSign)
	require.NoError(t, orch.HandleResponse(ctx, responseEvent(t, stranger, cp.ChallengeID, strangerSig)))

	assert.Len(t, relay.published, 1, "strangers get no reaction")
	sess := sessionForChallenge(t, store, cp.ChallengeID)
	assert.Equal(t, database.SessionChallengeSent, sess.Status, "stranger must not move the state machine")

	// the owner's signature still completes the ceremony afterwards
	require.NoError(t, orch.HandleResponse(ctx, responseEvent(t, owner, cp.ChallengeID, owner.sign(t, cp.PayloadToSign))))
	sess, err := store.Sessions.GetByID(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, database.SessionCompleted, sess.Status)
}

func TestResponseBadSignatureFailsSession(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	ctx := context.Background()
	store := database.NewStore(db)
	owner := newCeremonyKey(t)
	recipient := strings.Repeat("2b", 32)

	seedAsset(t, store, "BTC")
	seedBalance(t, store, owner.xOnly, "BTC", 60000)
	seedOutput(t, store, "owner-sig-60k", &owner.xOnly, "BTC", 60000)

	relay := &fakeRelay{}
	backend := &fakeBackend{}
	orch := newCeremonyOrchestrator(store, relay, backend, nil)

	cp := startSession(t, orch, relay, owner, intentPayload("act-badsig", "p2p_transfer",
		`{"asset_id":"BTC","amount":60000,"recipient_pubkey":"`+recipient+`"}`, time.Now().Add(time.Hour).Unix()))

	// signature over the wrong payload
	wrongSig := owner.sign(t, "0x"+strings.Repeat("ff", 32))
	require.NoError(t, orch.HandleResponse(ctx, responseEvent(t, owner, cp.ChallengeID, wrongSig)))

	sess := sessionForChallenge(t, store, cp.ChallengeID)
	assert.Equal(t, database.SessionFailed, sess.Status)

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(sess.Result, &rec))
	assert.Equal(t, "failure", rec["status"])
	assert.Equal(t, "invalid_signature", rec["code"])

	failures := eventsOfKind(relay, nostr.KindActionFailure)
	require.Len(t, failures, 1)
	fp := failures[0].payload.(nostr.FailurePayload)
	assert.Equal(t, "invalid_signature", fp.Code)
	assert.Equal(t, "act-badsig", fp.RefActionID)

	// nothing was reserved, nothing touched the daemon
	assert.Equal(t, 0, backend.spendCalls)
	bal, err := store.Balances.Get(ctx, owner.xOnly, "BTC")
	require.NoError(t, err)
	assert.EqualValues(t, 0, bal.Reserved)
	assert.Equal(t, []int64{60000}, availableAmounts(t, store, &owner.xOnly, "BTC"))
}

func TestSubmitAmbiguityRecovery(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	ctx := context.Background()
	store := database.NewStore(db)
	sender := newCeremonyKey(t)
	recipient := strings.Repeat("2b", 32)

	seedAsset(t, store, "BTC")
	seedOutput(t, store, "amb-50k", &sender.xOnly, "BTC", 50000)
	seedBalance(t, store, sender.xOnly, "BTC", 50000)

	backend := &fakeBackend{
		spendFn: func(_ context.Context, req arkd.SpendVtxosRequest) (*arkd.ArkTx, error) {
			return &arkd.ArkTx{
				ArkTx:         "02dd",
				VtxosToCreate: []arkd.Vtxo{{VtxoID: "out-amb", OwnerPubkey: recipient, AssetID: "BTC", Amount: 50000}},
			}, nil
		},
		// the connection dies on submit, but the daemon got the request
		submitFn: func(_ context.Context, sessionID string, _ map[string]string) (string, error) {
			return "", fault.Wrap(fault.ServiceUnavailable, errors.New("connection reset by peer"))
		},
		statusFn: func(_ context.Context, sessionID string) (*arkd.SessionStatus, error) {
			return &arkd.SessionStatus{SessionID: sessionID, Status: arkd.SessionCompleted, Txid: "ark-txid-amb"}, nil
		},
	}
	relay := &fakeRelay{}
	orch := newCeremonyOrchestrator(store, relay, backend, nil)

	cp := startSession(t, orch, relay, sender, intentPayload("act-amb", "p2p_transfer",
		`{"asset_id":"BTC","amount":50000,"recipient_pubkey":"`+recipient+`"}`, time.Now().Add(time.Hour).Unix()))
	require.NoError(t, orch.HandleResponse(ctx, responseEvent(t, sender, cp.ChallengeID, sender.sign(t, cp.PayloadToSign))))

	sess := sessionForChallenge(t, store, cp.ChallengeID)
	assert.Equal(t, database.SessionCompleted, sess.Status, "the daemon's word decides an ambiguous submit")
	assert.JSONEq(t, `{"status":"success","txid":"ark-txid-amb","amount":50000}`, string(sess.Result))
	assert.Equal(t, 1, backend.statusCalls)

	successes := eventsOfKind(relay, nostr.KindActionSuccess)
	require.Len(t, successes, 1)
	assert.Equal(t, "ark-txid-amb", successes[0].payload.(nostr.SuccessPayload).Results.Txid)
}

func TestSubmitRejectionReleasesInventory(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	ctx := context.Background()
	store := database.NewStore(db)
	sender := newCeremonyKey(t)
	recipient := strings.Repeat("2b", 32)

	seedAsset(t, store, "BTC")
	seedOutput(t, store, "rej-50k", &sender.xOnly, "BTC", 50000)
	seedBalance(t, store, sender.xOnly, "BTC", 50000)

	backend := &fakeBackend{
		submitFn: func(_ context.Context, _ string, _ map[string]string) (string, error) {
			return "", errors.New("signature set rejected")
		},
	}
	relay := &fakeRelay{}
	orch := newCeremonyOrchestrator(store, relay, backend, nil)

	cp := startSession(t, orch, relay, sender, intentPayload("act-rej-sub", "p2p_transfer",
		`{"asset_id":"BTC","amount":50000,"recipient_pubkey":"`+recipient+`"}`, time.Now().Add(time.Hour).Unix()))
	require.NoError(t, orch.HandleResponse(ctx, responseEvent(t, sender, cp.ChallengeID, sender.sign(t, cp.PayloadToSign))))

	sess := sessionForChallenge(t, store, cp.ChallengeID)
	assert.Equal(t, database.SessionFailed, sess.Status)
	assert.Equal(t, 0, backend.statusCalls, "an explicit rejection is not ambiguous")

	// the pinned vtxo is released and the reserve drops back to zero
	assert.Equal(t, []int64{50000}, availableAmounts(t, store, &sender.xOnly, "BTC"))
	bal, err := store.Balances.Get(ctx, sender.xOnly, "BTC")
	require.NoError(t, err)
	assert.EqualValues(t, 50000, bal.Balance)
	assert.EqualValues(t, 0, bal.Reserved)

	failures := eventsOfKind(relay, nostr.KindActionFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, "internal", failures[0].payload.(nostr.FailurePayload).Code)
}

func TestResponseForUnknownChallenge(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	store := database.NewStore(db)
	key := newCeremonyKey(t)
	relay := &fakeRelay{}
	orch := newCeremonyOrchestrator(store, relay, &fakeBackend{}, nil)

	require.NoError(t, orch.HandleResponse(context.Background(),
		responseEvent(t, key, strings.Repeat("77", 32), key.sign(t, "0xabc"))))

	require.Len(t, relay.published, 1)
	fp := relay.published[0].payload.(nostr.FailurePayload)
	assert.Equal(t, "challenge_not_found", fp.Code)
	assert.Empty(t, fp.RefActionID)
}

func TestLiftCeremonyDeliversInvoice(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	ctx := context.Background()
	store := database.NewStore(db)
	user := newCeremonyKey(t)

	seedAsset(t, store, "BTC")

	node := &fakeLNNode{
		addInvoiceFn: func(_ context.Context, amountSats int64, memo string, _ int64) (*lnd.CreatedInvoice, error) {
			assert.EqualValues(t, 50000, amountSats)
			return &lnd.CreatedInvoice{PaymentHash: strings.Repeat("5e", 32), PaymentRequest: "lnbcrt500u1liftpay", AddIndex: 3}, nil
		},
	}
	inventory := vtxo.NewInventory(store, &fakeMint{}, nil, nil, ceremonyPoolConfig())
	coord := lightning.NewCoordinator(store, node, inventory, ceremonyLightningConfig(), ceremonyPoolConfig())

	relay := &fakeRelay{}
	orch := newCeremonyOrchestrator(store, relay, &fakeBackend{}, coord)

	cp := startSession(t, orch, relay, user, intentPayload("act-lift-1", "lightning_lift",
		`{"asset_id":"BTC","amount":50000}`, time.Now().Add(time.Hour).Unix()))
	require.NoError(t, orch.HandleResponse(ctx, responseEvent(t, user, cp.ChallengeID, user.sign(t, cp.PayloadToSign))))

	sess := sessionForChallenge(t, store, cp.ChallengeID)
	assert.Equal(t, database.SessionSigning, sess.Status, "lifts wait in signing until the invoice settles")

	require.Len(t, relay.dms, 1)
	assert.Equal(t, user.xOnly, relay.dms[0].recipient)
	var dm struct {
		SessionID string `json:"session_id"`
		Bolt11    string `json:"lightning_invoice"`
	}
	require.NoError(t, json.Unmarshal([]byte(relay.dms[0].plaintext), &dm))
	assert.Equal(t, sess.SessionID, dm.SessionID)
	assert.Equal(t, "lnbcrt500u1liftpay", dm.Bolt11)

	statuses := eventsOfKind(relay, nostr.KindSessionStatus)
	require.Len(t, statuses, 2)
	assert.Equal(t, "signature_verified", statuses[0].payload.(nostr.StatusPayload).Step)
	assert.Equal(t, "awaiting_payment", statuses[1].payload.(nostr.StatusPayload).Step)

	// a redelivered execute re-sends the stored invoice, not a new one
	require.NoError(t, orch.Execute(ctx, sess.SessionID))
	assert.Equal(t, 1, node.addCalls)
	require.Len(t, relay.dms, 2)
	assert.Equal(t, relay.dms[0].plaintext, relay.dms[1].plaintext)
}

func TestLandRejectedOnAmountMismatch(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	ctx := context.Background()
	store := database.NewStore(db)
	user := newCeremonyKey(t)

	seedAsset(t, store, "BTC")
	seedBalance(t, store, user.xOnly, "BTC", 150000)
	seedOutput(t, store, "land-150k", &user.xOnly, "BTC", 150000)

	node := &fakeLNNode{
		decodeFn: func(_ context.Context, bolt11 string) (*lnd.Invoice, error) {
			return &lnd.Invoice{
				PaymentHash: strings.Repeat("6f", 32),
				AmountSats:  90000, // intent says 100000
				ExpiresAt:   time.Now().Add(time.Hour),
			}, nil
		},
	}
	inventory := vtxo.NewInventory(store, &fakeMint{}, nil, nil, ceremonyPoolConfig())
	coord := lightning.NewCoordinator(store, node, inventory, ceremonyLightningConfig(), ceremonyPoolConfig())

	relay := &fakeRelay{}
	orch := newCeremonyOrchestrator(store, relay, &fakeBackend{}, coord)

	cp := startSession(t, orch, relay, user, intentPayload("act-land-1", "lightning_land",
		`{"asset_id":"BTC","amount":100000,"lightning_invoice":"lnbcrt900u1mismatch"}`, time.Now().Add(time.Hour).Unix()))
	require.NoError(t, orch.HandleResponse(ctx, responseEvent(t, user, cp.ChallengeID, user.sign(t, cp.PayloadToSign))))

	sess := sessionForChallenge(t, store, cp.ChallengeID)
	assert.Equal(t, database.SessionFailed, sess.Status)

	failures := eventsOfKind(relay, nostr.KindActionFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, "invalid_invoice", failures[0].payload.(nostr.FailurePayload).Code)

	// the rejection happened before anything was reserved or persisted
	_, err := store.Invoices.GetBySession(ctx, sess.SessionID)
	assert.ErrorIs(t, err, database.ErrInvoiceNotFound)
	assert.Equal(t, []int64{150000}, availableAmounts(t, store, &user.xOnly, "BTC"))
	bal, err := store.Balances.Get(ctx, user.xOnly, "BTC")
	require.NoError(t, err)
	assert.EqualValues(t, 0, bal.Reserved)
}
