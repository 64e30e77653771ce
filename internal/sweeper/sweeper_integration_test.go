//go:build integration

package sweeper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arkrelay/config"
	"arkrelay/internal/database"
	"arkrelay/internal/fault"
	"arkrelay/internal/session"
	"arkrelay/internal/vtxo"
	"arkrelay/pkg/logger"
)

func init() {
	_ = logger.Init("development")
}

type captureNotifier struct {
	failed   []fault.Code
	sessions []string
}

func (n *captureNotifier) SessionFailed(ctx context.Context, sess *database.Session, code fault.Code, message string) {
	n.failed = append(n.failed, code)
	n.sessions = append(n.sessions, sess.SessionID)
}

func sweeperSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		TimeoutMinutes:          30,
		ChallengeTimeoutMinutes: 5,
		MaxConcurrent:           100,
		SweepIntervalSeconds:    30,
	}
}

func sweeperLightningConfig() config.LightningConfig {
	return config.LightningConfig{
		FeeSatsPerVbyte:      2,
		FeePercentage:        0.1,
		InvoiceExpirySeconds: 3600,
		MonitorPollSeconds:   5,
		PaymentTimeoutSecs:   60,
	}
}

func newSweeper(store *database.Store, notifier Notifier) *Sweeper {
	return NewSweeper(store, notifier, sweeperSessionConfig(), sweeperLightningConfig())
}

// seedSession inserts a session in the given state whose deadline already
// passed, carrying a parseable transfer or lift intent for the asset.
func seedSession(t *testing.T, store *database.Store, user string, typ database.SessionType, status database.SessionStatus, expiresAt time.Time) *database.Session {
	t.Helper()
	now := time.Now().UTC()

	var params string
	switch typ {
	case database.P2PTransfer:
		params = fmt.Sprintf(`{"asset_id":"BTC","amount":50000,"recipient_pubkey":"%s"}`, strings.Repeat("2b", 32))
	case database.LightningLift:
		params = `{"asset_id":"BTC","amount":50000}`
	default:
		params = `{"asset_id":"BTC","amount":50000,"lightning_invoice":"lnbcrt500u1land"}`
	}
	intent, err := json.Marshal(session.SignableIntent{
		ActionID: fmt.Sprintf("act-%d", now.UnixNano()),
		Type:     typ.String(),
		Params:   json.RawMessage(params),
	})
	require.NoError(t, err)

	digest := sha256.Sum256([]byte(fmt.Sprintf("%s-%s-%d", user, typ, now.UnixNano())))
	sess := &database.Session{
		SessionID:   hex.EncodeToString(digest[:]),
		UserPubkey:  user,
		SessionType: typ,
		Status:      status,
		Intent:      intent,
		CreatedAt:   now.Add(-time.Hour),
		UpdatedAt:   now.Add(-time.Hour),
		ExpiresAt:   expiresAt,
	}
	require.NoError(t, store.Sessions.Create(context.Background(), sess))
	return sess
}

func seedOutput(t *testing.T, store *database.Store, id string, owner *string, amount int64, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, store.Vtxos.InsertBatch(context.Background(), []*database.Vtxo{{
		VtxoID:      id,
		AssetID:     "BTC",
		Amount:      amount,
		OwnerPubkey: owner,
		Status:      database.VtxoAvailable,
		CreatedAt:   time.Now().UTC().Add(-time.Hour),
		ExpiresAt:   expiresAt,
	}}))
}

func seedBalance(t *testing.T, store *database.Store, user string, amount int64) {
	t.Helper()
	err := store.WithTx(context.Background(), func(tx pgx.Tx) error {
		return store.Balances.AdjustTx(context.Background(), tx, user, "BTC", amount, 0)
	})
	require.NoError(t, err)
}

// reserveFor locks the user's outputs for the session the way the live
// reservation path does, keeping balance and rows in step.
func reserveFor(t *testing.T, store *database.Store, sess *database.Session, amount int64) {
	t.Helper()
	_, err := store.ReserveForSession(context.Background(), sess.SessionID, &sess.UserPubkey, "BTC", amount, vtxo.Select)
	require.NoError(t, err)
}

func seedLiftInvoice(t *testing.T, store *database.Store, sess *database.Session, hash string, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, store.Invoices.Create(context.Background(), &database.LightningInvoice{
		PaymentHash: hash,
		Bolt11:      "lnbcrt500u1" + hash[:8],
		SessionID:   &sess.SessionID,
		AmountSats:  50000,
		AssetID:     "BTC",
		Status:      database.InvoicePending,
		InvoiceType: database.InvoiceLift,
		CreatedAt:   time.Now().UTC().Add(-time.Hour),
		ExpiresAt:   expiresAt,
	}))
}

func sessionResultCode(t *testing.T, store *database.Store, sessionID string) (string, string) {
	t.Helper()
	sess, err := store.Sessions.GetByID(context.Background(), sessionID)
	require.NoError(t, err)
	var rec struct {
		Status string `json:"status"`
		Code   string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(sess.Result, &rec))
	return rec.Status, rec.Code
}

func TestSweepExpiresOverdueSession(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	ctx := context.Background()
	store := database.NewStore(db)
	user := strings.Repeat("1a", 32)
	past := time.Now().UTC().Add(-time.Minute)

	sess := seedSession(t, store, user, database.P2PTransfer, database.SessionSigning, past)
	seedBalance(t, store, user, 80000)
	seedOutput(t, store, "user-80k", &user, 80000, time.Now().UTC().Add(24*time.Hour))
	reserveFor(t, store, sess, 50000)

	notifier := &captureNotifier{}
	sum := newSweeper(store, notifier).Sweep(ctx)
	assert.Equal(t, 1, sum.SessionsExpired)

	reloaded, err := store.Sessions.GetByID(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, database.SessionExpired, reloaded.Status)

	status, code := sessionResultCode(t, store, sess.SessionID)
	assert.Equal(t, "failure", status)
	assert.Equal(t, "expired_intent", code)

	// The hold comes back: the output is selectable again and the
	// reserved balance is zero.
	out, err := store.Vtxos.GetByID(ctx, "user-80k")
	require.NoError(t, err)
	assert.Equal(t, database.VtxoAvailable, out.Status)
	bal, err := store.Balances.Get(ctx, user, "BTC")
	require.NoError(t, err)
	assert.EqualValues(t, 80000, bal.Balance)
	assert.EqualValues(t, 0, bal.Reserved)

	require.Equal(t, []fault.Code{fault.ExpiredIntent}, notifier.failed)
	assert.Equal(t, []string{sess.SessionID}, notifier.sessions)

	// An active pass leaves a job log entry carrying the counts.
	jobs, err := store.JobLogs.ListRecent(ctx, "expiry_sweep", 5)
	require.NoError(t, err)
	require.NotEmpty(t, jobs)
	assert.Equal(t, database.JobCompleted, jobs[0].Status)
	require.NotNil(t, jobs[0].Detail)
	assert.Contains(t, *jobs[0].Detail, `"sessions_expired":1`)
}

func TestSweepPinsCommittingSession(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	ctx := context.Background()
	store := database.NewStore(db)
	user := strings.Repeat("3c", 32)
	past := time.Now().UTC().Add(-time.Minute)

	sess := seedSession(t, store, user, database.P2PTransfer, database.SessionCommitting, past)
	seedBalance(t, store, user, 50000)
	seedOutput(t, store, "user-50k", &user, 50000, time.Now().UTC().Add(24*time.Hour))
	reserveFor(t, store, sess, 50000)
	_, err := store.MarkVtxosAssigned(ctx, sess.SessionID)
	require.NoError(t, err)

	notifier := &captureNotifier{}
	sum := newSweeper(store, notifier).Sweep(ctx)
	assert.Equal(t, 1, sum.SessionsExpired)

	reloaded, err := store.Sessions.GetByID(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, database.SessionExpired, reloaded.Status)

	// A committing session may have reached the daemon: its assigned
	// output and the matching reserved balance stay put for
	// reconciliation instead of flowing back into the pool.
	out, err := store.Vtxos.GetByID(ctx, "user-50k")
	require.NoError(t, err)
	assert.Equal(t, database.VtxoAssigned, out.Status)
	bal, err := store.Balances.Get(ctx, user, "BTC")
	require.NoError(t, err)
	assert.EqualValues(t, 50000, bal.Reserved)

	require.Equal(t, []fault.Code{fault.ExpiredIntent}, notifier.failed)
}

func TestSweepDefersLiftWhileInvoicePayable(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	ctx := context.Background()
	store := database.NewStore(db)
	user := strings.Repeat("4d", 32)
	now := time.Now().UTC()

	// The session deadline passed but the invoice is still open: the
	// wallet may be paying right now.
	sess := seedSession(t, store, user, database.LightningLift, database.SessionSigning, now.Add(-time.Minute))
	seedLiftInvoice(t, store, sess, strings.Repeat("5e", 32), now.Add(30*time.Minute))

	notifier := &captureNotifier{}
	sum := newSweeper(store, notifier).Sweep(ctx)
	assert.Equal(t, 0, sum.SessionsExpired)
	assert.Equal(t, 0, sum.InvoicesExpired)

	reloaded, err := store.Sessions.GetByID(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, database.SessionSigning, reloaded.Status)
	assert.Empty(t, notifier.failed)
}

func TestSweepFailsLiftOnInvoiceExpiry(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	ctx := context.Background()
	store := database.NewStore(db)
	user := strings.Repeat("6f", 32)
	now := time.Now().UTC()
	hash := strings.Repeat("7a", 32)

	// Both deadlines passed, the invoice far enough back to clear the
	// grace window. The invoice verdict wins over plain session expiry.
	sess := seedSession(t, store, user, database.LightningLift, database.SessionSigning, now.Add(-time.Minute))
	seedLiftInvoice(t, store, sess, hash, now.Add(-5*time.Minute))

	notifier := &captureNotifier{}
	sum := newSweeper(store, notifier).Sweep(ctx)
	assert.Equal(t, 0, sum.SessionsExpired)
	assert.Equal(t, 1, sum.InvoicesExpired)

	inv, err := store.Invoices.GetByPaymentHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, database.InvoiceExpired, inv.Status)

	reloaded, err := store.Sessions.GetByID(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, database.SessionFailed, reloaded.Status)

	status, code := sessionResultCode(t, store, sess.SessionID)
	assert.Equal(t, "failure", status)
	assert.Equal(t, "invoice_expired", code)
	require.Equal(t, []fault.Code{fault.InvoiceExpired}, notifier.failed)
}

func TestSweepGraceSparesFreshlyExpiredInvoice(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	ctx := context.Background()
	store := database.NewStore(db)
	user := strings.Repeat("8b", 32)
	now := time.Now().UTC()

	// Expired ten seconds ago, well inside the sixty-second grace
	// window: the row keeps its state for one more pass.
	sess := seedSession(t, store, user, database.LightningLift, database.SessionSigning, now.Add(-time.Minute))
	seedLiftInvoice(t, store, sess, strings.Repeat("9c", 32), now.Add(-10*time.Second))

	sum := newSweeper(store, &captureNotifier{}).Sweep(ctx)
	assert.Equal(t, 0, sum.InvoicesExpired)
	assert.Equal(t, 0, sum.SessionsExpired)

	reloaded, err := store.Sessions.GetByID(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, database.SessionSigning, reloaded.Status)
}

func TestSweepExpiresPoolOutputs(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	ctx := context.Background()
	store := database.NewStore(db)
	now := time.Now().UTC()

	seedOutput(t, store, "pool-old", nil, 100000, now.Add(-time.Minute))
	seedOutput(t, store, "pool-fresh", nil, 100000, now.Add(24*time.Hour))

	sum := newSweeper(store, &captureNotifier{}).Sweep(ctx)
	assert.EqualValues(t, 1, sum.VtxosExpired)

	old, err := store.Vtxos.GetByID(ctx, "pool-old")
	require.NoError(t, err)
	assert.Equal(t, database.VtxoExpired, old.Status)
	fresh, err := store.Vtxos.GetByID(ctx, "pool-fresh")
	require.NoError(t, err)
	assert.Equal(t, database.VtxoAvailable, fresh.Status)
}

func TestSweepCountsChallengeBacklogQuietly(t *testing.T) {
	db := database.SetupTestDB(t)
	defer db.Close()
	defer database.CleanupTestDB(t, db)

	ctx := context.Background()
	store := database.NewStore(db)
	user := strings.Repeat("ab", 32)
	now := time.Now().UTC()

	// A live session whose challenge died: the wallet can no longer
	// answer it, but the session keeps its own deadline.
	sess := seedSession(t, store, user, database.P2PTransfer, database.SessionChallengeSent, now.Add(20*time.Minute))
	require.NoError(t, store.Challenges.Create(ctx, &database.SigningChallenge{
		ChallengeID: strings.Repeat("cd", 32),
		SessionID:   sess.SessionID,
		Payload:     sess.Intent,
		PayloadRef:  strings.Repeat("00", 32),
		Context:     []byte(`{"action":"p2p_transfer"}`),
		CreatedAt:   now.Add(-10 * time.Minute),
		ExpiresAt:   now.Add(-5 * time.Minute),
	}))

	sum := newSweeper(store, &captureNotifier{}).Sweep(ctx)
	assert.Equal(t, 1, sum.ChallengesDead)
	assert.Equal(t, 0, sum.SessionsExpired)

	reloaded, err := store.Sessions.GetByID(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, database.SessionChallengeSent, reloaded.Status)

	// Backlog alone is standing state, not work done: no job log entry.
	jobs, err := store.JobLogs.ListRecent(ctx, "expiry_sweep", 5)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
