package ceremony

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"arkrelay/config"
	"arkrelay/internal/arkd"
	"arkrelay/internal/database"
	"arkrelay/internal/fault"
	"arkrelay/internal/lightning"
	"arkrelay/internal/nostr"
	"arkrelay/internal/queue"
	"arkrelay/internal/session"
	"arkrelay/pkg/cache"
	"arkrelay/pkg/logger"
	streams "arkrelay/pkg/queue"
)

// sessionLockTTL bounds how long a crashed executor can hold a session.
// The store's conditional transitions stay correct without the lock; it
// only keeps two executors from hitting the daemon concurrently.
const sessionLockTTL = 5 * time.Minute

// Backend is the ARK daemon surface a ceremony drives. The daemon treats
// the session id as an idempotency key, so every call here may be retried.
type Backend interface {
	PrepareSigningRequest(ctx context.Context, sessionID, challengeType string, signingContext json.RawMessage) (*arkd.SigningRequest, error)
	SpendVtxos(ctx context.Context, req arkd.SpendVtxosRequest) (*arkd.ArkTx, error)
	SubmitSignatures(ctx context.Context, sessionID string, signatures map[string]string) (string, error)
	GetSessionStatus(ctx context.Context, sessionID string) (*arkd.SessionStatus, error)
}

// Inventory reserves vtxos for a session.
type Inventory interface {
	Reserve(ctx context.Context, sessionID string, ownerPubkey *string, assetID string, amount int64) (*database.Reservation, error)
}

// AssetDirectory resolves assets and keeps cached balances honest after
// writes.
type AssetDirectory interface {
	Require(ctx context.Context, assetID string) (*database.Asset, error)
	InvalidateBalance(ctx context.Context, userPubkey, assetID string)
}

// Payments is the lightning side of lifts and lands.
type Payments interface {
	PrepareLift(ctx context.Context, sess *database.Session, assetID string, amountSats int64) (*database.LightningInvoice, error)
	PrepareLand(ctx context.Context, sess *database.Session, assetID string, amountSats int64, bolt11 string) (*lightning.PreparedLand, error)
	ExecuteLand(ctx context.Context, sess *database.Session) (*lightning.LandOutcome, error)
}

// Decryptor opens NIP-04 content addressed to the gateway key.
type Decryptor interface {
	DecryptDM(senderPub, ciphertext string) (string, error)
}

// Deps collects the orchestrator's collaborators.
type Deps struct {
	Store     *database.Store
	Sessions  *session.Service
	Assets    AssetDirectory
	Inventory Inventory
	Backend   Backend
	Payments  Payments
	Publisher *Publisher
	Decryptor Decryptor
	// Jobs hands signed sessions to the worker pool. nil runs Execute
	// inline, which is what tests and the single-binary setup use.
	Jobs *streams.StreamQueue
}

// Orchestrator runs signing ceremonies end to end: it admits intents,
// issues challenges, verifies responses and executes the committed action
// against the daemons. Every state transition is a conditional update, so
// any step may be replayed after a crash or a duplicate delivery.
type Orchestrator struct {
	store     *database.Store
	sessions  *session.Service
	assets    AssetDirectory
	inventory Inventory
	backend   Backend
	payments  Payments
	publisher *Publisher
	decryptor Decryptor
	jobs      *streams.StreamQueue
	cfg       config.SessionConfig
	vtxoCfg   config.VtxoConfig
}

func NewOrchestrator(deps Deps, cfg config.SessionConfig, vtxoCfg config.VtxoConfig) *Orchestrator {
	return &Orchestrator{
		store:     deps.Store,
		sessions:  deps.Sessions,
		assets:    deps.Assets,
		inventory: deps.Inventory,
		backend:   deps.Backend,
		payments:  deps.Payments,
		publisher: deps.Publisher,
		decryptor: deps.Decryptor,
		jobs:      deps.Jobs,
		cfg:       cfg,
		vtxoCfg:   vtxoCfg,
	}
}

// HandleIntent processes a kind 31510 action intent. Validation failures
// are reported to the wallet without creating a session; anyone can spam
// intents, and rejected ones must not occupy rows. A duplicate of a live
// session is dropped, a duplicate of a finished one gets its terminal
// event replayed.
func (o *Orchestrator) HandleIntent(ctx context.Context, ev *gonostr.Event) error {
	var payload nostr.IntentPayload
	if err := json.Unmarshal([]byte(ev.Content), &payload); err != nil {
		logger.Debug("undecodable intent", zap.String("event_id", ev.ID), zap.Error(err))
		o.publisher.Failure(ctx, ev.PubKey, "", fault.InvalidIntent, "intent payload is not valid JSON")
		return nil
	}

	intent, err := ParseIntent(&payload, time.Now().UTC())
	if err != nil {
		o.reject(ctx, ev.PubKey, payload.ActionID, err)
		return nil
	}

	if err := o.admit(ctx, ev.PubKey, intent); err != nil {
		if fault.CodeOf(err) == fault.Internal {
			return err
		}
		o.reject(ctx, ev.PubKey, intent.ActionID, err)
		return nil
	}

	sessionID, err := session.DeriveSessionID(ev.PubKey, intent.Type, intent.Signable)
	if err != nil {
		return err
	}
	canonical, err := session.Canonicalize(intent.Signable)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	sess := &database.Session{
		SessionID:   sessionID,
		UserPubkey:  ev.PubKey,
		SessionType: intent.Type,
		Status:      database.SessionInitiated,
		Intent:      canonical,
		ExpiresAt:   now.Add(time.Duration(o.cfg.TimeoutMinutes) * time.Minute),
	}
	if err := o.store.Sessions.Create(ctx, sess); err != nil {
		if errors.Is(err, database.ErrSessionExists) {
			return o.replayIntent(ctx, sessionID)
		}
		return err
	}

	challenge, err := o.sessions.IssueChallenge(ctx, sess, intent.Signable)
	if err != nil {
		if fault.IsCode(err, fault.StoreConflict) {
			logger.Debug("challenge already issued", zap.String("session_id", sessionID))
			return nil
		}
		o.failSession(ctx, sess, intent.AssetID, fault.Internal, "could not issue signing challenge", false)
		return err
	}

	o.publisher.Challenge(ctx, ev.PubKey, challenge)
	logger.Info("session initiated",
		zap.String("session_id", sessionID),
		zap.String("session_type", intent.Type.String()),
		zap.String("asset_id", intent.AssetID),
		zap.Int64("amount", intent.Amount))
	return nil
}

// HandleResponse processes a kind 31512 challenge response. The content is
// NIP-04 encrypted to the gateway; undecryptable or malformed events are
// dropped without a reply since their sender cannot be trusted yet.
func (o *Orchestrator) HandleResponse(ctx context.Context, ev *gonostr.Event) error {
	plaintext, err := o.decryptor.DecryptDM(ev.PubKey, ev.Content)
	if err != nil {
		logger.Debug("undecryptable response", zap.String("event_id", ev.ID), zap.Error(err))
		return nil
	}
	var payload nostr.ResponsePayload
	if err := json.Unmarshal([]byte(plaintext), &payload); err != nil {
		logger.Debug("undecodable response", zap.String("event_id", ev.ID), zap.Error(err))
		return nil
	}
	if payload.ChallengeID == "" || payload.Signature == "" {
		logger.Debug("incomplete response", zap.String("event_id", ev.ID))
		return nil
	}

	challenge, err := o.store.Challenges.GetByID(ctx, payload.ChallengeID)
	if err != nil {
		if errors.Is(err, database.ErrChallengeNotFound) {
			o.publisher.Failure(ctx, ev.PubKey, "", fault.ChallengeNotFound, "no challenge with this id")
			return nil
		}
		return err
	}

	sess, err := o.store.Sessions.GetByID(ctx, challenge.SessionID)
	if err != nil {
		return err
	}

	// Challenges travel on public events, so anyone can quote a challenge
	// id back. Only the session owner gets a reaction; strangers are
	// dropped before they can move the state machine.
	if ev.PubKey != sess.UserPubkey {
		logger.Debug("response from non-owner ignored",
			zap.String("session_id", sess.SessionID),
			zap.String("event_id", ev.ID))
		return nil
	}

	moved, err := o.store.Sessions.UpdateState(ctx, sess.SessionID,
		database.SessionChallengeSent, database.SessionAwaitingSignature)
	if err != nil {
		return err
	}
	// A session already sitting in awaiting_signature is a resumed verify
	// (crash between the hop and the consume); the consume below stays the
	// single-winner gate. Anything else losing the hop is a duplicate.
	if !moved && sess.Status != database.SessionAwaitingSignature {
		logger.Debug("duplicate or stale response",
			zap.String("session_id", sess.SessionID),
			zap.String("status", sess.Status.String()))
		return nil
	}

	if _, err := o.sessions.VerifyResponse(ctx, payload.ChallengeID, payload.Signature, ev.PubKey); err != nil {
		code := fault.CodeOf(err)
		if code == fault.StoreConflict {
			// the session advanced or died between the hop and the consume
			logger.Debug("challenge consume lost the race", zap.String("session_id", sess.SessionID))
			return nil
		}
		if code == fault.Internal {
			return err
		}
		o.failSession(ctx, sess, "", code, failMessage(err), false)
		return nil
	}

	o.publisher.Status(ctx, sess.UserPubkey, sess.SessionID, database.SessionSigning, "signature_verified")
	return o.dispatch(ctx, sess.SessionID)
}

// Execute runs the post-signature leg of a ceremony. Safe to call again
// for the same session: transitions are conditional, the daemon is
// idempotent by session id, and a terminal session only gets its outcome
// event re-emitted.
func (o *Orchestrator) Execute(ctx context.Context, sessionID string) error {
	unlock, ok := o.lockSession(ctx, sessionID)
	if !ok {
		logger.Info("session locked by another executor", zap.String("session_id", sessionID))
		return nil
	}
	defer unlock()

	sess, err := o.store.Sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}

	switch sess.Status {
	case database.SessionSigning, database.SessionCommitting:
	case database.SessionCompleted, database.SessionFailed, database.SessionExpired:
		o.publisher.Terminal(ctx, sess)
		return nil
	default:
		logger.Info("execute on unsigned session skipped",
			zap.String("session_id", sessionID),
			zap.String("status", sess.Status.String()))
		return nil
	}

	intent, err := ParseStoredIntent(sess)
	if err != nil {
		logger.Error("stored intent unreadable",
			zap.String("session_id", sessionID), zap.Error(err))
		o.failSession(ctx, sess, "", fault.Internal, "session intent is unreadable", false)
		return nil
	}

	switch intent.Type {
	case database.P2PTransfer:
		return o.executeTransfer(ctx, sess, intent)
	case database.LightningLift:
		return o.executeLift(ctx, sess, intent)
	case database.LightningLand:
		return o.executeLand(ctx, sess, intent)
	default:
		o.failSession(ctx, sess, intent.AssetID, fault.UnknownSessionType, "unknown session type", false)
		return nil
	}
}

// executeTransfer spends the user's vtxos to the recipient through the
// daemon. A resumed run (status already committing) reuses the vtxos the
// first run pinned and asks the daemon where it got to before touching
// anything, so a crash between submit and commit cannot double-spend.
func (o *Orchestrator) executeTransfer(ctx context.Context, sess *database.Session, intent *Intent) error {
	resumed := sess.Status == database.SessionCommitting

	var vtxoIDs []string
	if resumed {
		held, err := o.store.Vtxos.ListBySession(ctx, sess.SessionID)
		if err != nil {
			return err
		}
		if len(held) == 0 {
			o.failSession(ctx, sess, intent.AssetID, fault.Internal,
				"interrupted transfer holds no vtxos", false)
			return nil
		}
		for _, v := range held {
			vtxoIDs = append(vtxoIDs, v.VtxoID)
		}

		st, err := o.backend.GetSessionStatus(ctx, sess.SessionID)
		if err != nil {
			// leave the session committing; the next delivery retries
			return err
		}
		switch st.Status {
		case arkd.SessionCompleted:
			return o.commitTransfer(ctx, sess, intent, vtxoIDs, st.Txid)
		case arkd.SessionFailed:
			o.failSession(ctx, sess, intent.AssetID, fault.Internal,
				"ark daemon failed the session", true)
			return nil
		}
	} else {
		res, err := o.inventory.Reserve(ctx, sess.SessionID, &sess.UserPubkey, intent.AssetID, intent.Amount)
		if err != nil {
			code := fault.CodeOf(err)
			if code == fault.Internal {
				return err
			}
			o.failSession(ctx, sess, intent.AssetID, code, failMessage(err), false)
			return nil
		}
		vtxoIDs = res.VtxoIDs()
	}

	if _, err := o.backend.PrepareSigningRequest(ctx, sess.SessionID, sess.SessionType.String(), sess.Intent); err != nil {
		o.failSession(ctx, sess, intent.AssetID, backendCode(err), failMessage(err), false)
		return nil
	}

	tx, err := o.backend.SpendVtxos(ctx, arkd.SpendVtxosRequest{
		VtxoIDs:           vtxoIDs,
		DestinationPubkey: intent.RecipientPubkey,
		AssetID:           intent.AssetID,
		Amount:            intent.Amount,
	})
	if err != nil {
		o.failSession(ctx, sess, intent.AssetID, backendCode(err), failMessage(err), false)
		return nil
	}

	if !resumed {
		if _, err := o.store.MarkVtxosAssigned(ctx, sess.SessionID); err != nil {
			return err
		}
		if ctx.Err() != nil {
			o.failSession(context.WithoutCancel(ctx), sess, intent.AssetID,
				fault.Shutdown, "gateway is shutting down", true)
			return ctx.Err()
		}
		moved, err := o.store.Sessions.UpdateState(ctx, sess.SessionID,
			database.SessionSigning, database.SessionCommitting)
		if err != nil {
			return err
		}
		if !moved {
			logger.Info("transfer lost the committing race", zap.String("session_id", sess.SessionID))
			return nil
		}
		o.publisher.Status(ctx, sess.UserPubkey, sess.SessionID, database.SessionCommitting, "submitting")
	}

	sig, err := o.challengeSignature(ctx, sess)
	if err != nil {
		o.failSession(ctx, sess, intent.AssetID, fault.Internal, "signature is no longer available", false)
		return nil
	}

	txid, err := o.backend.SubmitSignatures(ctx, sess.SessionID, map[string]string{sess.UserPubkey: sig})
	if err != nil {
		return o.resolveSubmitFailure(ctx, sess, intent, vtxoIDs, tx, err)
	}

	return o.finishTransfer(ctx, sess, intent, tx, txid)
}

// resolveSubmitFailure decides what a failed SubmitSignatures means. A
// transport fault is ambiguous: the daemon may have executed the spend
// before the connection died, so its word decides. An explicit rejection
// means nothing was spent.
func (o *Orchestrator) resolveSubmitFailure(ctx context.Context, sess *database.Session, intent *Intent, vtxoIDs []string, tx *arkd.ArkTx, submitErr error) error {
	var f *fault.Fault
	if !errors.As(submitErr, &f) {
		o.failSession(ctx, sess, intent.AssetID, fault.Internal,
			"ark daemon rejected the submission", true)
		return nil
	}

	st, err := o.backend.GetSessionStatus(ctx, sess.SessionID)
	if err != nil {
		logger.Error("submit outcome unknown, pinning session vtxos",
			zap.String("session_id", sess.SessionID),
			zap.Error(submitErr))
		o.failSession(ctx, sess, intent.AssetID, f.Code, f.Message, false)
		return nil
	}

	switch st.Status {
	case arkd.SessionCompleted:
		return o.finishTransfer(ctx, sess, intent, tx, st.Txid)
	case arkd.SessionFailed:
		o.failSession(ctx, sess, intent.AssetID, f.Code, f.Message, true)
		return nil
	default:
		// submit never landed
		o.failSession(ctx, sess, intent.AssetID, f.Code, f.Message, true)
		return nil
	}
}

// finishTransfer commits a spend the daemon confirmed, using the outputs
// from the prepared transaction.
func (o *Orchestrator) finishTransfer(ctx context.Context, sess *database.Session, intent *Intent, tx *arkd.ArkTx, txid string) error {
	now := time.Now().UTC()
	txid = transferTxid(txid, tx, sess.SessionID)

	result, err := json.Marshal(resultRecord{
		Status: "success",
		Txid:   txid,
		Amount: intent.Amount,
		Fee:    tx.FeeAmount,
	})
	if err != nil {
		return err
	}

	err = o.store.CommitTransfer(ctx, database.CommitTransferParams{
		SessionID:       sess.SessionID,
		SenderPubkey:    sess.UserPubkey,
		RecipientPubkey: intent.RecipientPubkey,
		AssetID:         intent.AssetID,
		Amount:          intent.Amount,
		Fee:             tx.FeeAmount,
		NewVtxos:        o.mapOutputs(tx.VtxosToCreate, intent.AssetID, now),
		ArkTx: &database.ArkTransaction{
			Txid:      txid,
			SessionID: &sess.SessionID,
			TxType:    database.ArkTxTransfer,
			AssetID:   intent.AssetID,
			Amount:    intent.Amount,
			Fee:       tx.FeeAmount,
			Status:    database.ArkTxConfirmed,
			CreatedAt: now,
		},
		Result: result,
	})
	if err != nil {
		if errors.Is(err, database.ErrStateConflict) {
			return o.republishTerminal(ctx, sess.SessionID)
		}
		return err
	}

	o.assets.InvalidateBalance(ctx, sess.UserPubkey, intent.AssetID)
	o.assets.InvalidateBalance(ctx, intent.RecipientPubkey, intent.AssetID)
	o.publisher.Success(ctx, sess.UserPubkey, intent.ActionID, nostr.ResultDetails{
		Txid:   txid,
		Amount: intent.Amount,
		Fee:    tx.FeeAmount,
	})
	logger.Info("transfer completed",
		zap.String("session_id", sess.SessionID),
		zap.String("txid", txid),
		zap.String("asset_id", intent.AssetID),
		zap.Int64("amount", intent.Amount),
		zap.Int64("fee", tx.FeeAmount))
	return nil
}

// commitTransfer handles a resume where the daemon already completed the
// spend: recover the outputs from the idempotent prepare and commit them.
func (o *Orchestrator) commitTransfer(ctx context.Context, sess *database.Session, intent *Intent, vtxoIDs []string, txid string) error {
	tx, err := o.backend.SpendVtxos(ctx, arkd.SpendVtxosRequest{
		VtxoIDs:           vtxoIDs,
		DestinationPubkey: intent.RecipientPubkey,
		AssetID:           intent.AssetID,
		Amount:            intent.Amount,
	})
	if err != nil {
		// commit without outputs rather than leave a confirmed spend
		// dangling; the daemon stays the source of truth for them
		logger.Warn("completed spend outputs unrecoverable",
			zap.String("session_id", sess.SessionID), zap.Error(err))
		tx = &arkd.ArkTx{}
	}
	return o.finishTransfer(ctx, sess, intent, tx, txid)
}

// executeLift creates the lightning invoice that funds the lift and hands
// the session to the settlement monitor. A redelivered job re-sends the
// existing invoice instead of opening a second one on the node.
func (o *Orchestrator) executeLift(ctx context.Context, sess *database.Session, intent *Intent) error {
	if sess.Status == database.SessionCommitting {
		// settlement owns this stretch
		return nil
	}

	if inv, err := o.store.Invoices.GetBySession(ctx, sess.SessionID); err == nil {
		o.publisher.LiftInvoice(ctx, sess.UserPubkey, inv)
		return nil
	} else if !errors.Is(err, database.ErrInvoiceNotFound) {
		return err
	}

	inv, err := o.payments.PrepareLift(ctx, sess, intent.AssetID, intent.Amount)
	if err != nil {
		code := fault.CodeOf(err)
		if code == fault.Internal {
			return err
		}
		o.failSession(ctx, sess, intent.AssetID, code, failMessage(err), false)
		return nil
	}

	o.publisher.LiftInvoice(ctx, sess.UserPubkey, inv)
	o.publisher.Status(ctx, sess.UserPubkey, sess.SessionID, database.SessionSigning, "awaiting_payment")
	logger.Info("lift invoice issued",
		zap.String("session_id", sess.SessionID),
		zap.String("asset_id", intent.AssetID),
		zap.Int64("amount", intent.Amount))
	return nil
}

// executeLand reserves cover for the outbound payment, then pays. The pay
// step only runs once per session: the signing to committing hop gates it,
// and ExecuteLand refuses invoices that are not pending payment.
func (o *Orchestrator) executeLand(ctx context.Context, sess *database.Session, intent *Intent) error {
	if sess.Status == database.SessionSigning {
		prep, err := o.payments.PrepareLand(ctx, sess, intent.AssetID, intent.Amount, intent.Invoice)
		if err != nil {
			code := fault.CodeOf(err)
			if code == fault.Internal {
				return err
			}
			o.failSession(ctx, sess, intent.AssetID, code, failMessage(err), false)
			return nil
		}

		if _, err := o.store.MarkVtxosAssigned(ctx, sess.SessionID); err != nil {
			return err
		}
		if ctx.Err() != nil {
			o.failSession(context.WithoutCancel(ctx), sess, intent.AssetID,
				fault.Shutdown, "gateway is shutting down", true)
			return ctx.Err()
		}
		moved, err := o.store.Sessions.UpdateState(ctx, sess.SessionID,
			database.SessionSigning, database.SessionCommitting)
		if err != nil {
			return err
		}
		if !moved {
			logger.Info("land lost the committing race", zap.String("session_id", sess.SessionID))
			return nil
		}
		o.publisher.Status(ctx, sess.UserPubkey, sess.SessionID, database.SessionCommitting, "submitting_payment")
		logger.Debug("land prepared",
			zap.String("session_id", sess.SessionID),
			zap.Int64("amount", intent.Amount),
			zap.Int64("fee_estimate", prep.Fee.Total()),
			zap.Int64("reserved", prep.Reserved))
	}

	outcome, err := o.payments.ExecuteLand(ctx, sess)
	if err != nil {
		code := fault.CodeOf(err)
		o.failSession(ctx, sess, intent.AssetID, code, failMessage(err), releaseOnLandFailure(code))
		return nil
	}

	o.assets.InvalidateBalance(ctx, sess.UserPubkey, intent.AssetID)
	o.publisher.Success(ctx, sess.UserPubkey, intent.ActionID, nostr.ResultDetails{
		PaymentHash: outcome.PaymentHash,
		Amount:      outcome.Amount,
		Fee:         outcome.Fee,
	})
	logger.Info("land completed",
		zap.String("session_id", sess.SessionID),
		zap.String("payment_hash", outcome.PaymentHash),
		zap.Int64("amount", outcome.Amount),
		zap.Int64("fee", outcome.Fee))
	return nil
}

// admit runs the store-backed checks: concurrency ceiling, asset registry
// and a balance precheck for the flows that spend existing funds. Lifts
// skip the balance check since they acquire the funds being checked.
func (o *Orchestrator) admit(ctx context.Context, userPubkey string, intent *Intent) error {
	active, err := o.store.Sessions.CountActive(ctx)
	if err != nil {
		return err
	}
	if o.cfg.MaxConcurrent > 0 && active >= o.cfg.MaxConcurrent {
		return fault.New(fault.RateLimited, "gateway is at capacity, retry shortly")
	}

	if _, err := o.assets.Require(ctx, intent.AssetID); err != nil {
		return err
	}

	if intent.Type == database.P2PTransfer || intent.Type == database.LightningLand {
		bal, err := o.store.Balances.Get(ctx, userPubkey, intent.AssetID)
		if err != nil {
			return err
		}
		if bal.Available() < intent.Amount {
			return fault.Newf(fault.InsufficientBalance,
				"available balance %d is below %d", bal.Available(), intent.Amount)
		}
	}
	return nil
}

// replayIntent answers a duplicate intent: finished sessions get their
// outcome re-sent, live ones are left to run.
func (o *Orchestrator) replayIntent(ctx context.Context, sessionID string) error {
	sess, err := o.store.Sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.IsTerminal() {
		o.publisher.Terminal(ctx, sess)
		return nil
	}
	logger.Debug("duplicate intent for active session", zap.String("session_id", sessionID))
	return nil
}

func (o *Orchestrator) republishTerminal(ctx context.Context, sessionID string) error {
	sess, err := o.store.Sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	o.publisher.Terminal(ctx, sess)
	return nil
}

// reject reports a validation failure for an intent that never became a
// session.
func (o *Orchestrator) reject(ctx context.Context, userPubkey, actionID string, err error) {
	code := fault.CodeOf(err)
	logger.Info("intent rejected",
		zap.String("action_id", actionID),
		zap.String("code", code.String()),
		zap.Error(err))
	o.publisher.Failure(ctx, userPubkey, actionID, code, failMessage(err))
}

// failSession finalizes a session as failed, releases what the flags
// allow, and reports the outcome. assetID may be empty when nothing was
// reserved yet.
func (o *Orchestrator) failSession(ctx context.Context, sess *database.Session, assetID string, code fault.Code, message string, releaseAssigned bool) {
	result, err := json.Marshal(resultRecord{Status: "failure", Code: code.String(), Message: message})
	if err != nil {
		result = nil
	}

	finalized, err := o.store.FailSession(ctx, database.FailSessionParams{
		SessionID:       sess.SessionID,
		OwnerPubkey:     &sess.UserPubkey,
		AssetID:         assetID,
		To:              database.SessionFailed,
		Result:          result,
		ReleaseAssigned: releaseAssigned,
	})
	if err != nil {
		logger.Error("fail session",
			zap.String("session_id", sess.SessionID),
			zap.String("code", code.String()),
			zap.Error(err))
		return
	}
	if !finalized {
		logger.Debug("session already terminal", zap.String("session_id", sess.SessionID))
		return
	}

	if assetID != "" {
		o.assets.InvalidateBalance(ctx, sess.UserPubkey, assetID)
	}
	logger.Info("session failed",
		zap.String("session_id", sess.SessionID),
		zap.String("code", code.String()),
		zap.String("message", message))
	o.publisher.Failure(ctx, sess.UserPubkey, refActionID(sess), code, message)
}

// dispatch hands a signed session to the worker stream, or runs it inline
// when no queue is wired or the enqueue fails. Inline is slower on the
// handler loop but never strands a signed session.
func (o *Orchestrator) dispatch(ctx context.Context, sessionID string) error {
	if o.jobs == nil {
		return o.Execute(ctx, sessionID)
	}

	msg := queue.ExecuteCeremonyMessage{SessionID: sessionID}
	data, err := msg.ToJSON()
	if err != nil {
		return o.Execute(ctx, sessionID)
	}
	if _, err := o.jobs.Publish(ctx, queue.StreamCeremonyExecute, data); err != nil {
		logger.Warn("enqueue failed, executing inline",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return o.Execute(ctx, sessionID)
	}
	logger.Debug("ceremony queued", zap.String("session_id", sessionID))
	return nil
}

// challengeSignature returns the wallet signature consumed for this
// session, needed again at submit time.
func (o *Orchestrator) challengeSignature(ctx context.Context, sess *database.Session) (string, error) {
	if sess.ChallengeID == nil {
		return "", fault.New(fault.Internal, "session has no challenge")
	}
	ch, err := o.store.Challenges.GetByID(ctx, *sess.ChallengeID)
	if err != nil {
		return "", err
	}
	if ch.Signature == nil || *ch.Signature == "" {
		return "", fault.New(fault.Internal, "challenge has no stored signature")
	}
	return *ch.Signature, nil
}

// lockSession takes the per-session redis lock. Without redis the store's
// conditional transitions still keep replays safe, so a missing client or
// a failing lock does not block execution.
func (o *Orchestrator) lockSession(ctx context.Context, sessionID string) (func(), bool) {
	if cache.Client == nil {
		return func() {}, true
	}
	key := sessionLockKey(sessionID)
	ok, err := cache.SetNX(ctx, key, 1, sessionLockTTL)
	if err != nil {
		logger.Warn("session lock unavailable",
			zap.String("session_id", sessionID), zap.Error(err))
		return func() {}, true
	}
	if !ok {
		return nil, false
	}
	return func() {
		if _, err := cache.Delete(context.WithoutCancel(ctx), key); err != nil {
			logger.Warn("session unlock failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}, true
}

func sessionLockKey(sessionID string) string {
	return "lock:session:" + sessionID
}

// mapOutputs converts daemon-reported outputs into inventory rows.
func (o *Orchestrator) mapOutputs(outs []arkd.Vtxo, assetID string, now time.Time) []*database.Vtxo {
	rows := make([]*database.Vtxo, 0, len(outs))
	for _, out := range outs {
		v := &database.Vtxo{
			VtxoID:    out.VtxoID,
			AssetID:   assetID,
			Amount:    out.Amount,
			Status:    database.VtxoAvailable,
			CreatedAt: now,
			ExpiresAt: now.Add(time.Duration(o.vtxoCfg.ExpirationHours) * time.Hour),
		}
		if out.AssetID != "" {
			v.AssetID = out.AssetID
		}
		if out.OwnerPubkey != "" {
			owner := out.OwnerPubkey
			v.OwnerPubkey = &owner
		}
		if out.ExpiresAt > 0 {
			v.ExpiresAt = time.Unix(out.ExpiresAt, 0).UTC()
		}
		rows = append(rows, v)
	}
	return rows
}

// transferTxid settles on a transaction id when the daemon did not report
// one: a stable hash over the session and raw tx, so replays agree.
func transferTxid(submitted string, tx *arkd.ArkTx, sessionID string) string {
	if submitted != "" {
		return submitted
	}
	sum := sha256.Sum256([]byte(sessionID + tx.ArkTx))
	return hex.EncodeToString(sum[:])
}

// backendCode classifies a daemon error for the failure event, defaulting
// to service_unavailable for unclassified transport noise.
func backendCode(err error) fault.Code {
	var f *fault.Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return fault.ServiceUnavailable
}

// failMessage extracts the wallet-safe message from a classified error.
// Plain errors stay opaque; their detail belongs in logs, not events.
func failMessage(err error) string {
	var f *fault.Fault
	if errors.As(err, &f) {
		return f.Message
	}
	return "internal error"
}

// releaseOnLandFailure reports whether a failed land left its vtxos safe
// to release. Transport-shaped failures may race a payment still in
// flight at the node, so those stay pinned for reconciliation.
func releaseOnLandFailure(code fault.Code) bool {
	switch code {
	case fault.ServiceTimeout, fault.ServiceUnavailable, fault.Internal:
		return false
	default:
		return true
	}
}
