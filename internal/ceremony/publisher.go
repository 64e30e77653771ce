package ceremony

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"arkrelay/internal/database"
	"arkrelay/internal/fault"
	"arkrelay/internal/nostr"
	"arkrelay/internal/session"
	"arkrelay/pkg/logger"
)

// Relay is the outbound half of the nostr client: publish wallet-facing
// events and deliver NIP-04 direct messages.
type Relay interface {
	Publish(ctx context.Context, kind int, recipientPub string, payload interface{}) (string, error)
	SendDM(ctx context.Context, recipientPub, plaintext string) (string, error)
}

// resultRecord is the terminal outcome persisted on the session row. The
// success fields mirror nostr.ResultDetails; failures carry the fault code
// and a wallet-safe message.
type resultRecord struct {
	Status      string `json:"status"`
	Txid        string `json:"txid,omitempty"`
	PaymentHash string `json:"payment_hash,omitempty"`
	Amount      int64  `json:"amount,omitempty"`
	Fee         int64  `json:"fee,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Publisher emits ceremony events to wallets. Relay failures are logged and
// swallowed: the store is the source of truth and wallets re-query terminal
// state through replayed events, so a dropped publish never fails a session.
type Publisher struct {
	relay Relay
}

func NewPublisher(relay Relay) *Publisher {
	return &Publisher{relay: relay}
}

// Challenge sends the kind 31111 signing challenge for a session.
func (p *Publisher) Challenge(ctx context.Context, userPubkey string, ch *database.SigningChallenge) {
	p.publish(ctx, nostr.KindSigningChallenge, userPubkey, nostr.ChallengePayload{
		ChallengeID:   ch.ChallengeID,
		PayloadToSign: session.PayloadToSign(ch.PayloadRef),
		PayloadRef:    ch.PayloadRef,
		Context:       json.RawMessage(ch.Context),
		ExpiresAt:     ch.ExpiresAt.Unix(),
	}, "challenge", ch.SessionID)
}

// Status sends a kind 31113 progress update.
func (p *Publisher) Status(ctx context.Context, userPubkey, sessionID string, status database.SessionStatus, step string) {
	p.publish(ctx, nostr.KindSessionStatus, userPubkey, nostr.StatusPayload{
		SessionID: sessionID,
		Status:    status.String(),
		Step:      step,
	}, "status", sessionID)
}

// Success sends the kind 31114 terminal event.
func (p *Publisher) Success(ctx context.Context, userPubkey, refActionID string, results nostr.ResultDetails) {
	p.publish(ctx, nostr.KindActionSuccess, userPubkey,
		nostr.NewSuccessPayload(refActionID, results), "success", refActionID)
}

// Failure sends the kind 31115 terminal event.
func (p *Publisher) Failure(ctx context.Context, userPubkey, refActionID string, code fault.Code, message string) {
	p.publish(ctx, nostr.KindActionFailure, userPubkey,
		nostr.NewFailurePayload(refActionID, code, message), "failure", refActionID)
}

// LiftInvoice delivers the bolt11 for a lift over an encrypted DM. The
// invoice is the one payload wallets cannot recover from public events, so
// a delivery failure is logged at error level; the session then runs out
// its deadline unpaid.
func (p *Publisher) LiftInvoice(ctx context.Context, userPubkey string, inv *database.LightningInvoice) {
	sessionID := ""
	if inv.SessionID != nil {
		sessionID = *inv.SessionID
	}
	body, err := json.Marshal(struct {
		SessionID        string `json:"session_id"`
		PaymentHash      string `json:"payment_hash"`
		LightningInvoice string `json:"lightning_invoice"`
		ExpiresAt        int64  `json:"expires_at"`
	}{
		SessionID:        sessionID,
		PaymentHash:      inv.PaymentHash,
		LightningInvoice: inv.Bolt11,
		ExpiresAt:        inv.ExpiresAt.Unix(),
	})
	if err != nil {
		logger.Error("marshal lift invoice DM", zap.Error(err))
		return
	}
	id, err := p.relay.SendDM(ctx, userPubkey, string(body))
	if err != nil {
		logger.Error("lift invoice DM failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	logger.Debug("lift invoice delivered",
		zap.String("session_id", sessionID),
		zap.String("event_id", id))
}

// Terminal re-emits the persisted outcome of a finished session. Used when
// a duplicate intent or redelivered job lands on a session that already
// reached completed or failed.
func (p *Publisher) Terminal(ctx context.Context, sess *database.Session) {
	if len(sess.Result) == 0 {
		return
	}
	var rec resultRecord
	if err := json.Unmarshal(sess.Result, &rec); err != nil {
		logger.Warn("unreadable session result",
			zap.String("session_id", sess.SessionID), zap.Error(err))
		return
	}
	ref := refActionID(sess)
	if rec.Status == "success" {
		p.Success(ctx, sess.UserPubkey, ref, nostr.ResultDetails{
			Txid:        rec.Txid,
			PaymentHash: rec.PaymentHash,
			Amount:      rec.Amount,
			Fee:         rec.Fee,
		})
		return
	}
	p.Failure(ctx, sess.UserPubkey, ref, fault.ParseCode(rec.Code), rec.Message)
}

// SessionCompleted implements lightning.Notifier for settled lifts.
func (p *Publisher) SessionCompleted(ctx context.Context, sess *database.Session, result []byte) {
	var rec resultRecord
	if err := json.Unmarshal(result, &rec); err != nil {
		logger.Warn("unreadable settlement result",
			zap.String("session_id", sess.SessionID), zap.Error(err))
	}
	p.Success(ctx, sess.UserPubkey, refActionID(sess), nostr.ResultDetails{
		Txid:        rec.Txid,
		PaymentHash: rec.PaymentHash,
		Amount:      rec.Amount,
		Fee:         rec.Fee,
	})
}

// SessionFailed implements lightning.Notifier for expired lift invoices.
func (p *Publisher) SessionFailed(ctx context.Context, sess *database.Session, code fault.Code, message string) {
	p.Failure(ctx, sess.UserPubkey, refActionID(sess), code, message)
}

// refActionID recovers the wallet's action id from the stored intent so
// terminal events can reference it.
func refActionID(sess *database.Session) string {
	var signable session.SignableIntent
	if err := json.Unmarshal(sess.Intent, &signable); err != nil {
		logger.Warn("unreadable session intent",
			zap.String("session_id", sess.SessionID), zap.Error(err))
		return ""
	}
	return signable.ActionID
}

func (p *Publisher) publish(ctx context.Context, kind int, recipientPub string, payload interface{}, event, ref string) {
	id, err := p.relay.Publish(ctx, kind, recipientPub, payload)
	if err != nil {
		logger.Error("event publish failed",
			zap.String("event", event),
			zap.Int("kind", kind),
			zap.String("ref", ref),
			zap.Error(err))
		return
	}
	logger.Debug("event published",
		zap.String("event", event),
		zap.Int("kind", kind),
		zap.String("ref", ref),
		zap.String("event_id", id))
}
