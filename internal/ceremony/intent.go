package ceremony

import (
	"encoding/json"
	"time"

	"arkrelay/internal/database"
	"arkrelay/internal/fault"
	"arkrelay/internal/nostr"
	"arkrelay/internal/session"
)

// Intent is a structurally valid action intent. Asset existence, balance
// and admission checks happen later against the store; everything here is
// checkable from the payload alone.
type Intent struct {
	ActionID        string
	Type            database.SessionType
	AssetID         string
	Amount          int64
	RecipientPubkey string // transfers only
	Invoice         string // lands only, bolt11
	ExpiresAt       time.Time
	Signable        session.SignableIntent
}

type transferParams struct {
	AssetID         string `json:"asset_id"`
	Amount          int64  `json:"amount"`
	RecipientPubkey string `json:"recipient_pubkey"`
}

type liftParams struct {
	AssetID string `json:"asset_id"`
	Amount  int64  `json:"amount"`
}

type landParams struct {
	AssetID          string `json:"asset_id"`
	Amount           int64  `json:"amount"`
	LightningInvoice string `json:"lightning_invoice"`
}

// ParseIntent validates an inbound intent payload. Faults carry the
// wallet-facing code: unknown_session_type for an unrecognized type,
// expired_intent for a stale deadline, invalid_intent for everything
// structural.
func ParseIntent(p *nostr.IntentPayload, now time.Time) (*Intent, error) {
	if p.ActionID == "" {
		return nil, fault.New(fault.InvalidIntent, "action_id is required")
	}
	typ, err := database.ParseSessionType(p.Type)
	if err != nil {
		return nil, fault.Newf(fault.UnknownSessionType, "unknown session type %q", p.Type)
	}
	if p.ExpiresAt == 0 {
		return nil, fault.New(fault.InvalidIntent, "expires_at is required")
	}
	expires := time.Unix(p.ExpiresAt, 0).UTC()
	if !now.Before(expires) {
		return nil, fault.Newf(fault.ExpiredIntent, "intent expired at %s", expires.Format(time.RFC3339))
	}

	intent := &Intent{
		ActionID:  p.ActionID,
		Type:      typ,
		ExpiresAt: expires,
		Signable: session.SignableIntent{
			ActionID: p.ActionID,
			Type:     p.Type,
			Params:   p.Params,
		},
	}
	if err := intent.parseParams(p.Params); err != nil {
		return nil, err
	}
	return intent, nil
}

// ParseStoredIntent rebuilds the typed intent from a session's persisted
// canonical intent. Expiry is not rechecked: the intent was admitted when
// the session was created, and the session row carries its own deadline.
func ParseStoredIntent(sess *database.Session) (*Intent, error) {
	var signable session.SignableIntent
	if err := json.Unmarshal(sess.Intent, &signable); err != nil {
		return nil, fault.Wrap(fault.Internal, err)
	}
	intent := &Intent{
		ActionID: signable.ActionID,
		Type:     sess.SessionType,
		Signable: signable,
	}
	if err := intent.parseParams(signable.Params); err != nil {
		return nil, err
	}
	return intent, nil
}

func (i *Intent) parseParams(raw json.RawMessage) error {
	switch i.Type {
	case database.P2PTransfer:
		var p transferParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return fault.Wrap(fault.InvalidIntent, err)
		}
		recipient, err := session.NormalizePubkey(p.RecipientPubkey)
		if err != nil {
			return fault.Newf(fault.InvalidIntent, "recipient_pubkey: %v", err)
		}
		i.AssetID = p.AssetID
		i.Amount = p.Amount
		i.RecipientPubkey = recipient

	case database.LightningLift:
		var p liftParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return fault.Wrap(fault.InvalidIntent, err)
		}
		i.AssetID = p.AssetID
		i.Amount = p.Amount

	case database.LightningLand:
		var p landParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return fault.Wrap(fault.InvalidIntent, err)
		}
		if p.LightningInvoice == "" {
			return fault.New(fault.InvalidIntent, "lightning_invoice is required")
		}
		i.AssetID = p.AssetID
		i.Amount = p.Amount
		i.Invoice = p.LightningInvoice

	default:
		return fault.Newf(fault.UnknownSessionType, "unknown session type %q", i.Type)
	}

	if i.AssetID == "" {
		return fault.New(fault.InvalidIntent, "asset_id is required")
	}
	if i.Amount <= 0 {
		return fault.Newf(fault.InvalidIntent, "amount must be positive, got %d", i.Amount)
	}
	return nil
}
