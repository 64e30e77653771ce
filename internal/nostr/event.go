// Package nostr carries the gateway's relay traffic: identity loading,
// relay connections, event publishing and the inbound dispatcher. Wallets
// never talk to the daemons directly; every request and reply crosses one
// of the event kinds defined here.
package nostr

import (
	"encoding/json"

	gonostr "github.com/nbd-wtf/go-nostr"

	"arkrelay/internal/fault"
)

// Event kinds exchanged with wallets. The gateway subscribes to intents
// and challenge responses; the remaining kinds are outbound only.
const (
	KindActionIntent      = 31510
	KindSigningChallenge  = 31111
	KindChallengeResponse = 31512
	KindSessionStatus     = 31113
	KindActionSuccess     = 31114
	KindActionFailure     = 31115
	KindEncryptedDM       = 4
)

// IntentPayload is the content of a kind 31510 event: a wallet asking the
// gateway to run one action. Params stays raw until the intent validator
// knows which action type to decode it as.
type IntentPayload struct {
	ActionID  string          `json:"action_id"`
	Type      string          `json:"type"`
	Params    json.RawMessage `json:"params"`
	ExpiresAt int64           `json:"expires_at"`
}

// ChallengePayload is the content of a kind 31111 event. PayloadToSign is
// what the wallet signs; Context is a human-readable description the wallet
// can render before signing.
type ChallengePayload struct {
	ChallengeID   string          `json:"challenge_id"`
	PayloadToSign string          `json:"payload_to_sign"`
	PayloadRef    string          `json:"payload_ref"`
	Context       json.RawMessage `json:"context"`
	ExpiresAt     int64           `json:"expires_at"`
}

// ResponsePayload is the decrypted content of a kind 31512 event. The wire
// content is NIP-04 encrypted to the gateway; callers decrypt before
// unmarshaling.
type ResponsePayload struct {
	ChallengeID string `json:"challenge_id"`
	Signature   string `json:"signature"`
}

// StatusPayload is the content of a kind 31113 progress event.
type StatusPayload struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Step      string `json:"step,omitempty"`
	Progress  int    `json:"progress,omitempty"`
}

// ResultDetails carries the verifiable outcome of a completed action.
type ResultDetails struct {
	Txid        string `json:"txid,omitempty"`
	PaymentHash string `json:"payment_hash,omitempty"`
	Amount      int64  `json:"amount"`
	Fee         int64  `json:"fee"`
}

// SuccessPayload is the content of a kind 31114 event.
type SuccessPayload struct {
	Status      string        `json:"status"`
	RefActionID string        `json:"ref_action_id"`
	Results     ResultDetails `json:"results"`
}

// FailurePayload is the content of a kind 31115 event. Code is one of the
// fault code strings; Message is safe to show to the wallet user.
type FailurePayload struct {
	Status      string `json:"status"`
	RefActionID string `json:"ref_action_id"`
	Code        string `json:"code"`
	Message     string `json:"message"`
}

// NewSuccessPayload fills the fixed status discriminator.
func NewSuccessPayload(refActionID string, results ResultDetails) SuccessPayload {
	return SuccessPayload{Status: "success", RefActionID: refActionID, Results: results}
}

// NewFailurePayload fills the fixed status discriminator.
func NewFailurePayload(refActionID string, code fault.Code, message string) FailurePayload {
	return FailurePayload{Status: "failure", RefActionID: refActionID, Code: code.String(), Message: message}
}

// VerifyEvent rejects events whose id does not match their serialized body
// or whose schnorr signature does not verify. go-nostr checks the signature
// against the recomputed hash, so a forged id field must be caught
// separately.
func VerifyEvent(ev *gonostr.Event) error {
	if ev.GetID() != ev.ID {
		return fault.New(fault.InvalidSignature, "event id does not match event body")
	}
	ok, err := ev.CheckSignature()
	if err != nil {
		return fault.Wrap(fault.InvalidSignature, err)
	}
	if !ok {
		return fault.New(fault.InvalidSignature, "event signature does not verify")
	}
	return nil
}

// PTag returns the first "p" tag value, or empty when the event carries
// none. Outbound gateway events always address the wallet this way.
func PTag(ev *gonostr.Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			return tag[1]
		}
	}
	return ""
}
