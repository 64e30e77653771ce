package database

import (
	"fmt"
	"time"
)

// Define a new type for each enum
type SessionType int
type SessionStatus int
type VtxoStatus int
type InvoiceStatus int
type InvoiceType int
type ArkTxType int
type ArkTxStatus int
type SettlementStatus int
type JobStatus int

// Define the constants using iota
const (
	P2PTransfer SessionType = iota
	LightningLift
	LightningLand
)

const (
	SessionInitiated SessionStatus = iota
	SessionChallengeSent
	SessionAwaitingSignature
	SessionSigning
	SessionCommitting
	SessionCompleted
	SessionFailed
	SessionExpired
)

const (
	VtxoAvailable VtxoStatus = iota
	VtxoReserved
	VtxoAssigned
	VtxoSpent
	VtxoExpired
)

const (
	InvoicePending InvoiceStatus = iota
	InvoicePendingPayment
	InvoicePaid
	InvoiceFailed
	InvoiceExpired
)

const (
	InvoiceLift InvoiceType = iota
	InvoiceLand
)

const (
	ArkTxTransfer ArkTxType = iota
	ArkTxLift
	ArkTxLand
	ArkTxSettlement
	ArkTxReplenish
)

const (
	ArkTxPending ArkTxStatus = iota
	ArkTxConfirmed
	ArkTxFailed
)

const (
	SettlementPending SettlementStatus = iota
	SettlementBroadcast
	SettlementConfirmed
	SettlementFailed
)

const (
	JobStarted JobStatus = iota
	JobCompleted
	JobFailed
)

// String converts SessionType to its database string value
// This method is called automatically by fmt.Print, JSON marshaling, etc.
func (t SessionType) String() string {
	switch t {
	case P2PTransfer:
		return "p2p_transfer"
	case LightningLift:
		return "lightning_lift"
	case LightningLand:
		return "lightning_land"
	default:
		return "unknown"
	}
}

func (s SessionStatus) String() string {
	switch s {
	case SessionInitiated:
		return "initiated"
	case SessionChallengeSent:
		return "challenge_sent"
	case SessionAwaitingSignature:
		return "awaiting_signature"
	case SessionSigning:
		return "signing"
	case SessionCommitting:
		return "committing"
	case SessionCompleted:
		return "completed"
	case SessionFailed:
		return "failed"
	case SessionExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func (s VtxoStatus) String() string {
	switch s {
	case VtxoAvailable:
		return "available"
	case VtxoReserved:
		return "reserved"
	case VtxoAssigned:
		return "assigned"
	case VtxoSpent:
		return "spent"
	case VtxoExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func (s InvoiceStatus) String() string {
	switch s {
	case InvoicePending:
		return "pending"
	case InvoicePendingPayment:
		return "pending_payment"
	case InvoicePaid:
		return "paid"
	case InvoiceFailed:
		return "failed"
	case InvoiceExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func (t InvoiceType) String() string {
	switch t {
	case InvoiceLift:
		return "lift"
	case InvoiceLand:
		return "land"
	default:
		return "unknown"
	}
}

func (t ArkTxType) String() string {
	switch t {
	case ArkTxTransfer:
		return "transfer"
	case ArkTxLift:
		return "lift"
	case ArkTxLand:
		return "land"
	case ArkTxSettlement:
		return "settlement"
	case ArkTxReplenish:
		return "replenish"
	default:
		return "unknown"
	}
}

func (s ArkTxStatus) String() string {
	switch s {
	case ArkTxPending:
		return "pending"
	case ArkTxConfirmed:
		return "confirmed"
	case ArkTxFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s SettlementStatus) String() string {
	switch s {
	case SettlementPending:
		return "pending"
	case SettlementBroadcast:
		return "broadcast"
	case SettlementConfirmed:
		return "confirmed"
	case SettlementFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s JobStatus) String() string {
	switch s {
	case JobStarted:
		return "started"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseSessionType converts a wire/database string to a SessionType.
// Unknown strings are an error: intents carrying them must be rejected,
// not coerced to a default.
func ParseSessionType(s string) (SessionType, error) {
	switch s {
	case "p2p_transfer":
		return P2PTransfer, nil
	case "lightning_lift":
		return LightningLift, nil
	case "lightning_land":
		return LightningLand, nil
	default:
		return P2PTransfer, fmt.Errorf("unknown session type %q", s)
	}
}

// ParseSessionStatus converts database string to SessionStatus
// Use this when reading from database
func ParseSessionStatus(s string) SessionStatus {
	switch s {
	case "initiated":
		return SessionInitiated
	case "challenge_sent":
		return SessionChallengeSent
	case "awaiting_signature":
		return SessionAwaitingSignature
	case "signing":
		return SessionSigning
	case "committing":
		return SessionCommitting
	case "completed":
		return SessionCompleted
	case "failed":
		return SessionFailed
	case "expired":
		return SessionExpired
	default:
		return SessionInitiated // Default to initiated if unknown
	}
}

func ParseVtxoStatus(s string) VtxoStatus {
	switch s {
	case "available":
		return VtxoAvailable
	case "reserved":
		return VtxoReserved
	case "assigned":
		return VtxoAssigned
	case "spent":
		return VtxoSpent
	case "expired":
		return VtxoExpired
	default:
		return VtxoAvailable // Default to available if unknown
	}
}

func ParseInvoiceStatus(s string) InvoiceStatus {
	switch s {
	case "pending":
		return InvoicePending
	case "pending_payment":
		return InvoicePendingPayment
	case "paid":
		return InvoicePaid
	case "failed":
		return InvoiceFailed
	case "expired":
		return InvoiceExpired
	default:
		return InvoicePending // Default to pending if unknown
	}
}

func ParseInvoiceType(s string) InvoiceType {
	switch s {
	case "lift":
		return InvoiceLift
	case "land":
		return InvoiceLand
	default:
		return InvoiceLift // Default to lift if unknown
	}
}

func ParseArkTxType(s string) ArkTxType {
	switch s {
	case "transfer":
		return ArkTxTransfer
	case "lift":
		return ArkTxLift
	case "land":
		return ArkTxLand
	case "settlement":
		return ArkTxSettlement
	case "replenish":
		return ArkTxReplenish
	default:
		return ArkTxTransfer // Default to transfer if unknown
	}
}

func ParseArkTxStatus(s string) ArkTxStatus {
	switch s {
	case "pending":
		return ArkTxPending
	case "confirmed":
		return ArkTxConfirmed
	case "failed":
		return ArkTxFailed
	default:
		return ArkTxPending // Default to pending if unknown
	}
}

func ParseSettlementStatus(s string) SettlementStatus {
	switch s {
	case "pending":
		return SettlementPending
	case "broadcast":
		return SettlementBroadcast
	case "confirmed":
		return SettlementConfirmed
	case "failed":
		return SettlementFailed
	default:
		return SettlementPending // Default to pending if unknown
	}
}

func ParseJobStatus(s string) JobStatus {
	switch s {
	case "started":
		return JobStarted
	case "completed":
		return JobCompleted
	case "failed":
		return JobFailed
	default:
		return JobStarted // Default to started if unknown
	}
}

// IsTerminal reports whether the status absorbs all further transitions.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionExpired
}

// CanTransitionTo reports whether from→to is a legal session state change.
// Terminal states absorb; committing sessions may only complete or fail
// (they are never expired mid-commit).
func (s SessionStatus) CanTransitionTo(to SessionStatus) bool {
	switch s {
	case SessionInitiated:
		return to == SessionChallengeSent || to == SessionFailed || to == SessionExpired
	case SessionChallengeSent:
		return to == SessionAwaitingSignature || to == SessionFailed || to == SessionExpired
	case SessionAwaitingSignature:
		return to == SessionSigning || to == SessionFailed || to == SessionExpired
	case SessionSigning:
		return to == SessionCommitting || to == SessionFailed || to == SessionExpired
	case SessionCommitting:
		return to == SessionCompleted || to == SessionFailed
	default:
		return false
	}
}

// Session is one signing ceremony from intent to terminal outcome. The
// session_id is deterministic over (user_pubkey, session_type, intent), so
// re-delivered intents collapse onto the same row.
type Session struct {
	SessionID   string        `json:"session_id" db:"session_id"`
	UserPubkey  string        `json:"user_pubkey" db:"user_pubkey"`
	SessionType SessionType   `json:"session_type" db:"session_type"`
	Status      SessionStatus `json:"status" db:"status"`
	Intent      []byte        `json:"intent" db:"intent"`                     // raw intent params JSON
	Result      []byte        `json:"result,omitempty" db:"result"`           // terminal outcome JSON
	ChallengeID *string       `json:"challenge_id,omitempty" db:"challenge_id"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
	ExpiresAt   time.Time     `json:"expires_at" db:"expires_at"`
}

// IsExpired reports whether the session deadline has passed.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

type SigningChallenge struct {
	ChallengeID string    `json:"challenge_id" db:"challenge_id"`
	SessionID   string    `json:"session_id" db:"session_id"`
	Payload     []byte    `json:"payload" db:"payload"`         // canonical bytes the wallet signs
	PayloadRef  string    `json:"payload_ref" db:"payload_ref"` // sha256 hex of payload
	Context     []byte    `json:"context,omitempty" db:"context"`
	IsUsed      bool      `json:"is_used" db:"is_used"`
	Signature   *string   `json:"signature,omitempty" db:"signature"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`
}

func (c *SigningChallenge) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Vtxo is a virtual UTXO tracked by the gateway. OwnerPubkey is NULL for
// pool inventory owned by the gateway itself.
type Vtxo struct {
	VtxoID            string     `json:"vtxo_id" db:"vtxo_id"`
	AssetID           string     `json:"asset_id" db:"asset_id"`
	Amount            int64      `json:"amount" db:"amount"`
	OwnerPubkey       *string    `json:"owner_pubkey,omitempty" db:"owner_pubkey"`
	Status            VtxoStatus `json:"status" db:"status"`
	ReservedBySession *string    `json:"reserved_by_session,omitempty" db:"reserved_by_session"`
	SettlementID      *string    `json:"settlement_id,omitempty" db:"settlement_id"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at" db:"expires_at"`
}

type AssetBalance struct {
	UserPubkey string    `json:"user_pubkey" db:"user_pubkey"`
	AssetID    string    `json:"asset_id" db:"asset_id"`
	Balance    int64     `json:"balance" db:"balance"`
	Reserved   int64     `json:"reserved" db:"reserved"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Available returns the spendable portion of the balance.
func (b *AssetBalance) Available() int64 {
	return b.Balance - b.Reserved
}

type LightningInvoice struct {
	PaymentHash string        `json:"payment_hash" db:"payment_hash"`
	Bolt11      string        `json:"bolt11" db:"bolt11"`
	SessionID   *string       `json:"session_id,omitempty" db:"session_id"`
	AmountSats  int64         `json:"amount_sats" db:"amount_sats"`
	AssetID     string        `json:"asset_id" db:"asset_id"`
	Status      InvoiceStatus `json:"status" db:"status"`
	InvoiceType InvoiceType   `json:"invoice_type" db:"invoice_type"`
	Preimage    *string       `json:"preimage,omitempty" db:"preimage"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at" db:"expires_at"`
	PaidAt      *time.Time    `json:"paid_at,omitempty" db:"paid_at"`
}

func (i *LightningInvoice) IsExpired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

type Asset struct {
	AssetID     string    `json:"asset_id" db:"asset_id"`
	Name        string    `json:"name" db:"name"`
	Ticker      string    `json:"ticker" db:"ticker"`
	AssetType   string    `json:"asset_type" db:"asset_type"` // 'normal' or 'collectible'
	Precision   int32     `json:"precision" db:"precision"`
	TotalSupply int64     `json:"total_supply" db:"total_supply"`
	Enabled     bool      `json:"enabled" db:"enabled"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

type ArkTransaction struct {
	Txid        string      `json:"txid" db:"txid"`
	SessionID   *string     `json:"session_id,omitempty" db:"session_id"`
	TxType      ArkTxType   `json:"tx_type" db:"tx_type"`
	AssetID     string      `json:"asset_id" db:"asset_id"`
	Amount      int64       `json:"amount" db:"amount"`
	Fee         int64       `json:"fee" db:"fee"`
	Status      ArkTxStatus `json:"status" db:"status"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	ConfirmedAt *time.Time  `json:"confirmed_at,omitempty" db:"confirmed_at"`
}

type Settlement struct {
	SettlementID   string           `json:"settlement_id" db:"settlement_id"`
	MerkleRoot     string           `json:"merkle_root" db:"merkle_root"`
	CommitmentTxid *string          `json:"commitment_txid,omitempty" db:"commitment_txid"`
	VtxoCount      int              `json:"vtxo_count" db:"vtxo_count"`
	Status         SettlementStatus `json:"status" db:"status"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	BroadcastAt    *time.Time       `json:"broadcast_at,omitempty" db:"broadcast_at"`
	ConfirmedAt    *time.Time       `json:"confirmed_at,omitempty" db:"confirmed_at"`
}

type JobLog struct {
	ID         string     `json:"id" db:"id"`
	JobType    string     `json:"job_type" db:"job_type"`
	Target     *string    `json:"target,omitempty" db:"target"`
	Status     JobStatus  `json:"status" db:"status"`
	Detail     *string    `json:"detail,omitempty" db:"detail"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

type Heartbeat struct {
	ProcessName string    `json:"process_name" db:"process_name"`
	LastSeen    time.Time `json:"last_seen" db:"last_seen"`
	Details     []byte    `json:"details,omitempty" db:"details"`
}
