package arkd

import "encoding/json"

// Wire structs for the ark daemon's JSON-over-gRPC schema. Field names
// follow the daemon's wire casing, not Go convention.

// Vtxo is one virtual UTXO as the daemon reports it. An empty OwnerPubkey
// means the output belongs to the gateway's treasury pool.
type Vtxo struct {
	VtxoID      string `json:"vtxo_id"`
	OwnerPubkey string `json:"owner_pubkey,omitempty"`
	AssetID     string `json:"asset_id"`
	Amount      int64  `json:"amount"`
	Script      string `json:"script,omitempty"`
	Status      string `json:"status,omitempty"`
	Txid        string `json:"txid,omitempty"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
}

type CreateVtxosRequest struct {
	// OwnerPubkey receives the new outputs; empty mints into the pool.
	OwnerPubkey string `json:"owner_pubkey,omitempty"`
	AssetID     string `json:"asset_id"`
	Amount      int64  `json:"amount"`
	Count       int32  `json:"count"`
}

type createVtxosResponse struct {
	Vtxos []Vtxo `json:"vtxos"`
}

type ListVtxosRequest struct {
	OwnerPubkey string `json:"owner_pubkey,omitempty"`
	AssetID     string `json:"asset_id,omitempty"`
	Status      string `json:"status,omitempty"`
}

type listVtxosResponse struct {
	Vtxos []Vtxo `json:"vtxos"`
}

type SpendVtxosRequest struct {
	VtxoIDs           []string `json:"vtxo_ids"`
	DestinationPubkey string   `json:"destination_pubkey"`
	AssetID           string   `json:"asset_id"`
	Amount            int64    `json:"amount"`
}

// ArkTx is a prepared off-chain transaction: the ark tx itself, its
// checkpoint chain, the inputs it consumes and the outputs it creates.
type ArkTx struct {
	ArkTx         string   `json:"ark_tx"`
	CheckpointTxs []string `json:"checkpoint_txs,omitempty"`
	VtxosToSpend  []string `json:"vtxos_to_spend"`
	VtxosToCreate []Vtxo   `json:"vtxos_to_create"`
	FeeAmount     int64    `json:"fee_amount"`
	Network       string   `json:"network"`
}

type spendVtxosResponse struct {
	Tx *ArkTx `json:"tx"`
}

type prepareSigningRequest struct {
	SessionID     string          `json:"session_id"`
	ChallengeType string          `json:"challenge_type"`
	Context       json.RawMessage `json:"context,omitempty"`
}

// SigningRequest is what the daemon wants the user's wallet to sign.
type SigningRequest struct {
	SessionID     string `json:"session_id"`
	ChallengeType string `json:"challenge_type"`
	PayloadToSign string `json:"payload_to_sign"`
	HumanContext  string `json:"human_readable_context"`
	ExpiresAt     int64  `json:"expires_at"`
}

type submitSignaturesRequest struct {
	SessionID  string            `json:"session_id"`
	Signatures map[string]string `json:"signatures"`
}

type submitSignaturesResponse struct {
	Success bool   `json:"success"`
	Txid    string `json:"txid,omitempty"`
}

type sessionStatusRequest struct {
	SessionID string `json:"session_id"`
}

// SessionStatus is the daemon's view of a signing session.
type SessionStatus struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Txid      string `json:"txid,omitempty"`
}

// Session status values reported by GetSessionStatus.
const (
	SessionPending   = "pending"
	SessionSigning   = "signing"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

type networkInfoRequest struct{}

// NetworkInfo is the daemon's chain view; it doubles as the health probe.
type NetworkInfo struct {
	Network     string `json:"network"`
	BlockHeight int64  `json:"block_height"`
	Synced      bool   `json:"synced"`
}

type CommitmentRequest struct {
	AssetID     string   `json:"asset_id"`
	VtxoIDs     []string `json:"vtxo_ids"`
	MerkleRoot  string   `json:"merkle_root"`
	TotalAmount int64    `json:"total_amount"`
	FeeSats     int64    `json:"fee_sats"`
}

// Commitment is an L1 settlement transaction before broadcast.
type Commitment struct {
	Txid  string `json:"txid"`
	RawTx string `json:"raw_tx"`
}

type broadcastRequest struct {
	RawTx string `json:"raw_tx"`
}

type broadcastResponse struct {
	Success bool   `json:"success"`
	Txid    string `json:"txid"`
}
