package queue

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Stream and consumer-group names shared by the gateway and its workers.
const (
	StreamCeremonyExecute = "ceremony_execute"
	StreamVtxoReplenish   = "vtxo_replenish"
	StreamVtxoSettle      = "vtxo_settle"

	GroupGatewayWorkers = "gateway_workers"
)

// ExecuteCeremonyMessage asks a worker to run the commitment ceremony for a
// session whose challenge signature has already been verified.
type ExecuteCeremonyMessage struct {
	SessionID string `json:"session_id"`
}

// ToJSON serializes the ExecuteCeremonyMessage to JSON bytes.
func (m *ExecuteCeremonyMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execute ceremony message: %w", err)
	}
	return data, nil
}

// FromJSONExecuteCeremony deserializes JSON bytes into an ExecuteCeremonyMessage and validates it.
func FromJSONExecuteCeremony(data []byte) (*ExecuteCeremonyMessage, error) {
	msg := &ExecuteCeremonyMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execute ceremony message: %w", err)
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return msg, nil
}

// Validate checks if the ExecuteCeremonyMessage has all required fields with valid values.
func (m *ExecuteCeremonyMessage) Validate() error {
	if m.SessionID == "" {
		return errors.New("session_id is required")
	}
	if len(m.SessionID) != 64 {
		return fmt.Errorf("session_id must be 64 characters (got %d)", len(m.SessionID))
	}
	if _, err := hex.DecodeString(m.SessionID); err != nil {
		return fmt.Errorf("session_id must be valid hexadecimal: %w", err)
	}
	return nil
}

// ReplenishVtxosMessage asks a worker to mint a batch of pool-owned vtxos for
// an asset whose inventory has run low.
type ReplenishVtxosMessage struct {
	AssetID    string `json:"asset_id"`
	Count      int    `json:"count"`
	AmountSats int64  `json:"amount_sats"`
}

// ToJSON serializes the ReplenishVtxosMessage to JSON bytes.
func (m *ReplenishVtxosMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal replenish vtxos message: %w", err)
	}
	return data, nil
}

// FromJSONReplenishVtxos deserializes JSON bytes into a ReplenishVtxosMessage and validates it.
func FromJSONReplenishVtxos(data []byte) (*ReplenishVtxosMessage, error) {
	msg := &ReplenishVtxosMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal replenish vtxos message: %w", err)
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return msg, nil
}

// Validate checks if the ReplenishVtxosMessage has all required fields with valid values.
func (m *ReplenishVtxosMessage) Validate() error {
	if m.AssetID == "" {
		return errors.New("asset_id is required")
	}
	if m.Count <= 0 {
		return errors.New("count must be greater than 0")
	}
	if m.AmountSats <= 0 {
		return errors.New("amount_sats must be greater than 0")
	}
	return nil
}

// SettleVtxosMessage asks a worker to run a settlement round, batching spent
// vtxos of one asset into a commitment transaction.
type SettleVtxosMessage struct {
	AssetID string `json:"asset_id"`
}

// ToJSON serializes the SettleVtxosMessage to JSON bytes.
func (m *SettleVtxosMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settle vtxos message: %w", err)
	}
	return data, nil
}

// FromJSONSettleVtxos deserializes JSON bytes into a SettleVtxosMessage and validates it.
func FromJSONSettleVtxos(data []byte) (*SettleVtxosMessage, error) {
	msg := &SettleVtxosMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settle vtxos message: %w", err)
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return msg, nil
}

// Validate checks if the SettleVtxosMessage has all required fields with valid values.
func (m *SettleVtxosMessage) Validate() error {
	if m.AssetID == "" {
		return errors.New("asset_id is required")
	}
	return nil
}
