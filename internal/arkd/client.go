// Package arkd is the client for the ark daemon, the shared-UTXO
// transaction service. The daemon publishes no protobuf stubs; its service
// speaks JSON frames over gRPC, so every call goes through conn.Invoke with
// the registered JSON codec. Responses are validated before they reach the
// rest of the gateway: anything malformed is a service_protocol_error here,
// never further up.
package arkd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"arkrelay/internal/fault"
	"arkrelay/internal/rpc"
	"arkrelay/pkg/logger"
)

const (
	methodCreateVtxos           = "/ark.v1.ArkService/CreateVtxos"
	methodListVtxos             = "/ark.v1.ArkService/ListVtxos"
	methodSpendVtxos            = "/ark.v1.ArkService/SpendVtxos"
	methodPrepareSigningRequest = "/ark.v1.ArkService/PrepareSigningRequest"
	methodSubmitSignatures      = "/ark.v1.ArkService/SubmitSignatures"
	methodGetSessionStatus      = "/ark.v1.ArkService/GetSessionStatus"
	methodGetNetworkInfo        = "/ark.v1.ArkService/GetNetworkInfo"
	methodCreateCommitment      = "/ark.v1.ArkService/CreateCommitmentTransaction"
	methodBroadcastTransaction  = "/ark.v1.ArkService/BroadcastTransaction"
)

// NetworkParams resolves a configured network name to chain parameters.
func NetworkParams(name string) (*chaincfg.Params, error) {
	switch normalizeNetwork(name) {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest", "":
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unknown network %q", name)
}

// normalizeNetwork folds the daemon's and chaincfg's spellings together
// ("testnet" vs "testnet3").
func normalizeNetwork(name string) string {
	if name == "testnet3" {
		return "testnet"
	}
	return name
}

// Client talks to one ark daemon through the shared RPC shell.
type Client struct {
	conn   *grpc.ClientConn
	shell  *rpc.Shell
	params *chaincfg.Params
}

// NewClient dials the daemon. The connection is lazy; the first health
// probe surfaces connectivity problems.
func NewClient(connCfg rpc.ConnConfig, policy rpc.Policy, network string) (*Client, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return nil, err
	}
	conn, err := rpc.Dial(connCfg)
	if err != nil {
		return nil, err
	}
	logger.Info("arkd client ready",
		zap.String("host", connCfg.Host),
		zap.String("network", params.Name),
	)
	return &Client{
		conn:   conn,
		shell:  rpc.NewShell("arkd", policy),
		params: params,
	}, nil
}

func (c *Client) Name() string {
	return "arkd"
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// invoke runs one unary call under the shell's retry and breaker policy.
// codes.Internal from the codec path means the daemon answered with bytes
// we could not decode, which is a protocol error by definition.
func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	err := c.shell.Do(ctx, method, func(ctx context.Context) error {
		return c.conn.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(rpc.JSONCodecName))
	})
	if err != nil && status.Code(err) == codes.Internal {
		logger.Warn("arkd response could not be decoded",
			zap.String("method", method),
			zap.Error(err),
		)
		return fault.Newf(fault.ServiceProtocolError, "arkd %s returned a malformed response", method)
	}
	return err
}

// CreateVtxos asks the daemon to mint new outputs. Empty OwnerPubkey in
// the request mints into the gateway pool.
func (c *Client) CreateVtxos(ctx context.Context, req CreateVtxosRequest) ([]Vtxo, error) {
	var resp createVtxosResponse
	if err := c.invoke(ctx, methodCreateVtxos, req, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Vtxos {
		if err := validateVtxo(methodCreateVtxos, &resp.Vtxos[i]); err != nil {
			return nil, err
		}
	}
	return resp.Vtxos, nil
}

func (c *Client) ListVtxos(ctx context.Context, req ListVtxosRequest) ([]Vtxo, error) {
	var resp listVtxosResponse
	if err := c.invoke(ctx, methodListVtxos, req, &resp); err != nil {
		return nil, err
	}
	return resp.Vtxos, nil
}

// SpendVtxos prepares the ark transaction consuming the given outputs.
// Nothing moves until the signed result is submitted.
func (c *Client) SpendVtxos(ctx context.Context, req SpendVtxosRequest) (*ArkTx, error) {
	var resp spendVtxosResponse
	if err := c.invoke(ctx, methodSpendVtxos, req, &resp); err != nil {
		return nil, err
	}
	tx := resp.Tx
	if tx == nil || tx.ArkTx == "" {
		return nil, fault.New(fault.ServiceProtocolError, "arkd returned an empty ark transaction")
	}
	if tx.Network != "" && normalizeNetwork(tx.Network) != normalizeNetwork(c.params.Name) {
		return nil, fault.Newf(fault.ServiceProtocolError,
			"arkd prepared a transaction for network %s, expected %s", tx.Network, c.params.Name)
	}
	for i := range tx.VtxosToCreate {
		if err := validateVtxo(methodSpendVtxos, &tx.VtxosToCreate[i]); err != nil {
			return nil, err
		}
	}
	return tx, nil
}

// PrepareSigningRequest asks the daemon for the exact payload the user
// must sign for this session.
func (c *Client) PrepareSigningRequest(ctx context.Context, sessionID, challengeType string, signingContext json.RawMessage) (*SigningRequest, error) {
	req := prepareSigningRequest{
		SessionID:     sessionID,
		ChallengeType: challengeType,
		Context:       signingContext,
	}
	var resp SigningRequest
	if err := c.invoke(ctx, methodPrepareSigningRequest, req, &resp); err != nil {
		return nil, err
	}
	if resp.PayloadToSign == "" {
		return nil, fault.New(fault.ServiceProtocolError, "arkd returned a signing request without a payload")
	}
	return &resp, nil
}

// SubmitSignatures hands the collected signatures to the daemon. The
// session id is the idempotency key: resubmitting a completed session is
// answered, not re-executed.
func (c *Client) SubmitSignatures(ctx context.Context, sessionID string, signatures map[string]string) (string, error) {
	req := submitSignaturesRequest{SessionID: sessionID, Signatures: signatures}
	var resp submitSignaturesResponse
	if err := c.invoke(ctx, methodSubmitSignatures, req, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("arkd rejected signatures for session %s", sessionID)
	}
	if resp.Txid != "" {
		if err := validateTxid(methodSubmitSignatures, resp.Txid); err != nil {
			return "", err
		}
	}
	return resp.Txid, nil
}

func (c *Client) GetSessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	var resp SessionStatus
	if err := c.invoke(ctx, methodGetSessionStatus, sessionStatusRequest{SessionID: sessionID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetNetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	var resp NetworkInfo
	if err := c.invoke(ctx, methodGetNetworkInfo, networkInfoRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateCommitmentTransaction builds the L1 settlement transaction for a
// batch of spent vtxos.
func (c *Client) CreateCommitmentTransaction(ctx context.Context, req CommitmentRequest) (*Commitment, error) {
	var resp Commitment
	if err := c.invoke(ctx, methodCreateCommitment, req, &resp); err != nil {
		return nil, err
	}
	if resp.RawTx == "" {
		return nil, fault.New(fault.ServiceProtocolError, "arkd returned an empty commitment transaction")
	}
	if err := validateTxid(methodCreateCommitment, resp.Txid); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BroadcastTransaction pushes a raw transaction to the network and returns
// its txid.
func (c *Client) BroadcastTransaction(ctx context.Context, rawTx string) (string, error) {
	var resp broadcastResponse
	if err := c.invoke(ctx, methodBroadcastTransaction, broadcastRequest{RawTx: rawTx}, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("arkd refused to broadcast transaction")
	}
	if err := validateTxid(methodBroadcastTransaction, resp.Txid); err != nil {
		return "", err
	}
	return resp.Txid, nil
}

// HealthCheck probes the daemon and confirms it is synced on the network
// the gateway is configured for.
func (c *Client) HealthCheck(ctx context.Context) error {
	info, err := c.GetNetworkInfo(ctx)
	if err != nil {
		return err
	}
	if !info.Synced {
		return fmt.Errorf("arkd not synced to chain (height %d)", info.BlockHeight)
	}
	if info.Network != "" && normalizeNetwork(info.Network) != normalizeNetwork(c.params.Name) {
		return fmt.Errorf("arkd on network %s, expected %s", info.Network, c.params.Name)
	}
	return nil
}

// validateVtxo rejects outputs the daemon should never hand us: missing
// ids, non-positive amounts, or a locking script that is not taproot.
func validateVtxo(method string, v *Vtxo) error {
	if v.VtxoID == "" || v.Amount <= 0 {
		return fault.Newf(fault.ServiceProtocolError, "arkd %s returned an invalid vtxo", method)
	}
	if v.Script != "" {
		script, err := hex.DecodeString(v.Script)
		if err != nil || txscript.GetScriptClass(script) != txscript.WitnessV1TaprootTy {
			return fault.Newf(fault.ServiceProtocolError,
				"arkd %s returned vtxo %s with a non-taproot script", method, v.VtxoID)
		}
	}
	return nil
}

func validateTxid(method, txid string) error {
	if _, err := chainhash.NewHashFromStr(txid); err != nil {
		return fault.Newf(fault.ServiceProtocolError, "arkd %s returned unparseable txid %q", method, txid)
	}
	return nil
}
