// Package tapd is the client for the taproot-asset daemon. Asset issuance
// goes through the minter, transfers through addresses, and asset-denominated
// lightning invoices through the channels service. All calls run under the
// shared RPC shell.
package tapd

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/taproot-assets/taprpc"
	"github.com/lightninglabs/taproot-assets/taprpc/mintrpc"
	"github.com/lightninglabs/taproot-assets/taprpc/tapchannelrpc"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"arkrelay/internal/fault"
	"arkrelay/internal/rpc"
	"arkrelay/pkg/logger"
)

// AssetInfo is the daemon's asset record flattened for the registry.
type AssetInfo struct {
	AssetID      string
	Name         string
	Type         string
	Amount       uint64
	GenesisPoint string
	ScriptKey    string
	GroupKey     string
}

// MintRequest describes one issuance. GroupAnchor reissues under an
// existing asset group; NewGroup opens a fresh one.
type MintRequest struct {
	Name        string
	Type        string
	Amount      uint64
	Meta        []byte
	GroupAnchor string
	NewGroup    bool
}

// AssetInvoice is a lightning invoice denominated in an asset.
type AssetInvoice struct {
	Invoice     string
	PaymentHash string
	AssetID     string
	Amount      uint64
}

// Client talks to one tapd instance.
type Client struct {
	conn     *grpc.ClientConn
	shell    *rpc.Shell
	assets   taprpc.TaprootAssetsClient
	mint     mintrpc.MintClient
	channels tapchannelrpc.TaprootAssetChannelsClient
	network  string
}

// NewClient dials the daemon and builds the three service stubs.
func NewClient(connCfg rpc.ConnConfig, policy rpc.Policy, network string) (*Client, error) {
	conn, err := rpc.Dial(connCfg)
	if err != nil {
		return nil, err
	}
	logger.Info("tapd client ready", zap.String("host", connCfg.Host))
	return &Client{
		conn:     conn,
		shell:    rpc.NewShell("tapd", policy),
		assets:   taprpc.NewTaprootAssetsClient(conn),
		mint:     mintrpc.NewMintClient(conn),
		channels: tapchannelrpc.NewTaprootAssetChannelsClient(conn),
		network:  network,
	}, nil
}

func (c *Client) Name() string {
	return "tapd"
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// ListAssets returns every unspent asset the daemon holds.
func (c *Client) ListAssets(ctx context.Context) ([]AssetInfo, error) {
	var resp *taprpc.ListAssetResponse
	err := c.shell.Do(ctx, "ListAssets", func(ctx context.Context) error {
		var err error
		resp, err = c.assets.ListAssets(ctx, &taprpc.ListAssetRequest{})
		return err
	})
	if err != nil {
		return nil, err
	}

	infos := make([]AssetInfo, 0, len(resp.Assets))
	for _, a := range resp.Assets {
		if a.AssetGenesis == nil {
			return nil, fault.New(fault.ServiceProtocolError, "tapd returned an asset without genesis info")
		}
		info := AssetInfo{
			AssetID:      hex.EncodeToString(a.AssetGenesis.AssetId),
			Name:         a.AssetGenesis.Name,
			Type:         strings.ToLower(a.AssetGenesis.AssetType.String()),
			Amount:       a.Amount,
			GenesisPoint: a.AssetGenesis.GenesisPoint,
			ScriptKey:    hex.EncodeToString(a.ScriptKey),
		}
		if a.AssetGroup != nil {
			info.GroupKey = hex.EncodeToString(a.AssetGroup.TweakedGroupKey)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// ListBalances returns confirmed balances keyed by hex asset id.
func (c *Client) ListBalances(ctx context.Context) (map[string]uint64, error) {
	var resp *taprpc.ListBalancesResponse
	err := c.shell.Do(ctx, "ListBalances", func(ctx context.Context) error {
		var err error
		resp, err = c.assets.ListBalances(ctx, &taprpc.ListBalancesRequest{
			GroupBy: &taprpc.ListBalancesRequest_AssetId{AssetId: true},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	balances := make(map[string]uint64, len(resp.AssetBalances))
	for id, b := range resp.AssetBalances {
		balances[id] = b.Balance
	}
	return balances, nil
}

// MintAsset opens a minting batch for the request and finalizes it
// immediately. Returns the batch anchor txid.
func (c *Client) MintAsset(ctx context.Context, req MintRequest) (string, error) {
	asset := &mintrpc.MintAsset{
		AssetType:       parseAssetType(req.Type),
		Name:            req.Name,
		Amount:          req.Amount,
		NewGroupedAsset: req.NewGroup,
		GroupedAsset:    req.GroupAnchor != "",
		GroupAnchor:     req.GroupAnchor,
	}
	if len(req.Meta) > 0 {
		asset.AssetMeta = &taprpc.AssetMeta{
			Data: req.Meta,
			Type: taprpc.AssetMetaType_META_TYPE_OPAQUE,
		}
	}

	err := c.shell.Do(ctx, "MintAsset", func(ctx context.Context) error {
		_, err := c.mint.MintAsset(ctx, &mintrpc.MintAssetRequest{
			Asset:         asset,
			ShortResponse: true,
		})
		return err
	})
	if err != nil {
		return "", err
	}

	var fin *mintrpc.FinalizeBatchResponse
	err = c.shell.Do(ctx, "FinalizeBatch", func(ctx context.Context) error {
		var err error
		fin, err = c.mint.FinalizeBatch(ctx, &mintrpc.FinalizeBatchRequest{ShortResponse: true})
		return err
	})
	if err != nil {
		return "", err
	}
	if fin.Batch == nil || fin.Batch.BatchTxid == "" {
		return "", fault.New(fault.ServiceProtocolError, "tapd finalized a mint batch without a txid")
	}

	logger.Info("asset mint batch finalized",
		zap.String("name", req.Name),
		zap.Uint64("amount", req.Amount),
		zap.String("batch_txid", fin.Batch.BatchTxid),
	)
	return fin.Batch.BatchTxid, nil
}

// NewAddress issues a receive address for amount units of the asset.
func (c *Client) NewAddress(ctx context.Context, assetID string, amount uint64) (string, error) {
	id, err := DecodeAssetID(assetID)
	if err != nil {
		return "", err
	}

	var addr *taprpc.Addr
	err = c.shell.Do(ctx, "NewAddr", func(ctx context.Context) error {
		var err error
		addr, err = c.assets.NewAddr(ctx, &taprpc.NewAddrRequest{
			AssetId: id,
			Amt:     amount,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	if addr.Encoded == "" {
		return "", fault.New(fault.ServiceProtocolError, "tapd returned an empty address")
	}
	return addr.Encoded, nil
}

// SendAsset transfers to a previously issued address and returns the
// anchor txid once the daemon has built the transfer.
func (c *Client) SendAsset(ctx context.Context, addr string) (string, error) {
	var resp *taprpc.SendAssetResponse
	err := c.shell.Do(ctx, "SendAsset", func(ctx context.Context) error {
		var err error
		resp, err = c.assets.SendAsset(ctx, &taprpc.SendAssetRequest{
			TapAddrs: []string{addr},
		})
		return err
	})
	if err != nil {
		return "", err
	}
	if resp.Transfer == nil {
		return "", fault.New(fault.ServiceProtocolError, "tapd returned a transfer without details")
	}
	txid, err := chainhash.NewHash(resp.Transfer.AnchorTxHash)
	if err != nil {
		return "", fault.New(fault.ServiceProtocolError, "tapd returned an unparseable anchor txid")
	}
	return txid.String(), nil
}

// CreateAssetInvoice asks the channels service for a lightning invoice
// denominated in the asset.
func (c *Client) CreateAssetInvoice(ctx context.Context, assetID string, amount uint64, memo string, expirySeconds int64) (*AssetInvoice, error) {
	id, err := DecodeAssetID(assetID)
	if err != nil {
		return nil, err
	}

	var resp *tapchannelrpc.AddInvoiceResponse
	err = c.shell.Do(ctx, "AddInvoice", func(ctx context.Context) error {
		var err error
		resp, err = c.channels.AddInvoice(ctx, &tapchannelrpc.AddInvoiceRequest{
			AssetId:     id,
			AssetAmount: amount,
			InvoiceRequest: &lnrpc.Invoice{
				Memo:   memo,
				Expiry: expirySeconds,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if resp.InvoiceResult == nil || resp.InvoiceResult.PaymentRequest == "" {
		return nil, fault.New(fault.ServiceProtocolError, "tapd returned an invoice without a payment request")
	}

	return &AssetInvoice{
		Invoice:     resp.InvoiceResult.PaymentRequest,
		PaymentHash: hex.EncodeToString(resp.InvoiceResult.RHash),
		AssetID:     assetID,
		Amount:      amount,
	}, nil
}

// PayAssetInvoice pays a lightning invoice with asset liquidity and blocks
// until the payment reaches a terminal state.
func (c *Client) PayAssetInvoice(ctx context.Context, assetID, invoice string, timeoutSeconds int32) (*lnrpc.Payment, error) {
	id, err := DecodeAssetID(assetID)
	if err != nil {
		return nil, err
	}

	var payment *lnrpc.Payment
	err = c.shell.Do(ctx, "SendPayment", func(ctx context.Context) error {
		stream, err := c.channels.SendPayment(ctx, &tapchannelrpc.SendPaymentRequest{
			AssetId: id,
			PaymentRequest: &routerrpc.SendPaymentRequest{
				PaymentRequest: invoice,
				TimeoutSeconds: timeoutSeconds,
			},
		})
		if err != nil {
			return err
		}
		for {
			update, err := stream.Recv()
			if err != nil {
				return err
			}
			p := update.GetPaymentResult()
			if p == nil {
				continue
			}
			switch p.Status {
			case lnrpc.Payment_SUCCEEDED, lnrpc.Payment_FAILED:
				payment = p
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// HealthCheck confirms the daemon is synced and on the expected network.
func (c *Client) HealthCheck(ctx context.Context) error {
	var info *taprpc.GetInfoResponse
	err := c.shell.Do(ctx, "GetInfo", func(ctx context.Context) error {
		var err error
		info, err = c.assets.GetInfo(ctx, &taprpc.GetInfoRequest{})
		return err
	})
	if err != nil {
		return err
	}
	if !info.SyncToChain {
		return fmt.Errorf("tapd not synced to chain (height %d)", info.BlockHeight)
	}
	if c.network != "" && info.Network != "" && info.Network != c.network {
		return fmt.Errorf("tapd on network %s, expected %s", info.Network, c.network)
	}
	return nil
}

// DecodeAssetID parses a hex asset id into the 32 raw bytes the daemon
// expects.
func DecodeAssetID(assetID string) ([]byte, error) {
	id, err := hex.DecodeString(assetID)
	if err != nil || len(id) != 32 {
		return nil, fault.Newf(fault.InvalidIntent, "malformed asset id %q", assetID)
	}
	return id, nil
}

func parseAssetType(s string) taprpc.AssetType {
	if strings.EqualFold(s, "collectible") {
		return taprpc.AssetType_COLLECTIBLE
	}
	return taprpc.AssetType_NORMAL
}
