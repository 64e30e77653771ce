// Package lnd wraps the lightning node's gRPC surface: invoices in,
// payments out, channel liquidity reads. The lightning coordinator depends
// on this package's result types, not on lnrpc, so payment policy stays in
// one place and the stubs can be swapped for mocks in tests.
package lnd

import (
	"context"
	"fmt"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"arkrelay/internal/rpc"
	"arkrelay/pkg/logger"
)

// Client talks to one lnd node through the shared RPC shell.
type Client struct {
	conn    *grpc.ClientConn
	shell   *rpc.Shell
	ln      lnrpc.LightningClient
	router  routerrpc.RouterClient
	network string
}

// NewClient dials the node and builds the lightning and router stubs.
func NewClient(connCfg rpc.ConnConfig, policy rpc.Policy, network string) (*Client, error) {
	conn, err := rpc.Dial(connCfg)
	if err != nil {
		return nil, err
	}
	logger.Info("lnd client ready", zap.String("host", connCfg.Host))
	return &Client{
		conn:    conn,
		shell:   rpc.NewShell("lnd", policy),
		ln:      lnrpc.NewLightningClient(conn),
		router:  routerrpc.NewRouterClient(conn),
		network: network,
	}, nil
}

func (c *Client) Name() string {
	return "lnd"
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Channel is one channel's liquidity view.
type Channel struct {
	RemotePubkey string
	Active       bool
	CapacitySats int64
	LocalSats    int64
	RemoteSats   int64
}

// ChannelBalance aggregates liquidity across all channels.
type ChannelBalance struct {
	// LocalSats is spendable outbound capacity.
	LocalSats int64
	// RemoteSats is receivable inbound capacity.
	RemoteSats int64
}

// ListChannels returns the node's channels, optionally only active ones.
func (c *Client) ListChannels(ctx context.Context, activeOnly bool) ([]Channel, error) {
	var resp *lnrpc.ListChannelsResponse
	err := c.shell.Do(ctx, "ListChannels", func(ctx context.Context) error {
		var err error
		resp, err = c.ln.ListChannels(ctx, &lnrpc.ListChannelsRequest{ActiveOnly: activeOnly})
		return err
	})
	if err != nil {
		return nil, err
	}

	channels := make([]Channel, 0, len(resp.Channels))
	for _, ch := range resp.Channels {
		channels = append(channels, Channel{
			RemotePubkey: ch.RemotePubkey,
			Active:       ch.Active,
			CapacitySats: ch.Capacity,
			LocalSats:    ch.LocalBalance,
			RemoteSats:   ch.RemoteBalance,
		})
	}
	return channels, nil
}

// GetChannelBalance returns total channel liquidity, both directions.
func (c *Client) GetChannelBalance(ctx context.Context) (*ChannelBalance, error) {
	var resp *lnrpc.ChannelBalanceResponse
	err := c.shell.Do(ctx, "ChannelBalance", func(ctx context.Context) error {
		var err error
		resp, err = c.ln.ChannelBalance(ctx, &lnrpc.ChannelBalanceRequest{})
		return err
	})
	if err != nil {
		return nil, err
	}

	balance := &ChannelBalance{}
	if resp.LocalBalance != nil {
		balance.LocalSats = int64(resp.LocalBalance.Sat)
	}
	if resp.RemoteBalance != nil {
		balance.RemoteSats = int64(resp.RemoteBalance.Sat)
	}
	return balance, nil
}

// HealthCheck confirms the node is chain-synced on the expected network.
func (c *Client) HealthCheck(ctx context.Context) error {
	var info *lnrpc.GetInfoResponse
	err := c.shell.Do(ctx, "GetInfo", func(ctx context.Context) error {
		var err error
		info, err = c.ln.GetInfo(ctx, &lnrpc.GetInfoRequest{})
		return err
	})
	if err != nil {
		return err
	}
	if !info.SyncedToChain {
		return fmt.Errorf("lnd not synced to chain (height %d)", info.BlockHeight)
	}
	if c.network != "" {
		for _, chain := range info.Chains {
			if chain.Network != c.network {
				return fmt.Errorf("lnd on network %s, expected %s", chain.Network, c.network)
			}
		}
	}
	return nil
}
