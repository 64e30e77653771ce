package lnd

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
)

// InvoiceState is the settlement lifecycle of one of our own invoices.
type InvoiceState int

const (
	InvoiceOpen InvoiceState = iota
	InvoiceSettled
	InvoiceCanceled
	InvoiceAccepted
)

func (s InvoiceState) String() string {
	switch s {
	case InvoiceSettled:
		return "settled"
	case InvoiceCanceled:
		return "canceled"
	case InvoiceAccepted:
		return "accepted"
	default:
		return "open"
	}
}

func invoiceStateFromRPC(s lnrpc.Invoice_InvoiceState) InvoiceState {
	switch s {
	case lnrpc.Invoice_SETTLED:
		return InvoiceSettled
	case lnrpc.Invoice_CANCELED:
		return InvoiceCanceled
	case lnrpc.Invoice_ACCEPTED:
		return InvoiceAccepted
	default:
		return InvoiceOpen
	}
}

// CreatedInvoice is the node's answer to AddInvoice.
type CreatedInvoice struct {
	PaymentHash    string
	PaymentRequest string
	AddIndex       uint64
}

// InvoiceUpdate is one invoice's current settlement view, from a lookup or
// the subscription stream.
type InvoiceUpdate struct {
	PaymentHash    string
	State          InvoiceState
	Preimage       string
	AmountPaidSats int64
	AddIndex       uint64
	SettleIndex    uint64
	SettledAt      time.Time
}

// AddInvoice creates a BOLT-11 invoice on the node.
func (c *Client) AddInvoice(ctx context.Context, amountSats int64, memo string, expirySeconds int64) (*CreatedInvoice, error) {
	var resp *lnrpc.AddInvoiceResponse
	err := c.shell.Do(ctx, "AddInvoice", func(ctx context.Context) error {
		var err error
		resp, err = c.ln.AddInvoice(ctx, &lnrpc.Invoice{
			Value:  amountSats,
			Memo:   memo,
			Expiry: expirySeconds,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &CreatedInvoice{
		PaymentHash:    hex.EncodeToString(resp.RHash),
		PaymentRequest: resp.PaymentRequest,
		AddIndex:       resp.AddIndex,
	}, nil
}

// LookupInvoice fetches the current state of one of our invoices by its
// hex payment hash.
func (c *Client) LookupInvoice(ctx context.Context, paymentHash string) (*InvoiceUpdate, error) {
	rhash, err := hex.DecodeString(paymentHash)
	if err != nil {
		return nil, fmt.Errorf("malformed payment hash: %w", err)
	}

	var resp *lnrpc.Invoice
	err = c.shell.Do(ctx, "LookupInvoice", func(ctx context.Context) error {
		var err error
		resp, err = c.ln.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: rhash})
		return err
	})
	if err != nil {
		return nil, err
	}
	return convertInvoice(resp), nil
}

// InvoiceStream yields settlement updates from the node until the stream
// breaks or the context ends. The caller owns reconnection.
type InvoiceStream struct {
	stream lnrpc.Lightning_SubscribeInvoicesClient
}

func (s *InvoiceStream) Recv() (*InvoiceUpdate, error) {
	inv, err := s.stream.Recv()
	if err != nil {
		return nil, err
	}
	return convertInvoice(inv), nil
}

// SubscribeInvoices opens the invoice update stream. Indexes let a
// reconnecting monitor resume where it left off. Streams bypass the retry
// shell: they are long-lived by design.
func (c *Client) SubscribeInvoices(ctx context.Context, addIndex, settleIndex uint64) (*InvoiceStream, error) {
	stream, err := c.ln.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{
		AddIndex:    addIndex,
		SettleIndex: settleIndex,
	})
	if err != nil {
		return nil, err
	}
	return &InvoiceStream{stream: stream}, nil
}

func convertInvoice(inv *lnrpc.Invoice) *InvoiceUpdate {
	update := &InvoiceUpdate{
		PaymentHash:    hex.EncodeToString(inv.RHash),
		State:          invoiceStateFromRPC(inv.State),
		AmountPaidSats: inv.AmtPaidSat,
		AddIndex:       inv.AddIndex,
		SettleIndex:    inv.SettleIndex,
	}
	if len(inv.RPreimage) > 0 {
		update.Preimage = hex.EncodeToString(inv.RPreimage)
	}
	if inv.SettleDate > 0 {
		update.SettledAt = time.Unix(inv.SettleDate, 0).UTC()
	}
	return update
}
