package lnd

import (
	"context"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
)

// Invoice is a decoded BOLT-11 payment request. Expiry is judged by the
// caller against ExpiresAt so the decision sits next to the fault mapping.
type Invoice struct {
	Destination string
	AmountSats  int64
	PaymentHash string
	Description string
	ExpiresAt   time.Time
}

// PaymentResult is the terminal outcome of one payment attempt.
type PaymentResult struct {
	PaymentHash string
	Preimage    string
	FeeSats     int64
}

// DecodeInvoice decodes a BOLT-11 invoice without paying it.
func (c *Client) DecodeInvoice(ctx context.Context, bolt11 string) (*Invoice, error) {
	var resp *lnrpc.PayReq
	err := c.shell.Do(ctx, "DecodePayReq", func(ctx context.Context) error {
		var err error
		resp, err = c.ln.DecodePayReq(ctx, &lnrpc.PayReqString{PayReq: bolt11})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Invoice{
		Destination: resp.Destination,
		AmountSats:  resp.NumSatoshis,
		PaymentHash: resp.PaymentHash,
		Description: resp.Description,
		ExpiresAt:   time.Unix(resp.Timestamp+resp.Expiry, 0).UTC(),
	}, nil
}

// PayInvoice sends a payment through the router and blocks until it
// reaches a terminal state. A FAILED terminal state comes back as an error
// carrying the node's failure reason, which the caller classifies. The
// stream context outlives the node-side timeout slightly so the node's own
// verdict arrives instead of a local cutoff.
func (c *Client) PayInvoice(ctx context.Context, bolt11 string, feeLimitSats int64, timeoutSeconds int32) (*PaymentResult, error) {
	payCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second+10*time.Second)
	defer cancel()

	stream, err := c.router.SendPaymentV2(payCtx, &routerrpc.SendPaymentRequest{
		PaymentRequest: bolt11,
		TimeoutSeconds: timeoutSeconds,
		FeeLimitSat:    feeLimitSats,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initiate payment: %w", err)
	}

	for {
		payment, err := stream.Recv()
		if err != nil {
			return nil, fmt.Errorf("payment stream error: %w", err)
		}

		switch payment.Status {
		case lnrpc.Payment_SUCCEEDED:
			return &PaymentResult{
				PaymentHash: payment.PaymentHash,
				Preimage:    payment.PaymentPreimage,
				FeeSats:     payment.FeeSat,
			}, nil

		case lnrpc.Payment_FAILED:
			return nil, fmt.Errorf("payment failed: %s", payment.FailureReason)

		default:
			// Still in flight, keep reading the stream.
		}
	}
}
