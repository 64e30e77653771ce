package lnd

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func TestAddInvoice(t *testing.T) {
	rhash := []byte{0xde, 0xad, 0xbe, 0xef}
	var gotInvoice *lnrpc.Invoice

	mock := &mockLightningClient{
		addInvoiceFn: func(_ context.Context, in *lnrpc.Invoice, _ ...grpc.CallOption) (*lnrpc.AddInvoiceResponse, error) {
			gotInvoice = in
			return &lnrpc.AddInvoiceResponse{
				RHash:          rhash,
				PaymentRequest: "lnbcrt500u1p...",
				AddIndex:       42,
			}, nil
		},
	}
	client := newTestClient(mock, nil)

	created, err := client.AddInvoice(context.Background(), 50000, "Ark Relay Lift: 50000 sats for gbtc", 3600)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", created.PaymentHash)
	assert.Equal(t, "lnbcrt500u1p...", created.PaymentRequest)
	assert.Equal(t, uint64(42), created.AddIndex)

	require.NotNil(t, gotInvoice)
	assert.Equal(t, int64(50000), gotInvoice.Value)
	assert.Equal(t, int64(3600), gotInvoice.Expiry)
	assert.Equal(t, "Ark Relay Lift: 50000 sats for gbtc", gotInvoice.Memo)
}

func TestLookupInvoice(t *testing.T) {
	rhash := []byte{0x01, 0x02}
	preimage := []byte{0x0a, 0x0b}
	settled := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)

	mock := &mockLightningClient{
		lookupInvoiceFn: func(_ context.Context, in *lnrpc.PaymentHash, _ ...grpc.CallOption) (*lnrpc.Invoice, error) {
			assert.Equal(t, rhash, in.RHash)
			return &lnrpc.Invoice{
				RHash:       rhash,
				RPreimage:   preimage,
				State:       lnrpc.Invoice_SETTLED,
				AmtPaidSat:  50000,
				SettleDate:  settled.Unix(),
				SettleIndex: 7,
			}, nil
		},
	}
	client := newTestClient(mock, nil)

	update, err := client.LookupInvoice(context.Background(), hex.EncodeToString(rhash))
	require.NoError(t, err)
	assert.Equal(t, InvoiceSettled, update.State)
	assert.Equal(t, hex.EncodeToString(preimage), update.Preimage)
	assert.Equal(t, int64(50000), update.AmountPaidSats)
	assert.Equal(t, settled, update.SettledAt)
	assert.Equal(t, uint64(7), update.SettleIndex)
}

func TestLookupInvoice_MalformedHash(t *testing.T) {
	client := newTestClient(&mockLightningClient{}, nil)

	_, err := client.LookupInvoice(context.Background(), "not-hex")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed payment hash")
}

func TestInvoiceStateFromRPC(t *testing.T) {
	tests := []struct {
		in   lnrpc.Invoice_InvoiceState
		want InvoiceState
	}{
		{lnrpc.Invoice_OPEN, InvoiceOpen},
		{lnrpc.Invoice_SETTLED, InvoiceSettled},
		{lnrpc.Invoice_CANCELED, InvoiceCanceled},
		{lnrpc.Invoice_ACCEPTED, InvoiceAccepted},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, invoiceStateFromRPC(tt.in))
	}

	assert.Equal(t, "settled", InvoiceSettled.String())
	assert.Equal(t, "open", InvoiceOpen.String())
}
