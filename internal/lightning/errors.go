package lightning

import (
	"errors"
	"strings"

	"arkrelay/internal/fault"
)

// Class buckets a payment failure for retry policy and wallet reporting.
// Each class carries its own retry budget and its own circuit; a broken
// route and a rate limit recover on different clocks.
type Class int

const (
	ClassUnknown Class = iota
	ClassTimeout
	ClassNetwork
	ClassInvoiceExpired
	ClassInsufficientFunds
	ClassChannel
	ClassPaymentFailed
	ClassValidation
	ClassRateLimited
)

func (c Class) String() string {
	switch c {
	case ClassTimeout:
		return "timeout"
	case ClassNetwork:
		return "network"
	case ClassInvoiceExpired:
		return "invoice_expired"
	case ClassInsufficientFunds:
		return "insufficient_funds"
	case ClassChannel:
		return "channel_unavailable"
	case ClassPaymentFailed:
		return "payment_failed"
	case ClassValidation:
		return "validation"
	case ClassRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Retries is the class's retry budget after the first attempt. Zero means
// the failure is terminal on sight.
func (c Class) Retries() int {
	switch c {
	case ClassTimeout:
		return 3
	case ClassNetwork:
		return 5
	case ClassChannel:
		return 3
	case ClassPaymentFailed:
		return 3
	case ClassRateLimited:
		return 1
	default:
		return 0
	}
}

// Retryable reports whether another attempt can change the outcome.
func (c Class) Retryable() bool {
	return c.Retries() > 0
}

// FaultCode maps the class to its wallet-facing fault code. Unknown
// failures report as payment_failed; the wallet cannot act on anything
// more specific.
func (c Class) FaultCode() fault.Code {
	switch c {
	case ClassTimeout:
		return fault.ServiceTimeout
	case ClassNetwork:
		return fault.ServiceUnavailable
	case ClassInvoiceExpired:
		return fault.InvoiceExpired
	case ClassInsufficientFunds:
		return fault.InsufficientBalance
	case ClassChannel:
		return fault.ChannelUnavailable
	case ClassValidation:
		return fault.InvalidInvoice
	case ClassRateLimited:
		return fault.RateLimited
	default:
		return fault.PaymentFailed
	}
}

// Classify buckets a payment failure. Faults minted by the transport
// shell keep their classification; raw node errors are judged by message
// substrings, first match wins.
func Classify(err error) Class {
	var f *fault.Fault
	if errors.As(err, &f) {
		switch f.Code {
		case fault.ServiceTimeout:
			return ClassTimeout
		case fault.ServiceUnavailable:
			return ClassNetwork
		case fault.InvoiceExpired:
			return ClassInvoiceExpired
		case fault.InsufficientBalance:
			return ClassInsufficientFunds
		case fault.ChannelUnavailable:
			return ClassChannel
		case fault.PaymentFailed:
			return ClassPaymentFailed
		case fault.InvalidInvoice:
			return ClassValidation
		case fault.RateLimited:
			return ClassRateLimited
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return ClassTimeout
	case strings.Contains(msg, "network"), strings.Contains(msg, "connection"):
		return ClassNetwork
	case strings.Contains(msg, "expired"):
		return ClassInvoiceExpired
	case strings.Contains(msg, "insufficient"), strings.Contains(msg, "balance"):
		return ClassInsufficientFunds
	case strings.Contains(msg, "channel"):
		return ClassChannel
	case strings.Contains(msg, "payment") && strings.Contains(msg, "failed"):
		return ClassPaymentFailed
	case strings.Contains(msg, "validation"), strings.Contains(msg, "invalid"):
		return ClassValidation
	case strings.Contains(msg, "rate limit"):
		return ClassRateLimited
	default:
		return ClassUnknown
	}
}

// AsFault converts a classified failure into its wallet-facing form.
// Errors already carrying a fault code pass through unchanged.
func AsFault(class Class, err error) error {
	var f *fault.Fault
	if errors.As(err, &f) {
		return err
	}
	return fault.Wrap(class.FaultCode(), err)
}
