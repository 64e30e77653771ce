package fault

import (
	"errors"
	"fmt"
)

// Code classifies a failure for wallet-facing reporting. The String form is
// the wire-level code carried in outbound failure events.
type Code int

const (
	Internal Code = iota
	InvalidIntent
	UnknownSessionType
	ExpiredIntent
	InsufficientBalance
	InvalidInvoice
	ChallengeNotFound
	ChallengeExpired
	ChallengeAlreadyUsed
	InvalidSignature
	InsufficientInventory
	ReservationLost
	ServiceUnavailable
	ServiceTimeout
	ServiceProtocolError
	InvoiceExpired
	PaymentFailed
	RateLimited
	ChannelUnavailable
	StoreConflict
	Shutdown
)

// String converts Code to its wire string value
// This method is called automatically by fmt.Print, JSON marshaling, etc.
func (c Code) String() string {
	switch c {
	case InvalidIntent:
		return "invalid_intent"
	case UnknownSessionType:
		return "unknown_session_type"
	case ExpiredIntent:
		return "expired_intent"
	case InsufficientBalance:
		return "insufficient_balance"
	case InvalidInvoice:
		return "invalid_invoice"
	case ChallengeNotFound:
		return "challenge_not_found"
	case ChallengeExpired:
		return "challenge_expired"
	case ChallengeAlreadyUsed:
		return "challenge_already_used"
	case InvalidSignature:
		return "invalid_signature"
	case InsufficientInventory:
		return "insufficient_inventory"
	case ReservationLost:
		return "reservation_lost"
	case ServiceUnavailable:
		return "service_unavailable"
	case ServiceTimeout:
		return "service_timeout"
	case ServiceProtocolError:
		return "service_protocol_error"
	case InvoiceExpired:
		return "invoice_expired"
	case PaymentFailed:
		return "payment_failed"
	case RateLimited:
		return "rate_limited"
	case ChannelUnavailable:
		return "channel_unavailable"
	case StoreConflict:
		return "store_conflict"
	case Shutdown:
		return "shutdown"
	default:
		return "internal"
	}
}

// ParseCode converts a wire string to a Code
// Unknown strings fall back to Internal
func ParseCode(s string) Code {
	switch s {
	case "invalid_intent":
		return InvalidIntent
	case "unknown_session_type":
		return UnknownSessionType
	case "expired_intent":
		return ExpiredIntent
	case "insufficient_balance":
		return InsufficientBalance
	case "invalid_invoice":
		return InvalidInvoice
	case "challenge_not_found":
		return ChallengeNotFound
	case "challenge_expired":
		return ChallengeExpired
	case "challenge_already_used":
		return ChallengeAlreadyUsed
	case "invalid_signature":
		return InvalidSignature
	case "insufficient_inventory":
		return InsufficientInventory
	case "reservation_lost":
		return ReservationLost
	case "service_unavailable":
		return ServiceUnavailable
	case "service_timeout":
		return ServiceTimeout
	case "service_protocol_error":
		return ServiceProtocolError
	case "invoice_expired":
		return InvoiceExpired
	case "payment_failed":
		return PaymentFailed
	case "rate_limited":
		return RateLimited
	case "channel_unavailable":
		return ChannelUnavailable
	case "store_conflict":
		return StoreConflict
	case "shutdown":
		return Shutdown
	default:
		return Internal
	}
}

// Fault carries a classified failure between modules. Terminal faults are
// mirrored into the outbound failure event as {code, message}. Messages are
// free text and must never contain credentials or key material.
type Fault struct {
	Code    Code
	Message string
	cause   error
}

func (f *Fault) Error() string {
	return f.Code.String() + ": " + f.Message
}

func (f *Fault) Unwrap() error {
	return f.cause
}

// New creates a Fault with the given code and message.
func New(code Code, message string) *Fault {
	return &Fault{Code: code, Message: message}
}

// Newf creates a Fault with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. The cause stays reachable through
// errors.Is/errors.As.
func Wrap(code Code, err error) *Fault {
	if err == nil {
		return nil
	}
	return &Fault{Code: code, Message: err.Error(), cause: err}
}

// From extracts the Fault from an error chain. Unclassified errors become
// Internal faults.
func From(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Code: Internal, Message: err.Error(), cause: err}
}

// CodeOf returns the classification of err, Internal when unclassified.
func CodeOf(err error) Code {
	return From(err).Code
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Code == code
	}
	return false
}
