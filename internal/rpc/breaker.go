package rpc

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"arkrelay/internal/fault"
	"arkrelay/pkg/logger"
)

// NewBreaker builds the per-daemon circuit breaker: it opens after
// threshold consecutive failures, stays open for the recovery window and
// then admits exactly one probe (MaxRequests 1). A successful probe closes
// it; a failed one re-opens it.
func NewBreaker(name string, threshold uint32, recovery time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     recovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A daemon that answers, even with an application error, is alive:
		// only transport-level failures count against the circuit.
		IsSuccessful: func(err error) bool {
			return err == nil || !retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("service", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// IsBreakerOpen reports whether err means the breaker refused the call
// without reaching the daemon.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// breakerFault converts a breaker refusal into the wire-visible fault.
func breakerFault(service string) error {
	return fault.Newf(fault.ServiceUnavailable, "%s unavailable: circuit open", service)
}
