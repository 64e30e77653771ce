package rpc

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"arkrelay/internal/fault"
	"arkrelay/pkg/logger"
)

// Policy is the transport policy for one daemon.
type Policy struct {
	// Timeout bounds each individual attempt.
	Timeout time.Duration
	// MaxAttempts caps the total number of attempts (first call included).
	MaxAttempts int
	// BaseDelay is the wait before the second attempt; it doubles after
	// every failure and is not randomized.
	BaseDelay time.Duration
	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit; BreakerRecovery is how long it stays open.
	BreakerThreshold uint32
	BreakerRecovery  time.Duration
}

// Shell wraps one daemon's calls with the retry loop and circuit breaker.
// The retry loop sits outside, the breaker inside, so every attempt is
// individually accounted and an open circuit fails the call immediately
// without touching the daemon.
type Shell struct {
	service string
	policy  Policy
	breaker *gobreaker.CircuitBreaker
}

// NewShell builds the policy wrapper for one daemon.
func NewShell(service string, policy Policy) *Shell {
	return &Shell{
		service: service,
		policy:  policy,
		breaker: NewBreaker(service, policy.BreakerThreshold, policy.BreakerRecovery),
	}
}

// Service returns the daemon name the shell guards.
func (s *Shell) Service() string {
	return s.service
}

// BreakerState exposes the circuit state for health reporting.
func (s *Shell) BreakerState() gobreaker.State {
	return s.breaker.State()
}

// retryable reports whether the attempt hit a transient transport
// condition. Only these two codes are worth a second attempt; every other
// error is the daemon's answer and retrying would not change it.
func retryable(err error) bool {
	switch status.Code(err) {
	case codes.DeadlineExceeded, codes.Unavailable:
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Do runs fn under the shell's policy: per-attempt timeout, breaker
// accounting, exponential retry on transient codes. Transport outcomes
// come back as fault values (service_unavailable, service_timeout);
// daemon-level errors pass through unchanged for the caller to interpret.
func (s *Shell) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.policy.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempts := s.policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	schedule := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		_, err := s.breaker.Execute(func() (interface{}, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, s.policy.Timeout)
			defer cancel()
			return nil, fn(attemptCtx)
		})
		if err == nil {
			return nil
		}
		if IsBreakerOpen(err) {
			return backoff.Permanent(breakerFault(s.service))
		}
		if retryable(err) {
			logger.Debug("rpc attempt failed",
				zap.String("service", s.service),
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		return backoff.Permanent(err)
	}, schedule)
	if err != nil {
		return s.asFault(op, err)
	}
	return nil
}

// asFault converts exhausted transport errors into their wire faults.
func (s *Shell) asFault(op string, err error) error {
	var f *fault.Fault
	if errors.As(err, &f) {
		return err
	}

	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fault.Newf(fault.ServiceTimeout, "%s %s timed out", s.service, op)
	case codes.Unavailable:
		return fault.Newf(fault.ServiceUnavailable, "%s unavailable", s.service)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Newf(fault.ServiceTimeout, "%s %s timed out", s.service, op)
	}
	return err
}
