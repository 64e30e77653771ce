package lightning

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"arkrelay/pkg/logger"
)

// Retry pacing and the per-class circuit windows.
const (
	retryBaseDelay = time.Second
	retryMaxDelay  = time.Minute

	// breakerTrip failures of one class inside breakerWindow open that
	// class's circuit for breakerOpenFor.
	breakerTrip    uint32 = 5
	breakerWindow         = 5 * time.Minute
	breakerOpenFor        = 5 * time.Minute
)

var errRecordedFailure = errors.New("recorded payment failure")

// Recovery drives payment retries: classification, per-class budgets,
// exponential backoff with jitter, and one circuit per error class so a
// failing corridor stops burning attempts while healthy classes keep
// flowing.
type Recovery struct {
	baseDelay time.Duration
	maxDelay  time.Duration

	mu       sync.Mutex
	breakers map[Class]*gobreaker.CircuitBreaker
}

func NewRecovery() *Recovery {
	return &Recovery{
		baseDelay: retryBaseDelay,
		maxDelay:  retryMaxDelay,
		breakers:  make(map[Class]*gobreaker.CircuitBreaker),
	}
}

func (r *Recovery) breaker(class Class) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[class]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "lnd-pay-" + class.String(),
			MaxRequests: 1,
			Interval:    breakerWindow,
			Timeout:     breakerOpenFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.TotalFailures >= breakerTrip
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("payment circuit state change",
					zap.String("class", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
		r.breakers[class] = cb
	}
	return cb
}

// record feeds one failure into the class circuit. gobreaker only counts
// outcomes of calls it runs itself, so the failure is replayed through
// Execute; with the circuit already open this is a no-op.
func (r *Recovery) record(class Class) {
	_, _ = r.breaker(class).Execute(func() (interface{}, error) {
		return nil, errRecordedFailure
	})
}

// suspended reports whether the class circuit refuses retries right now.
func (r *Recovery) suspended(class Class) bool {
	return r.breaker(class).State() == gobreaker.StateOpen
}

// Run invokes attempt until it succeeds or retrying stops making sense: a
// non-retryable class, an exhausted class budget, an open class circuit or
// a dead context. The first attempt always runs; circuits gate retries
// only. The returned error carries the wallet-facing fault code of the
// last failure.
func (r *Recovery) Run(ctx context.Context, paymentHash string, attempt func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.baseDelay
	bo.MaxInterval = r.maxDelay
	bo.MaxElapsedTime = 0

	retries := make(map[Class]int)
	for {
		err := attempt(ctx)
		if err == nil {
			return nil
		}

		class := Classify(err)
		r.record(class)

		if !class.Retryable() {
			return AsFault(class, err)
		}

		retries[class]++
		if retries[class] > class.Retries() {
			logger.Warn("payment retries exhausted",
				logger.ShortHex("payment_hash", paymentHash),
				zap.String("class", class.String()),
				zap.Int("retries", retries[class]-1),
			)
			return AsFault(class, err)
		}
		if r.suspended(class) {
			logger.Warn("payment retry refused, class circuit open",
				logger.ShortHex("payment_hash", paymentHash),
				zap.String("class", class.String()),
			)
			return AsFault(class, err)
		}

		delay := bo.NextBackOff()
		logger.Info("retrying lightning payment",
			logger.ShortHex("payment_hash", paymentHash),
			zap.String("class", class.String()),
			zap.Int("retry", retries[class]),
			zap.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return AsFault(class, err)
		case <-time.After(delay):
		}
	}
}
