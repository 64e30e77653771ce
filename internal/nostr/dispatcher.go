package nostr

import (
	"context"
	"encoding/json"
	"sort"
	"sync/atomic"

	gonostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"arkrelay/pkg/cache"
	"arkrelay/pkg/logger"
)

// ringKey is the capped Redis list holding recent inbound events for
// debugging. Entries are full signed events, so they are safe to persist;
// encrypted content stays encrypted.
const ringKey = "nostr:events"

// Handler processes one verified inbound event. Returned errors are
// counted and logged; they never stop the dispatch loop.
type Handler func(ctx context.Context, ev *gonostr.Event) error

// EventSource is the subscription surface the dispatcher drains. Client
// implements it; tests feed a channel directly.
type EventSource interface {
	Subscribe(ctx context.Context, kinds []int) (<-chan *gonostr.Event, error)
}

// Dispatcher routes inbound events by kind. Every event is signature
// checked before its handler runs, and handler panics are contained so a
// poison event cannot take the subscription down.
type Dispatcher struct {
	source   EventSource
	handlers map[int]Handler

	// ringSize 0 disables the Redis event ring and stat counters; tests
	// run without a cache this way.
	ringSize int64

	running   atomic.Bool
	received  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func NewDispatcher(source EventSource, ringSize int64) *Dispatcher {
	return &Dispatcher{
		source:   source,
		handlers: make(map[int]Handler),
		ringSize: ringSize,
	}
}

// Handle registers the handler for a kind. The registry is fixed once Run
// starts; registering later is a programming error.
func (d *Dispatcher) Handle(kind int, h Handler) {
	if d.running.Load() {
		panic("nostr: Handle called after Run")
	}
	d.handlers[kind] = h
}

// Run subscribes to every registered kind and dispatches until ctx is
// canceled or the subscription ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.running.Store(true)

	kinds := make([]int, 0, len(d.handlers))
	for kind := range d.handlers {
		kinds = append(kinds, kind)
	}
	sort.Ints(kinds)

	events, err := d.source.Subscribe(ctx, kinds)
	if err != nil {
		return err
	}
	logger.Info("Dispatcher running", zap.Ints("kinds", kinds))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				logger.Info("Event stream closed", zap.Int64("received", d.received.Load()))
				return nil
			}
			d.process(ctx, ev)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, ev *gonostr.Event) {
	d.received.Add(1)

	if err := VerifyEvent(ev); err != nil {
		d.dropped.Add(1)
		d.bumpStat(ctx, "dropped")
		logger.Warn("Dropping unverifiable event",
			zap.Int("kind", ev.Kind),
			logger.ShortHex("event_id", ev.ID),
			logger.ShortHex("pubkey", ev.PubKey),
			zap.Error(err))
		return
	}

	d.record(ctx, ev)

	h, ok := d.handlers[ev.Kind]
	if !ok {
		// relays may push kinds outside the filter
		d.dropped.Add(1)
		d.bumpStat(ctx, "dropped")
		logger.Warn("No handler for event kind", zap.Int("kind", ev.Kind), logger.ShortHex("event_id", ev.ID))
		return
	}
	d.dispatch(ctx, h, ev)
}

func (d *Dispatcher) dispatch(ctx context.Context, h Handler, ev *gonostr.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			d.bumpStat(ctx, "failed")
			logger.Error("Event handler panicked",
				zap.Int("kind", ev.Kind),
				logger.ShortHex("event_id", ev.ID),
				zap.Any("panic", r))
		}
	}()

	if err := h(ctx, ev); err != nil {
		d.failed.Add(1)
		d.bumpStat(ctx, "failed")
		logger.Error("Event handler failed",
			zap.Int("kind", ev.Kind),
			logger.ShortHex("event_id", ev.ID),
			logger.ShortHex("pubkey", ev.PubKey),
			zap.Error(err))
		return
	}
	d.processed.Add(1)
	d.bumpStat(ctx, "processed")
}

// record appends the event to the capped ring. Observability only: a
// cache failure is already logged by the cache layer and never blocks
// dispatch.
func (d *Dispatcher) record(ctx context.Context, ev *gonostr.Event) {
	if d.ringSize <= 0 {
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = cache.PushCapped(ctx, ringKey, raw, d.ringSize)
}

func (d *Dispatcher) bumpStat(ctx context.Context, name string) {
	if d.ringSize <= 0 {
		return
	}
	_, _ = cache.Incr(ctx, "nostr:stats:"+name)
}

// Stats is a point-in-time snapshot of dispatcher counters.
type Stats struct {
	Received  int64
	Processed int64
	Failed    int64
	Dropped   int64
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Received:  d.received.Load(),
		Processed: d.processed.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}
