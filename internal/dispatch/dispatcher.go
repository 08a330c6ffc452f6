// Package dispatch decouples state transitions from slow or unreliable
// downstream effects. Enqueue is non-blocking and never fails the caller:
// events land in a durable outbox (or an in-process fallback buffer when the
// outbox itself is down) and background workers deliver them with bounded
// exponential backoff. Exhausted events are dead-lettered, never dropped.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Config tunes the delivery loop.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Workers      int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	MaxAttempts  int
}

// Dispatcher implements the at-least-once event pipeline over a durable
// outbox and a delivery sink.
type Dispatcher struct {
	outbox  repository.OutboxRepository
	sink    Sink
	cfg     Config
	metrics *Metrics
	log     zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	fallback []*repository.QueuedEvent
}

// New creates a Dispatcher. Metrics may be nil in tests.
func New(outbox repository.OutboxRepository, sink Sink, cfg Config, metrics *Metrics, log zerolog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	return &Dispatcher{
		outbox:  outbox,
		sink:    sink,
		cfg:     cfg,
		metrics: metrics,
		log:     log,
		now:     time.Now,
	}
}

// Enqueue accepts an event for eventual delivery and returns its id. It never
// returns an error: when the outbox is unavailable the event is parked in the
// in-process fallback buffer and the sweeper retries it, so a broken queue
// can never fail (or slow down) a state transition.
func (d *Dispatcher) Enqueue(ctx context.Context, topic string, payload any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payloads are our own structs; a marshal failure is a programming
		// error. Log loudly and drop rather than poison the queue.
		d.log.Error().Err(err).Str("topic", topic).Msg("dispatcher: unmarshalable payload dropped")
		return ""
	}

	ev := &repository.QueuedEvent{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Attempt:   0,
		NotBefore: d.now(),
	}

	if d.metrics != nil {
		d.metrics.Enqueued.WithLabelValues(topic).Inc()
	}

	if err := d.outbox.Enqueue(ctx, ev); err != nil {
		d.park(ev)
		d.log.Warn().Err(err).
			Str("topic", topic).
			Str("event_id", ev.ID).
			Msg("dispatcher: outbox unavailable, event parked in fallback buffer")
	}
	return ev.ID
}

// Run starts the delivery workers and the fallback sweeper, blocking until
// the context is cancelled and all workers have drained.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.deliverLoop(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.sweepLoop(ctx)
	}()

	d.log.Info().
		Int("workers", d.cfg.Workers).
		Int("max_attempts", d.cfg.MaxAttempts).
		Msg("Dispatcher started")

	wg.Wait()
	d.log.Info().Msg("Dispatcher stopped")
}

// DeliverPending processes one batch immediately. Exposed for tests and for
// draining on shutdown.
func (d *Dispatcher) DeliverPending(ctx context.Context) int {
	events, err := d.outbox.Due(ctx, d.now(), d.cfg.BatchSize)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatcher: failed to read due events")
		return 0
	}

	delivered := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			return delivered
		}
		if d.deliver(ctx, ev) {
			delivered++
		}
	}
	return delivered
}

// SweepFallback retries outbox writes for parked events. Exposed for tests.
func (d *Dispatcher) SweepFallback(ctx context.Context) {
	d.mu.Lock()
	parked := d.fallback
	d.fallback = nil
	d.mu.Unlock()

	for _, ev := range parked {
		if err := d.outbox.Enqueue(ctx, ev); err != nil {
			d.park(ev)
		}
	}
	d.updateFallbackGauge()
}

func (d *Dispatcher) deliverLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.DeliverPending(ctx)
		}
	}
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(4 * d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.SweepFallback(ctx)
		}
	}
}

// deliver attempts one event, rescheduling or dead-lettering on failure.
func (d *Dispatcher) deliver(ctx context.Context, ev *repository.QueuedEvent) bool {
	err := d.sink.Publish(ctx, ev.Topic, ev.Payload)
	if err == nil {
		if err := d.outbox.MarkDelivered(ctx, ev.ID); err != nil {
			// The event will be redelivered after its lease; consumers are
			// idempotent so this is safe.
			d.log.Warn().Err(err).Str("event_id", ev.ID).Msg("dispatcher: failed to mark delivered")
		}
		if d.metrics != nil {
			d.metrics.Delivered.WithLabelValues(ev.Topic).Inc()
		}
		return true
	}

	attempt := ev.Attempt + 1
	if attempt >= d.cfg.MaxAttempts {
		if dlErr := d.outbox.DeadLetter(ctx, ev, err.Error(), d.now()); dlErr != nil {
			d.log.Error().Err(dlErr).Str("event_id", ev.ID).Msg("dispatcher: failed to dead-letter event")
			return false
		}
		if d.metrics != nil {
			d.metrics.DeadLettered.WithLabelValues(ev.Topic).Inc()
		}
		d.log.Error().Err(err).
			Str("event_id", ev.ID).
			Str("topic", ev.Topic).
			Int("attempts", attempt).
			Msg("dispatcher: event dead-lettered after exhausting retries")
		return false
	}

	notBefore := d.now().Add(d.backoff(attempt))
	if rsErr := d.outbox.Reschedule(ctx, ev.ID, attempt, notBefore); rsErr != nil {
		d.log.Error().Err(rsErr).Str("event_id", ev.ID).Msg("dispatcher: failed to reschedule event")
		return false
	}
	if d.metrics != nil {
		d.metrics.Retried.WithLabelValues(ev.Topic).Inc()
	}
	d.log.Warn().Err(err).
		Str("event_id", ev.ID).
		Str("topic", ev.Topic).
		Int("attempt", attempt).
		Time("not_before", notBefore).
		Msg("dispatcher: delivery failed, rescheduled")
	return false
}

// backoff is min(base * 2^attempt, cap).
func (d *Dispatcher) backoff(attempt int) time.Duration {
	backoff := d.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= d.cfg.BackoffCap {
			return d.cfg.BackoffCap
		}
	}
	if backoff > d.cfg.BackoffCap {
		return d.cfg.BackoffCap
	}
	return backoff
}

func (d *Dispatcher) park(ev *repository.QueuedEvent) {
	d.mu.Lock()
	d.fallback = append(d.fallback, ev)
	d.mu.Unlock()
	d.updateFallbackGauge()
}

// FallbackSize returns the number of parked events.
func (d *Dispatcher) FallbackSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fallback)
}

func (d *Dispatcher) updateFallbackGauge() {
	if d.metrics != nil {
		d.metrics.FallbackSize.Set(float64(d.FallbackSize()))
	}
}
