package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
)

// flakySink fails the first failures publishes, then succeeds, recording
// every successful delivery.
type flakySink struct {
	mu        sync.Mutex
	failures  int
	attempts  int
	delivered []string
}

func (s *flakySink) Publish(ctx context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts <= s.failures {
		return errors.New("broker unavailable")
	}
	s.delivered = append(s.delivered, topic)
	return nil
}

func (s *flakySink) deliveredTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.delivered...)
}

func newTestDispatcher(outbox *memory.OutboxStore, sink Sink, cfg Config) *Dispatcher {
	return New(outbox, sink, cfg, nil, zerolog.Nop())
}

func TestEnqueueAndDeliver(t *testing.T) {
	ctx := context.Background()
	outbox := memory.NewOutboxStore()
	sink := &flakySink{}
	d := newTestDispatcher(outbox, sink, Config{})

	id := d.Enqueue(ctx, "request.created", map[string]string{"request_id": "req-1"})
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, outbox.Size())

	delivered := d.DeliverPending(ctx)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{"request.created"}, sink.deliveredTopics())
	assert.Zero(t, outbox.Size(), "delivered events leave the queue")
}

func TestFailedDeliveryIsRescheduledWithBackoff(t *testing.T) {
	ctx := context.Background()
	outbox := memory.NewOutboxStore()
	sink := &flakySink{failures: 1}
	d := newTestDispatcher(outbox, sink, Config{BackoffBase: time.Second, MaxAttempts: 8})

	base := time.Now()
	d.now = func() time.Time { return base }

	d.Enqueue(ctx, "decision.approved", map[string]string{"request_id": "req-1"})

	// First attempt fails and reschedules one backoff step out.
	assert.Zero(t, d.DeliverPending(ctx))
	assert.Equal(t, 1, outbox.Size())

	// Not due yet.
	assert.Zero(t, d.DeliverPending(ctx))

	// After the backoff the event is retried and the broker has recovered.
	d.now = func() time.Time { return base.Add(2 * time.Second) }
	assert.Equal(t, 1, d.DeliverPending(ctx))
	assert.Equal(t, []string{"decision.approved"}, sink.deliveredTopics())
	assert.Zero(t, outbox.Size())
}

func TestExhaustedEventIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	outbox := memory.NewOutboxStore()
	sink := &flakySink{failures: 100}
	d := newTestDispatcher(outbox, sink, Config{BackoffBase: time.Second, MaxAttempts: 2})

	base := time.Now()
	d.now = func() time.Time { return base }

	d.Enqueue(ctx, "escalation.triggered", map[string]string{"request_id": "req-1"})

	assert.Zero(t, d.DeliverPending(ctx)) // attempt 1: rescheduled

	d.now = func() time.Time { return base.Add(time.Minute) }
	assert.Zero(t, d.DeliverPending(ctx)) // attempt 2: dead-lettered

	assert.Zero(t, outbox.Size())
	letters, err := outbox.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "escalation.triggered", letters[0].Event.Topic)
	assert.Equal(t, "broker unavailable", letters[0].Reason)
}

func TestEnqueueParksWhenOutboxIsDown(t *testing.T) {
	ctx := context.Background()
	outbox := memory.NewOutboxStore()
	sink := &flakySink{}
	d := newTestDispatcher(outbox, sink, Config{})

	outbox.FailEnqueue = true
	id := d.Enqueue(ctx, "request.created", map[string]string{"request_id": "req-1"})
	assert.NotEmpty(t, id, "a broken outbox never fails the caller")
	assert.Equal(t, 1, d.FallbackSize())
	assert.Zero(t, outbox.Size())

	// Storage still down: the sweep re-parks.
	d.SweepFallback(ctx)
	assert.Equal(t, 1, d.FallbackSize())

	// Storage recovers: the sweep drains the buffer into the outbox and the
	// event is delivered normally.
	outbox.FailEnqueue = false
	d.SweepFallback(ctx)
	assert.Zero(t, d.FallbackSize())
	assert.Equal(t, 1, outbox.Size())

	assert.Equal(t, 1, d.DeliverPending(ctx))
	assert.Equal(t, []string{"request.created"}, sink.deliveredTopics())
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	d := newTestDispatcher(memory.NewOutboxStore(), &flakySink{}, Config{
		BackoffBase: time.Second,
		BackoffCap:  8 * time.Second,
	})

	assert.Equal(t, time.Second, d.backoff(1))
	assert.Equal(t, 2*time.Second, d.backoff(2))
	assert.Equal(t, 4*time.Second, d.backoff(3))
	assert.Equal(t, 8*time.Second, d.backoff(4))
	assert.Equal(t, 8*time.Second, d.backoff(9))
}

func TestEnqueueDropsUnmarshalablePayload(t *testing.T) {
	outbox := memory.NewOutboxStore()
	d := newTestDispatcher(outbox, &flakySink{}, Config{})

	id := d.Enqueue(context.Background(), "request.created", func() {})
	assert.Empty(t, id)
	assert.Zero(t, outbox.Size())
}

func TestRunDeliversInBackground(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outbox := memory.NewOutboxStore()
	sink := &flakySink{}
	d := newTestDispatcher(outbox, sink, Config{PollInterval: 10 * time.Millisecond, Workers: 2})

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	d.Enqueue(ctx, "request.created", map[string]string{"request_id": "req-1"})

	require.Eventually(t, func() bool {
		return len(sink.deliveredTopics()) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop on context cancellation")
	}
}
