package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/apperr"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// memoryLease mirrors the Postgres claim lease so redundant workers skip
// in-flight events.
const memoryLease = 30 * time.Second

// OutboxStore is an in-memory repository.OutboxRepository.
type OutboxStore struct {
	mu      sync.Mutex
	events  map[string]*repository.QueuedEvent
	letters []*repository.DeadLetter

	// FailEnqueue simulates storage unavailability in tests.
	FailEnqueue bool
}

// NewOutboxStore creates an empty OutboxStore.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{events: make(map[string]*repository.QueuedEvent)}
}

func (s *OutboxStore) Enqueue(ctx context.Context, ev *repository.QueuedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailEnqueue {
		return apperr.New(apperr.CodeDownstreamUnavailable, "outbox storage unavailable")
	}

	ev.CreatedAt = time.Now()
	copy := *ev
	s.events[ev.ID] = &copy
	return nil
}

func (s *OutboxStore) Due(ctx context.Context, now time.Time, limit int) ([]*repository.QueuedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*repository.QueuedEvent
	for _, ev := range s.events {
		if !ev.NotBefore.After(now) {
			copy := *ev
			out = append(out, &copy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for _, ev := range out {
		s.events[ev.ID].NotBefore = now.Add(memoryLease)
	}
	return out, nil
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.events, id)
	return nil
}

func (s *OutboxStore) Reschedule(ctx context.Context, id string, attempt int, notBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return apperr.NotFound("queued_event", id)
	}
	ev.Attempt = attempt
	ev.NotBefore = notBefore
	return nil
}

func (s *OutboxStore) DeadLetter(ctx context.Context, ev *repository.QueuedEvent, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.events, ev.ID)
	s.letters = append(s.letters, &repository.DeadLetter{Event: *ev, Reason: reason, FailedAt: at})
	return nil
}

func (s *OutboxStore) ListDeadLetters(ctx context.Context, limit int) ([]*repository.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*repository.DeadLetter, 0, len(s.letters))
	for i := len(s.letters) - 1; i >= 0; i-- {
		copy := *s.letters[i]
		out = append(out, &copy)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Size returns the number of events waiting in the queue.
func (s *OutboxStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

var _ repository.OutboxRepository = (*OutboxStore)(nil)
