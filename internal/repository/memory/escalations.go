package memory

import (
	"context"
	"sync"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// EscalationStore is an in-memory repository.EscalationRepository.
type EscalationStore struct {
	mu     sync.Mutex
	events []*repository.EscalationEvent
}

// NewEscalationStore creates an empty EscalationStore.
func NewEscalationStore() *EscalationStore {
	return &EscalationStore{}
}

func (s *EscalationStore) Append(ctx context.Context, ev *repository.EscalationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *ev
	s.events = append(s.events, &copy)
	return nil
}

func (s *EscalationStore) ListByRequest(ctx context.Context, requestID string) ([]*repository.EscalationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*repository.EscalationEvent
	for _, ev := range s.events {
		if ev.RequestID == requestID {
			copy := *ev
			out = append(out, &copy)
		}
	}
	return out, nil
}

var _ repository.EscalationRepository = (*EscalationStore)(nil)
