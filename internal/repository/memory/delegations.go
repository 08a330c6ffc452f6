package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/internal/apperr"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

func newID() string { return uuid.NewString() }

// DelegationStore is an in-memory repository.DelegationRepository.
type DelegationStore struct {
	mu          sync.Mutex
	delegations map[string]*repository.Delegation
}

// NewDelegationStore creates an empty DelegationStore.
func NewDelegationStore() *DelegationStore {
	return &DelegationStore{delegations: make(map[string]*repository.Delegation)}
}

func (s *DelegationStore) Create(ctx context.Context, d *repository.Delegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d.CreatedAt = time.Now()
	copy := *d
	s.delegations[d.ID] = &copy
	return nil
}

func (s *DelegationStore) GetByID(ctx context.Context, id string) (*repository.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.delegations[id]
	if !ok {
		return nil, apperr.NotFound("delegation", id)
	}
	copy := *d
	return &copy, nil
}

func (s *DelegationStore) Revoke(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.delegations[id]
	if !ok {
		return apperr.NotFound("delegation", id)
	}
	if d.RevokedAt == nil {
		d.RevokedAt = &at
	}
	return nil
}

func (s *DelegationStore) ActiveTo(ctx context.Context, userID string, at time.Time) ([]*repository.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*repository.Delegation
	for _, d := range s.delegations {
		if d.ToApproverID == userID && d.ActiveAt(at) {
			copy := *d
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *DelegationStore) ListByDelegator(ctx context.Context, fromApproverID string) ([]*repository.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*repository.Delegation
	for _, d := range s.delegations {
		if d.FromApproverID == fromApproverID {
			copy := *d
			out = append(out, &copy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

var _ repository.DelegationRepository = (*DelegationStore)(nil)
