// Package memory provides in-memory repository implementations used by tests
// and local development. Semantics mirror the Postgres implementations,
// including the optimistic version guard.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/apperr"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// RequestStore is an in-memory repository.RequestRepository.
type RequestStore struct {
	mu       sync.Mutex
	requests map[string]*repository.ApprovalRequest
}

// NewRequestStore creates an empty RequestStore.
func NewRequestStore() *RequestStore {
	return &RequestStore{requests: make(map[string]*repository.ApprovalRequest)}
}

func (s *RequestStore) Create(ctx context.Context, req *repository.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[req.ID]; ok {
		return apperr.Newf(apperr.CodeInternal, "request %s already exists", req.ID)
	}
	for _, existing := range s.requests {
		if existing.Status.Open() &&
			existing.RequesterID == req.RequesterID &&
			existing.ActionType == req.ActionType &&
			existing.Fingerprint == req.Fingerprint {
			return apperr.Newf(apperr.CodeDuplicateRequest,
				"open request %s already exists for this action", existing.ID)
		}
	}

	now := time.Now()
	req.CreatedAt = now
	req.UpdatedAt = now
	s.requests[req.ID] = cloneRequest(req)
	return nil
}

func (s *RequestStore) GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, apperr.NotFound("approval_request", id)
	}
	return cloneRequest(req), nil
}

func (s *RequestStore) FindOpenDuplicate(ctx context.Context, requesterID, actionType, fingerprint string) (*repository.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, req := range s.requests {
		if req.Status.Open() &&
			req.RequesterID == requesterID &&
			req.ActionType == actionType &&
			req.Fingerprint == fingerprint {
			return cloneRequest(req), nil
		}
	}
	return nil, nil
}

func (s *RequestStore) Update(ctx context.Context, req *repository.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.requests[req.ID]
	if !ok {
		return apperr.NotFound("approval_request", req.ID)
	}
	if current.Version != req.Version {
		return apperr.Newf(apperr.CodeConcurrentModification,
			"approval request %s was modified concurrently", req.ID)
	}

	req.Version++
	req.UpdatedAt = time.Now()
	for i := range req.Decisions {
		if req.Decisions[i].ID == "" {
			req.Decisions[i].ID = newID()
			req.Decisions[i].RequestID = req.ID
		}
	}
	s.requests[req.ID] = cloneRequest(req)
	return nil
}

func (s *RequestStore) ListOpenPastDeadline(ctx context.Context, now time.Time, limit int) ([]*repository.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*repository.ApprovalRequest
	for _, req := range s.requests {
		if req.Status.Open() && !req.DeadlineAt.After(now) {
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].DeadlineAt.Before(out[j].DeadlineAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *RequestStore) List(ctx context.Context, filter repository.RequestFilter) ([]*repository.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*repository.ApprovalRequest
	for _, req := range s.requests {
		if filter.Status != nil && req.Status != *filter.Status {
			continue
		}
		if filter.RequesterID != "" && req.RequesterID != filter.RequesterID {
			continue
		}
		if filter.ActionType != "" && req.ActionType != filter.ActionType {
			continue
		}
		out = append(out, cloneRequest(req))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *RequestStore) ListPendingForApprover(ctx context.Context, approverID string) ([]*repository.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*repository.ApprovalRequest
	for _, req := range s.requests {
		if !req.Status.Open() {
			continue
		}
		for _, a := range req.Approvers {
			if a.Type == repository.ApproverUser && a.Ref == approverID {
				out = append(out, cloneRequest(req))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].DeadlineAt.Before(out[j].DeadlineAt)
	})
	return out, nil
}

// cloneRequest deep-copies via JSON so callers never share state with the
// store, matching row-scan semantics of the Postgres implementation.
func cloneRequest(req *repository.ApprovalRequest) *repository.ApprovalRequest {
	data, _ := json.Marshal(req)
	out := &repository.ApprovalRequest{}
	_ = json.Unmarshal(data, out)
	return out
}

var _ repository.RequestRepository = (*RequestStore)(nil)
