package repository

import (
	"context"
	"time"
)

// RequestRepository persists the ApprovalRequest aggregate. Update is guarded
// by the aggregate's version; a stale version yields
// apperr.CodeConcurrentModification.
type RequestRepository interface {
	Create(ctx context.Context, req *ApprovalRequest) error
	GetByID(ctx context.Context, id string) (*ApprovalRequest, error)
	// FindOpenDuplicate returns an open request with the same requester,
	// action type and fingerprint, or nil.
	FindOpenDuplicate(ctx context.Context, requesterID, actionType, fingerprint string) (*ApprovalRequest, error)
	// Update persists status, approvers, deadline, escalation count and any
	// decisions appended since the last read. Decisions never shrink.
	Update(ctx context.Context, req *ApprovalRequest) error
	// ListOpenPastDeadline returns open requests (escalated ones included,
	// so exhausted requests can expire) whose deadline has passed, highest
	// priority first.
	ListOpenPastDeadline(ctx context.Context, now time.Time, limit int) ([]*ApprovalRequest, error)
	List(ctx context.Context, filter RequestFilter) ([]*ApprovalRequest, error)
	// ListPendingForApprover returns open requests containing a slot the given
	// user id directly fills.
	ListPendingForApprover(ctx context.Context, approverID string) ([]*ApprovalRequest, error)
}

// DelegationRepository persists delegations.
type DelegationRepository interface {
	Create(ctx context.Context, d *Delegation) error
	GetByID(ctx context.Context, id string) (*Delegation, error)
	Revoke(ctx context.Context, id string, at time.Time) error
	// ActiveTo returns delegations naming userID as delegate that are in force
	// at the given instant.
	ActiveTo(ctx context.Context, userID string, at time.Time) ([]*Delegation, error)
	ListByDelegator(ctx context.Context, fromApproverID string) ([]*Delegation, error)
}

// EscalationRepository appends and reads immutable escalation events.
type EscalationRepository interface {
	Append(ctx context.Context, ev *EscalationEvent) error
	ListByRequest(ctx context.Context, requestID string) ([]*EscalationEvent, error)
}

// OutboxRepository is the durable queue backing the event dispatcher.
type OutboxRepository interface {
	Enqueue(ctx context.Context, ev *QueuedEvent) error
	// Due returns events whose not_before has passed, oldest first. Returned
	// events are leased until rescheduled, delivered or dead-lettered.
	Due(ctx context.Context, now time.Time, limit int) ([]*QueuedEvent, error)
	MarkDelivered(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, attempt int, notBefore time.Time) error
	DeadLetter(ctx context.Context, ev *QueuedEvent, reason string, at time.Time) error
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)
}
