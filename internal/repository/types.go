package repository

import (
	"fmt"
	"time"
)

// ── Enumerations ──────────────────────────────────────────────────────────────

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInAnalysis Status = "in_analysis"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
	StatusEscalated  Status = "escalated"
)

// Terminal reports whether no further transition may leave this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Open reports whether the request still accepts decisions.
func (s Status) Open() bool {
	switch s {
	case StatusPending, StatusInAnalysis, StatusEscalated:
		return true
	}
	return false
}

// Strategy selects the resolution algorithm for a request.
type Strategy string

const (
	StrategyUnanimous    Strategy = "unanimous"
	StrategyMajority     Strategy = "majority"
	StrategyAnyOne       Strategy = "any_one"
	StrategyHierarchical Strategy = "hierarchical"
	StrategyCustom       Strategy = "custom"
)

// Outcome is a single approver's verdict.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReject  Outcome = "reject"
)

// Priority orders requests for escalation tie-breaking and queue ordering.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
	PriorityEmergency
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	case PriorityEmergency:
		return "emergency"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ApproverType says how an approver reference resolves to people.
type ApproverType string

const (
	ApproverUser  ApproverType = "user"  // a concrete user id
	ApproverRole  ApproverType = "role"  // anyone holding the role
	ApproverUnit  ApproverType = "unit"  // anyone in the organizational unit
	ApproverLevel ApproverType = "level" // hierarchy-level marker
)

// EscalationReason records why an escalation fired.
type EscalationReason string

const (
	EscalationReasonTime     EscalationReason = "time"
	EscalationReasonPriority EscalationReason = "priority"
	EscalationReasonValue    EscalationReason = "value"
	EscalationReasonManual   EscalationReason = "manual"
)

// EscalationStrategy selects how new approvers are computed on escalation.
type EscalationStrategy string

const (
	EscalateHierarchical EscalationStrategy = "hierarchical"
	EscalateByPriority   EscalationStrategy = "by_priority"
	EscalateManual       EscalationStrategy = "manual"
)

// ── Aggregate ─────────────────────────────────────────────────────────────────

// Approver is one slot in a request's approver set. Role/unit/level slots are
// resolved to concrete users lazily by the directory; only user slots carry a
// resolved identity.
type Approver struct {
	Type        ApproverType `json:"type"`
	Ref         string       `json:"ref"` // user id, role name, unit id or level marker
	Weight      int          `json:"weight"`
	Order       int          `json:"order"` // meaningful only under the hierarchical strategy
	MaxValue    *int64       `json:"max_value,omitempty"` // cents; nil = unlimited
	CanDelegate bool         `json:"can_delegate"`
	Channels    []string     `json:"channels,omitempty"`
	// DelegatedFrom is set when this slot replaced another via delegation.
	DelegatedFrom *string `json:"delegated_from,omitempty"`
}

// SlotKey identifies an approver slot independent of delegation.
func (a Approver) SlotKey() string {
	if a.DelegatedFrom != nil {
		return *a.DelegatedFrom
	}
	return string(a.Type) + ":" + a.Ref
}

// Decision is one immutable entry in a request's decision log.
type Decision struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	ApproverID string    `json:"approver_id"` // the user who acted
	SlotKey    string    `json:"slot_key"`    // the approver slot the decision fills
	Outcome    Outcome   `json:"outcome"`
	Comment    *string   `json:"comment,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}

// ApprovalRequest is the central aggregate. Mutated only through state-machine
// transitions; decisions only grow; terminal requests are frozen.
type ApprovalRequest struct {
	ID                 string             `json:"id"`
	ActionType         string             `json:"action_type"`
	TargetEntity       string             `json:"target_entity"`
	TargetEntityID     string             `json:"target_entity_id"`
	RequesterID        string             `json:"requester_id"`
	Status             Status             `json:"status"`
	Strategy           Strategy           `json:"strategy"`
	CustomStrategy     string             `json:"custom_strategy,omitempty"` // registry key when Strategy == custom
	EscalationStrategy EscalationStrategy `json:"escalation_strategy"`
	Approvers          []Approver         `json:"approvers"`
	Decisions          []Decision         `json:"decisions"`
	DeadlineAt         time.Time          `json:"deadline_at"`
	Priority           Priority           `json:"priority"`
	Value              *int64             `json:"value,omitempty"` // cents; gates max-value constraints
	ContextData        map[string]any     `json:"context_data,omitempty"`
	Fingerprint        string             `json:"fingerprint"`
	EscalationCount    int                `json:"escalation_count"`
	Version            int                `json:"version"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// ApproverByKey returns the slot with the given key, or nil.
func (r *ApprovalRequest) ApproverByKey(key string) *Approver {
	for i := range r.Approvers {
		if r.Approvers[i].SlotKey() == key {
			return &r.Approvers[i]
		}
	}
	return nil
}

// DecisionBySlot returns the latest decision recorded for a slot, or nil.
func (r *ApprovalRequest) DecisionBySlot(slotKey string) *Decision {
	for i := len(r.Decisions) - 1; i >= 0; i-- {
		if r.Decisions[i].SlotKey == slotKey {
			return &r.Decisions[i]
		}
	}
	return nil
}

// ── Delegation ────────────────────────────────────────────────────────────────

// Delegation transfers decision authority from one approver to another for a
// bounded window. One hop only: a delegate's own delegations never extend a
// chain.
type Delegation struct {
	ID             string     `json:"id"`
	FromApproverID string     `json:"from_approver_id"`
	ToApproverID   string     `json:"to_approver_id"`
	ValidFrom      time.Time  `json:"valid_from"`
	ValidUntil     time.Time  `json:"valid_until"`
	MaxValue       *int64     `json:"max_value,omitempty"` // cents; nil = delegator's own limit
	Scope          *string    `json:"scope,omitempty"`     // action type; nil = all
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ActiveAt reports whether the delegation is in force at the given instant.
func (d *Delegation) ActiveAt(t time.Time) bool {
	if d.RevokedAt != nil && !t.Before(*d.RevokedAt) {
		return false
	}
	return !t.Before(d.ValidFrom) && !t.After(d.ValidUntil)
}

// Covers reports whether the delegation applies to the given action and value.
func (d *Delegation) Covers(actionType string, value *int64) bool {
	if d.Scope != nil && *d.Scope != actionType {
		return false
	}
	if d.MaxValue != nil && value != nil && *value > *d.MaxValue {
		return false
	}
	return true
}

// ── Escalation ────────────────────────────────────────────────────────────────

// EscalationEvent is one immutable record of an escalation occurrence.
type EscalationEvent struct {
	ID                 string             `json:"id"`
	RequestID          string             `json:"request_id"`
	TriggeredAt        time.Time          `json:"triggered_at"`
	Reason             EscalationReason   `json:"reason"`
	PreviousApprovers  []Approver         `json:"previous_approvers"`
	NewApprovers       []Approver         `json:"new_approvers"`
	StrategyUsed       EscalationStrategy `json:"strategy_used"`
	TriggeredBy        string             `json:"triggered_by"`
}

// ── Outbox ────────────────────────────────────────────────────────────────────

// QueuedEvent is the unit of work handed to the event dispatcher.
type QueuedEvent struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"created_at"`
	NotBefore time.Time `json:"not_before"`
}

// DeadLetter is a permanently undeliverable event set aside for inspection.
type DeadLetter struct {
	Event    QueuedEvent `json:"event"`
	Reason   string      `json:"reason"`
	FailedAt time.Time   `json:"failed_at"`
}

// ── Query filters ─────────────────────────────────────────────────────────────

// RequestFilter narrows ListRequests results. Zero values mean "any".
type RequestFilter struct {
	Status      *Status
	RequesterID string
	ActionType  string
	Limit       int
	Offset      int
}
