package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-approvals/internal/apperr"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// maxConflictRetries bounds how often a transition re-runs after losing an
// optimistic-concurrency race before surfacing the conflict.
const maxConflictRetries = 3

// SystemActor identifies transitions driven by the engine itself.
const SystemActor = "system"

// StateMachine owns every legal transition of an approval request. All
// mutations go through it; it validates the transition, applies it under an
// optimistic version guard, asks the resolver whether the request is now
// decided and hands resulting events to the dispatcher. Dispatcher failures
// never fail a transition.
type StateMachine struct {
	requests    repository.RequestRepository
	escalations repository.EscalationRepository
	delegations *DelegationManager
	resolver    *Resolver
	registry    *ActionRegistry
	dispatcher  Dispatcher
	directory   Directory
	log         zerolog.Logger
	now         func() time.Time
}

// NewStateMachine wires a StateMachine from its collaborators.
func NewStateMachine(
	requests repository.RequestRepository,
	escalations repository.EscalationRepository,
	delegations *DelegationManager,
	resolver *Resolver,
	registry *ActionRegistry,
	dispatcher Dispatcher,
	directory Directory,
	log zerolog.Logger,
) *StateMachine {
	return &StateMachine{
		requests:    requests,
		escalations: escalations,
		delegations: delegations,
		resolver:    resolver,
		registry:    registry,
		dispatcher:  dispatcher,
		directory:   directory,
		log:         log,
		now:         time.Now,
	}
}

// CreateRequest carries the inputs for a new approval request.
type CreateRequest struct {
	ActionType         string
	TargetEntity       string
	TargetEntityID     string
	Strategy           repository.Strategy
	CustomStrategy     string
	EscalationStrategy repository.EscalationStrategy
	Approvers          []repository.Approver
	Deadline           time.Time
	Priority           *repository.Priority
	Value              *int64
	ContextData        map[string]any
}

// ── Create ────────────────────────────────────────────────────────────────────

// Create validates and persists a new request in Pending, or Approved
// directly when the action policy auto-approves the context. Fails with
// DuplicateRequestError when an open request already exists for the same
// requester, action and context fingerprint.
func (m *StateMachine) Create(ctx context.Context, requesterID string, in CreateRequest) (*repository.ApprovalRequest, error) {
	if requesterID == "" {
		return nil, apperr.New(apperr.CodeUnauthenticated, "caller identity is required")
	}
	if in.ActionType == "" {
		return nil, apperr.InvalidInput("action_type", "is required")
	}
	if in.TargetEntity == "" || in.TargetEntityID == "" {
		return nil, apperr.InvalidInput("target", "target entity and id are required")
	}

	policy, ok := m.registry.Lookup(in.ActionType)
	if !ok {
		return nil, apperr.Newf(apperr.CodeValidation, "unknown action type %q", in.ActionType)
	}
	if !policy.RequiresApproval {
		return nil, apperr.Newf(apperr.CodeValidation,
			"action type %q does not require approval", in.ActionType)
	}

	strategy := in.Strategy
	if strategy == "" {
		strategy = policy.DefaultStrategy
	}
	if strategy == repository.StrategyCustom && in.CustomStrategy == "" {
		return nil, apperr.InvalidInput("custom_strategy", "is required for the custom strategy")
	}
	if len(in.Approvers) == 0 {
		return nil, apperr.InvalidInput("approvers", "at least one approver is required")
	}

	escalation := in.EscalationStrategy
	if escalation == "" {
		escalation = policy.DefaultEscalation
	}
	deadline := in.Deadline
	if deadline.IsZero() {
		deadline = m.now().Add(policy.DefaultDeadline)
	}
	priority := policy.DefaultPriority
	if in.Priority != nil {
		priority = *in.Priority
	}

	fingerprint := Fingerprint(in.ActionType, in.TargetEntity, in.TargetEntityID)
	if existing, err := m.requests.FindOpenDuplicate(ctx, requesterID, in.ActionType, fingerprint); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, apperr.Newf(apperr.CodeDuplicateRequest,
			"open request %s already exists for this action", existing.ID)
	}

	req := &repository.ApprovalRequest{
		ID:                 uuid.NewString(),
		ActionType:         in.ActionType,
		TargetEntity:       in.TargetEntity,
		TargetEntityID:     in.TargetEntityID,
		RequesterID:        requesterID,
		Status:             repository.StatusPending,
		Strategy:           strategy,
		CustomStrategy:     in.CustomStrategy,
		EscalationStrategy: escalation,
		Approvers:          in.Approvers,
		DeadlineAt:         deadline,
		Priority:           priority,
		Value:              in.Value,
		ContextData:        in.ContextData,
		Fingerprint:        fingerprint,
	}

	autoApproved := policy.AutoApprove != nil && policy.AutoApprove(in.ContextData)
	if autoApproved {
		req.Status = repository.StatusApproved
	}

	if err := m.requests.Create(ctx, req); err != nil {
		return nil, err
	}

	m.log.Info().
		Str("request_id", req.ID).
		Str("action_type", req.ActionType).
		Str("strategy", string(req.Strategy)).
		Bool("auto_approved", autoApproved).
		Msg("Approval request created")

	if autoApproved {
		m.emit(ctx, req,
			pendingEvent{TopicDecisionApproved, notificationFor(req, summarize(req, "auto-approved"))},
			pendingEvent{TopicAuditRecorded, auditFor(req, "", requesterID, "auto_approved", m.now())},
		)
	} else {
		m.emit(ctx, req,
			pendingEvent{TopicRequestCreated, notificationFor(req, summarize(req, "awaiting approval"))},
			pendingEvent{TopicAuditRecorded, auditFor(req, "", requesterID, "created", m.now())},
		)
	}
	return req, nil
}

// Fingerprint hashes the documented subset of request context used for
// duplicate detection: action type plus target reference. Deliberately not a
// hash of the whole context payload.
func Fingerprint(actionType, targetEntity, targetEntityID string) string {
	sum := sha256.Sum256([]byte(actionType + "|" + targetEntity + "|" + targetEntityID))
	return hex.EncodeToString(sum[:])
}

// ── Decide ────────────────────────────────────────────────────────────────────

// Decide records one approver's verdict and resolves the request when the
// strategy is satisfied. Resubmitting the same outcome is an idempotent
// no-op; a contradicting resubmission fails with AlreadyDecidedError.
func (m *StateMachine) Decide(ctx context.Context, requestID, approverID string, outcome repository.Outcome, comment *string) (*repository.ApprovalRequest, error) {
	if approverID == "" {
		return nil, apperr.New(apperr.CodeUnauthenticated, "caller identity is required")
	}
	if outcome != repository.OutcomeApprove && outcome != repository.OutcomeReject {
		return nil, apperr.InvalidInput("outcome", "must be approve or reject")
	}

	return m.transition(ctx, requestID, func(req *repository.ApprovalRequest, events *[]pendingEvent) (bool, error) {
		if req.Status.Terminal() {
			return false, apperr.Newf(apperr.CodeInvalidState,
				"request %s is %s and accepts no further decisions", req.ID, req.Status)
		}

		slot, delegation, err := m.delegations.EffectiveSlot(ctx, req, approverID)
		if err != nil {
			return false, err
		}
		if slot == nil {
			return false, apperr.Newf(apperr.CodeUnauthorizedDecision,
				"%s is not an effective approver of request %s", approverID, req.ID)
		}
		if req.Strategy == repository.StrategyHierarchical {
			current := CurrentHierarchicalSlot(req)
			if current == nil || current.SlotKey() != slot.SlotKey() {
				return false, apperr.Newf(apperr.CodeUnauthorizedDecision,
					"it is not %s's turn to decide on request %s", approverID, req.ID)
			}
		}
		if slot.MaxValue != nil && req.Value != nil && *req.Value > *slot.MaxValue {
			return false, apperr.Newf(apperr.CodeUnauthorizedDecision,
				"request value exceeds %s's approval limit", approverID)
		}

		if prev := req.DecisionBySlot(slot.SlotKey()); prev != nil {
			if prev.Outcome == outcome {
				return false, nil // idempotent resubmission
			}
			return false, apperr.Newf(apperr.CodeAlreadyDecided,
				"%s already decided %s on request %s", approverID, prev.Outcome, req.ID)
		}

		req.Decisions = append(req.Decisions, repository.Decision{
			RequestID:  req.ID,
			ApproverID: approverID,
			SlotKey:    slot.SlotKey(),
			Outcome:    outcome,
			Comment:    comment,
			DecidedAt:  m.now(),
		})

		resolution, err := m.resolver.Resolve(req)
		if err != nil {
			return false, err
		}

		previous := req.Status
		reason := "decision_recorded"
		topic := TopicDecisionRecorded
		verb := fmt.Sprintf("received a decision from %s", approverID)

		switch {
		case resolution.Decided && resolution.Outcome == repository.OutcomeApprove:
			req.Status = repository.StatusApproved
			topic, reason, verb = TopicDecisionApproved, "approved", "approved"
		case resolution.Decided:
			req.Status = repository.StatusRejected
			topic, reason, verb = TopicDecisionRejected, "rejected", "rejected"
		case req.Status == repository.StatusPending || req.Status == repository.StatusEscalated:
			req.Status = repository.StatusInAnalysis
		}

		if delegation != nil {
			m.log.Info().
				Str("request_id", req.ID).
				Str("delegation_id", delegation.ID).
				Str("acted_by", approverID).
				Str("on_behalf_of", delegation.FromApproverID).
				Msg("Decision recorded via delegation")
		}

		*events = append(*events,
			pendingEvent{topic, notificationFor(req, summarize(req, verb))},
			pendingEvent{TopicAuditRecorded, auditFor(req, previous, approverID, reason, m.now())},
		)
		return true, nil
	})
}

// ── Delegate ──────────────────────────────────────────────────────────────────

// Delegate re-points an approver slot at the delegate of an active
// delegation, for this request only.
func (m *StateMachine) Delegate(ctx context.Context, requestID, fromApproverID, toApproverID string, scopeOverride *string) (*repository.ApprovalRequest, error) {
	if fromApproverID == "" {
		return nil, apperr.New(apperr.CodeUnauthenticated, "caller identity is required")
	}

	return m.transition(ctx, requestID, func(req *repository.ApprovalRequest, events *[]pendingEvent) (bool, error) {
		if req.Status.Terminal() {
			return false, apperr.Newf(apperr.CodeInvalidState,
				"request %s is %s and cannot be delegated", req.ID, req.Status)
		}
		if scopeOverride != nil && *scopeOverride != req.ActionType {
			return false, apperr.Newf(apperr.CodeInvalidDelegation,
				"scope %q does not cover action type %q", *scopeOverride, req.ActionType)
		}

		slot, _, err := m.delegations.EffectiveSlot(ctx, req, fromApproverID)
		if err != nil {
			return false, err
		}
		if slot == nil {
			return false, apperr.Newf(apperr.CodeUnauthorizedDecision,
				"%s is not an effective approver of request %s", fromApproverID, req.ID)
		}
		if !slot.CanDelegate {
			return false, apperr.Newf(apperr.CodeInvalidDelegation,
				"approver slot %s does not allow delegation", slot.SlotKey())
		}

		// The standing delegation record must already exist and be active.
		active, err := m.delegations.ActiveDelegationsTo(ctx, toApproverID)
		if err != nil {
			return false, err
		}
		var match *repository.Delegation
		for _, d := range active {
			if d.FromApproverID == fromApproverID && d.Covers(req.ActionType, req.Value) {
				match = d
				break
			}
		}
		if match == nil {
			return false, apperr.Newf(apperr.CodeInvalidDelegation,
				"no active delegation from %s to %s covers this request", fromApproverID, toApproverID)
		}

		key := slot.SlotKey()
		slot.Type = repository.ApproverUser
		slot.Ref = toApproverID
		slot.DelegatedFrom = &key

		*events = append(*events,
			pendingEvent{TopicApprovalDelegated, notificationFor(req, summarize(req, "delegated to "+toApproverID))},
			pendingEvent{TopicAuditRecorded, auditFor(req, req.Status, fromApproverID, "delegated", m.now())},
		)
		return true, nil
	})
}

// ── RequestInfo ───────────────────────────────────────────────────────────────

// RequestInfo asks the requester for more information. Moves Pending to
// InAnalysis; a request already under analysis keeps its status.
func (m *StateMachine) RequestInfo(ctx context.Context, requestID, approverID, message string) (*repository.ApprovalRequest, error) {
	if approverID == "" {
		return nil, apperr.New(apperr.CodeUnauthenticated, "caller identity is required")
	}
	if message == "" {
		return nil, apperr.InvalidInput("message", "is required")
	}

	return m.transition(ctx, requestID, func(req *repository.ApprovalRequest, events *[]pendingEvent) (bool, error) {
		if req.Status.Terminal() {
			return false, apperr.Newf(apperr.CodeInvalidState,
				"request %s is %s and cannot take info requests", req.ID, req.Status)
		}
		ok, err := m.delegations.IsEffectiveApprover(ctx, req, approverID)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, apperr.Newf(apperr.CodeUnauthorizedDecision,
				"%s is not an effective approver of request %s", approverID, req.ID)
		}

		previous := req.Status
		changed := false
		if req.Status == repository.StatusPending {
			req.Status = repository.StatusInAnalysis
			changed = true
		}

		payload := notificationFor(req, message)
		payload.Recipients = []string{req.RequesterID}
		*events = append(*events, pendingEvent{TopicInfoRequested, payload})
		if changed {
			*events = append(*events,
				pendingEvent{TopicAuditRecorded, auditFor(req, previous, approverID, "info_requested", m.now())})
		}
		return true, nil
	})
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// Cancel terminates a non-terminal request. Only the requester or an admin
// may cancel.
func (m *StateMachine) Cancel(ctx context.Context, requestID, actorID, reason string) error {
	if actorID == "" {
		return apperr.New(apperr.CodeUnauthenticated, "caller identity is required")
	}

	_, err := m.transition(ctx, requestID, func(req *repository.ApprovalRequest, events *[]pendingEvent) (bool, error) {
		if req.Status.Terminal() {
			return false, apperr.Newf(apperr.CodeInvalidState,
				"request %s is already %s", req.ID, req.Status)
		}
		if req.RequesterID != actorID {
			roles, err := m.directory.GetUserRoles(ctx, actorID)
			if err != nil {
				return false, apperr.Wrap(err, apperr.CodeInternal, "resolve actor roles")
			}
			if !hasRole(roles, AdminRole) {
				return false, apperr.New(apperr.CodeUnauthorizedDecision,
					"only the requester or an admin can cancel a request")
			}
		}

		previous := req.Status
		req.Status = repository.StatusCancelled

		*events = append(*events,
			pendingEvent{TopicRequestCancelled, notificationFor(req, summarize(req, "cancelled: "+reason))},
			pendingEvent{TopicAuditRecorded, auditFor(req, previous, actorID, "cancelled: "+reason, m.now())},
		)
		return true, nil
	})
	return err
}

// ── Escalate ──────────────────────────────────────────────────────────────────

// Escalate replaces or widens the approver set and extends the deadline by
// the grace window. Driven by the escalation engine (reason Time) or an admin
// (reason Manual). The transition is conditioned on the deadline still being
// breached at commit time — for manual escalations the deadline check is
// skipped — so two concurrent sweeps never escalate the same breach twice.
func (m *StateMachine) Escalate(
	ctx context.Context,
	requestID string,
	newApprovers []repository.Approver,
	strategy repository.EscalationStrategy,
	reason repository.EscalationReason,
	actorID string,
	grace time.Duration,
) (*repository.ApprovalRequest, error) {
	if actorID == "" {
		return nil, apperr.New(apperr.CodeUnauthenticated, "caller identity is required")
	}

	// The history record is built inside the closure but persisted only after
	// the version-guarded update commits: a sweep that loses the optimistic
	// race retries, sees the extended deadline and no-ops, so the breach gets
	// exactly one event.
	var event *repository.EscalationEvent

	req, err := m.transition(ctx, requestID, func(req *repository.ApprovalRequest, events *[]pendingEvent) (bool, error) {
		event = nil
		if req.Status.Terminal() {
			return false, apperr.Newf(apperr.CodeInvalidState,
				"request %s is %s and cannot be escalated", req.ID, req.Status)
		}
		if reason != repository.EscalationReasonManual && req.DeadlineAt.After(m.now()) {
			// Another sweep already handled this breach.
			return false, nil
		}
		if reason == repository.EscalationReasonManual {
			roles, err := m.directory.GetUserRoles(ctx, actorID)
			if err != nil {
				return false, apperr.Wrap(err, apperr.CodeInternal, "resolve actor roles")
			}
			if actorID != SystemActor && !hasRole(roles, AdminRole) {
				return false, apperr.New(apperr.CodeUnauthorizedDecision,
					"only an admin can escalate manually")
			}
		}

		previous := req.Status
		previousApprovers := make([]repository.Approver, len(req.Approvers))
		copy(previousApprovers, req.Approvers)

		if len(newApprovers) > 0 {
			req.Approvers = newApprovers
		}
		req.Status = repository.StatusEscalated
		if grace > 0 {
			req.DeadlineAt = m.now().Add(grace)
		}
		req.EscalationCount++

		event = &repository.EscalationEvent{
			ID:                uuid.NewString(),
			RequestID:         req.ID,
			TriggeredAt:       m.now(),
			Reason:            reason,
			PreviousApprovers: previousApprovers,
			NewApprovers:      req.Approvers,
			StrategyUsed:      strategy,
			TriggeredBy:       actorID,
		}

		*events = append(*events,
			pendingEvent{TopicEscalationTriggered, notificationFor(req, summarize(req, "escalated"))},
			pendingEvent{TopicAuditRecorded, auditFor(req, previous, actorID, "escalated:"+string(reason), m.now())},
		)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if event != nil {
		// The status change is already durable; a failed history append is
		// logged, not surfaced.
		if aerr := m.escalations.Append(ctx, event); aerr != nil {
			m.log.Error().Err(aerr).
				Str("request_id", requestID).
				Str("escalation_id", event.ID).
				Msg("Failed to record escalation event")
		}
	}
	return req, nil
}

// ── Expire ────────────────────────────────────────────────────────────────────

// Expire terminates a request with no remaining decision path. Invoked only
// by the escalation engine.
func (m *StateMachine) Expire(ctx context.Context, requestID string) error {
	_, err := m.transition(ctx, requestID, func(req *repository.ApprovalRequest, events *[]pendingEvent) (bool, error) {
		if req.Status.Terminal() {
			return false, nil // already settled; expiry is idempotent
		}

		previous := req.Status
		req.Status = repository.StatusExpired

		*events = append(*events,
			pendingEvent{TopicRequestExpired, notificationFor(req, summarize(req, "expired without resolution"))},
			pendingEvent{TopicAuditRecorded, auditFor(req, previous, SystemActor, "expired", m.now())},
		)
		return true, nil
	})
	return err
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetByID returns a request with its decision log.
func (m *StateMachine) GetByID(ctx context.Context, requestID string) (*repository.ApprovalRequest, error) {
	return m.requests.GetByID(ctx, requestID)
}

// List returns requests matching the filter.
func (m *StateMachine) List(ctx context.Context, filter repository.RequestFilter) ([]*repository.ApprovalRequest, error) {
	return m.requests.List(ctx, filter)
}

// PendingFor returns open requests awaiting action from the given user.
func (m *StateMachine) PendingFor(ctx context.Context, approverID string) ([]*repository.ApprovalRequest, error) {
	return m.requests.ListPendingForApprover(ctx, approverID)
}

// History is a request's full trail: the decision log plus every escalation.
type History struct {
	Request     *repository.ApprovalRequest   `json:"request"`
	Decisions   []repository.Decision         `json:"decisions"`
	Escalations []*repository.EscalationEvent `json:"escalations"`
}

// GetHistory returns the request with its decisions and escalation events.
func (m *StateMachine) GetHistory(ctx context.Context, requestID string) (*History, error) {
	req, err := m.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	escalations, err := m.escalations.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &History{Request: req, Decisions: req.Decisions, Escalations: escalations}, nil
}

// ── Internal machinery ────────────────────────────────────────────────────────

// transition runs a read-modify-write cycle under the optimistic version
// guard, retrying a bounded number of times on conflict. Events collected by
// fn are dispatched only after the write commits; fn returning false persists
// nothing (used for idempotent no-ops).
func (m *StateMachine) transition(
	ctx context.Context,
	requestID string,
	fn func(req *repository.ApprovalRequest, events *[]pendingEvent) (bool, error),
) (*repository.ApprovalRequest, error) {
	var lastErr error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		req, err := m.requests.GetByID(ctx, requestID)
		if err != nil {
			return nil, err
		}

		var events []pendingEvent
		changed, err := fn(req, &events)
		if err != nil {
			return nil, err
		}
		if !changed {
			return req, nil
		}

		if err := m.requests.Update(ctx, req); err != nil {
			if apperr.IsCode(err, apperr.CodeConcurrentModification) {
				lastErr = err
				continue
			}
			return nil, err
		}

		m.emit(ctx, req, events...)
		return req, nil
	}
	return nil, lastErr
}

// emit hands events to the dispatcher. Enqueue never fails by contract; this
// is purely fire-and-forget from the transition's point of view.
func (m *StateMachine) emit(ctx context.Context, req *repository.ApprovalRequest, events ...pendingEvent) {
	for _, ev := range events {
		id := m.dispatcher.Enqueue(ctx, ev.topic, ev.payload)
		m.log.Debug().
			Str("request_id", req.ID).
			Str("topic", ev.topic).
			Str("event_id", id).
			Msg("Event enqueued")
	}
}
