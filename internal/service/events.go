package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Dispatcher is the asynchronous event outlet. Enqueue must return quickly
// and never fail: broker or storage trouble is the dispatcher's problem, not
// the state machine's.
type Dispatcher interface {
	Enqueue(ctx context.Context, topic string, payload any) string
}

// Notification topics consumed by the notifications platform service.
const (
	TopicRequestCreated      = "request.created"
	TopicDecisionRecorded    = "decision.recorded"
	TopicDecisionApproved    = "decision.approved"
	TopicDecisionRejected    = "decision.rejected"
	TopicApprovalDelegated   = "approval.delegated"
	TopicInfoRequested       = "info.requested"
	TopicEscalationTriggered = "escalation.triggered"
	TopicRequestCancelled    = "request.cancelled"
	TopicRequestExpired      = "request.expired"
)

// TopicAuditRecorded carries one event per state transition to the audit
// service.
const TopicAuditRecorded = "audit.recorded"

// NotificationPayload is the JSON schema for notification topics.
type NotificationPayload struct {
	RequestID  string   `json:"request_id"`
	ActionType string   `json:"action_type"`
	Status     string   `json:"status"`
	Recipients []string `json:"recipients"`
	Summary    string   `json:"summary"`
	// Context passes the request's opaque context through to templates.
	Context map[string]any `json:"context,omitempty"`
}

// AuditPayload is the JSON schema for audit.recorded.
type AuditPayload struct {
	RequestID        string    `json:"request_id"`
	PreviousStatus   string    `json:"previous_status"`
	NewStatus        string    `json:"new_status"`
	ActorID          string    `json:"actor_id"`
	Timestamp        time.Time `json:"timestamp"`
	TransitionReason string    `json:"transition_reason"`
}

// notificationFor builds the payload for a request-scoped notification.
// Recipients are the requester plus every approver slot key; role, unit and
// level slots are resolved to concrete users by the notification consumer at
// send time.
func notificationFor(req *repository.ApprovalRequest, summary string) NotificationPayload {
	recipients := make([]string, 0, len(req.Approvers)+1)
	recipients = append(recipients, req.RequesterID)
	for _, a := range req.Approvers {
		recipients = append(recipients, string(a.Type)+":"+a.Ref)
	}
	return NotificationPayload{
		RequestID:  req.ID,
		ActionType: req.ActionType,
		Status:     string(req.Status),
		Recipients: recipients,
		Summary:    summary,
		Context:    req.ContextData,
	}
}

func auditFor(req *repository.ApprovalRequest, previous repository.Status, actorID, reason string, at time.Time) AuditPayload {
	return AuditPayload{
		RequestID:        req.ID,
		PreviousStatus:   string(previous),
		NewStatus:        string(req.Status),
		ActorID:          actorID,
		Timestamp:        at,
		TransitionReason: reason,
	}
}

func summarize(req *repository.ApprovalRequest, verb string) string {
	return fmt.Sprintf("%s request %s for %s/%s %s",
		req.ActionType, req.ID, req.TargetEntity, req.TargetEntityID, verb)
}

// pendingEvent is an event collected during a transition and emitted only
// after the transition is durable.
type pendingEvent struct {
	topic   string
	payload any
}
