package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-approvals/internal/apperr"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// maxDelegationSpan caps how long a single delegation may last.
const maxDelegationSpan = 90 * 24 * time.Hour

// DelegationManager validates and applies transfers of approval authority,
// and answers who may effectively decide on a request.
type DelegationManager struct {
	delegations repository.DelegationRepository
	directory   Directory
	registry    *ActionRegistry
	log         zerolog.Logger
	now         func() time.Time
}

// NewDelegationManager creates a DelegationManager.
func NewDelegationManager(
	delegations repository.DelegationRepository,
	directory Directory,
	registry *ActionRegistry,
	log zerolog.Logger,
) *DelegationManager {
	return &DelegationManager{
		delegations: delegations,
		directory:   directory,
		registry:    registry,
		log:         log,
		now:         time.Now,
	}
}

// CreateDelegation validates and records a delegation.
func (m *DelegationManager) CreateDelegation(
	ctx context.Context,
	from, to string,
	validFrom, validUntil time.Time,
	maxValue *int64,
	scope *string,
) (*repository.Delegation, error) {
	if from == "" || to == "" {
		return nil, apperr.InvalidInput("delegation", "both parties are required")
	}
	if from == to {
		return nil, apperr.New(apperr.CodeInvalidDelegation, "cannot delegate to yourself")
	}
	if !validFrom.Before(validUntil) {
		return nil, apperr.New(apperr.CodeInvalidDelegation, "valid_from must precede valid_until")
	}
	if validUntil.Sub(validFrom) > maxDelegationSpan {
		return nil, apperr.New(apperr.CodeInvalidDelegation, "delegation span exceeds 90 days")
	}

	fromRoles, err := m.directory.GetUserRoles(ctx, from)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "resolve delegator roles")
	}
	if len(fromRoles) == 0 {
		return nil, apperr.Newf(apperr.CodeInvalidDelegation, "%s is not a valid approver", from)
	}
	toRoles, err := m.directory.GetUserRoles(ctx, to)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "resolve delegate roles")
	}
	if len(toRoles) == 0 {
		return nil, apperr.Newf(apperr.CodeInvalidDelegation, "%s is not a valid approver", to)
	}

	if scope != nil {
		policy, ok := m.registry.Lookup(*scope)
		if !ok {
			return nil, apperr.Newf(apperr.CodeInvalidDelegation, "unknown scope %q", *scope)
		}
		if len(policy.AllowedRoles) > 0 && !hasAnyRole(fromRoles, policy.AllowedRoles) {
			return nil, apperr.Newf(apperr.CodeInvalidDelegation,
				"%s lacks authority over scope %q", from, *scope)
		}
	}

	d := &repository.Delegation{
		ID:             uuid.NewString(),
		FromApproverID: from,
		ToApproverID:   to,
		ValidFrom:      validFrom,
		ValidUntil:     validUntil,
		MaxValue:       maxValue,
		Scope:          scope,
	}
	if err := m.delegations.Create(ctx, d); err != nil {
		return nil, err
	}

	m.log.Info().
		Str("delegation_id", d.ID).
		Str("from", from).
		Str("to", to).
		Time("valid_until", validUntil).
		Msg("Delegation created")
	return d, nil
}

// RevokeDelegation ends a delegation immediately. Only the delegator or an
// admin may revoke.
func (m *DelegationManager) RevokeDelegation(ctx context.Context, id, actorID string) error {
	if actorID == "" {
		return apperr.New(apperr.CodeUnauthenticated, "caller identity is required")
	}

	d, err := m.delegations.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if d.FromApproverID != actorID {
		roles, err := m.directory.GetUserRoles(ctx, actorID)
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "resolve actor roles")
		}
		if !hasRole(roles, AdminRole) {
			return apperr.New(apperr.CodeUnauthorizedDecision,
				"only the delegator or an admin can revoke a delegation")
		}
	}
	return m.delegations.Revoke(ctx, id, m.now())
}

// ListByDelegator returns all delegations created by an approver.
func (m *DelegationManager) ListByDelegator(ctx context.Context, fromApproverID string) ([]*repository.Delegation, error) {
	return m.delegations.ListByDelegator(ctx, fromApproverID)
}

// ActiveDelegationsTo returns the delegations currently in force that name
// userID as the delegate.
func (m *DelegationManager) ActiveDelegationsTo(ctx context.Context, userID string) ([]*repository.Delegation, error) {
	return m.delegations.ActiveTo(ctx, userID, m.now())
}

// EffectiveSlot returns the approver slot userID may act for on this request:
// a slot the user fills directly, or one whose holder has an active, in-scope
// delegation to the user. One hop only; a delegate's own delegations never
// chain. The delegation used is returned alongside, nil for direct matches.
func (m *DelegationManager) EffectiveSlot(
	ctx context.Context,
	req *repository.ApprovalRequest,
	userID string,
) (*repository.Approver, *repository.Delegation, error) {
	roles, err := m.directory.GetUserRoles(ctx, userID)
	if err != nil {
		return nil, nil, apperr.Wrap(err, apperr.CodeInternal, "resolve user roles")
	}

	// Direct match first.
	for i := range req.Approvers {
		if m.slotMatches(&req.Approvers[i], userID, roles) {
			return &req.Approvers[i], nil, nil
		}
	}

	// One-hop delegation: an active delegation to userID whose delegator
	// directly fills a delegable slot.
	active, err := m.delegations.ActiveTo(ctx, userID, m.now())
	if err != nil {
		return nil, nil, err
	}
	for _, d := range active {
		if !d.Covers(req.ActionType, req.Value) {
			continue
		}
		delegatorRoles, err := m.directory.GetUserRoles(ctx, d.FromApproverID)
		if err != nil {
			return nil, nil, apperr.Wrap(err, apperr.CodeInternal, "resolve delegator roles")
		}
		for i := range req.Approvers {
			slot := &req.Approvers[i]
			if !slot.CanDelegate {
				continue
			}
			if m.slotMatches(slot, d.FromApproverID, delegatorRoles) {
				return slot, d, nil
			}
		}
	}
	return nil, nil, nil
}

// IsEffectiveApprover reports whether userID may decide on the request,
// directly or via an active delegation.
func (m *DelegationManager) IsEffectiveApprover(ctx context.Context, req *repository.ApprovalRequest, userID string) (bool, error) {
	slot, _, err := m.EffectiveSlot(ctx, req, userID)
	if err != nil {
		return false, err
	}
	return slot != nil, nil
}

// slotMatches reports whether the user fills the slot directly. Role, unit
// and level slots all resolve through directory role membership.
func (m *DelegationManager) slotMatches(slot *repository.Approver, userID string, roles []string) bool {
	switch slot.Type {
	case repository.ApproverUser:
		return slot.Ref == userID
	case repository.ApproverRole, repository.ApproverUnit, repository.ApproverLevel:
		return hasRole(roles, slot.Ref)
	}
	return false
}

func hasAnyRole(roles, wanted []string) bool {
	for _, w := range wanted {
		if hasRole(roles, w) {
			return true
		}
	}
	return false
}
