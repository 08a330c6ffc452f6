package service

import (
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// ActionPolicy declares how one critical action type is gated. The calling
// layer consults the registry before creating a request; the state machine
// uses it for defaults and validation.
type ActionPolicy struct {
	ActionType       string
	RequiresApproval bool
	// AutoApprove, when set, short-circuits the workflow for contexts it
	// accepts. Must be pure.
	AutoApprove func(contextData map[string]any) bool
	// AllowedRoles are roles with authority over this action type; empty
	// means any valid approver. Consulted for scoped delegations.
	AllowedRoles       []string
	DefaultStrategy    repository.Strategy
	DefaultEscalation  repository.EscalationStrategy
	DefaultDeadline    time.Duration
	DefaultPriority    repository.Priority
}

// ActionRegistry is the closed table of gated action types. Unknown action
// types are rejected at request creation.
type ActionRegistry struct {
	policies map[string]ActionPolicy
}

// NewActionRegistry creates a registry from the given policies.
func NewActionRegistry(policies ...ActionPolicy) *ActionRegistry {
	r := &ActionRegistry{policies: make(map[string]ActionPolicy, len(policies))}
	for _, p := range policies {
		r.policies[p.ActionType] = p
	}
	return r
}

// Register adds or replaces a policy.
func (r *ActionRegistry) Register(p ActionPolicy) {
	r.policies[p.ActionType] = p
}

// Lookup returns the policy for an action type.
func (r *ActionRegistry) Lookup(actionType string) (ActionPolicy, bool) {
	p, ok := r.policies[actionType]
	return p, ok
}

// DefaultRegistry returns the built-in policy table for the platform's gated
// actions.
func DefaultRegistry() *ActionRegistry {
	return NewActionRegistry(
		ActionPolicy{
			ActionType:        "cancel-grant",
			RequiresApproval:  true,
			AllowedRoles:      []string{"TEAM_LEAD", "DEPARTMENT_MANAGER"},
			DefaultStrategy:   repository.StrategyAnyOne,
			DefaultEscalation: repository.EscalateHierarchical,
			DefaultDeadline:   48 * time.Hour,
			DefaultPriority:   repository.PriorityNormal,
		},
		ActionPolicy{
			ActionType:        "suspend-benefit",
			RequiresApproval:  true,
			AllowedRoles:      []string{"DEPARTMENT_MANAGER", "FINANCE_DIRECTOR"},
			DefaultStrategy:   repository.StrategyMajority,
			DefaultEscalation: repository.EscalateHierarchical,
			DefaultDeadline:   24 * time.Hour,
			DefaultPriority:   repository.PriorityHigh,
		},
		ActionPolicy{
			ActionType:        "bulk-reprocess",
			RequiresApproval:  true,
			AllowedRoles:      []string{"FINANCE_DIRECTOR", "CFO"},
			DefaultStrategy:   repository.StrategyUnanimous,
			DefaultEscalation: repository.EscalateByPriority,
			DefaultDeadline:   12 * time.Hour,
			DefaultPriority:   repository.PriorityCritical,
		},
	)
}
