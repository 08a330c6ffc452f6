package service

import (
	"sort"

	"github.com/pesio-ai/be-plt-approvals/internal/apperr"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Resolution is the outcome of evaluating a request's decision log against
// its strategy.
type Resolution struct {
	Decided bool
	Outcome repository.Outcome
}

// CustomStrategy is a pluggable resolution algorithm. Implementations must be
// pure and deterministic over the same inputs so replays and retries are safe.
type CustomStrategy interface {
	Name() string
	Resolve(approvers []repository.Approver, decisions []repository.Decision) (Resolution, error)
}

// Resolver evaluates whether a request is decided after each new decision.
// Built-in strategies are closed; custom strategies register by name so new
// algorithms never require touching the state machine.
type Resolver struct {
	custom map[string]CustomStrategy
}

// NewResolver creates a Resolver with no custom strategies registered.
func NewResolver() *Resolver {
	return &Resolver{custom: make(map[string]CustomStrategy)}
}

// Register adds a custom strategy. Registering a duplicate name is an error.
func (r *Resolver) Register(s CustomStrategy) error {
	if _, ok := r.custom[s.Name()]; ok {
		return apperr.Newf(apperr.CodeValidation, "custom strategy %q already registered", s.Name())
	}
	r.custom[s.Name()] = s
	return nil
}

// Resolve evaluates the request. It never mutates its argument.
func (r *Resolver) Resolve(req *repository.ApprovalRequest) (Resolution, error) {
	switch req.Strategy {
	case repository.StrategyAnyOne:
		return resolveAnyOne(req), nil
	case repository.StrategyUnanimous:
		return resolveUnanimous(req), nil
	case repository.StrategyMajority:
		return resolveMajority(req), nil
	case repository.StrategyHierarchical:
		return resolveHierarchical(req), nil
	case repository.StrategyCustom:
		s, ok := r.custom[req.CustomStrategy]
		if !ok {
			return Resolution{}, apperr.Newf(apperr.CodeValidation,
				"unknown custom strategy %q", req.CustomStrategy)
		}
		return s.Resolve(req.Approvers, req.Decisions)
	}
	return Resolution{}, apperr.Newf(apperr.CodeValidation, "unknown strategy %q", req.Strategy)
}

// effectiveOutcomes dedupes the decision log to one outcome per approver slot,
// latest decision winning.
func effectiveOutcomes(req *repository.ApprovalRequest) map[string]repository.Outcome {
	out := make(map[string]repository.Outcome, len(req.Decisions))
	for _, d := range req.Decisions {
		out[d.SlotKey] = d.Outcome
	}
	return out
}

// resolveAnyOne approves on the first approval. Rejection requires every
// approver to reject; the asymmetry with the approval condition is the
// specified product behavior, not an oversight.
func resolveAnyOne(req *repository.ApprovalRequest) Resolution {
	outcomes := effectiveOutcomes(req)
	rejects := 0
	for _, o := range outcomes {
		if o == repository.OutcomeApprove {
			return Resolution{Decided: true, Outcome: repository.OutcomeApprove}
		}
		rejects++
	}
	if rejects > 0 && rejects == len(req.Approvers) {
		return Resolution{Decided: true, Outcome: repository.OutcomeReject}
	}
	return Resolution{}
}

// resolveUnanimous rejects as soon as anyone rejects; approval requires every
// approver to approve.
func resolveUnanimous(req *repository.ApprovalRequest) Resolution {
	outcomes := effectiveOutcomes(req)
	approves := 0
	for _, o := range outcomes {
		if o == repository.OutcomeReject {
			return Resolution{Decided: true, Outcome: repository.OutcomeReject}
		}
		approves++
	}
	if approves == len(req.Approvers) {
		return Resolution{Decided: true, Outcome: repository.OutcomeApprove}
	}
	return Resolution{}
}

// resolveMajority resolves when either side reaches floor(n/2)+1. The quorum
// is asymmetric by construction so ties cannot resolve.
func resolveMajority(req *repository.ApprovalRequest) Resolution {
	quorum := len(req.Approvers)/2 + 1
	outcomes := effectiveOutcomes(req)

	approves, rejects := 0, 0
	for _, o := range outcomes {
		if o == repository.OutcomeApprove {
			approves++
		} else {
			rejects++
		}
	}
	if approves >= quorum {
		return Resolution{Decided: true, Outcome: repository.OutcomeApprove}
	}
	if rejects >= quorum {
		return Resolution{Decided: true, Outcome: repository.OutcomeReject}
	}
	return Resolution{}
}

// resolveHierarchical rejects on any rejection; approval requires every level
// to approve in order, resolving when the highest order index approves.
func resolveHierarchical(req *repository.ApprovalRequest) Resolution {
	outcomes := effectiveOutcomes(req)
	for _, o := range outcomes {
		if o == repository.OutcomeReject {
			return Resolution{Decided: true, Outcome: repository.OutcomeReject}
		}
	}
	for _, a := range sortedByOrder(req.Approvers) {
		if outcomes[a.SlotKey()] != repository.OutcomeApprove {
			return Resolution{}
		}
	}
	return Resolution{Decided: true, Outcome: repository.OutcomeApprove}
}

// CurrentHierarchicalSlot returns the approver whose turn it is: the slot
// with the lowest order index that has not yet approved. Nil when all levels
// have approved.
func CurrentHierarchicalSlot(req *repository.ApprovalRequest) *repository.Approver {
	outcomes := effectiveOutcomes(req)
	for _, a := range sortedByOrder(req.Approvers) {
		if outcomes[a.SlotKey()] != repository.OutcomeApprove {
			out := a
			return &out
		}
	}
	return nil
}

func sortedByOrder(approvers []repository.Approver) []repository.Approver {
	out := make([]repository.Approver, len(approvers))
	copy(out, approvers)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// ── Built-in custom strategy ──────────────────────────────────────────────────

// WeightedThreshold resolves by approver weight: approved once the approving
// weight reaches the threshold fraction of total weight, rejected once the
// outstanding weight can no longer reach it.
type WeightedThreshold struct {
	StrategyName string
	Threshold    float64 // fraction of total weight, (0, 1]
}

func (w WeightedThreshold) Name() string { return w.StrategyName }

func (w WeightedThreshold) Resolve(approvers []repository.Approver, decisions []repository.Decision) (Resolution, error) {
	if w.Threshold <= 0 || w.Threshold > 1 {
		return Resolution{}, apperr.InvalidInput("threshold", "must be in (0, 1]")
	}

	outcomes := make(map[string]repository.Outcome, len(decisions))
	for _, d := range decisions {
		outcomes[d.SlotKey] = d.Outcome
	}

	var total, approved, rejected float64
	for _, a := range approvers {
		weight := float64(a.Weight)
		if weight <= 0 {
			weight = 1
		}
		total += weight
		switch outcomes[a.SlotKey()] {
		case repository.OutcomeApprove:
			approved += weight
		case repository.OutcomeReject:
			rejected += weight
		}
	}

	needed := w.Threshold * total
	if approved >= needed {
		return Resolution{Decided: true, Outcome: repository.OutcomeApprove}, nil
	}
	if total-rejected < needed {
		return Resolution{Decided: true, Outcome: repository.OutcomeReject}, nil
	}
	return Resolution{}, nil
}
