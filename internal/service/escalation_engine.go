package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// EscalationConfig tunes the deadline sweeper.
type EscalationConfig struct {
	TickInterval   time.Duration
	GraceWindow    time.Duration
	MaxEscalations int
	BatchSize      int
	// RoleLadder is the organizational ladder, lowest rung first, used to
	// compute escalation targets.
	RoleLadder []string
}

// EscalationEngine sweeps open requests past their deadline and drives the
// state machine's escalate/expire entry points. Multiple instances may run
// concurrently; the state machine's commit-time deadline check keeps each
// breach escalated exactly once.
type EscalationEngine struct {
	sm       *StateMachine
	requests repository.RequestRepository
	cfg      EscalationConfig
	log      zerolog.Logger
	now      func() time.Time
}

// NewEscalationEngine creates an EscalationEngine.
func NewEscalationEngine(sm *StateMachine, requests repository.RequestRepository, cfg EscalationConfig, log zerolog.Logger) *EscalationEngine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &EscalationEngine{
		sm:       sm,
		requests: requests,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Run ticks until the context is cancelled.
func (e *EscalationEngine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.log.Info().
		Dur("interval", e.cfg.TickInterval).
		Int("max_escalations", e.cfg.MaxEscalations).
		Msg("Escalation engine started")

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("Escalation engine stopped")
			return
		case <-ticker.C:
			escalated, expired := e.Tick(ctx)
			if escalated > 0 || expired > 0 {
				e.log.Info().
					Int("escalated", escalated).
					Int("expired", expired).
					Msg("Escalation tick completed")
			}
		}
	}
}

// Tick processes one sweep. A failure on one request never aborts the rest of
// the batch.
func (e *EscalationEngine) Tick(ctx context.Context) (escalated, expired int) {
	now := e.now()
	breached, err := e.requests.ListOpenPastDeadline(ctx, now, e.cfg.BatchSize)
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to list breached requests")
		return 0, 0
	}

	for _, req := range breached {
		if ctx.Err() != nil {
			return escalated, expired
		}

		if req.EscalationCount >= e.cfg.MaxEscalations {
			if err := e.sm.Expire(ctx, req.ID); err != nil {
				e.log.Error().Err(err).Str("request_id", req.ID).Msg("Failed to expire request")
				continue
			}
			expired++
			continue
		}

		newApprovers := e.escalationTargets(req)
		_, err := e.sm.Escalate(ctx, req.ID, newApprovers, req.EscalationStrategy,
			repository.EscalationReasonTime, SystemActor, e.cfg.GraceWindow)
		if err != nil {
			e.log.Error().Err(err).Str("request_id", req.ID).Msg("Failed to escalate request")
			continue
		}
		escalated++
	}
	return escalated, expired
}

// escalationTargets computes the new approver set per the request's
// escalation strategy. Manual strategy flags only: the approver set is
// untouched and a human reassigns.
func (e *EscalationEngine) escalationTargets(req *repository.ApprovalRequest) []repository.Approver {
	switch req.EscalationStrategy {
	case repository.EscalateHierarchical:
		return e.promote(req.Approvers)
	case repository.EscalateByPriority:
		return e.widen(req)
	case repository.EscalateManual:
		return nil
	}
	return nil
}

// promote moves each role-typed approver one rung up the ladder. Approvers
// with no ladder position (user slots, unknown roles) are replaced with the
// lowest rung, so a breached request never keeps a non-responsive approver
// as its only path.
func (e *EscalationEngine) promote(approvers []repository.Approver) []repository.Approver {
	if len(e.cfg.RoleLadder) == 0 {
		return nil
	}
	out := make([]repository.Approver, len(approvers))
	copy(out, approvers)
	for i := range out {
		out[i].Ref = e.nextRung(out[i])
		out[i].Type = repository.ApproverRole
		out[i].DelegatedFrom = nil
	}
	return out
}

func (e *EscalationEngine) nextRung(a repository.Approver) string {
	ladder := e.cfg.RoleLadder
	if a.Type == repository.ApproverRole || a.Type == repository.ApproverLevel {
		for i, rung := range ladder {
			if rung == a.Ref && i+1 < len(ladder) {
				return ladder[i+1]
			}
			if rung == a.Ref {
				return rung // already at the top
			}
		}
	}
	return ladder[0]
}

// widen keeps the current approvers and adds ladder roles, more of them the
// higher the request's priority.
func (e *EscalationEngine) widen(req *repository.ApprovalRequest) []repository.Approver {
	if len(e.cfg.RoleLadder) == 0 {
		return nil
	}

	extra := 1 + int(req.Priority)/2
	if extra > len(e.cfg.RoleLadder) {
		extra = len(e.cfg.RoleLadder)
	}

	present := make(map[string]bool, len(req.Approvers))
	for _, a := range req.Approvers {
		present[a.SlotKey()] = true
	}

	out := make([]repository.Approver, len(req.Approvers))
	copy(out, req.Approvers)
	maxOrder := 0
	for _, a := range out {
		if a.Order > maxOrder {
			maxOrder = a.Order
		}
	}

	added := 0
	for i := len(e.cfg.RoleLadder) - 1; i >= 0 && added < extra; i-- {
		candidate := repository.Approver{
			Type:        repository.ApproverRole,
			Ref:         e.cfg.RoleLadder[i],
			Weight:      1,
			Order:       maxOrder + added + 1,
			CanDelegate: true,
		}
		if present[candidate.SlotKey()] {
			continue
		}
		out = append(out, candidate)
		added++
	}
	return out
}
