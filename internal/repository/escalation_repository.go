package repository

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-plt-approvals/internal/apperr"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
)

// PGEscalationRepository appends and reads immutable escalation events. The
// table has no update path; Append is the only mutation exposed.
type PGEscalationRepository struct {
	db *database.DB
}

// NewPGEscalationRepository creates a new PGEscalationRepository.
func NewPGEscalationRepository(db *database.DB) *PGEscalationRepository {
	return &PGEscalationRepository{db: db}
}

// Append inserts one escalation event.
func (r *PGEscalationRepository) Append(ctx context.Context, ev *EscalationEvent) error {
	previous, err := json.Marshal(ev.PreviousApprovers)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "marshal previous approvers")
	}
	next, err := json.Marshal(ev.NewApprovers)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "marshal new approvers")
	}

	query := `
		INSERT INTO escalation_events
		    (id, request_id, triggered_at, reason,
		     previous_approvers, new_approvers, strategy_used, triggered_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = r.db.Exec(ctx, query,
		ev.ID, ev.RequestID, ev.TriggeredAt, ev.Reason,
		previous, next, ev.StrategyUsed, ev.TriggeredBy,
	)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to append escalation event")
	}
	return nil
}

// ListByRequest returns a request's escalation events oldest-first.
func (r *PGEscalationRepository) ListByRequest(ctx context.Context, requestID string) ([]*EscalationEvent, error) {
	query := `
		SELECT id, request_id, triggered_at, reason,
		       previous_approvers, new_approvers, strategy_used, triggered_by
		FROM escalation_events
		WHERE request_id = $1
		ORDER BY triggered_at ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list escalation events")
	}
	defer rows.Close()

	var events []*EscalationEvent
	for rows.Next() {
		ev := &EscalationEvent{}
		var previous, next []byte
		err := rows.Scan(
			&ev.ID, &ev.RequestID, &ev.TriggeredAt, &ev.Reason,
			&previous, &next, &ev.StrategyUsed, &ev.TriggeredBy,
		)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan escalation event")
		}
		if err := json.Unmarshal(previous, &ev.PreviousApprovers); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "unmarshal previous approvers")
		}
		if err := json.Unmarshal(next, &ev.NewApprovers); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "unmarshal new approvers")
		}
		events = append(events, ev)
	}
	return events, nil
}

var _ EscalationRepository = (*PGEscalationRepository)(nil)
