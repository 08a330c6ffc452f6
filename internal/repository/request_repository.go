package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/apperr"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
)

// PGRequestRepository is the Postgres implementation of RequestRepository.
// Approvers and context data live as JSONB on the request row; decisions are
// a separate append-only table. Concurrent writers are serialized by the
// version column.
type PGRequestRepository struct {
	db *database.DB
}

// NewPGRequestRepository creates a new PGRequestRepository.
func NewPGRequestRepository(db *database.DB) *PGRequestRepository {
	return &PGRequestRepository{db: db}
}

const requestColumns = `
	id, action_type, target_entity, target_entity_id, requester_id,
	status, strategy, custom_strategy, escalation_strategy,
	approvers, deadline_at, priority, value, context_data,
	fingerprint, escalation_count, version, created_at, updated_at`

// Create inserts a new request. A partial unique index on
// (requester_id, action_type, fingerprint) scoped to open statuses backstops
// the duplicate check done in the service layer.
func (r *PGRequestRepository) Create(ctx context.Context, req *ApprovalRequest) error {
	approvers, err := json.Marshal(req.Approvers)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "marshal approvers")
	}
	contextData, err := json.Marshal(req.ContextData)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "marshal context data")
	}

	query := `
		INSERT INTO approval_requests
		    (id, action_type, target_entity, target_entity_id, requester_id,
		     status, strategy, custom_strategy, escalation_strategy,
		     approvers, deadline_at, priority, value, context_data,
		     fingerprint, escalation_count, version)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11, $12, $13, $14,
		        $15, $16, $17)
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		req.ID,
		req.ActionType,
		req.TargetEntity,
		req.TargetEntityID,
		req.RequesterID,
		req.Status,
		req.Strategy,
		req.CustomStrategy,
		req.EscalationStrategy,
		approvers,
		req.DeadlineAt,
		int(req.Priority),
		req.Value,
		contextData,
		req.Fingerprint,
		req.EscalationCount,
		req.Version,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to create approval request")
	}
	return nil
}

// GetByID retrieves a request with its full decision log.
func (r *PGRequestRepository) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = $1`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadDecisions(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// FindOpenDuplicate returns an open request matching the duplicate key, or nil.
func (r *PGRequestRepository) FindOpenDuplicate(ctx context.Context, requesterID, actionType, fingerprint string) (*ApprovalRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE requester_id = $1
		  AND action_type = $2
		  AND fingerprint = $3
		  AND status IN ('pending', 'in_analysis', 'escalated')
		LIMIT 1
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, requesterID, actionType, fingerprint))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Update persists the mutable aggregate fields and appends new decisions
// (those without an id) in one transaction, guarded by the version column.
func (r *PGRequestRepository) Update(ctx context.Context, req *ApprovalRequest) error {
	approvers, err := json.Marshal(req.Approvers)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "marshal approvers")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE approval_requests
			SET status           = $3,
			    approvers        = $4,
			    deadline_at      = $5,
			    escalation_count = $6,
			    version          = version + 1,
			    updated_at       = NOW()
			WHERE id = $1 AND version = $2
			RETURNING version, updated_at
		`

		err := tx.QueryRow(ctx, query,
			req.ID,
			req.Version,
			req.Status,
			approvers,
			req.DeadlineAt,
			req.EscalationCount,
		).Scan(&req.Version, &req.UpdatedAt)
		if err == pgx.ErrNoRows {
			return apperr.Newf(apperr.CodeConcurrentModification,
				"approval request %s was modified concurrently", req.ID)
		}
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "failed to update approval request")
		}

		insert := `
			INSERT INTO approval_decisions
			    (id, request_id, approver_id, slot_key, outcome, comment, decided_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`
		for i := range req.Decisions {
			d := &req.Decisions[i]
			if d.ID != "" {
				continue
			}
			d.ID = uuid.NewString()
			d.RequestID = req.ID
			if _, err := tx.Exec(ctx, insert,
				d.ID, d.RequestID, d.ApproverID, d.SlotKey, d.Outcome, d.Comment, d.DecidedAt,
			); err != nil {
				return apperr.Wrap(err, apperr.CodeInternal, "failed to append decision")
			}
		}
		return nil
	})
}

// ListOpenPastDeadline returns open requests past their deadline, highest
// priority first, oldest deadline first within a priority.
func (r *PGRequestRepository) ListOpenPastDeadline(ctx context.Context, now time.Time, limit int) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE status IN ('pending', 'in_analysis', 'escalated')
		  AND deadline_at <= $1
		ORDER BY priority DESC, deadline_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list breached requests")
	}
	defer rows.Close()

	return r.scanRows(ctx, rows)
}

// List returns requests matching the filter, newest first.
func (r *PGRequestRepository) List(ctx context.Context, filter RequestFilter) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE ($1::text IS NULL OR status = $1)
		  AND ($2 = '' OR requester_id = $2)
		  AND ($3 = '' OR action_type = $3)
		ORDER BY priority DESC, created_at DESC
		LIMIT $4 OFFSET $5
	`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var status *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}

	rows, err := r.db.Query(ctx, query, status, filter.RequesterID, filter.ActionType, limit, filter.Offset)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list approval requests")
	}
	defer rows.Close()

	return r.scanRows(ctx, rows)
}

// ListPendingForApprover returns open requests where the user directly fills a
// slot. Delegated authority is resolved in the service layer.
func (r *PGRequestRepository) ListPendingForApprover(ctx context.Context, approverID string) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE status IN ('pending', 'in_analysis', 'escalated')
		  AND approvers @> $1::jsonb
		ORDER BY priority DESC, deadline_at ASC
	`

	match, err := json.Marshal([]map[string]string{{"type": "user", "ref": approverID}})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "marshal approver match")
	}

	rows, err := r.db.Query(ctx, query, match)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	return r.scanRows(ctx, rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type requestScanner interface {
	Scan(dest ...any) error
}

func (r *PGRequestRepository) scanRequest(row requestScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var approvers, contextData []byte
	var priority int

	err := row.Scan(
		&req.ID,
		&req.ActionType,
		&req.TargetEntity,
		&req.TargetEntityID,
		&req.RequesterID,
		&req.Status,
		&req.Strategy,
		&req.CustomStrategy,
		&req.EscalationStrategy,
		&approvers,
		&req.DeadlineAt,
		&priority,
		&req.Value,
		&contextData,
		&req.Fingerprint,
		&req.EscalationCount,
		&req.Version,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	req.Priority = Priority(priority)
	if err := json.Unmarshal(approvers, &req.Approvers); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "unmarshal approvers")
	}
	if len(contextData) > 0 {
		if err := json.Unmarshal(contextData, &req.ContextData); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "unmarshal context data")
		}
	}
	return req, nil
}

func (r *PGRequestRepository) scanRows(ctx context.Context, rows pgx.Rows) ([]*ApprovalRequest, error) {
	var requests []*ApprovalRequest
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan approval request")
		}
		requests = append(requests, req)
	}
	rows.Close()

	for _, req := range requests {
		if err := r.loadDecisions(ctx, req); err != nil {
			return nil, err
		}
	}
	return requests, nil
}

func (r *PGRequestRepository) loadDecisions(ctx context.Context, req *ApprovalRequest) error {
	query := `
		SELECT id, request_id, approver_id, slot_key, outcome, comment, decided_at
		FROM approval_decisions
		WHERE request_id = $1
		ORDER BY decided_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, req.ID)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to load decisions")
	}
	defer rows.Close()

	req.Decisions = req.Decisions[:0]
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ID, &d.RequestID, &d.ApproverID, &d.SlotKey, &d.Outcome, &d.Comment, &d.DecidedAt); err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "failed to scan decision")
		}
		req.Decisions = append(req.Decisions, d)
	}
	return nil
}

var _ RequestRepository = (*PGRequestRepository)(nil)
