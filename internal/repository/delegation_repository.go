package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/apperr"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
)

// PGDelegationRepository is the Postgres implementation of DelegationRepository.
type PGDelegationRepository struct {
	db *database.DB
}

// NewPGDelegationRepository creates a new PGDelegationRepository.
func NewPGDelegationRepository(db *database.DB) *PGDelegationRepository {
	return &PGDelegationRepository{db: db}
}

const delegationColumns = `
	id, from_approver_id, to_approver_id, valid_from, valid_until,
	max_value, scope, revoked_at, created_at`

// Create inserts a delegation.
func (r *PGDelegationRepository) Create(ctx context.Context, d *Delegation) error {
	query := `
		INSERT INTO delegations
		    (id, from_approver_id, to_approver_id, valid_from, valid_until, max_value, scope)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`

	err := r.db.QueryRow(ctx, query,
		d.ID, d.FromApproverID, d.ToApproverID, d.ValidFrom, d.ValidUntil, d.MaxValue, d.Scope,
	).Scan(&d.CreatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to create delegation")
	}
	return nil
}

// GetByID retrieves a delegation.
func (r *PGDelegationRepository) GetByID(ctx context.Context, id string) (*Delegation, error) {
	query := `SELECT ` + delegationColumns + ` FROM delegations WHERE id = $1`

	d, err := r.scanDelegation(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound("delegation", id)
	}
	return d, err
}

// Revoke stamps revoked_at; revoking twice is a no-op.
func (r *PGDelegationRepository) Revoke(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE delegations
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, at).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperr.NotFound("delegation", id)
	}
	return err
}

// ActiveTo returns delegations naming userID as delegate, in force at the
// given instant.
func (r *PGDelegationRepository) ActiveTo(ctx context.Context, userID string, at time.Time) ([]*Delegation, error) {
	query := `
		SELECT ` + delegationColumns + `
		FROM delegations
		WHERE to_approver_id = $1
		  AND valid_from <= $2
		  AND valid_until >= $2
		  AND (revoked_at IS NULL OR revoked_at > $2)
	`

	rows, err := r.db.Query(ctx, query, userID, at)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to query active delegations")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListByDelegator returns all delegations created by an approver.
func (r *PGDelegationRepository) ListByDelegator(ctx context.Context, fromApproverID string) ([]*Delegation, error) {
	query := `
		SELECT ` + delegationColumns + `
		FROM delegations
		WHERE from_approver_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, fromApproverID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list delegations")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type delegationScanner interface {
	Scan(dest ...any) error
}

func (r *PGDelegationRepository) scanDelegation(row delegationScanner) (*Delegation, error) {
	d := &Delegation{}
	err := row.Scan(
		&d.ID,
		&d.FromApproverID,
		&d.ToApproverID,
		&d.ValidFrom,
		&d.ValidUntil,
		&d.MaxValue,
		&d.Scope,
		&d.RevokedAt,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *PGDelegationRepository) scanRows(rows pgx.Rows) ([]*Delegation, error) {
	var delegations []*Delegation
	for rows.Next() {
		d, err := r.scanDelegation(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan delegation")
		}
		delegations = append(delegations, d)
	}
	return delegations, nil
}

var _ DelegationRepository = (*PGDelegationRepository)(nil)
