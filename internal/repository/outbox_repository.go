package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/apperr"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
)

// leaseWindow is how long a claimed event stays invisible to other workers.
// Must exceed a single delivery attempt; a crashed worker's events reappear
// after it elapses.
const leaseWindow = 30 * time.Second

// PGOutboxRepository is the Postgres-backed durable queue for the event
// dispatcher. Claiming uses SKIP LOCKED so multiple workers never double-read
// the same event.
type PGOutboxRepository struct {
	db *database.DB
}

// NewPGOutboxRepository creates a new PGOutboxRepository.
func NewPGOutboxRepository(db *database.DB) *PGOutboxRepository {
	return &PGOutboxRepository{db: db}
}

// Enqueue appends one event to the queue.
func (r *PGOutboxRepository) Enqueue(ctx context.Context, ev *QueuedEvent) error {
	query := `
		INSERT INTO queued_events (id, topic, payload, attempt, not_before)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	err := r.db.QueryRow(ctx, query,
		ev.ID, ev.Topic, ev.Payload, ev.Attempt, ev.NotBefore,
	).Scan(&ev.CreatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to enqueue event")
	}
	return nil
}

// Due claims up to limit deliverable events, pushing their not_before forward
// by the lease window so concurrent workers skip them.
func (r *PGOutboxRepository) Due(ctx context.Context, now time.Time, limit int) ([]*QueuedEvent, error) {
	query := `
		UPDATE queued_events
		SET not_before = $2
		WHERE id IN (
			SELECT id FROM queued_events
			WHERE not_before <= $1
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, topic, payload, attempt, created_at, not_before
	`

	rows, err := r.db.Query(ctx, query, now, now.Add(leaseWindow), limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to claim due events")
	}
	defer rows.Close()

	var events []*QueuedEvent
	for rows.Next() {
		ev := &QueuedEvent{}
		if err := rows.Scan(&ev.ID, &ev.Topic, &ev.Payload, &ev.Attempt, &ev.CreatedAt, &ev.NotBefore); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan queued event")
		}
		events = append(events, ev)
	}
	return events, nil
}

// MarkDelivered removes a delivered event from the queue.
func (r *PGOutboxRepository) MarkDelivered(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM queued_events WHERE id = $1`, id)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to mark event delivered")
	}
	return nil
}

// Reschedule records a failed attempt and sets the next delivery time.
func (r *PGOutboxRepository) Reschedule(ctx context.Context, id string, attempt int, notBefore time.Time) error {
	query := `
		UPDATE queued_events
		SET attempt = $2, not_before = $3
		WHERE id = $1
	`

	_, err := r.db.Exec(ctx, query, id, attempt, notBefore)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to reschedule event")
	}
	return nil
}

// DeadLetter moves an exhausted event out of the queue into the dead-letter
// set, atomically.
func (r *PGOutboxRepository) DeadLetter(ctx context.Context, ev *QueuedEvent, reason string, at time.Time) error {
	query := `
		WITH removed AS (
			DELETE FROM queued_events WHERE id = $1
		)
		INSERT INTO dead_letters (event_id, topic, payload, attempt, created_at, reason, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.Exec(ctx, query, ev.ID, ev.Topic, ev.Payload, ev.Attempt, ev.CreatedAt, reason, at)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to dead-letter event")
	}
	return nil
}

// ListDeadLetters returns the most recent dead letters for inspection.
func (r *PGOutboxRepository) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	query := `
		SELECT event_id, topic, payload, attempt, created_at, reason, failed_at
		FROM dead_letters
		ORDER BY failed_at DESC
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list dead letters")
	}
	defer rows.Close()

	var letters []*DeadLetter
	for rows.Next() {
		dl := &DeadLetter{}
		if err := rows.Scan(
			&dl.Event.ID, &dl.Event.Topic, &dl.Event.Payload, &dl.Event.Attempt,
			&dl.Event.CreatedAt, &dl.Reason, &dl.FailedAt,
		); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan dead letter")
		}
		letters = append(letters, dl)
	}
	return letters, nil
}

var _ OutboxRepository = (*PGOutboxRepository)(nil)
