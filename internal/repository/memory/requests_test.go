package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/apperr"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

func storedRequest(id string) *repository.ApprovalRequest {
	return &repository.ApprovalRequest{
		ID:             id,
		ActionType:     "cancel-grant",
		TargetEntity:   "grant",
		TargetEntityID: "g-" + id,
		RequesterID:    "requester-1",
		Status:         repository.StatusPending,
		Strategy:       repository.StrategyAnyOne,
		Approvers:      []repository.Approver{{Type: repository.ApproverUser, Ref: "ana", Weight: 1}},
		DeadlineAt:     time.Now().Add(time.Hour),
		Fingerprint:    "fp-" + id,
	}
}

func TestUpdateEnforcesVersionGuard(t *testing.T) {
	ctx := context.Background()
	store := NewRequestStore()
	require.NoError(t, store.Create(ctx, storedRequest("r1")))

	first, err := store.GetByID(ctx, "r1")
	require.NoError(t, err)
	second, err := store.GetByID(ctx, "r1")
	require.NoError(t, err)

	first.Status = repository.StatusInAnalysis
	require.NoError(t, store.Update(ctx, first))
	assert.Equal(t, 1, first.Version)

	// The second reader still holds version 0 and must lose.
	second.Status = repository.StatusCancelled
	err = store.Update(ctx, second)
	assert.True(t, apperr.IsCode(err, apperr.CodeConcurrentModification))

	got, err := store.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusInAnalysis, got.Status)
}

func TestUpdateAssignsDecisionIDs(t *testing.T) {
	ctx := context.Background()
	store := NewRequestStore()
	require.NoError(t, store.Create(ctx, storedRequest("r1")))

	req, err := store.GetByID(ctx, "r1")
	require.NoError(t, err)
	req.Decisions = append(req.Decisions, repository.Decision{
		ApproverID: "ana",
		SlotKey:    "user:ana",
		Outcome:    repository.OutcomeApprove,
		DecidedAt:  time.Now(),
	})
	require.NoError(t, store.Update(ctx, req))

	got, err := store.GetByID(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got.Decisions, 1)
	assert.NotEmpty(t, got.Decisions[0].ID)
	assert.Equal(t, "r1", got.Decisions[0].RequestID)
}

func TestGetByIDReturnsIsolatedCopies(t *testing.T) {
	ctx := context.Background()
	store := NewRequestStore()
	require.NoError(t, store.Create(ctx, storedRequest("r1")))

	a, err := store.GetByID(ctx, "r1")
	require.NoError(t, err)
	a.Status = repository.StatusApproved
	a.Approvers[0].Ref = "tampered"

	b, err := store.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, b.Status)
	assert.Equal(t, "ana", b.Approvers[0].Ref)
}

func TestCreateRejectsOpenDuplicateFingerprint(t *testing.T) {
	ctx := context.Background()
	store := NewRequestStore()
	require.NoError(t, store.Create(ctx, storedRequest("r1")))

	dup := storedRequest("r2")
	dup.TargetEntityID = "g-r1"
	dup.Fingerprint = "fp-r1"
	err := store.Create(ctx, dup)
	assert.True(t, apperr.IsCode(err, apperr.CodeDuplicateRequest))

	// Once the original settles, the same fingerprint may open again.
	orig, err := store.GetByID(ctx, "r1")
	require.NoError(t, err)
	orig.Status = repository.StatusCancelled
	require.NoError(t, store.Update(ctx, orig))
	assert.NoError(t, store.Create(ctx, dup))
}
