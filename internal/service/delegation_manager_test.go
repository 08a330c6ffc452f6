package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/apperr"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
)

func newManagerFixture(roles map[string][]string) (*DelegationManager, *memory.DelegationStore) {
	store := memory.NewDelegationStore()
	m := NewDelegationManager(store, fakeDirectory{roles: roles}, DefaultRegistry(), zerolog.Nop())
	return m, store
}

func TestCreateDelegationValidation(t *testing.T) {
	m, _ := newManagerFixture(map[string][]string{
		"carlos": {"DEPARTMENT_MANAGER"},
		"dana":   {"TEAM_LEAD"},
	})
	ctx := context.Background()
	from := time.Now()
	until := from.Add(24 * time.Hour)

	tests := []struct {
		name  string
		run   func() error
		code  apperr.Code
	}{
		{
			name: "self delegation",
			run: func() error {
				_, err := m.CreateDelegation(ctx, "carlos", "carlos", from, until, nil, nil)
				return err
			},
			code: apperr.CodeInvalidDelegation,
		},
		{
			name: "inverted window",
			run: func() error {
				_, err := m.CreateDelegation(ctx, "carlos", "dana", until, from, nil, nil)
				return err
			},
			code: apperr.CodeInvalidDelegation,
		},
		{
			name: "span over ninety days",
			run: func() error {
				_, err := m.CreateDelegation(ctx, "carlos", "dana", from, from.Add(91*24*time.Hour), nil, nil)
				return err
			},
			code: apperr.CodeInvalidDelegation,
		},
		{
			name: "unknown delegator",
			run: func() error {
				_, err := m.CreateDelegation(ctx, "ghost", "dana", from, until, nil, nil)
				return err
			},
			code: apperr.CodeInvalidDelegation,
		},
		{
			name: "unknown delegate",
			run: func() error {
				_, err := m.CreateDelegation(ctx, "carlos", "ghost", from, until, nil, nil)
				return err
			},
			code: apperr.CodeInvalidDelegation,
		},
		{
			name: "unknown scope",
			run: func() error {
				scope := "no-such-action"
				_, err := m.CreateDelegation(ctx, "carlos", "dana", from, until, nil, &scope)
				return err
			},
			code: apperr.CodeInvalidDelegation,
		},
		{
			name: "delegator lacks authority over scope",
			run: func() error {
				scope := "bulk-reprocess" // FINANCE_DIRECTOR or CFO only
				_, err := m.CreateDelegation(ctx, "carlos", "dana", from, until, nil, &scope)
				return err
			},
			code: apperr.CodeInvalidDelegation,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.run()
			require.Error(t, err)
			assert.True(t, apperr.IsCode(err, tc.code), "got %v", err)
		})
	}

	// Carlos does hold DEPARTMENT_MANAGER, which covers suspend-benefit.
	scope := "suspend-benefit"
	d, err := m.CreateDelegation(ctx, "carlos", "dana", from, until, nil, &scope)
	require.NoError(t, err)
	assert.NotEmpty(t, d.ID)
}

func TestRevokeDelegationAuthorization(t *testing.T) {
	m, store := newManagerFixture(map[string][]string{
		"carlos":  {"DEPARTMENT_MANAGER"},
		"dana":    {"TEAM_LEAD"},
		"admin-1": {AdminRole},
		"eva":     {"TEAM_LEAD"},
	})
	ctx := context.Background()

	d, err := m.CreateDelegation(ctx, "carlos", "dana",
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour), nil, nil)
	require.NoError(t, err)

	err = m.RevokeDelegation(ctx, d.ID, "eva")
	assert.True(t, apperr.IsCode(err, apperr.CodeUnauthorizedDecision))

	require.NoError(t, m.RevokeDelegation(ctx, d.ID, "carlos"))
	active, err := store.ActiveTo(ctx, "dana", time.Now())
	require.NoError(t, err)
	assert.Empty(t, active)

	// Admins may revoke someone else's delegation.
	d2, err := m.CreateDelegation(ctx, "carlos", "dana",
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour), nil, nil)
	require.NoError(t, err)
	require.NoError(t, m.RevokeDelegation(ctx, d2.ID, "admin-1"))
}

func TestEffectiveSlotDirectMatches(t *testing.T) {
	m, _ := newManagerFixture(map[string][]string{
		"dana": {"TEAM_LEAD"},
	})
	ctx := context.Background()

	req := &repository.ApprovalRequest{
		ID:         "req-1",
		ActionType: "suspend-benefit",
		Approvers: []repository.Approver{
			userSlot("ana"),
			{Type: repository.ApproverRole, Ref: "TEAM_LEAD", CanDelegate: true},
		},
	}

	slot, delegation, err := m.EffectiveSlot(ctx, req, "ana")
	require.NoError(t, err)
	require.NotNil(t, slot)
	assert.Nil(t, delegation)
	assert.Equal(t, "user:ana", slot.SlotKey())

	// Role slots resolve through directory membership.
	slot, _, err = m.EffectiveSlot(ctx, req, "dana")
	require.NoError(t, err)
	require.NotNil(t, slot)
	assert.Equal(t, "role:TEAM_LEAD", slot.SlotKey())

	slot, _, err = m.EffectiveSlot(ctx, req, "mallory")
	require.NoError(t, err)
	assert.Nil(t, slot)
}

func TestEffectiveSlotDelegationWindow(t *testing.T) {
	m, _ := newManagerFixture(map[string][]string{
		"carlos": {"DEPARTMENT_MANAGER"},
		"dana":   {"TEAM_LEAD"},
	})
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(48 * time.Hour)
	_, err := m.CreateDelegation(ctx, "carlos", "dana", start, end, nil, nil)
	require.NoError(t, err)

	req := &repository.ApprovalRequest{
		ID:         "req-1",
		ActionType: "suspend-benefit",
		Approvers:  []repository.Approver{userSlot("carlos")},
	}

	lookup := func(at time.Time) *repository.Approver {
		m.now = func() time.Time { return at }
		slot, _, err := m.EffectiveSlot(ctx, req, "dana")
		require.NoError(t, err)
		return slot
	}

	assert.Nil(t, lookup(start.Add(-time.Second)), "before the window")
	assert.NotNil(t, lookup(start), "window start is inclusive")
	assert.NotNil(t, lookup(end), "window end is inclusive")
	assert.Nil(t, lookup(end.Add(time.Second)), "after the window")
}

func TestEffectiveSlotDelegationConstraints(t *testing.T) {
	roles := map[string][]string{
		"carlos": {"DEPARTMENT_MANAGER"},
		"dana":   {"TEAM_LEAD"},
		"eva":    {"TEAM_LEAD"},
	}
	ctx := context.Background()
	windowStart := time.Now().Add(-time.Hour)
	windowEnd := time.Now().Add(time.Hour)

	t.Run("scope must cover the action", func(t *testing.T) {
		m, _ := newManagerFixture(roles)
		scope := "suspend-benefit"
		_, err := m.CreateDelegation(ctx, "carlos", "dana", windowStart, windowEnd, nil, &scope)
		require.NoError(t, err)

		req := &repository.ApprovalRequest{
			ActionType: "cancel-grant",
			Approvers:  []repository.Approver{userSlot("carlos")},
		}
		slot, _, err := m.EffectiveSlot(ctx, req, "dana")
		require.NoError(t, err)
		assert.Nil(t, slot)
	})

	t.Run("delegation max value gates high requests", func(t *testing.T) {
		m, _ := newManagerFixture(roles)
		limit := int64(50_000)
		_, err := m.CreateDelegation(ctx, "carlos", "dana", windowStart, windowEnd, &limit, nil)
		require.NoError(t, err)

		value := int64(80_000)
		req := &repository.ApprovalRequest{
			ActionType: "suspend-benefit",
			Value:      &value,
			Approvers:  []repository.Approver{userSlot("carlos")},
		}
		slot, _, err := m.EffectiveSlot(ctx, req, "dana")
		require.NoError(t, err)
		assert.Nil(t, slot)
	})

	t.Run("non-delegable slot stays with its holder", func(t *testing.T) {
		m, _ := newManagerFixture(roles)
		_, err := m.CreateDelegation(ctx, "carlos", "dana", windowStart, windowEnd, nil, nil)
		require.NoError(t, err)

		slot := userSlot("carlos")
		slot.CanDelegate = false
		req := &repository.ApprovalRequest{
			ActionType: "suspend-benefit",
			Approvers:  []repository.Approver{slot},
		}
		got, _, err := m.EffectiveSlot(ctx, req, "dana")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("delegations do not chain", func(t *testing.T) {
		m, _ := newManagerFixture(roles)
		_, err := m.CreateDelegation(ctx, "carlos", "dana", windowStart, windowEnd, nil, nil)
		require.NoError(t, err)
		_, err = m.CreateDelegation(ctx, "dana", "eva", windowStart, windowEnd, nil, nil)
		require.NoError(t, err)

		req := &repository.ApprovalRequest{
			ActionType: "suspend-benefit",
			Approvers:  []repository.Approver{userSlot("carlos")},
		}

		// Eva reaches dana's own slots, not what dana holds via carlos.
		slot, _, err := m.EffectiveSlot(ctx, req, "eva")
		require.NoError(t, err)
		assert.Nil(t, slot)
	})
}
