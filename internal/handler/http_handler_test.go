package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

type staticDirectory map[string][]string

func (d staticDirectory) GetUsersWithRole(ctx context.Context, role string) ([]string, error) {
	var out []string
	for user, roles := range d {
		for _, r := range roles {
			if r == role {
				out = append(out, user)
			}
		}
	}
	return out, nil
}

func (d staticDirectory) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	return d[userID], nil
}

type dropDispatcher struct{}

func (dropDispatcher) Enqueue(ctx context.Context, topic string, payload any) string { return topic }

func newTestMux(t *testing.T, roles map[string][]string) *http.ServeMux {
	t.Helper()
	log := zerolog.Nop()
	directory := staticDirectory(roles)
	registry := service.DefaultRegistry()
	manager := service.NewDelegationManager(memory.NewDelegationStore(), directory, registry, log)
	sm := service.NewStateMachine(
		memory.NewRequestStore(), memory.NewEscalationStore(), manager,
		service.NewResolver(), registry, dropDispatcher{}, directory, log,
	)

	mux := http.NewServeMux()
	NewHTTPHandler(sm, manager, log).Register(mux)
	return mux
}

func do(t *testing.T, mux *http.ServeMux, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != "" {
		req.Header.Set("X-Actor-Id", actor)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func createBody() map[string]any {
	return map[string]any{
		"action_type":      "cancel-grant",
		"target_entity":    "grant",
		"target_entity_id": "g-1",
		"approvers": []map[string]any{
			{"type": "user", "ref": "ana", "weight": 1, "can_delegate": true},
			{"type": "user", "ref": "bruno", "weight": 1, "can_delegate": true},
		},
	}
}

func TestCreateRequestEndpoint(t *testing.T) {
	mux := newTestMux(t, nil)

	rec := do(t, mux, http.MethodPost, "/api/v1/requests", "requester-1", createBody())
	require.Equal(t, http.StatusCreated, rec.Code)

	var created repository.ApprovalRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, repository.StatusPending, created.Status)
	assert.Equal(t, repository.StrategyAnyOne, created.Strategy)

	// Same requester, same target: conflict.
	rec = do(t, mux, http.MethodPost, "/api/v1/requests", "requester-1", createBody())
	assert.Equal(t, http.StatusConflict, rec.Code)

	var errBody map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	assert.Equal(t, "DUPLICATE_REQUEST", errBody["code"])
}

func TestCreateRequestRequiresActor(t *testing.T) {
	mux := newTestMux(t, nil)

	rec := do(t, mux, http.MethodPost, "/api/v1/requests", "", createBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDecideEndpoint(t *testing.T) {
	mux := newTestMux(t, nil)

	rec := do(t, mux, http.MethodPost, "/api/v1/requests", "requester-1", createBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created repository.ApprovalRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// An outsider is forbidden.
	rec = do(t, mux, http.MethodPost, "/api/v1/requests/decide", "mallory",
		map[string]any{"request_id": created.ID, "outcome": "approve"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// First approval resolves an any_one request.
	rec = do(t, mux, http.MethodPost, "/api/v1/requests/decide", "ana",
		map[string]any{"request_id": created.ID, "outcome": "approve"})
	require.Equal(t, http.StatusOK, rec.Code)

	var decided repository.ApprovalRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decided))
	assert.Equal(t, repository.StatusApproved, decided.Status)

	// Terminal request: conflict.
	rec = do(t, mux, http.MethodPost, "/api/v1/requests/decide", "bruno",
		map[string]any{"request_id": created.ID, "outcome": "reject"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetAndHistoryEndpoints(t *testing.T) {
	mux := newTestMux(t, nil)

	rec := do(t, mux, http.MethodPost, "/api/v1/requests", "requester-1", createBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created repository.ApprovalRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = do(t, mux, http.MethodGet, "/api/v1/requests/get?id="+created.ID, "requester-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, mux, http.MethodGet, "/api/v1/requests/get?id=missing", "requester-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, mux, http.MethodGet, "/api/v1/requests/get", "requester-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, http.MethodGet, "/api/v1/requests/history?id="+created.ID, "requester-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history service.History
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Equal(t, created.ID, history.Request.ID)
}

func TestCancelEndpoint(t *testing.T) {
	mux := newTestMux(t, nil)

	rec := do(t, mux, http.MethodPost, "/api/v1/requests", "requester-1", createBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created repository.ApprovalRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = do(t, mux, http.MethodPost, "/api/v1/requests/cancel", "requester-1",
		map[string]any{"request_id": created.ID, "reason": "no longer needed"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, mux, http.MethodGet, "/api/v1/requests/get?id="+created.ID, "requester-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got repository.ApprovalRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, repository.StatusCancelled, got.Status)
}

func TestDelegationEndpoints(t *testing.T) {
	mux := newTestMux(t, map[string][]string{
		"carlos": {"DEPARTMENT_MANAGER"},
		"dana":   {"TEAM_LEAD"},
	})

	rec := do(t, mux, http.MethodPost, "/api/v1/delegations", "carlos", map[string]any{
		"to_approver_id": "dana",
		"valid_from":     "2026-08-01T00:00:00Z",
		"valid_until":    "2026-09-01T00:00:00Z",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created repository.Delegation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = do(t, mux, http.MethodGet, "/api/v1/delegations", "carlos", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []repository.Delegation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	// Only the delegator (or an admin) may revoke.
	rec = do(t, mux, http.MethodPost, "/api/v1/delegations/revoke", "dana",
		map[string]any{"delegation_id": created.ID})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, mux, http.MethodPost, "/api/v1/delegations/revoke", "carlos",
		map[string]any{"delegation_id": created.ID})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Self-delegation is invalid.
	rec = do(t, mux, http.MethodPost, "/api/v1/delegations", "carlos", map[string]any{
		"to_approver_id": "carlos",
		"valid_from":     "2026-08-01T00:00:00Z",
		"valid_until":    "2026-09-01T00:00:00Z",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	mux := newTestMux(t, nil)

	rec := do(t, mux, http.MethodDelete, "/api/v1/requests", "requester-1", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, mux, http.MethodGet, "/api/v1/requests/decide", "requester-1", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
