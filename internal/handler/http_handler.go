// Package handler exposes the engine's command surface over HTTP. The caller
// identity arrives in the X-Actor-Id header, stamped by the authentication
// middleware upstream of this service; a request without one is rejected.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-approvals/internal/apperr"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// actorHeader carries the authenticated caller identity.
const actorHeader = "X-Actor-Id"

// HTTPHandler handles HTTP requests.
type HTTPHandler struct {
	sm          *service.StateMachine
	delegations *service.DelegationManager
	log         zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(sm *service.StateMachine, delegations *service.DelegationManager, log zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{sm: sm, delegations: delegations, log: log}
}

// Register mounts all routes on the mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/requests", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.ListRequests(w, r)
		case http.MethodPost:
			h.CreateRequest(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/requests/get", h.GetRequest)
	mux.HandleFunc("/api/v1/requests/history", h.GetHistory)
	mux.HandleFunc("/api/v1/requests/pending", h.PendingApprovals)
	mux.HandleFunc("/api/v1/requests/decide", h.Decide)
	mux.HandleFunc("/api/v1/requests/delegate", h.Delegate)
	mux.HandleFunc("/api/v1/requests/request-info", h.RequestInfo)
	mux.HandleFunc("/api/v1/requests/cancel", h.Cancel)
	mux.HandleFunc("/api/v1/requests/escalate", h.EscalateManually)
	mux.HandleFunc("/api/v1/delegations", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.ListDelegations(w, r)
		case http.MethodPost:
			h.CreateDelegation(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/delegations/revoke", h.RevokeDelegation)
}

// ── Requests ──────────────────────────────────────────────────────────────────

type createRequestBody struct {
	ActionType         string                        `json:"action_type"`
	TargetEntity       string                        `json:"target_entity"`
	TargetEntityID     string                        `json:"target_entity_id"`
	Strategy           repository.Strategy           `json:"strategy,omitempty"`
	CustomStrategy     string                        `json:"custom_strategy,omitempty"`
	EscalationStrategy repository.EscalationStrategy `json:"escalation_strategy,omitempty"`
	Approvers          []repository.Approver         `json:"approvers"`
	Deadline           *time.Time                    `json:"deadline,omitempty"`
	Priority           *repository.Priority          `json:"priority,omitempty"`
	Value              *int64                        `json:"value,omitempty"`
	ContextData        map[string]any                `json:"context_data,omitempty"`
}

// CreateRequest handles request creation.
func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	in := service.CreateRequest{
		ActionType:         body.ActionType,
		TargetEntity:       body.TargetEntity,
		TargetEntityID:     body.TargetEntityID,
		Strategy:           body.Strategy,
		CustomStrategy:     body.CustomStrategy,
		EscalationStrategy: body.EscalationStrategy,
		Approvers:          body.Approvers,
		Priority:           body.Priority,
		Value:              body.Value,
		ContextData:        body.ContextData,
	}
	if body.Deadline != nil {
		in.Deadline = *body.Deadline
	}

	req, err := h.sm.Create(r.Context(), h.actor(r), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, req)
}

// GetRequest returns one request by id.
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Request ID is required", http.StatusBadRequest)
		return
	}

	req, err := h.sm.GetByID(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// ListRequests returns requests matching query filters.
func (h *HTTPHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	filter := repository.RequestFilter{
		RequesterID: r.URL.Query().Get("requester_id"),
		ActionType:  r.URL.Query().Get("action_type"),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status := repository.Status(s)
		filter.Status = &status
	}
	if page, _ := strconv.Atoi(r.URL.Query().Get("page")); page > 1 {
		filter.Offset = (page - 1) * 50
	}

	requests, err := h.sm.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, requests)
}

// GetHistory returns a request's decisions and escalations.
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Request ID is required", http.StatusBadRequest)
		return
	}

	history, err := h.sm.GetHistory(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, history)
}

// PendingApprovals returns open requests awaiting the caller.
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	actor := h.actor(r)
	if actor == "" {
		h.writeError(w, apperr.New(apperr.CodeUnauthenticated, "caller identity is required"))
		return
	}

	requests, err := h.sm.PendingFor(r.Context(), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, requests)
}

type decideBody struct {
	RequestID string             `json:"request_id"`
	Outcome   repository.Outcome `json:"outcome"`
	Comment   *string            `json:"comment,omitempty"`
}

// Decide records the caller's verdict on a request.
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body decideBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req, err := h.sm.Decide(r.Context(), body.RequestID, h.actor(r), body.Outcome, body.Comment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

type delegateBody struct {
	RequestID     string  `json:"request_id"`
	ToApproverID  string  `json:"to_approver_id"`
	ScopeOverride *string `json:"scope_override,omitempty"`
}

// Delegate re-points the caller's approver slot at their delegate.
func (h *HTTPHandler) Delegate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body delegateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req, err := h.sm.Delegate(r.Context(), body.RequestID, h.actor(r), body.ToApproverID, body.ScopeOverride)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

type requestInfoBody struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
}

// RequestInfo asks the requester for more information.
func (h *HTTPHandler) RequestInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body requestInfoBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req, err := h.sm.RequestInfo(r.Context(), body.RequestID, h.actor(r), body.Message)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

type cancelBody struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

// Cancel terminates a request before resolution.
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body cancelBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.sm.Cancel(r.Context(), body.RequestID, h.actor(r), body.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type escalateBody struct {
	RequestID    string                `json:"request_id"`
	NewApprovers []repository.Approver `json:"new_approvers,omitempty"`
	Reason       string                `json:"reason"`
}

// EscalateManually lets an admin escalate a request outside the timer.
func (h *HTTPHandler) EscalateManually(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body escalateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req, err := h.sm.Escalate(r.Context(), body.RequestID, body.NewApprovers,
		repository.EscalateManual, repository.EscalationReasonManual, h.actor(r), 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// ── Delegations ───────────────────────────────────────────────────────────────

type createDelegationBody struct {
	ToApproverID string    `json:"to_approver_id"`
	ValidFrom    time.Time `json:"valid_from"`
	ValidUntil   time.Time `json:"valid_until"`
	MaxValue     *int64    `json:"max_value,omitempty"`
	Scope        *string   `json:"scope,omitempty"`
}

// CreateDelegation records a standing delegation from the caller.
func (h *HTTPHandler) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	var body createDelegationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	actor := h.actor(r)
	if actor == "" {
		h.writeError(w, apperr.New(apperr.CodeUnauthenticated, "caller identity is required"))
		return
	}

	d, err := h.delegations.CreateDelegation(r.Context(), actor, body.ToApproverID,
		body.ValidFrom, body.ValidUntil, body.MaxValue, body.Scope)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, d)
}

// ListDelegations returns the caller's delegations.
func (h *HTTPHandler) ListDelegations(w http.ResponseWriter, r *http.Request) {
	actor := h.actor(r)
	if actor == "" {
		h.writeError(w, apperr.New(apperr.CodeUnauthenticated, "caller identity is required"))
		return
	}

	delegations, err := h.delegations.ListByDelegator(r.Context(), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, delegations)
}

type revokeDelegationBody struct {
	DelegationID string `json:"delegation_id"`
}

// RevokeDelegation ends a delegation immediately.
func (h *HTTPHandler) RevokeDelegation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body revokeDelegationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.delegations.RevokeDelegation(r.Context(), body.DelegationID, h.actor(r)); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) actor(r *http.Request) string {
	return r.Header.Get(actorHeader)
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	status := apperr.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
	}
	h.writeJSON(w, status, map[string]string{
		"code":  string(code),
		"error": err.Error(),
	})
}
