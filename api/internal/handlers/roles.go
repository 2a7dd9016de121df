package handlers

import (
	"net/http"
	"strings"

	"github.com/wolfhound389/Regparkovka/api/internal/models"
	"github.com/wolfhound389/Regparkovka/shared/httpx"
)

type roleRequestRequest struct {
	RequestedRole string `json:"requested_role"`
}

func (h *Handler) handleCreateRoleRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req roleRequestRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	req.RequestedRole = strings.TrimSpace(req.RequestedRole)
	if !models.ValidRole(req.RequestedRole) {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "unknown role", map[string]any{"reason": "invalid_role"})
		return
	}
	if req.RequestedRole == actor.Role {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "you already have this role", map[string]any{"reason": "invalid_role"})
		return
	}

	request, err := h.Roles.Create(r.Context(), actor.ID, req.RequestedRole)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"request": newRoleRequestResponse(request),
	})
}

func (h *Handler) handleListRoleRequests(w http.ResponseWriter, r *http.Request) {
	_, ok := h.requireActor(w, r, models.RoleAdmin)
	if !ok {
		return
	}
	requests, err := h.Roles.ListPending(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]roleRequestResponse, 0, len(requests))
	for _, request := range requests {
		out = append(out, newRoleRequestResponse(request))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"requests": out,
	})
}

type roleDecisionRequest struct {
	Decision string `json:"decision"`
}

func (h *Handler) handleDecideRoleRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r, models.RoleAdmin)
	if !ok {
		return
	}
	requestID, err := pathUUID(r, "request_id")
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	var req roleDecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	var approve bool
	switch strings.ToLower(strings.TrimSpace(req.Decision)) {
	case "approve":
		approve = true
	case "reject":
		approve = false
	default:
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "decision must be approve or reject", nil)
		return
	}

	request, err := h.Roles.Decide(r.Context(), h.Outbox, requestID, approve, actor.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if approve {
		// The target's cached role is stale now.
		if user, err := h.Users.GetByID(r.Context(), request.UserID); err == nil {
			h.forgetActor(user.Subject)
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request": newRoleRequestResponse(request),
	})
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	_, ok := h.requireActor(w, r, models.RoleOperator, models.RoleAdmin)
	if !ok {
		return
	}
	limit, offset := parseLimitOffset(r)
	users, err := h.Users.ListUsers(r.Context(), limit, offset)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"users": newUserResponses(users),
	})
}
