package handlers

import (
	"net/http"
	"strings"

	"github.com/wolfhound389/Regparkovka/api/internal/models"
	"github.com/wolfhound389/Regparkovka/shared/httpx"
)

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	user, err := h.Users.GetByID(r.Context(), actor.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"user": newUserResponse(user),
	})
}

type updatePhoneRequest struct {
	Phone string `json:"phone"`
}

func (h *Handler) handleUpdatePhone(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req updatePhoneRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Phone == "" || len(req.Phone) > 32 {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "phone must be 1-32 characters", nil)
		return
	}

	user, err := h.Users.UpdatePhone(r.Context(), actor.ID, req.Phone)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.forgetActor(actor.Subject)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"user": newUserResponse(user),
	})
}

func (h *Handler) handleStartShift(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	user, changed, err := h.Users.StartShift(r.Context(), h.Outbox, actor.ID, h.operatorIDs(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.forgetActor(actor.Subject)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"user":    newUserResponse(user),
		"changed": changed,
	})
}

func (h *Handler) handleEndShift(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	user, changed, err := h.Users.EndShift(r.Context(), h.Outbox, actor.ID, h.operatorIDs(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.forgetActor(actor.Subject)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"user":    newUserResponse(user),
		"changed": changed,
	})
}

func (h *Handler) handleStartBreak(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	user, changed, err := h.Users.StartBreak(r.Context(), actor.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.forgetActor(actor.Subject)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"user":    newUserResponse(user),
		"changed": changed,
	})
}

func (h *Handler) handleEndBreak(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	user, changed, err := h.Users.EndBreak(r.Context(), actor.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.forgetActor(actor.Subject)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"user":    newUserResponse(user),
		"changed": changed,
	})
}

func (h *Handler) handleShiftReport(w http.ResponseWriter, r *http.Request) {
	_, ok := h.requireActor(w, r, models.RoleOperator, models.RoleAdmin, models.RoleDebEmployee)
	if !ok {
		return
	}
	users, err := h.Users.ShiftReport(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	onShift := 0
	onBreak := 0
	for _, u := range users {
		if u.OnShift {
			onShift++
		}
		if u.OnBreak {
			onBreak++
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"users":    newUserResponses(users),
		"on_shift": onShift,
		"on_break": onBreak,
	})
}
