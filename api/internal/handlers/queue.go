package handlers

import (
	"net/http"

	"github.com/wolfhound389/Regparkovka/api/internal/models"
	"github.com/wolfhound389/Regparkovka/shared/httpx"
	"github.com/wolfhound389/Regparkovka/shared/workflow"
)

func (h *Handler) handleQueueList(w http.ResponseWriter, r *http.Request) {
	_, ok := h.requireActor(w, r, models.RoleOperator, models.RoleAdmin, models.RoleDebEmployee)
	if !ok {
		return
	}
	entries, err := h.Queue.ListActive(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]queueEntryResponse, 0, len(entries))
	position := 0
	for _, e := range entries {
		if workflow.IsTerminalQueueStatus(e.Status) {
			continue
		}
		position++
		out = append(out, newQueueEntryResponse(e, position))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"entries": out,
		"depth":   len(out),
	})
}

func (h *Handler) handleQueueMy(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r, models.RoleDriver, models.RoleDriverTransfer)
	if !ok {
		return
	}
	entry, position, err := h.Queue.EntryForDriver(r.Context(), actor.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"entry": newQueueEntryResponse(entry, position),
	})
}

func (h *Handler) handleLeaveQueue(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r, models.RoleDriver, models.RoleDriverTransfer)
	if !ok {
		return
	}
	entry, err := h.Queue.Leave(r.Context(), h.Outbox, actor.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"entry": newQueueEntryResponse(entry, 0),
	})
}

func (h *Handler) handleCancelQueueEntry(w http.ResponseWriter, r *http.Request) {
	_, ok := h.requireActor(w, r, models.RoleOperator, models.RoleAdmin)
	if !ok {
		return
	}
	entryID, err := pathUUID(r, "entry_id")
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	cancelled, promoted, err := h.Queue.CancelEntry(r.Context(), h.Outbox, entryID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	resp := map[string]any{"entry": newQueueEntryResponse(cancelled, 0)}
	if promoted != nil {
		resp["promoted"] = newQueueEntryResponse(*promoted, 0)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
