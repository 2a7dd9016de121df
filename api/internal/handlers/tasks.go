package handlers

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/wolfhound389/Regparkovka/api/internal/gates"
	"github.com/wolfhound389/Regparkovka/api/internal/models"
	"github.com/wolfhound389/Regparkovka/api/internal/repos"
	"github.com/wolfhound389/Regparkovka/shared/actorx"
	"github.com/wolfhound389/Regparkovka/shared/httpx"
	"github.com/wolfhound389/Regparkovka/shared/workflow"
)

type createTaskRequest struct {
	SpotNumber int    `json:"spot_number"`
	Building   string `json:"building"`
	GateNumber int    `json:"gate_number"`
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r, models.RoleOperator, models.RoleAdmin)
	if !ok {
		return
	}
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	if req.SpotNumber <= 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "spot_number must be a positive integer", nil)
		return
	}
	building := gates.NormalizeBuilding(req.Building)
	if err := gates.Validate(building, req.GateNumber); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	task, err := h.Tasks.CreateTask(r.Context(), h.Outbox, repos.CreateTaskParams{
		SpotNumber: req.SpotNumber,
		Building:   building,
		GateNumber: req.GateNumber,
		CreatorID:  actor.ID,
		Recipients: h.transferDriverIDs(r.Context()),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"task": newTaskResponse(task),
	})
}

func (h *Handler) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r, models.RoleDriverTransfer)
	if !ok {
		return
	}
	if !actor.OnShift {
		h.writeDomainError(w, r, repos.ErrNotOnShift)
		return
	}
	task, err := h.Tasks.Claim(r.Context(), h.Outbox, actor.ID, h.transferDriverIDs(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"task": newTaskResponse(task),
	})
}

func (h *Handler) handleMyTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r, models.RoleDriver, models.RoleDriverTransfer)
	if !ok {
		return
	}
	task, err := h.Tasks.MyTask(r.Context(), actor.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"task": newTaskResponse(task),
	})
}

func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	_, ok := h.requireActor(w, r, models.RoleOperator, models.RoleAdmin)
	if !ok {
		return
	}
	status := workflow.NormalizeStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = workflow.TaskStatusPending
	}
	if !validTaskStatus(status) {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "unknown task status", map[string]any{"status": status})
		return
	}
	limit, offset := parseLimitOffset(r)

	tasks, err := h.Tasks.ListByStatus(r.Context(), status, limit, offset)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	counts, err := h.Tasks.CountByStatus(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"tasks":  newTaskResponses(tasks),
		"counts": counts,
	})
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	_, ok := h.requireActor(w, r, models.RoleOperator, models.RoleAdmin)
	if !ok {
		return
	}
	taskID, err := pathUUID(r, "task_id")
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	task, err := h.Tasks.GetByID(r.Context(), taskID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"task": newTaskResponse(task),
	})
}

func (h *Handler) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	_, ok := h.requireActor(w, r, models.RoleOperator, models.RoleAdmin)
	if !ok {
		return
	}
	taskID, err := pathUUID(r, "task_id")
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	if _, err := h.Tasks.GetByID(r.Context(), taskID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	taskEvents, err := h.Tasks.ListTaskEvents(r.Context(), taskID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]taskEventResponse, 0, len(taskEvents))
	for _, e := range taskEvents {
		out = append(out, newTaskEventResponse(e))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"events": out,
	})
}

func (h *Handler) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r, models.RoleDriver, models.RoleDriverTransfer, models.RoleOperator, models.RoleAdmin)
	if !ok {
		return
	}
	taskID, err := pathUUID(r, "task_id")
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	if !h.authorizeTaskActor(w, r, actor, taskID) {
		return
	}

	task, promoted, err := h.Tasks.Complete(r.Context(), h.Outbox, taskID, actor.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	resp := map[string]any{"task": newTaskResponse(task)}
	if promoted != nil {
		resp["promoted"] = newQueueEntryResponse(*promoted, 0)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type blockTaskRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleBlockTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r, models.RoleDriver, models.RoleDriverTransfer, models.RoleOperator, models.RoleAdmin)
	if !ok {
		return
	}
	taskID, err := pathUUID(r, "task_id")
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	var req blockTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if !workflow.ReportableBlockedReason(req.Reason) {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "unknown block reason", map[string]any{
			"reason":  "invalid_block_reason",
			"allowed": reportableReasons(),
		})
		return
	}
	if !h.authorizeTaskActor(w, r, actor, taskID) {
		return
	}

	actorID := actor.ID
	task, err := h.Tasks.Block(r.Context(), h.Outbox, taskID, req.Reason, &actorID, false)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"task": newTaskResponse(task),
	})
}

func (h *Handler) handleRestartTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r, models.RoleAdmin)
	if !ok {
		return
	}
	taskID, err := pathUUID(r, "task_id")
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	task, err := h.Tasks.Restart(r.Context(), h.Outbox, taskID, actor.ID, h.transferDriverIDs(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"task": newTaskResponse(task),
	})
}

func (h *Handler) handleRestartAllStuck(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r, models.RoleAdmin)
	if !ok {
		return
	}
	restarted, err := h.Tasks.RestartAllStuck(r.Context(), h.Outbox, actor.ID, h.transferDriverIDs(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"restarted": restarted,
	})
}

type reassignGateRequest struct {
	Building   string `json:"building"`
	GateNumber int    `json:"gate_number"`
}

func (h *Handler) handleReassignGate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r, models.RoleOperator, models.RoleAdmin)
	if !ok {
		return
	}
	taskID, err := pathUUID(r, "task_id")
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	var req reassignGateRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	building := gates.NormalizeBuilding(req.Building)
	if err := gates.Validate(building, req.GateNumber); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	task, err := h.Tasks.ReassignGate(r.Context(), h.Outbox, taskID, building, req.GateNumber, actor.ID, h.transferDriverIDs(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"task": newTaskResponse(task),
	})
}

func (h *Handler) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r, models.RoleOperator, models.RoleAdmin)
	if !ok {
		return
	}
	taskID, err := pathUUID(r, "task_id")
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	task, err := h.Tasks.Cancel(r.Context(), h.Outbox, taskID, actor.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"task": newTaskResponse(task),
	})
}

// authorizeTaskActor lets operators and admins act on any task; drivers only
// on the task assigned to them.
func (h *Handler) authorizeTaskActor(w http.ResponseWriter, r *http.Request, actor actorx.ActorContext, taskID uuid.UUID) bool {
	if actor.Role == models.RoleOperator || actor.Role == models.RoleAdmin {
		return true
	}
	task, err := h.Tasks.GetByID(r.Context(), taskID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return false
	}
	if task.AssignedDriverID == nil || *task.AssignedDriverID != actor.ID {
		httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "task is not assigned to you", nil)
		return false
	}
	return true
}

func validTaskStatus(status string) bool {
	for _, s := range workflow.AllTaskStatuses() {
		if s == status {
			return true
		}
	}
	return false
}

func reportableReasons() []string {
	reasons := make([]string, 0, 3)
	for _, reason := range workflow.AllBlockedReasons() {
		if workflow.ReportableBlockedReason(reason) {
			reasons = append(reasons, reason)
		}
	}
	return reasons
}
