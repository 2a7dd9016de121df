package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"

	"github.com/wolfhound389/Regparkovka/api/internal/gates"
	"github.com/wolfhound389/Regparkovka/api/internal/models"
	"github.com/wolfhound389/Regparkovka/api/internal/repos"
	"github.com/wolfhound389/Regparkovka/shared/actorx"
	"github.com/wolfhound389/Regparkovka/shared/httpx"
	"github.com/wolfhound389/Regparkovka/shared/logx"
)

const maxBodyBytes = 1 << 20

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Store interfaces mirror the repo methods the handlers call, so tests can
// swap in fakes without a database.

type ParkingStore interface {
	Release(ctx context.Context, outbox *repos.OutboxRepo, driverID uuid.UUID, building *string, gate *int) (models.Parking, *models.QueueEntry, error)
	ReleaseSpot(ctx context.Context, outbox *repos.OutboxRepo, spotNumber int, building *string, gate *int) (models.Parking, *models.QueueEntry, error)
	ActiveByDriver(ctx context.Context, driverID uuid.UUID) (models.Parking, error)
	ActiveBySpot(ctx context.Context, spotNumber int) (models.Parking, error)
	ActiveOccupancies(ctx context.Context) ([]models.Parking, error)
	OfferedSpots(ctx context.Context) ([]int, error)
	Capacity() int
}

type QueueStore interface {
	Arrive(ctx context.Context, outbox *repos.OutboxRepo, driverID uuid.UUID, vehicleClass string) (repos.ArrivalResult, error)
	ConfirmArrival(ctx context.Context, outbox *repos.OutboxRepo, driverID uuid.UUID) (models.Parking, models.QueueEntry, error)
	Leave(ctx context.Context, outbox *repos.OutboxRepo, driverID uuid.UUID) (models.QueueEntry, error)
	CancelEntry(ctx context.Context, outbox *repos.OutboxRepo, entryID uuid.UUID) (models.QueueEntry, *models.QueueEntry, error)
	EntryForDriver(ctx context.Context, driverID uuid.UUID) (models.QueueEntry, int, error)
	ListActive(ctx context.Context) ([]models.QueueEntry, error)
	Depth(ctx context.Context) (int, error)
}

type TaskStore interface {
	CreateTask(ctx context.Context, outbox *repos.OutboxRepo, params repos.CreateTaskParams) (models.Task, error)
	Claim(ctx context.Context, outbox *repos.OutboxRepo, driverID uuid.UUID, recipients []uuid.UUID) (models.Task, error)
	Complete(ctx context.Context, outbox *repos.OutboxRepo, taskID uuid.UUID, actorID uuid.UUID) (models.Task, *models.QueueEntry, error)
	Block(ctx context.Context, outbox *repos.OutboxRepo, taskID uuid.UUID, reason string, actorID *uuid.UUID, forced bool) (models.Task, error)
	Restart(ctx context.Context, outbox *repos.OutboxRepo, taskID uuid.UUID, actorID uuid.UUID, recipients []uuid.UUID) (models.Task, error)
	RestartAllStuck(ctx context.Context, outbox *repos.OutboxRepo, actorID uuid.UUID, recipients []uuid.UUID) (int, error)
	ReassignGate(ctx context.Context, outbox *repos.OutboxRepo, taskID uuid.UUID, building string, gateNumber int, actorID uuid.UUID, recipients []uuid.UUID) (models.Task, error)
	Cancel(ctx context.Context, outbox *repos.OutboxRepo, taskID uuid.UUID, actorID uuid.UUID) (models.Task, error)
	GetByID(ctx context.Context, taskID uuid.UUID) (models.Task, error)
	MyTask(ctx context.Context, driverID uuid.UUID) (models.Task, error)
	ListByStatus(ctx context.Context, status string, limit int, offset int) ([]models.Task, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
	ListTaskEvents(ctx context.Context, taskID uuid.UUID) ([]models.TaskEvent, error)
}

type UserStore interface {
	GetByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	UpdatePhone(ctx context.Context, userID uuid.UUID, phone string) (models.User, error)
	StartShift(ctx context.Context, outbox *repos.OutboxRepo, userID uuid.UUID, notifyRecipients []uuid.UUID) (models.User, bool, error)
	EndShift(ctx context.Context, outbox *repos.OutboxRepo, userID uuid.UUID, notifyRecipients []uuid.UUID) (models.User, bool, error)
	StartBreak(ctx context.Context, userID uuid.UUID) (models.User, bool, error)
	EndBreak(ctx context.Context, userID uuid.UUID) (models.User, bool, error)
	TransferDriverSnapshot(ctx context.Context) ([]models.User, error)
	OperatorSnapshot(ctx context.Context) ([]models.User, error)
	ShiftReport(ctx context.Context) ([]models.User, error)
	ListUsers(ctx context.Context, limit int, offset int) ([]models.User, error)
}

type RoleRequestStore interface {
	Create(ctx context.Context, userID uuid.UUID, requestedRole string) (models.RoleRequest, error)
	ListPending(ctx context.Context) ([]models.RoleRequest, error)
	Decide(ctx context.Context, outbox *repos.OutboxRepo, requestID uuid.UUID, approve bool, deciderID uuid.UUID) (models.RoleRequest, error)
}

// ActorCache invalidates the subject-to-user memo after writes that change
// what the actor middleware would resolve.
type ActorCache interface {
	Forget(subject string)
}

type Handler struct {
	Parkings ParkingStore
	Queue    QueueStore
	Tasks    TaskStore
	Users    UserStore
	Roles    RoleRequestStore
	Outbox   *repos.OutboxRepo
	Logger   logx.Logger
	Actors   ActorCache
	Board    *cache.Cache
	BoardTTL time.Duration
}

func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/me", h.handleMe)
	mux.HandleFunc("PUT /api/v1/me/phone", h.handleUpdatePhone)

	mux.HandleFunc("GET /api/v1/board", h.handleBoard)
	mux.HandleFunc("POST /api/v1/arrivals", h.handleArrive)
	mux.HandleFunc("POST /api/v1/arrivals/confirm", h.handleConfirmArrival)
	mux.HandleFunc("POST /api/v1/departures", h.handleDepart)
	mux.HandleFunc("GET /api/v1/parkings/my", h.handleMyParking)
	mux.HandleFunc("GET /api/v1/spots/{spot}", h.handleGetSpot)
	mux.HandleFunc("POST /api/v1/spots/{spot}/release", h.handleReleaseSpot)

	mux.HandleFunc("GET /api/v1/queue", h.handleQueueList)
	mux.HandleFunc("GET /api/v1/queue/my", h.handleQueueMy)
	mux.HandleFunc("DELETE /api/v1/queue", h.handleLeaveQueue)
	mux.HandleFunc("DELETE /api/v1/queue/{entry_id}", h.handleCancelQueueEntry)

	mux.HandleFunc("POST /api/v1/tasks", h.handleCreateTask)
	mux.HandleFunc("GET /api/v1/tasks", h.handleListTasks)
	mux.HandleFunc("POST /api/v1/tasks/claim", h.handleClaimTask)
	mux.HandleFunc("GET /api/v1/tasks/my", h.handleMyTask)
	mux.HandleFunc("POST /api/v1/tasks/restart-stuck", h.handleRestartAllStuck)
	mux.HandleFunc("GET /api/v1/tasks/{task_id}", h.handleGetTask)
	mux.HandleFunc("GET /api/v1/tasks/{task_id}/events", h.handleTaskEvents)
	mux.HandleFunc("POST /api/v1/tasks/{task_id}/complete", h.handleCompleteTask)
	mux.HandleFunc("POST /api/v1/tasks/{task_id}/block", h.handleBlockTask)
	mux.HandleFunc("POST /api/v1/tasks/{task_id}/restart", h.handleRestartTask)
	mux.HandleFunc("POST /api/v1/tasks/{task_id}/gate", h.handleReassignGate)
	mux.HandleFunc("DELETE /api/v1/tasks/{task_id}", h.handleCancelTask)

	mux.HandleFunc("POST /api/v1/shifts/start", h.handleStartShift)
	mux.HandleFunc("POST /api/v1/shifts/end", h.handleEndShift)
	mux.HandleFunc("GET /api/v1/shifts/report", h.handleShiftReport)
	mux.HandleFunc("POST /api/v1/breaks/start", h.handleStartBreak)
	mux.HandleFunc("POST /api/v1/breaks/end", h.handleEndBreak)

	mux.HandleFunc("POST /api/v1/roles/requests", h.handleCreateRoleRequest)
	mux.HandleFunc("GET /api/v1/roles/requests", h.handleListRoleRequests)
	mux.HandleFunc("POST /api/v1/roles/requests/{request_id}/decision", h.handleDecideRoleRequest)
	mux.HandleFunc("GET /api/v1/users", h.handleListUsers)
}

// requireActor loads the resolved actor and, when roles are given, enforces
// membership. It writes the error response itself on failure.
func (h *Handler) requireActor(w http.ResponseWriter, r *http.Request, roles ...string) (actorx.ActorContext, bool) {
	actor, ok := actorx.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing actor context", nil)
		return actorx.ActorContext{}, false
	}
	if len(roles) == 0 {
		return actor, true
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, true
		}
	}
	httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "role not allowed for this operation", map[string]any{"role": actor.Role})
	return actorx.ActorContext{}, false
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid json body")
	}
	return nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := strings.TrimSpace(r.PathValue(name))
	if raw == "" {
		return uuid.Nil, errors.New(name + " is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.New(name + " must be a UUID")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request) (int, int) {
	limit := defaultListLimit
	offset := 0
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if v := strings.TrimSpace(r.URL.Query().Get("offset")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// writeDomainError maps repo and gate errors onto the transport envelope.
// Anything unrecognized is a 500 and gets logged with the request id.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var gateErr *gates.InvalidGateError
	if errors.As(err, &gateErr) {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", gateErr.Error(), map[string]any{
			"reason":        "invalid_gate_number",
			"building":      gateErr.Building,
			"allowed_gates": gateErr.Allowed,
		})
		return
	}
	var domainErr *repos.DomainError
	if errors.As(err, &domainErr) {
		details := map[string]any{"reason": domainErr.Reason}
		switch domainErr.Kind {
		case repos.ErrKindConflict:
			httpx.WriteError(w, r, http.StatusConflict, "CONFLICT", domainErr.Error(), details)
		case repos.ErrKindNotFound:
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", domainErr.Error(), details)
		case repos.ErrKindInvalid:
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", domainErr.Error(), details)
		default:
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		}
		return
	}

	h.Logger.Error(r.Context(), "handler_error", "unhandled handler error",
		slog.String("error_code", "INTERNAL_ERROR"),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
}

// transferDriverIDs snapshots the current offer audience. Failure degrades
// to an empty fanout, never to a failed request.
func (h *Handler) transferDriverIDs(ctx context.Context) []uuid.UUID {
	drivers, err := h.Users.TransferDriverSnapshot(ctx)
	if err != nil {
		h.Logger.Warn(ctx, "snapshot_failed", "transfer driver snapshot failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		return nil
	}
	ids := make([]uuid.UUID, 0, len(drivers))
	for _, d := range drivers {
		ids = append(ids, d.UserID)
	}
	return ids
}

func (h *Handler) operatorIDs(ctx context.Context) []uuid.UUID {
	operators, err := h.Users.OperatorSnapshot(ctx)
	if err != nil {
		h.Logger.Warn(ctx, "snapshot_failed", "operator snapshot failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		return nil
	}
	ids := make([]uuid.UUID, 0, len(operators))
	for _, o := range operators {
		ids = append(ids, o.UserID)
	}
	return ids
}

func (h *Handler) forgetActor(subject string) {
	if h.Actors != nil && subject != "" {
		h.Actors.Forget(subject)
	}
}
