package repos

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfhound389/Regparkovka/api/internal/models"
	"github.com/wolfhound389/Regparkovka/shared/clockx"
	"github.com/wolfhound389/Regparkovka/shared/events"
	"github.com/wolfhound389/Regparkovka/shared/workflow"
)

// Priority deltas applied when a task moves back to pending. Blocked-reason
// deltas live in shared/workflow next to the transition map.
const (
	restartBump     = 3
	reassignBump    = 5
	autoReleaseBump = 5
	escalateBump    = 1
)

type TasksRepo struct {
	pool  *pgxpool.Pool
	clock clockx.Clock
}

func NewTasksRepo(pool *pgxpool.Pool, clock clockx.Clock) *TasksRepo {
	if clock == nil {
		clock = clockx.System()
	}
	return &TasksRepo{pool: pool, clock: clock}
}

const taskColumns = `task_id, parking_id, creator_id, driver_id, assigned_driver_id, building, gate_number, status, priority, in_pool, stuck_reason, started_at, completed_at, created_at, updated_at`

func scanTask(row pgx.Row) (models.Task, error) {
	var t models.Task
	err := row.Scan(
		&t.TaskID, &t.ParkingID, &t.CreatorID, &t.DriverID, &t.AssignedDriverID,
		&t.Building, &t.GateNumber, &t.Status, &t.Priority, &t.InPool,
		&t.StuckReason, &t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}

type CreateTaskParams struct {
	SpotNumber int
	Building   string
	GateNumber int
	CreatorID  uuid.UUID
	// Recipients is the transfer-driver snapshot offered a pooled task.
	Recipients []uuid.UUID
}

// CreateTask opens a move-to-gate task for the vehicle on a spot. A hitch
// vehicle lands in the shared pool and every snapshot recipient gets an
// offer row; a non-hitch vehicle goes straight to its own driver.
func (r *TasksRepo) CreateTask(ctx context.Context, outbox *OutboxRepo, params CreateTaskParams) (models.Task, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Task{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	parking, err := activeParkingBySpot(ctx, tx, params.SpotNumber, true)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrNotOccupied
		}
		return models.Task{}, err
	}

	var open bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tasks
			WHERE parking_id = $1 AND status NOT IN ('completed', 'cancelled')
		)
	`, parking.ParkingID).Scan(&open)
	if err != nil {
		return models.Task{}, err
	}
	if open {
		err = ErrDuplicateActiveTask
		return models.Task{}, err
	}

	now := r.clock.Now()
	inPool := models.TransferCapable(parking.VehicleClass)
	var assigned *uuid.UUID
	if !inPool {
		owner := parking.DriverID
		assigned = &owner
	}

	task, err := scanTask(tx.QueryRow(ctx, `
		INSERT INTO tasks (task_id, parking_id, creator_id, driver_id, assigned_driver_id, building, gate_number, status, priority, in_pool, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $10)
		ON CONFLICT (parking_id) WHERE status IN ('pending', 'in_progress') DO NOTHING
		RETURNING `+taskColumns+`
	`, uuid.New(), parking.ParkingID, params.CreatorID, parking.DriverID, assigned,
		params.Building, params.GateNumber, workflow.TaskStatusPending, inPool, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrDuplicateActiveTask
		}
		return models.Task{}, err
	}

	actor := params.CreatorID
	if err = recordTaskTransition(ctx, tx, outbox, task, "", workflow.TaskEventCreated, &actor, now, map[string]any{
		"spot_number": params.SpotNumber,
		"gate_number": params.GateNumber,
		"building":    params.Building,
	}); err != nil {
		return models.Task{}, err
	}

	if inPool {
		for _, recipient := range params.Recipients {
			if err = insertTaskIntent(ctx, tx, outbox, now, events.NotifyTaskOffer, recipient, task, map[string]any{
				"spot_number": params.SpotNumber,
				"gate_number": params.GateNumber,
				"building":    params.Building,
				"priority":    task.Priority,
			}); err != nil {
				return models.Task{}, err
			}
		}
	} else {
		if err = insertTaskIntent(ctx, tx, outbox, now, events.NotifyTaskAssigned, parking.DriverID, task, map[string]any{
			"spot_number": params.SpotNumber,
			"gate_number": params.GateNumber,
			"building":    params.Building,
		}); err != nil {
			return models.Task{}, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Task{}, err
	}
	return task, nil
}

// Claim hands the best pooled task to a transfer driver: highest priority
// first, oldest first within a priority. SKIP LOCKED keeps concurrent
// claimants from colliding on the same row. A stuck task still attributed
// to the claimant is first released back to the pool so one driver cannot
// wedge a vehicle forever.
func (r *TasksRepo) Claim(ctx context.Context, outbox *OutboxRepo, driverID uuid.UUID, recipients []uuid.UUID) (models.Task, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Task{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var busy bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tasks WHERE assigned_driver_id = $1 AND status = 'in_progress'
		)
	`, driverID).Scan(&busy)
	if err != nil {
		return models.Task{}, err
	}
	if busy {
		err = ErrDuplicateActiveTask
		return models.Task{}, err
	}

	now := r.clock.Now()
	if err = r.autoReleaseStuck(ctx, tx, outbox, driverID, recipients, now); err != nil {
		return models.Task{}, err
	}

	task, err := scanTask(tx.QueryRow(ctx, `
		SELECT `+prefixedTaskColumns("t")+`
		FROM tasks t
		JOIN parkings p ON p.parking_id = t.parking_id
		WHERE t.status = 'pending' AND t.in_pool
			AND p.departed_at IS NULL AND p.vehicle_class = 'hitch'
		ORDER BY t.priority DESC, t.created_at ASC
		LIMIT 1
		FOR UPDATE OF t SKIP LOCKED
	`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrNoTaskAvailable
		}
		return models.Task{}, err
	}

	fromStatus := task.Status
	task.Status = workflow.TaskStatusInProgress
	task.AssignedDriverID = &driverID
	task.StartedAt = &now

	task, err = updateTask(ctx, tx, task, now)
	if err != nil {
		return models.Task{}, err
	}

	if err = recordTaskTransition(ctx, tx, outbox, task, fromStatus, workflow.TaskEventClaimed, &driverID, now, nil); err != nil {
		return models.Task{}, err
	}
	if err = insertTaskIntent(ctx, tx, outbox, now, events.NotifyTaskAssigned, task.CreatorID, task, map[string]any{
		"assigned_driver_id": driverID,
	}); err != nil {
		return models.Task{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Task{}, err
	}
	return task, nil
}

func (r *TasksRepo) autoReleaseStuck(ctx context.Context, tx pgx.Tx, outbox *OutboxRepo, driverID uuid.UUID, recipients []uuid.UUID, now time.Time) error {
	task, err := scanTask(tx.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE assigned_driver_id = $1 AND status = 'stuck'
		ORDER BY updated_at ASC
		LIMIT 1
		FOR UPDATE
	`, driverID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	}

	class, err := vehicleClassOf(ctx, tx, task.ParkingID)
	if err != nil {
		return err
	}

	fromStatus := task.Status
	task.Status = workflow.TaskStatusPending
	task.Priority = workflow.Bump(task.Priority, autoReleaseBump)
	task.InPool = models.TransferCapable(class)
	task.AssignedDriverID = nil
	task.StuckReason = nil
	task.StartedAt = nil

	task, err = updateTask(ctx, tx, task, now)
	if err != nil {
		return err
	}

	if err = recordTaskTransition(ctx, tx, outbox, task, fromStatus, workflow.TaskEventAutoFreed, &driverID, now, map[string]any{
		"priority_delta": autoReleaseBump,
	}); err != nil {
		return err
	}
	if task.InPool {
		if err = broadcastTaskOffers(ctx, tx, outbox, now, task, recipients); err != nil {
			return err
		}
	}
	return nil
}

// Complete closes the move and departs the occupancy through the task's
// gate in one transaction; the freed spot goes to the queue head. Retrying
// a finished task is a conflict, the spot is released exactly once.
func (r *TasksRepo) Complete(ctx context.Context, outbox *OutboxRepo, taskID uuid.UUID, actorID uuid.UUID) (models.Task, *models.QueueEntry, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Task{}, nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	task, err := lockTask(ctx, tx, taskID)
	if err != nil {
		return models.Task{}, nil, err
	}
	if task.Status != workflow.TaskStatusInProgress {
		err = ErrInvalidStatus
		return models.Task{}, nil, err
	}

	now := r.clock.Now()
	fromStatus := task.Status
	task.Status = workflow.TaskStatusCompleted
	task.CompletedAt = &now
	task.InPool = false

	task, err = updateTask(ctx, tx, task, now)
	if err != nil {
		return models.Task{}, nil, err
	}

	if err = recordTaskTransition(ctx, tx, outbox, task, fromStatus, workflow.TaskEventCompleted, &actorID, now, map[string]any{
		"gate_number": task.GateNumber,
		"building":    task.Building,
	}); err != nil {
		return models.Task{}, nil, err
	}

	var promoted *models.QueueEntry
	parking, err := scanParking(tx.QueryRow(ctx, `
		SELECT `+parkingColumns+` FROM parkings
		WHERE parking_id = $1 AND departed_at IS NULL
		FOR UPDATE
	`, task.ParkingID))
	if err == nil {
		if _, err = departOccupancy(ctx, tx, parking.ParkingID, now, &task.Building, &task.GateNumber); err != nil {
			return models.Task{}, nil, err
		}
		if promoted, err = promoteHead(ctx, tx, outbox, parking.SpotNumber, now); err != nil {
			return models.Task{}, nil, err
		}
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, nil, err
	} else {
		err = nil
	}

	if err = insertTaskIntent(ctx, tx, outbox, now, events.NotifyTaskCompleted, task.CreatorID, task, map[string]any{
		"gate_number": task.GateNumber,
	}); err != nil {
		return models.Task{}, nil, err
	}
	if task.DriverID != actorID {
		if err = insertTaskIntent(ctx, tx, outbox, now, events.NotifyTaskCompleted, task.DriverID, task, map[string]any{
			"gate_number": task.GateNumber,
		}); err != nil {
			return models.Task{}, nil, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Task{}, nil, err
	}
	return task, promoted, nil
}

// Block parks the task in stuck with the reason's consequences applied.
// forced admits the reconciler-only reason; everything else is caller
// facing. A stuck task never leaves the pool flag misleading: it stays
// pool-eligible but unclaimable until something moves it back to pending.
func (r *TasksRepo) Block(ctx context.Context, outbox *OutboxRepo, taskID uuid.UUID, reason string, actorID *uuid.UUID, forced bool) (models.Task, error) {
	reason = workflow.NormalizeStatus(reason)
	if !forced && !workflow.ReportableBlockedReason(reason) {
		return models.Task{}, ErrInvalidBlockReason
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Task{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	task, err := lockTask(ctx, tx, taskID)
	if err != nil {
		return models.Task{}, err
	}
	if task.Status != workflow.TaskStatusInProgress {
		err = ErrInvalidStatus
		return models.Task{}, err
	}

	class, err := vehicleClassOf(ctx, tx, task.ParkingID)
	if err != nil {
		return models.Task{}, err
	}
	outcome, ok := workflow.ResolveBlocked(reason, models.TransferCapable(class))
	if !ok {
		err = ErrInvalidBlockReason
		return models.Task{}, err
	}

	now := r.clock.Now()
	fromStatus := task.Status
	previousAssignee := task.AssignedDriverID
	task.Status = workflow.TaskStatusStuck
	task.StuckReason = &reason
	task.Priority = workflow.Bump(task.Priority, outcome.Delta)
	task.InPool = outcome.StayInPool
	if !outcome.KeepAssignee {
		task.AssignedDriverID = nil
	}

	task, err = updateTask(ctx, tx, task, now)
	if err != nil {
		return models.Task{}, err
	}

	if err = recordTaskTransition(ctx, tx, outbox, task, fromStatus, workflow.TaskEventBlocked, actorID, now, map[string]any{
		"reason":         reason,
		"priority_delta": outcome.Delta,
	}); err != nil {
		return models.Task{}, err
	}
	if err = insertTaskIntent(ctx, tx, outbox, now, events.NotifyTaskBlocked, task.CreatorID, task, map[string]any{
		"reason": reason,
	}); err != nil {
		return models.Task{}, err
	}
	if forced && previousAssignee != nil {
		if err = insertTaskIntent(ctx, tx, outbox, now, events.NotifyTaskBlocked, *previousAssignee, task, map[string]any{
			"reason": reason,
		}); err != nil {
			return models.Task{}, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Task{}, err
	}
	return task, nil
}

// Restart moves a stuck task back to pending with a small bump.
func (r *TasksRepo) Restart(ctx context.Context, outbox *OutboxRepo, taskID uuid.UUID, actorID uuid.UUID, recipients []uuid.UUID) (models.Task, error) {
	return r.reopenStuck(ctx, outbox, taskID, actorID, recipients, restartBump, workflow.TaskEventRestarted, nil)
}

// ReassignGate redirects a stuck task to a new gate and reopens it. The
// caller validates the gate against the gate table first.
func (r *TasksRepo) ReassignGate(ctx context.Context, outbox *OutboxRepo, taskID uuid.UUID, building string, gateNumber int, actorID uuid.UUID, recipients []uuid.UUID) (models.Task, error) {
	retarget := func(task *models.Task) {
		task.Building = building
		task.GateNumber = gateNumber
	}
	return r.reopenStuck(ctx, outbox, taskID, actorID, recipients, reassignBump, workflow.TaskEventGateMoved, retarget)
}

func (r *TasksRepo) reopenStuck(ctx context.Context, outbox *OutboxRepo, taskID uuid.UUID, actorID uuid.UUID, recipients []uuid.UUID, bump int, eventType string, retarget func(*models.Task)) (models.Task, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Task{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	task, err := lockTask(ctx, tx, taskID)
	if err != nil {
		return models.Task{}, err
	}
	if task.Status != workflow.TaskStatusStuck {
		err = ErrInvalidStatus
		return models.Task{}, err
	}

	class, err := vehicleClassOf(ctx, tx, task.ParkingID)
	if err != nil {
		return models.Task{}, err
	}

	now := r.clock.Now()
	fromStatus := task.Status
	previousReason := ""
	if task.StuckReason != nil {
		previousReason = *task.StuckReason
	}
	task.Status = workflow.TaskStatusPending
	task.Priority = workflow.Bump(task.Priority, bump)
	task.InPool = models.TransferCapable(class)
	task.StuckReason = nil
	task.AssignedDriverID = nil
	task.StartedAt = nil
	if retarget != nil {
		retarget(&task)
	}

	task, err = updateTask(ctx, tx, task, now)
	if err != nil {
		return models.Task{}, err
	}

	if err = recordTaskTransition(ctx, tx, outbox, task, fromStatus, eventType, &actorID, now, map[string]any{
		"previous_reason": previousReason,
		"priority_delta":  bump,
		"gate_number":     task.GateNumber,
		"building":        task.Building,
	}); err != nil {
		return models.Task{}, err
	}

	if task.InPool {
		if err = broadcastTaskOffers(ctx, tx, outbox, now, task, recipients); err != nil {
			return models.Task{}, err
		}
	} else {
		if err = insertTaskIntent(ctx, tx, outbox, now, events.NotifyTaskRestarted, task.DriverID, task, map[string]any{
			"gate_number": task.GateNumber,
		}); err != nil {
			return models.Task{}, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Task{}, err
	}
	return task, nil
}

// RestartAllStuck reopens every stuck task. Tasks that changed between the
// snapshot and their row lock are skipped, not failed.
func (r *TasksRepo) RestartAllStuck(ctx context.Context, outbox *OutboxRepo, actorID uuid.UUID, recipients []uuid.UUID) (int, error) {
	ids, err := r.taskIDsByStatus(ctx, workflow.TaskStatusStuck)
	if err != nil {
		return 0, err
	}

	restarted := 0
	for _, id := range ids {
		if _, err := r.Restart(ctx, outbox, id, actorID, recipients); err != nil {
			if errors.Is(err, ErrInvalidStatus) {
				continue
			}
			return restarted, err
		}
		restarted++
	}
	return restarted, nil
}

// Cancel closes a task from any non-terminal status.
func (r *TasksRepo) Cancel(ctx context.Context, outbox *OutboxRepo, taskID uuid.UUID, actorID uuid.UUID) (models.Task, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Task{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	task, err := lockTask(ctx, tx, taskID)
	if err != nil {
		return models.Task{}, err
	}
	if workflow.IsTerminalTaskStatus(task.Status) {
		err = ErrInvalidStatus
		return models.Task{}, err
	}

	now := r.clock.Now()
	fromStatus := task.Status
	previousAssignee := task.AssignedDriverID
	task.Status = workflow.TaskStatusCancelled
	task.InPool = false
	task.AssignedDriverID = nil

	task, err = updateTask(ctx, tx, task, now)
	if err != nil {
		return models.Task{}, err
	}

	if err = recordTaskTransition(ctx, tx, outbox, task, fromStatus, workflow.TaskEventCancelled, &actorID, now, nil); err != nil {
		return models.Task{}, err
	}
	if err = insertTaskIntent(ctx, tx, outbox, now, events.NotifyTaskCancelled, task.DriverID, task, nil); err != nil {
		return models.Task{}, err
	}
	if previousAssignee != nil && *previousAssignee != task.DriverID {
		if err = insertTaskIntent(ctx, tx, outbox, now, events.NotifyTaskCancelled, *previousAssignee, task, nil); err != nil {
			return models.Task{}, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Task{}, err
	}
	return task, nil
}

// StalePoolTaskIDs snapshots pending pool tasks not touched since the
// cutoff. The reconciler re-checks each row under its own lock.
func (r *TasksRepo) StalePoolTaskIDs(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT t.task_id
		FROM tasks t
		JOIN parkings p ON p.parking_id = t.parking_id
		WHERE t.status = 'pending' AND t.in_pool
			AND p.departed_at IS NULL
			AND t.created_at <= $1 AND t.updated_at <= $1
		ORDER BY t.created_at
	`, cutoff)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

// EscalatePoolTask bumps one stale pool task and re-offers it. changed is
// false when the task moved on (or was bumped by a racing run) since the
// snapshot.
func (r *TasksRepo) EscalatePoolTask(ctx context.Context, outbox *OutboxRepo, taskID uuid.UUID, cutoff time.Time, recipients []uuid.UUID, operators []uuid.UUID) (models.Task, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Task{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	task, err := lockTask(ctx, tx, taskID)
	if err != nil {
		return models.Task{}, false, err
	}
	if task.Status != workflow.TaskStatusPending || !task.InPool || task.UpdatedAt.After(cutoff) {
		if err = tx.Commit(ctx); err != nil {
			return models.Task{}, false, err
		}
		return task, false, nil
	}

	now := r.clock.Now()
	task.Priority = workflow.Bump(task.Priority, escalateBump)

	task, err = updateTask(ctx, tx, task, now)
	if err != nil {
		return models.Task{}, false, err
	}

	if err = appendTaskEvent(ctx, tx, models.TaskEvent{
		TaskID:     task.TaskID,
		EventType:  workflow.TaskEventBumped,
		OccurredAt: now,
		Payload:    mustJSON(map[string]any{"priority_delta": escalateBump, "priority": task.Priority}),
	}); err != nil {
		return models.Task{}, false, err
	}
	if err = insertTaskStreamEvent(ctx, tx, outbox, now, workflow.TaskEventBumped, task, task.Status); err != nil {
		return models.Task{}, false, err
	}
	if err = broadcastTaskOffers(ctx, tx, outbox, now, task, recipients); err != nil {
		return models.Task{}, false, err
	}
	if err = insertTaskIntent(ctx, tx, outbox, now, events.NotifyPriorityBumped, task.DriverID, task, map[string]any{
		"priority": task.Priority,
	}); err != nil {
		return models.Task{}, false, err
	}
	for _, operator := range operators {
		if err = insertTaskIntent(ctx, tx, outbox, now, events.NotifyOperatorAlert, operator, task, map[string]any{
			"alert":    "stale_pool_task",
			"priority": task.Priority,
		}); err != nil {
			return models.Task{}, false, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Task{}, false, err
	}
	return task, true, nil
}

// InProgressTimeoutIDs snapshots tasks running since before the cutoff.
func (r *TasksRepo) InProgressTimeoutIDs(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT task_id FROM tasks
		WHERE status = 'in_progress' AND started_at IS NOT NULL AND started_at <= $1
		ORDER BY started_at
	`, cutoff)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

func (r *TasksRepo) GetByID(ctx context.Context, taskID uuid.UUID) (models.Task, error) {
	task, err := scanTask(r.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE task_id = $1
	`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, ErrTaskNotFound
	}
	return task, err
}

// MyTask returns the driver's running task.
func (r *TasksRepo) MyTask(ctx context.Context, driverID uuid.UUID) (models.Task, error) {
	task, err := scanTask(r.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE assigned_driver_id = $1 AND status = 'in_progress'
	`, driverID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, ErrTaskNotFound
	}
	return task, err
}

func (r *TasksRepo) ListByStatus(ctx context.Context, status string, limit int, offset int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{limit, offset}
	if status != "" {
		query += ` WHERE status = $3`
		args = append(args, workflow.NormalizeStatus(status))
	}
	query += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (r *TasksRepo) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, count(*) FROM tasks GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListTaskEvents returns a task's transition history, oldest first.
func (r *TasksRepo) ListTaskEvents(ctx context.Context, taskID uuid.UUID) ([]models.TaskEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, task_id, event_type, from_status, to_status, occurred_at, actor_user_id, payload
		FROM task_events
		WHERE task_id = $1
		ORDER BY occurred_at, event_id
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.TaskEvent
	for rows.Next() {
		var event models.TaskEvent
		if err := rows.Scan(
			&event.EventID, &event.TaskID, &event.EventType, &event.FromStatus,
			&event.ToStatus, &event.OccurredAt, &event.ActorUserID, &event.Payload,
		); err != nil {
			return nil, err
		}
		list = append(list, event)
	}
	return list, rows.Err()
}

// InsertTaskEventFromStream mirrors a consumed stream event into task_events.
// The event_id primary key makes redelivery a no-op.
func (r *TasksRepo) InsertTaskEventFromStream(ctx context.Context, event models.TaskEvent) (bool, error) {
	if event.EventID == uuid.Nil {
		return false, errors.New("stream event without event_id")
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO task_events (event_id, task_id, event_type, from_status, to_status, occurred_at, actor_user_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING
	`, event.EventID, event.TaskID, event.EventType, event.FromStatus, event.ToStatus, event.OccurredAt, event.ActorUserID, event.Payload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *TasksRepo) taskIDsByStatus(ctx context.Context, status string) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT task_id FROM tasks WHERE status = $1 ORDER BY created_at
	`, status)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

func lockTask(ctx context.Context, db DBTX, taskID uuid.UUID) (models.Task, error) {
	task, err := scanTask(db.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE task_id = $1 FOR UPDATE
	`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, ErrTaskNotFound
	}
	return task, err
}

func updateTask(ctx context.Context, db DBTX, task models.Task, now time.Time) (models.Task, error) {
	return scanTask(db.QueryRow(ctx, `
		UPDATE tasks
		SET status = $2, priority = $3, in_pool = $4, assigned_driver_id = $5, stuck_reason = $6,
			started_at = $7, completed_at = $8, building = $9, gate_number = $10, updated_at = $11
		WHERE task_id = $1
		RETURNING `+taskColumns+`
	`, task.TaskID, task.Status, task.Priority, task.InPool, task.AssignedDriverID, task.StuckReason,
		task.StartedAt, task.CompletedAt, task.Building, task.GateNumber, now))
}

func vehicleClassOf(ctx context.Context, db DBTX, parkingID uuid.UUID) (string, error) {
	var class string
	err := db.QueryRow(ctx, `
		SELECT vehicle_class FROM parkings WHERE parking_id = $1
	`, parkingID).Scan(&class)
	return class, err
}

func appendTaskEvent(ctx context.Context, db DBTX, event models.TaskEvent) error {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	_, err := db.Exec(ctx, `
		INSERT INTO task_events (event_id, task_id, event_type, from_status, to_status, occurred_at, actor_user_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, event.EventID, event.TaskID, event.EventType, event.FromStatus, event.ToStatus, event.OccurredAt, event.ActorUserID, event.Payload)
	return err
}

// recordTaskTransition writes the task_events row and the task.events
// stream envelope for one transition.
func recordTaskTransition(ctx context.Context, db DBTX, outbox *OutboxRepo, task models.Task, fromStatus string, eventType string, actorID *uuid.UUID, now time.Time, payload map[string]any) error {
	event := models.TaskEvent{
		TaskID:      task.TaskID,
		EventType:   eventType,
		OccurredAt:  now,
		ActorUserID: actorID,
	}
	if fromStatus != "" {
		event.FromStatus = &fromStatus
	}
	toStatus := task.Status
	event.ToStatus = &toStatus
	if payload != nil {
		event.Payload = mustJSON(payload)
	}
	if err := appendTaskEvent(ctx, db, event); err != nil {
		return err
	}
	return insertTaskStreamEvent(ctx, db, outbox, now, eventType, task, fromStatus)
}

func insertTaskStreamEvent(ctx context.Context, db DBTX, outbox *OutboxRepo, now time.Time, eventType string, task models.Task, fromStatus string) error {
	if outbox == nil {
		return nil
	}
	body := map[string]any{
		"task_id":     task.TaskID,
		"parking_id":  task.ParkingID,
		"from_status": fromStatus,
		"to_status":   task.Status,
		"priority":    task.Priority,
		"in_pool":     task.InPool,
		"building":    task.Building,
		"gate_number": task.GateNumber,
	}
	event, err := NewStreamEvent(now, events.TopicTaskEvents, "task", task.TaskID, eventType, body)
	if err != nil {
		return err
	}
	_, err = outbox.Insert(ctx, db, event)
	return err
}

func insertTaskIntent(ctx context.Context, db DBTX, outbox *OutboxRepo, now time.Time, kind string, recipient uuid.UUID, task models.Task, body map[string]any) error {
	if outbox == nil {
		return nil
	}
	if body == nil {
		body = map[string]any{}
	}
	body["task_id"] = task.TaskID
	event, err := NewNotificationEvent(now, kind, recipient, "task", task.TaskID, body)
	if err != nil {
		return err
	}
	_, err = outbox.Insert(ctx, db, event)
	return err
}

func broadcastTaskOffers(ctx context.Context, db DBTX, outbox *OutboxRepo, now time.Time, task models.Task, recipients []uuid.UUID) error {
	for _, recipient := range recipients {
		if err := insertTaskIntent(ctx, db, outbox, now, events.NotifyTaskOffer, recipient, task, map[string]any{
			"gate_number": task.GateNumber,
			"building":    task.Building,
			"priority":    task.Priority,
		}); err != nil {
			return err
		}
	}
	return nil
}

func collectIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func mustJSON(v map[string]any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return raw
}

func prefixedTaskColumns(alias string) string {
	return alias + `.task_id, ` + alias + `.parking_id, ` + alias + `.creator_id, ` + alias + `.driver_id, ` +
		alias + `.assigned_driver_id, ` + alias + `.building, ` + alias + `.gate_number, ` + alias + `.status, ` +
		alias + `.priority, ` + alias + `.in_pool, ` + alias + `.stuck_reason, ` + alias + `.started_at, ` +
		alias + `.completed_at, ` + alias + `.created_at, ` + alias + `.updated_at`
}
