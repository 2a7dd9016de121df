// Package reconcile sweeps the task pool for work the normal request flow
// left behind: pool tasks nobody claimed, and claimed tasks whose driver
// went silent. It runs on a schedule from the worker process and is the
// only writer allowed to use the long_wait blocked reason.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wolfhound389/Regparkovka/api/internal/models"
	"github.com/wolfhound389/Regparkovka/api/internal/repos"
	"github.com/wolfhound389/Regparkovka/shared/clockx"
	"github.com/wolfhound389/Regparkovka/shared/logx"
	"github.com/wolfhound389/Regparkovka/shared/metricsx"
	"github.com/wolfhound389/Regparkovka/shared/workflow"
)

// TaskStore is the slice of the tasks repository the sweeps need.
type TaskStore interface {
	StalePoolTaskIDs(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	EscalatePoolTask(ctx context.Context, outbox *repos.OutboxRepo, taskID uuid.UUID, cutoff time.Time, recipients []uuid.UUID, operators []uuid.UUID) (models.Task, bool, error)
	InProgressTimeoutIDs(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	Block(ctx context.Context, outbox *repos.OutboxRepo, taskID uuid.UUID, reason string, actorID *uuid.UUID, forced bool) (models.Task, error)
}

// UserStore supplies notification recipients for escalations.
type UserStore interface {
	TransferDriverSnapshot(ctx context.Context) ([]models.User, error)
	OperatorSnapshot(ctx context.Context) ([]models.User, error)
}

type Reconciler struct {
	Tasks  TaskStore
	Users  UserStore
	Outbox *repos.OutboxRepo
	Clock  clockx.Clock
	Logger logx.Logger

	// PoolStaleAfter is how long a pool task may sit unclaimed before its
	// priority is nudged and transfer drivers are re-notified.
	PoolStaleAfter time.Duration
	// StuckAfter is how long an in_progress task may run before it is
	// force-blocked with the long_wait reason.
	StuckAfter time.Duration
}

// RunStats reports what one sweep changed.
type RunStats struct {
	Escalated int
	Forced    int
	Errors    int
}

// RunOnce performs both sweeps. Per-task failures are logged and counted
// but do not stop the run; only a failed scan query aborts it.
func (rc *Reconciler) RunOnce(ctx context.Context) (RunStats, error) {
	started := time.Now()
	defer func() {
		metricsx.ObserveReconcileRun(time.Since(started))
	}()

	var stats RunStats
	now := rc.Clock.Now()

	if err := rc.escalateStale(ctx, now, &stats); err != nil {
		return stats, err
	}
	if err := rc.forceBlockTimedOut(ctx, now, &stats); err != nil {
		return stats, err
	}

	if stats.Escalated > 0 || stats.Forced > 0 || stats.Errors > 0 {
		rc.Logger.Info(ctx, "reconcile_run", "reconcile sweep finished",
			slog.Int("escalated", stats.Escalated),
			slog.Int("forced", stats.Forced),
			slog.Int("errors", stats.Errors),
		)
	}
	return stats, nil
}

func (rc *Reconciler) escalateStale(ctx context.Context, now time.Time, stats *RunStats) error {
	cutoff := now.Add(-rc.PoolStaleAfter)
	ids, err := rc.Tasks.StalePoolTaskIDs(ctx, cutoff)
	if err != nil {
		rc.Logger.Error(ctx, "reconcile_scan_failed", "stale pool scan failed", logx.Err(err))
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	recipients := rc.transferDriverIDs(ctx)
	operators := rc.operatorIDs(ctx)

	for _, id := range ids {
		_, changed, err := rc.Tasks.EscalatePoolTask(ctx, rc.Outbox, id, cutoff, recipients, operators)
		if err != nil {
			stats.Errors++
			rc.Logger.Error(ctx, "reconcile_escalate_failed", "pool task escalation failed",
				slog.String("task_id", id.String()), logx.Err(err))
			continue
		}
		if changed {
			stats.Escalated++
			metricsx.IncReconcileAction("escalate")
		}
	}
	return nil
}

func (rc *Reconciler) forceBlockTimedOut(ctx context.Context, now time.Time, stats *RunStats) error {
	cutoff := now.Add(-rc.StuckAfter)
	ids, err := rc.Tasks.InProgressTimeoutIDs(ctx, cutoff)
	if err != nil {
		rc.Logger.Error(ctx, "reconcile_scan_failed", "timeout scan failed", logx.Err(err))
		return err
	}

	for _, id := range ids {
		// No actor: the reconciler acts on its own authority. forced keeps
		// the assignee on the task so a restart goes back to the same driver.
		_, err := rc.Tasks.Block(ctx, rc.Outbox, id, workflow.BlockedLongWait, nil, true)
		if err != nil {
			// The driver finished or an operator cancelled between the scan
			// and the lock. Not a failure.
			if errors.Is(err, repos.ErrInvalidStatus) || errors.Is(err, repos.ErrTaskNotFound) {
				continue
			}
			stats.Errors++
			rc.Logger.Error(ctx, "reconcile_block_failed", "force block failed",
				slog.String("task_id", id.String()), logx.Err(err))
			continue
		}
		stats.Forced++
		metricsx.IncReconcileAction("force_block")
	}
	return nil
}

func (rc *Reconciler) transferDriverIDs(ctx context.Context) []uuid.UUID {
	users, err := rc.Users.TransferDriverSnapshot(ctx)
	if err != nil {
		rc.Logger.Warn(ctx, "reconcile_snapshot_failed", "transfer driver snapshot failed", logx.Err(err))
		return nil
	}
	ids := make([]uuid.UUID, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.UserID)
	}
	return ids
}

func (rc *Reconciler) operatorIDs(ctx context.Context) []uuid.UUID {
	users, err := rc.Users.OperatorSnapshot(ctx)
	if err != nil {
		rc.Logger.Warn(ctx, "reconcile_snapshot_failed", "operator snapshot failed", logx.Err(err))
		return nil
	}
	ids := make([]uuid.UUID, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.UserID)
	}
	return ids
}
