package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wolfhound389/Regparkovka/api/internal/models"
	"github.com/wolfhound389/Regparkovka/api/internal/repos"
	"github.com/wolfhound389/Regparkovka/shared/clockx"
	"github.com/wolfhound389/Regparkovka/shared/logx"
	"github.com/wolfhound389/Regparkovka/shared/workflow"
)

type escalateCall struct {
	taskID     uuid.UUID
	cutoff     time.Time
	recipients []uuid.UUID
	operators  []uuid.UUID
}

type blockCall struct {
	taskID uuid.UUID
	reason string
	actor  *uuid.UUID
	forced bool
}

type fakeTaskStore struct {
	staleIDs    []uuid.UUID
	staleErr    error
	timeoutIDs  []uuid.UUID
	timeoutErr  error
	escalateFn  func(taskID uuid.UUID) (bool, error)
	blockErr    map[uuid.UUID]error
	staleCutoff time.Time
	timedCutoff time.Time
	escalations []escalateCall
	blocks      []blockCall
}

func (f *fakeTaskStore) StalePoolTaskIDs(_ context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	f.staleCutoff = cutoff
	return f.staleIDs, f.staleErr
}

func (f *fakeTaskStore) EscalatePoolTask(_ context.Context, _ *repos.OutboxRepo, taskID uuid.UUID, cutoff time.Time, recipients []uuid.UUID, operators []uuid.UUID) (models.Task, bool, error) {
	f.escalations = append(f.escalations, escalateCall{taskID: taskID, cutoff: cutoff, recipients: recipients, operators: operators})
	if f.escalateFn != nil {
		changed, err := f.escalateFn(taskID)
		return models.Task{TaskID: taskID}, changed, err
	}
	return models.Task{TaskID: taskID}, true, nil
}

func (f *fakeTaskStore) InProgressTimeoutIDs(_ context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	f.timedCutoff = cutoff
	return f.timeoutIDs, f.timeoutErr
}

func (f *fakeTaskStore) Block(_ context.Context, _ *repos.OutboxRepo, taskID uuid.UUID, reason string, actorID *uuid.UUID, forced bool) (models.Task, error) {
	f.blocks = append(f.blocks, blockCall{taskID: taskID, reason: reason, actor: actorID, forced: forced})
	if err, ok := f.blockErr[taskID]; ok {
		return models.Task{}, err
	}
	return models.Task{TaskID: taskID, Status: workflow.TaskStatusStuck}, nil
}

type fakeUserStore struct {
	transfer    []models.User
	transferErr error
	operators   []models.User
	operatorErr error
}

func (f *fakeUserStore) TransferDriverSnapshot(context.Context) ([]models.User, error) {
	return f.transfer, f.transferErr
}

func (f *fakeUserStore) OperatorSnapshot(context.Context) ([]models.User, error) {
	return f.operators, f.operatorErr
}

func newTestReconciler(tasks *fakeTaskStore, users *fakeUserStore, clock clockx.Clock) *Reconciler {
	return &Reconciler{
		Tasks:          tasks,
		Users:          users,
		Clock:          clock,
		Logger:         logx.New("reconcile-test", "test", "", "error"),
		PoolStaleAfter: 15 * time.Minute,
		StuckAfter:     30 * time.Minute,
	}
}

func TestRunOnceEscalatesStalePoolTasks(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	driver := models.User{UserID: uuid.New(), Role: models.RoleDriverTransfer}
	operator := models.User{UserID: uuid.New(), Role: models.RoleOperator}
	tasks := &fakeTaskStore{staleIDs: []uuid.UUID{uuid.New(), uuid.New()}}
	users := &fakeUserStore{transfer: []models.User{driver}, operators: []models.User{operator}}
	rc := newTestReconciler(tasks, users, clockx.NewManual(now))

	stats, err := rc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Escalated != 2 || stats.Forced != 0 || stats.Errors != 0 {
		t.Fatalf("stats = %+v, want 2 escalated", stats)
	}

	wantCutoff := now.Add(-15 * time.Minute)
	if !tasks.staleCutoff.Equal(wantCutoff) {
		t.Fatalf("stale cutoff = %v, want %v", tasks.staleCutoff, wantCutoff)
	}
	if len(tasks.escalations) != 2 {
		t.Fatalf("escalation calls = %d, want 2", len(tasks.escalations))
	}
	first := tasks.escalations[0]
	if !first.cutoff.Equal(wantCutoff) {
		t.Fatalf("escalation cutoff = %v, want %v", first.cutoff, wantCutoff)
	}
	if len(first.recipients) != 1 || first.recipients[0] != driver.UserID {
		t.Fatalf("recipients = %v, want [%v]", first.recipients, driver.UserID)
	}
	if len(first.operators) != 1 || first.operators[0] != operator.UserID {
		t.Fatalf("operators = %v, want [%v]", first.operators, operator.UserID)
	}
}

func TestRunOnceSkipsUnchangedEscalations(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	changedID := uuid.New()
	racedID := uuid.New()
	tasks := &fakeTaskStore{
		staleIDs: []uuid.UUID{changedID, racedID},
		escalateFn: func(taskID uuid.UUID) (bool, error) {
			return taskID == changedID, nil
		},
	}
	rc := newTestReconciler(tasks, &fakeUserStore{}, clockx.NewManual(now))

	stats, err := rc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Escalated != 1 {
		t.Fatalf("escalated = %d, want 1", stats.Escalated)
	}
}

func TestRunOnceContinuesPastEscalationFailure(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	failID := uuid.New()
	okID := uuid.New()
	tasks := &fakeTaskStore{
		staleIDs: []uuid.UUID{failID, okID},
		escalateFn: func(taskID uuid.UUID) (bool, error) {
			if taskID == failID {
				return false, errors.New("deadlock detected")
			}
			return true, nil
		},
	}
	rc := newTestReconciler(tasks, &fakeUserStore{}, clockx.NewManual(now))

	stats, err := rc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Escalated != 1 || stats.Errors != 1 {
		t.Fatalf("stats = %+v, want 1 escalated 1 error", stats)
	}
	if len(tasks.escalations) != 2 {
		t.Fatalf("escalation calls = %d, want 2", len(tasks.escalations))
	}
}

func TestRunOnceForceBlocksTimedOutTasks(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	timedOut := uuid.New()
	tasks := &fakeTaskStore{timeoutIDs: []uuid.UUID{timedOut}}
	rc := newTestReconciler(tasks, &fakeUserStore{}, clockx.NewManual(now))

	stats, err := rc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Forced != 1 {
		t.Fatalf("forced = %d, want 1", stats.Forced)
	}

	wantCutoff := now.Add(-30 * time.Minute)
	if !tasks.timedCutoff.Equal(wantCutoff) {
		t.Fatalf("timeout cutoff = %v, want %v", tasks.timedCutoff, wantCutoff)
	}
	if len(tasks.blocks) != 1 {
		t.Fatalf("block calls = %d, want 1", len(tasks.blocks))
	}
	call := tasks.blocks[0]
	if call.taskID != timedOut {
		t.Fatalf("blocked %v, want %v", call.taskID, timedOut)
	}
	if call.reason != workflow.BlockedLongWait {
		t.Fatalf("reason = %q, want %q", call.reason, workflow.BlockedLongWait)
	}
	if call.actor != nil {
		t.Fatalf("actor = %v, want nil", call.actor)
	}
	if !call.forced {
		t.Fatal("forced = false, want true")
	}
}

func TestRunOnceIgnoresRacedBlocks(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	completed := uuid.New()
	gone := uuid.New()
	broken := uuid.New()
	tasks := &fakeTaskStore{
		timeoutIDs: []uuid.UUID{completed, gone, broken},
		blockErr: map[uuid.UUID]error{
			completed: repos.ErrInvalidStatus,
			gone:      repos.ErrTaskNotFound,
			broken:    errors.New("connection reset"),
		},
	}
	rc := newTestReconciler(tasks, &fakeUserStore{}, clockx.NewManual(now))

	stats, err := rc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Forced != 0 {
		t.Fatalf("forced = %d, want 0", stats.Forced)
	}
	if stats.Errors != 1 {
		t.Fatalf("errors = %d, want 1 (raced blocks are not errors)", stats.Errors)
	}
}

func TestRunOnceAbortsWhenScanFails(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	scanErr := errors.New("relation does not exist")
	tasks := &fakeTaskStore{staleErr: scanErr}
	rc := newTestReconciler(tasks, &fakeUserStore{}, clockx.NewManual(now))

	_, err := rc.RunOnce(context.Background())
	if !errors.Is(err, scanErr) {
		t.Fatalf("err = %v, want %v", err, scanErr)
	}
	if len(tasks.blocks) != 0 {
		t.Fatalf("block calls = %d, want 0 after aborted run", len(tasks.blocks))
	}
}

func TestRunOnceDegradesWhenSnapshotFails(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tasks := &fakeTaskStore{staleIDs: []uuid.UUID{uuid.New()}}
	users := &fakeUserStore{transferErr: errors.New("timeout"), operatorErr: errors.New("timeout")}
	rc := newTestReconciler(tasks, users, clockx.NewManual(now))

	stats, err := rc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Escalated != 1 {
		t.Fatalf("escalated = %d, want 1", stats.Escalated)
	}
	if tasks.escalations[0].recipients != nil {
		t.Fatalf("recipients = %v, want nil when snapshot fails", tasks.escalations[0].recipients)
	}
}
