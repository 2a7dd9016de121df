package main

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wolfhound389/Regparkovka/shared/workflow"
)

func TestYardStateTracksStuckTasks(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	state := newYardState(5*time.Minute, time.Minute)
	taskA := uuid.New()
	taskB := uuid.New()

	state.recordTask(taskA, workflow.TaskEventBlocked, workflow.TaskStatusStuck, now)
	state.recordTask(taskB, workflow.TaskEventBlocked, workflow.TaskStatusStuck, now)
	snap := state.snapshot(now)
	if snap.StuckCount != 2 || snap.Blocked != 2 {
		t.Fatalf("snapshot = %+v, want 2 stuck 2 blocked", snap)
	}

	// A bump on a stuck task keeps it stuck.
	state.recordTask(taskA, workflow.TaskEventBumped, workflow.TaskStatusStuck, now.Add(time.Second))
	if snap := state.snapshot(now.Add(time.Second)); snap.StuckCount != 2 {
		t.Fatalf("stuck after bump = %d, want 2", snap.StuckCount)
	}

	state.recordTask(taskA, workflow.TaskEventRestarted, workflow.TaskStatusPending, now.Add(2*time.Second))
	state.recordTask(taskB, workflow.TaskEventCancelled, workflow.TaskStatusCancelled, now.Add(2*time.Second))
	if snap := state.snapshot(now.Add(2 * time.Second)); snap.StuckCount != 0 {
		t.Fatalf("stuck after restart+cancel = %d, want 0", snap.StuckCount)
	}
}

func TestYardStateWindowTrimsFlow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	state := newYardState(time.Minute, time.Minute)

	state.recordTask(uuid.New(), workflow.TaskEventCompleted, workflow.TaskStatusCompleted, now)
	state.recordTask(uuid.New(), workflow.TaskEventCompleted, workflow.TaskStatusCompleted, now.Add(30*time.Second))
	if snap := state.snapshot(now.Add(45 * time.Second)); snap.Completed != 2 {
		t.Fatalf("completed = %d, want 2", snap.Completed)
	}
	if snap := state.snapshot(now.Add(70 * time.Second)); snap.Completed != 1 {
		t.Fatalf("completed after window = %d, want 1", snap.Completed)
	}
	if snap := state.snapshot(now.Add(2 * time.Minute)); snap.Completed != 0 {
		t.Fatalf("completed after full window = %d, want 0", snap.Completed)
	}
}

func TestYardStateQueueMembership(t *testing.T) {
	state := newYardState(time.Minute, time.Minute)
	entryA := uuid.New()
	entryB := uuid.New()
	now := time.Now().UTC()

	state.recordQueue(entryA, workflow.QueueEventJoined)
	state.recordQueue(entryB, workflow.QueueEventJoined)
	// An offer keeps the entry in the queue.
	state.recordQueue(entryA, workflow.QueueEventSpotOffered)
	if snap := state.snapshot(now); snap.QueueDepth != 2 {
		t.Fatalf("depth = %d, want 2", snap.QueueDepth)
	}

	state.recordQueue(entryA, workflow.QueueEventPromoted)
	state.recordQueue(entryB, workflow.QueueEventLeft)
	if snap := state.snapshot(now); snap.QueueDepth != 0 {
		t.Fatalf("depth after promote+leave = %d, want 0", snap.QueueDepth)
	}
}

func TestYardStateAlertCooldown(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	state := newYardState(time.Minute, 2*time.Minute)

	if !state.allowAlert(alertStuckTasks, now) {
		t.Fatal("first alert suppressed")
	}
	if state.allowAlert(alertStuckTasks, now.Add(time.Minute)) {
		t.Fatal("alert inside cooldown not suppressed")
	}
	// A different kind has its own timer.
	if !state.allowAlert(alertQueueBacklog, now.Add(time.Minute)) {
		t.Fatal("independent alert kind suppressed")
	}
	if !state.allowAlert(alertStuckTasks, now.Add(3*time.Minute)) {
		t.Fatal("alert after cooldown suppressed")
	}
}
