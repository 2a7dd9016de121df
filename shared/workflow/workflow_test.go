package workflow

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from string
		to   string
		want bool
	}{
		{TaskStatusPending, TaskStatusInProgress, true},
		{TaskStatusPending, TaskStatusCancelled, true},
		{TaskStatusPending, TaskStatusCompleted, false},
		{TaskStatusPending, TaskStatusStuck, false},
		{TaskStatusInProgress, TaskStatusCompleted, true},
		{TaskStatusInProgress, TaskStatusStuck, true},
		{TaskStatusInProgress, TaskStatusCancelled, true},
		{TaskStatusInProgress, TaskStatusPending, false},
		{TaskStatusStuck, TaskStatusPending, true},
		{TaskStatusStuck, TaskStatusCancelled, true},
		{TaskStatusStuck, TaskStatusInProgress, false},
		{TaskStatusCompleted, TaskStatusPending, false},
		{TaskStatusCancelled, TaskStatusInProgress, false},
		{"In_Progress", "COMPLETED", true},
		{TaskStatusCompleted, TaskStatusCompleted, true},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Fatalf("CanTransition(%q, %q) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestEventTypeForTransition(t *testing.T) {
	if got := EventTypeForTransition(TaskStatusPending, TaskStatusInProgress); got != TaskEventClaimed {
		t.Fatalf("expected %q, got %q", TaskEventClaimed, got)
	}
	if got := EventTypeForTransition(TaskStatusInProgress, TaskStatusStuck); got != TaskEventBlocked {
		t.Fatalf("expected %q, got %q", TaskEventBlocked, got)
	}
	if got := EventTypeForTransition(TaskStatusStuck, TaskStatusPending); got != TaskEventRestarted {
		t.Fatalf("expected %q, got %q", TaskEventRestarted, got)
	}
	if got := EventTypeForTransition(TaskStatusPending, TaskStatusPending); got != "" {
		t.Fatalf("same-status transition should have no event, got %q", got)
	}
	if got := EventTypeForTransition(TaskStatusCompleted, TaskStatusPending); got != "" {
		t.Fatalf("invalid transition should have no event, got %q", got)
	}
}

func TestQueueTransitions(t *testing.T) {
	cases := []struct {
		from string
		to   string
		want bool
	}{
		{QueueStatusWaiting, QueueStatusNotified, true},
		{QueueStatusWaiting, QueueStatusCancelled, true},
		{QueueStatusWaiting, QueueStatusPromoted, false},
		{QueueStatusNotified, QueueStatusPromoted, true},
		{QueueStatusNotified, QueueStatusWaiting, true},
		{QueueStatusNotified, QueueStatusCancelled, true},
		{QueueStatusPromoted, QueueStatusWaiting, false},
		{QueueStatusCancelled, QueueStatusWaiting, false},
	}
	for _, c := range cases {
		if got := QueueCanTransition(c.from, c.to); got != c.want {
			t.Fatalf("QueueCanTransition(%q, %q) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
	if got := QueueEventForTransition(QueueStatusNotified, QueueStatusWaiting); got != QueueEventOfferReturned {
		t.Fatalf("expected %q, got %q", QueueEventOfferReturned, got)
	}
	if got := QueueEventForTransition(QueueStatusNotified, QueueStatusPromoted); got != QueueEventPromoted {
		t.Fatalf("expected %q, got %q", QueueEventPromoted, got)
	}
}

func TestBump(t *testing.T) {
	if got := Bump(5, 10); got != 15 {
		t.Fatalf("Bump(5, 10) = %d, want 15", got)
	}
	if got := Bump(15, 10); got != PriorityCap {
		t.Fatalf("Bump(15, 10) = %d, want cap %d", got, PriorityCap)
	}
	if got := Bump(0, -3); got != 0 {
		t.Fatalf("Bump(0, -3) = %d, want 0", got)
	}
}

func TestResolveBlocked(t *testing.T) {
	cases := []struct {
		reason   string
		transfer bool
		want     BlockedOutcome
	}{
		{BlockedGateOccupied, false, BlockedOutcome{Delta: 10, StayInPool: false}},
		{BlockedGateOccupied, true, BlockedOutcome{Delta: 15, StayInPool: true}},
		{BlockedNoVehicle, true, BlockedOutcome{Delta: 20, StayInPool: true}},
		{BlockedNoVehicle, false, BlockedOutcome{Delta: 20, StayInPool: false}},
		{BlockedBreakdown, true, BlockedOutcome{}},
		{BlockedLongWait, true, BlockedOutcome{Delta: 10, StayInPool: true, KeepAssignee: true}},
		{BlockedLongWait, false, BlockedOutcome{Delta: 10, StayInPool: false, KeepAssignee: true}},
	}
	for _, c := range cases {
		got, ok := ResolveBlocked(c.reason, c.transfer)
		if !ok {
			t.Fatalf("ResolveBlocked(%q, %v) not recognized", c.reason, c.transfer)
		}
		if got != c.want {
			t.Fatalf("ResolveBlocked(%q, %v) = %+v, want %+v", c.reason, c.transfer, got, c.want)
		}
	}
	if _, ok := ResolveBlocked("flat_tire", false); ok {
		t.Fatalf("unknown reason should not resolve")
	}
}

func TestReportableBlockedReason(t *testing.T) {
	if ReportableBlockedReason(BlockedLongWait) {
		t.Fatalf("long_wait is reconciler-only")
	}
	if !ReportableBlockedReason("Gate_Occupied") {
		t.Fatalf("gate_occupied should be reportable")
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range AllTaskStatuses() {
		terminal := s == TaskStatusCompleted || s == TaskStatusCancelled
		if got := IsTerminalTaskStatus(s); got != terminal {
			t.Fatalf("IsTerminalTaskStatus(%q) = %v, want %v", s, got, terminal)
		}
	}
	for _, s := range AllQueueStatuses() {
		terminal := s == QueueStatusPromoted || s == QueueStatusCancelled
		if got := IsTerminalQueueStatus(s); got != terminal {
			t.Fatalf("IsTerminalQueueStatus(%q) = %v, want %v", s, got, terminal)
		}
	}
}
