package workflow

import "strings"

const (
	TaskStatusPending    = "pending"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusStuck      = "stuck"
	TaskStatusCancelled  = "cancelled"
)

const (
	TaskEventCreated   = "task_created"
	TaskEventClaimed   = "task_claimed"
	TaskEventCompleted = "task_completed"
	TaskEventBlocked   = "task_blocked"
	TaskEventRestarted = "task_restarted"
	TaskEventCancelled = "task_cancelled"
	TaskEventAutoFreed = "task_auto_released"
	TaskEventBumped    = "priority_bumped"
	TaskEventGateMoved = "gate_reassigned"
)

const (
	QueueStatusWaiting   = "waiting"
	QueueStatusNotified  = "notified"
	QueueStatusPromoted  = "promoted"
	QueueStatusCancelled = "cancelled"
)

const (
	QueueEventJoined        = "queue_joined"
	QueueEventSpotOffered   = "queue_spot_offered"
	QueueEventPromoted      = "queue_promoted"
	QueueEventOfferReturned = "queue_offer_returned"
	QueueEventLeft          = "queue_left"
)

// PriorityCap bounds every bump, manual or automatic.
const PriorityCap = 20

var taskTransitions = map[string]map[string]string{
	TaskStatusPending: {
		TaskStatusInProgress: TaskEventClaimed,
		TaskStatusCancelled:  TaskEventCancelled,
	},
	TaskStatusInProgress: {
		TaskStatusCompleted: TaskEventCompleted,
		TaskStatusStuck:     TaskEventBlocked,
		TaskStatusCancelled: TaskEventCancelled,
	},
	TaskStatusStuck: {
		TaskStatusPending:   TaskEventRestarted,
		TaskStatusCancelled: TaskEventCancelled,
	},
}

var queueTransitions = map[string]map[string]string{
	QueueStatusWaiting: {
		QueueStatusNotified:  QueueEventSpotOffered,
		QueueStatusCancelled: QueueEventLeft,
	},
	QueueStatusNotified: {
		QueueStatusPromoted:  QueueEventPromoted,
		QueueStatusWaiting:   QueueEventOfferReturned,
		QueueStatusCancelled: QueueEventLeft,
	},
}

func NormalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeStatus(fromStatus)
	toStatus = NormalizeStatus(toStatus)
	if fromStatus == toStatus {
		return true
	}
	next := taskTransitions[fromStatus]
	if next == nil {
		return false
	}
	_, ok := next[toStatus]
	return ok
}

func EventTypeForTransition(fromStatus string, toStatus string) string {
	fromStatus = NormalizeStatus(fromStatus)
	toStatus = NormalizeStatus(toStatus)
	if fromStatus == toStatus {
		return ""
	}
	next := taskTransitions[fromStatus]
	if next == nil {
		return ""
	}
	return next[toStatus]
}

func QueueCanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeStatus(fromStatus)
	toStatus = NormalizeStatus(toStatus)
	if fromStatus == toStatus {
		return true
	}
	next := queueTransitions[fromStatus]
	if next == nil {
		return false
	}
	_, ok := next[toStatus]
	return ok
}

func QueueEventForTransition(fromStatus string, toStatus string) string {
	fromStatus = NormalizeStatus(fromStatus)
	toStatus = NormalizeStatus(toStatus)
	if fromStatus == toStatus {
		return ""
	}
	next := queueTransitions[fromStatus]
	if next == nil {
		return ""
	}
	return next[toStatus]
}

func IsTerminalTaskStatus(status string) bool {
	switch NormalizeStatus(status) {
	case TaskStatusCompleted, TaskStatusCancelled:
		return true
	}
	return false
}

func IsTerminalQueueStatus(status string) bool {
	switch NormalizeStatus(status) {
	case QueueStatusPromoted, QueueStatusCancelled:
		return true
	}
	return false
}

func AllTaskStatuses() []string {
	return []string{
		TaskStatusPending,
		TaskStatusInProgress,
		TaskStatusCompleted,
		TaskStatusStuck,
		TaskStatusCancelled,
	}
}

func AllQueueStatuses() []string {
	return []string{
		QueueStatusWaiting,
		QueueStatusNotified,
		QueueStatusPromoted,
		QueueStatusCancelled,
	}
}

// Bump raises a priority by delta, clamped to [0, PriorityCap].
func Bump(priority int, delta int) int {
	p := priority + delta
	if p > PriorityCap {
		return PriorityCap
	}
	if p < 0 {
		return 0
	}
	return p
}

const (
	BlockedGateOccupied = "gate_occupied"
	BlockedNoVehicle    = "no_vehicle"
	BlockedBreakdown    = "breakdown"
	BlockedLongWait     = "long_wait"
)

// BlockedOutcome describes what a blocked report does besides the move to
// stuck: the priority delta and whether the task stays pool-eligible.
type BlockedOutcome struct {
	Delta      int
	StayInPool bool
	// KeepAssignee marks reasons forced by the reconciler. The assignee
	// is retained so the claim path can auto-release it later.
	KeepAssignee bool
}

// ResolveBlocked maps a blocked reason onto its outcome. transferCapable is
// true for vehicles any transfer driver may move (pool-eligible class).
func ResolveBlocked(reason string, transferCapable bool) (BlockedOutcome, bool) {
	switch NormalizeStatus(reason) {
	case BlockedGateOccupied:
		delta := 10
		if transferCapable {
			delta = 15
		}
		return BlockedOutcome{Delta: delta, StayInPool: transferCapable}, true
	case BlockedNoVehicle:
		return BlockedOutcome{Delta: 20, StayInPool: transferCapable}, true
	case BlockedBreakdown:
		return BlockedOutcome{}, true
	case BlockedLongWait:
		return BlockedOutcome{Delta: 10, StayInPool: transferCapable, KeepAssignee: true}, true
	}
	return BlockedOutcome{}, false
}

func AllBlockedReasons() []string {
	return []string{
		BlockedGateOccupied,
		BlockedNoVehicle,
		BlockedBreakdown,
		BlockedLongWait,
	}
}

// ReportableBlockedReason filters out the reconciler-only reason for
// caller-facing validation.
func ReportableBlockedReason(reason string) bool {
	switch NormalizeStatus(reason) {
	case BlockedGateOccupied, BlockedNoVehicle, BlockedBreakdown:
		return true
	}
	return false
}
