package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

const (
	TopicNotifications = "notifications.outbound"
	TopicTaskEvents    = "task.events"
	TopicQueueEvents   = "queue.events"
	TopicYardAlerts    = "yard.alerts"
)

// Notification kinds carried on notifications.outbound. The dispatcher maps
// each kind to a message template; the core only decides who hears about what.
const (
	NotifyTaskOffer      = "task_offer"
	NotifyTaskAssigned   = "task_assigned"
	NotifyTaskCompleted  = "task_completed"
	NotifyTaskBlocked    = "task_blocked"
	NotifyTaskRestarted  = "task_restarted"
	NotifyTaskCancelled  = "task_cancelled"
	NotifyPriorityBumped = "priority_bumped"
	NotifySpotReady      = "spot_ready"
	NotifyQueuePosition  = "queue_position"
	NotifyOperatorAlert  = "operator_alert"
	NotifyShiftStarted   = "shift_started"
	NotifyShiftEnded     = "shift_ended"
	NotifyRoleDecided    = "role_decided"
)

// NotificationIntent is the payload of a notifications.outbound envelope.
// One intent targets one recipient so a failed delivery never holds back
// the others from the same state change.
type NotificationIntent struct {
	Kind      string          `json:"kind"`
	Recipient uuid.UUID       `json:"recipient"`
	Subject   string          `json:"subject,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}
