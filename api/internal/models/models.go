package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoleDriver         = "driver"
	RoleDriverTransfer = "driver_transfer"
	RoleOperator       = "operator"
	RoleAdmin          = "admin"
	RoleDebEmployee    = "deb_employee"
)

const (
	VehicleClassHitch    = "hitch"
	VehicleClassNonHitch = "non_hitch"
)

// TransferCapable reports whether any on-duty transfer driver may move a
// vehicle of this class, as opposed to only its own driver.
func TransferCapable(vehicleClass string) bool {
	return vehicleClass == VehicleClassHitch
}

func ValidVehicleClass(vehicleClass string) bool {
	return vehicleClass == VehicleClassHitch || vehicleClass == VehicleClassNonHitch
}

func ValidRole(role string) bool {
	switch role {
	case RoleDriver, RoleDriverTransfer, RoleOperator, RoleAdmin, RoleDebEmployee:
		return true
	}
	return false
}

type User struct {
	UserID         uuid.UUID
	Subject        string
	Email          string
	DisplayName    string
	Phone          string
	Role           string
	OnShift        bool
	OnBreak        bool
	ShiftStartedAt *time.Time
	BreakStartedAt *time.Time
	TotalBreakSec  int64
	CreatedAt      time.Time
	LastLoginAt    *time.Time
}

// Parking is one occupancy of one spot. DepartedAt nil means the vehicle
// is still on the spot.
type Parking struct {
	ParkingID         uuid.UUID
	SpotNumber        int
	DriverID          uuid.UUID
	VehicleClass      string
	ArrivedAt         time.Time
	DepartedAt        *time.Time
	DepartureBuilding *string
	DepartureGate     *int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (p Parking) Active() bool { return p.DepartedAt == nil }

type QueueEntry struct {
	EntryID      uuid.UUID
	DriverID     uuid.UUID
	VehicleClass string
	Status       string
	OfferedSpot  *int
	NotifiedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Task struct {
	TaskID           uuid.UUID
	ParkingID        uuid.UUID
	CreatorID        uuid.UUID
	DriverID         uuid.UUID // vehicle owner
	AssignedDriverID *uuid.UUID
	Building         string
	GateNumber       int
	Status           string
	Priority         int
	InPool           bool
	StuckReason      *string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type TaskEvent struct {
	EventID     uuid.UUID
	TaskID      uuid.UUID
	EventType   string
	FromStatus  *string
	ToStatus    *string
	OccurredAt  time.Time
	ActorUserID *uuid.UUID
	Payload     []byte
}

type Break struct {
	BreakID     uuid.UUID
	UserID      uuid.UUID
	StartedAt   time.Time
	EndedAt     *time.Time
	DurationSec int64
}

const (
	RoleRequestPending  = "pending"
	RoleRequestApproved = "approved"
	RoleRequestRejected = "rejected"
)

type RoleRequest struct {
	RequestID     uuid.UUID
	UserID        uuid.UUID
	RequestedRole string
	Status        string
	CreatedAt     time.Time
	DecidedAt     *time.Time
	DecidedBy     *uuid.UUID
}

type OutboxEvent struct {
	EventID       uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	Topic         string
	Payload       []byte
	Status        string
	Attempts      int
	NextRetryAt   *time.Time
	LockedAt      *time.Time
	LockedBy      *string
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PublishedAt   *time.Time
}

type AuditLog struct {
	AuditID      uuid.UUID
	OccurredAt   time.Time
	ActorUserID  *uuid.UUID
	Subject      string
	Action       string
	ResourceType *string
	ResourceID   *string
	RequestID    string
	Method       string
	Path         string
	StatusCode   int
	DurationMS   int64
	ClientIP     string
	UserAgent    string
	Details      []byte
}
