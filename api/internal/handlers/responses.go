package handlers

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/wolfhound389/Regparkovka/api/internal/models"
)

type userResponse struct {
	UserID         string     `json:"user_id"`
	DisplayName    string     `json:"display_name,omitempty"`
	Email          string     `json:"email,omitempty"`
	Phone          string     `json:"phone,omitempty"`
	Role           string     `json:"role"`
	OnShift        bool       `json:"on_shift"`
	OnBreak        bool       `json:"on_break"`
	ShiftStartedAt *time.Time `json:"shift_started_at,omitempty"`
	BreakStartedAt *time.Time `json:"break_started_at,omitempty"`
	TotalBreakSec  int64      `json:"total_break_sec"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
}

func newUserResponse(u models.User) userResponse {
	return userResponse{
		UserID:         u.UserID.String(),
		DisplayName:    u.DisplayName,
		Email:          u.Email,
		Phone:          u.Phone,
		Role:           u.Role,
		OnShift:        u.OnShift,
		OnBreak:        u.OnBreak,
		ShiftStartedAt: u.ShiftStartedAt,
		BreakStartedAt: u.BreakStartedAt,
		TotalBreakSec:  u.TotalBreakSec,
		LastLoginAt:    u.LastLoginAt,
	}
}

func newUserResponses(users []models.User) []userResponse {
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, newUserResponse(u))
	}
	return out
}

type parkingResponse struct {
	ParkingID         string     `json:"parking_id"`
	SpotNumber        int        `json:"spot_number"`
	DriverID          string     `json:"driver_id"`
	VehicleClass      string     `json:"vehicle_class"`
	ArrivedAt         time.Time  `json:"arrived_at"`
	DepartedAt        *time.Time `json:"departed_at,omitempty"`
	DepartureBuilding *string    `json:"departure_building,omitempty"`
	DepartureGate     *int       `json:"departure_gate,omitempty"`
}

func newParkingResponse(p models.Parking) parkingResponse {
	return parkingResponse{
		ParkingID:         p.ParkingID.String(),
		SpotNumber:        p.SpotNumber,
		DriverID:          p.DriverID.String(),
		VehicleClass:      p.VehicleClass,
		ArrivedAt:         p.ArrivedAt,
		DepartedAt:        p.DepartedAt,
		DepartureBuilding: p.DepartureBuilding,
		DepartureGate:     p.DepartureGate,
	}
}

type queueEntryResponse struct {
	EntryID      string     `json:"entry_id"`
	DriverID     string     `json:"driver_id"`
	VehicleClass string     `json:"vehicle_class"`
	Status       string     `json:"status"`
	Position     int        `json:"position,omitempty"`
	OfferedSpot  *int       `json:"offered_spot,omitempty"`
	NotifiedAt   *time.Time `json:"notified_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func newQueueEntryResponse(e models.QueueEntry, position int) queueEntryResponse {
	return queueEntryResponse{
		EntryID:      e.EntryID.String(),
		DriverID:     e.DriverID.String(),
		VehicleClass: e.VehicleClass,
		Status:       e.Status,
		Position:     position,
		OfferedSpot:  e.OfferedSpot,
		NotifiedAt:   e.NotifiedAt,
		CreatedAt:    e.CreatedAt,
	}
}

type taskResponse struct {
	TaskID           string     `json:"task_id"`
	ParkingID        string     `json:"parking_id"`
	CreatorID        string     `json:"creator_id"`
	DriverID         string     `json:"driver_id"`
	AssignedDriverID *string    `json:"assigned_driver_id,omitempty"`
	Building         string     `json:"building"`
	GateNumber       int        `json:"gate_number"`
	Status           string     `json:"status"`
	Priority         int        `json:"priority"`
	InPool           bool       `json:"in_pool"`
	StuckReason      *string    `json:"stuck_reason,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func newTaskResponse(t models.Task) taskResponse {
	return taskResponse{
		TaskID:           t.TaskID.String(),
		ParkingID:        t.ParkingID.String(),
		CreatorID:        t.CreatorID.String(),
		DriverID:         t.DriverID.String(),
		AssignedDriverID: uuidString(t.AssignedDriverID),
		Building:         t.Building,
		GateNumber:       t.GateNumber,
		Status:           t.Status,
		Priority:         t.Priority,
		InPool:           t.InPool,
		StuckReason:      t.StuckReason,
		StartedAt:        t.StartedAt,
		CompletedAt:      t.CompletedAt,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

func newTaskResponses(tasks []models.Task) []taskResponse {
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, newTaskResponse(t))
	}
	return out
}

type taskEventResponse struct {
	EventID     string          `json:"event_id"`
	TaskID      string          `json:"task_id"`
	EventType   string          `json:"event_type"`
	FromStatus  *string         `json:"from_status,omitempty"`
	ToStatus    *string         `json:"to_status,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	ActorUserID *string         `json:"actor_user_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func newTaskEventResponse(e models.TaskEvent) taskEventResponse {
	return taskEventResponse{
		EventID:     e.EventID.String(),
		TaskID:      e.TaskID.String(),
		EventType:   e.EventType,
		FromStatus:  e.FromStatus,
		ToStatus:    e.ToStatus,
		OccurredAt:  e.OccurredAt,
		ActorUserID: uuidString(e.ActorUserID),
		Payload:     e.Payload,
	}
}

type roleRequestResponse struct {
	RequestID     string     `json:"request_id"`
	UserID        string     `json:"user_id"`
	RequestedRole string     `json:"requested_role"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
	DecidedBy     *string    `json:"decided_by,omitempty"`
}

func newRoleRequestResponse(rr models.RoleRequest) roleRequestResponse {
	return roleRequestResponse{
		RequestID:     rr.RequestID.String(),
		UserID:        rr.UserID.String(),
		RequestedRole: rr.RequestedRole,
		Status:        rr.Status,
		CreatedAt:     rr.CreatedAt,
		DecidedAt:     rr.DecidedAt,
		DecidedBy:     uuidString(rr.DecidedBy),
	}
}

type boardSpot struct {
	SpotNumber   int        `json:"spot_number"`
	Status       string     `json:"status"`
	DriverID     string     `json:"driver_id,omitempty"`
	VehicleClass string     `json:"vehicle_class,omitempty"`
	ArrivedAt    *time.Time `json:"arrived_at,omitempty"`
}

type boardResponse struct {
	Capacity    int            `json:"capacity"`
	Occupied    int            `json:"occupied"`
	Free        int            `json:"free"`
	QueueDepth  int            `json:"queue_depth"`
	Tasks       map[string]int `json:"tasks"`
	Spots       []boardSpot    `json:"spots"`
	GeneratedAt time.Time      `json:"generated_at"`
}

func uuidString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}
