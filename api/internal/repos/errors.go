package repos

import "errors"

const (
	ErrKindConflict = "conflict"
	ErrKindNotFound = "not_found"
	ErrKindInvalid  = "invalid"
)

// DomainError carries a machine-readable outcome for callers to map onto
// transport codes. Reason values are stable API surface.
type DomainError struct {
	Kind   string
	Reason string
}

func (e *DomainError) Error() string {
	return e.Kind + ": " + e.Reason
}

func (e *DomainError) Is(target error) bool {
	other, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Kind == other.Kind && e.Reason == other.Reason
}

var (
	ErrAlreadyParked       = &DomainError{Kind: ErrKindConflict, Reason: "already_parked"}
	ErrAlreadyQueued       = &DomainError{Kind: ErrKindConflict, Reason: "already_queued"}
	ErrDuplicateActiveTask = &DomainError{Kind: ErrKindConflict, Reason: "duplicate_active_task"}
	ErrTaskStillActive     = &DomainError{Kind: ErrKindConflict, Reason: "task_still_active"}
	// ErrInvalidStatus rejects an operation whose target is not in a status
	// that admits it, including duplicated retries of one-shot operations.
	ErrInvalidStatus = &DomainError{Kind: ErrKindConflict, Reason: "invalid_status"}

	ErrNotOccupied     = &DomainError{Kind: ErrKindNotFound, Reason: "not_occupied"}
	ErrNotInQueue      = &DomainError{Kind: ErrKindNotFound, Reason: "not_in_queue"}
	ErrNoSpotAvailable = &DomainError{Kind: ErrKindNotFound, Reason: "no_spot_available"}
	ErrNoTaskAvailable = &DomainError{Kind: ErrKindNotFound, Reason: "no_task_available"}
	ErrTaskNotFound    = &DomainError{Kind: ErrKindNotFound, Reason: "task_not_found"}
	ErrUserNotFound    = &DomainError{Kind: ErrKindNotFound, Reason: "user_not_found"}

	ErrRoleRequestNotFound = &DomainError{Kind: ErrKindNotFound, Reason: "role_request_not_found"}

	ErrInvalidVehicleClass = &DomainError{Kind: ErrKindInvalid, Reason: "invalid_vehicle_class"}
	ErrInvalidBlockReason  = &DomainError{Kind: ErrKindInvalid, Reason: "invalid_block_reason"}
	ErrInvalidRole         = &DomainError{Kind: ErrKindInvalid, Reason: "invalid_role"}
	ErrNotOnShift          = &DomainError{Kind: ErrKindConflict, Reason: "not_on_shift"}
	ErrRoleRequestPending  = &DomainError{Kind: ErrKindConflict, Reason: "role_request_pending"}
)

func IsConflict(err error) bool {
	return kindOf(err) == ErrKindConflict
}

func IsNotFound(err error) bool {
	return kindOf(err) == ErrKindNotFound
}

func IsInvalid(err error) bool {
	return kindOf(err) == ErrKindInvalid
}

// ReasonOf extracts the domain reason, or "" for non-domain errors.
func ReasonOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Reason
	}
	return ""
}

func kindOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
