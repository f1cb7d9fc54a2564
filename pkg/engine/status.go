package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Action represents a lifecycle operation on a stack or resource.
type Action string

const (
	// ActionCreate provisions a new provider-side object.
	ActionCreate Action = "CREATE"

	// ActionUpdate modifies an existing object in place or by replacement.
	ActionUpdate Action = "UPDATE"

	// ActionDelete tears an object down.
	ActionDelete Action = "DELETE"

	// ActionValidate checks definitions without side effects. It never
	// appears in a persisted status.
	ActionValidate Action = "VALIDATE"
)

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionValidate:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// Phase represents the progress of an action.
type Phase string

const (
	// PhaseInProgress indicates the action is executing.
	PhaseInProgress Phase = "IN_PROGRESS"

	// PhaseComplete indicates the action finished successfully.
	PhaseComplete Phase = "COMPLETE"

	// PhaseFailed indicates the action failed.
	PhaseFailed Phase = "FAILED"
)

// Status is the lifecycle status of a stack or resource: PENDING before the
// first operation, then Action x Phase pairs such as CREATE_IN_PROGRESS.
// DELETE_COMPLETE is terminal and marks logical destruction.
type Status string

const (
	// StatusPending indicates no operation has run yet.
	StatusPending Status = "PENDING"

	// StatusCreateInProgress indicates creation is executing.
	StatusCreateInProgress Status = "CREATE_IN_PROGRESS"

	// StatusCreateComplete indicates creation finished successfully.
	StatusCreateComplete Status = "CREATE_COMPLETE"

	// StatusCreateFailed indicates creation failed.
	StatusCreateFailed Status = "CREATE_FAILED"

	// StatusUpdateInProgress indicates an update is executing.
	StatusUpdateInProgress Status = "UPDATE_IN_PROGRESS"

	// StatusUpdateComplete indicates an update finished successfully.
	StatusUpdateComplete Status = "UPDATE_COMPLETE"

	// StatusUpdateFailed indicates an update failed.
	StatusUpdateFailed Status = "UPDATE_FAILED"

	// StatusDeleteInProgress indicates deletion is executing.
	StatusDeleteInProgress Status = "DELETE_IN_PROGRESS"

	// StatusDeleteComplete indicates deletion finished; the record is
	// logically destroyed.
	StatusDeleteComplete Status = "DELETE_COMPLETE"

	// StatusDeleteFailed indicates deletion failed.
	StatusDeleteFailed Status = "DELETE_FAILED"
)

// NewStatus composes a status from an action and a phase.
func NewStatus(a Action, p Phase) Status {
	return Status(string(a) + "_" + string(p))
}

// Action returns the action component, or empty for PENDING.
func (s Status) Action() Action {
	idx := strings.Index(string(s), "_")
	if s == StatusPending || idx < 0 {
		return ""
	}
	return Action(string(s)[:idx])
}

// Phase returns the phase component, or empty for PENDING.
func (s Status) Phase() Phase {
	idx := strings.Index(string(s), "_")
	if s == StatusPending || idx < 0 {
		return ""
	}
	return Phase(string(s)[idx+1:])
}

// IsInProgress returns true while an operation is executing.
func (s Status) IsInProgress() bool {
	return s.Phase() == PhaseInProgress
}

// IsComplete returns true for any successful terminal status.
func (s Status) IsComplete() bool {
	return s.Phase() == PhaseComplete
}

// IsFailed returns true for any failed terminal status.
func (s Status) IsFailed() bool {
	return s.Phase() == PhaseFailed
}

// IsSettled returns true once the current operation has finished, either way.
func (s Status) IsSettled() bool {
	return s.IsComplete() || s.IsFailed()
}

// IsDeleted returns true for the terminal DELETE_COMPLETE status.
func (s Status) IsDeleted() bool {
	return s == StatusDeleteComplete
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusPending,
		StatusCreateInProgress, StatusCreateComplete, StatusCreateFailed,
		StatusUpdateInProgress, StatusUpdateComplete, StatusUpdateFailed,
		StatusDeleteInProgress, StatusDeleteComplete, StatusDeleteFailed:
		return nil
	default:
		return fmt.Errorf("invalid status: %s", s)
	}
}

// CanStart reports whether the given action may begin from this status:
// CREATE only from PENDING; UPDATE only from a successful CREATE or UPDATE;
// DELETE from any settled status (a failed resource can only be deleted) and
// from PENDING, where it completes as a no-op. DELETE_COMPLETE permits
// nothing further except the idempotent DELETE no-op handled by the caller.
func (s Status) CanStart(a Action) bool {
	switch a {
	case ActionCreate:
		return s == StatusPending
	case ActionUpdate:
		return s == StatusCreateComplete || s == StatusUpdateComplete
	case ActionDelete:
		switch s {
		case StatusPending,
			StatusCreateComplete, StatusUpdateComplete,
			StatusCreateFailed, StatusUpdateFailed, StatusDeleteFailed:
			return true
		}
		return false
	case ActionValidate:
		return true
	default:
		return false
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Status(str)
	return s.Validate()
}
