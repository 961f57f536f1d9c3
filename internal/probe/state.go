package probe

import "fmt"

// StateKind is the tag of a DeviceState.
type StateKind string

// DeviceState variants.
const (
	StateNotReady   StateKind = "not_ready"
	StateIdle       StateKind = "idle"
	StateInProgress StateKind = "in_progress"
)

// NotReadyReason explains why a device cannot accept an update.
type NotReadyReason string

// NotReady reasons.
const (
	ReasonDisconnected NotReadyReason = "disconnected"
	ReasonOutOfRange   NotReadyReason = "out_of_range"
	ReasonConnecting   NotReadyReason = "connecting"
	ReasonReadingInfo  NotReadyReason = "reading_info"
	ReasonBlocked      NotReadyReason = "blocked"
)

// DefaultIdleStatus is the status text of a device that has never been updated.
const DefaultIdleStatus = "ready"

// DeviceState is the current state of one device.
// Only the field matching Kind is meaningful.
type DeviceState struct {
	Kind     StateKind      `json:"kind"`
	Reason   NotReadyReason `json:"reason,omitempty"`
	Status   string         `json:"status,omitempty"`
	Progress Progress       `json:"progress,omitzero"`
}

// NotReady builds a NotReady state.
func NotReady(reason NotReadyReason) DeviceState {
	return DeviceState{Kind: StateNotReady, Reason: reason}
}

// Idle builds an Idle state with a human-readable status.
func Idle(status string) DeviceState {
	return DeviceState{Kind: StateIdle, Status: status}
}

// InProgress builds an InProgress state.
func InProgress(p Progress) DeviceState {
	return DeviceState{Kind: StateInProgress, Progress: p}
}

// IsNotReady reports whether s is a NotReady state.
func (s DeviceState) IsNotReady() bool { return s.Kind == StateNotReady }

// IsIdle reports whether s is an Idle state.
func (s DeviceState) IsIdle() bool { return s.Kind == StateIdle }

// IsInProgress reports whether s is an InProgress state.
func (s DeviceState) IsInProgress() bool { return s.Kind == StateInProgress }

// String renders s for logs.
func (s DeviceState) String() string {
	switch s.Kind {
	case StateNotReady:
		return fmt.Sprintf("NotReady(%s)", s.Reason)
	case StateIdle:
		return fmt.Sprintf("Idle(%q)", s.Status)
	case StateInProgress:
		return fmt.Sprintf("InProgress(%s)", s.Progress)
	default:
		return "Unknown"
	}
}
