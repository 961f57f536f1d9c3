package dfu

import "github.com/nerrad567/probe-ota-core/internal/probe"

// EventKind identifies one engine callback.
type EventKind string

// Engine callbacks.
const (
	EventConnecting         EventKind = "connecting"
	EventConnected          EventKind = "connected"
	EventProcessStarting    EventKind = "process_starting"
	EventProcessStarted     EventKind = "process_started"
	EventEnteringUpdateMode EventKind = "entering_update_mode"
	EventProgress           EventKind = "progress"
	EventValidating         EventKind = "validating"
	EventDisconnecting      EventKind = "disconnecting"
	EventDisconnected       EventKind = "disconnected"
	EventCompleted          EventKind = "completed"
	EventAborted            EventKind = "aborted"
	EventError              EventKind = "error"
	EventLog                EventKind = "log"
)

// LogLevel is the severity attached to an EventLog.
type LogLevel string

// Engine log levels.
const (
	LogDebug   LogLevel = "debug"
	LogVerbose LogLevel = "verbose"
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// Event is one callback from the transfer engine.
// Only the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind `json:"event"`

	// EventProgress
	Percent    int     `json:"percent,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
	AvgSpeed   float64 `json:"avg_speed,omitempty"`
	Part       int     `json:"part,omitempty"`
	TotalParts int     `json:"total_parts,omitempty"`

	// EventError
	ErrorCode int             `json:"error_code,omitempty"`
	ErrorType probe.ErrorType `json:"error_type,omitempty"`

	// EventError and EventLog
	Message string   `json:"message,omitempty"`
	Level   LogLevel `json:"level,omitempty"`
}

// Terminal reports whether e ends a transfer.
func (e Event) Terminal() bool {
	switch e.Kind {
	case EventCompleted, EventAborted, EventError:
		return true
	default:
		return false
	}
}

// ParseErrorType maps a wire value to a probe.ErrorType.
// Unrecognised values yield probe.ErrorOther.
func ParseErrorType(s string) probe.ErrorType {
	switch probe.ErrorType(s) {
	case probe.ErrorCommunicationState:
		return probe.ErrorCommunicationState
	case probe.ErrorCommunication:
		return probe.ErrorCommunication
	case probe.ErrorRemoteOperation:
		return probe.ErrorRemoteOperation
	default:
		return probe.ErrorOther
	}
}
