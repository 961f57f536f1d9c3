package probe

import "fmt"

// ProgressKind is the tag of a Progress.
type ProgressKind string

// Progress variants.
const (
	ProgressInitializing ProgressKind = "initializing"
	ProgressUploading    ProgressKind = "uploading"
	ProgressFinishing    ProgressKind = "finishing"
	ProgressError        ProgressKind = "error"
	ProgressAborted      ProgressKind = "aborted"
)

// Substatus is a named step within Initializing or Finishing.
type Substatus string

// Substatus values, in the order an attempt normally passes through them.
const (
	SubstatusConnecting         Substatus = "CONNECTING"
	SubstatusConnected          Substatus = "CONNECTED"
	SubstatusStarting           Substatus = "STARTING"
	SubstatusStarted            Substatus = "STARTED"
	SubstatusEnteringUpdateMode Substatus = "ENTERING_UPDATE_MODE"
	SubstatusValidating         Substatus = "VALIDATING"
	SubstatusDisconnecting      Substatus = "DISCONNECTING"
	SubstatusComplete           Substatus = "COMPLETE"
)

// ErrorType classifies a failed transfer.
type ErrorType string

// Transfer failure classes.
const (
	ErrorCommunicationState ErrorType = "communication_state"
	ErrorCommunication      ErrorType = "communication"
	ErrorRemoteOperation    ErrorType = "remote_operation"
	ErrorOther              ErrorType = "other"
)

// Upload is the payload of an Uploading progress report.
type Upload struct {
	Percent    int     `json:"percent"`
	Speed      float64 `json:"speed"`
	AvgSpeed   float64 `json:"avg_speed"`
	Part       int     `json:"part"`
	TotalParts int     `json:"total_parts"`
}

// Progress describes how far an in-flight attempt has got.
// Only the fields belonging to Kind are populated.
type Progress struct {
	Kind      ProgressKind `json:"kind"`
	Substatus Substatus    `json:"substatus,omitempty"`
	Message   string       `json:"message,omitempty"`
	Upload    Upload       `json:"upload,omitzero"`
	ErrorType ErrorType    `json:"error_type,omitempty"`
}

// Initializing builds an Initializing progress step.
func Initializing(sub Substatus, message string) Progress {
	return Progress{Kind: ProgressInitializing, Substatus: sub, Message: message}
}

// Uploading builds an Uploading progress report.
func Uploading(u Upload) Progress {
	return Progress{Kind: ProgressUploading, Upload: u}
}

// Finishing builds a Finishing progress step.
func Finishing(sub Substatus, message string) Progress {
	return Progress{Kind: ProgressFinishing, Substatus: sub, Message: message}
}

// Failed builds an Error progress state.
func Failed(errType ErrorType, message string) Progress {
	return Progress{Kind: ProgressError, ErrorType: errType, Message: message}
}

// Aborted builds an Aborted progress state.
func Aborted() Progress {
	return Progress{Kind: ProgressAborted}
}

// Terminal reports whether p ends an attempt.
func (p Progress) Terminal() bool {
	switch p.Kind {
	case ProgressError, ProgressAborted:
		return true
	case ProgressFinishing:
		return p.Substatus == SubstatusComplete
	default:
		return false
	}
}

// String renders p for logs.
func (p Progress) String() string {
	switch p.Kind {
	case ProgressInitializing, ProgressFinishing:
		return fmt.Sprintf("%s:%s", p.Kind, p.Substatus)
	case ProgressUploading:
		return fmt.Sprintf("uploading:%d%% part %d/%d", p.Upload.Percent, p.Upload.Part, p.Upload.TotalParts)
	case ProgressError:
		return fmt.Sprintf("error:%s %q", p.ErrorType, p.Message)
	case ProgressAborted:
		return "aborted"
	default:
		return "none"
	}
}
