// Package analytics records update-lifecycle events for offline analysis.
//
// Recording is fire-and-forget: a Sink never blocks its caller and never
// reports failure back to it. Sinks are constructed once by the application
// and passed into the orchestrator explicitly.
package analytics

import (
	"time"

	"github.com/nerrad567/probe-ota-core/internal/probe"
)

// Kind identifies what an Event records.
type Kind string

// Recorded event kinds.
const (
	KindUpdateStarted    Kind = "update_started"
	KindRetry            Kind = "retry"
	KindRetriesExhausted Kind = "retries_exhausted"
	KindUpdateFinished   Kind = "update_finished"
)

// Event is one analytics record.
type Event struct {
	Kind        Kind
	DeviceID    probe.ID
	ProductType probe.ProductType
	Version     string

	// Attempt is the retry attempt number; zero for caller-initiated updates.
	Attempt int

	// Success is only meaningful for KindUpdateFinished.
	Success bool

	Time time.Time
}

// Sink receives analytics events. Record must not block.
type Sink interface {
	Record(e Event)
}

// Nop discards every event.
type Nop struct{}

// Record implements Sink.
func (Nop) Record(Event) {}
