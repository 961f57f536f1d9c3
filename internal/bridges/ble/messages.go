package ble

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/probe-ota-core/internal/dfu"
	"github.com/nerrad567/probe-ota-core/internal/ota"
	"github.com/nerrad567/probe-ota-core/internal/probe"
)

// AdvertMessage is published by the gateway for every advertisement heard.
// The device id is the last topic level.
type AdvertMessage struct {
	RSSI        int       `json:"rssi"`
	ProductType string    `json:"product_type,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitzero"`
}

// Command actions.
const (
	ActionStart = "start"
	ActionAbort = "abort"
)

// CommandMessage asks the gateway to start or abort a transfer.
type CommandMessage struct {
	Action    string       `json:"action"`
	AttemptID string       `json:"attempt_id,omitempty"`
	Image     *dfu.Image   `json:"image,omitempty"`
	Options   *dfu.Options `json:"options,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// EventMessage is one transfer engine callback relayed by the gateway.
// AttemptID, when present, must match the running attempt.
type EventMessage struct {
	AttemptID string `json:"attempt_id,omitempty"`
	dfu.Event
}

// StatusMessage is the retained presence payload on the gateway status topic.
type StatusMessage struct {
	Status   string `json:"status"`
	ClientID string `json:"client_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// NoticeMessage is the wire form of an ota.Notice.
type NoticeMessage struct {
	ota.Notice
	Timestamp time.Time `json:"timestamp"`
}

var knownEvents = map[dfu.EventKind]bool{
	dfu.EventConnecting:         true,
	dfu.EventConnected:          true,
	dfu.EventProcessStarting:    true,
	dfu.EventProcessStarted:     true,
	dfu.EventEnteringUpdateMode: true,
	dfu.EventProgress:           true,
	dfu.EventValidating:         true,
	dfu.EventDisconnecting:      true,
	dfu.EventDisconnected:       true,
	dfu.EventCompleted:          true,
	dfu.EventAborted:            true,
	dfu.EventError:              true,
	dfu.EventLog:                true,
}

// ParseAdvert decodes an advertisement for device id.
// A missing timestamp is filled with now.
func ParseAdvert(id string, payload []byte, now time.Time) (probe.Advertisement, error) {
	if id == "" {
		return probe.Advertisement{}, fmt.Errorf("%w: missing device id", ErrInvalidPayload)
	}

	var msg AdvertMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return probe.Advertisement{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	seen := msg.Timestamp
	if seen.IsZero() {
		seen = now
	}
	return probe.Advertisement{
		ID:          probe.ID(id),
		RSSI:        msg.RSSI,
		ProductType: probe.ParseProductType(msg.ProductType),
		SeenAt:      seen,
	}, nil
}

// ParseEvent decodes a transfer event. Error types outside the known set
// are mapped to probe.ErrorOther.
func ParseEvent(payload []byte) (EventMessage, error) {
	var msg EventMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return EventMessage{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if !knownEvents[msg.Kind] {
		return EventMessage{}, fmt.Errorf("%w: unknown event %q", ErrInvalidPayload, msg.Kind)
	}
	if msg.Kind == dfu.EventError {
		msg.ErrorType = dfu.ParseErrorType(string(msg.ErrorType))
	}
	return msg, nil
}
