package dfu

import (
	"context"

	"github.com/nerrad567/probe-ota-core/internal/probe"
)

// Engine performs the byte-level firmware transfer.
//
// Start begins a transfer and returns a channel carrying the engine's
// callbacks in delivery order. The engine closes the channel after a terminal
// event (Completed, Aborted, or Error). Cancelling ctx asks the engine to stop
// the transfer. Start must not block for the duration of the transfer.
type Engine interface {
	Start(ctx context.Context, req Request) (<-chan Event, error)
	Abort(address probe.ID) error
}

// Image is a firmware resource to be transferred.
type Image struct {
	ID          string            `json:"id"`
	ProductType probe.ProductType `json:"product_type"`
	Version     string            `json:"version"`
	Path        string            `json:"path"`
	SHA256      string            `json:"sha256,omitempty"`
	Size        int64             `json:"size,omitempty"`
}

// Options tunes the transfer engine.
type Options struct {
	// PacketReceiptNotifications is the number of packets between receipt
	// confirmations. Zero disables receipts.
	PacketReceiptNotifications int `json:"prn,omitempty"`

	// ForceScanningForNewAddress makes the engine look for the device under
	// an incremented address after it reboots into update mode.
	ForceScanningForNewAddress bool `json:"force_scanning_for_new_address,omitempty"`

	// DisableResume forces the transfer to restart from the first byte.
	DisableResume bool `json:"disable_resume,omitempty"`
}

// Request is the input to Engine.Start.
type Request struct {
	AttemptID string   `json:"attempt_id"`
	Address   probe.ID `json:"address"`
	Image     Image    `json:"image"`
	Options   Options  `json:"options"`
}

// DefaultOptions returns the options used when a session is not configured
// with its own.
func DefaultOptions() Options {
	return Options{PacketReceiptNotifications: 12}
}
