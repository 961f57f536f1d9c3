package ota

import "github.com/nerrad567/probe-ota-core/internal/probe"

// SystemEventKind is the tag of a SystemEvent.
type SystemEventKind string

// System event kinds.
const (
	EventDeviceDiscovered SystemEventKind = "device_discovered"
	EventDevicesCleared   SystemEventKind = "devices_cleared"
)

// SystemEvent is published on the orchestrator's process-wide event stream.
type SystemEvent struct {
	Kind     SystemEventKind `json:"kind"`
	DeviceID probe.ID        `json:"device_id,omitempty"`
}

// DeviceDiscovered announces a newly seen device.
func DeviceDiscovered(id probe.ID) SystemEvent {
	return SystemEvent{Kind: EventDeviceDiscovered, DeviceID: id}
}

// DevicesCleared announces that every known device has been forgotten.
func DevicesCleared() SystemEvent {
	return SystemEvent{Kind: EventDevicesCleared}
}
