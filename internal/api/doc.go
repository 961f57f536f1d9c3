// Package api implements the HTTP control surface and WebSocket feed for the
// probe OTA core.
//
// This package provides:
//   - REST endpoints to list discovered probes, start and abort updates
//   - Orchestrator start/stop and status endpoints
//   - Read access to the firmware catalog
//   - WebSocket hub relaying system events and per-device state changes
//   - Middleware stack (request ID, logging, recovery, body size limit)
//
// # Architecture
//
// The server sits in front of the OTA orchestrator. Update requests name a
// device and optionally a catalog image; without one the newest image for the
// device's product type is used. Every device state stream the server learns
// about is forwarded to WebSocket clients subscribed to "device.state", and
// the orchestrator's discovery stream is forwarded on "system.event".
//
// # Graceful Degradation
//
// Without a firmware catalog the device and WebSocket endpoints still work;
// only update requests that need image resolution fail.
package api
