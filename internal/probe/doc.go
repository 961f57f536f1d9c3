// Package probe defines the device-side data model for wireless cooking probes:
// identities, advertisements, and the per-device state exposed to callers.
//
// DeviceState and Progress are tagged unions. Each variant has its own
// constructor (NotReady, Idle, InProgress; Initializing, Uploading, Finishing,
// Failed, Aborted) and all values are comparable, so a latest-value stream can
// drop consecutive duplicates with ==.
//
// Valid transitions:
//
//	NotReady -> Idle -> InProgress -> (Idle | NotReady)
//
// and within InProgress:
//
//	Initializing -> Uploading... -> Finishing -> terminal
//
// with Error or Aborted reachable from any point.
package probe
