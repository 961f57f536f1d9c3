// Package dfu drives single firmware-update attempts against one device.
//
// The byte-level transfer is delegated to an Engine. An Engine reports its
// progress as an ordered channel of Events; a Session consumes that channel
// on one goroutine per attempt and translates each Event into a
// probe.DeviceState published on the session's state stream.
//
// Every attempt ends with exactly one call to the completion callback passed
// to PerformUpdate: true on success, false on error, abort, or cancellation.
// The terminal state is always published before the callback runs.
//
// Engine failures never cross the session boundary as Go errors. They become
// a probe.Progress in the Error state plus completion(false).
package dfu
