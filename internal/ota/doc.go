// Package ota coordinates over-the-air firmware updates across every probe
// in radio range.
//
// The Orchestrator subscribes to two advertisement sources. Application-mode
// advertisements create one dfu.Session per device and announce it on the
// system event stream. Bootloader-mode advertisements are tracked so that a
// device left stranded in update mode can be retried under the StuckPolicy.
//
// At most one update runs system-wide. While it runs, every other session is
// marked as not accepting new work; all of them are released when the update
// finishes, whatever the outcome.
//
// No state survives a restart. Everything is rebuilt from live advertisements.
package ota
