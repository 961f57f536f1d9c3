package dfu

import "errors"

// Domain errors for the dfu package.
var (
	// ErrAttemptActive is returned when PerformUpdate is called while an
	// attempt is already running on the session.
	ErrAttemptActive = errors.New("dfu: attempt already active")

	// ErrNotReady is returned when the device is not in a state that accepts
	// new work (out of range, blocked, or disconnected).
	ErrNotReady = errors.New("dfu: device not ready")

	// ErrSessionClosed is returned when the session has been finalized.
	ErrSessionClosed = errors.New("dfu: session closed")

	// ErrInvalidImage is returned when an image has no path.
	ErrInvalidImage = errors.New("dfu: invalid image")
)
