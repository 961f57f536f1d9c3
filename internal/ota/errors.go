package ota

import "errors"

// Domain errors for the ota package.
//
// ErrNotEnabled, ErrUnknownDevice, and ErrUpdateInProgress are the ordinary
// "no update started" results of PerformUpdate. ErrConfiguration is fatal.
var (
	// ErrConfiguration is matched by every *ConfigurationError.
	ErrConfiguration = errors.New("ota: configuration error")

	// ErrNotInitialized is returned when Initialize has not succeeded.
	ErrNotInitialized = errors.New("ota: not initialized")

	// ErrNotEnabled is returned when the orchestrator is stopped.
	ErrNotEnabled = errors.New("ota: not enabled")

	// ErrUnknownDevice is returned for an id with no live session.
	ErrUnknownDevice = errors.New("ota: unknown device")

	// ErrUpdateInProgress is returned when a different device is updating.
	ErrUpdateInProgress = errors.New("ota: another update is in progress")
)

// ConfigurationError reports a missing collaborator that makes updates
// impossible. It is never retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "ota: configuration error: " + e.Reason
}

// Is makes errors.Is(err, ErrConfiguration) match any ConfigurationError.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}
