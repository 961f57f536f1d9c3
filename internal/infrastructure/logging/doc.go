// Package logging configures log/slog for the probe OTA core. Every entry
// carries service and version, and loggers handed to subsystems add a
// component attribute:
//
//	log := logging.New(cfg.Logging, version)
//	log.Component("ota").Warn("retries exhausted", "device_id", id)
//
// Levels are debug, info, warn and error; formats are json and text;
// outputs are stdout, stderr and discard.
package logging
