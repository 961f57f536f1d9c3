// Package config loads the probe OTA core configuration from YAML.
//
// Values from the file are overridden by PROBEOTA_* environment variables,
// which is how broker credentials and the InfluxDB token are expected to be
// supplied. Load validates the result; Default returns a configuration that
// runs against a local broker with the API on loopback and InfluxDB off.
package config
