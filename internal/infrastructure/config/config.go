package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the whole configuration file.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	OTA       OTAConfig       `yaml:"ota"`
	Gateway   GatewayConfig   `yaml:"gateway"`
}

// DatabaseConfig locates the SQLite firmware catalog.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"` // seconds
}

// MQTTConfig is the broker shared with the BLE gateway.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig bounds paho's reconnect backoff, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig is the local HTTP control surface.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig holds http.Server timeouts in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

func (t APITimeoutConfig) ReadTimeout() time.Duration  { return seconds(t.Read) }
func (t APITimeoutConfig) WriteTimeout() time.Duration { return seconds(t.Write) }
func (t APITimeoutConfig) IdleTimeout() time.Duration  { return seconds(t.Idle) }

// WebSocketConfig tunes the live event stream.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"` // bytes
	PingInterval   int `yaml:"ping_interval"`    // seconds
	PongTimeout    int `yaml:"pong_timeout"`     // seconds
}

// InfluxDBConfig is the optional analytics store.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// OTAConfig tunes the update orchestrator.
type OTAConfig struct {
	// StuckThresholdMS is how long a device may sit in bootloader mode,
	// still advertising, before a retry is forced.
	StuckThresholdMS int `yaml:"stuck_threshold_ms"`

	// MaxRetryAttempts is the forced retry budget per device.
	MaxRetryAttempts int `yaml:"max_retry_attempts"`

	// SystemEventReplay is how many past system events a new subscriber sees.
	SystemEventReplay int `yaml:"system_event_replay"`

	// MinRSSI is the weakest signal, in dBm, at which an update may start.
	MinRSSI int `yaml:"min_rssi"`
}

// GatewayConfig describes the BLE gateway's side of the MQTT contract.
type GatewayConfig struct {
	TopicPrefix string `yaml:"topic_prefix"`
	CommandQoS  int    `yaml:"command_qos"`

	// NotificationTopic replaces "{prefix}/notify". "-" turns notices off.
	NotificationTopic string `yaml:"notification_topic"`
}

// Load reads path over the defaults, applies PROBEOTA_* environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration with environment overrides,
// for running without a config file.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./data/probeota.db", WALMode: true, BusyTimeout: 5},
		MQTT: MQTTConfig{
			Broker:    MQTTBrokerConfig{Host: "localhost", Port: 1883, ClientID: "probeota-core"},
			QoS:       1,
			Reconnect: MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 60},
		},
		API: APIConfig{
			Enabled:  true,
			Host:     "127.0.0.1",
			Port:     8090,
			Timeouts: APITimeoutConfig{Read: 30, Write: 30, Idle: 60},
		},
		WebSocket: WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Logging:   LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		OTA: OTAConfig{
			StuckThresholdMS:  10000,
			MaxRetryAttempts:  3,
			SystemEventReplay: 5,
			MinRSSI:           -100,
		},
		Gateway: GatewayConfig{TopicPrefix: "probeota", CommandQoS: 1},
	}
}

// envOverrides maps PROBEOTA_* variables onto fields. Values that do not
// parse are ignored and the file value stays.
var envOverrides = map[string]func(*Config, string){
	"PROBEOTA_DATABASE_PATH":        func(c *Config, v string) { c.Database.Path = v },
	"PROBEOTA_MQTT_HOST":            func(c *Config, v string) { c.MQTT.Broker.Host = v },
	"PROBEOTA_MQTT_PORT":            func(c *Config, v string) { setInt(&c.MQTT.Broker.Port, v) },
	"PROBEOTA_MQTT_USERNAME":        func(c *Config, v string) { c.MQTT.Auth.Username = v },
	"PROBEOTA_MQTT_PASSWORD":        func(c *Config, v string) { c.MQTT.Auth.Password = v },
	"PROBEOTA_API_HOST":             func(c *Config, v string) { c.API.Host = v },
	"PROBEOTA_API_PORT":             func(c *Config, v string) { setInt(&c.API.Port, v) },
	"PROBEOTA_INFLUXDB_ENABLED":     func(c *Config, v string) { setBool(&c.InfluxDB.Enabled, v) },
	"PROBEOTA_INFLUXDB_URL":         func(c *Config, v string) { c.InfluxDB.URL = v },
	"PROBEOTA_INFLUXDB_TOKEN":       func(c *Config, v string) { c.InfluxDB.Token = v },
	"PROBEOTA_LOG_LEVEL":            func(c *Config, v string) { c.Logging.Level = v },
	"PROBEOTA_GATEWAY_TOPIC_PREFIX": func(c *Config, v string) { c.Gateway.TopicPrefix = v },
}

func applyEnvOverrides(cfg *Config) {
	for key, apply := range envOverrides {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			apply(cfg, v)
		}
	}
}

func setInt(dst *int, v string) {
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func setBool(dst *bool, v string) {
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(bad bool, format string, args ...any) {
		if bad {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Database.Path == "", "database.path is required")
	check(!validQoS(c.MQTT.QoS), "mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	check(c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535), "api.port %d out of range", c.API.Port)
	check(c.InfluxDB.Enabled && c.InfluxDB.URL == "", "influxdb.url is required when influxdb is enabled")
	check(c.OTA.StuckThresholdMS <= 0, "ota.stuck_threshold_ms must be positive")
	check(c.OTA.MaxRetryAttempts < 0, "ota.max_retry_attempts cannot be negative")
	check(c.OTA.SystemEventReplay < 1, "ota.system_event_replay must be at least 1")

	prefix := strings.TrimSpace(c.Gateway.TopicPrefix)
	check(prefix == "", "gateway.topic_prefix is required")
	check(strings.ContainsAny(prefix, "+#"), "gateway.topic_prefix %q contains an MQTT wildcard", prefix)
	check(!validQoS(c.Gateway.CommandQoS), "gateway.command_qos must be 0, 1 or 2, got %d", c.Gateway.CommandQoS)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// StuckThreshold is OTA.StuckThresholdMS as a Duration.
func (c *Config) StuckThreshold() time.Duration {
	return time.Duration(c.OTA.StuckThresholdMS) * time.Millisecond
}

func validQoS(q int) bool { return q >= 0 && q <= 2 }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
