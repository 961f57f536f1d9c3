package influxdb_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/probe-ota-core/internal/analytics"
	"github.com/nerrad567/probe-ota-core/internal/infrastructure/config"
	"github.com/nerrad567/probe-ota-core/internal/infrastructure/influxdb"
)

// testConfig returns a configuration for a local dev InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "probeota-dev-token",
		Org:           "probeota",
		Bucket:        "ota",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

// connectOrSkip connects to the dev InfluxDB or skips the test.
func connectOrSkip(t *testing.T, cfg config.InfluxDBConfig) *influxdb.Client {
	t.Helper()
	client, err := influxdb.Connect(cfg)
	if err != nil {
		t.Skipf("InfluxDB not available, skipping: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// collectErrors records asynchronous write errors.
func collectErrors(client *influxdb.Client) func() error {
	var (
		mu  sync.Mutex
		got error
	)
	client.SetOnError(func(err error) {
		mu.Lock()
		got = err
		mu.Unlock()
	})
	return func() error {
		mu.Lock()
		defer mu.Unlock()
		return got
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	if _, err := influxdb.Connect(cfg); !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999"

	if _, err := influxdb.Connect(cfg); !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestNilClient(t *testing.T) {
	var client *influxdb.Client
	if client.IsConnected() {
		t.Error("nil IsConnected() = true")
	}
	if err := client.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
}

func TestConnect_DefaultBatchSettings(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 0
	cfg.FlushInterval = -1

	client := connectOrSkip(t, cfg)
	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect() with default batch settings")
	}
}

func TestHealthCheck(t *testing.T) {
	client := connectOrSkip(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	if err := client.HealthCheck(cancelled); err == nil {
		t.Error("HealthCheck() with cancelled context returned nil")
	}
}

func TestInfluxSinkWrites(t *testing.T) {
	client := connectOrSkip(t, testConfig())
	writeErr := collectErrors(client)

	sink := analytics.NewInfluxSink(client)
	sink.Record(analytics.Event{
		Kind:        analytics.KindUpdateFinished,
		DeviceID:    "C2:9E:11:04:5A:10",
		ProductType: "probe",
		Version:     "1.4.2",
		Attempt:     1,
		Success:     true,
		Time:        time.Now().Add(-time.Minute),
	})
	client.WritePoint("ota_events", map[string]string{"event": "update_started"}, map[string]interface{}{"attempt": 0})
	client.Flush()

	time.Sleep(100 * time.Millisecond)
	if err := writeErr(); err != nil {
		t.Errorf("write error = %v", err)
	}
}

func TestClose(t *testing.T) {
	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Skipf("InfluxDB not available, skipping: %v", err)
	}

	client.WritePoint("ota_events", map[string]string{"event": "close_test"}, map[string]interface{}{"attempt": 0})
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}

	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	// Writes after close are dropped, not panics.
	client.WritePoint("ota_events", nil, map[string]interface{}{"attempt": 0})
	client.Flush()
}
