// Package mqtt provides the broker connection between the probe OTA core and
// the BLE gateway.
//
// The gateway owns the radio. It forwards advertisements and transfer engine
// callbacks to the core over MQTT and executes transfer commands the core
// publishes back. This package only manages the connection; the meaning of
// each topic lives in internal/bridges/ble.
//
//	probe OTA core <-> MQTT broker <-> BLE gateway <-> probes
//
// Features:
//   - Auto-reconnect with bounded backoff and subscription restore
//   - Last Will and Testament on {prefix}/core/status
//   - Panic-safe handler wrapping
//   - Blocking (Publish) and fire-and-forget (PublishAsync) publishing
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.Topics{Prefix: cfg.Gateway.TopicPrefix})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
package mqtt
