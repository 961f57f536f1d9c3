package ble

import (
	"encoding/json"

	"github.com/nerrad567/probe-ota-core/internal/ota"
)

// Notifier posts orchestrator notices to the notification topic.
type Notifier struct {
	bridge *Bridge
	topic  string
}

// Post publishes n without waiting for the broker. Failures are logged.
func (n *Notifier) Post(notice ota.Notice) {
	payload, err := json.Marshal(NoticeMessage{Notice: notice, Timestamp: n.bridge.now().UTC()})
	if err != nil {
		n.bridge.logger.Warn("encoding notice failed", "device_id", notice.DeviceID.String(), "error", err)
		return
	}
	if err := n.bridge.client.PublishAsync(n.topic, payload, 0, false); err != nil {
		n.bridge.logger.Warn("posting notice failed",
			"kind", string(notice.Kind),
			"device_id", notice.DeviceID.String(),
			"error", err,
		)
	}
}

// Topic returns the topic notices are posted to.
func (n *Notifier) Topic() string {
	return n.topic
}

var _ ota.NotificationTarget = (*Notifier)(nil)
