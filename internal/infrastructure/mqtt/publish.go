package mqtt

import "fmt"

// Publish sends payload and waits for the broker to acknowledge it.
//
// Transfer commands go out at QoS 1 and unretained; a retained start
// command would restart the transfer whenever the gateway reconnected.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := c.checkPublish(topic, payload, qos); err != nil {
		return err
	}
	if err := wait(c.paho.Publish(topic, qos, retained, payload), publishTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

// PublishAsync queues payload and returns without waiting. A delivery
// failure is only logged.
func (c *Client) PublishAsync(topic string, payload []byte, qos byte, retained bool) error {
	if err := c.checkPublish(topic, payload, qos); err != nil {
		return err
	}
	tok := c.paho.Publish(topic, qos, retained, payload)
	go func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			c.logger().Warn("MQTT async publish failed", "topic", topic, "error", err)
		}
	}()
	return nil
}

func (c *Client) checkPublish(topic string, payload []byte, qos byte) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case len(payload) > maxPayloadSize:
		return fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), maxPayloadSize)
	case !c.IsConnected():
		return ErrNotConnected
	}
	return nil
}
