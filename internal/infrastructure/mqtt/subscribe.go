package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Subscribe routes messages matching filter (which may use + and #) to
// handler and remembers the pair for replay after a reconnect. Handlers run
// on paho's delivery goroutine; a panicking handler is logged, not fatal.
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	switch {
	case filter == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case handler == nil:
		return fmt.Errorf("%w: nil handler", ErrSubscribeFailed)
	case !c.IsConnected():
		return ErrNotConnected
	}

	c.subMu.Lock()
	c.subs[filter] = subscription{qos: qos, handler: handler}
	c.subMu.Unlock()

	if err := wait(c.paho.Subscribe(filter, qos, c.deliver(handler)), publishTimeout); err != nil {
		c.drop(filter)
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, filter, err)
	}
	return nil
}

// Unsubscribe stops delivery for filter. Messages already queued by paho
// may still arrive.
func (c *Client) Unsubscribe(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.drop(filter)
	if err := wait(c.paho.Unsubscribe(filter), publishTimeout); err != nil {
		return fmt.Errorf("%w: unsubscribe %s: %w", ErrSubscribeFailed, filter, err)
	}
	return nil
}

func (c *Client) drop(filter string) {
	c.subMu.Lock()
	delete(c.subs, filter)
	c.subMu.Unlock()
}

// Subscriptions lists the filters that will be restored on reconnect.
func (c *Client) Subscriptions() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for filter := range c.subs {
		out = append(out, filter)
	}
	return out
}

// deliver adapts handler to paho's callback shape.
func (c *Client) deliver(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger().Error("MQTT handler panicked", "topic", msg.Topic(), "panic", r)
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger().Warn("MQTT handler failed", "topic", msg.Topic(), "error", err)
		}
	}
}
