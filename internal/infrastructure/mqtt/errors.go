package mqtt

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotConnected     = errors.New("mqtt: not connected")
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrSubscribeFailed  = errors.New("mqtt: subscribe failed")
	ErrInvalidTopic     = errors.New("mqtt: empty topic")
	ErrInvalidQoS       = errors.New("mqtt: qos must be 0, 1 or 2")
	ErrPayloadTooLarge  = errors.New("mqtt: payload too large")
)

func errTimeout(d time.Duration) error {
	return fmt.Errorf("no broker acknowledgement within %v", d)
}
