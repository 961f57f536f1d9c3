package ble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/probe-ota-core/internal/dfu"
	"github.com/nerrad567/probe-ota-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/probe-ota-core/internal/probe"
	"github.com/nerrad567/probe-ota-core/internal/stream"
)

const (
	advertQoS = 0
	eventQoS  = 1

	// gatewayOfflineMessage is the error text for transfers cut off by the
	// gateway going away.
	gatewayOfflineMessage = "gateway went offline"
)

// MQTTClient is the subset of the MQTT client used by the bridge.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishAsync(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Logger is the logging surface the bridge needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Bridge.
type Options struct {
	Client MQTTClient
	Topics mqtt.Topics

	// CommandQoS is used for start and abort commands.
	CommandQoS byte

	// NotificationTopic overrides Topics.Notify().
	NotificationTopic string

	Logger Logger
	Now    func() time.Time
}

// attempt is one running transfer as seen from the bridge.
type attempt struct {
	id      string
	address probe.ID
	events  *stream.Queue[dfu.Event]
}

// Bridge implements dfu.Engine on top of the gateway's command and event
// topics and owns the two advertisement sources.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	client     MQTTClient
	topics     mqtt.Topics
	commandQoS byte
	logger     Logger
	now        func() time.Time

	app        *AdvertSource
	bootloader *AdvertSource
	notifier   *Notifier

	mu       sync.Mutex
	attempts map[probe.ID]*attempt

	gatewayOnline atomic.Bool
	started       atomic.Bool
	stopped       atomic.Bool
	done          chan struct{}
	stopOnce      sync.Once
}

// New creates a bridge. Call Start to subscribe.
func New(opts Options) (*Bridge, error) {
	if opts.Client == nil {
		return nil, errors.New("ble: MQTT client is required")
	}
	if opts.CommandQoS > 2 {
		return nil, fmt.Errorf("ble: invalid command QoS %d", opts.CommandQoS)
	}

	b := &Bridge{
		client:     opts.Client,
		topics:     opts.Topics,
		commandQoS: opts.CommandQoS,
		logger:     opts.Logger,
		now:        opts.Now,
		attempts:   make(map[probe.ID]*attempt),
		done:       make(chan struct{}),
	}
	if b.logger == nil {
		b.logger = noopLogger{}
	}
	if b.now == nil {
		b.now = time.Now
	}
	// Until the gateway says otherwise, assume it is there.
	b.gatewayOnline.Store(true)

	b.app = newAdvertSource(b)
	b.bootloader = newAdvertSource(b)

	notifyTopic := opts.NotificationTopic
	if notifyTopic == "" {
		notifyTopic = opts.Topics.Notify()
	}
	b.notifier = &Notifier{bridge: b, topic: notifyTopic}

	return b, nil
}

// AppAdverts is the application-mode advertisement source.
func (b *Bridge) AppAdverts() *AdvertSource { return b.app }

// BootloaderAdverts is the update-mode advertisement source.
func (b *Bridge) BootloaderAdverts() *AdvertSource { return b.bootloader }

// Notifier is the notification target backed by the notify topic.
func (b *Bridge) Notifier() *Notifier { return b.notifier }

// GatewayOnline reports the last presence status published by the gateway.
func (b *Bridge) GatewayOnline() bool { return b.gatewayOnline.Load() }

// Start subscribes to advertisement, event, and gateway status topics.
func (b *Bridge) Start(_ context.Context) error {
	if b.stopped.Load() {
		return ErrStopped
	}
	if !b.client.IsConnected() {
		return ErrNotConnected
	}

	subs := []struct {
		topic   string
		qos     byte
		handler mqtt.MessageHandler
	}{
		{b.topics.AllAppAdverts(), advertQoS, b.handleAppAdvert},
		{b.topics.AllBootloaderAdverts(), advertQoS, b.handleBootloaderAdvert},
		{b.topics.AllDFUEvents(), eventQoS, b.handleEvent},
		{b.topics.GatewayStatus(), eventQoS, b.handleGatewayStatus},
	}
	for _, s := range subs {
		if err := b.client.Subscribe(s.topic, s.qos, s.handler); err != nil {
			return fmt.Errorf("subscribing to %s: %w", s.topic, err)
		}
	}

	b.started.Store(true)
	b.logger.Info("ble bridge started", "events", b.topics.AllDFUEvents())
	return nil
}

// Stop unsubscribes, closes every advertisement subscription, and abandons
// running attempts. Sessions see their event channel close and report the
// transfer as failed.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		close(b.done)

		if b.started.Load() && b.client.IsConnected() {
			for _, topic := range []string{
				b.topics.AllAppAdverts(),
				b.topics.AllBootloaderAdverts(),
				b.topics.AllDFUEvents(),
				b.topics.GatewayStatus(),
			} {
				if err := b.client.Unsubscribe(topic); err != nil {
					b.logger.Debug("unsubscribe failed", "topic", topic, "error", err)
				}
			}
		}

		b.mu.Lock()
		running := b.attempts
		b.attempts = make(map[probe.ID]*attempt)
		b.mu.Unlock()
		for _, a := range running {
			a.events.Close()
		}

		b.logger.Info("ble bridge stopped")
	})
}

// engine is the dfu.Engine view of a Bridge. It is a separate type because
// Bridge.Start is the subscription lifecycle.
type engine struct {
	b *Bridge
}

// Engine returns the transfer engine backed by the gateway.
func (b *Bridge) Engine() dfu.Engine {
	return &engine{b: b}
}

// Start publishes a start command and returns the attempt's event channel.
// Cancelling ctx sends an abort command.
func (e *engine) Start(ctx context.Context, req dfu.Request) (<-chan dfu.Event, error) {
	b := e.b
	if b.stopped.Load() {
		return nil, ErrStopped
	}
	if !b.client.IsConnected() {
		return nil, ErrNotConnected
	}
	if !b.gatewayOnline.Load() {
		return nil, ErrGatewayOffline
	}

	a := &attempt{id: req.AttemptID, address: req.Address, events: stream.NewQueue[dfu.Event]()}

	b.mu.Lock()
	prev := b.attempts[req.Address]
	b.attempts[req.Address] = a
	b.mu.Unlock()
	if prev != nil {
		b.logger.Warn("replacing stale transfer attempt",
			"device_id", req.Address.String(),
			"attempt_id", prev.id,
		)
		prev.events.Abandon()
	}

	img, opts := req.Image, req.Options
	cmd := CommandMessage{
		Action:    ActionStart,
		AttemptID: req.AttemptID,
		Image:     &img,
		Options:   &opts,
		Timestamp: b.now().UTC(),
	}
	if err := b.sendCommand(req.Address, cmd); err != nil {
		b.release(a)
		a.events.Abandon()
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			if b.release(a) {
				b.sendAbort(req.Address, a.id)
			}
			a.events.Abandon()
		case <-a.events.Done():
		}
	}()

	b.logger.Debug("transfer started",
		"device_id", req.Address.String(),
		"attempt_id", req.AttemptID,
		"image_id", req.Image.ID,
	)
	return a.events.Out(), nil
}

// Abort sends an abort command and drops the attempt's pending events.
func (e *engine) Abort(address probe.ID) error {
	b := e.b

	b.mu.Lock()
	a := b.attempts[address]
	delete(b.attempts, address)
	b.mu.Unlock()

	attemptID := ""
	if a != nil {
		attemptID = a.id
		a.events.Abandon()
	}
	return b.sendAbort(address, attemptID)
}

// DroppedAdverts is how many advertisements of either kind arrived with no
// subscriber.
func (b *Bridge) DroppedAdverts() uint64 {
	return b.app.Dropped() + b.bootloader.Dropped()
}

// ActiveAttempts returns the number of transfers awaiting a terminal event.
func (b *Bridge) ActiveAttempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.attempts)
}

func (b *Bridge) sendAbort(address probe.ID, attemptID string) error {
	return b.sendCommand(address, CommandMessage{
		Action:    ActionAbort,
		AttemptID: attemptID,
		Timestamp: b.now().UTC(),
	})
}

func (b *Bridge) sendCommand(address probe.ID, cmd CommandMessage) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding %s command: %w", cmd.Action, err)
	}
	if err := b.client.Publish(b.topics.DFUCommand(address.String()), payload, b.commandQoS, false); err != nil {
		return fmt.Errorf("publishing %s command for %s: %w", cmd.Action, address, err)
	}
	return nil
}

// release removes a if it is still the running attempt for its address.
func (b *Bridge) release(a *attempt) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attempts[a.address] != a {
		return false
	}
	delete(b.attempts, a.address)
	return true
}

func (b *Bridge) handleAppAdvert(topic string, payload []byte) error {
	adv, err := ParseAdvert(mqtt.DeviceID(topic), payload, b.now())
	if err != nil {
		return err
	}
	b.app.publish(adv)
	return nil
}

func (b *Bridge) handleBootloaderAdvert(topic string, payload []byte) error {
	adv, err := ParseAdvert(mqtt.DeviceID(topic), payload, b.now())
	if err != nil {
		return err
	}
	b.bootloader.publish(adv)
	return nil
}

func (b *Bridge) handleEvent(topic string, payload []byte) error {
	address := probe.ID(mqtt.DeviceID(topic))
	if address == "" {
		return fmt.Errorf("%w: missing device id in %s", ErrInvalidPayload, topic)
	}
	msg, err := ParseEvent(payload)
	if err != nil {
		return err
	}

	b.mu.Lock()
	a := b.attempts[address]
	if a != nil && msg.AttemptID != "" && msg.AttemptID != a.id {
		a = nil
	}
	if a != nil && msg.Terminal() {
		delete(b.attempts, address)
	}
	b.mu.Unlock()

	if a == nil {
		b.logger.Debug("dropping event for unknown attempt",
			"device_id", address.String(),
			"attempt_id", msg.AttemptID,
			"event", string(msg.Kind),
		)
		return nil
	}

	a.events.Push(msg.Event)
	if msg.Terminal() {
		a.events.Close()
	}
	return nil
}

func (b *Bridge) handleGatewayStatus(_ string, payload []byte) error {
	var msg StatusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	online := msg.Status == "online"
	if b.gatewayOnline.Swap(online) == online {
		return nil
	}
	if online {
		b.logger.Info("ble gateway online", "client_id", msg.ClientID)
		return nil
	}

	b.logger.Warn("ble gateway offline", "client_id", msg.ClientID, "reason", msg.Reason)

	b.mu.Lock()
	running := b.attempts
	b.attempts = make(map[probe.ID]*attempt)
	b.mu.Unlock()

	for _, a := range running {
		a.events.Push(dfu.Event{
			Kind:      dfu.EventError,
			ErrorType: probe.ErrorCommunication,
			Message:   gatewayOfflineMessage,
		})
		a.events.Close()
	}
	return nil
}

var _ dfu.Engine = (*engine)(nil)
