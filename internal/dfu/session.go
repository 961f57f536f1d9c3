package dfu

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/probe-ota-core/internal/probe"
	"github.com/nerrad567/probe-ota-core/internal/stream"
)

// Logger defines the logging interface used by the Session.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Status messages published alongside progress substeps.
const (
	msgConnecting         = "connecting"
	msgConnected          = "connected"
	msgStarting           = "starting update"
	msgStarted            = "update started"
	msgEnteringUpdateMode = "entering update mode"
	msgValidating         = "validating"
	msgDisconnecting      = "disconnecting from device"
	msgComplete           = "update complete"
	msgEngineClosed       = "transfer engine stopped without a result"
)

// Config holds the parameters for a new Session.
type Config struct {
	ID          probe.ID
	ProductType probe.ProductType
	Engine      Engine
	Options     *Options

	// Enabled is the initial accept-new-work flag.
	Enabled bool

	// MinRSSI is the weakest signal at which the device accepts work.
	// Zero disables signal gating.
	MinRSSI int

	Logger Logger
}

// Session coordinates update attempts for one device.
//
// At most one attempt runs at a time. All public methods are thread-safe.
type Session struct {
	id      probe.ID
	engine  Engine
	options Options
	minRSSI int
	logger  Logger

	state *stream.Stream[probe.DeviceState]

	mu          sync.Mutex
	productType probe.ProductType
	enabled     bool
	outOfRange  bool
	finalized   bool
	lastStatus  string
	active      *attempt
}

// attempt is the bookkeeping for one PerformUpdate call.
type attempt struct {
	id         string
	image      Image
	ctx        context.Context
	cancel     context.CancelFunc
	onComplete func(success bool)
	once       sync.Once
	done       chan struct{}

	// Owned by the coordination goroutine.
	disconnects int
	part        int
	percent     int
}

// NewSession creates a session. The device starts NotReady(Disconnected)
// until its first advertisement is observed.
func NewSession(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	options := DefaultOptions()
	if cfg.Options != nil {
		options = *cfg.Options
	}
	productType := cfg.ProductType
	if productType == "" {
		productType = probe.ProductUnknown
	}

	return &Session{
		id:          cfg.ID,
		engine:      cfg.Engine,
		options:     options,
		minRSSI:     cfg.MinRSSI,
		logger:      logger,
		state:       stream.NewState(probe.NotReady(probe.ReasonDisconnected)),
		productType: productType,
		enabled:     cfg.Enabled,
		lastStatus:  probe.DefaultIdleStatus,
	}
}

// ID returns the device address.
func (s *Session) ID() probe.ID { return s.id }

// ProductType returns the most recently observed product type.
func (s *Session) ProductType() probe.ProductType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.productType
}

// Stream returns the device's state stream.
func (s *Session) Stream() *stream.Stream[probe.DeviceState] { return s.state }

// State returns the current device state.
func (s *Session) State() probe.DeviceState {
	st, _ := s.state.Value()
	return st
}

// IsActive reports whether an attempt is running.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Enabled reports the accept-new-work flag.
func (s *Session) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Observe records an advertisement from the device.
func (s *Session) Observe(adv probe.Advertisement) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return
	}
	if adv.ProductType.Known() {
		s.productType = adv.ProductType
	}
	s.outOfRange = s.minRSSI != 0 && adv.RSSI < s.minRSSI
	if s.active == nil {
		s.state.Publish(s.restingLocked())
	}
}

// SetEnabled sets the accept-new-work flag. A running attempt is unaffected.
func (s *Session) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enabled = enabled
	if s.active == nil && !s.finalized {
		s.state.Publish(s.restingLocked())
	}
}

// restingLocked returns the state of the device when no attempt is running.
func (s *Session) restingLocked() probe.DeviceState {
	switch {
	case s.outOfRange:
		return probe.NotReady(probe.ReasonOutOfRange)
	case !s.enabled:
		return probe.NotReady(probe.ReasonBlocked)
	default:
		return probe.Idle(s.lastStatus)
	}
}

// PerformUpdate starts one update attempt with image.
//
// It returns once the attempt has been handed to the engine; progress is
// reported on the state stream. onComplete is called exactly once when the
// attempt ends. Cancelling ctx aborts the attempt.
func (s *Session) PerformUpdate(ctx context.Context, image Image, onComplete func(success bool)) error {
	if image.Path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidImage)
	}

	s.mu.Lock()
	switch {
	case s.finalized:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.active != nil:
		s.mu.Unlock()
		return ErrAttemptActive
	case s.restingLocked().IsNotReady():
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotReady, s.State())
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	att := &attempt{
		id:         uuid.NewString(),
		image:      image,
		ctx:        attemptCtx,
		cancel:     cancel,
		onComplete: onComplete,
		done:       make(chan struct{}),
	}
	s.active = att
	s.state.Publish(probe.InProgress(probe.Initializing(probe.SubstatusConnecting, msgConnecting)))
	s.mu.Unlock()

	s.logger.Info("update attempt starting",
		"device_id", s.id,
		"attempt_id", att.id,
		"image_id", image.ID,
		"version", image.Version,
	)

	events, err := s.engine.Start(attemptCtx, Request{
		AttemptID: att.id,
		Address:   s.id,
		Image:     image,
		Options:   s.options,
	})
	if err != nil {
		s.logger.Error("transfer engine failed to start",
			"device_id", s.id,
			"attempt_id", att.id,
			"error", err,
		)
		s.finish(att, probe.Failed(probe.ErrorOther, err.Error()), false)
		return nil
	}

	go s.run(att, events)
	return nil
}

// Abort cancels the running attempt. It reports whether one was running.
func (s *Session) Abort() bool {
	s.mu.Lock()
	att := s.active
	s.mu.Unlock()

	if att == nil {
		return false
	}
	att.cancel()
	return true
}

// Wait blocks until the running attempt, if any, has fully ended.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	att := s.active
	s.mu.Unlock()

	if att == nil {
		return nil
	}
	select {
	case <-att.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finalize tears the session down. If an attempt is running, the stream is
// closed once that attempt ends; the attempt itself is not aborted.
func (s *Session) Finalize() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return
	}
	s.finalized = true
	if s.active != nil {
		return
	}
	s.state.Publish(probe.NotReady(probe.ReasonDisconnected))
	s.state.Close()
}

// run consumes engine events for one attempt until a terminal outcome.
func (s *Session) run(att *attempt, events <-chan Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				s.finish(att, probe.Failed(probe.ErrorOther, msgEngineClosed), false)
				return
			}
			if s.handle(att, ev) {
				return
			}
		case <-att.ctx.Done():
			if err := s.engine.Abort(s.id); err != nil {
				s.logger.Warn("transfer engine abort failed", "device_id", s.id, "error", err)
			}
			s.finish(att, probe.Aborted(), false)
			return
		}
	}
}

// handle applies one engine event. It returns true when the attempt is over.
func (s *Session) handle(att *attempt, ev Event) bool {
	switch ev.Kind {
	case EventConnecting:
		s.progress(probe.Initializing(probe.SubstatusConnecting, msgConnecting))
	case EventConnected:
		s.progress(probe.Initializing(probe.SubstatusConnected, msgConnected))
	case EventProcessStarting:
		s.progress(probe.Initializing(probe.SubstatusStarting, msgStarting))
	case EventProcessStarted:
		s.progress(probe.Initializing(probe.SubstatusStarted, msgStarted))
	case EventEnteringUpdateMode:
		s.progress(probe.Initializing(probe.SubstatusEnteringUpdateMode, msgEnteringUpdateMode))
	case EventProgress:
		s.progress(probe.Uploading(att.upload(ev)))
	case EventValidating:
		s.progress(probe.Finishing(probe.SubstatusValidating, msgValidating))

	case EventDisconnecting:
		// The engine does not say whether the device is rebooting into
		// update mode or finishing; only the ordinal tells them apart.
		att.disconnects++
		if att.disconnects == 1 {
			s.progress(probe.Initializing(probe.SubstatusEnteringUpdateMode, msgEnteringUpdateMode))
		} else {
			s.progress(probe.Finishing(probe.SubstatusDisconnecting, msgDisconnecting))
		}
	case EventDisconnected:
		s.logger.Debug("device disconnected", "device_id", s.id, "attempt_id", att.id)

	case EventCompleted:
		s.finish(att, probe.Finishing(probe.SubstatusComplete, msgComplete), true)
		return true
	case EventAborted:
		s.finish(att, probe.Aborted(), false)
		return true
	case EventError:
		errType := ev.ErrorType
		if errType == "" {
			errType = probe.ErrorOther
		}
		msg := ev.Message
		if msg == "" {
			msg = fmt.Sprintf("transfer error %d", ev.ErrorCode)
		}
		s.finish(att, probe.Failed(errType, msg), false)
		return true

	case EventLog:
		s.engineLog(att, ev)
	default:
		s.logger.Warn("unknown transfer event", "device_id", s.id, "event", ev.Kind)
	}
	return false
}

// upload converts a progress event, keeping the percentage non-decreasing
// within one part.
func (a *attempt) upload(ev Event) probe.Upload {
	pct := min(max(ev.Percent, 0), 100)
	if ev.Part != a.part {
		a.part = ev.Part
		a.percent = pct
	} else if pct > a.percent {
		a.percent = pct
	}
	return probe.Upload{
		Percent:    a.percent,
		Speed:      ev.Speed,
		AvgSpeed:   ev.AvgSpeed,
		Part:       ev.Part,
		TotalParts: ev.TotalParts,
	}
}

func (s *Session) engineLog(att *attempt, ev Event) {
	args := []any{"device_id", s.id, "attempt_id", att.id}
	switch ev.Level {
	case LogError:
		s.logger.Error(ev.Message, args...)
	case LogWarning:
		s.logger.Warn(ev.Message, args...)
	case LogInfo:
		s.logger.Info(ev.Message, args...)
	default:
		s.logger.Debug(ev.Message, args...)
	}
}

func (s *Session) progress(p probe.Progress) {
	s.state.Publish(probe.InProgress(p))
}

// finish publishes the terminal state, runs the completion callback, then
// settles the device back to its resting state. It runs once per attempt.
func (s *Session) finish(att *attempt, terminal probe.Progress, success bool) {
	att.once.Do(func() {
		s.mu.Lock()
		s.state.Publish(probe.InProgress(terminal))
		s.lastStatus = statusText(att.image, terminal, success)
		s.mu.Unlock()

		s.logger.Info("update attempt finished",
			"device_id", s.id,
			"attempt_id", att.id,
			"success", success,
			"outcome", terminal.String(),
		)

		if att.onComplete != nil {
			att.onComplete(success)
		}

		s.mu.Lock()
		s.active = nil
		att.cancel()
		if s.finalized {
			s.state.Publish(probe.NotReady(probe.ReasonDisconnected))
			s.state.Close()
		} else {
			s.state.Publish(s.restingLocked())
		}
		s.mu.Unlock()

		close(att.done)
	})
}

// statusText is the Idle status shown after an attempt.
func statusText(image Image, terminal probe.Progress, success bool) string {
	switch {
	case success && image.Version != "":
		return "updated to " + image.Version
	case success:
		return msgComplete
	case terminal.Kind == probe.ProgressAborted:
		return "update aborted"
	default:
		return "update failed: " + terminal.Message
	}
}
