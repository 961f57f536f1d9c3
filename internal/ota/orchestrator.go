package ota

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/probe-ota-core/internal/analytics"
	"github.com/nerrad567/probe-ota-core/internal/dfu"
	"github.com/nerrad567/probe-ota-core/internal/probe"
	"github.com/nerrad567/probe-ota-core/internal/registry"
	"github.com/nerrad567/probe-ota-core/internal/stream"
)

// DefaultEventReplay is how many system events a late subscriber receives.
const DefaultEventReplay = 5

// Config holds the collaborators and tuning for an Orchestrator.
type Config struct {
	// Discovery yields application-mode advertisements.
	Discovery AdvertisementSource

	// Bootloader yields update-mode advertisements.
	Bootloader AdvertisementSource

	// Engine performs the firmware transfer for every session.
	Engine dfu.Engine

	// Images resolves firmware for forced retries.
	Images ImageResolver

	// Analytics receives lifecycle events. Defaults to analytics.Nop.
	Analytics analytics.Sink

	// Policy governs stuck-bootloader retries. The zero value means
	// DefaultStuckPolicy.
	Policy StuckPolicy

	// EventReplay sizes the system event replay buffer.
	EventReplay int

	// MinRSSI is passed to every session. Zero disables signal gating.
	MinRSSI int

	// Options tunes the transfer engine. Nil means dfu.DefaultOptions.
	Options *dfu.Options

	// Now is the clock used for stuck detection. Defaults to time.Now.
	Now func() time.Time

	Logger Logger
}

// DeviceInfo is a point-in-time view of one known device.
type DeviceInfo struct {
	ID            probe.ID          `json:"id"`
	ProductType   probe.ProductType `json:"product_type"`
	State         probe.DeviceState `json:"state"`
	Updating      bool              `json:"updating"`
	Bootloader    bool              `json:"bootloader"`
	RetryAttempts int               `json:"retry_attempts,omitempty"`
}

// Orchestrator is the top-level update coordinator.
//
// All public methods are thread-safe and none of them waits for an update
// to finish.
type Orchestrator struct {
	cfg    Config
	policy StuckPolicy
	sink   analytics.Sink
	logger Logger
	now    func() time.Time

	// Read on advertisement goroutines, written from completion callbacks.
	initialized atomic.Bool
	enabled     atomic.Bool
	updating    atomic.Bool
	activeRetry atomic.Pointer[RetryContext]

	sessions    *registry.Map[probe.ID, *dfu.Session]
	bootloaders *registry.Map[probe.ID, *bootloaderRecord]
	retries     *registry.Map[probe.ID, RetryContext]

	events *stream.Stream[SystemEvent]

	// retryStarts carries the id of every device whose retry session has
	// just been created.
	retryStarts *stream.Stream[probe.ID]

	targetMu sync.RWMutex
	target   NotificationTarget

	// lifecycleMu serialises Start and Stop.
	lifecycleMu sync.Mutex
	stopSubs    context.CancelFunc
	loops       sync.WaitGroup

	// exclusiveMu orders changes to updating with the enable sweep over
	// sessions that follows them, and with session creation by discovery.
	exclusiveMu sync.Mutex

	activeMu      sync.Mutex
	activeID      probe.ID
	activeSession *dfu.Session

	// baseCtx bounds every attempt; only Shutdown cancels it.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New creates an orchestrator. Call Initialize before Start.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	sink := cfg.Analytics
	if sink == nil {
		sink = analytics.Nop{}
	}
	policy := cfg.Policy
	if policy == (StuckPolicy{}) {
		policy = DefaultStuckPolicy()
	}
	replay := cfg.EventReplay
	if replay <= 0 {
		replay = DefaultEventReplay
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		cfg:         cfg,
		policy:      policy,
		sink:        sink,
		logger:      logger,
		now:         now,
		sessions:    registry.New[probe.ID, *dfu.Session](),
		bootloaders: registry.New[probe.ID, *bootloaderRecord](),
		retries:     registry.New[probe.ID, RetryContext](),
		events:      stream.New[SystemEvent](replay),
		retryStarts: stream.New[probe.ID](1),
		baseCtx:     baseCtx,
		cancelBase:  cancel,
	}
}

// Initialize checks that every required collaborator is present.
func (o *Orchestrator) Initialize() error {
	switch {
	case o.cfg.Discovery == nil:
		return &ConfigurationError{Reason: "discovery advertisement source is required"}
	case o.cfg.Bootloader == nil:
		return &ConfigurationError{Reason: "bootloader advertisement source is required"}
	case o.cfg.Engine == nil:
		return &ConfigurationError{Reason: "transfer engine is required"}
	}
	if o.cfg.Images == nil {
		o.logger.Warn("no image resolver configured; stuck devices cannot be retried")
	}

	o.initialized.Store(true)
	return nil
}

// SetNotificationTarget registers where update notices are posted.
// Updates are refused until a target is registered.
func (o *Orchestrator) SetNotificationTarget(t NotificationTarget) {
	o.targetMu.Lock()
	o.target = t
	o.targetMu.Unlock()
}

func (o *Orchestrator) notificationTarget() NotificationTarget {
	o.targetMu.RLock()
	defer o.targetMu.RUnlock()
	return o.target
}

// Start forgets every known device and begins consuming advertisements.
// It returns false if the orchestrator is not initialized or a source
// cannot be subscribed. Starting a running orchestrator is a no-op.
func (o *Orchestrator) Start() bool {
	if !o.initialized.Load() {
		o.logger.Error("ota start requested before initialization")
		return false
	}

	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if o.enabled.Load() {
		return true
	}
	if o.notificationTarget() == nil {
		o.logger.Warn("no notification target registered; updates will be refused until one is set")
	}

	ctx, cancel := context.WithCancel(o.baseCtx)
	adverts, err := o.cfg.Discovery.Subscribe(ctx)
	if err != nil {
		cancel()
		o.logger.Error("subscribing to discovery advertisements", "error", err)
		return false
	}
	bootAdverts, err := o.cfg.Bootloader.Subscribe(ctx)
	if err != nil {
		cancel()
		o.logger.Error("subscribing to bootloader advertisements", "error", err)
		return false
	}

	o.events.ResetReplay()
	o.clearDevices()
	o.retries.Clear()
	o.events.Publish(DevicesCleared())

	o.stopSubs = cancel
	o.enabled.Store(true)

	o.loops.Add(2)
	go o.discoveryLoop(ctx, adverts)
	go o.bootloaderLoop(ctx, bootAdverts)

	o.logger.Info("ota orchestrator started")
	return true
}

// Stop cancels both advertisement subscriptions, finalizes every session
// and bootloader record, and emits DevicesCleared. A running update is not
// aborted; it finishes on its own.
func (o *Orchestrator) Stop() bool {
	if !o.initialized.Load() {
		return false
	}

	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	o.enabled.Store(false)
	if o.stopSubs != nil {
		o.stopSubs()
		o.stopSubs = nil
	}
	o.loops.Wait()

	o.clearDevices()
	o.events.Publish(DevicesCleared())

	o.logger.Info("ota orchestrator stopped")
	return true
}

// Shutdown stops the orchestrator, aborts any running attempt, and waits
// for it to end or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.Stop()
	o.cancelBase()

	o.activeMu.Lock()
	sess := o.activeSession
	o.activeMu.Unlock()

	if sess == nil {
		return nil
	}
	if err := sess.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for active update: %w", err)
	}
	return nil
}

// clearDevices finalizes and forgets every session and bootloader record.
func (o *Orchestrator) clearDevices() {
	for _, s := range o.sessions.Drain() {
		s.Finalize()
	}
	for _, r := range o.bootloaders.Drain() {
		r.finalize()
	}
}

// PerformUpdate flashes image onto device id.
//
// It returns the device's state stream once the attempt has started. A
// second request for the device already updating returns the same stream.
// A missing notification target yields a *ConfigurationError; ErrNotEnabled,
// ErrUnknownDevice, and ErrUpdateInProgress mean no update was started.
// The attempt is not bound to any caller context; use Abort to cancel it.
func (o *Orchestrator) PerformUpdate(id probe.ID, image dfu.Image) (*stream.Stream[probe.DeviceState], error) {
	if o.notificationTarget() == nil {
		return nil, &ConfigurationError{Reason: "no notification target registered"}
	}
	if !o.enabled.Load() {
		return nil, ErrNotEnabled
	}

	sess, running, err := o.claimUpdate(id)
	if err != nil {
		return nil, err
	}
	if running {
		return sess.Stream(), nil
	}

	productType := sess.ProductType()
	o.logger.Info("update requested", "device_id", id, "product_type", productType, "version", image.Version)

	// The engine may fail the attempt before PerformUpdate returns, in which
	// case onComplete runs first; started must still precede finished.
	var once sync.Once
	started := func() {
		once.Do(func() {
			o.sink.Record(analytics.Event{
				Kind:        analytics.KindUpdateStarted,
				DeviceID:    id,
				ProductType: productType,
				Version:     image.Version,
				Time:        o.now(),
			})
			o.notify(Notice{
				Kind:     NoticeUpdateStarted,
				DeviceID: id,
				Message:  fmt.Sprintf("Updating %s to %s", id, image.Version),
			})
		})
	}

	err = sess.PerformUpdate(o.baseCtx, image, func(success bool) {
		started()
		o.finishUpdate(id, productType, image.Version, 0, success)
	})
	if err != nil {
		o.logger.Warn("update rejected by session", "device_id", id, "error", err)
		o.release(id)
		return nil, fmt.Errorf("starting update for %s: %w", id, err)
	}
	started()
	return sess.Stream(), nil
}

// claimUpdate takes exclusivity for id and blocks every other session. If
// id is already updating it returns that session with running set.
func (o *Orchestrator) claimUpdate(id probe.ID) (sess *dfu.Session, running bool, err error) {
	o.exclusiveMu.Lock()
	defer o.exclusiveMu.Unlock()

	o.activeMu.Lock()
	if o.activeID != "" {
		same, active := o.activeID == id, o.activeSession
		o.activeMu.Unlock()
		if same {
			return active, true, nil
		}
		return nil, false, ErrUpdateInProgress
	}
	sess, ok := o.sessions.Get(id)
	if !ok {
		o.activeMu.Unlock()
		return nil, false, ErrUnknownDevice
	}
	if st := sess.State(); st.IsNotReady() {
		o.activeMu.Unlock()
		return nil, false, fmt.Errorf("%w: %s", dfu.ErrNotReady, st)
	}
	if !o.updating.CompareAndSwap(false, true) {
		o.activeMu.Unlock()
		return nil, false, ErrUpdateInProgress
	}
	o.activeID, o.activeSession = id, sess
	o.activeMu.Unlock()

	o.setOthersEnabled(id, false)
	return sess, false, nil
}

// finishUpdate records the outcome and releases exclusivity.
func (o *Orchestrator) finishUpdate(id probe.ID, productType probe.ProductType, version string, attempt int, success bool) {
	o.sink.Record(analytics.Event{
		Kind:        analytics.KindUpdateFinished,
		DeviceID:    id,
		ProductType: productType,
		Version:     version,
		Attempt:     attempt,
		Success:     success,
		Time:        o.now(),
	})

	msg := fmt.Sprintf("Update of %s failed", id)
	if success {
		msg = fmt.Sprintf("%s updated to %s", id, version)
	}
	o.notify(Notice{Kind: NoticeUpdateFinished, DeviceID: id, Attempt: attempt, Success: success, Message: msg})
	o.logger.Info("update finished", "device_id", id, "success", success, "attempt", attempt)

	o.release(id)
}

// release clears the exclusivity flag and lets every device accept work.
func (o *Orchestrator) release(id probe.ID) {
	o.exclusiveMu.Lock()
	defer o.exclusiveMu.Unlock()

	o.activeMu.Lock()
	if o.activeID == id {
		o.activeID = ""
		o.activeSession = nil
	}
	o.activeMu.Unlock()

	o.updating.Store(false)
	o.setOthersEnabled("", true)
}

// setOthersEnabled sets the accept-new-work flag on every session except id.
func (o *Orchestrator) setOthersEnabled(id probe.ID, enabled bool) {
	for _, s := range o.sessions.SnapshotValues() {
		if s.ID() != id {
			s.SetEnabled(enabled)
		}
	}
}

// Abort cancels the running attempt for id. It reports whether one was running.
func (o *Orchestrator) Abort(id probe.ID) bool {
	o.activeMu.Lock()
	sess := o.activeSession
	activeID := o.activeID
	o.activeMu.Unlock()

	if sess != nil && activeID == id {
		return sess.Abort()
	}
	if s, ok := o.sessions.Get(id); ok {
		return s.Abort()
	}
	return false
}

// StateStreamFor returns the state stream of device id.
func (o *Orchestrator) StateStreamFor(id probe.ID) (*stream.Stream[probe.DeviceState], bool) {
	if s, ok := o.sessions.Get(id); ok {
		return s.Stream(), true
	}
	if rec, ok := o.bootloaders.Get(id); ok {
		if s := rec.currentSession(); s != nil {
			return s.Stream(), true
		}
	}

	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	if o.activeID == id && o.activeSession != nil {
		return o.activeSession.Stream(), true
	}
	return nil, false
}

// AvailableDevices returns every discovered device plus the device under
// active retry, sorted.
func (o *Orchestrator) AvailableDevices() []probe.ID {
	ids := o.sessions.SnapshotKeys()
	if rc := o.activeRetry.Load(); rc != nil && !slices.Contains(ids, rc.DeviceID) {
		ids = append(ids, rc.DeviceID)
	}
	slices.Sort(ids)
	return ids
}

// Devices returns a view of every available device, sorted by id.
func (o *Orchestrator) Devices() []DeviceInfo {
	ids := o.AvailableDevices()
	out := make([]DeviceInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := o.Device(id); ok {
			out = append(out, info)
		}
	}
	return out
}

// Device returns a view of one device.
func (o *Orchestrator) Device(id probe.ID) (DeviceInfo, bool) {
	sess, ok := o.sessions.Get(id)
	bootloader := false
	if !ok {
		if rec, found := o.bootloaders.Get(id); found {
			sess = rec.currentSession()
			bootloader = sess != nil
		}
	}
	if sess == nil {
		return DeviceInfo{}, false
	}

	info := DeviceInfo{
		ID:          id,
		ProductType: sess.ProductType(),
		State:       sess.State(),
		Updating:    sess.IsActive(),
		Bootloader:  bootloader,
	}
	if rc, ok := o.retries.Get(id); ok {
		info.RetryAttempts = rc.Attempts
	}
	return info, true
}

// ActiveRetry returns the retry currently running, if any.
func (o *Orchestrator) ActiveRetry() (RetryContext, bool) {
	if rc := o.activeRetry.Load(); rc != nil {
		return *rc, true
	}
	return RetryContext{}, false
}

// Retries returns every retry context recorded since Start.
func (o *Orchestrator) Retries() []RetryContext {
	out := o.retries.SnapshotValues()
	slices.SortFunc(out, func(a, b RetryContext) int {
		switch {
		case a.DeviceID < b.DeviceID:
			return -1
		case a.DeviceID > b.DeviceID:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Events returns the system event stream.
func (o *Orchestrator) Events() *stream.Stream[SystemEvent] { return o.events }

// RetrySessions publishes the id of a device each time a stuck-bootloader
// retry creates a session for it. StateStreamFor returns that session's
// stream while the retry runs.
func (o *Orchestrator) RetrySessions() *stream.Stream[probe.ID] { return o.retryStarts }

// Enabled reports whether advertisements are being consumed.
func (o *Orchestrator) Enabled() bool { return o.enabled.Load() }

// Updating reports whether an update or retry is running.
func (o *Orchestrator) Updating() bool { return o.updating.Load() }

func (o *Orchestrator) notify(n Notice) {
	if t := o.notificationTarget(); t != nil {
		t.Post(n)
	}
}

func (o *Orchestrator) newSession(id probe.ID, productType probe.ProductType, enabled bool) *dfu.Session {
	return dfu.NewSession(dfu.Config{
		ID:          id,
		ProductType: productType,
		Engine:      o.cfg.Engine,
		Options:     o.cfg.Options,
		Enabled:     enabled,
		MinRSSI:     o.cfg.MinRSSI,
		Logger:      o.logger,
	})
}

func (o *Orchestrator) discoveryLoop(ctx context.Context, adverts <-chan probe.Advertisement) {
	defer o.loops.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case adv, ok := <-adverts:
			if !ok {
				o.logger.Warn("discovery advertisement source closed")
				return
			}
			o.handleAdvertisement(adv)
		}
	}
}

func (o *Orchestrator) handleAdvertisement(adv probe.Advertisement) {
	if !o.enabled.Load() {
		return
	}
	if rc := o.activeRetry.Load(); rc != nil && rc.DeviceID == adv.ID {
		return
	}

	if rec, ok := o.bootloaders.Remove(adv.ID); ok {
		o.logger.Debug("device left bootloader mode", "device_id", adv.ID)
		rec.finalize()
	}

	o.exclusiveMu.Lock()
	sess, created := o.sessions.GetOrCreate(adv.ID, func() *dfu.Session {
		return o.newSession(adv.ID, adv.ProductType, !o.updating.Load())
	})
	o.exclusiveMu.Unlock()
	sess.Observe(adv)

	if created {
		o.logger.Info("device discovered", "device_id", adv.ID, "product_type", adv.ProductType, "rssi", adv.RSSI)
		o.events.Publish(DeviceDiscovered(adv.ID))
	}
}

func (o *Orchestrator) bootloaderLoop(ctx context.Context, adverts <-chan probe.Advertisement) {
	defer o.loops.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case adv, ok := <-adverts:
			if !ok {
				o.logger.Warn("bootloader advertisement source closed")
				return
			}
			o.handleBootloaderAdvertisement(adv)
		}
	}
}

func (o *Orchestrator) handleBootloaderAdvertisement(adv probe.Advertisement) {
	if !o.enabled.Load() {
		return
	}

	now := o.now()
	rec, created := o.bootloaders.GetOrCreate(adv.ID, func() *bootloaderRecord {
		return newBootloaderRecord(adv.ID, now)
	})
	if created {
		o.logger.Debug("tracking device in bootloader mode", "device_id", adv.ID)
	}
	rec.observe(adv, now)

	prior, _ := o.retries.Get(adv.ID)
	decision := o.policy.Decide(StuckCheck{
		Elapsed:          rec.elapsed(now),
		Attempts:         prior.Attempts,
		RetryActive:      o.activeRetry.Load() != nil,
		UpdateInProgress: o.updating.Load(),
	})
	if decision != DecisionRetry {
		return
	}
	o.startRetry(adv, rec, prior)
}

// startRetry forces an update against a device stuck in bootloader mode.
func (o *Orchestrator) startRetry(adv probe.Advertisement, rec *bootloaderRecord, prior RetryContext) {
	if o.notificationTarget() == nil {
		o.logger.Error("stuck device cannot be retried without a notification target", "device_id", adv.ID)
		return
	}
	rc, ok := o.claimRetry(adv, rec, prior)
	if !ok {
		return
	}
	productType := rc.ProductType

	o.logger.Warn("device stuck in bootloader mode, retrying update",
		"device_id", adv.ID,
		"product_type", productType,
		"attempt", rc.Attempts,
		"max_attempts", o.policy.MaxAttempts,
	)
	o.sink.Record(analytics.Event{
		Kind:        analytics.KindRetry,
		DeviceID:    adv.ID,
		ProductType: productType,
		Attempt:     rc.Attempts,
		Time:        o.now(),
	})
	o.notify(Notice{
		Kind:     NoticeRetryStarted,
		DeviceID: adv.ID,
		Attempt:  rc.Attempts,
		Message:  fmt.Sprintf("Retrying update of %s (attempt %d of %d)", adv.ID, rc.Attempts, o.policy.MaxAttempts),
	})

	image, err := o.resolveImage(productType)
	if err != nil {
		o.logger.Error("resolving firmware for retry", "device_id", adv.ID, "product_type", productType, "error", err)
		o.finishRetry(rc, "", false)
		return
	}

	sess := o.newSession(adv.ID, productType, true)
	sess.Observe(adv)
	rec.attach(sess)

	o.activeMu.Lock()
	o.activeID, o.activeSession = adv.ID, sess
	o.activeMu.Unlock()
	o.retryStarts.Publish(adv.ID)

	err = sess.PerformUpdate(o.baseCtx, image, func(success bool) {
		o.finishRetry(rc, image.Version, success)
	})
	if err != nil {
		o.logger.Error("retry rejected by session", "device_id", adv.ID, "error", err)
		o.finishRetry(rc, image.Version, false)
	}
}

// claimRetry takes exclusivity for a retry of adv.ID and blocks every
// other session. It fails if an update or retry already holds it.
func (o *Orchestrator) claimRetry(adv probe.Advertisement, rec *bootloaderRecord, prior RetryContext) (*RetryContext, bool) {
	o.exclusiveMu.Lock()
	defer o.exclusiveMu.Unlock()

	if !o.updating.CompareAndSwap(false, true) {
		return nil, false
	}

	rc := &RetryContext{
		DeviceID:    adv.ID,
		ProductType: o.resolveProductType(adv, rec, prior),
		Attempts:    prior.Attempts + 1,
	}
	o.retries.Set(adv.ID, *rc)
	o.activeRetry.Store(rc)

	if s, ok := o.sessions.Remove(adv.ID); ok {
		s.Finalize()
	}
	o.setOthersEnabled(adv.ID, false)
	return rc, true
}

// finishRetry ends a forced retry. A failure on the final permitted attempt
// raises the RetriesExhausted diagnostic.
func (o *Orchestrator) finishRetry(rc *RetryContext, version string, success bool) {
	o.activeRetry.CompareAndSwap(rc, nil)

	if !success {
		if rec, ok := o.bootloaders.Get(rc.DeviceID); ok {
			rec.restart(o.now())
		}
	}

	if !success && rc.Attempts >= o.policy.MaxAttempts {
		o.logger.Error("retries exhausted for device stuck in bootloader mode",
			"device_id", rc.DeviceID,
			"product_type", rc.ProductType,
			"attempts", rc.Attempts,
		)
		o.sink.Record(analytics.Event{
			Kind:        analytics.KindRetriesExhausted,
			DeviceID:    rc.DeviceID,
			ProductType: rc.ProductType,
			Attempt:     rc.Attempts,
			Time:        o.now(),
		})
		o.notify(Notice{
			Kind:     NoticeRetriesExhausted,
			DeviceID: rc.DeviceID,
			Attempt:  rc.Attempts,
			Message:  fmt.Sprintf("%s could not be recovered after %d attempts", rc.DeviceID, rc.Attempts),
		})
	}

	o.finishUpdate(rc.DeviceID, rc.ProductType, version, rc.Attempts, success)
}

// resolveProductType prefers what the bootloader advertises, then the last
// known application identity.
func (o *Orchestrator) resolveProductType(adv probe.Advertisement, rec *bootloaderRecord, prior RetryContext) probe.ProductType {
	if adv.ProductType.Known() {
		return adv.ProductType
	}
	if pt := rec.lastProductType(); pt.Known() {
		return pt
	}
	if s, ok := o.sessions.Get(adv.ID); ok && s.ProductType().Known() {
		return s.ProductType()
	}
	if prior.ProductType.Known() {
		return prior.ProductType
	}
	return probe.ProductUnknown
}

var errNoResolver = errors.New("no image resolver configured")

func (o *Orchestrator) resolveImage(productType probe.ProductType) (dfu.Image, error) {
	if o.cfg.Images == nil {
		return dfu.Image{}, errNoResolver
	}
	image, err := o.cfg.Images.ResolveImage(o.baseCtx, productType)
	if err != nil {
		return dfu.Image{}, fmt.Errorf("resolving image for %s: %w", productType, err)
	}
	return image, nil
}
