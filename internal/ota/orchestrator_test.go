package ota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/probe-ota-core/internal/analytics"
	"github.com/nerrad567/probe-ota-core/internal/dfu"
	"github.com/nerrad567/probe-ota-core/internal/probe"
)

const waitTimeout = 2 * time.Second

// fakeSource hands a fresh channel to every subscriber.
type fakeSource struct {
	mu  sync.Mutex
	ch  chan probe.Advertisement
	err error
}

func (f *fakeSource) Subscribe(context.Context) (<-chan probe.Advertisement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.ch = make(chan probe.Advertisement, 16)
	return f.ch, nil
}

func (f *fakeSource) emit(t *testing.T, adv probe.Advertisement) {
	t.Helper()
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	select {
	case ch <- adv:
	case <-time.After(waitTimeout):
		t.Fatal("advertisement not consumed")
	}
}

// fakeEngine gives every attempt its own event channel.
type fakeEngine struct {
	mu       sync.Mutex
	startErr error
	requests []dfu.Request
	chans    map[probe.ID]chan dfu.Event
	aborts   int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{chans: make(map[probe.ID]chan dfu.Event)}
}

func (e *fakeEngine) Start(_ context.Context, req dfu.Request) (<-chan dfu.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
	if e.startErr != nil {
		return nil, e.startErr
	}
	ch := make(chan dfu.Event, 32)
	e.chans[req.Address] = ch
	return ch, nil
}

func (e *fakeEngine) Abort(probe.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aborts++
	return nil
}

func (e *fakeEngine) send(t *testing.T, id probe.ID, events ...dfu.Event) {
	t.Helper()
	e.mu.Lock()
	ch, ok := e.chans[id]
	e.mu.Unlock()
	if !ok {
		t.Fatalf("no attempt started for %s", id)
	}
	for _, ev := range events {
		ch <- ev
	}
}

func (e *fakeEngine) startCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func (e *fakeEngine) abortCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aborts
}

type fakeTarget struct {
	mu      sync.Mutex
	notices []Notice
}

func (f *fakeTarget) Post(n Notice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
}

type fakeSink struct {
	mu     sync.Mutex
	events []analytics.Event
}

func (f *fakeSink) Record(e analytics.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeSink) count(kind analytics.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type fakeResolver struct {
	mu        sync.Mutex
	err       error
	requested []probe.ProductType
}

func (f *fakeResolver) ResolveImage(_ context.Context, pt probe.ProductType) (dfu.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, pt)
	if f.err != nil {
		return dfu.Image{}, f.err
	}
	return dfu.Image{ID: "img-" + string(pt), ProductType: pt, Version: "9.9.9", Path: "/fw/" + string(pt) + ".zip"}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	discovery  *fakeSource
	bootloader *fakeSource
	engine     *fakeEngine
	target     *fakeTarget
	sink       *fakeSink
	resolver   *fakeResolver
	clock      *fakeClock
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *harness) {
	t.Helper()
	h := &harness{
		discovery:  &fakeSource{},
		bootloader: &fakeSource{},
		engine:     newFakeEngine(),
		target:     &fakeTarget{},
		sink:       &fakeSink{},
		resolver:   &fakeResolver{},
		clock:      &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
	}
	o := New(Config{
		Discovery:  h.discovery,
		Bootloader: h.bootloader,
		Engine:     h.engine,
		Images:     h.resolver,
		Analytics:  h.sink,
		Now:        h.clock.Now,
	})
	if err := o.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	o.SetNotificationTarget(h.target)
	if !o.Start() {
		t.Fatal("Start() = false")
	}
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return o, h
}

func advert(id probe.ID, pt probe.ProductType) probe.Advertisement {
	return probe.Advertisement{ID: id, RSSI: -55, ProductType: pt}
}

func testImage() dfu.Image {
	return dfu.Image{ID: "img-x", ProductType: probe.ProductProbe, Version: "2.1.0", Path: "/fw/probe-2.1.0.zip"}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stateOf(t *testing.T, o *Orchestrator, id probe.ID) probe.DeviceState {
	t.Helper()
	info, ok := o.Device(id)
	if !ok {
		t.Fatalf("device %s unknown", id)
	}
	return info.State
}

func TestOrchestrator_InitializeAndStart(t *testing.T) {
	o := New(Config{Bootloader: &fakeSource{}, Engine: newFakeEngine()})
	if o.Start() {
		t.Error("Start() before Initialize = true")
	}
	if o.Stop() {
		t.Error("Stop() before Initialize = true")
	}

	err := o.Initialize()
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Initialize() error = %v, want ErrConfiguration", err)
	}
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Initialize() error type = %T, want *ConfigurationError", err)
	}
}

func TestOrchestrator_StartFailsWhenSourceUnavailable(t *testing.T) {
	o := New(Config{
		Discovery:  &fakeSource{err: errors.New("gateway offline")},
		Bootloader: &fakeSource{},
		Engine:     newFakeEngine(),
	})
	if err := o.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if o.Start() {
		t.Error("Start() = true with failing source")
	}
	if o.Enabled() {
		t.Error("Enabled() = true after failed Start")
	}
}

func TestOrchestrator_DiscoveryEmitsOncePerDevice(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	o.handleAdvertisement(advert("D", probe.ProductProbe))
	o.handleAdvertisement(advert("D", probe.ProductProbe))
	o.handleAdvertisement(advert("E", probe.ProductGauge))

	got := o.Events().Replay()
	want := []SystemEvent{DevicesCleared(), DeviceDiscovered("D"), DeviceDiscovered("E")}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}

	ids := o.AvailableDevices()
	if len(ids) != 2 || ids[0] != "D" || ids[1] != "E" {
		t.Errorf("AvailableDevices() = %v, want [D E]", ids)
	}
	if st := stateOf(t, o, "D"); st != probe.Idle(probe.DefaultIdleStatus) {
		t.Errorf("D state = %s, want Idle", st)
	}
}

func TestOrchestrator_IgnoresAdvertisementsWhenStopped(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	o.Stop()

	o.handleAdvertisement(advert("D", probe.ProductProbe))
	o.handleBootloaderAdvertisement(advert("B", probe.ProductProbe))

	if ids := o.AvailableDevices(); len(ids) != 0 {
		t.Errorf("AvailableDevices() = %v, want empty", ids)
	}
	if o.bootloaders.Len() != 0 {
		t.Errorf("bootloader records = %d, want 0", o.bootloaders.Len())
	}
}

func TestOrchestrator_UpdateScenario(t *testing.T) {
	o, h := newTestOrchestrator(t)
	o.handleAdvertisement(advert("D", probe.ProductProbe))

	st, ok := o.StateStreamFor("D")
	if !ok {
		t.Fatal("StateStreamFor(D) not found")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := st.Subscribe(ctx)

	returned, err := o.PerformUpdate("D", testImage())
	if err != nil {
		t.Fatalf("PerformUpdate() error = %v", err)
	}
	if returned != st {
		t.Error("PerformUpdate returned a different stream")
	}

	h.engine.send(t, "D",
		dfu.Event{Kind: dfu.EventConnecting},
		dfu.Event{Kind: dfu.EventConnected},
		dfu.Event{Kind: dfu.EventProcessStarting},
		dfu.Event{Kind: dfu.EventDisconnecting},
		dfu.Event{Kind: dfu.EventProgress, Percent: 100, Part: 1, TotalParts: 1},
		dfu.Event{Kind: dfu.EventValidating},
		dfu.Event{Kind: dfu.EventDisconnecting},
		dfu.Event{Kind: dfu.EventCompleted},
	)

	var states []probe.DeviceState
	deadline := time.After(waitTimeout)
	for len(states) < 2 || !states[len(states)-1].IsIdle() {
		select {
		case s := <-ch:
			states = append(states, s)
		case <-deadline:
			t.Fatalf("timed out; states = %v", states)
		}
	}

	if states[0] != probe.Idle(probe.DefaultIdleStatus) {
		t.Errorf("first state = %s, want Idle", states[0])
	}
	if states[1].Progress.Kind != probe.ProgressInitializing || states[1].Progress.Substatus != probe.SubstatusConnecting {
		t.Errorf("second state = %s, want Initializing:CONNECTING", states[1])
	}
	terminal := states[len(states)-2]
	if terminal.Progress.Kind != probe.ProgressFinishing || terminal.Progress.Substatus != probe.SubstatusComplete {
		t.Errorf("terminal state = %s, want Finishing:COMPLETE", terminal)
	}
	if last := states[len(states)-1]; last != probe.Idle("updated to 2.1.0") {
		t.Errorf("final state = %s", last)
	}

	eventually(t, "exclusivity released", func() bool { return !o.Updating() })
	if h.sink.count(analytics.KindUpdateStarted) != 1 {
		t.Errorf("update_started recorded %d times", h.sink.count(analytics.KindUpdateStarted))
	}
	if h.sink.count(analytics.KindUpdateFinished) != 1 {
		t.Errorf("update_finished recorded %d times", h.sink.count(analytics.KindUpdateFinished))
	}

	h.target.mu.Lock()
	defer h.target.mu.Unlock()
	if len(h.target.notices) != 2 || h.target.notices[1].Kind != NoticeUpdateFinished || !h.target.notices[1].Success {
		t.Errorf("notices = %+v", h.target.notices)
	}
}

func TestOrchestrator_PerformUpdateRejections(t *testing.T) {
	t.Run("no notification target", func(t *testing.T) {
		o, _ := newTestOrchestrator(t)
		o.handleAdvertisement(advert("D", probe.ProductProbe))
		o.SetNotificationTarget(nil)

		_, err := o.PerformUpdate("D", testImage())
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("PerformUpdate() error = %v, want ErrConfiguration", err)
		}
	})

	t.Run("not enabled", func(t *testing.T) {
		o, _ := newTestOrchestrator(t)
		o.Stop()
		if _, err := o.PerformUpdate("D", testImage()); !errors.Is(err, ErrNotEnabled) {
			t.Errorf("PerformUpdate() error = %v, want ErrNotEnabled", err)
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		o, _ := newTestOrchestrator(t)
		if _, err := o.PerformUpdate("nope", testImage()); !errors.Is(err, ErrUnknownDevice) {
			t.Errorf("PerformUpdate() error = %v, want ErrUnknownDevice", err)
		}
	})

	t.Run("session rejects releases exclusivity", func(t *testing.T) {
		o, h := newTestOrchestrator(t)
		o.handleAdvertisement(advert("D", probe.ProductProbe))
		o.handleAdvertisement(advert("E", probe.ProductProbe))

		_, err := o.PerformUpdate("D", dfu.Image{ID: "bad"})
		if !errors.Is(err, dfu.ErrInvalidImage) {
			t.Fatalf("PerformUpdate() error = %v, want dfu.ErrInvalidImage", err)
		}
		if o.Updating() {
			t.Error("exclusivity still held after rejection")
		}
		if st := stateOf(t, o, "E"); st != probe.Idle(probe.DefaultIdleStatus) {
			t.Errorf("E state = %s, want Idle", st)
		}
		if h.engine.startCount() != 0 {
			t.Errorf("engine started %d times", h.engine.startCount())
		}
		for _, kind := range []analytics.Kind{analytics.KindUpdateStarted, analytics.KindUpdateFinished} {
			if n := h.sink.count(kind); n != 0 {
				t.Errorf("%s recorded %d times for a rejected update", kind, n)
			}
		}
		h.target.mu.Lock()
		defer h.target.mu.Unlock()
		if len(h.target.notices) != 0 {
			t.Errorf("notices = %+v, want none", h.target.notices)
		}
	})

	t.Run("engine start failure records start before finish", func(t *testing.T) {
		o, h := newTestOrchestrator(t)
		o.handleAdvertisement(advert("D", probe.ProductProbe))
		h.engine.startErr = errors.New("radio busy")

		if _, err := o.PerformUpdate("D", testImage()); err != nil {
			t.Fatalf("PerformUpdate() error = %v", err)
		}
		eventually(t, "exclusivity released", func() bool { return !o.Updating() })

		h.sink.mu.Lock()
		defer h.sink.mu.Unlock()
		if len(h.sink.events) != 2 ||
			h.sink.events[0].Kind != analytics.KindUpdateStarted ||
			h.sink.events[1].Kind != analytics.KindUpdateFinished ||
			h.sink.events[1].Success {
			t.Errorf("events = %+v, want started then failed finish", h.sink.events)
		}
	})
}

func TestOrchestrator_GlobalExclusivity(t *testing.T) {
	o, h := newTestOrchestrator(t)
	o.handleAdvertisement(advert("A", probe.ProductProbe))
	o.handleAdvertisement(advert("B", probe.ProductProbe))

	streamA, err := o.PerformUpdate("A", testImage())
	if err != nil {
		t.Fatalf("PerformUpdate(A) error = %v", err)
	}

	if st := stateOf(t, o, "B"); st != probe.NotReady(probe.ReasonBlocked) {
		t.Errorf("B state during update = %s, want NotReady(blocked)", st)
	}
	if _, err := o.PerformUpdate("B", testImage()); !errors.Is(err, ErrUpdateInProgress) {
		t.Errorf("PerformUpdate(B) error = %v, want ErrUpdateInProgress", err)
	}

	again, err := o.PerformUpdate("A", testImage())
	if err != nil {
		t.Fatalf("second PerformUpdate(A) error = %v", err)
	}
	if again != streamA {
		t.Error("second PerformUpdate(A) returned a different stream")
	}
	if h.engine.startCount() != 1 {
		t.Errorf("engine started %d times, want 1", h.engine.startCount())
	}

	// A device discovered mid-update inherits the exclusivity flag.
	o.handleAdvertisement(advert("C", probe.ProductGauge))
	if st := stateOf(t, o, "C"); st != probe.NotReady(probe.ReasonBlocked) {
		t.Errorf("C state during update = %s, want NotReady(blocked)", st)
	}

	inProgress := 0
	for _, d := range o.Devices() {
		if d.State.IsInProgress() {
			inProgress++
		}
	}
	if inProgress != 1 {
		t.Errorf("%d devices in progress, want 1", inProgress)
	}

	h.engine.send(t, "A", dfu.Event{Kind: dfu.EventError, ErrorType: probe.ErrorRemoteOperation, Message: "bad image"})

	eventually(t, "exclusivity released", func() bool { return !o.Updating() })
	eventually(t, "B re-enabled", func() bool { return stateOf(t, o, "B") == probe.Idle(probe.DefaultIdleStatus) })
	eventually(t, "C re-enabled", func() bool { return stateOf(t, o, "C") == probe.Idle(probe.DefaultIdleStatus) })
	eventually(t, "A settled", func() bool { return stateOf(t, o, "A") == probe.Idle("update failed: bad image") })

	if _, err := o.PerformUpdate("B", testImage()); err != nil {
		t.Errorf("PerformUpdate(B) after release error = %v", err)
	}
}

func TestOrchestrator_ExclusivityAcrossBackToBackUpdates(t *testing.T) {
	o, h := newTestOrchestrator(t)

	const devices = 2000
	ids := make([]probe.ID, devices)
	for i := range ids {
		ids[i] = probe.ID(fmt.Sprintf("D%04d", i))
		o.handleAdvertisement(advert(ids[i], probe.ProductProbe))
	}

	for trial := range 5 {
		cur, next := ids[2*trial], ids[2*trial+1]
		if _, err := o.PerformUpdate(cur, testImage()); err != nil {
			t.Fatalf("trial %d: PerformUpdate(%s) error = %v", trial, cur, err)
		}
		h.engine.send(t, cur, dfu.Event{Kind: dfu.EventCompleted})

		// Take the next update as soon as the previous one lets go.
		deadline := time.Now().Add(waitTimeout)
		for {
			_, err := o.PerformUpdate(next, testImage())
			if err == nil {
				break
			}
			if !errors.Is(err, ErrUpdateInProgress) && !errors.Is(err, dfu.ErrNotReady) {
				t.Fatalf("trial %d: PerformUpdate(%s) error = %v", trial, next, err)
			}
			if time.Now().After(deadline) {
				t.Fatalf("trial %d: %s never accepted", trial, next)
			}
		}

		enabled := 0
		for _, s := range o.sessions.SnapshotValues() {
			if s.ID() != next && s.Enabled() {
				enabled++
			}
		}
		if enabled != 0 {
			t.Fatalf("trial %d: %d sessions accept work while %s updates", trial, enabled, next)
		}

		h.engine.send(t, next, dfu.Event{Kind: dfu.EventCompleted})
		eventually(t, "exclusivity released", func() bool { return !o.Updating() })
	}
}

func TestOrchestrator_StopThenStartClearsDevices(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	o.handleAdvertisement(advert("D", probe.ProductProbe))
	st, _ := o.StateStreamFor("D")

	if !o.Stop() {
		t.Fatal("Stop() = false")
	}
	if ids := o.AvailableDevices(); len(ids) != 0 {
		t.Errorf("AvailableDevices() after Stop = %v", ids)
	}
	if !st.Closed() {
		t.Error("session stream not closed by Stop")
	}
	if v, _ := st.Value(); v != probe.NotReady(probe.ReasonDisconnected) {
		t.Errorf("finalized state = %s", v)
	}

	if !o.Start() {
		t.Fatal("Start() = false")
	}
	if ids := o.AvailableDevices(); len(ids) != 0 {
		t.Errorf("AvailableDevices() after restart = %v", ids)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := o.Events().Subscribe(ctx)
	select {
	case ev := <-events:
		if ev != DevicesCleared() {
			t.Errorf("first replayed event = %+v, want DevicesCleared", ev)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no replayed event")
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected extra replayed event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestOrchestrator_StopDoesNotAbortUpdate(t *testing.T) {
	o, h := newTestOrchestrator(t)
	o.handleAdvertisement(advert("D", probe.ProductProbe))

	if _, err := o.PerformUpdate("D", testImage()); err != nil {
		t.Fatalf("PerformUpdate() error = %v", err)
	}
	o.Stop()

	if h.engine.abortCount() != 0 {
		t.Errorf("Stop aborted the transfer")
	}
	if !o.Updating() {
		t.Fatal("exclusivity released by Stop")
	}
	if _, ok := o.StateStreamFor("D"); !ok {
		t.Error("active device stream not reachable during update")
	}

	h.engine.send(t, "D", dfu.Event{Kind: dfu.EventCompleted})
	eventually(t, "update finished", func() bool { return !o.Updating() })
}

func TestOrchestrator_Abort(t *testing.T) {
	o, h := newTestOrchestrator(t)
	o.handleAdvertisement(advert("D", probe.ProductProbe))

	if o.Abort("D") {
		t.Error("Abort() with no update = true")
	}
	if _, err := o.PerformUpdate("D", testImage()); err != nil {
		t.Fatalf("PerformUpdate() error = %v", err)
	}
	if !o.Abort("D") {
		t.Fatal("Abort() = false during update")
	}

	eventually(t, "abort finished", func() bool { return !o.Updating() })
	if h.engine.abortCount() != 1 {
		t.Errorf("engine aborts = %d, want 1", h.engine.abortCount())
	}
	eventually(t, "D settled", func() bool { return stateOf(t, o, "D") == probe.Idle("update aborted") })
}

func TestOrchestrator_DiscoveryReplacesBootloaderRecord(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	o.handleBootloaderAdvertisement(advert("X", probe.ProductProbe))
	if !o.bootloaders.ContainsKey("X") {
		t.Fatal("bootloader record not created")
	}

	o.handleAdvertisement(advert("X", probe.ProductProbe))
	if o.bootloaders.ContainsKey("X") {
		t.Error("stale bootloader record kept after app advertisement")
	}
	if !o.sessions.ContainsKey("X") {
		t.Error("session not created")
	}
}

func TestOrchestrator_StuckWaitsForThreshold(t *testing.T) {
	o, h := newTestOrchestrator(t)

	o.handleBootloaderAdvertisement(advert("B", probe.ProductProbe))
	h.clock.Advance(9 * time.Second)
	o.handleBootloaderAdvertisement(advert("B", probe.ProductProbe))

	if h.engine.startCount() != 0 {
		t.Errorf("retry started before threshold")
	}
	if _, ok := o.ActiveRetry(); ok {
		t.Error("ActiveRetry set before threshold")
	}
}

func TestOrchestrator_StuckSkippedWhileUpdating(t *testing.T) {
	o, h := newTestOrchestrator(t)
	o.handleAdvertisement(advert("A", probe.ProductProbe))
	if _, err := o.PerformUpdate("A", testImage()); err != nil {
		t.Fatalf("PerformUpdate() error = %v", err)
	}

	o.handleBootloaderAdvertisement(advert("B", probe.ProductProbe))
	h.clock.Advance(11 * time.Second)
	o.handleBootloaderAdvertisement(advert("B", probe.ProductProbe))

	if h.engine.startCount() != 1 {
		t.Errorf("engine started %d times, want 1 (no retry during update)", h.engine.startCount())
	}
}

func TestOrchestrator_StuckRetriesBoundedAndExhausted(t *testing.T) {
	o, h := newTestOrchestrator(t)

	o.handleBootloaderAdvertisement(advert("B", probe.ProductProbe))

	for attempt := 1; attempt <= DefaultMaxRetryAttempts; attempt++ {
		h.clock.Advance(10500 * time.Millisecond)
		o.handleBootloaderAdvertisement(advert("B", probe.ProductProbe))

		rc, ok := o.ActiveRetry()
		if !ok {
			t.Fatalf("attempt %d: retry not started", attempt)
		}
		if rc.Attempts != attempt {
			t.Fatalf("attempt %d: RetryContext.Attempts = %d", attempt, rc.Attempts)
		}
		if ids := o.AvailableDevices(); len(ids) != 1 || ids[0] != "B" {
			t.Errorf("attempt %d: AvailableDevices() = %v, want [B]", attempt, ids)
		}
		if h.engine.startCount() != attempt {
			t.Fatalf("attempt %d: engine started %d times", attempt, h.engine.startCount())
		}

		// Discovery ignores the device while its retry runs.
		o.handleAdvertisement(advert("B", probe.ProductProbe))
		if o.sessions.ContainsKey("B") {
			t.Fatalf("attempt %d: app session created during retry", attempt)
		}

		h.engine.send(t, "B", dfu.Event{Kind: dfu.EventError, ErrorType: probe.ErrorCommunication, Message: "timeout"})
		eventually(t, "retry finished", func() bool { return !o.Updating() })

		wantExhausted := 0
		if attempt == DefaultMaxRetryAttempts {
			wantExhausted = 1
		}
		if got := h.sink.count(analytics.KindRetriesExhausted); got != wantExhausted {
			t.Errorf("attempt %d: retries_exhausted recorded %d times, want %d", attempt, got, wantExhausted)
		}

		// A failed attempt restarts the stuck timer.
		h.clock.Advance(time.Second)
		o.handleBootloaderAdvertisement(advert("B", probe.ProductProbe))
		if h.engine.startCount() != attempt {
			t.Fatalf("attempt %d: retried again before a full threshold", attempt)
		}
	}

	h.clock.Advance(time.Minute)
	o.handleBootloaderAdvertisement(advert("B", probe.ProductProbe))
	if h.engine.startCount() != DefaultMaxRetryAttempts {
		t.Errorf("engine started %d times, want %d", h.engine.startCount(), DefaultMaxRetryAttempts)
	}
	if h.sink.count(analytics.KindRetry) != DefaultMaxRetryAttempts {
		t.Errorf("retry recorded %d times", h.sink.count(analytics.KindRetry))
	}

	retries := o.Retries()
	if len(retries) != 1 || retries[0].Attempts != DefaultMaxRetryAttempts {
		t.Errorf("Retries() = %+v", retries)
	}
}

func TestOrchestrator_RetrySessionsPublished(t *testing.T) {
	o, h := newTestOrchestrator(t)
	o.handleAdvertisement(advert("A", probe.ProductProbe))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	starts := o.RetrySessions().Subscribe(ctx)

	o.handleBootloaderAdvertisement(advert("B", probe.ProductProbe))
	h.clock.Advance(10500 * time.Millisecond)
	o.handleBootloaderAdvertisement(advert("B", probe.ProductProbe))

	select {
	case id := <-starts:
		if id != "B" {
			t.Fatalf("retry session for %s, want B", id)
		}
	case <-time.After(waitTimeout):
		t.Fatal("retry session not published")
	}

	st, ok := o.StateStreamFor("B")
	if !ok {
		t.Fatal("StateStreamFor(B) not found during retry")
	}
	if cur, _ := st.Value(); !cur.IsInProgress() {
		t.Errorf("retry state = %s, want in progress", cur)
	}
	if s, _ := o.sessions.Get("A"); s.Enabled() {
		t.Error("A accepts work during the retry")
	}
}

func TestOrchestrator_SuccessfulRetryNoDiagnostic(t *testing.T) {
	o, h := newTestOrchestrator(t)

	o.handleBootloaderAdvertisement(advert("B", probe.ProductProbe))
	h.clock.Advance(10500 * time.Millisecond)
	o.handleBootloaderAdvertisement(advert("B", probe.ProductProbe))

	st, ok := o.StateStreamFor("B")
	if !ok {
		t.Fatal("retry session stream not found")
	}
	if again, err := o.PerformUpdate("B", testImage()); err != nil || again != st {
		t.Errorf("PerformUpdate(B) during retry = %v, %v; want retry stream", again, err)
	}

	h.engine.send(t, "B", dfu.Event{Kind: dfu.EventCompleted})
	eventually(t, "retry finished", func() bool { return !o.Updating() })

	if h.sink.count(analytics.KindRetriesExhausted) != 0 {
		t.Error("retries_exhausted recorded for successful retry")
	}

	// The device comes back in application mode.
	o.handleAdvertisement(advert("B", probe.ProductProbe))
	if !o.sessions.ContainsKey("B") {
		t.Error("app session not recreated after retry")
	}
	eventually(t, "retry session finalized", st.Closed)
}

func TestOrchestrator_RetryResolvesProductType(t *testing.T) {
	o, h := newTestOrchestrator(t)

	o.handleAdvertisement(advert("B", probe.ProductDisplay))
	o.handleBootloaderAdvertisement(advert("B", probe.ProductUnknown))
	h.clock.Advance(10500 * time.Millisecond)
	o.handleBootloaderAdvertisement(advert("B", probe.ProductUnknown))

	h.resolver.mu.Lock()
	requested := append([]probe.ProductType(nil), h.resolver.requested...)
	h.resolver.mu.Unlock()
	if len(requested) != 1 || requested[0] != probe.ProductDisplay {
		t.Errorf("resolver requested %v, want [display]", requested)
	}
	if o.sessions.ContainsKey("B") {
		t.Error("app session not removed when retry started")
	}
}

func TestOrchestrator_RetryImageResolutionFailure(t *testing.T) {
	o, h := newTestOrchestrator(t)
	h.resolver.err = errors.New("no firmware")

	o.handleBootloaderAdvertisement(advert("B", probe.ProductProbe))
	h.clock.Advance(10500 * time.Millisecond)
	o.handleBootloaderAdvertisement(advert("B", probe.ProductProbe))

	if o.Updating() {
		t.Error("exclusivity held after failed resolution")
	}
	if _, ok := o.ActiveRetry(); ok {
		t.Error("ActiveRetry still set")
	}
	if h.engine.startCount() != 0 {
		t.Errorf("engine started %d times", h.engine.startCount())
	}
	if h.sink.count(analytics.KindUpdateFinished) != 1 {
		t.Errorf("update_finished recorded %d times, want 1", h.sink.count(analytics.KindUpdateFinished))
	}
}

func TestOrchestrator_LoopsConsumeSources(t *testing.T) {
	o, h := newTestOrchestrator(t)

	h.discovery.emit(t, advert("L", probe.ProductProbe))
	eventually(t, "device discovered", func() bool { return o.sessions.ContainsKey("L") })

	h.bootloader.emit(t, advert("M", probe.ProductProbe))
	eventually(t, "bootloader tracked", func() bool { return o.bootloaders.ContainsKey("M") })
}
