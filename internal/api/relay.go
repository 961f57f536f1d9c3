package api

import (
	"context"

	"github.com/nerrad567/probe-ota-core/internal/ota"
	"github.com/nerrad567/probe-ota-core/internal/probe"
	"github.com/nerrad567/probe-ota-core/internal/stream"
)

// Broadcast channels.
const (
	ChannelSystemEvent = "system.event"
	ChannelDeviceState = "device.state"
)

// DeviceStateEvent is the payload broadcast on ChannelDeviceState.
type DeviceStateEvent struct {
	DeviceID probe.ID          `json:"device_id"`
	State    probe.DeviceState `json:"state"`
}

// deviceSnapshot returns the current state of every available device.
func (s *Server) deviceSnapshot() []any {
	devices := s.updater.Devices()
	out := make([]any, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceStateEvent{DeviceID: d.ID, State: d.State})
	}
	return out
}

// relaySystemEvents forwards the orchestrator event stream to the hub and
// starts watching every newly discovered device.
func (s *Server) relaySystemEvents(ctx context.Context) {
	for ev := range s.updater.Events().Subscribe(ctx) {
		s.hub.Broadcast(ChannelSystemEvent, ev)
		if ev.Kind != ota.EventDeviceDiscovered {
			continue
		}
		if st, ok := s.updater.StateStreamFor(ev.DeviceID); ok {
			s.watchDevice(ev.DeviceID, st)
		}
	}
}

// relayRetrySessions starts watching each session a stuck-bootloader retry
// creates. Those devices never announce themselves as discovered.
func (s *Server) relayRetrySessions(ctx context.Context) {
	for id := range s.updater.RetrySessions().Subscribe(ctx) {
		if st, ok := s.updater.StateStreamFor(id); ok {
			s.watchDevice(id, st)
		}
	}
}

// deviceWatch is one running relay of a device's state stream.
type deviceWatch struct {
	st     *stream.Stream[probe.DeviceState]
	cancel context.CancelFunc
}

// watchDevice relays st to the hub until it closes or the server stops.
// A device is relayed from at most one stream at a time; a new stream for
// the same device (a bootloader retry session) replaces the old one.
func (s *Server) watchDevice(id probe.ID, st *stream.Stream[probe.DeviceState]) {
	if st == nil {
		return
	}

	parent := s.srvCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	s.watchMu.Lock()
	old, ok := s.watching[id]
	if ok && old.st == st {
		s.watchMu.Unlock()
		cancel()
		return
	}
	s.watching[id] = deviceWatch{st: st, cancel: cancel}
	s.watchMu.Unlock()

	if ok {
		old.cancel()
	}

	go func() {
		defer cancel()
		defer s.unwatch(id, st)
		for state := range st.Subscribe(ctx) {
			if s.currentWatch(id) != st {
				return
			}
			s.hub.Broadcast(ChannelDeviceState, DeviceStateEvent{DeviceID: id, State: state})
		}
	}()
}

func (s *Server) currentWatch(id probe.ID) *stream.Stream[probe.DeviceState] {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	return s.watching[id].st
}

func (s *Server) unwatch(id probe.ID, st *stream.Stream[probe.DeviceState]) {
	s.watchMu.Lock()
	if w, ok := s.watching[id]; ok && w.st == st {
		delete(s.watching, id)
	}
	s.watchMu.Unlock()
}

// watchCount returns the number of devices currently relayed.
func (s *Server) watchCount() int {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	return len(s.watching)
}
