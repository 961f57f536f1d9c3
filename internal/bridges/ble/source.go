package ble

import (
	"context"
	"sync/atomic"

	"github.com/nerrad567/probe-ota-core/internal/probe"
	"github.com/nerrad567/probe-ota-core/internal/registry"
	"github.com/nerrad567/probe-ota-core/internal/stream"
)

// AdvertSource fans one advertisement topic out to any number of
// subscribers. Each subscriber has its own unbounded queue, so publishing
// never blocks the MQTT callback.
type AdvertSource struct {
	bridge  *Bridge
	nextID  atomic.Uint64
	subs    *registry.Map[uint64, *stream.Queue[probe.Advertisement]]
	dropped atomic.Uint64
}

func newAdvertSource(b *Bridge) *AdvertSource {
	return &AdvertSource{
		bridge: b,
		subs:   registry.New[uint64, *stream.Queue[probe.Advertisement]](),
	}
}

// Subscribe returns advertisements heard from now on, in arrival order. The
// channel is closed when ctx is done or the bridge stops.
func (s *AdvertSource) Subscribe(ctx context.Context) (<-chan probe.Advertisement, error) {
	if s.bridge.stopped.Load() {
		return nil, ErrStopped
	}

	id := s.nextID.Add(1)
	q := stream.NewQueue[probe.Advertisement]()
	s.subs.Set(id, q)

	go func() {
		select {
		case <-ctx.Done():
		case <-s.bridge.done:
		}
		s.subs.Remove(id)
		q.Abandon()
	}()

	return q.Out(), nil
}

// SubscriberCount returns the number of live subscribers.
func (s *AdvertSource) SubscriberCount() int {
	return s.subs.Len()
}

// Dropped returns how many advertisements arrived with no subscriber.
func (s *AdvertSource) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *AdvertSource) publish(adv probe.Advertisement) {
	queues := s.subs.SnapshotValues()
	if len(queues) == 0 {
		s.dropped.Add(1)
		return
	}
	for _, q := range queues {
		q.Push(adv)
	}
}
