package bus

import (
	"context"
	"sync"

	"github.com/chatrelay/chatrelay/globals"
	"github.com/chatrelay/chatrelay/metrics"
)

// MemoryBus is the in-process Bus. The channel map is mutated concurrently by
// many sessions; Publish works on a snapshot taken under the read lock so it
// never observes a torn subscriber set.
type MemoryBus struct {
	mu       sync.RWMutex
	channels map[string]map[Endpoint]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		channels: make(map[string]map[Endpoint]struct{}),
	}
}

func (b *MemoryBus) Subscribe(_ context.Context, channel string, ep Endpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	eps, ok := b.channels[channel]
	if !ok {
		eps = make(map[Endpoint]struct{})
		b.channels[channel] = eps
	}
	eps[ep] = struct{}{}
	return nil
}

func (b *MemoryBus) Unsubscribe(channel string, ep Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	eps, ok := b.channels[channel]
	if !ok {
		return
	}
	delete(eps, ep)
	if len(eps) == 0 {
		delete(b.channels, channel)
	}
}

func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	eps := make([]Endpoint, 0, len(b.channels[channel]))
	for ep := range b.channels[channel] {
		eps = append(eps, ep)
	}
	b.mu.RUnlock()
	metrics.BusPublishes.WithLabelValues("memory").Inc()
	for _, ep := range eps {
		if !ep.Queue(payload) {
			metrics.BusDrops.Inc()
			globals.AppLogger.Warn("dropped payload, endpoint queue full", "channel", channel)
		}
	}
	return nil
}

// Subscribers reports the current number of endpoints on a channel.
func (b *MemoryBus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = make(map[string]map[Endpoint]struct{})
	return nil
}
