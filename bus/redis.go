package bus

import (
	"context"
	"sync"

	"github.com/chatrelay/chatrelay/globals"
	"github.com/chatrelay/chatrelay/metrics"
	"github.com/redis/go-redis/v9"
)

// RedisBus shares channels across processes via Redis PUBLISH/SUBSCRIBE. One
// Redis subscription is held per locally subscribed channel; local delivery
// loops back through the broker so every process observes the broker's
// per-channel order.
type RedisBus struct {
	rdb *redis.Client

	mu   sync.Mutex
	subs map[string]*redisSub
}

type redisSub struct {
	pubsub *redis.PubSub

	mu        sync.RWMutex
	endpoints map[Endpoint]struct{}
}

func NewRedisBus(addr string) *RedisBus {
	return &RedisBus{
		rdb:  redis.NewClient(&redis.Options{Addr: addr}),
		subs: make(map[string]*redisSub),
	}
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string, ep Endpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[channel]
	if !ok {
		pubsub := b.rdb.Subscribe(ctx, channel)
		// force the subscription onto the wire before accepting publishes
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			return err
		}
		sub = &redisSub{
			pubsub:    pubsub,
			endpoints: make(map[Endpoint]struct{}),
		}
		b.subs[channel] = sub
		go sub.pump(channel)
	}
	sub.mu.Lock()
	sub.endpoints[ep] = struct{}{}
	sub.mu.Unlock()
	return nil
}

func (s *redisSub) pump(channel string) {
	for msg := range s.pubsub.Channel() {
		payload := []byte(msg.Payload)
		s.mu.RLock()
		eps := make([]Endpoint, 0, len(s.endpoints))
		for ep := range s.endpoints {
			eps = append(eps, ep)
		}
		s.mu.RUnlock()
		for _, ep := range eps {
			if !ep.Queue(payload) {
				metrics.BusDrops.Inc()
				globals.AppLogger.Warn("dropped payload, endpoint queue full", "channel", channel)
			}
		}
	}
}

func (b *RedisBus) Unsubscribe(channel string, ep Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[channel]
	if !ok {
		return
	}
	sub.mu.Lock()
	delete(sub.endpoints, ep)
	empty := len(sub.endpoints) == 0
	sub.mu.Unlock()
	if empty {
		// closing the pubsub ends the pump goroutine
		if err := sub.pubsub.Close(); err != nil {
			globals.AppLogger.Error("could not close redis subscription", "channel", channel, "error", err)
		}
		delete(b.subs, channel)
	}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	metrics.BusPublishes.WithLabelValues("redis").Inc()
	return b.rdb.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	for channel, sub := range b.subs {
		if err := sub.pubsub.Close(); err != nil {
			globals.AppLogger.Error("could not close redis subscription", "channel", channel, "error", err)
		}
	}
	b.subs = make(map[string]*redisSub)
	b.mu.Unlock()
	return b.rdb.Close()
}
