package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/chatrelay/chatrelay/bus"
	"github.com/chatrelay/chatrelay/globals"
	"github.com/chatrelay/chatrelay/metrics"
	"github.com/chatrelay/chatrelay/types"
)

// AlertSession is one live connection bound to one user: it subscribes to
// the user's personal alert channel and relays whatever arrives there. Every
// authenticated user owns exactly one alert channel, always their own, so
// there is no authorization beyond identity resolution.
type AlertSession struct {
	bus   bus.Bus
	scope types.Scope
	out   bus.Endpoint

	channel string

	mu         sync.Mutex
	subscribed bool
}

func NewAlertSession(b bus.Bus, scope types.Scope, out bus.Endpoint) *AlertSession {
	return &AlertSession{
		bus:     b,
		scope:   scope,
		out:     out,
		channel: types.UserAddress(scope.User.Id),
	}
}

func (s *AlertSession) Connect(ctx context.Context) error {
	if err := s.scope.Validate(); err != nil {
		metrics.SessionsRejected.WithLabelValues("configuration").Inc()
		return err
	}
	if err := s.bus.Subscribe(ctx, s.channel, s.out); err != nil {
		return err
	}
	s.mu.Lock()
	s.subscribed = true
	s.mu.Unlock()
	metrics.ActiveSessions.WithLabelValues("alert").Inc()
	globals.AppLogger.Info("alert session subscribed", "user", s.scope.User.Id)
	return nil
}

// HandleInbound relays a client-originated payload back to the session's own
// alert channel, verbatim except for the delivery routing stamp. This lets a
// client fan custom alerts out to its other open connections; the payload
// shape is not validated.
func (s *AlertSession) HandleInbound(ctx context.Context, raw []byte) error {
	payload := make(map[string]interface{})
	if err := json.Unmarshal(raw, &payload); err != nil {
		globals.AppLogger.Warn("could not unmarshal inbound alert", "error", err)
		return nil
	}
	payload["type"] = types.WireTypeDeliver
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, s.channel, data)
}

// Close unsubscribes from the alert channel; safe to call more than once.
func (s *AlertSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.subscribed {
		return
	}
	s.subscribed = false
	s.bus.Unsubscribe(s.channel, s.out)
	metrics.ActiveSessions.WithLabelValues("alert").Dec()
	globals.AppLogger.Debug("alert session closed", "user", s.scope.User.Id)
}
