package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/chatrelay/chatrelay/bus"
	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/globals"
	"github.com/chatrelay/chatrelay/membership"
	"github.com/chatrelay/chatrelay/metrics"
	"github.com/chatrelay/chatrelay/persistence"
	"github.com/chatrelay/chatrelay/types"
	"github.com/microcosm-cc/bluemonday"
	"github.com/mitchellh/mapstructure"
)

var (
	strictPolicy = bluemonday.StrictPolicy()
	ugcPolicy    = bluemonday.UGCPolicy()
)

// RoomSession is one live connection bound to one room. It validates
// membership once at connect time, authorizes every inbound event against
// its own identity, persists accepted messages and fans them out to the
// room's channel and to each member's alert channel.
type RoomSession struct {
	bus    bus.Bus
	oracle membership.Oracle
	store  persistence.Store
	cfg    *config.Config

	scope types.Scope
	out   bus.Endpoint

	// set during Connect
	room    *types.Room
	channel string
	members []string // member ids snapshotted at connect, used for alert fan-out

	mu         sync.Mutex
	subscribed bool
}

func NewRoomSession(b bus.Bus, oracle membership.Oracle, store persistence.Store, cfg *config.Config, scope types.Scope, out bus.Endpoint) *RoomSession {
	return &RoomSession{
		bus:    b,
		oracle: oracle,
		store:  store,
		cfg:    cfg,
		scope:  scope,
		out:    out,
	}
}

// ExtractRoomId finds the first path segment that is a valid v4 UUID.
func ExtractRoomId(path string) (string, bool) {
	for _, param := range strings.Split(path, "/") {
		if id, ok := types.ParseRoomId(param); ok {
			return id, true
		}
	}
	return "", false
}

// Connect runs the Connecting state: extract the room identifier from the
// connection target, resolve the room, check effective membership, snapshot
// the member list and subscribe to the room's channel. Any failure is fatal
// to the connection; the identifier check happens before any oracle call.
func (s *RoomSession) Connect(ctx context.Context, path string) error {
	if err := s.scope.Validate(); err != nil {
		metrics.SessionsRejected.WithLabelValues("configuration").Inc()
		return err
	}
	roomId, ok := ExtractRoomId(path)
	if !ok {
		metrics.SessionsRejected.WithLabelValues("forbidden").Inc()
		return fmt.Errorf("no room identifier in connection target: %w", types.ErrValidation)
	}
	room, err := s.oracle.ResolveRoom(ctx, s.scope, roomId)
	if err != nil {
		metrics.SessionsRejected.WithLabelValues("not_found").Inc()
		return err
	}
	member, err := s.oracle.IsMember(ctx, s.scope, room.Id, s.scope.User.Id)
	if err != nil {
		return err
	}
	if !member {
		metrics.SessionsRejected.WithLabelValues("forbidden").Inc()
		return fmt.Errorf("user %s is not a member of room %s: %w", s.scope.User.Id, room.Id, types.ErrForbidden)
	}
	members, err := s.oracle.MemberIDs(ctx, s.scope, room.Id)
	if err != nil {
		return err
	}
	if err := s.bus.Subscribe(ctx, types.RoomAddress(room.Id), s.out); err != nil {
		return err
	}
	s.room = room
	s.channel = types.RoomAddress(room.Id)
	s.members = members
	s.mu.Lock()
	s.subscribed = true
	s.mu.Unlock()
	metrics.ActiveSessions.WithLabelValues("room").Inc()
	globals.AppLogger.Info("room session authorized", "room", room.Id, "user", s.scope.User.Id)
	return nil
}

// validateSession is the per-event integrity check: the event must assert a
// sender id equal to the session's authenticated user AND a room id equal to
// the session's room. Both must hold.
func (s *RoomSession) validateSession(env *types.Envelope) bool {
	return env.Sender.Id == s.scope.User.Id && env.RoomId == s.room.Id
}

// HandleInbound processes one inbound event in arrival order. A forbidden
// return terminates the session; validation failures drop the event only.
func (s *RoomSession) HandleInbound(ctx context.Context, raw []byte) error {
	payload := make(map[string]interface{})
	if err := json.Unmarshal(raw, &payload); err != nil {
		globals.AppLogger.Warn("could not unmarshal inbound event", "error", err)
		return nil
	}
	env := &types.Envelope{}
	if err := mapstructure.WeakDecode(payload, env); err != nil {
		globals.AppLogger.Warn("could not decode inbound event", "error", err)
		return nil
	}
	if !s.validateSession(env) {
		return fmt.Errorf("session integrity violation: %w", types.ErrForbidden)
	}
	switch env.Kind() {
	case types.KindText:
		return s.handleText(ctx, env)
	}
	// unrecognized message types are silently ignored
	return nil
}

func (s *RoomSession) handleText(ctx context.Context, env *types.Envelope) error {
	if env.Message == "" {
		globals.AppLogger.Warn("dropping text event without message", "room", s.room.Id)
		return nil
	}
	text := s.sanitize(env.Message, env.Html)

	created, err := s.store.AppendMessage(ctx, s.scope, s.room.Id, s.scope.User.Id, text)
	if err != nil {
		return err
	}
	metrics.MessagesPersisted.Inc()

	deliver := types.Envelope{
		Type:        types.WireTypeDeliver,
		MessageType: types.MessageTypeText,
		Message:     text,
		DateCreated: types.FormatTimestamp(created),
		Sender:      types.Actor{Id: s.scope.User.Id, Name: s.scope.User.Name},
		RoomId:      s.room.Id,
	}
	data, err := json.Marshal(&deliver)
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, s.channel, data); err != nil {
		return err
	}

	// cross-room alerts for every snapshotted member except the sender
	alert := deliver
	alert.Type = types.WireTypeAlert
	alertData, err := json.Marshal(&alert)
	if err != nil {
		return err
	}
	for _, memberId := range s.members {
		if memberId == s.scope.User.Id {
			continue
		}
		if err := s.bus.Publish(ctx, types.UserAddress(memberId), alertData); err != nil {
			return err
		}
		metrics.AlertsPublished.Inc()
	}
	return nil
}

func (s *RoomSession) sanitize(text string, html bool) string {
	switch s.cfg.Sanitize {
	case config.SanitizeAlways:
		return strictPolicy.Sanitize(text)
	default: // config.SanitizePlain
		if html {
			return ugcPolicy.Sanitize(text)
		}
		return strictPolicy.Sanitize(text)
	}
}

// Close unsubscribes from the room channel. It is reachable from every
// state and safe to call more than once.
func (s *RoomSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.subscribed {
		return
	}
	s.subscribed = false
	s.bus.Unsubscribe(s.channel, s.out)
	metrics.ActiveSessions.WithLabelValues("room").Dec()
	globals.AppLogger.Debug("room session closed", "room", s.room.Id, "user", s.scope.User.Id)
}
