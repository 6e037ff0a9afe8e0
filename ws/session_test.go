package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/chatrelay/chatrelay/bus"
	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/membership"
	"github.com/chatrelay/chatrelay/persistence"
	"github.com/chatrelay/chatrelay/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanEndpoint struct {
	payloads chan []byte
}

func newChanEndpoint() *chanEndpoint {
	return &chanEndpoint{payloads: make(chan []byte, 100)}
}

func (e *chanEndpoint) Queue(payload []byte) bool {
	select {
	case e.payloads <- payload:
		return true
	default:
		return false
	}
}

func (e *chanEndpoint) drain() []types.Envelope {
	out := make([]types.Envelope, 0)
	for {
		select {
		case p := <-e.payloads:
			env := types.Envelope{}
			if err := json.Unmarshal(p, &env); err == nil {
				out = append(out, env)
			}
		default:
			return out
		}
	}
}

type fixture struct {
	bus    *bus.MemoryBus
	store  persistence.Store
	oracle membership.Oracle
	cfg    *config.Config
	roomId string
	scope  func(userId string) types.Scope
}

// newFixture seeds a room with alice and bob as direct members and carol via
// an attached group.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := persistence.NewBuntStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	oracle, err := membership.NewOracle(store)
	require.NoError(t, err)

	ctx := context.Background()
	scope := types.Scope{}
	roomId := types.NewRoomId()
	require.NoError(t, store.StoreRoom(ctx, scope, types.Room{Id: roomId, Name: "lobby"}))
	for _, id := range []string{"alice", "bob", "carol", "mallory"} {
		require.NoError(t, store.StoreUser(ctx, scope, types.User{Id: id, Name: id}))
	}
	require.NoError(t, store.AddMember(ctx, scope, roomId, "alice"))
	require.NoError(t, store.AddMember(ctx, scope, roomId, "bob"))
	require.NoError(t, store.StoreGroup(ctx, scope, types.Group{Id: "friends"}))
	require.NoError(t, store.AddGroupMember(ctx, scope, "friends", "carol"))
	require.NoError(t, store.AttachGroup(ctx, scope, roomId, "friends"))

	return &fixture{
		bus:    bus.NewMemoryBus(),
		store:  store,
		oracle: oracle,
		cfg:    &config.Config{Sanitize: config.SanitizePlain},
		roomId: roomId,
		scope: func(userId string) types.Scope {
			return types.Scope{User: &types.User{Id: userId, Name: userId}}
		},
	}
}

func textEvent(senderId, roomId, message string) []byte {
	raw, _ := json.Marshal(map[string]interface{}{
		"message_type": "text",
		"room_id":      roomId,
		"sender":       map[string]interface{}{"id": senderId},
		"message":      message,
	})
	return raw
}

func TestRoomSessionFanout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	aliceRoom := newChanEndpoint()
	session := NewRoomSession(f.bus, f.oracle, f.store, f.cfg, f.scope("alice"), aliceRoom)
	require.NoError(t, session.Connect(ctx, "/ws/rooms/"+f.roomId))
	defer session.Close()

	aliceAlerts := newChanEndpoint()
	bobAlerts := newChanEndpoint()
	carolAlerts := newChanEndpoint()
	require.NoError(t, f.bus.Subscribe(ctx, types.UserAddress("alice"), aliceAlerts))
	require.NoError(t, f.bus.Subscribe(ctx, types.UserAddress("bob"), bobAlerts))
	require.NoError(t, f.bus.Subscribe(ctx, types.UserAddress("carol"), carolAlerts))

	require.NoError(t, session.HandleInbound(ctx, textEvent("alice", f.roomId, "hello all")))

	// exactly one deliver envelope on the room channel
	delivered := aliceRoom.drain()
	require.Len(t, delivered, 1)
	assert.Equal(t, types.WireTypeDeliver, delivered[0].Type)
	assert.Equal(t, types.MessageTypeText, delivered[0].MessageType)
	assert.Equal(t, "hello all", delivered[0].Message)
	assert.Equal(t, "alice", delivered[0].Sender.Id)
	assert.Equal(t, "alice", delivered[0].Sender.Name)
	assert.Equal(t, f.roomId, delivered[0].RoomId)

	// the delivered timestamp round-trips to the persisted instant
	created, err := types.ParseTimestamp(delivered[0].DateCreated)
	require.NoError(t, err)
	msgs, err := f.store.RecentMessages(ctx, types.Scope{}, f.roomId, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, created.Equal(msgs[0].DateCreated))

	// bob and carol (group member) each get exactly one alert, alice none
	bobGot := bobAlerts.drain()
	require.Len(t, bobGot, 1)
	assert.Equal(t, types.WireTypeAlert, bobGot[0].Type)
	assert.Equal(t, "alice", bobGot[0].Sender.Id)
	carolGot := carolAlerts.drain()
	require.Len(t, carolGot, 1)
	assert.Equal(t, types.WireTypeAlert, carolGot[0].Type)
	assert.Empty(t, aliceAlerts.drain())
}

func TestRoomSessionNonMemberRejected(t *testing.T) {
	f := newFixture(t)
	ep := newChanEndpoint()
	session := NewRoomSession(f.bus, f.oracle, f.store, f.cfg, f.scope("mallory"), ep)

	err := session.Connect(context.Background(), "/ws/rooms/"+f.roomId)
	assert.ErrorIs(t, err, types.ErrForbidden)
	// the endpoint never appears in the room's subscriber set
	assert.Equal(t, 0, f.bus.Subscribers(types.RoomAddress(f.roomId)))
	session.Close() // closing a never-subscribed session must not panic
}

// failingOracle fails the test on any call; used to prove that invalid room
// identifiers are refused before any oracle lookup.
type failingOracle struct {
	t *testing.T
}

func (o failingOracle) ResolveRoom(context.Context, types.Scope, string) (*types.Room, error) {
	o.t.Fatal("ResolveRoom called for an invalid room identifier")
	return nil, nil
}

func (o failingOracle) IsMember(context.Context, types.Scope, string, string) (bool, error) {
	o.t.Fatal("IsMember called for an invalid room identifier")
	return false, nil
}

func (o failingOracle) MemberIDs(context.Context, types.Scope, string) ([]string, error) {
	o.t.Fatal("MemberIDs called for an invalid room identifier")
	return nil, nil
}

func TestRoomSessionInvalidIdentifierRefusedBeforeOracle(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{
		"/ws/rooms/not-a-uuid",
		"/ws/rooms/",
		"/ws/rooms/123e4567",
	} {
		session := NewRoomSession(f.bus, failingOracle{t}, f.store, f.cfg, f.scope("alice"), newChanEndpoint())
		err := session.Connect(context.Background(), path)
		assert.ErrorIs(t, err, types.ErrValidation, path)
	}
}

func TestRoomSessionUnknownRoom(t *testing.T) {
	f := newFixture(t)
	session := NewRoomSession(f.bus, f.oracle, f.store, f.cfg, f.scope("alice"), newChanEndpoint())
	err := session.Connect(context.Background(), "/ws/rooms/"+types.NewRoomId())
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRoomSessionIntegrityCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		senderId string
		roomId   string
	}{
		{"spoofed sender", "bob", f.roomId},
		{"wrong room", "alice", types.NewRoomId()},
		{"both wrong", "bob", types.NewRoomId()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ep := newChanEndpoint()
			session := NewRoomSession(f.bus, f.oracle, f.store, f.cfg, f.scope("alice"), ep)
			require.NoError(t, session.Connect(ctx, "/ws/rooms/"+f.roomId))
			defer session.Close()

			err := session.HandleInbound(ctx, textEvent(tc.senderId, tc.roomId, "spoofed"))
			assert.ErrorIs(t, err, types.ErrForbidden)
			// no broadcast happened
			assert.Empty(t, ep.drain())
		})
	}
}

func TestRoomSessionUnrecognizedTypeIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ep := newChanEndpoint()
	session := NewRoomSession(f.bus, f.oracle, f.store, f.cfg, f.scope("alice"), ep)
	require.NoError(t, session.Connect(ctx, "/ws/rooms/"+f.roomId))
	defer session.Close()

	raw, _ := json.Marshal(map[string]interface{}{
		"message_type": "typing_indicator",
		"room_id":      f.roomId,
		"sender":       map[string]interface{}{"id": "alice"},
	})
	assert.NoError(t, session.HandleInbound(ctx, raw))
	assert.Empty(t, ep.drain())
}

func TestRoomSessionMissingMessageDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ep := newChanEndpoint()
	session := NewRoomSession(f.bus, f.oracle, f.store, f.cfg, f.scope("alice"), ep)
	require.NoError(t, session.Connect(ctx, "/ws/rooms/"+f.roomId))
	defer session.Close()

	raw, _ := json.Marshal(map[string]interface{}{
		"message_type": "text",
		"room_id":      f.roomId,
		"sender":       map[string]interface{}{"id": "alice"},
	})
	assert.NoError(t, session.HandleInbound(ctx, raw))
	assert.Empty(t, ep.drain())
	msgs, err := f.store.RecentMessages(ctx, types.Scope{}, f.roomId, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRoomSessionSanitizesMarkup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ep := newChanEndpoint()
	session := NewRoomSession(f.bus, f.oracle, f.store, f.cfg, f.scope("alice"), ep)
	require.NoError(t, session.Connect(ctx, "/ws/rooms/"+f.roomId))
	defer session.Close()

	require.NoError(t, session.HandleInbound(ctx, textEvent("alice", f.roomId, "<b>hi</b> there")))
	got := ep.drain()
	require.Len(t, got, 1)
	assert.NotContains(t, got[0].Message, "<b>")
	assert.Contains(t, got[0].Message, "hi")

	// the persisted text equals the broadcast text
	msgs, err := f.store.RecentMessages(ctx, types.Scope{}, f.roomId, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, got[0].Message, msgs[0].Text)
}

func TestRoomSessionCloseIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ep := newChanEndpoint()
	session := NewRoomSession(f.bus, f.oracle, f.store, f.cfg, f.scope("alice"), ep)
	require.NoError(t, session.Connect(ctx, "/ws/rooms/"+f.roomId))
	assert.Equal(t, 1, f.bus.Subscribers(types.RoomAddress(f.roomId)))

	session.Close()
	session.Close()
	assert.Equal(t, 0, f.bus.Subscribers(types.RoomAddress(f.roomId)))
}

func TestRoomSessionInboundOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ep := newChanEndpoint()
	session := NewRoomSession(f.bus, f.oracle, f.store, f.cfg, f.scope("alice"), ep)
	require.NoError(t, session.Connect(ctx, "/ws/rooms/"+f.roomId))
	defer session.Close()

	var last time.Time
	for i := 0; i < 5; i++ {
		require.NoError(t, session.HandleInbound(ctx, textEvent("alice", f.roomId, fmt.Sprintf("m%d", i))))
	}
	got := ep.drain()
	require.Len(t, got, 5)
	for i, env := range got {
		assert.Equal(t, fmt.Sprintf("m%d", i), env.Message)
		created, err := types.ParseTimestamp(env.DateCreated)
		require.NoError(t, err)
		// timestamps of one sender in one room are monotonic
		assert.False(t, created.Before(last))
		last = created
	}
}

func TestExtractRoomId(t *testing.T) {
	id := types.NewRoomId()
	got, ok := ExtractRoomId("/ws/rooms/" + id + "/")
	assert.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = ExtractRoomId("/ws/rooms/00000000-0000-0000-0000-000000000000") // v0, not v4
	assert.False(t, ok)

	_, ok = ExtractRoomId("/ws/rooms")
	assert.False(t, ok)
}
