package ws

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/chatrelay/chatrelay/bus"
	"github.com/chatrelay/chatrelay/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alertScope(userId string) types.Scope {
	return types.Scope{User: &types.User{Id: userId, Name: userId}}
}

func TestAlertSessionSubscribes(t *testing.T) {
	b := bus.NewMemoryBus()
	ep := newChanEndpoint()
	session := NewAlertSession(b, alertScope("alice"), ep)
	require.NoError(t, session.Connect(context.Background()))
	defer session.Close()

	assert.Equal(t, 1, b.Subscribers(types.UserAddress("alice")))

	raw, _ := json.Marshal(types.Envelope{
		Type:        types.WireTypeAlert,
		MessageType: types.MessageTypeText,
		Message:     "ping",
		Sender:      types.Actor{Id: "bob", Name: "bob"},
		RoomId:      types.NewRoomId(),
	})
	require.NoError(t, b.Publish(context.Background(), types.UserAddress("alice"), raw))
	got := ep.drain()
	require.Len(t, got, 1)
	assert.Equal(t, types.WireTypeAlert, got[0].Type)
	assert.Equal(t, "ping", got[0].Message)
}

func TestAlertSessionRelaysVerbatim(t *testing.T) {
	b := bus.NewMemoryBus()
	ep := newChanEndpoint()
	session := NewAlertSession(b, alertScope("alice"), ep)
	ctx := context.Background()
	require.NoError(t, session.Connect(ctx))
	defer session.Close()

	original := map[string]interface{}{
		"custom":  "payload",
		"nested":  map[string]interface{}{"answer": float64(42)},
		"list":    []interface{}{"a", "b"},
		"message": "self-loop",
	}
	raw, err := json.Marshal(original)
	require.NoError(t, err)
	require.NoError(t, session.HandleInbound(ctx, raw))

	var payload []byte
	select {
	case payload = <-ep.payloads:
	default:
		t.Fatal("no payload relayed")
	}
	assert.Empty(t, ep.drain())

	relayed := make(map[string]interface{})
	require.NoError(t, json.Unmarshal(payload, &relayed))
	// identical except for the added routing stamp
	assert.Equal(t, types.WireTypeDeliver, relayed["type"])
	delete(relayed, "type")
	assert.Equal(t, original, relayed)
}

func TestAlertSessionOverwritesRoutingStamp(t *testing.T) {
	b := bus.NewMemoryBus()
	ep := newChanEndpoint()
	session := NewAlertSession(b, alertScope("alice"), ep)
	ctx := context.Background()
	require.NoError(t, session.Connect(ctx))
	defer session.Close()

	require.NoError(t, session.HandleInbound(ctx, []byte(`{"type":"alert","message":"x"}`)))
	got := ep.drain()
	require.Len(t, got, 1)
	assert.Equal(t, types.WireTypeDeliver, got[0].Type)
}

func TestAlertSessionInvalidPayloadDropped(t *testing.T) {
	b := bus.NewMemoryBus()
	ep := newChanEndpoint()
	session := NewAlertSession(b, alertScope("alice"), ep)
	ctx := context.Background()
	require.NoError(t, session.Connect(ctx))
	defer session.Close()

	assert.NoError(t, session.HandleInbound(ctx, []byte("not json")))
	assert.Empty(t, ep.drain())
}

func TestAlertSessionCloseIdempotent(t *testing.T) {
	b := bus.NewMemoryBus()
	ep := newChanEndpoint()
	session := NewAlertSession(b, alertScope("alice"), ep)
	require.NoError(t, session.Connect(context.Background()))

	session.Close()
	session.Close()
	assert.Equal(t, 0, b.Subscribers(types.UserAddress("alice")))
}

func TestAlertSessionMultitenantWithoutTenant(t *testing.T) {
	b := bus.NewMemoryBus()
	scope := types.Scope{User: &types.User{Id: "alice"}, Multitenant: true}
	session := NewAlertSession(b, scope, newChanEndpoint())
	err := session.Connect(context.Background())
	assert.ErrorIs(t, err, types.ErrConfiguration)
	assert.Equal(t, 0, b.Subscribers(types.UserAddress("alice")))
}
