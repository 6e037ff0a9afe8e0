package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	parsed, err := ParseTimestamp(FormatTimestamp(now))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(now))
}

func TestEnvelopeKind(t *testing.T) {
	assert.Equal(t, KindText, (&Envelope{MessageType: "text"}).Kind())
	assert.Equal(t, KindUnknown, (&Envelope{MessageType: "frobnicate"}).Kind())
	assert.Equal(t, KindUnknown, (&Envelope{}).Kind())
}

func TestParseRoomId(t *testing.T) {
	id := NewRoomId()
	got, ok := ParseRoomId(id)
	assert.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = ParseRoomId("not-a-uuid")
	assert.False(t, ok)

	// a valid UUID of the wrong version is rejected
	_, ok = ParseRoomId("00000000-0000-1000-8000-000000000000")
	assert.False(t, ok)
}

func TestScopeValidate(t *testing.T) {
	assert.NoError(t, Scope{}.Validate())
	assert.NoError(t, Scope{Multitenant: true, Tenant: "acme"}.Validate())
	assert.ErrorIs(t, Scope{Multitenant: true}.Validate(), ErrConfiguration)
}
