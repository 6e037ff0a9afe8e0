package types

import "time"

// Routing types on outbound envelopes.
const (
	WireTypeDeliver = "deliver" // regular delivery to the room's subscribers
	WireTypeAlert   = "alert"   // cross-room alert on a user's alert channel
)

const MessageTypeText = "text"

// MessageKind is the decoded message_type discriminator. Inbound dispatch
// happens on this enum, not on the raw string.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindText
)

// Actor identifies a user on the wire. Name is only set on outbound
// envelopes.
type Actor struct {
	Id   string `json:"id" mapstructure:"id"`
	Name string `json:"name,omitempty" mapstructure:"name"`
}

// Envelope is the JSON structure exchanged with clients and carried on the
// bus. Inbound it holds message_type, room_id, sender.id, message and the
// optional html flag; outbound it additionally carries the routing type,
// date_created and the sender display name.
type Envelope struct {
	Type        string `json:"type,omitempty" mapstructure:"type"`
	MessageType string `json:"message_type" mapstructure:"message_type"`
	Message     string `json:"message" mapstructure:"message"`
	DateCreated string `json:"date_created,omitempty" mapstructure:"date_created"`
	Sender      Actor  `json:"sender" mapstructure:"sender"`
	RoomId      string `json:"room_id" mapstructure:"room_id"`
	Html        bool   `json:"html,omitempty" mapstructure:"html"`
}

func (e *Envelope) Kind() MessageKind {
	switch e.MessageType {
	case MessageTypeText:
		return KindText
	}
	return KindUnknown
}

// FormatTimestamp renders a server-assigned creation time for the wire.
// RFC 3339 in UTC, which round-trips through ParseTimestamp to the same
// instant.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
