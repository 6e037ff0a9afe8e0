package types

import (
	"time"

	"github.com/google/uuid"
)

// Room is a persistent conversation context. Its effective member set is the
// union of its direct members and the members of any attached group.
type Room struct {
	Id           string    `json:"id" gorm:"primaryKey"`
	Name         string    `json:"name"`
	DateCreated  time.Time `json:"date_created"`
	DateModified time.Time `json:"date_modified"` // bumped on every new message
	Members      []*User   `json:"-" gorm:"many2many:room_members"`
	Groups       []*Group  `json:"-" gorm:"many2many:room_groups"`
}

// NewRoomId returns a fresh v4 UUID in textual form.
func NewRoomId() string {
	return uuid.NewString()
}

// ParseRoomId validates a textual room identifier. Only v4 UUIDs are
// accepted, anything else is not a room id.
func ParseRoomId(s string) (string, bool) {
	u, err := uuid.Parse(s)
	if err != nil || u.Version() != 4 {
		return "", false
	}
	return u.String(), true
}

// Group is a named set of users that can be attached to rooms for indirect
// membership.
type Group struct {
	Id      string  `json:"id" gorm:"primaryKey"`
	Name    string  `json:"name"`
	Members []*User `json:"-" gorm:"many2many:group_members"`
}
