package types

import "time"

// Message is immutable once persisted, except for the recipients set which
// grows monotonically and always contains the sender.
type Message struct {
	Id          uint      `json:"id" gorm:"primaryKey"`
	RoomId      string    `json:"room_id" gorm:"index"`
	SenderId    string    `json:"sender_id"`
	Text        string    `json:"text"`
	DateCreated time.Time `json:"date_created"`
	Recipients  []*User   `json:"-" gorm:"many2many:message_recipients"`
}
