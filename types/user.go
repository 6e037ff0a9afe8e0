package types

import "time"

type User struct {
	Id         string    `json:"id" gorm:"primaryKey"` // opaque, unique
	Name       string    `json:"name"`                 // display name, maintained externally
	Guest      bool      `json:"guest" gorm:"-"`
	LastOnline time.Time `json:"last_online"`
}
