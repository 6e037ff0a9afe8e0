package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/types"
)

// Store is the durable record store behind the membership oracle and the
// persistence gateway. Every call carries the connection scope; when the
// scope is multitenant, the implementation must execute inside that tenant's
// data scope or fail with types.ErrConfiguration.
type Store interface {
	// membership oracle backing
	GetRoom(ctx context.Context, scope types.Scope, id string) (*types.Room, error)
	IsMember(ctx context.Context, scope types.Scope, roomId, userId string) (bool, error)
	MemberIDs(ctx context.Context, scope types.Scope, roomId string) ([]string, error)

	// persistence gateway: atomically store the message, mark the sender as a
	// recipient and bump the room's date_modified to the message's creation
	// time, which is returned.
	AppendMessage(ctx context.Context, scope types.Scope, roomId, senderId, text string) (time.Time, error)

	// records
	StoreUser(ctx context.Context, scope types.Scope, user types.User) error
	GetUser(ctx context.Context, scope types.Scope, user *types.User) error
	GetUsers(ctx context.Context, scope types.Scope) ([]*types.User, error)
	StoreRoom(ctx context.Context, scope types.Scope, room types.Room) error
	GetRooms(ctx context.Context, scope types.Scope) ([]*types.Room, error)
	AddMember(ctx context.Context, scope types.Scope, roomId, userId string) error
	StoreGroup(ctx context.Context, scope types.Scope, group types.Group) error
	AddGroupMember(ctx context.Context, scope types.Scope, groupId, userId string) error
	AttachGroup(ctx context.Context, scope types.Scope, roomId, groupId string) error

	// EnsureDirectRoom returns the room whose direct member set equals the
	// given users, creating it on first contact.
	EnsureDirectRoom(ctx context.Context, scope types.Scope, name string, userIds []string) (*types.Room, error)

	// RecentMessages returns up to limit messages of a room, newest first.
	RecentMessages(ctx context.Context, scope types.Scope, roomId string, limit int) ([]*types.Message, error)

	Close() error
}

// NewStore builds the store selected in the configuration.
func NewStore(cfg *config.Config) (Store, error) {
	switch cfg.PersistenceConfig.Type {
	case "gorm-sqlite", "gorm-postgres":
		return NewGormStore(cfg)
	case "buntdb":
		return NewBuntStore(cfg.PersistenceConfig.DSN)
	case "":
		return nil, fmt.Errorf("no persistence configured: %w", types.ErrConfiguration)
	}
	return nil, fmt.Errorf("unknown persistence type %q: %w", cfg.PersistenceConfig.Type, types.ErrConfiguration)
}
