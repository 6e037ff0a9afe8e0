package membership

import (
	"context"

	"github.com/chatrelay/chatrelay/persistence"
	"github.com/chatrelay/chatrelay/types"
	lru "github.com/hashicorp/golang-lru"
)

const defaultRoomCacheSize = 512

// Oracle answers "does this room exist" and "who may participate in it".
// The effective member set of a room is its direct members union the members
// of any attached group.
type Oracle interface {
	ResolveRoom(ctx context.Context, scope types.Scope, id string) (*types.Room, error)
	IsMember(ctx context.Context, scope types.Scope, roomId, userId string) (bool, error)
	MemberIDs(ctx context.Context, scope types.Scope, roomId string) ([]string, error)
}

// StoreOracle backs the Oracle with the record store. Resolved room records
// are held in an LRU cache keyed by tenant and id; membership is never
// cached, sessions snapshot it once at connect time anyway.
type StoreOracle struct {
	store persistence.Store
	rooms *lru.Cache
}

func NewOracle(store persistence.Store) (*StoreOracle, error) {
	cache, err := lru.New(defaultRoomCacheSize)
	if err != nil {
		return nil, err
	}
	return &StoreOracle{store: store, rooms: cache}, nil
}

func cacheKey(scope types.Scope, id string) string {
	return scope.Tenant + "/" + id
}

func (o *StoreOracle) ResolveRoom(ctx context.Context, scope types.Scope, id string) (*types.Room, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if cached, ok := o.rooms.Get(cacheKey(scope, id)); ok {
		return cached.(*types.Room), nil
	}
	room, err := o.store.GetRoom(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	o.rooms.Add(cacheKey(scope, id), room)
	return room, nil
}

func (o *StoreOracle) IsMember(ctx context.Context, scope types.Scope, roomId, userId string) (bool, error) {
	return o.store.IsMember(ctx, scope, roomId, userId)
}

func (o *StoreOracle) MemberIDs(ctx context.Context, scope types.Scope, roomId string) ([]string, error) {
	return o.store.MemberIDs(ctx, scope, roomId)
}

// Invalidate drops a cached room record, f.e. after an admin rename.
func (o *StoreOracle) Invalidate(scope types.Scope, id string) {
	o.rooms.Remove(cacheKey(scope, id))
}
