package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chatrelay/chatrelay/types"
	"github.com/tidwall/buntdb"
)

// BuntStore is the embedded JSON store. Tenant scoping is a keyspace prefix,
// so one file can hold many tenants. The DSN is a file path or ":memory:".
type BuntStore struct {
	db *buntdb.DB
}

// internal record shapes; relations are stored as id lists

type buntRoom struct {
	Id           string    `json:"id"`
	Name         string    `json:"name"`
	DateCreated  time.Time `json:"date_created"`
	DateModified time.Time `json:"date_modified"`
	MemberIds    []string  `json:"member_ids"`
	GroupIds     []string  `json:"group_ids"`
}

type buntGroup struct {
	Id        string   `json:"id"`
	Name      string   `json:"name"`
	MemberIds []string `json:"member_ids"`
}

type buntMessage struct {
	Id           uint      `json:"id"`
	RoomId       string    `json:"room_id"`
	SenderId     string    `json:"sender_id"`
	Text         string    `json:"text"`
	DateCreated  time.Time `json:"date_created"`
	RecipientIds []string  `json:"recipient_ids"`
}

func NewBuntStore(dsn string) (*BuntStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty DSN: %w", types.ErrConfiguration)
	}
	db, err := buntdb.Open(dsn)
	if err != nil {
		return nil, err
	}
	return &BuntStore{db: db}, nil
}

func scopePrefix(scope types.Scope) (string, error) {
	if err := scope.Validate(); err != nil {
		return "", err
	}
	if scope.Multitenant {
		return "tenant:" + scope.Tenant + ":", nil
	}
	return "", nil
}

func buntNotFound(err error) error {
	if errors.Is(err, buntdb.ErrNotFound) {
		return fmt.Errorf("%s: %w", err, types.ErrNotFound)
	}
	return err
}

func getJSON(tx *buntdb.Tx, key string, v interface{}) error {
	raw, err := tx.Get(key)
	if err != nil {
		return buntNotFound(err)
	}
	return json.Unmarshal([]byte(raw), v)
}

func setJSON(tx *buntdb.Tx, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(key, string(raw), nil)
	return err
}

func nextSeq(tx *buntdb.Tx, key string) (uint, error) {
	seq := uint(0)
	if raw, err := tx.Get(key); err == nil {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, err
		}
		seq = uint(n)
	} else if !errors.Is(err, buntdb.ErrNotFound) {
		return 0, err
	}
	seq++
	_, _, err := tx.Set(key, strconv.FormatUint(uint64(seq), 10), nil)
	return seq, err
}

func contains(ids []string, id string) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}

func (r *buntRoom) toRoom() *types.Room {
	return &types.Room{
		Id:           r.Id,
		Name:         r.Name,
		DateCreated:  r.DateCreated,
		DateModified: r.DateModified,
	}
}

func (s *BuntStore) getRoomRecord(tx *buntdb.Tx, prefix, id string) (*buntRoom, error) {
	room := &buntRoom{}
	if err := getJSON(tx, prefix+"room:"+id, room); err != nil {
		return nil, err
	}
	return room, nil
}

func (s *BuntStore) GetRoom(_ context.Context, scope types.Scope, id string) (*types.Room, error) {
	prefix, err := scopePrefix(scope)
	if err != nil {
		return nil, err
	}
	var room *types.Room
	err = s.db.View(func(tx *buntdb.Tx) error {
		rec, err := s.getRoomRecord(tx, prefix, id)
		if err != nil {
			return err
		}
		room = rec.toRoom()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (s *BuntStore) memberIds(tx *buntdb.Tx, prefix string, room *buntRoom) ([]string, error) {
	ids := make([]string, 0, len(room.MemberIds))
	seen := make(map[string]struct{})
	add := func(id string) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, id := range room.MemberIds {
		add(id)
	}
	for _, groupId := range room.GroupIds {
		group := &buntGroup{}
		err := getJSON(tx, prefix+"group:"+groupId, group)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue // dangling attachment
			}
			return nil, err
		}
		for _, id := range group.MemberIds {
			add(id)
		}
	}
	return ids, nil
}

func (s *BuntStore) IsMember(ctx context.Context, scope types.Scope, roomId, userId string) (bool, error) {
	ids, err := s.MemberIDs(ctx, scope, roomId)
	if err != nil {
		return false, err
	}
	return contains(ids, userId), nil
}

func (s *BuntStore) MemberIDs(_ context.Context, scope types.Scope, roomId string) ([]string, error) {
	prefix, err := scopePrefix(scope)
	if err != nil {
		return nil, err
	}
	var ids []string
	err = s.db.View(func(tx *buntdb.Tx) error {
		room, err := s.getRoomRecord(tx, prefix, roomId)
		if err != nil {
			return err
		}
		ids, err = s.memberIds(tx, prefix, room)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *BuntStore) AppendMessage(_ context.Context, scope types.Scope, roomId, senderId, text string) (time.Time, error) {
	prefix, err := scopePrefix(scope)
	if err != nil {
		return time.Time{}, err
	}
	var created time.Time
	err = s.db.Update(func(tx *buntdb.Tx) error {
		room, err := s.getRoomRecord(tx, prefix, roomId)
		if err != nil {
			return err
		}
		seq, err := nextSeq(tx, prefix+"seq:msg")
		if err != nil {
			return err
		}
		created = time.Now().UTC()
		msg := buntMessage{
			Id:           seq,
			RoomId:       roomId,
			SenderId:     senderId,
			Text:         text,
			DateCreated:  created,
			RecipientIds: []string{senderId},
		}
		if err := setJSON(tx, fmt.Sprintf("%smsg:%s:%012d", prefix, roomId, seq), &msg); err != nil {
			return err
		}
		room.DateModified = created
		return setJSON(tx, prefix+"room:"+roomId, room)
	})
	if err != nil {
		return time.Time{}, err
	}
	return created, nil
}

func (s *BuntStore) StoreUser(_ context.Context, scope types.Scope, user types.User) error {
	prefix, err := scopePrefix(scope)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		return setJSON(tx, prefix+"user:"+user.Id, &user)
	})
}

func (s *BuntStore) GetUser(_ context.Context, scope types.Scope, user *types.User) error {
	prefix, err := scopePrefix(scope)
	if err != nil {
		return err
	}
	if user.Id == "" {
		return fmt.Errorf("no user id: %w", types.ErrValidation)
	}
	return s.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, prefix+"user:"+user.Id, user)
	})
}

func (s *BuntStore) GetUsers(_ context.Context, scope types.Scope) ([]*types.User, error) {
	prefix, err := scopePrefix(scope)
	if err != nil {
		return nil, err
	}
	users := make([]*types.User, 0)
	err = s.db.View(func(tx *buntdb.Tx) error {
		var iterErr error
		err := tx.AscendKeys(prefix+"user:*", func(key, value string) bool {
			user := &types.User{}
			if iterErr = json.Unmarshal([]byte(value), user); iterErr != nil {
				return false
			}
			users = append(users, user)
			return true
		})
		if err != nil {
			return err
		}
		return iterErr
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (s *BuntStore) StoreRoom(_ context.Context, scope types.Scope, room types.Room) error {
	prefix, err := scopePrefix(scope)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		rec := &buntRoom{
			Id:           room.Id,
			Name:         room.Name,
			DateCreated:  room.DateCreated,
			DateModified: room.DateModified,
		}
		// keep existing relations on update
		if old, err := s.getRoomRecord(tx, prefix, room.Id); err == nil {
			rec.MemberIds = old.MemberIds
			rec.GroupIds = old.GroupIds
		}
		for _, m := range room.Members {
			if !contains(rec.MemberIds, m.Id) {
				rec.MemberIds = append(rec.MemberIds, m.Id)
			}
		}
		for _, g := range room.Groups {
			if !contains(rec.GroupIds, g.Id) {
				rec.GroupIds = append(rec.GroupIds, g.Id)
			}
		}
		return setJSON(tx, prefix+"room:"+room.Id, rec)
	})
}

func (s *BuntStore) GetRooms(_ context.Context, scope types.Scope) ([]*types.Room, error) {
	prefix, err := scopePrefix(scope)
	if err != nil {
		return nil, err
	}
	rooms := make([]*types.Room, 0)
	err = s.db.View(func(tx *buntdb.Tx) error {
		var iterErr error
		err := tx.AscendKeys(prefix+"room:*", func(key, value string) bool {
			rec := &buntRoom{}
			if iterErr = json.Unmarshal([]byte(value), rec); iterErr != nil {
				return false
			}
			rooms = append(rooms, rec.toRoom())
			return true
		})
		if err != nil {
			return err
		}
		return iterErr
	})
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

func (s *BuntStore) AddMember(_ context.Context, scope types.Scope, roomId, userId string) error {
	prefix, err := scopePrefix(scope)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		room, err := s.getRoomRecord(tx, prefix, roomId)
		if err != nil {
			return err
		}
		if contains(room.MemberIds, userId) {
			return nil
		}
		room.MemberIds = append(room.MemberIds, userId)
		return setJSON(tx, prefix+"room:"+roomId, room)
	})
}

func (s *BuntStore) StoreGroup(_ context.Context, scope types.Scope, group types.Group) error {
	prefix, err := scopePrefix(scope)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		rec := &buntGroup{Id: group.Id, Name: group.Name}
		old := &buntGroup{}
		if err := getJSON(tx, prefix+"group:"+group.Id, old); err == nil {
			rec.MemberIds = old.MemberIds
		}
		for _, m := range group.Members {
			if !contains(rec.MemberIds, m.Id) {
				rec.MemberIds = append(rec.MemberIds, m.Id)
			}
		}
		return setJSON(tx, prefix+"group:"+group.Id, rec)
	})
}

func (s *BuntStore) AddGroupMember(_ context.Context, scope types.Scope, groupId, userId string) error {
	prefix, err := scopePrefix(scope)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		group := &buntGroup{}
		if err := getJSON(tx, prefix+"group:"+groupId, group); err != nil {
			return err
		}
		if contains(group.MemberIds, userId) {
			return nil
		}
		group.MemberIds = append(group.MemberIds, userId)
		return setJSON(tx, prefix+"group:"+groupId, group)
	})
}

func (s *BuntStore) AttachGroup(_ context.Context, scope types.Scope, roomId, groupId string) error {
	prefix, err := scopePrefix(scope)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		room, err := s.getRoomRecord(tx, prefix, roomId)
		if err != nil {
			return err
		}
		if _, err := tx.Get(prefix + "group:" + groupId); err != nil {
			return buntNotFound(err)
		}
		if contains(room.GroupIds, groupId) {
			return nil
		}
		room.GroupIds = append(room.GroupIds, groupId)
		return setJSON(tx, prefix+"room:"+roomId, room)
	})
}

func (s *BuntStore) EnsureDirectRoom(_ context.Context, scope types.Scope, name string, userIds []string) (*types.Room, error) {
	prefix, err := scopePrefix(scope)
	if err != nil {
		return nil, err
	}
	var room *types.Room
	err = s.db.Update(func(tx *buntdb.Tx) error {
		var iterErr error
		err := tx.AscendKeys(prefix+"room:*", func(key, value string) bool {
			rec := &buntRoom{}
			if iterErr = json.Unmarshal([]byte(value), rec); iterErr != nil {
				return false
			}
			if len(rec.MemberIds) != len(userIds) {
				return true
			}
			for _, id := range userIds {
				if !contains(rec.MemberIds, id) {
					return true
				}
			}
			room = rec.toRoom()
			return false
		})
		if err != nil {
			return err
		}
		if iterErr != nil {
			return iterErr
		}
		if room != nil {
			return nil
		}
		now := time.Now().UTC()
		rec := &buntRoom{
			Id:           types.NewRoomId(),
			Name:         name,
			DateCreated:  now,
			DateModified: now,
			MemberIds:    append([]string(nil), userIds...),
		}
		if err := setJSON(tx, prefix+"room:"+rec.Id, rec); err != nil {
			return err
		}
		room = rec.toRoom()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (s *BuntStore) RecentMessages(_ context.Context, scope types.Scope, roomId string, limit int) ([]*types.Message, error) {
	prefix, err := scopePrefix(scope)
	if err != nil {
		return nil, err
	}
	messages := make([]*types.Message, 0)
	err = s.db.View(func(tx *buntdb.Tx) error {
		var iterErr error
		err := tx.DescendKeys(prefix+"msg:"+roomId+":*", func(key, value string) bool {
			if limit > 0 && len(messages) >= limit {
				return false
			}
			rec := &buntMessage{}
			if iterErr = json.Unmarshal([]byte(value), rec); iterErr != nil {
				return false
			}
			msg := &types.Message{
				Id:          rec.Id,
				RoomId:      rec.RoomId,
				SenderId:    rec.SenderId,
				Text:        rec.Text,
				DateCreated: rec.DateCreated,
			}
			for _, id := range rec.RecipientIds {
				msg.Recipients = append(msg.Recipients, &types.User{Id: id})
			}
			messages = append(messages, msg)
			return true
		})
		if err != nil {
			return err
		}
		return iterErr
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *BuntStore) Close() error {
	return s.db.Close()
}
