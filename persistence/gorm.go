package persistence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tenantNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type GormStore struct {
	db      *gorm.DB
	dialect string
}

func NewGormStore(cfg *config.Config) (*GormStore, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, fmt.Errorf("empty DSN: %w", types.ErrConfiguration)
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "gorm-postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "gorm-sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration: %w", types.ErrConfiguration)
	}
	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	err = db.AutoMigrate(&types.User{}, &types.Group{}, &types.Room{}, &types.Message{})
	if err != nil {
		return nil, err
	}
	return &GormStore{db: db, dialect: db.Dialector.Name()}, nil
}

// withScope runs fn in a transaction bound to the scope's data scope. For
// multitenant scopes the tenant is a postgres schema selected via SET LOCAL
// search_path, so it only lives for this transaction.
func (s *GormStore) withScope(ctx context.Context, scope types.Scope, fn func(tx *gorm.DB) error) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if scope.Multitenant {
			if s.dialect != "postgres" {
				return fmt.Errorf("multitenancy requires the postgres backend: %w", types.ErrConfiguration)
			}
			if !tenantNameRe.MatchString(scope.Tenant) {
				return fmt.Errorf("invalid tenant discriminator %q: %w", scope.Tenant, types.ErrConfiguration)
			}
			if err := tx.Exec(fmt.Sprintf(`SET LOCAL search_path TO %q`, scope.Tenant)).Error; err != nil {
				return err
			}
		}
		return fn(tx)
	})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", err, types.ErrNotFound)
	}
	return err
}

func (s *GormStore) GetRoom(ctx context.Context, scope types.Scope, id string) (*types.Room, error) {
	room := &types.Room{}
	err := s.withScope(ctx, scope, func(tx *gorm.DB) error {
		return notFound(tx.First(room, "id = ?", id).Error)
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (s *GormStore) IsMember(ctx context.Context, scope types.Scope, roomId, userId string) (bool, error) {
	var member bool
	err := s.withScope(ctx, scope, func(tx *gorm.DB) error {
		var count int64
		err := tx.Table("room_members").
			Where("room_id = ? AND user_id = ?", roomId, userId).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			member = true
			return nil
		}
		err = tx.Table("group_members").
			Where("user_id = ? AND group_id IN (?)", userId,
				tx.Session(&gorm.Session{NewDB: true}).Table("room_groups").Select("group_id").Where("room_id = ?", roomId)).
			Count(&count).Error
		if err != nil {
			return err
		}
		member = count > 0
		return nil
	})
	return member, err
}

func (s *GormStore) MemberIDs(ctx context.Context, scope types.Scope, roomId string) ([]string, error) {
	ids := make([]string, 0)
	err := s.withScope(ctx, scope, func(tx *gorm.DB) error {
		direct := make([]string, 0)
		err := tx.Table("room_members").Where("room_id = ?", roomId).Pluck("user_id", &direct).Error
		if err != nil {
			return err
		}
		indirect := make([]string, 0)
		err = tx.Table("group_members").
			Where("group_id IN (?)",
				tx.Session(&gorm.Session{NewDB: true}).Table("room_groups").Select("group_id").Where("room_id = ?", roomId)).
			Pluck("user_id", &indirect).Error
		if err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(direct)+len(indirect))
		for _, id := range append(direct, indirect...) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *GormStore) AppendMessage(ctx context.Context, scope types.Scope, roomId, senderId, text string) (time.Time, error) {
	var created time.Time
	err := s.withScope(ctx, scope, func(tx *gorm.DB) error {
		room := &types.Room{}
		if err := notFound(tx.First(room, "id = ?", roomId).Error); err != nil {
			return err
		}
		created = time.Now().UTC()
		msg := types.Message{
			RoomId:      roomId,
			SenderId:    senderId,
			Text:        text,
			DateCreated: created,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		if err := tx.Exec(
			`INSERT INTO message_recipients (message_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			msg.Id, senderId).Error; err != nil {
			return err
		}
		return tx.Model(&types.Room{Id: roomId}).Update("date_modified", created).Error
	})
	if err != nil {
		return time.Time{}, err
	}
	return created, nil
}

func (s *GormStore) StoreUser(ctx context.Context, scope types.Scope, user types.User) error {
	return s.withScope(ctx, scope, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&user).Error
	})
}

func (s *GormStore) GetUser(ctx context.Context, scope types.Scope, user *types.User) error {
	return s.withScope(ctx, scope, func(tx *gorm.DB) error {
		return notFound(tx.First(user, "id = ?", user.Id).Error)
	})
}

func (s *GormStore) GetUsers(ctx context.Context, scope types.Scope) ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := s.withScope(ctx, scope, func(tx *gorm.DB) error {
		return tx.Find(&users).Error
	})
	return users, err
}

func (s *GormStore) StoreRoom(ctx context.Context, scope types.Scope, room types.Room) error {
	return s.withScope(ctx, scope, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Omit("Members", "Groups").Create(&room).Error
	})
}

func (s *GormStore) GetRooms(ctx context.Context, scope types.Scope) ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := s.withScope(ctx, scope, func(tx *gorm.DB) error {
		return tx.Find(&rooms).Error
	})
	return rooms, err
}

func (s *GormStore) AddMember(ctx context.Context, scope types.Scope, roomId, userId string) error {
	return s.withScope(ctx, scope, func(tx *gorm.DB) error {
		return tx.Exec(
			`INSERT INTO room_members (room_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			roomId, userId).Error
	})
}

func (s *GormStore) StoreGroup(ctx context.Context, scope types.Scope, group types.Group) error {
	return s.withScope(ctx, scope, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Omit("Members").Create(&group).Error
	})
}

func (s *GormStore) AddGroupMember(ctx context.Context, scope types.Scope, groupId, userId string) error {
	return s.withScope(ctx, scope, func(tx *gorm.DB) error {
		return tx.Exec(
			`INSERT INTO group_members (group_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			groupId, userId).Error
	})
}

func (s *GormStore) AttachGroup(ctx context.Context, scope types.Scope, roomId, groupId string) error {
	return s.withScope(ctx, scope, func(tx *gorm.DB) error {
		return tx.Exec(
			`INSERT INTO room_groups (room_id, group_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			roomId, groupId).Error
	})
}

func (s *GormStore) EnsureDirectRoom(ctx context.Context, scope types.Scope, name string, userIds []string) (*types.Room, error) {
	room := &types.Room{}
	err := s.withScope(ctx, scope, func(tx *gorm.DB) error {
		var roomIds []string
		err := tx.Raw(
			`SELECT room_id FROM room_members GROUP BY room_id
			 HAVING COUNT(*) = ? AND SUM(CASE WHEN user_id IN (?) THEN 1 ELSE 0 END) = ?`,
			len(userIds), userIds, len(userIds)).Scan(&roomIds).Error
		if err != nil {
			return err
		}
		if len(roomIds) > 0 {
			return notFound(tx.First(room, "id = ?", roomIds[0]).Error)
		}
		now := time.Now().UTC()
		room.Id = types.NewRoomId()
		room.Name = name
		room.DateCreated = now
		room.DateModified = now
		if err := tx.Omit("Members", "Groups").Create(room).Error; err != nil {
			return err
		}
		for _, userId := range userIds {
			if err := tx.Exec(
				`INSERT INTO room_members (room_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
				room.Id, userId).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (s *GormStore) RecentMessages(ctx context.Context, scope types.Scope, roomId string, limit int) ([]*types.Message, error) {
	messages := make([]*types.Message, 0)
	err := s.withScope(ctx, scope, func(tx *gorm.DB) error {
		return tx.Where("room_id = ?", roomId).Order("id DESC").Limit(limit).Find(&messages).Error
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *GormStore) Close() error {
	return nil
}
