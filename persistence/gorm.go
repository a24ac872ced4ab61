package persistence

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	permissionCacheSize = 1024
	pgUniqueViolation   = "23505"
)

type GormPersist struct {
	db         *gorm.DB
	inTx       bool
	maxRetries int
	// permission code -> permission id, permissions are immutable once seeded
	permissionIds *lru.Cache[string, string]
}

var _ Persister = &GormPersist{}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	return NewGormPersisterFromDB(db, cfg.OutboxConfig.MaxRetries)
}

// NewGormPersisterFromDB migrates the schema on an already opened database.
func NewGormPersisterFromDB(db *gorm.DB, maxRetries int) (*GormPersist, error) {
	if maxRetries < 1 {
		return nil, fmt.Errorf("invalid maximum number of retries %d", maxRetries)
	}
	err := db.Migrator().AutoMigrate(
		&types.Permission{},
		&types.Role{},
		&types.RolePermission{},
		&types.Room{},
		&types.RoomRole{},
		&types.RoomRolePermission{},
		&types.Member{},
		&types.MemberPermission{},
		&types.OutboxEvent{},
	)
	if err != nil {
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}
	cache, err := lru.New[string, string](permissionCacheSize)
	if err != nil {
		return nil, err
	}
	return &GormPersist{db: db, maxRetries: maxRetries, permissionIds: cache}, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, fmt.Errorf("no database configured")
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration: unknown database type %q", cfg.PersistenceConfig.Type)
	}
	logLevel := logger.Warn
	if globals.AppLogger.IsTrace() {
		logLevel = logger.Info
	}
	db, err := gorm.Open(dial, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func creationError(entity string, err error) error {
	if types.IsValidation(err) {
		return err
	}
	if isUniqueViolation(err) {
		return &types.ConflictError{Entity: entity, Err: err}
	}
	return &types.CreationError{Entity: entity, Err: err}
}

func readingError(entity string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.ErrNotFound
	}
	return &types.ReadingError{Entity: entity, Err: err}
}

func offset(limit, page int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

// Transaction hands fn a GormPersist bound to the transaction. Nested calls use savepoints.
func (p *GormPersist) Transaction(ctx context.Context, fn func(tx Persister) error) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormPersist{db: tx, inTx: true, maxRetries: p.maxRetries, permissionIds: p.permissionIds})
	})
}

func (p *GormPersist) CreateRoom(ctx context.Context, room *types.Room) error {
	err := p.db.WithContext(ctx).Create(room).Error
	if err != nil {
		return creationError("room", err)
	}
	return nil
}

func (p *GormPersist) GetRoom(ctx context.Context, id string) (*types.Room, error) {
	room := &types.Room{}
	err := p.db.WithContext(ctx).Where("id = ?", id).First(room).Error
	if err != nil {
		return nil, readingError("room", err)
	}
	return room, nil
}

func (p *GormPersist) GetRooms(ctx context.Context, limit, page int) ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.WithContext(ctx).Order("created_at ASC, id ASC").Limit(limit).Offset(offset(limit, page)).Find(&rooms).Error
	if err != nil {
		return nil, readingError("rooms", err)
	}
	return rooms, nil
}

func (p *GormPersist) UpdateRoom(ctx context.Context, id string, updates map[string]interface{}) (*types.Room, error) {
	room := &types.Room{}
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		values := make(map[string]interface{}, len(updates)+1)
		for k, v := range updates {
			values[k] = v
		}
		values["version"] = gorm.Expr("version + 1")
		res := tx.Model(&types.Room{}).Where("id = ?", id).Updates(values)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Where("id = ?", id).First(room).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &types.ConflictError{Entity: "room", Err: err}
		}
		return nil, &types.UpdateError{Entity: "room", Err: err}
	}
	return room, nil
}

// DeleteRoom removes the room with its room roles, members and their grants. Outbox events are left alone.
func (p *GormPersist) DeleteRoom(ctx context.Context, id string) (bool, error) {
	deleted := false
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		memberIds := tx.Model(&types.Member{}).Select("id").Where("room_id = ?", id)
		err := tx.Where("member_id IN (?)", memberIds).Delete(&types.MemberPermission{}).Error
		if err != nil {
			return err
		}
		err = tx.Where("room_id = ?", id).Delete(&types.Member{}).Error
		if err != nil {
			return err
		}
		roleIds := tx.Model(&types.RoomRole{}).Select("id").Where("room_id = ?", id)
		err = tx.Where("room_role_id IN (?)", roleIds).Delete(&types.RoomRolePermission{}).Error
		if err != nil {
			return err
		}
		err = tx.Where("room_id = ?", id).Delete(&types.RoomRole{}).Error
		if err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&types.Room{})
		deleted = res.RowsAffected > 0
		return res.Error
	})
	if err != nil {
		return false, &types.DeletionError{Entity: "room", Err: err}
	}
	return deleted, nil
}

func (p *GormPersist) CreateMembers(ctx context.Context, members []*types.Member) error {
	if len(members) == 0 {
		return nil
	}
	err := p.db.WithContext(ctx).Create(&members).Error
	if err != nil {
		return creationError("member", err)
	}
	return nil
}

func (p *GormPersist) GetMember(ctx context.Context, id string) (*types.Member, error) {
	member := &types.Member{}
	err := p.db.WithContext(ctx).Where("id = ?", id).First(member).Error
	if err != nil {
		return nil, readingError("member", err)
	}
	return member, nil
}

func (p *GormPersist) GetMemberByIdentity(ctx context.Context, roomId, userId string) (*types.Member, error) {
	member := &types.Member{}
	err := p.db.WithContext(ctx).Where("room_id = ? AND user_id = ?", roomId, userId).First(member).Error
	if err != nil {
		return nil, readingError("member", err)
	}
	return member, nil
}

func (p *GormPersist) GetMembers(ctx context.Context, roomId string, limit, page int) ([]*types.Member, error) {
	members := make([]*types.Member, 0)
	err := p.db.WithContext(ctx).Where("room_id = ?", roomId).Order("joined_at ASC, id ASC").
		Limit(limit).Offset(offset(limit, page)).Find(&members).Error
	if err != nil {
		return nil, readingError("members", err)
	}
	return members, nil
}

func (p *GormPersist) UpdateMember(ctx context.Context, id string, updates map[string]interface{}) (*types.Member, error) {
	if status, ok := updates["status"]; ok {
		var s types.MemberStatus
		switch v := status.(type) {
		case types.MemberStatus:
			s = v
		case string:
			s = types.MemberStatus(v)
		}
		if !s.Valid() {
			return nil, types.NewValidationError("invalid member status %v", status)
		}
	}
	member := &types.Member{}
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&types.Member{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Where("id = ?", id).First(member).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, &types.UpdateError{Entity: "member", Err: err}
	}
	return member, nil
}

func (p *GormPersist) DeleteMember(ctx context.Context, id string) (bool, error) {
	deleted := false
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("member_id = ?", id).Delete(&types.MemberPermission{}).Error
		if err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&types.Member{})
		deleted = res.RowsAffected > 0
		return res.Error
	})
	if err != nil {
		return false, &types.DeletionError{Entity: "member", Err: err}
	}
	return deleted, nil
}

func (p *GormPersist) Close() error {
	if p.inTx {
		return nil
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
