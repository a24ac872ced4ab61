// Package rooms builds and extends room aggregates. Every mutation writes its outbox event in the same transaction.
package rooms

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/types"
	"gorm.io/gorm"
)

// Policy holds the room creation rules.
type Policy struct {
	OwnerRole       string
	DefaultRoles    map[types.RoomType]string
	MaxInitialUsers int
	// Registry provides the grants of the system roles. A role missing from the registry uses the grants stored
	// with its template.
	Registry *types.RoleRegistry
}

func NewPolicy(cfg *config.Config, registry *types.RoleRegistry) Policy {
	defaults := make(map[types.RoomType]string, len(cfg.RoomsConfig.DefaultRoles))
	for typ, role := range cfg.RoomsConfig.DefaultRoles {
		defaults[types.RoomType(typ)] = role
	}
	return Policy{
		OwnerRole:       cfg.RoomsConfig.OwnerRole,
		DefaultRoles:    defaults,
		MaxInitialUsers: cfg.RoomsConfig.MaxInitialUsers,
		Registry:        registry,
	}
}

// Authorizer gates operations on existing rooms, see permissions.Resolver. The check reads through store, which is
// the transaction the operation runs in.
type Authorizer interface {
	HasAnyPermissionWithin(ctx context.Context, store persistence.AuthorizationStore, roomId, userId string, codes ...types.PermissionCode) bool
}

var (
	PermissionMemberAdd    = types.MustPermissionCode("member:add")
	PermissionMemberInvite = types.MustPermissionCode("member:invite")
)

type Creator struct {
	persister  persistence.Persister
	authorizer Authorizer
	policy     Policy
	now        func() time.Time
	logger     hclog.Logger
}

type Option func(*Creator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Creator) {
		c.now = now
	}
}

func NewCreator(persister persistence.Persister, authorizer Authorizer, policy Policy, logger hclog.Logger, opts ...Option) *Creator {
	c := &Creator{
		persister:  persister,
		authorizer: authorizer,
		policy:     policy,
		now:        time.Now,
		logger:     logger.Named("rooms"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Creator) grants(role *types.Role) []types.PermissionCode {
	if c.policy.Registry != nil {
		if tmpl, ok := c.policy.Registry.Role(role.Name); ok {
			return tmpl.Permissions
		}
	}
	return role.Permissions
}

func (c *Creator) validate(cmd *types.CreateRoomCommand) (string, error) {
	err := cmd.Validate()
	if err != nil {
		return "", err
	}
	if cmd.Type == types.RoomTypeDirect && len(cmd.InitialUserIds) != 1 {
		return "", types.NewValidationError("a direct room needs exactly one initial user, got %d", len(cmd.InitialUserIds))
	}
	if len(cmd.InitialUserIds) > c.policy.MaxInitialUsers {
		return "", types.NewValidationError("at most %d initial users allowed, got %d", c.policy.MaxInitialUsers, len(cmd.InitialUserIds))
	}
	if len(cmd.InitialUserIds)+1 > types.MaxMembers(cmd.Type) {
		return "", types.NewValidationError("a %s room can have at most %d members", cmd.Type, types.MaxMembers(cmd.Type))
	}
	defaultRole, ok := c.policy.DefaultRoles[cmd.Type]
	if !ok || defaultRole == "" {
		return "", types.NewValidationError("no default role configured for %s rooms", cmd.Type)
	}
	if c.policy.OwnerRole == "" {
		return "", types.NewValidationError("no owner role configured")
	}
	return defaultRole, nil
}

// Create creates the room with one room role per used system role, the creator as owner and the initial users as
// members with the default role of the room type. The room_created event is appended to the outbox in the same
// transaction; nothing is written if any step fails.
func (c *Creator) Create(ctx context.Context, cmd types.CreateRoomCommand, creatorId string) (*types.Room, *types.OutboxEvent, error) {
	if creatorId == "" {
		return nil, nil, types.NewValidationError("empty creator id")
	}
	defaultRole, err := c.validate(&cmd)
	if err != nil {
		return nil, nil, err
	}
	now := c.now().UTC()
	roleNames := []string{c.policy.OwnerRole}
	if defaultRole != c.policy.OwnerRole {
		roleNames = append(roleNames, defaultRole)
	}

	var (
		room  *types.Room
		event *types.OutboxEvent
	)
	err = c.persister.Transaction(ctx, func(tx persistence.Persister) error {
		templates, err := tx.GetSystemRoles(ctx, roleNames)
		if err != nil {
			return err
		}
		byName := make(map[string]*types.Role, len(templates))
		for _, t := range templates {
			byName[t.Name] = t
		}

		room = &types.Room{
			Id:          uuid.NewString(),
			CreatorId:   creatorId,
			Type:        cmd.Type,
			Name:        cmd.Name,
			Slug:        cmd.Slug,
			Visibility:  cmd.Visibility,
			MemberCount: len(cmd.InitialUserIds) + 1,
			Settings:    types.DefaultRoomSettings(cmd.Type, cmd.Visibility),
			Version:     1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err = tx.CreateRoom(ctx, room)
		if err != nil {
			return err
		}

		roomRoles := make(map[string]*types.RoomRole, len(roleNames))
		roles := make([]*types.RoomRole, 0, len(roleNames))
		for _, name := range roleNames {
			tmpl, ok := byName[name]
			if !ok {
				return types.NewValidationError("system role %q does not exist", name)
			}
			roleId := tmpl.Id
			rr := &types.RoomRole{
				Id:          uuid.NewString(),
				RoomId:      room.Id,
				RoleId:      &roleId,
				Name:        tmpl.Name,
				Priority:    tmpl.Priority,
				IsDefault:   name == defaultRole,
				Permissions: c.grants(tmpl),
				CreatedAt:   now,
			}
			err = tx.CreateRoomRole(ctx, rr)
			if err != nil {
				return err
			}
			roomRoles[name] = rr
			roles = append(roles, rr)
		}

		members := make([]*types.Member, 0, len(cmd.InitialUserIds)+1)
		members = append(members, &types.Member{
			Id:         uuid.NewString(),
			UserId:     creatorId,
			RoomId:     room.Id,
			RoomRoleId: roomRoles[c.policy.OwnerRole].Id,
			Status:     types.MemberActive,
			JoinedAt:   now,
		})
		for _, userId := range cmd.InitialUserIds {
			members = append(members, &types.Member{
				Id:         uuid.NewString(),
				UserId:     userId,
				RoomId:     room.Id,
				RoomRoleId: roomRoles[defaultRole].Id,
				Status:     types.MemberActive,
				JoinedAt:   now,
			})
		}
		err = tx.CreateMembers(ctx, members)
		if err != nil {
			return err
		}

		event, err = types.NewOutboxEvent(types.AggregateTypeRoom, room.Id, types.EventTypeRoomCreated, &types.RoomSnapshot{
			CorrelationId: types.NewCorrelationId(globals.Source, now),
			Source:        globals.Source,
			Room:          room,
			Roles:         roles,
			Members:       members,
		}, now)
		if err != nil {
			return err
		}
		return tx.AppendOutboxEvent(ctx, event)
	})
	if err != nil {
		c.logger.Info("room creation failed", "command", cmd.String(), "creator", creatorId, "error", err)
		return nil, nil, creationError(err)
	}
	c.logger.Debug("room created", "room", room.Id, "type", room.Type, "members", room.MemberCount, "event", event.Id)
	return room, event, nil
}

// AddMembers adds users with the room's default role. The actor needs member:add or member:invite in the room.
func (c *Creator) AddMembers(ctx context.Context, roomId, actorId string, userIds []string) (*types.Room, *types.OutboxEvent, error) {
	if len(userIds) == 0 {
		return nil, nil, types.NewValidationError("no users to add")
	}
	for _, userId := range userIds {
		if userId == "" {
			return nil, nil, types.NewValidationError("empty user id")
		}
	}
	if c.authorizer == nil {
		return nil, nil, types.ErrForbidden
	}
	now := c.now().UTC()

	var (
		room  *types.Room
		event *types.OutboxEvent
	)
	err := c.persister.Transaction(ctx, func(tx persistence.Persister) error {
		if !c.authorizer.HasAnyPermissionWithin(ctx, tx, roomId, actorId, PermissionMemberAdd, PermissionMemberInvite) {
			return types.ErrForbidden
		}
		current, err := tx.GetRoom(ctx, roomId)
		if err != nil {
			return err
		}
		if current.Visibility == types.VisibilityDeleted || current.Visibility == types.VisibilityBanned {
			return types.NewValidationError("room is %s", current.Visibility)
		}
		limit := current.Settings.MaxMembers
		if limit <= 0 {
			limit = types.MaxMembers(current.Type)
		}
		if current.MemberCount+len(userIds) > limit {
			return types.NewValidationError("a %s room can have at most %d members", current.Type, limit)
		}
		role, err := tx.GetDefaultRoomRole(ctx, roomId)
		if err != nil {
			return err
		}
		members := make([]*types.Member, 0, len(userIds))
		for _, userId := range userIds {
			members = append(members, &types.Member{
				Id:         uuid.NewString(),
				UserId:     userId,
				RoomId:     roomId,
				RoomRoleId: role.Id,
				Status:     types.MemberActive,
				JoinedAt:   now,
			})
		}
		err = tx.CreateMembers(ctx, members)
		if err != nil {
			return err
		}
		room, err = tx.UpdateRoom(ctx, roomId, map[string]interface{}{
			"member_count": gorm.Expr("member_count + ?", len(members)),
		})
		if err != nil {
			return err
		}
		event, err = types.NewOutboxEvent(types.AggregateTypeRoom, roomId, types.EventTypeMembersAdded, &types.RoomSnapshot{
			CorrelationId: types.NewCorrelationId(globals.Source, now),
			Source:        globals.Source,
			Room:          room,
			Members:       members,
		}, now)
		if err != nil {
			return err
		}
		return tx.AppendOutboxEvent(ctx, event)
	})
	if err != nil {
		c.logger.Info("adding members failed", "room", roomId, "actor", actorId, "error", err)
		return nil, nil, creationError(err)
	}
	c.logger.Debug("members added", "room", roomId, "count", len(userIds), "version", room.Version)
	return room, event, nil
}

// creationError keeps the error taxonomy intact and wraps everything else.
func creationError(err error) error {
	switch {
	case types.IsValidation(err), types.IsConflict(err):
		return err
	case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrForbidden):
		return err
	}
	return &types.CreationError{Entity: "room", Err: err}
}
