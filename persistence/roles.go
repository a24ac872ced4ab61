package persistence

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/tcriess/lightspeed-rooms/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type grantRow struct {
	OwnerId string
	Code    string
}

func parseCodes(raw []string) ([]types.PermissionCode, error) {
	res := make([]types.PermissionCode, 0, len(raw))
	for _, s := range raw {
		c, err := types.ParsePermissionCode(s)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}

func (p *GormPersist) GetSystemRoles(ctx context.Context, names []string) ([]*types.Role, error) {
	roles := make([]*types.Role, 0, len(names))
	if len(names) == 0 {
		return roles, nil
	}
	db := p.db.WithContext(ctx)
	err := db.Where("kind = ? AND name IN ?", string(types.RoleKindSystem), names).Order("priority DESC").Find(&roles).Error
	if err != nil {
		return nil, readingError("roles", err)
	}
	if len(roles) == 0 {
		return roles, nil
	}
	ids := make([]string, len(roles))
	byId := make(map[string]*types.Role, len(roles))
	for i, r := range roles {
		ids[i] = r.Id
		byId[r.Id] = r
		r.Permissions = make([]types.PermissionCode, 0)
	}
	rows := make([]grantRow, 0)
	err = db.Table("role_permissions").
		Select("role_permissions.role_id AS owner_id, permissions.code AS code").
		Joins("JOIN permissions ON permissions.id = role_permissions.permission_id").
		Where("role_permissions.role_id IN ?", ids).
		Order("permissions.code").
		Scan(&rows).Error
	if err != nil {
		return nil, readingError("role permissions", err)
	}
	for _, row := range rows {
		c, err := types.ParsePermissionCode(row.Code)
		if err != nil {
			return nil, readingError("role permissions", err)
		}
		byId[row.OwnerId].Permissions = append(byId[row.OwnerId].Permissions, c)
	}
	return roles, nil
}

// ResolvePermissions looks the codes up in the cache first, the rest in the permissions table.
func (p *GormPersist) ResolvePermissions(ctx context.Context, codes []types.PermissionCode) (map[types.PermissionCode]string, error) {
	res := make(map[types.PermissionCode]string, len(codes))
	missing := make([]string, 0)
	for _, c := range codes {
		if _, ok := res[c]; ok {
			continue
		}
		if id, ok := p.permissionIds.Get(c.String()); ok {
			res[c] = id
			continue
		}
		res[c] = ""
		missing = append(missing, c.String())
	}
	if len(missing) > 0 {
		perms := make([]*types.Permission, 0, len(missing))
		err := p.db.WithContext(ctx).Where("code IN ?", missing).Find(&perms).Error
		if err != nil {
			return nil, readingError("permissions", err)
		}
		for _, perm := range perms {
			res[perm.Code] = perm.Id
			p.permissionIds.Add(perm.Code.String(), perm.Id)
		}
	}
	unknown := make([]string, 0)
	for c, id := range res {
		if id == "" {
			unknown = append(unknown, c.String())
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, types.NewValidationError("unknown permission codes: %s", strings.Join(unknown, ", "))
	}
	return res, nil
}

func (p *GormPersist) GetPermissions(ctx context.Context) ([]*types.Permission, error) {
	perms := make([]*types.Permission, 0)
	err := p.db.WithContext(ctx).Order("code").Find(&perms).Error
	if err != nil {
		return nil, readingError("permissions", err)
	}
	return perms, nil
}

// CreateRoomRole inserts the room role and one grant row per permission. The codes are resolved before anything is
// written.
func (p *GormPersist) CreateRoomRole(ctx context.Context, roomRole *types.RoomRole) error {
	ids, err := p.ResolvePermissions(ctx, roomRole.Permissions)
	if err != nil {
		return err
	}
	if roomRole.Id == "" {
		roomRole.Id = uuid.NewString()
	}
	db := p.db.WithContext(ctx)
	err = db.Transaction(func(tx *gorm.DB) error {
		err := tx.Create(roomRole).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		grants := make([]*types.RoomRolePermission, 0, len(ids))
		for _, id := range ids {
			grants = append(grants, &types.RoomRolePermission{RoomRoleId: roomRole.Id, PermissionId: id})
		}
		return tx.Create(&grants).Error
	})
	if err != nil {
		return creationError("room role", err)
	}
	return nil
}

func (p *GormPersist) GetRoomRoles(ctx context.Context, roomId string) ([]*types.RoomRole, error) {
	db := p.db.WithContext(ctx)
	roles := make([]*types.RoomRole, 0)
	err := db.Where("room_id = ?", roomId).Order("priority DESC, name ASC").Find(&roles).Error
	if err != nil {
		return nil, readingError("room roles", err)
	}
	if len(roles) == 0 {
		return roles, nil
	}
	ids := make([]string, len(roles))
	byId := make(map[string]*types.RoomRole, len(roles))
	for i, r := range roles {
		ids[i] = r.Id
		byId[r.Id] = r
		r.Permissions = make([]types.PermissionCode, 0)
	}
	rows := make([]grantRow, 0)
	err = db.Table("room_role_permissions").
		Select("room_role_permissions.room_role_id AS owner_id, permissions.code AS code").
		Joins("JOIN permissions ON permissions.id = room_role_permissions.permission_id").
		Where("room_role_permissions.room_role_id IN ?", ids).
		Order("permissions.code").
		Scan(&rows).Error
	if err != nil {
		return nil, readingError("room role permissions", err)
	}
	for _, row := range rows {
		c, err := types.ParsePermissionCode(row.Code)
		if err != nil {
			return nil, readingError("room role permissions", err)
		}
		byId[row.OwnerId].Permissions = append(byId[row.OwnerId].Permissions, c)
	}
	return roles, nil
}

func (p *GormPersist) GetDefaultRoomRole(ctx context.Context, roomId string) (*types.RoomRole, error) {
	role := &types.RoomRole{}
	err := p.db.WithContext(ctx).Where("room_id = ? AND is_default = ?", roomId, true).First(role).Error
	if err != nil {
		return nil, readingError("room role", err)
	}
	role.Permissions, err = p.GetRoomRolePermissions(ctx, role.Id)
	if err != nil {
		return nil, err
	}
	return role, nil
}

func (p *GormPersist) GetRoomRolePermissions(ctx context.Context, roomRoleId string) ([]types.PermissionCode, error) {
	raw := make([]string, 0)
	err := p.db.WithContext(ctx).Table("room_role_permissions").
		Joins("JOIN permissions ON permissions.id = room_role_permissions.permission_id").
		Where("room_role_permissions.room_role_id = ?", roomRoleId).
		Order("permissions.code").
		Pluck("permissions.code", &raw).Error
	if err != nil {
		return nil, readingError("room role permissions", err)
	}
	codes, err := parseCodes(raw)
	if err != nil {
		return nil, readingError("room role permissions", err)
	}
	return codes, nil
}

func (p *GormPersist) GetMemberPermissions(ctx context.Context, memberId string) ([]types.PermissionOverride, error) {
	rows := make([]struct {
		Code        string
		Disposition types.Disposition
	}, 0)
	err := p.db.WithContext(ctx).Table("member_permissions").
		Select("permissions.code AS code, member_permissions.disposition AS disposition").
		Joins("JOIN permissions ON permissions.id = member_permissions.permission_id").
		Where("member_permissions.member_id = ?", memberId).
		Order("permissions.code").
		Scan(&rows).Error
	if err != nil {
		return nil, readingError("member permissions", err)
	}
	res := make([]types.PermissionOverride, 0, len(rows))
	for _, row := range rows {
		c, err := types.ParsePermissionCode(row.Code)
		if err != nil {
			return nil, readingError("member permissions", err)
		}
		res = append(res, types.PermissionOverride{Code: c, Disposition: row.Disposition})
	}
	return res, nil
}

// SetMemberPermission creates or replaces the member's grant or deny of code.
func (p *GormPersist) SetMemberPermission(ctx context.Context, memberId string, code types.PermissionCode, disposition types.Disposition) error {
	if !disposition.Valid() {
		return types.NewValidationError("invalid disposition %q", disposition)
	}
	ids, err := p.ResolvePermissions(ctx, []types.PermissionCode{code})
	if err != nil {
		return err
	}
	mp := &types.MemberPermission{MemberId: memberId, PermissionId: ids[code], Disposition: disposition}
	err = p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "member_id"}, {Name: "permission_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"disposition"}),
	}).Create(mp).Error
	if err != nil {
		return creationError("member permission", err)
	}
	return nil
}

// SeedReferenceData upserts the permission catalogue by code and the system roles by name. The grants of every
// system role are replaced by the ones of the registry.
func (p *GormPersist) SeedReferenceData(ctx context.Context, registry *types.RoleRegistry) error {
	err := registry.Validate()
	if err != nil {
		return types.NewValidationError("%s", err)
	}
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := make(map[types.PermissionCode]string, len(registry.Permissions))
		for _, def := range registry.Permissions {
			perm := &types.Permission{}
			err := tx.Where("code = ?", def.Code.String()).First(perm).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				perm = &types.Permission{Id: uuid.NewString(), Code: def.Code, Category: def.Category}
				err = tx.Create(perm).Error
			case err == nil:
				err = tx.Model(perm).Update("category", def.Category).Error
			}
			if err != nil {
				return creationError("permission", err)
			}
			ids[def.Code] = perm.Id
		}
		for _, tmpl := range registry.Roles {
			role := &types.Role{}
			err := tx.Where("name = ?", tmpl.Name).First(role).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				role = &types.Role{Id: uuid.NewString(), Kind: types.RoleKindSystem, Name: tmpl.Name, Description: tmpl.Description, Priority: tmpl.Priority}
				err = tx.Create(role).Error
			case err == nil:
				err = tx.Model(role).Updates(map[string]interface{}{
					"kind":        types.RoleKindSystem,
					"description": tmpl.Description,
					"priority":    tmpl.Priority,
				}).Error
			}
			if err != nil {
				return creationError("role", err)
			}
			err = tx.Where("role_id = ?", role.Id).Delete(&types.RolePermission{}).Error
			if err != nil {
				return &types.DeletionError{Entity: "role permissions", Err: err}
			}
			grants := make([]*types.RolePermission, 0, len(tmpl.Permissions))
			seen := make(map[string]struct{}, len(tmpl.Permissions))
			for _, code := range tmpl.Permissions {
				id, ok := ids[code]
				if !ok {
					return types.NewValidationError("role %q grants unknown permission %s", tmpl.Name, code)
				}
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				grants = append(grants, &types.RolePermission{RoleId: role.Id, PermissionId: id})
			}
			if len(grants) > 0 {
				err = tx.Create(&grants).Error
				if err != nil {
					return creationError("role permissions", err)
				}
			}
		}
		return nil
	})
}
