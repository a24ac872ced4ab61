package types

import (
	"fmt"
	"time"
	"unicode/utf8"
)

type RoleKind string

const (
	RoleKindSystem RoleKind = "system"
	RoleKindCustom RoleKind = "custom"
)

// Names of the built-in system roles.
const (
	RoleOwner     = "owner"
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
	RoleMember    = "member"
	RoleGuest     = "guest"
)

// Role priorities: higher value means more authority.
const (
	MinRolePriority = 1
	MaxRolePriority = 100
)

const maxRoleNameLength = 100

// Role is a role template. System roles are seeded from the RoleRegistry and shared by all rooms.
type Role struct {
	Id          string           `json:"id" gorm:"primaryKey;size:36"`
	Kind        RoleKind         `json:"kind" gorm:"size:16;not null"`
	Name        string           `json:"name" gorm:"size:100;not null;uniqueIndex"`
	Description string           `json:"description"`
	Priority    int              `json:"priority" gorm:"not null"`
	Permissions []PermissionCode `json:"permissions" gorm:"-"`
}

// Outranks reports whether r carries strictly more authority than other.
func (r *Role) Outranks(other *Role) bool {
	return r.Priority > other.Priority
}

// RolePermission grants a permission to a role template.
type RolePermission struct {
	RoleId       string `gorm:"primaryKey;size:36"`
	PermissionId string `gorm:"primaryKey;size:36"`
}

// RoomRole binds a role to one room. It carries its own grants, so a room can customize a system role without
// touching the shared template.
type RoomRole struct {
	Id          string           `json:"id" gorm:"primaryKey;size:36"`
	RoomId      string           `json:"room_id" gorm:"size:36;not null;uniqueIndex:idx_room_role_name"`
	RoleId      *string          `json:"role_id" gorm:"size:36"`
	Name        string           `json:"name" gorm:"size:100;not null;uniqueIndex:idx_room_role_name"`
	Priority    int              `json:"priority" gorm:"not null"`
	IsDefault   bool             `json:"is_default" gorm:"not null;default:false"`
	Permissions []PermissionCode `json:"permissions" gorm:"-"`
	CreatedAt   time.Time        `json:"-"`
}

func (r *RoomRole) Outranks(other *RoomRole) bool {
	return r.Priority > other.Priority
}

type RoomRolePermission struct {
	RoomRoleId   string `gorm:"primaryKey;size:36"`
	PermissionId string `gorm:"primaryKey;size:36"`
}

// RoleTemplate is the configured definition of a system role.
type RoleTemplate struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Priority    int              `json:"priority"`
	Permissions []PermissionCode `json:"permissions"`
}

type PermissionDefinition struct {
	Code     PermissionCode `json:"code"`
	Category string         `json:"category"`
}

// RoleRegistry holds the system roles and the permission catalogue. It is built once at start-up (see
// config.Config.RoleRegistry) and handed to the components that need it; it is never modified afterwards.
type RoleRegistry struct {
	Roles       []RoleTemplate
	Permissions []PermissionDefinition
}

// Role looks up a role template by name.
func (r *RoleRegistry) Role(name string) (RoleTemplate, bool) {
	for _, role := range r.Roles {
		if role.Name == name {
			return role, true
		}
	}
	return RoleTemplate{}, false
}

// Validate checks names and priorities of the roles. Role grants are not checked against the catalogue; unknown
// codes are rejected when a room is created.
func (r *RoleRegistry) Validate() error {
	seen := make(map[string]struct{}, len(r.Roles))
	for _, role := range r.Roles {
		if role.Name == "" || utf8.RuneCountInString(role.Name) > maxRoleNameLength {
			return fmt.Errorf("role name %q must have 1 to %d characters", role.Name, maxRoleNameLength)
		}
		if _, ok := seen[role.Name]; ok {
			return fmt.Errorf("duplicate role %q", role.Name)
		}
		seen[role.Name] = struct{}{}
		if role.Priority < MinRolePriority || role.Priority > MaxRolePriority {
			return fmt.Errorf("priority of role %q must be between %d and %d, got %d", role.Name, MinRolePriority, MaxRolePriority, role.Priority)
		}
	}
	codes := make(map[PermissionCode]struct{}, len(r.Permissions))
	for _, p := range r.Permissions {
		if p.Code.IsZero() {
			return fmt.Errorf("empty permission code")
		}
		if _, ok := codes[p.Code]; ok {
			return fmt.Errorf("duplicate permission %s", p.Code)
		}
		codes[p.Code] = struct{}{}
	}
	return nil
}

func codes(s ...string) []PermissionCode {
	res := make([]PermissionCode, len(s))
	for i, c := range s {
		res[i] = MustPermissionCode(c)
	}
	return res
}

var (
	guestPermissions  = []string{"message:read", "message:react"}
	memberPermissions = append(append([]string{}, guestPermissions...),
		"message:send", "message:pin", "media:send", "member:add")
	moderatorPermissions = append(append([]string{}, memberPermissions...),
		"message:delete", "member:mute")
	adminPermissions = append(append([]string{}, moderatorPermissions...),
		"member:ban", "member:kick", "member:invite", "member:change_role", "room_settings:edit")
	ownerPermissions = append(append([]string{}, adminPermissions...),
		"room:edit", "room:delete", "role:create", "role:manage",
		"room_settings:messages:edit", "room_settings:members:edit", "room_settings:media:edit")
)

// DefaultRoleRegistry returns the built-in system roles, used when the configuration defines none.
func DefaultRoleRegistry() *RoleRegistry {
	reg := &RoleRegistry{
		Roles: []RoleTemplate{
			{Name: RoleOwner, Description: "room owner", Priority: 100, Permissions: codes(ownerPermissions...)},
			{Name: RoleAdmin, Description: "room administrator", Priority: 70, Permissions: codes(adminPermissions...)},
			{Name: RoleModerator, Description: "room moderator", Priority: 50, Permissions: codes(moderatorPermissions...)},
			{Name: RoleMember, Description: "regular member", Priority: 30, Permissions: codes(memberPermissions...)},
			{Name: RoleGuest, Description: "guest with limited rights", Priority: 1, Permissions: codes(guestPermissions...)},
		},
	}
	seen := make(map[PermissionCode]struct{})
	for _, c := range codes(ownerPermissions...) {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		reg.Permissions = append(reg.Permissions, PermissionDefinition{Code: c, Category: c.Resource})
	}
	return reg
}
