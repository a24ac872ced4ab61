package persistence

import (
	"context"

	"github.com/tcriess/lightspeed-rooms/types"
)

// RoomStore is the create/read/read_all/update/delete capability set for rooms.
type RoomStore interface {
	CreateRoom(ctx context.Context, room *types.Room) error
	GetRoom(ctx context.Context, id string) (*types.Room, error)
	GetRooms(ctx context.Context, limit, page int) ([]*types.Room, error)
	// UpdateRoom applies the column updates and increments the room version.
	UpdateRoom(ctx context.Context, id string, updates map[string]interface{}) (*types.Room, error)
	DeleteRoom(ctx context.Context, id string) (bool, error)
}

type RoleStore interface {
	// GetSystemRoles returns the system role templates with the given names (with their grants). Names without a
	// template are simply missing from the result.
	GetSystemRoles(ctx context.Context, names []string) ([]*types.Role, error)
	// CreateRoomRole inserts the room role and its grants. Every granted code must exist in the permission
	// reference data, otherwise a *types.ValidationError is returned.
	CreateRoomRole(ctx context.Context, roomRole *types.RoomRole) error
	GetRoomRoles(ctx context.Context, roomId string) ([]*types.RoomRole, error)
	GetDefaultRoomRole(ctx context.Context, roomId string) (*types.RoomRole, error)
	GetRoomRolePermissions(ctx context.Context, roomRoleId string) ([]types.PermissionCode, error)
}

type PermissionStore interface {
	// ResolvePermissions maps each code to the id of its permission row. Unknown codes yield a
	// *types.ValidationError listing them.
	ResolvePermissions(ctx context.Context, codes []types.PermissionCode) (map[types.PermissionCode]string, error)
	GetPermissions(ctx context.Context) ([]*types.Permission, error)
}

type MemberStore interface {
	CreateMembers(ctx context.Context, members []*types.Member) error
	GetMember(ctx context.Context, id string) (*types.Member, error)
	GetMemberByIdentity(ctx context.Context, roomId, userId string) (*types.Member, error)
	GetMembers(ctx context.Context, roomId string, limit, page int) ([]*types.Member, error)
	UpdateMember(ctx context.Context, id string, updates map[string]interface{}) (*types.Member, error)
	DeleteMember(ctx context.Context, id string) (bool, error)
	GetMemberPermissions(ctx context.Context, memberId string) ([]types.PermissionOverride, error)
	SetMemberPermission(ctx context.Context, memberId string, code types.PermissionCode, disposition types.Disposition) error
}

// OutboxStore is the outbox table. AppendOutboxEvent is only allowed on a Persister handed out by
// Persister.Transaction, together with the aggregate mutation the event describes.
type OutboxStore interface {
	AppendOutboxEvent(ctx context.Context, event *types.OutboxEvent) error
	CountOutboxEvents(ctx context.Context, statuses []types.EventStatus) (int64, error)
	// PageOutboxEvents returns page (1-based) of the events with the given statuses, oldest first.
	PageOutboxEvents(ctx context.Context, statuses []types.EventStatus, limit, page int) ([]*types.OutboxEvent, error)
	// ScanOutboxEvents is PageOutboxEvents with an explicit row offset.
	ScanOutboxEvents(ctx context.Context, statuses []types.EventStatus, limit, offset int) ([]*types.OutboxEvent, error)
	// MarkOutboxEvents sets the status of the events, optionally incrementing their retries, and returns how many of
	// them are not failed afterwards. Failed events are never modified. An event whose retries reach the configured
	// maximum becomes failed, also when incrementRetries is false.
	MarkOutboxEvents(ctx context.Context, ids []string, status types.EventStatus, incrementRetries bool) (int64, error)
	DeleteOutboxEvents(ctx context.Context, ids []string) (int64, error)
}

// AuthorizationStore is what the permission resolver reads.
type AuthorizationStore interface {
	GetMemberByIdentity(ctx context.Context, roomId, userId string) (*types.Member, error)
	GetRoomRolePermissions(ctx context.Context, roomRoleId string) ([]types.PermissionCode, error)
	GetMemberPermissions(ctx context.Context, memberId string) ([]types.PermissionOverride, error)
}

type Persister interface {
	RoomStore
	RoleStore
	PermissionStore
	MemberStore
	OutboxStore
	// Transaction runs fn in one database transaction. fn receives a Persister bound to the transaction; the
	// transaction is rolled back if fn returns an error (or panics) and committed otherwise.
	Transaction(ctx context.Context, fn func(tx Persister) error) error
	// SeedReferenceData creates or updates the permissions and the system roles of the registry.
	SeedReferenceData(ctx context.Context, registry *types.RoleRegistry) error
	Close() error
}
