package rooms

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-rooms/permissions"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/persistence/persistencetest"
	"github.com/tcriess/lightspeed-rooms/types"
)

func testPolicy() Policy {
	return Policy{
		OwnerRole: types.RoleOwner,
		DefaultRoles: map[types.RoomType]string{
			types.RoomTypeDirect:  types.RoleMember,
			types.RoomTypeGroup:   types.RoleMember,
			types.RoomTypeChannel: types.RoleGuest,
		},
		MaxInitialUsers: 10,
		Registry:        types.DefaultRoleRegistry(),
	}
}

// steppingClock returns a new millisecond on every call.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func newTestCreator(t *testing.T, policy Policy) (*Creator, persistence.Persister) {
	p := persistencetest.New(t, 3)
	resolver := permissions.NewResolver(p, hclog.NewNullLogger())
	return NewCreator(p, resolver, policy, hclog.NewNullLogger(), WithClock(steppingClock())), p
}

func strPtr(s string) *string {
	return &s
}

func assertNothingWritten(t *testing.T, p persistence.Persister) {
	t.Helper()
	ctx := context.Background()
	rooms, err := p.GetRooms(ctx, 10, 1)
	require.NoError(t, err)
	assert.Empty(t, rooms)
	count, err := p.CountOutboxEvents(ctx, []types.EventStatus{types.EventStatusNew, types.EventStatusPending, types.EventStatusFailed})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCreateGroupRoom(t *testing.T) {
	ctx := context.Background()
	c, p := newTestCreator(t, testPolicy())

	room, event, err := c.Create(ctx, types.CreateRoomCommand{
		Name:           strPtr("friends"),
		Slug:           strPtr(" Friends "),
		Type:           types.RoomTypeGroup,
		InitialUserIds: []string{"u1", "u2", "u3"},
	}, "creator")
	require.NoError(t, err)
	assert.Equal(t, 4, room.MemberCount)
	assert.Equal(t, int64(1), room.Version)
	assert.Equal(t, "friends", *room.Slug)
	assert.Equal(t, types.VisibilityPublic, room.Visibility)

	stored, err := p.GetRoom(ctx, room.Id)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.MemberCount)

	roles, err := p.GetRoomRoles(ctx, room.Id)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, types.RoleOwner, roles[0].Name)
	assert.False(t, roles[0].IsDefault)
	assert.Equal(t, types.RoleMember, roles[1].Name)
	assert.True(t, roles[1].IsDefault)
	assert.Contains(t, roles[1].Permissions, types.MustPermissionCode("message:send"))

	members, err := p.GetMembers(ctx, room.Id, 10, 1)
	require.NoError(t, err)
	require.Len(t, members, 4)
	owners := 0
	for _, m := range members {
		if m.RoomRoleId == roles[0].Id {
			owners++
			assert.Equal(t, "creator", m.UserId)
		} else {
			assert.Equal(t, roles[1].Id, m.RoomRoleId)
		}
	}
	assert.Equal(t, 1, owners)

	events, err := p.PageOutboxEvents(ctx, []types.EventStatus{types.EventStatusNew}, 10, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.Id, events[0].Id)
	assert.Equal(t, types.AggregateTypeRoom, events[0].AggregateType)
	assert.Equal(t, types.EventTypeRoomCreated, events[0].EventType)
	assert.Equal(t, types.NewPartitionKey(types.AggregateTypeRoom, room.Id), events[0].PartitionKey)
	assert.Equal(t, 0, events[0].Retries)

	snapshot := types.RoomSnapshot{}
	require.NoError(t, json.Unmarshal([]byte(events[0].Payload), &snapshot))
	assert.Equal(t, room.Id, snapshot.Room.Id)
	assert.Len(t, snapshot.Roles, 2)
	assert.Len(t, snapshot.Members, 4)
	assert.NotEmpty(t, snapshot.CorrelationId)
}

func TestCreateDirectRoom(t *testing.T) {
	ctx := context.Background()
	c, p := newTestCreator(t, testPolicy())

	_, _, err := c.Create(ctx, types.CreateRoomCommand{
		Type:           types.RoomTypeDirect,
		InitialUserIds: []string{"u1", "u2"},
	}, "creator")
	assert.True(t, types.IsValidation(err))
	_, _, err = c.Create(ctx, types.CreateRoomCommand{
		Name:           strPtr("named"),
		Type:           types.RoomTypeDirect,
		InitialUserIds: []string{"u1"},
	}, "creator")
	assert.True(t, types.IsValidation(err))
	assertNothingWritten(t, p)

	room, _, err := c.Create(ctx, types.CreateRoomCommand{
		Type:           types.RoomTypeDirect,
		InitialUserIds: []string{"u1"},
	}, "creator")
	require.NoError(t, err)
	assert.Equal(t, 2, room.MemberCount)
	assert.Nil(t, room.Name)
}

func TestCreateTooManyUsers(t *testing.T) {
	policy := testPolicy()
	policy.MaxInitialUsers = 2
	c, p := newTestCreator(t, policy)
	_, _, err := c.Create(context.Background(), types.CreateRoomCommand{
		Type:           types.RoomTypeGroup,
		InitialUserIds: []string{"u1", "u2", "u3"},
	}, "creator")
	assert.True(t, types.IsValidation(err))
	assertNothingWritten(t, p)
}

func TestCreateUnknownPermissionRollsBack(t *testing.T) {
	policy := testPolicy()
	policy.Registry = types.DefaultRoleRegistry()
	for i := range policy.Registry.Roles {
		if policy.Registry.Roles[i].Name == types.RoleMember {
			policy.Registry.Roles[i].Permissions = append(policy.Registry.Roles[i].Permissions, types.MustPermissionCode("teleport:use"))
		}
	}
	c, p := newTestCreator(t, policy)
	_, _, err := c.Create(context.Background(), types.CreateRoomCommand{
		Type:           types.RoomTypeGroup,
		InitialUserIds: []string{"u1"},
	}, "creator")
	var validationErr *types.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Reason, "teleport:use")
	assertNothingWritten(t, p)
}

func TestCreateMissingSystemRole(t *testing.T) {
	policy := testPolicy()
	policy.DefaultRoles[types.RoomTypeGroup] = "spectator"
	c, p := newTestCreator(t, policy)
	_, _, err := c.Create(context.Background(), types.CreateRoomCommand{
		Type:           types.RoomTypeGroup,
		InitialUserIds: []string{"u1"},
	}, "creator")
	assert.True(t, types.IsValidation(err))
	assertNothingWritten(t, p)
}

func TestCreateConflicts(t *testing.T) {
	ctx := context.Background()
	c, p := newTestCreator(t, testPolicy())

	_, _, err := c.Create(ctx, types.CreateRoomCommand{Type: types.RoomTypeGroup, Slug: strPtr("lobby")}, "creator")
	require.NoError(t, err)
	_, _, err = c.Create(ctx, types.CreateRoomCommand{Type: types.RoomTypeGroup, Slug: strPtr("LOBBY")}, "other")
	assert.True(t, types.IsConflict(err))

	// the creator cannot be an initial user at the same time
	_, _, err = c.Create(ctx, types.CreateRoomCommand{Type: types.RoomTypeGroup, InitialUserIds: []string{"u1", "creator"}}, "creator")
	assert.True(t, types.IsConflict(err))

	rooms, err := p.GetRooms(ctx, 10, 1)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
	count, err := p.CountOutboxEvents(ctx, types.DispatchableStatuses)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestAddMembers(t *testing.T) {
	ctx := context.Background()
	c, p := newTestCreator(t, testPolicy())

	room, _, err := c.Create(ctx, types.CreateRoomCommand{Type: types.RoomTypeChannel, Name: strPtr("news")}, "creator")
	require.NoError(t, err)

	updated, event, err := c.AddMembers(ctx, room.Id, "creator", []string{"u1", "u2"})
	require.NoError(t, err)
	assert.Equal(t, 3, updated.MemberCount)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, types.EventTypeMembersAdded, event.EventType)

	member, err := p.GetMemberByIdentity(ctx, room.Id, "u1")
	require.NoError(t, err)
	def, err := p.GetDefaultRoomRole(ctx, room.Id)
	require.NoError(t, err)
	assert.Equal(t, def.Id, member.RoomRoleId)
	assert.Equal(t, types.RoleGuest, def.Name)

	// guests may not add anybody
	_, _, err = c.AddMembers(ctx, room.Id, "u1", []string{"u3"})
	assert.ErrorIs(t, err, types.ErrForbidden)
	_, _, err = c.AddMembers(ctx, room.Id, "stranger", []string{"u3"})
	assert.ErrorIs(t, err, types.ErrForbidden)

	_, _, err = c.AddMembers(ctx, room.Id, "creator", []string{"u1"})
	assert.True(t, types.IsConflict(err))

	count, err := p.CountOutboxEvents(ctx, types.DispatchableStatuses)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

type recordingAuthorizer struct {
	stores []persistence.AuthorizationStore
	allow  bool
}

func (a *recordingAuthorizer) HasAnyPermissionWithin(ctx context.Context, store persistence.AuthorizationStore, roomId, userId string, codes ...types.PermissionCode) bool {
	a.stores = append(a.stores, store)
	return a.allow
}

func TestAddMembersAuthorizesInsideTransaction(t *testing.T) {
	ctx := context.Background()
	c, p := newTestCreator(t, testPolicy())
	room, _, err := c.Create(ctx, types.CreateRoomCommand{Type: types.RoomTypeGroup}, "creator")
	require.NoError(t, err)

	auth := &recordingAuthorizer{}
	c.authorizer = auth
	_, _, err = c.AddMembers(ctx, room.Id, "creator", []string{"u1"})
	assert.ErrorIs(t, err, types.ErrForbidden)
	require.Len(t, auth.stores, 1)
	assert.NotSame(t, p, auth.stores[0])
	_, err = p.GetMemberByIdentity(ctx, room.Id, "u1")
	assert.ErrorIs(t, err, types.ErrNotFound)

	auth.allow = true
	updated, _, err := c.AddMembers(ctx, room.Id, "creator", []string{"u1"})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.MemberCount)

	// a revoked grant is seen by the next call
	c.authorizer = permissions.NewResolver(p, hclog.NewNullLogger())
	creator, err := p.GetMemberByIdentity(ctx, room.Id, "creator")
	require.NoError(t, err)
	require.NoError(t, p.SetMemberPermission(ctx, creator.Id, PermissionMemberAdd, types.DispositionDeny))
	require.NoError(t, p.SetMemberPermission(ctx, creator.Id, PermissionMemberInvite, types.DispositionDeny))
	_, _, err = c.AddMembers(ctx, room.Id, "creator", []string{"u2"})
	assert.ErrorIs(t, err, types.ErrForbidden)
}
