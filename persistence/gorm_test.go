package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/persistence/persistencetest"
	"github.com/tcriess/lightspeed-rooms/types"
	"gorm.io/gorm"
)

func strPtr(s string) *string {
	return &s
}

func newRoom(slug *string) *types.Room {
	return &types.Room{
		Id:         uuid.NewString(),
		CreatorId:  uuid.NewString(),
		Type:       types.RoomTypeGroup,
		Name:       strPtr("test"),
		Slug:       slug,
		Visibility: types.VisibilityPublic,
		Settings:   types.DefaultRoomSettings(types.RoomTypeGroup, types.VisibilityPublic),
		Version:    1,
	}
}

func appendEvents(t *testing.T, p persistence.Persister, n int, start time.Time) []*types.OutboxEvent {
	t.Helper()
	events := make([]*types.OutboxEvent, 0, n)
	err := p.Transaction(context.Background(), func(tx persistence.Persister) error {
		for i := 0; i < n; i++ {
			ev, err := types.NewOutboxEvent(types.AggregateTypeRoom, uuid.NewString(), types.EventTypeRoomCreated,
				map[string]int{"i": i}, start.Add(time.Duration(i)*time.Millisecond))
			if err != nil {
				return err
			}
			if err := tx.AppendOutboxEvent(context.Background(), ev); err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})
	require.NoError(t, err)
	return events
}

func TestSeedReferenceData(t *testing.T) {
	ctx := context.Background()
	p := persistencetest.New(t, 3)

	// seeding twice must not duplicate anything
	require.NoError(t, p.SeedReferenceData(ctx, types.DefaultRoleRegistry()))

	perms, err := p.GetPermissions(ctx)
	require.NoError(t, err)
	assert.Len(t, perms, len(types.DefaultRoleRegistry().Permissions))

	roles, err := p.GetSystemRoles(ctx, []string{types.RoleOwner, types.RoleGuest, "nobody"})
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, types.RoleOwner, roles[0].Name)
	assert.Equal(t, types.RoleGuest, roles[1].Name)
	assert.True(t, roles[0].Outranks(roles[1]))
	assert.ElementsMatch(t, []types.PermissionCode{
		types.MustPermissionCode("message:read"),
		types.MustPermissionCode("message:react"),
	}, roles[1].Permissions)

	reg := types.DefaultRoleRegistry()
	reg.Roles = append(reg.Roles, types.RoleTemplate{Name: "broken", Priority: 10,
		Permissions: []types.PermissionCode{types.MustPermissionCode("does:not_exist")}})
	err = p.SeedReferenceData(ctx, reg)
	assert.True(t, types.IsValidation(err))
	roles, err = p.GetSystemRoles(ctx, []string{"broken"})
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestResolvePermissions(t *testing.T) {
	ctx := context.Background()
	p := persistencetest.New(t, 3)

	send := types.MustPermissionCode("message:send")
	edit := types.MustPermissionCode("room_settings:messages:edit")
	ids, err := p.ResolvePermissions(ctx, []types.PermissionCode{send, edit, send})
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.NotEmpty(t, ids[send])
	assert.NotEmpty(t, ids[edit])

	// second lookup is served from the cache and must give the same ids
	again, err := p.ResolvePermissions(ctx, []types.PermissionCode{send})
	require.NoError(t, err)
	assert.Equal(t, ids[send], again[send])

	_, err = p.ResolvePermissions(ctx, []types.PermissionCode{send, types.MustPermissionCode("foo:bar")})
	var validationErr *types.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Reason, "foo:bar")
}

func TestRoomsAndMembers(t *testing.T) {
	ctx := context.Background()
	p := persistencetest.New(t, 3)

	room := newRoom(strPtr("general"))
	require.NoError(t, p.CreateRoom(ctx, room))

	err := p.CreateRoom(ctx, newRoom(strPtr("general")))
	assert.True(t, types.IsConflict(err))

	// rooms without slug never conflict
	require.NoError(t, p.CreateRoom(ctx, newRoom(nil)))
	require.NoError(t, p.CreateRoom(ctx, newRoom(nil)))

	rooms, err := p.GetRooms(ctx, 10, 1)
	require.NoError(t, err)
	assert.Len(t, rooms, 3)

	role := &types.RoomRole{RoomId: room.Id, Name: types.RoleMember, Priority: 30, IsDefault: true,
		Permissions: []types.PermissionCode{types.MustPermissionCode("message:send")}}
	require.NoError(t, p.CreateRoomRole(ctx, role))
	def, err := p.GetDefaultRoomRole(ctx, room.Id)
	require.NoError(t, err)
	assert.Equal(t, role.Id, def.Id)
	assert.Equal(t, role.Permissions, def.Permissions)

	userId := uuid.NewString()
	member := &types.Member{Id: uuid.NewString(), UserId: userId, RoomId: room.Id, RoomRoleId: role.Id,
		Status: types.MemberActive, JoinedAt: time.Now()}
	require.NoError(t, p.CreateMembers(ctx, []*types.Member{member}))
	err = p.CreateMembers(ctx, []*types.Member{{Id: uuid.NewString(), UserId: userId, RoomId: room.Id,
		RoomRoleId: role.Id, Status: types.MemberActive}})
	assert.True(t, types.IsConflict(err))

	got, err := p.GetMemberByIdentity(ctx, room.Id, userId)
	require.NoError(t, err)
	assert.Equal(t, member.Id, got.Id)
	_, err = p.GetMemberByIdentity(ctx, room.Id, uuid.NewString())
	assert.ErrorIs(t, err, types.ErrNotFound)

	updated, err := p.UpdateRoom(ctx, room.Id, map[string]interface{}{"member_count": gorm.Expr("member_count + ?", 1)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, 1, updated.MemberCount)
	_, err = p.UpdateRoom(ctx, uuid.NewString(), map[string]interface{}{"name": "x"})
	assert.ErrorIs(t, err, types.ErrNotFound)

	muted, err := p.UpdateMember(ctx, member.Id, map[string]interface{}{"status": types.MemberMuted})
	require.NoError(t, err)
	assert.Equal(t, types.MemberMuted, muted.Status)
	_, err = p.UpdateMember(ctx, member.Id, map[string]interface{}{"status": "sleeping"})
	assert.True(t, types.IsValidation(err))

	deleted, err := p.DeleteRoom(ctx, room.Id)
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = p.GetMember(ctx, member.Id)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestMemberPermissions(t *testing.T) {
	ctx := context.Background()
	p := persistencetest.New(t, 3)
	memberId := uuid.NewString()
	send := types.MustPermissionCode("message:send")

	require.NoError(t, p.SetMemberPermission(ctx, memberId, send, types.DispositionGrant))
	require.NoError(t, p.SetMemberPermission(ctx, memberId, send, types.DispositionDeny))
	overrides, err := p.GetMemberPermissions(ctx, memberId)
	require.NoError(t, err)
	assert.Equal(t, []types.PermissionOverride{{Code: send, Disposition: types.DispositionDeny}}, overrides)

	err = p.SetMemberPermission(ctx, memberId, send, "maybe")
	assert.True(t, types.IsValidation(err))
	err = p.SetMemberPermission(ctx, memberId, types.MustPermissionCode("foo:bar"), types.DispositionGrant)
	assert.True(t, types.IsValidation(err))
}

func TestTransactionRollback(t *testing.T) {
	ctx := context.Background()
	p := persistencetest.New(t, 3)
	room := newRoom(strPtr("rollback"))
	boom := errors.New("boom")

	err := p.Transaction(ctx, func(tx persistence.Persister) error {
		if err := tx.CreateRoom(ctx, room); err != nil {
			return err
		}
		ev, err := types.NewOutboxEvent(types.AggregateTypeRoom, room.Id, types.EventTypeRoomCreated, room, time.Now())
		if err != nil {
			return err
		}
		if err := tx.AppendOutboxEvent(ctx, ev); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = p.GetRoom(ctx, room.Id)
	assert.ErrorIs(t, err, types.ErrNotFound)
	count, err := p.CountOutboxEvents(ctx, types.DispatchableStatuses)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestAppendOutsideTransaction(t *testing.T) {
	p := persistencetest.New(t, 3)
	ev, err := types.NewOutboxEvent(types.AggregateTypeRoom, uuid.NewString(), types.EventTypeRoomCreated, nil, time.Now())
	require.NoError(t, err)
	err = p.AppendOutboxEvent(context.Background(), ev)
	assert.ErrorIs(t, err, persistence.ErrOutsideTransaction)
}

func TestOutboxPaging(t *testing.T) {
	ctx := context.Background()
	p := persistencetest.New(t, 3)
	events := appendEvents(t, p, 5, time.Now().UTC())

	count, err := p.CountOutboxEvents(ctx, types.DispatchableStatuses)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	page1, err := p.PageOutboxEvents(ctx, types.DispatchableStatuses, 2, 1)
	require.NoError(t, err)
	page3, err := p.PageOutboxEvents(ctx, types.DispatchableStatuses, 2, 3)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.Len(t, page3, 1)
	assert.Equal(t, events[0].Id, page1[0].Id)
	assert.Equal(t, events[1].Id, page1[1].Id)
	assert.Equal(t, events[4].Id, page3[0].Id)

	scanned, err := p.ScanOutboxEvents(ctx, types.DispatchableStatuses, 10, 3)
	require.NoError(t, err)
	assert.Len(t, scanned, 2)
}

func TestMarkOutboxEvents(t *testing.T) {
	ctx := context.Background()
	p := persistencetest.New(t, 2)
	events := appendEvents(t, p, 2, time.Now().UTC())
	ids := []string{events[0].Id}

	remaining, err := p.MarkOutboxEvents(ctx, ids, types.EventStatusPending, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)
	pending, err := p.PageOutboxEvents(ctx, []types.EventStatus{types.EventStatusPending}, 10, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Retries)

	// second failure reaches the maximum
	remaining, err = p.MarkOutboxEvents(ctx, ids, types.EventStatusPending, true)
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
	failed, err := p.PageOutboxEvents(ctx, []types.EventStatus{types.EventStatusFailed}, 10, 1)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Retries)

	// failed events are never touched again
	remaining, err = p.MarkOutboxEvents(ctx, ids, types.EventStatusPending, true)
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
	failed, err = p.PageOutboxEvents(ctx, []types.EventStatus{types.EventStatusFailed}, 10, 1)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Retries)

	// without incrementing only the status changes
	remaining, err = p.MarkOutboxEvents(ctx, []string{events[0].Id, events[1].Id}, types.EventStatusPending, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)
	pending, err = p.PageOutboxEvents(ctx, []types.EventStatus{types.EventStatusPending}, 10, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, events[1].Id, pending[0].Id)
	assert.Equal(t, 0, pending[0].Retries)

	count, err := p.CountOutboxEvents(ctx, types.DispatchableStatuses)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	n, err := p.DeleteOutboxEvents(ctx, []string{events[0].Id, events[1].Id})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
