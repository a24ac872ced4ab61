package filter

import (
	"testing"
	"time"

	"github.com/antonmedv/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/types"
)

func newEvent(t *testing.T, eventType string, payload interface{}) *types.OutboxEvent {
	ev, err := types.NewOutboxEvent(types.AggregateTypeRoom, "room-1", eventType, payload, time.Unix(1700000000, 0))
	require.NoError(t, err)
	return ev
}

func TestEnv(t *testing.T) {
	ev := newEvent(t, types.EventTypeRoomCreated, map[string]interface{}{"room": map[string]interface{}{"type": "channel"}})
	env := NewEnv(ev)
	assert.Equal(t, "Room", env.AggregateType)
	assert.Equal(t, "Roomroom-1", env.PartitionKey)
	assert.Equal(t, int64(1700000000), env.Created)

	res, err := expr.Eval(`Payload.room.type == "channel"`, env)
	if err != nil {
		t.Fatalf("error: %s", err)
	}
	assert.Equal(t, true, res.(bool))
	res, err = expr.Eval(`EventType startsWith "room_" && Retries == 0`, env)
	if err != nil {
		t.Fatalf("error: %s", err)
	}
	assert.Equal(t, true, res.(bool))

	// payload that is not an object
	env = NewEnv(newEvent(t, types.EventTypeRoomCreated, []int{1, 2}))
	assert.Nil(t, env.Payload)
}

func TestRouter(t *testing.T) {
	r, err := NewRouter("rooms", []config.RouteConfig{
		{Queue: "members", Filter: `EventType == "members_added"`},
		{Queue: "channels", Filter: `Payload.room.type == "channel"`},
		{Queue: "never", Filter: `Retries > 100`},
	})
	require.NoError(t, err)

	assert.Equal(t, "members", r.Queue(newEvent(t, types.EventTypeMembersAdded, map[string]interface{}{})))
	assert.Equal(t, "channels", r.Queue(newEvent(t, types.EventTypeRoomCreated,
		map[string]interface{}{"room": map[string]interface{}{"type": "channel"}})))
	assert.Equal(t, "rooms", r.Queue(newEvent(t, types.EventTypeRoomCreated,
		map[string]interface{}{"room": map[string]interface{}{"type": "group"}})))
	// Payload.room is nil here, the failing filter is skipped
	assert.Equal(t, "rooms", r.Queue(newEvent(t, types.EventTypeRoomCreated, []int{1})))

	def, err := NewRouter("rooms", nil)
	require.NoError(t, err)
	assert.Equal(t, "rooms", def.Queue(newEvent(t, types.EventTypeMembersAdded, nil)))
}

func TestRouterInvalidFilter(t *testing.T) {
	_, err := NewRouter("rooms", []config.RouteConfig{{Queue: "q", Filter: `EventType +`}})
	assert.Error(t, err)
	// not a bool
	_, err = NewRouter("rooms", []config.RouteConfig{{Queue: "q", Filter: `Retries + 1`}})
	assert.Error(t, err)
	_, err = NewRouter("rooms", []config.RouteConfig{{Filter: `true`}})
	assert.Error(t, err)
}
