package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"
	"gorm.io/datatypes"
)

type EventStatus string

const (
	EventStatusNew     EventStatus = "new"
	EventStatusPending EventStatus = "pending"
	EventStatusDone    EventStatus = "done"
	EventStatusFailed  EventStatus = "failed"
)

// DispatchableStatuses are the statuses the outbox dispatcher picks up.
var DispatchableStatuses = []EventStatus{EventStatusNew, EventStatusPending}

const (
	AggregateTypeRoom = "Room"

	EventTypeRoomCreated  = "room_created"
	EventTypeMembersAdded = "members_added"
)

// OutboxEvent is a domain event written in the same transaction as the aggregate mutation it describes. A
// delivered event is deleted, so there are no rows with status done in practice.
type OutboxEvent struct {
	Id            string         `json:"id" gorm:"primaryKey;size:36"`
	AggregateId   string         `json:"aggregate_id" gorm:"size:36;not null;index:idx_outbox_status,priority:2"`
	AggregateType string         `json:"aggregate_type" gorm:"size:64;not null"`
	EventType     string         `json:"event_type" gorm:"size:64;not null"`
	Payload       datatypes.JSON `json:"payload" gorm:"not null"`
	Status        EventStatus    `json:"status" gorm:"size:16;not null;index:idx_outbox_status,priority:1"`
	Retries       int            `json:"retries" gorm:"not null;default:0"`
	DedupKey      string         `json:"dedup_key" gorm:"size:64;not null;uniqueIndex"`
	PartitionKey  string         `json:"partition_key" gorm:"size:128;not null;index"`
	CreatedAt     time.Time      `json:"created_at" gorm:"index"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type dedupInput struct {
	CreatedAt     int64
	AggregateType string
	AggregateId   string
}

// NewDedupKey derives the dedup key from the creation time and the aggregate. The same input always produces
// the same key, so a consumer seeing a key twice may drop the second delivery.
func NewDedupKey(created time.Time, aggregateType, aggregateId string) (string, error) {
	h, err := hashstructure.Hash(dedupInput{
		CreatedAt:     created.UnixNano(),
		AggregateType: aggregateType,
		AggregateId:   aggregateId,
	}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}
	return aggregateType + "-" + strconv.FormatUint(h, 16) + "-" + strconv.FormatInt(created.UnixNano(), 36), nil
}

// NewPartitionKey returns the key downstream consumers use to restore the per-aggregate order.
func NewPartitionKey(aggregateType, aggregateId string) string {
	return aggregateType + aggregateId
}

// NewOutboxEvent builds a new event with status new, ready to be appended to the outbox.
func NewOutboxEvent(aggregateType, aggregateId, eventType string, payload interface{}, created time.Time) (*OutboxEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("could not marshal %s payload: %w", eventType, err)
	}
	dedupKey, err := NewDedupKey(created, aggregateType, aggregateId)
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{
		Id:            uuid.NewString(),
		AggregateId:   aggregateId,
		AggregateType: aggregateType,
		EventType:     eventType,
		Payload:       datatypes.JSON(data),
		Status:        EventStatusNew,
		DedupKey:      dedupKey,
		PartitionKey:  NewPartitionKey(aggregateType, aggregateId),
		CreatedAt:     created,
		UpdatedAt:     created,
	}, nil
}

// NewCorrelationId returns "<source>--<microseconds>--<first 8 chars of a uuid>", used to trace one event
// across services.
func NewCorrelationId(source string, now time.Time) string {
	return fmt.Sprintf("%s--%d--%s", source, now.Nanosecond()/int(time.Microsecond), uuid.NewString()[:8])
}

// RoomSnapshot is the payload of room events: the room with its roles, their resolved permissions and the
// member list.
type RoomSnapshot struct {
	CorrelationId string      `json:"correlation_id"`
	Source        string      `json:"source"`
	Room          *Room       `json:"room"`
	Roles         []*RoomRole `json:"roles"`
	Members       []*Member   `json:"members"`
}
