package filter

import (
	"encoding/json"

	"github.com/tcriess/lightspeed-rooms/types"
)

/*
Here the Env used in the routing filters is defined.
Once this struct is fixed, it should not be changed, otherwise configured filters may not compile any more
(f.e. if properties are renamed etc.)
*/

type Env struct {
	AggregateType string
	AggregateId   string
	EventType     string
	PartitionKey  string
	DedupKey      string
	Retries       int
	Created       int64
	// Payload is the decoded event payload, nil if it is not a JSON object.
	Payload map[string]interface{}
}

// NewEnv builds the filter environment of an outbox event.
func NewEnv(event *types.OutboxEvent) Env {
	env := Env{
		AggregateType: event.AggregateType,
		AggregateId:   event.AggregateId,
		EventType:     event.EventType,
		PartitionKey:  event.PartitionKey,
		DedupKey:      event.DedupKey,
		Retries:       event.Retries,
		Created:       event.CreatedAt.Unix(),
	}
	payload := make(map[string]interface{})
	if err := json.Unmarshal([]byte(event.Payload), &payload); err == nil {
		env.Payload = payload
	}
	return env
}
