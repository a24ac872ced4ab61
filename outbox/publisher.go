// Package outbox delivers the events of the outbox table to an external sink and purges the ones that could not be
// delivered.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hibiken/asynq"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/filter"
	"github.com/tcriess/lightspeed-rooms/types"
)

// Publisher delivers one batch of events. A returned error means the batch as a whole was not delivered; events of
// a failed batch are published again later, so sinks should drop duplicates by Message.DedupKey.
type Publisher interface {
	Publish(ctx context.Context, events []*types.OutboxEvent) error
	Close() error
}

// Message is what the sinks receive.
type Message struct {
	Id            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateId   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	DedupKey      string          `json:"dedup_key"`
	PartitionKey  string          `json:"partition_key"`
	CreatedAt     time.Time       `json:"created_at"`
	Payload       json.RawMessage `json:"payload"`
}

func NewMessage(event *types.OutboxEvent) *Message {
	return &Message{
		Id:            event.Id,
		AggregateType: event.AggregateType,
		AggregateId:   event.AggregateId,
		EventType:     event.EventType,
		DedupKey:      event.DedupKey,
		PartitionKey:  event.PartitionKey,
		CreatedAt:     event.CreatedAt,
		Payload:       json.RawMessage(event.Payload),
	}
}

// NewPublisher creates the publisher selected by cfg.PublisherConfig.Type.
func NewPublisher(cfg *config.Config, logger hclog.Logger) (Publisher, error) {
	router, err := filter.NewRouter(cfg.PublisherConfig.Queue, cfg.PublisherConfig.Routes)
	if err != nil {
		return nil, err
	}
	switch cfg.PublisherConfig.Type {
	case "asynq":
		if cfg.PublisherConfig.RedisURL == "" {
			return nil, fmt.Errorf("asynq publisher: no redis url configured")
		}
		opt, err := asynq.ParseRedisURI(cfg.PublisherConfig.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("asynq publisher: parse redis url: %w", err)
		}
		return NewAsynqPublisher(asynq.NewClient(opt), router, logger), nil

	case "buntdb":
		return NewBuntPublisher(cfg.PublisherConfig.BuntDBPath, router)

	case "log", "":
		return NewLogPublisher(router, logger), nil

	default:
		return nil, fmt.Errorf("unknown publisher type %q", cfg.PublisherConfig.Type)
	}
}

// LogPublisher only logs the events. It is the default when no sink is configured.
type LogPublisher struct {
	router *filter.Router
	logger hclog.Logger
}

func NewLogPublisher(router *filter.Router, logger hclog.Logger) *LogPublisher {
	return &LogPublisher{router: router, logger: logger.Named("publisher")}
}

func (p *LogPublisher) Publish(_ context.Context, events []*types.OutboxEvent) error {
	for _, ev := range events {
		p.logger.Info("event", "queue", p.router.Queue(ev), "type", ev.EventType, "aggregate", ev.PartitionKey, "dedupKey", ev.DedupKey)
	}
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
