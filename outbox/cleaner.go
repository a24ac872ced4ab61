package outbox

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/types"
)

var failedStatus = []types.EventStatus{types.EventStatusFailed}

// Cleaner deletes failed events.
type Cleaner struct {
	store     persistence.OutboxStore
	batchSize int
	logger    hclog.Logger
}

func NewCleaner(store persistence.OutboxStore, batchSize int, logger hclog.Logger) (*Cleaner, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("invalid batch size %d", batchSize)
	}
	return &Cleaner{store: store, batchSize: batchSize, logger: logger.Named("cleaner")}, nil
}

// Run deletes the failed events in batches and returns how many were deleted. Every batch is read from the
// first page, since the previous one is gone by then.
func (c *Cleaner) Run(ctx context.Context) (int64, error) {
	count, err := c.store.CountOutboxEvents(ctx, failedStatus)
	if err != nil {
		return 0, err
	}
	var deleted int64
	batches := int((count + int64(c.batchSize) - 1) / int64(c.batchSize))
	for i := 0; i < batches; i++ {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		events, err := c.store.PageOutboxEvents(ctx, failedStatus, c.batchSize, 1)
		if err != nil {
			return deleted, err
		}
		if len(events) == 0 {
			break
		}
		ids := make([]string, len(events))
		for j, ev := range events {
			ids[j] = ev.Id
			c.logger.Warn("dropping undeliverable event", "id", ev.Id, "type", ev.EventType, "aggregate", ev.PartitionKey, "retries", ev.Retries)
		}
		n, err := c.store.DeleteOutboxEvents(ctx, ids)
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	if deleted > 0 {
		c.logger.Info("failed events deleted", "count", deleted)
	}
	return deleted, nil
}
