package outbox

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/types"
)

// Options configure a Dispatcher. The maximum number of retries belongs to the store, see
// persistence.OutboxStore.MarkOutboxEvents.
type Options struct {
	BatchSize int
}

// Stats summarizes one dispatcher cycle.
type Stats struct {
	Batches   int
	Published int
	Failed    int
}

// Dispatcher publishes the new and pending outbox events. Published events are deleted; the events of a batch the
// publisher rejected become pending with one more retry, or failed once they reach the maximum number of retries.
type Dispatcher struct {
	store     persistence.OutboxStore
	publisher Publisher
	opts      Options
	logger    hclog.Logger
}

func NewDispatcher(store persistence.OutboxStore, publisher Publisher, opts Options, logger hclog.Logger) (*Dispatcher, error) {
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("invalid batch size %d", opts.BatchSize)
	}
	return &Dispatcher{store: store, publisher: publisher, opts: opts, logger: logger.Named("dispatcher")}, nil
}

// Run executes one cycle: the dispatchable events are counted once, then read and published in ceil(count/batch size)
// batches, oldest first. Events of a rejected batch that are still dispatchable stay in front of the next batch, so
// the read offset skips them. Only reading errors abort the cycle.
func (d *Dispatcher) Run(ctx context.Context) (Stats, error) {
	stats := Stats{}
	count, err := d.store.CountOutboxEvents(ctx, types.DispatchableStatuses)
	if err != nil {
		return stats, err
	}
	if count == 0 {
		return stats, nil
	}
	batches := int((count + int64(d.opts.BatchSize) - 1) / int64(d.opts.BatchSize))
	offset := 0
	for i := 0; i < batches; i++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		events, err := d.store.ScanOutboxEvents(ctx, types.DispatchableStatuses, d.opts.BatchSize, offset)
		if err != nil {
			return stats, err
		}
		if len(events) == 0 {
			break
		}
		stats.Batches++
		ids := make([]string, len(events))
		for j, ev := range events {
			ids[j] = ev.Id
		}

		err = d.publisher.Publish(ctx, events)
		if err != nil {
			if !types.IsPublish(err) {
				err = &types.PublishError{Count: len(events), Err: err}
			}
			d.logger.Warn("could not publish batch", "batch", i+1, "events", len(events), "error", err)
			stats.Failed += len(events)
			remaining, markErr := d.store.MarkOutboxEvents(ctx, ids, types.EventStatusPending, true)
			if markErr != nil {
				d.logger.Error("could not mark events as pending", "events", len(events), "error", markErr)
				offset += len(events)
				continue
			}
			offset += int(remaining)
			continue
		}

		stats.Published += len(events)
		_, err = d.store.DeleteOutboxEvents(ctx, ids)
		if err != nil {
			// the events were delivered, publishing them again is left to the sink's deduplication
			d.logger.Error("could not delete published events", "events", len(events), "error", err)
			offset += len(events)
		}
	}
	if stats.Failed > 0 || stats.Published > 0 {
		d.logger.Debug("dispatch cycle done", "batches", stats.Batches, "published", stats.Published, "failed", stats.Failed)
	}
	return stats, nil
}
