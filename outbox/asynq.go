package outbox

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/hashicorp/go-hclog"
	"github.com/hibiken/asynq"
	"github.com/tcriess/lightspeed-rooms/filter"
	"github.com/tcriess/lightspeed-rooms/types"
)

// Enqueuer is the part of *asynq.Client the publisher uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// AsynqPublisher enqueues one asynq task per event. The task type is the event type, the task id the dedup key, so
// a batch that is published again after a partial failure does not enqueue the same event twice.
type AsynqPublisher struct {
	client Enqueuer
	router *filter.Router
	logger hclog.Logger
}

var _ Publisher = (*AsynqPublisher)(nil)

func NewAsynqPublisher(client Enqueuer, router *filter.Router, logger hclog.Logger) *AsynqPublisher {
	return &AsynqPublisher{client: client, router: router, logger: logger.Named("asynq")}
}

func (p *AsynqPublisher) Publish(ctx context.Context, events []*types.OutboxEvent) error {
	for _, ev := range events {
		body, err := json.Marshal(NewMessage(ev))
		if err != nil {
			return &types.PublishError{Count: len(events), Err: err}
		}
		task := asynq.NewTask(ev.EventType, body)
		info, err := p.client.EnqueueContext(ctx, task, asynq.Queue(p.router.Queue(ev)), asynq.TaskID(ev.DedupKey))
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			p.logger.Debug("event already enqueued", "dedupKey", ev.DedupKey)
			continue
		}
		if err != nil {
			return &types.PublishError{Count: len(events), Err: err}
		}
		p.logger.Trace("event enqueued", "task", info.ID, "queue", info.Queue)
	}
	return nil
}

func (p *AsynqPublisher) Close() error {
	return p.client.Close()
}
