package persistence

import (
	"context"
	"errors"

	"github.com/tcriess/lightspeed-rooms/types"
	"gorm.io/gorm"
)

// ErrOutsideTransaction is returned by AppendOutboxEvent on a persister that is not bound to a transaction.
var ErrOutsideTransaction = errors.New("outbox events can only be appended inside a transaction")

func statusStrings(statuses []types.EventStatus) []string {
	res := make([]string, len(statuses))
	for i, s := range statuses {
		res[i] = string(s)
	}
	return res
}

func (p *GormPersist) AppendOutboxEvent(ctx context.Context, event *types.OutboxEvent) error {
	if !p.inTx {
		return ErrOutsideTransaction
	}
	err := p.db.WithContext(ctx).Create(event).Error
	if err != nil {
		return creationError("outbox event", err)
	}
	return nil
}

func (p *GormPersist) CountOutboxEvents(ctx context.Context, statuses []types.EventStatus) (int64, error) {
	var count int64
	err := p.db.WithContext(ctx).Model(&types.OutboxEvent{}).Where("status IN ?", statusStrings(statuses)).Count(&count).Error
	if err != nil {
		return 0, readingError("outbox events", err)
	}
	return count, nil
}

func (p *GormPersist) PageOutboxEvents(ctx context.Context, statuses []types.EventStatus, limit, page int) ([]*types.OutboxEvent, error) {
	return p.ScanOutboxEvents(ctx, statuses, limit, offset(limit, page))
}

func (p *GormPersist) ScanOutboxEvents(ctx context.Context, statuses []types.EventStatus, limit, offset int) ([]*types.OutboxEvent, error) {
	events := make([]*types.OutboxEvent, 0, limit)
	err := p.db.WithContext(ctx).Where("status IN ?", statusStrings(statuses)).
		Order("created_at ASC, id ASC").Limit(limit).Offset(offset).Find(&events).Error
	if err != nil {
		return nil, readingError("outbox events", err)
	}
	return events, nil
}

// MarkOutboxEvents updates all given events in one statement and counts the ones that are still dispatchable. An
// event at or above the maximum number of retries becomes failed instead of status.
func (p *GormPersist) MarkOutboxEvents(ctx context.Context, ids []string, status types.EventStatus, incrementRetries bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	failed := string(types.EventStatusFailed)
	updates := map[string]interface{}{
		"status": gorm.Expr("CASE WHEN retries >= ? THEN ? ELSE ? END", p.maxRetries, failed, string(status)),
	}
	if incrementRetries {
		updates["status"] = gorm.Expr("CASE WHEN retries + 1 >= ? THEN ? ELSE ? END", p.maxRetries, failed, string(status))
		updates["retries"] = gorm.Expr("retries + 1")
	}
	var remaining int64
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&types.OutboxEvent{}).
			Where("id IN ? AND status <> ?", ids, failed).
			Updates(updates).Error
		if err != nil {
			return err
		}
		return tx.Model(&types.OutboxEvent{}).
			Where("id IN ? AND status <> ?", ids, failed).
			Count(&remaining).Error
	})
	if err != nil {
		return 0, &types.UpdateError{Entity: "outbox events", Err: err}
	}
	return remaining, nil
}

func (p *GormPersist) DeleteOutboxEvents(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := p.db.WithContext(ctx).Where("id IN ?", ids).Delete(&types.OutboxEvent{})
	if res.Error != nil {
		return 0, &types.DeletionError{Entity: "outbox events", Err: res.Error}
	}
	return res.RowsAffected, nil
}
