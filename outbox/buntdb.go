package outbox

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tcriess/lightspeed-rooms/filter"
	"github.com/tcriess/lightspeed-rooms/types"
	"github.com/tidwall/buntdb"
)

const eventIndex = "eventsts"

// BuntPublisher writes the events into a buntdb file (or memory with ":memory:"), keyed by queue and dedup key.
// A batch is written in one buntdb transaction, republishing an event overwrites the earlier copy.
type BuntPublisher struct {
	db     *buntdb.DB
	router *filter.Router
}

var _ Publisher = (*BuntPublisher)(nil)

func NewBuntPublisher(path string, router *filter.Router) (*BuntPublisher, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	err = db.CreateIndex(eventIndex, "event:*", buntdb.IndexJSON("created_at"))
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BuntPublisher{db: db, router: router}, nil
}

func eventKey(queue, dedupKey string) string {
	return "event:" + queue + ":" + dedupKey
}

func (p *BuntPublisher) Publish(_ context.Context, events []*types.OutboxEvent) error {
	err := p.db.Update(func(tx *buntdb.Tx) error {
		for _, ev := range events {
			msg, err := json.Marshal(NewMessage(ev))
			if err != nil {
				return err
			}
			_, _, err = tx.Set(eventKey(p.router.Queue(ev), ev.DedupKey), string(msg), nil)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &types.PublishError{Count: len(events), Err: err}
	}
	return nil
}

// Messages returns the messages of a queue, oldest first.
func (p *BuntPublisher) Messages(queue string) ([]*Message, error) {
	prefix := eventKey(queue, "")
	res := make([]*Message, 0)
	var decodeErr error
	err := p.db.View(func(tx *buntdb.Tx) error {
		err := tx.Ascend(eventIndex, func(key, val string) bool {
			if !strings.HasPrefix(key, prefix) {
				return true
			}
			msg := &Message{}
			if decodeErr = json.Unmarshal([]byte(val), msg); decodeErr != nil {
				return false
			}
			res = append(res, msg)
			return true
		})
		if err != nil {
			return err
		}
		return decodeErr
	})
	return res, err
}

func (p *BuntPublisher) Close() error {
	return p.db.Close()
}
