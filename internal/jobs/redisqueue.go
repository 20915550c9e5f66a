package jobs

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"reading-assessment/internal/common/errors"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a reliable queue: LPUSH on enqueue, BLMOVE into a
// processing list on dequeue, LREM on ack.
type RedisQueue struct {
	client         *redis.Client
	queueKey       string
	processingKey  string
	dequeueTimeout time.Duration
	now            func() time.Time
}

func NewRedisQueue(client *redis.Client, dequeueTimeout time.Duration) *RedisQueue {
	if dequeueTimeout <= 0 {
		dequeueTimeout = 2 * time.Second
	}
	return &RedisQueue{
		client:         client,
		queueKey:       defaultKeyPrefix + ":queue",
		processingKey:  defaultKeyPrefix + ":queue:processing",
		dequeueTimeout: dequeueTimeout,
		now:            time.Now,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	data, err := json.Marshal(WorkItem{JobID: jobID, EnqueuedAt: q.now().UTC()})
	if err != nil {
		return errors.NewInternalError(fmt.Errorf("marshal work item: %w", err))
	}
	if err := q.client.LPush(ctx, q.queueKey, data).Err(); err != nil {
		return errors.NewStoreUnavailableError("enqueue", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*WorkItem, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := q.client.BLMove(ctx, q.queueKey, q.processingKey, "RIGHT", "LEFT", q.dequeueTimeout).Result()
		if stderrors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, errors.NewStoreUnavailableError("dequeue", err)
		}

		var item WorkItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			// Poison entry, drop it so it cannot block the queue.
			q.client.LRem(ctx, q.processingKey, 1, raw)
			continue
		}
		item.raw = raw
		return &item, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, item *WorkItem) error {
	if item == nil || item.raw == "" {
		return nil
	}
	if err := q.client.LRem(ctx, q.processingKey, 1, item.raw).Err(); err != nil {
		return errors.NewStoreUnavailableError("ack", err)
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.queueKey).Result()
	if err != nil {
		return 0, errors.NewStoreUnavailableError("queue length", err)
	}
	return n, nil
}

// Recover moves every processing entry back to the consuming end of the
// queue, oldest first, re-encoded with the recovered flag. The move runs in
// one MULTI so an entry is never in both lists or in neither.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	raws, err := q.client.LRange(ctx, q.processingKey, 0, -1).Result()
	if err != nil {
		return 0, errors.NewStoreUnavailableError("recover queue", err)
	}
	if len(raws) == 0 {
		return 0, nil
	}

	// The processing list holds the newest entry at the head, so pushing in
	// list order leaves the oldest entry at the consuming end.
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, raw := range raws {
			pipe.RPush(ctx, q.queueKey, markRecovered(raw))
			pipe.LRem(ctx, q.processingKey, 1, raw)
		}
		return nil
	})
	if err != nil {
		return 0, errors.NewStoreUnavailableError("recover queue", err)
	}
	return len(raws), nil
}

// markRecovered sets the recovered flag on an encoded item. Entries that
// do not decode are passed through for Dequeue to drop.
func markRecovered(raw string) string {
	var item WorkItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return raw
	}
	item.Recovered = true
	data, err := json.Marshal(item)
	if err != nil {
		return raw
	}
	return string(data)
}
