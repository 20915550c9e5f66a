package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryQueue struct {
	mu       sync.Mutex
	items    []*WorkItem
	inflight map[*WorkItem]struct{}
	signal   chan struct{}
	now      func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inflight: make(map[*WorkItem]struct{}),
		signal:   make(chan struct{}, 1),
		now:      time.Now,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, jobID string) error {
	q.mu.Lock()
	q.items = append(q.items, &WorkItem{JobID: jobID, EnqueuedAt: q.now().UTC()})
	q.mu.Unlock()
	q.notify()
	return nil
}

func (q *MemoryQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*WorkItem, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.inflight[item] = struct{}{}
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				// Wake the next waiting worker.
				q.notify()
			}
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, item *WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, item)
	return nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

func (q *MemoryQueue) Recover(ctx context.Context) (int, error) {
	q.mu.Lock()
	n := len(q.inflight)
	recovered := make([]*WorkItem, 0, n)
	for item := range q.inflight {
		item.Recovered = true
		recovered = append(recovered, item)
	}
	q.inflight = make(map[*WorkItem]struct{})
	sort.Slice(recovered, func(i, j int) bool {
		return recovered[i].EnqueuedAt.Before(recovered[j].EnqueuedAt)
	})
	q.items = append(recovered, q.items...)
	q.mu.Unlock()

	if n > 0 {
		q.notify()
	}
	return n, nil
}
