package jobs

import (
	"context"
	"time"
)

// WorkItem is one entry of the work queue.
type WorkItem struct {
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	// Recovered marks an item that was dequeued by a worker which never
	// acknowledged it. Its job may be stuck in PROGRESS.
	Recovered  bool      `json:"recovered,omitempty"`

	raw string
}

// Queue hands job ids to workers in FIFO order. Dequeued items stay in a
// processing area until acknowledged, so a crash never loses them.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	// Dequeue blocks until an item is available or ctx ends.
	Dequeue(ctx context.Context) (*WorkItem, error)
	Ack(ctx context.Context, item *WorkItem) error
	Len(ctx context.Context) (int64, error)
	// Recover moves unacknowledged items back onto the queue, marked as
	// Recovered. Called once before workers start.
	Recover(ctx context.Context) (int, error)
}
