package jobs

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"reading-assessment/internal/common/errors"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queueBackends() map[string]func(t *testing.T) Queue {
	return map[string]func(t *testing.T) Queue{
		"memory": func(t *testing.T) Queue { return NewMemoryQueue() },
		"redis": func(t *testing.T) Queue {
			client, _ := newRedisClient(t)
			return NewRedisQueue(client, 50*time.Millisecond)
		},
	}
}

func TestQueue_FIFO(t *testing.T) {
	for name, newQueue := range queueBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := newQueue(t)

			for _, id := range []string{"a", "b", "c"} {
				require.NoError(t, q.Enqueue(ctx, id))
			}
			n, err := q.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)

			var got []string
			for i := 0; i < 3; i++ {
				item, err := q.Dequeue(ctx)
				require.NoError(t, err)
				got = append(got, item.JobID)
				require.NoError(t, q.Ack(ctx, item))
			}
			assert.Equal(t, []string{"a", "b", "c"}, got)

			n, err = q.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), n)
		})
	}
}

func TestQueue_DequeueHonoursContext(t *testing.T) {
	for name, newQueue := range queueBackends() {
		t.Run(name, func(t *testing.T) {
			q := newQueue(t)
			ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
			defer cancel()

			item, err := q.Dequeue(ctx)
			assert.Nil(t, item)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		})
	}
}

func TestQueue_DequeueWakesOnEnqueue(t *testing.T) {
	for name, newQueue := range queueBackends() {
		t.Run(name, func(t *testing.T) {
			q := newQueue(t)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			done := make(chan *WorkItem, 1)
			go func() {
				item, err := q.Dequeue(ctx)
				assert.NoError(t, err)
				done <- item
			}()

			time.Sleep(20 * time.Millisecond)
			require.NoError(t, q.Enqueue(ctx, "late"))

			select {
			case item := <-done:
				require.NotNil(t, item)
				assert.Equal(t, "late", item.JobID)
			case <-ctx.Done():
				t.Fatal("dequeue did not wake up")
			}
		})
	}
}

func TestQueue_EachItemClaimedOnce(t *testing.T) {
	for name, newQueue := range queueBackends() {
		t.Run(name, func(t *testing.T) {
			q := newQueue(t)
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			const items = 20
			for i := 0; i < items; i++ {
				require.NoError(t, q.Enqueue(ctx, string(rune('a'+i))))
			}

			var mu sync.Mutex
			seen := make(map[string]int)
			var wg sync.WaitGroup
			for w := 0; w < 4; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						mu.Lock()
						total := 0
						for _, c := range seen {
							total += c
						}
						mu.Unlock()
						if total >= items {
							return
						}

						dctx, dcancel := context.WithTimeout(ctx, 200*time.Millisecond)
						item, err := q.Dequeue(dctx)
						dcancel()
						if err != nil {
							return
						}
						mu.Lock()
						seen[item.JobID]++
						mu.Unlock()
						_ = q.Ack(ctx, item)
					}
				}()
			}
			wg.Wait()

			assert.Len(t, seen, items)
			for id, c := range seen {
				assert.Equal(t, 1, c, "item %s claimed %d times", id, c)
			}
		})
	}
}

func TestQueue_RecoverRequeuesUnacked(t *testing.T) {
	for name, newQueue := range queueBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := newQueue(t)

			require.NoError(t, q.Enqueue(ctx, "a"))
			require.NoError(t, q.Enqueue(ctx, "b"))
			require.NoError(t, q.Enqueue(ctx, "c"))

			first, err := q.Dequeue(ctx)
			require.NoError(t, err)
			second, err := q.Dequeue(ctx)
			require.NoError(t, err)
			require.NoError(t, q.Ack(ctx, second))

			n, err := q.Recover(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			again, err := q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Equal(t, first.JobID, again.JobID)
			assert.True(t, again.Recovered)

			last, err := q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Equal(t, "c", last.JobID)
			assert.False(t, last.Recovered)

			// Recovered items ack like any other.
			require.NoError(t, q.Ack(ctx, again))
			require.NoError(t, q.Ack(ctx, last))
			n, err = q.Recover(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestRedisQueue_BackendErrors(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	q := NewRedisQueue(db, time.Second)

	mock.ExpectLLen("assessment:queue").SetErr(stderrors.New("connection refused"))
	_, err := q.Len(ctx)
	assert.ErrorIs(t, err, errors.ErrStoreUnavailable)

	mock.ExpectLRange("assessment:queue:processing", 0, -1).SetErr(stderrors.New("readonly"))
	_, err = q.Recover(ctx)
	assert.ErrorIs(t, err, errors.ErrStoreUnavailable)

	assert.NoError(t, mock.ExpectationsWereMet())
}
