package jobs

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reading-assessment/internal/common/errors"
	"reading-assessment/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func storeBackends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore(time.Hour) },
		"redis": func(t *testing.T) Store {
			client, _ := newRedisClient(t)
			return NewRedisStore(client, time.Hour)
		},
	}
}

func pendingJob(id string) *models.Job {
	return &models.Job{
		ID:           id,
		State:        models.JobPending,
		ExpectedText: "the quick brown fox",
		ExpectedWPM:  100,
		Model:        "base",
		CreatedAt:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

// ==========================
// Store Contract Tests
// ==========================

func TestStore_CreateAndGet(t *testing.T) {
	for name, newStore := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			require.NoError(t, s.Create(ctx, pendingJob("job-1")))

			got, err := s.Get(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, models.JobPending, got.State)
			assert.Equal(t, "the quick brown fox", got.ExpectedText)
			assert.Equal(t, int64(0), got.Revision)

			err = s.Create(ctx, pendingJob("job-1"))
			assert.ErrorIs(t, err, errors.ErrInvalidInput)

			_, err = s.Get(ctx, "missing")
			assert.ErrorIs(t, err, errors.ErrJobNotFound)
		})
	}
}

func TestStore_CompareAndSwapRejectsStaleRevision(t *testing.T) {
	for name, newStore := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			require.NoError(t, s.Create(ctx, pendingJob("job-1")))

			cur, err := s.Get(ctx, "job-1")
			require.NoError(t, err)

			first := cur.Clone()
			first.State = models.JobProgress
			ok, err := s.CompareAndSwap(ctx, "job-1", cur.Revision, first)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, int64(1), first.Revision)

			stale := cur.Clone()
			stale.State = models.JobRevoked
			ok, err = s.CompareAndSwap(ctx, "job-1", cur.Revision, stale)
			require.NoError(t, err)
			assert.False(t, ok)

			got, err := s.Get(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, models.JobProgress, got.State)
			assert.Equal(t, int64(1), got.Revision)

			_, err = s.CompareAndSwap(ctx, "missing", 0, stale)
			assert.ErrorIs(t, err, errors.ErrJobNotFound)
		})
	}
}

func TestStore_ListActiveAndStats(t *testing.T) {
	for name, newStore := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			for i, id := range []string{"c", "b", "a"} {
				job := pendingJob(id)
				job.CreatedAt = job.CreatedAt.Add(-time.Duration(i) * time.Second)
				require.NoError(t, s.Create(ctx, job))
			}

			_, err := Update(ctx, s, "b", func(j *models.Job) error {
				j.State = models.JobSuccess
				return nil
			})
			require.NoError(t, err)

			active, err := s.ListActive(ctx)
			require.NoError(t, err)
			ids := make([]string, len(active))
			for i, j := range active {
				ids[i] = j.ID
			}
			assert.Equal(t, []string{"a", "c"}, ids)

			stats, err := s.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(2), stats[models.JobPending])
			assert.Equal(t, int64(1), stats[models.JobSuccess])
			assert.Equal(t, int64(0), stats[models.JobRevoked])
		})
	}
}

func TestStore_Batches(t *testing.T) {
	for name, newStore := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			batch := &models.Batch{
				ID:        "batch-1",
				JobIDs:    []string{"a", "b"},
				Items:     []models.BatchItem{{Filename: "a.wav", JobID: "a"}, {Filename: "b.txt", Error: "bad"}, {Filename: "c.wav", JobID: "b"}},
				CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			}
			require.NoError(t, s.CreateBatch(ctx, batch))

			got, err := s.GetBatch(ctx, "batch-1")
			require.NoError(t, err)
			assert.Equal(t, batch.JobIDs, got.JobIDs)
			assert.Equal(t, batch.Items, got.Items)

			_, err = s.GetBatch(ctx, "nope")
			assert.ErrorIs(t, err, errors.ErrBatchNotFound)
		})
	}
}

func TestStore_Audio(t *testing.T) {
	for name, newStore := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			require.NoError(t, s.SaveAudio(ctx, "job-1", []byte("RIFF")))
			data, err := s.LoadAudio(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, []byte("RIFF"), data)

			require.NoError(t, s.DeleteAudio(ctx, "job-1"))
			_, err = s.LoadAudio(ctx, "job-1")
			assert.ErrorIs(t, err, errors.ErrJobNotFound)
		})
	}
}

func TestUpdate_ConcurrentWritersAllLand(t *testing.T) {
	for name, newStore := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			require.NoError(t, s.Create(ctx, pendingJob("job-1")))

			const writers = 8
			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := Update(ctx, s, "job-1", func(j *models.Job) error {
						j.Attempts++
						return nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			got, err := s.Get(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, writers, got.Attempts)
			assert.Equal(t, int64(writers), got.Revision)
		})
	}
}

func TestUpdate_NoChangeAndErrors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	require.NoError(t, s.Create(ctx, pendingJob("job-1")))

	job, err := Update(ctx, s, "job-1", func(j *models.Job) error { return errNoChange })
	require.NoError(t, err)
	assert.Equal(t, int64(0), job.Revision)

	boom := stderrors.New("boom")
	job, err = Update(ctx, s, "job-1", func(j *models.Job) error { return boom })
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, job)
	assert.Equal(t, models.JobPending, job.State)
}

// ==========================
// Memory Store Tests
// ==========================

func TestMemoryStore_PruneExpiredResults(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	for _, id := range []string{"old", "fresh", "running"} {
		require.NoError(t, s.Create(ctx, pendingJob(id)))
	}
	finish := func(id string, at time.Time) {
		_, err := Update(ctx, s, id, func(j *models.Job) error {
			j.State = models.JobSuccess
			j.FinishedAt = &at
			return nil
		})
		require.NoError(t, err)
	}
	finish("old", base.Add(-2*time.Hour))
	finish("fresh", base.Add(-10*time.Minute))
	require.NoError(t, s.CreateBatch(ctx, &models.Batch{ID: "b1", JobIDs: []string{"old"}, CreatedAt: base.Add(-3 * time.Hour)}))

	removed, err := s.Prune(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, errors.ErrJobNotFound)
	_, err = s.Get(ctx, "fresh")
	assert.NoError(t, err)
	_, err = s.Get(ctx, "running")
	assert.NoError(t, err)
	_, err = s.GetBatch(ctx, "b1")
	assert.ErrorIs(t, err, errors.ErrBatchNotFound)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats[models.JobSuccess], "terminal totals survive pruning")
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	require.NoError(t, s.Create(ctx, pendingJob("job-1")))

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	got.State = models.JobFailure
	got.Progress = &models.Progress{Stage: "tampered"}

	again, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, again.State)
	assert.Nil(t, again.Progress)
}

// ==========================
// Redis Store Tests
// ==========================

func TestRedisStore_TerminalJobsExpire(t *testing.T) {
	ctx := context.Background()
	client, mr := newRedisClient(t)
	s := NewRedisStore(client, time.Minute)

	require.NoError(t, s.Create(ctx, pendingJob("job-1")))
	assert.True(t, mr.Exists("assessment:job:job-1"))
	isMember, err := mr.SIsMember("assessment:jobs:active", "job-1")
	require.NoError(t, err)
	assert.True(t, isMember)

	_, err = Update(ctx, s, "job-1", func(j *models.Job) error {
		j.State = models.JobRevoked
		return nil
	})
	require.NoError(t, err)

	// Removing the last member deletes the set itself.
	assert.False(t, mr.Exists("assessment:jobs:active"), "terminal job leaves the active set")
	assert.Equal(t, time.Minute, mr.TTL("assessment:job:job-1"))

	mr.FastForward(2 * time.Minute)
	_, err = s.Get(ctx, "job-1")
	assert.ErrorIs(t, err, errors.ErrJobNotFound)
}

func TestRedisStore_CompareAndSwapUnderContention(t *testing.T) {
	ctx := context.Background()
	client, _ := newRedisClient(t)
	s := NewRedisStore(client, time.Hour)
	require.NoError(t, s.Create(ctx, pendingJob("job-1")))

	cur, err := s.Get(ctx, "job-1")
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for _, state := range []models.JobState{models.JobSuccess, models.JobRevoked, models.JobFailure} {
		wg.Add(1)
		go func(state models.JobState) {
			defer wg.Done()
			next := cur.Clone()
			next.State = state
			ok, err := s.CompareAndSwap(ctx, "job-1", cur.Revision, next)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}(state)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Revision)
	assert.True(t, got.State.IsTerminal())
}

func TestRedisStore_BackendErrors(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	s := NewRedisStore(db, time.Hour)

	mock.ExpectGet("assessment:job:job-1").SetErr(stderrors.New("connection reset"))
	_, err := s.Get(ctx, "job-1")
	assert.ErrorIs(t, err, errors.ErrStoreUnavailable)
	assert.True(t, errors.IsRetryable(err))

	mock.ExpectSMembers("assessment:jobs:active").SetErr(stderrors.New("timeout"))
	_, err = s.ListActive(ctx)
	assert.ErrorIs(t, err, errors.ErrStoreUnavailable)

	mock.ExpectHGetAll("assessment:jobs:stats").SetErr(stderrors.New("timeout"))
	_, err = s.Stats(ctx)
	assert.ErrorIs(t, err, errors.ErrStoreUnavailable)

	mock.ExpectGet("assessment:audio:job-1").RedisNil()
	_, err = s.LoadAudio(ctx, "job-1")
	assert.ErrorIs(t, err, errors.ErrJobNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}
