package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reading-assessment/internal/common/errors"
	"reading-assessment/internal/common/logger"
	"reading-assessment/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFunc func(ctx context.Context, job *models.Job, audio []byte, tracker Tracker) (*models.AssessmentResult, error)

func (f handlerFunc) Handle(ctx context.Context, job *models.Job, audio []byte, tracker Tracker) (*models.AssessmentResult, error) {
	return f(ctx, job, audio, tracker)
}

func startPool(t *testing.T, env *testEnv, h Handler, workers int) {
	t.Helper()
	pool := NewPool(env.orch, env.queue, h, PoolConfig{Workers: workers, ReaperInterval: 10 * time.Millisecond}, logger.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("pool did not stop")
		}
	})
}

func waitForState(t *testing.T, env *testEnv, id string, want models.JobState) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		j, err := env.orch.GetStatus(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.State == want
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestPool_ProcessesQueuedJobs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	var mu sync.Mutex
	running := map[string]int{}
	maxConcurrentPerJob := 0
	h := handlerFunc(func(ctx context.Context, job *models.Job, audio []byte, tracker Tracker) (*models.AssessmentResult, error) {
		mu.Lock()
		running[job.ID]++
		if running[job.ID] > maxConcurrentPerJob {
			maxConcurrentPerJob = running[job.ID]
		}
		mu.Unlock()
		defer func() {
			mu.Lock()
			running[job.ID]--
			mu.Unlock()
		}()

		if err := tracker.Report(ctx, "Transcribing audio", 30); err != nil {
			return nil, err
		}
		assert.Equal(t, []byte("RIFF0000WAVEfmt "), audio)
		return sampleResult(), nil
	})

	var ids []string
	for i := 0; i < 5; i++ {
		job, err := env.orch.Submit(ctx, submitRequest("clip.wav"))
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	startPool(t, env, h, 3)

	for _, id := range ids {
		job := waitForState(t, env, id, models.JobSuccess)
		assert.Equal(t, 100, job.Result.Accuracy)
		_, err := env.store.LoadAudio(ctx, id)
		assert.ErrorIs(t, err, errors.ErrJobNotFound, "audio removed after completion")
	}

	mu.Lock()
	assert.Equal(t, 1, maxConcurrentPerJob)
	mu.Unlock()
}

func TestPool_HandlerErrorFailsJob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	h := handlerFunc(func(context.Context, *models.Job, []byte, Tracker) (*models.AssessmentResult, error) {
		return nil, errors.NewNoSpeechError("whisper_server")
	})

	job, err := env.orch.Submit(ctx, submitRequest("silence.wav"))
	require.NoError(t, err)
	startPool(t, env, h, 1)

	failed := waitForState(t, env, job.ID, models.JobFailure)
	assert.Equal(t, string(errors.ErrCodeTranscriptionUnavailable), failed.ErrorCode)
	assert.Contains(t, failed.Error, errors.NoSpeechFragment)
}

func TestPool_RecoversHandlerPanic(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	var calls int32
	h := handlerFunc(func(context.Context, *models.Job, []byte, Tracker) (*models.AssessmentResult, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("index out of range")
		}
		return sampleResult(), nil
	})

	first, err := env.orch.Submit(ctx, submitRequest("a.wav"))
	require.NoError(t, err)
	second, err := env.orch.Submit(ctx, submitRequest("b.wav"))
	require.NoError(t, err)
	startPool(t, env, h, 1)

	failed := waitForState(t, env, first.ID, models.JobFailure)
	assert.Equal(t, string(errors.ErrCodeInternal), failed.ErrorCode)
	assert.Contains(t, failed.Error, "index out of range")

	waitForState(t, env, second.ID, models.JobSuccess)
}

func TestPool_TakesOverInterruptedJob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	job, err := env.orch.Submit(ctx, submitRequest("a.wav"))
	require.NoError(t, err)

	// A previous worker dequeued and claimed the job, then died before
	// finishing or acking.
	_, err = env.queue.Dequeue(ctx)
	require.NoError(t, err)
	claimed, err := env.orch.Claim(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, env.orch.Checkpoint(ctx, job.ID))
	_, err = env.orch.BeginAttempt(ctx, job.ID)
	require.NoError(t, err)
	env.clock.Advance(time.Minute)

	var calls int32
	h := handlerFunc(func(ctx context.Context, job *models.Job, audio []byte, tracker Tracker) (*models.AssessmentResult, error) {
		atomic.AddInt32(&calls, 1)
		if err := tracker.BeginAttempt(ctx); err != nil {
			return nil, err
		}
		return sampleResult(), nil
	})
	startPool(t, env, h, 1)

	done := waitForState(t, env, job.ID, models.JobSuccess)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 2, done.Attempts, "attempt of the dead worker is kept")
	require.NotNil(t, done.StartedAt)
	assert.True(t, done.StartedAt.After(*claimed.StartedAt), "run clock restarts on takeover")

	require.Eventually(t, func() bool {
		env.queue.mu.Lock()
		defer env.queue.mu.Unlock()
		return len(env.queue.inflight) == 0 && len(env.queue.items) == 0
	}, 3*time.Second, 5*time.Millisecond)
}

func TestPool_SkipsCancelledJobs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	var calls int32
	h := handlerFunc(func(context.Context, *models.Job, []byte, Tracker) (*models.AssessmentResult, error) {
		atomic.AddInt32(&calls, 1)
		return sampleResult(), nil
	})

	cancelled, err := env.orch.Submit(ctx, submitRequest("a.wav"))
	require.NoError(t, err)
	kept, err := env.orch.Submit(ctx, submitRequest("b.wav"))
	require.NoError(t, err)
	_, _, err = env.orch.Cancel(ctx, cancelled.ID)
	require.NoError(t, err)

	startPool(t, env, h, 1)
	waitForState(t, env, kept.ID, models.JobSuccess)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	job, err := env.orch.GetStatus(ctx, cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRevoked, job.State)
}

func TestPool_CancelDuringProcessing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	started := make(chan struct{})
	release := make(chan struct{})
	h := handlerFunc(func(ctx context.Context, job *models.Job, audio []byte, tracker Tracker) (*models.AssessmentResult, error) {
		close(started)
		<-release
		if err := tracker.Checkpoint(ctx); err != nil {
			return nil, err
		}
		return sampleResult(), nil
	})

	job, err := env.orch.Submit(ctx, submitRequest("a.wav"))
	require.NoError(t, err)
	startPool(t, env, h, 1)

	<-started
	_, _, err = env.orch.Cancel(ctx, job.ID)
	require.NoError(t, err)
	close(release)

	// Give the worker time to observe the checkpoint.
	require.Eventually(t, func() bool {
		n, _ := env.queue.Len(ctx)
		env.queue.mu.Lock()
		inflight := len(env.queue.inflight)
		env.queue.mu.Unlock()
		return n == 0 && inflight == 0
	}, 3*time.Second, 5*time.Millisecond)

	final, err := env.orch.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRevoked, final.State)
	assert.Nil(t, final.Result)
}

func TestPool_ReaperFailsOverdueJobs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, WithBaseTimeout(time.Minute))
	entered := make(chan struct{})
	release := make(chan struct{})
	h := handlerFunc(func(context.Context, *models.Job, []byte, Tracker) (*models.AssessmentResult, error) {
		close(entered)
		<-release
		return sampleResult(), nil
	})

	job, err := env.orch.Submit(ctx, submitRequest("long.wav"))
	require.NoError(t, err)
	startPool(t, env, h, 1)
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})

	<-entered
	env.clock.Advance(2 * time.Minute)
	failed := waitForState(t, env, job.ID, models.JobFailure)
	assert.Equal(t, string(errors.ErrCodeTimeout), failed.ErrorCode)

	close(release)
	time.Sleep(50 * time.Millisecond)
	final, err := env.orch.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailure, final.State, "late completion is ignored")
	assert.Nil(t, final.Result)
}
