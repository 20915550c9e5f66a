// Package jobs owns the asynchronous assessment life cycle: the job store,
// the work queue, the orchestrator that performs every state transition,
// and the worker pool that drains the queue.
package jobs

import (
	"context"
	stderrors "errors"
	"time"

	"reading-assessment/internal/common/errors"
	"reading-assessment/internal/models"
)

// ErrJobFinished is returned to a worker whose job reached a terminal state
// underneath it (cancelled, timed out). The worker must stop.
var ErrJobFinished = stderrors.New("job already finished")

// ErrAlreadyClaimed is returned when a second worker tries to claim a job
// that is already running.
var ErrAlreadyClaimed = stderrors.New("job already claimed by another worker")

// errNoChange lets an update function leave the record untouched.
var errNoChange = stderrors.New("no change")

// Store persists jobs, batches and uploaded audio. All job mutations go
// through CompareAndSwap so concurrent writers resolve deterministically.
type Store interface {
	Create(ctx context.Context, job *models.Job) error
	// Get returns a JOB_NOT_FOUND StandardError for unknown ids.
	Get(ctx context.Context, id string) (*models.Job, error)
	// CompareAndSwap replaces the job only if its stored revision still equals
	// expectedRevision. On success next.Revision is expectedRevision+1.
	CompareAndSwap(ctx context.Context, id string, expectedRevision int64, next *models.Job) (bool, error)
	ListActive(ctx context.Context) ([]*models.Job, error)
	Stats(ctx context.Context) (map[models.JobState]int64, error)

	CreateBatch(ctx context.Context, batch *models.Batch) error
	GetBatch(ctx context.Context, id string) (*models.Batch, error)

	SaveAudio(ctx context.Context, jobID string, data []byte) error
	LoadAudio(ctx context.Context, jobID string) ([]byte, error)
	DeleteAudio(ctx context.Context, jobID string) error

	// Prune drops terminal jobs whose retention expired. Stores with native
	// expiry return 0.
	Prune(ctx context.Context, now time.Time) (int, error)
}

const maxCASAttempts = 32

// Update applies fn to a fresh copy of the job and stores it with
// compare-and-set, retrying on concurrent modification. fn returning
// errNoChange yields the current job without writing.
func Update(ctx context.Context, s Store, id string, fn func(*models.Job) error) (*models.Job, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		next := cur.Clone()
		if err := fn(next); err != nil {
			if stderrors.Is(err, errNoChange) {
				return cur, nil
			}
			return cur, err
		}

		ok, err := s.CompareAndSwap(ctx, id, cur.Revision, next)
		if err != nil {
			return nil, err
		}
		if ok {
			return next, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, errors.NewStoreUnavailableError("update", stderrors.New("too much contention on job "+id))
}
