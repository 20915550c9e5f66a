package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"reading-assessment/internal/common/errors"
	"reading-assessment/internal/models"
)

// MemoryStore keeps everything in process. Suitable for a single replica
// and for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*models.Job
	batches map[string]*models.Batch
	audio   map[string][]byte
	// counts follow transitions, so terminal totals survive Prune.
	counts  map[models.JobState]int64
	ttl     time.Duration
}

func NewMemoryStore(resultTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*models.Job),
		batches: make(map[string]*models.Batch),
		audio:   make(map[string][]byte),
		counts:  emptyStats(),
		ttl:     resultTTL,
	}
}

func (s *MemoryStore) Create(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return errors.NewInvalidInputErrorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	s.counts[job.State]++
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.NewJobNotFoundError(id)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, id string, expectedRevision int64, next *models.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[id]
	if !ok {
		return false, errors.NewJobNotFoundError(id)
	}
	if cur.Revision != expectedRevision {
		return false, nil
	}
	next.Revision = expectedRevision + 1
	if cur.State != next.State {
		s.counts[cur.State]--
		s.counts[next.State]++
	}
	s.jobs[id] = next.Clone()
	return true, nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Job, 0)
	for _, job := range s.jobs {
		if !job.State.IsTerminal() {
			out = append(out, job.Clone())
		}
	}
	sortJobs(out)
	return out, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (map[models.JobState]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[models.JobState]int64, len(s.counts))
	for state, n := range s.counts {
		stats[state] = n
	}
	return stats, nil
}

func (s *MemoryStore) CreateBatch(ctx context.Context, batch *models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *batch
	cp.JobIDs = append([]string(nil), batch.JobIDs...)
	cp.Items = append([]models.BatchItem(nil), batch.Items...)
	s.batches[batch.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, ok := s.batches[id]
	if !ok {
		return nil, errors.NewBatchNotFoundError(id)
	}
	cp := *batch
	cp.JobIDs = append([]string(nil), batch.JobIDs...)
	cp.Items = append([]models.BatchItem(nil), batch.Items...)
	return &cp, nil
}

func (s *MemoryStore) SaveAudio(ctx context.Context, jobID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio[jobID] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) LoadAudio(ctx context.Context, jobID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.audio[jobID]
	if !ok {
		return nil, errors.NewJobNotFoundError(jobID)
	}
	return data, nil
}

func (s *MemoryStore) DeleteAudio(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.audio, jobID)
	return nil
}

// Prune removes terminal jobs finished more than the result TTL ago, and
// batches whose jobs are all gone.
func (s *MemoryStore) Prune(ctx context.Context, now time.Time) (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, job := range s.jobs {
		if !job.State.IsTerminal() || job.FinishedAt == nil {
			continue
		}
		if now.Sub(*job.FinishedAt) >= s.ttl {
			delete(s.jobs, id)
			delete(s.audio, id)
			removed++
		}
	}

	for id, batch := range s.batches {
		alive := false
		for _, jobID := range batch.JobIDs {
			if _, ok := s.jobs[jobID]; ok {
				alive = true
				break
			}
		}
		if !alive && now.Sub(batch.CreatedAt) >= s.ttl {
			delete(s.batches, id)
		}
	}
	return removed, nil
}

func emptyStats() map[models.JobState]int64 {
	return map[models.JobState]int64{
		models.JobPending:  0,
		models.JobProgress: 0,
		models.JobSuccess:  0,
		models.JobFailure:  0,
		models.JobRevoked:  0,
	}
}

func sortJobs(jobs []*models.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
