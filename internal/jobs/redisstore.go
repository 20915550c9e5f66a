package jobs

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"reading-assessment/internal/common/errors"
	"reading-assessment/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "assessment"
	// Uploaded audio left behind by a crashed replica expires on its own.
	audioTTL = 24 * time.Hour
)

// RedisStore shares job state between replicas. Each job is a JSON string
// key; mutations are optimistic transactions guarded by WATCH.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, resultTTL time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: defaultKeyPrefix, ttl: resultTTL}
}

func (s *RedisStore) jobKey(id string) string   { return fmt.Sprintf("%s:job:%s", s.prefix, id) }
func (s *RedisStore) audioKey(id string) string { return fmt.Sprintf("%s:audio:%s", s.prefix, id) }
func (s *RedisStore) batchKey(id string) string { return fmt.Sprintf("%s:batch:%s", s.prefix, id) }
func (s *RedisStore) activeKey() string         { return s.prefix + ":jobs:active" }
func (s *RedisStore) statsKey() string          { return s.prefix + ":jobs:stats" }

func (s *RedisStore) Create(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return errors.NewInternalError(fmt.Errorf("marshal job: %w", err))
	}

	created, err := s.client.SetNX(ctx, s.jobKey(job.ID), data, 0).Result()
	if err != nil {
		return errors.NewStoreUnavailableError("create job", err)
	}
	if !created {
		return errors.NewInvalidInputErrorf("job %s already exists", job.ID)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.activeKey(), job.ID)
		pipe.HIncrBy(ctx, s.statsKey(), string(job.State), 1)
		return nil
	})
	if err != nil {
		return errors.NewStoreUnavailableError("index job", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.Job, error) {
	data, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, errors.NewJobNotFoundError(id)
	}
	if err != nil {
		return nil, errors.NewStoreUnavailableError("get job", err)
	}
	return decodeJob(data)
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, id string, expectedRevision int64, next *models.Job) (bool, error) {
	key := s.jobKey(id)
	swapped := false

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if stderrors.Is(err, redis.Nil) {
			return errors.NewJobNotFoundError(id)
		}
		if err != nil {
			return err
		}
		cur, err := decodeJob(data)
		if err != nil {
			return err
		}
		if cur.Revision != expectedRevision {
			return nil
		}

		candidate := next.Clone()
		candidate.Revision = expectedRevision + 1
		payload, err := json.Marshal(candidate)
		if err != nil {
			return errors.NewInternalError(fmt.Errorf("marshal job: %w", err))
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if candidate.State.IsTerminal() {
				pipe.Set(ctx, key, payload, s.ttl)
				pipe.SRem(ctx, s.activeKey(), id)
			} else {
				pipe.Set(ctx, key, payload, 0)
			}
			if cur.State != candidate.State {
				pipe.HIncrBy(ctx, s.statsKey(), string(cur.State), -1)
				pipe.HIncrBy(ctx, s.statsKey(), string(candidate.State), 1)
			}
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	switch {
	case stderrors.Is(err, redis.TxFailedErr):
		return false, nil
	case err != nil:
		var stdErr *errors.StandardError
		if stderrors.As(err, &stdErr) {
			return false, stdErr
		}
		return false, errors.NewStoreUnavailableError("update job", err)
	}
	if swapped {
		next.Revision = expectedRevision + 1
	}
	return swapped, nil
}

func (s *RedisStore) ListActive(ctx context.Context) ([]*models.Job, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, errors.NewStoreUnavailableError("list active jobs", err)
	}
	out := make([]*models.Job, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.NewStoreUnavailableError("load active jobs", err)
	}

	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		job, err := decodeJob([]byte(raw))
		if err != nil {
			return nil, err
		}
		if !job.State.IsTerminal() {
			out = append(out, job)
		}
	}
	sortJobs(out)
	return out, nil
}

func (s *RedisStore) Stats(ctx context.Context) (map[models.JobState]int64, error) {
	raw, err := s.client.HGetAll(ctx, s.statsKey()).Result()
	if err != nil {
		return nil, errors.NewStoreUnavailableError("job stats", err)
	}
	stats := emptyStats()
	for state, v := range raw {
		var n int64
		if _, err := fmt.Sscan(v, &n); err == nil {
			stats[models.JobState(state)] = n
		}
	}
	return stats, nil
}

func (s *RedisStore) CreateBatch(ctx context.Context, batch *models.Batch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return errors.NewInternalError(fmt.Errorf("marshal batch: %w", err))
	}
	// A batch stays readable at least as long as its results.
	ttl := time.Duration(0)
	if s.ttl > 0 {
		ttl = 2 * s.ttl
	}
	if err := s.client.Set(ctx, s.batchKey(batch.ID), data, ttl).Err(); err != nil {
		return errors.NewStoreUnavailableError("create batch", err)
	}
	return nil
}

func (s *RedisStore) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	data, err := s.client.Get(ctx, s.batchKey(id)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, errors.NewBatchNotFoundError(id)
	}
	if err != nil {
		return nil, errors.NewStoreUnavailableError("get batch", err)
	}
	var batch models.Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, errors.NewInternalError(fmt.Errorf("decode batch %s: %w", id, err))
	}
	return &batch, nil
}

func (s *RedisStore) SaveAudio(ctx context.Context, jobID string, data []byte) error {
	if err := s.client.Set(ctx, s.audioKey(jobID), data, audioTTL).Err(); err != nil {
		return errors.NewStoreUnavailableError("save audio", err)
	}
	return nil
}

func (s *RedisStore) LoadAudio(ctx context.Context, jobID string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.audioKey(jobID)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, errors.NewJobNotFoundError(jobID)
	}
	if err != nil {
		return nil, errors.NewStoreUnavailableError("load audio", err)
	}
	return data, nil
}

func (s *RedisStore) DeleteAudio(ctx context.Context, jobID string) error {
	if err := s.client.Del(ctx, s.audioKey(jobID)).Err(); err != nil {
		return errors.NewStoreUnavailableError("delete audio", err)
	}
	return nil
}

// Prune is a no-op: terminal jobs carry a key expiry.
func (s *RedisStore) Prune(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func decodeJob(data []byte) (*models.Job, error) {
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, errors.NewInternalError(fmt.Errorf("decode job: %w", err))
	}
	return &job, nil
}
