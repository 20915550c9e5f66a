package jobs

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"reading-assessment/internal/common/errors"
	"reading-assessment/internal/common/logger"
	"reading-assessment/internal/common/metrics"
	"reading-assessment/internal/models"

	"golang.org/x/sync/errgroup"
)

// Tracker is the worker's view of its own job.
type Tracker interface {
	Report(ctx context.Context, stage string, percent int) error
	// Checkpoint returns ErrJobFinished once the job was cancelled or timed
	// out.
	Checkpoint(ctx context.Context) error
	BeginAttempt(ctx context.Context) error
}

// Handler runs the unit of work for one job. It never changes job state
// itself; the pool completes or fails the job from its return value.
type Handler interface {
	Handle(ctx context.Context, job *models.Job, audio []byte, tracker Tracker) (*models.AssessmentResult, error)
}

type PoolConfig struct {
	Workers        int
	ReaperInterval time.Duration
}

// Pool runs a fixed number of workers against the queue plus the timeout
// reaper.
type Pool struct {
	orch    *Orchestrator
	queue   Queue
	handler Handler
	cfg     PoolConfig
	logger  logger.Logger
}

func NewPool(orch *Orchestrator, queue Queue, handler Handler, cfg PoolConfig, log logger.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 2
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = 5 * time.Second
	}
	return &Pool{
		orch:    orch,
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		logger:  log.WithFields(map[string]interface{}{"component": "pool"}),
	}
}

// Run blocks until ctx is cancelled. Jobs in flight at that moment run to
// completion before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	if n, err := p.queue.Recover(ctx); err != nil {
		p.logger.Warn("queue recovery failed", map[string]interface{}{"error": err.Error()})
	} else if n > 0 {
		p.logger.Info("requeued unacknowledged work", map[string]interface{}{"count": n})
	}

	p.logger.Info("starting worker pool", map[string]interface{}{
		"workers":        p.cfg.Workers,
		"reaperInterval": p.cfg.ReaperInterval.String(),
	})

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			p.work(gctx, id)
			return nil
		})
	}
	g.Go(func() error {
		p.reap(gctx)
		return nil
	})

	err := g.Wait()
	p.logger.Info("worker pool stopped", nil)
	return err
}

func (p *Pool) work(ctx context.Context, id int) {
	log := p.logger.WithFields(map[string]interface{}{"worker": id})
	for {
		item, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("dequeue failed", map[string]interface{}{"error": err.Error()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		p.process(ctx, log, item)
	}
}

func (p *Pool) process(ctx context.Context, log logger.Logger, item *WorkItem) {
	// Shutdown must not abort a job half way.
	jobCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := p.queue.Ack(jobCtx, item); err != nil {
			log.Warn("ack failed", map[string]interface{}{"jobId": item.JobID, "error": err.Error()})
		}
	}()

	claim := p.orch.Claim
	if item.Recovered {
		claim = p.orch.Reclaim
	}
	job, err := claim(jobCtx, item.JobID)
	switch {
	case err == nil:
	case stderrors.Is(err, ErrJobFinished):
		log.Debug("skipping finished job", map[string]interface{}{"jobId": item.JobID})
		return
	case stderrors.Is(err, ErrAlreadyClaimed):
		log.Warn("job already claimed", map[string]interface{}{"jobId": item.JobID})
		return
	case stderrors.Is(err, errors.ErrJobNotFound):
		log.Warn("queued job no longer exists", map[string]interface{}{"jobId": item.JobID})
		return
	default:
		log.Error("claim failed, requeueing", map[string]interface{}{"jobId": item.JobID, "error": err.Error()})
		if qerr := p.queue.Enqueue(jobCtx, item.JobID); qerr != nil {
			log.Error("requeue failed", map[string]interface{}{"jobId": item.JobID, "error": qerr.Error()})
		}
		return
	}

	metrics.JobsActive.Inc()
	defer metrics.JobsActive.Dec()

	log = log.WithFields(map[string]interface{}{"jobId": job.ID})
	log.Info("processing job", map[string]interface{}{"model": job.Model, "filename": job.Filename})

	if job.Timeout() > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, job.Timeout())
		defer cancel()
	}

	result, err := p.run(jobCtx, job)
	// Terminal writes must land even after the job deadline.
	finishCtx := context.WithoutCancel(jobCtx)
	switch {
	case err == nil:
		if _, err := p.orch.Complete(finishCtx, job.ID, result); err != nil {
			log.Warn("completion rejected", map[string]interface{}{"error": err.Error()})
			return
		}
		log.Info("job completed", map[string]interface{}{"accuracy": result.Accuracy})
	case stderrors.Is(err, ErrJobFinished):
		log.Info("job abandoned at checkpoint", nil)
	default:
		if stderrors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			err = errors.NewTimeoutError(job.ID, job.Timeout())
		}
		if _, ferr := p.orch.Fail(finishCtx, job.ID, err); ferr != nil {
			log.Warn("failure rejected", map[string]interface{}{"error": ferr.Error()})
			return
		}
		log.Warn("job failed", map[string]interface{}{"error": err.Error()})
	}
}

// run loads the audio and calls the handler, converting a panic into an
// error so one bad job never takes the worker down.
func (p *Pool) run(ctx context.Context, job *models.Job) (result *models.AssessmentResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewInternalError(fmt.Errorf("worker panic: %v", r))
		}
	}()

	audio, err := p.orch.LoadAudio(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	return p.handler.Handle(ctx, job, audio, &jobTracker{orch: p.orch, jobID: job.ID})
}

func (p *Pool) reap(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.orch.ReapExpired(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("reaper pass failed", map[string]interface{}{"error": err.Error()})
			}
			if _, err := p.orch.Stats(ctx); err != nil && ctx.Err() == nil {
				p.logger.Debug("queue stats unavailable", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

type jobTracker struct {
	orch  *Orchestrator
	jobID string
}

func (t *jobTracker) Report(ctx context.Context, stage string, percent int) error {
	_, err := t.orch.ReportProgress(ctx, t.jobID, stage, percent)
	return err
}

func (t *jobTracker) Checkpoint(ctx context.Context) error {
	return t.orch.Checkpoint(ctx, t.jobID)
}

func (t *jobTracker) BeginAttempt(ctx context.Context) error {
	_, err := t.orch.BeginAttempt(ctx, t.jobID)
	return err
}

// NopTracker serves callers without a job record, such as the synchronous
// endpoint.
type NopTracker struct{}

func (NopTracker) Report(context.Context, string, int) error { return nil }
func (NopTracker) Checkpoint(context.Context) error          { return nil }
func (NopTracker) BeginAttempt(context.Context) error        { return nil }
