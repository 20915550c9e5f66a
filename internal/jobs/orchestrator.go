package jobs

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"reading-assessment/internal/common/errors"
	"reading-assessment/internal/common/logger"
	"reading-assessment/internal/common/metrics"
	"reading-assessment/internal/common/observability"
	"reading-assessment/internal/models"
	"reading-assessment/internal/notify"

	"github.com/google/uuid"
)

const (
	DefaultMaxBatch    = 50
	DefaultBaseTimeout = 10 * time.Minute

	// Roughly one second of 16 kHz 16-bit mono audio.
	bytesPerAudioSecond = 32000
	// Extra budget granted per second of audio.
	timeoutPerAudioSecond = 2 * time.Second

	StageQueued       = "Queued"
	StageLoadingAudio = "Loading audio"
)

// Orchestrator is the only component that changes job state. Every
// transition is a compare-and-set on the store, so concurrent callers
// (workers, cancel requests, the reaper) resolve to exactly one winner.
type Orchestrator struct {
	store     Store
	queue     Queue
	validator *SubmissionValidator
	notifier  notify.Notifier
	obs       *observability.Observability
	logger    logger.Logger

	maxBatch     int
	maxAudio     int64
	defaultModel string
	models       []string
	baseTimeout  time.Duration
	newID        func() string
	now          func() time.Time
}

type Option func(*Orchestrator)

func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

func WithObservability(obs *observability.Observability) Option {
	return func(o *Orchestrator) { o.obs = obs }
}

func WithMaxBatch(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxBatch = n
		}
	}
}

// WithMaxAudioBytes caps the size of one uploaded recording. Zero means
// unlimited.
func WithMaxAudioBytes(n int64) Option {
	return func(o *Orchestrator) { o.maxAudio = n }
}

// WithModels sets the model whitelist and the model used when a
// submission names none.
func WithModels(defaultModel string, allowed []string) Option {
	return func(o *Orchestrator) {
		o.defaultModel = defaultModel
		o.models = allowed
	}
}

func WithBaseTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.baseTimeout = d
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

func WithClock(fn func() time.Time) Option {
	return func(o *Orchestrator) { o.now = fn }
}

func NewOrchestrator(store Store, queue Queue, log logger.Logger, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		store:        store,
		queue:        queue,
		notifier:     notify.NopNotifier{},
		logger:       log.WithFields(map[string]interface{}{"component": "orchestrator"}),
		maxBatch:     DefaultMaxBatch,
		defaultModel: "base",
		models:       []string{"tiny", "base", "small", "medium", "large"},
		baseTimeout:  DefaultBaseTimeout,
		newID:        uuid.NewString,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	v, err := NewSubmissionValidator(o.models, o.maxAudio)
	if err != nil {
		return nil, fmt.Errorf("build submission validator: %w", err)
	}
	o.validator = v
	return o, nil
}

// ==========================
// Submission
// ==========================

// Submit validates req, stores the job in PENDING and enqueues it. It
// returns before any processing starts.
func (o *Orchestrator) Submit(ctx context.Context, req *models.SubmitRequest) (*models.Job, error) {
	return o.submit(ctx, req, "", "single")
}

func (o *Orchestrator) submit(ctx context.Context, in *models.SubmitRequest, batchID, source string) (*models.Job, error) {
	req := *in
	if req.Model == "" {
		req.Model = o.defaultModel
	}
	if err := o.validator.Validate(&req); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	job := &models.Job{
		ID:           o.newID(),
		State:        models.JobPending,
		Progress:     &models.Progress{Stage: StageQueued, Percent: 0},
		Filename:     req.Filename,
		ExpectedText: req.ExpectedText,
		ExpectedWPM:  req.ExpectedWPM,
		Model:        req.Model,
		ContentType:  req.ContentType,
		BatchID:      batchID,
		TimeoutMs:    o.timeoutFor(len(req.Audio)).Milliseconds(),
		CreatedAt:    now,
	}

	if err := o.store.SaveAudio(ctx, job.ID, req.Audio); err != nil {
		return nil, err
	}
	if err := o.store.Create(ctx, job); err != nil {
		_ = o.store.DeleteAudio(ctx, job.ID)
		return nil, err
	}

	if err := o.queue.Enqueue(ctx, job.ID); err != nil {
		o.logger.Error("enqueue failed, failing job", map[string]interface{}{
			"jobId": job.ID,
			"error": err.Error(),
		})
		if _, failErr := o.Fail(context.WithoutCancel(ctx), job.ID, err); failErr != nil {
			o.logger.Warn("could not fail unqueued job", map[string]interface{}{"jobId": job.ID, "error": failErr.Error()})
		}
		return nil, errors.NewStoreUnavailableError("enqueue job", err)
	}

	metrics.JobsSubmitted.WithLabelValues(source).Inc()
	o.logger.Info("job submitted", map[string]interface{}{
		"jobId":    job.ID,
		"batchId":  batchID,
		"filename": job.Filename,
		"model":    job.Model,
		"bytes":    len(req.Audio),
	})
	return job, nil
}

// timeoutFor grows the base budget with the audio length.
func (o *Orchestrator) timeoutFor(audioBytes int) time.Duration {
	seconds := audioBytes / bytesPerAudioSecond
	return o.baseTimeout + time.Duration(seconds)*timeoutPerAudioSecond
}

// SubmitBatch submits every item independently. An item that fails
// validation gets an error entry instead of a job id; the batch is only
// rejected as a whole when it is empty or larger than the limit. If the
// batch record cannot be stored, the jobs already created are failed so
// none of them runs without a batch the client can see.
func (o *Orchestrator) SubmitBatch(ctx context.Context, reqs []*models.SubmitRequest) (*models.Batch, error) {
	if len(reqs) == 0 {
		return nil, errors.NewInvalidInputError("batch contains no files")
	}
	if len(reqs) > o.maxBatch {
		return nil, errors.NewBatchTooLargeError(len(reqs), o.maxBatch)
	}

	batch := &models.Batch{
		ID:        o.newID(),
		JobIDs:    make([]string, 0, len(reqs)),
		Items:     make([]models.BatchItem, 0, len(reqs)),
		CreatedAt: o.now().UTC(),
	}

	for _, req := range reqs {
		item := models.BatchItem{Filename: req.Filename}
		job, err := o.submit(ctx, req, batch.ID, "batch")
		if err != nil {
			item.Error = errors.Normalize(err).Error()
			o.logger.Warn("batch item rejected", map[string]interface{}{
				"batchId":  batch.ID,
				"filename": req.Filename,
				"error":    err.Error(),
			})
		} else {
			item.JobID = job.ID
			batch.JobIDs = append(batch.JobIDs, job.ID)
		}
		batch.Items = append(batch.Items, item)
	}

	if err := o.store.CreateBatch(ctx, batch); err != nil {
		o.logger.Error("batch record not stored, failing its jobs", map[string]interface{}{
			"batchId": batch.ID,
			"jobs":    len(batch.JobIDs),
			"error":   err.Error(),
		})
		o.abandonBatch(context.WithoutCancel(ctx), batch, err)
		return nil, err
	}
	o.logger.Info("batch submitted", map[string]interface{}{
		"batchId":  batch.ID,
		"accepted": len(batch.JobIDs),
		"total":    len(reqs),
	})
	return batch, nil
}

func (o *Orchestrator) abandonBatch(ctx context.Context, batch *models.Batch, cause error) {
	for _, id := range batch.JobIDs {
		_, err := o.Fail(ctx, id, errors.NewStoreUnavailableError("store batch", cause))
		if err != nil && !stderrors.Is(err, errors.ErrIllegalStateTransition) {
			o.logger.Warn("could not fail orphaned batch job", map[string]interface{}{"jobId": id, "error": err.Error()})
		}
	}
}

// ==========================
// Worker-side transitions
// ==========================

// Claim moves a PENDING job to PROGRESS on behalf of one worker.
func (o *Orchestrator) Claim(ctx context.Context, jobID string) (*models.Job, error) {
	return Update(ctx, o.store, jobID, func(j *models.Job) error {
		switch {
		case j.State.IsTerminal():
			return ErrJobFinished
		case j.State == models.JobProgress:
			return ErrAlreadyClaimed
		}
		now := o.now().UTC()
		j.State = models.JobProgress
		j.StartedAt = &now
		j.Progress = &models.Progress{Stage: StageLoadingAudio, Percent: 10}
		return nil
	})
}

// Reclaim is Claim for an item recovered after a crash. A job left in
// PROGRESS by the dead worker is taken over: its clock restarts so the
// reaper measures the new run, and the attempt counter keeps the history.
func (o *Orchestrator) Reclaim(ctx context.Context, jobID string) (*models.Job, error) {
	var interrupted bool
	job, err := Update(ctx, o.store, jobID, func(j *models.Job) error {
		if j.State.IsTerminal() {
			return ErrJobFinished
		}
		interrupted = j.State == models.JobProgress
		now := o.now().UTC()
		j.State = models.JobProgress
		j.StartedAt = &now
		j.Progress = &models.Progress{Stage: StageLoadingAudio, Percent: 10}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if interrupted {
		metrics.JobsRecovered.Inc()
		o.logger.Warn("took over interrupted job", map[string]interface{}{
			"jobId":    jobID,
			"attempts": job.Attempts,
		})
	}
	return job, nil
}

// ReportProgress records the current stage. The first report moves a
// PENDING job to PROGRESS. A terminal job is never touched and the
// caller gets ErrJobFinished.
func (o *Orchestrator) ReportProgress(ctx context.Context, jobID, stage string, percent int) (*models.Job, error) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	return Update(ctx, o.store, jobID, func(j *models.Job) error {
		if j.State.IsTerminal() {
			return ErrJobFinished
		}
		if j.State == models.JobPending {
			now := o.now().UTC()
			j.StartedAt = &now
		}
		j.State = models.JobProgress
		j.Progress = &models.Progress{Stage: stage, Percent: percent}
		return nil
	})
}

// BeginAttempt counts one processing attempt.
func (o *Orchestrator) BeginAttempt(ctx context.Context, jobID string) (*models.Job, error) {
	return Update(ctx, o.store, jobID, func(j *models.Job) error {
		if j.State.IsTerminal() {
			return ErrJobFinished
		}
		j.Attempts++
		return nil
	})
}

// IsCancelled reports whether the job reached a terminal state without the
// worker, i.e. it was cancelled or timed out.
func (o *Orchestrator) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.State.IsTerminal(), nil
}

// Checkpoint returns ErrJobFinished when the worker must abandon the job.
func (o *Orchestrator) Checkpoint(ctx context.Context, jobID string) error {
	cancelled, err := o.IsCancelled(ctx, jobID)
	if err != nil {
		return err
	}
	if cancelled {
		return ErrJobFinished
	}
	return nil
}

// Complete stores the result and moves the job to SUCCESS. Terminating an
// already terminal job is rejected with ILLEGAL_STATE_TRANSITION.
func (o *Orchestrator) Complete(ctx context.Context, jobID string, result *models.AssessmentResult) (*models.Job, error) {
	job, err := o.terminate(ctx, jobID, models.JobSuccess, func(j *models.Job) {
		j.Result = result
		j.Progress = &models.Progress{Stage: "Completed", Percent: 100}
	})
	if err != nil {
		return job, err
	}

	metrics.JobsCompleted.Inc()
	o.finished(ctx, job)
	return job, nil
}

// Fail moves the job to FAILURE with the error's message and code.
func (o *Orchestrator) Fail(ctx context.Context, jobID string, cause error) (*models.Job, error) {
	stdErr := errors.Normalize(cause)
	job, err := o.terminate(ctx, jobID, models.JobFailure, func(j *models.Job) {
		j.Error = stdErr.Error()
		j.ErrorCode = string(stdErr.Code)
	})
	if err != nil {
		return job, err
	}

	metrics.JobsFailed.WithLabelValues(string(stdErr.Code)).Inc()
	o.finished(ctx, job)
	return job, nil
}

func (o *Orchestrator) terminate(ctx context.Context, jobID string, to models.JobState, apply func(*models.Job)) (*models.Job, error) {
	var from models.JobState
	job, err := Update(ctx, o.store, jobID, func(j *models.Job) error {
		from = j.State
		if !models.CanTransition(j.State, to) {
			return errors.NewIllegalStateTransitionError(jobID, string(j.State), string(to))
		}
		now := o.now().UTC()
		j.State = to
		j.FinishedAt = &now
		apply(j)
		return nil
	})
	if err != nil && stderrors.Is(err, errors.ErrIllegalStateTransition) {
		o.logger.Error("illegal job state transition", map[string]interface{}{
			"jobId": jobID,
			"from":  string(from),
			"to":    string(to),
		})
	}
	return job, err
}

// ==========================
// Caller-side operations
// ==========================

func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (*models.Job, error) {
	return o.store.Get(ctx, jobID)
}

// Cancel revokes a PENDING or PROGRESS job. A terminal job is returned as
// is and revoked reports false.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (job *models.Job, revoked bool, err error) {
	job, err = Update(ctx, o.store, jobID, func(j *models.Job) error {
		// Reset on every CAS attempt.
		revoked = false
		if j.State.IsTerminal() {
			return errNoChange
		}
		now := o.now().UTC()
		j.State = models.JobRevoked
		j.FinishedAt = &now
		revoked = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if revoked {
		metrics.JobsRevoked.Inc()
		o.logger.Info("job cancelled", map[string]interface{}{"jobId": jobID})
		o.finished(ctx, job)
	}
	return job, revoked, nil
}

// BatchStatus is derived from the current state of every job in a batch.
type BatchStatus struct {
	Batch     *models.Batch           `json:"batch"`
	Jobs      []*models.Job           `json:"jobs"`
	Summary   map[models.JobState]int `json:"summary"`
	Completed bool                    `json:"completed"`
}

func (o *Orchestrator) GetBatch(ctx context.Context, batchID string) (*BatchStatus, error) {
	batch, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	status := &BatchStatus{
		Batch:     batch,
		Jobs:      make([]*models.Job, 0, len(batch.JobIDs)),
		Summary:   make(map[models.JobState]int),
		Completed: true,
	}
	for _, id := range batch.JobIDs {
		job, err := o.store.Get(ctx, id)
		if stderrors.Is(err, errors.ErrJobNotFound) {
			// Result expired before the batch record.
			continue
		}
		if err != nil {
			return nil, err
		}
		status.Jobs = append(status.Jobs, job)
		status.Summary[job.State]++
		if !job.State.IsTerminal() {
			status.Completed = false
		}
	}
	return status, nil
}

func (o *Orchestrator) ActiveJobs(ctx context.Context) ([]*models.Job, error) {
	return o.store.ListActive(ctx)
}

// QueueStats is the operational snapshot served by /queue/queue-stats.
type QueueStats struct {
	Queued int64                     `json:"queued"`
	States map[models.JobState]int64 `json:"states"`
}

func (o *Orchestrator) Stats(ctx context.Context) (*QueueStats, error) {
	n, err := o.queue.Len(ctx)
	if err != nil {
		return nil, err
	}
	states, err := o.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	metrics.QueueDepth.Set(float64(n))
	return &QueueStats{Queued: n, States: states}, nil
}

// LoadAudio returns the uploaded audio of a job.
func (o *Orchestrator) LoadAudio(ctx context.Context, jobID string) ([]byte, error) {
	return o.store.LoadAudio(ctx, jobID)
}

// ==========================
// Timeouts
// ==========================

// ReapExpired fails every PROGRESS job that outlived its budget and prunes
// expired results. It returns the number of jobs failed.
func (o *Orchestrator) ReapExpired(ctx context.Context) (int, error) {
	active, err := o.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	now := o.now()
	reaped := 0
	for _, job := range active {
		if job.State != models.JobProgress || job.StartedAt == nil || job.TimeoutMs <= 0 {
			continue
		}
		if now.Sub(*job.StartedAt) < job.Timeout() {
			continue
		}

		_, err := o.Fail(ctx, job.ID, errors.NewTimeoutError(job.ID, job.Timeout()))
		switch {
		case err == nil:
			reaped++
			o.logger.Warn("job timed out", map[string]interface{}{
				"jobId":     job.ID,
				"startedAt": job.StartedAt.Format(time.RFC3339),
				"budget":    job.Timeout().String(),
			})
		case stderrors.Is(err, errors.ErrIllegalStateTransition):
			// Worker finished in the meantime.
		default:
			return reaped, err
		}
	}

	if pruned, err := o.store.Prune(ctx, now); err != nil {
		o.logger.Warn("prune failed", map[string]interface{}{"error": err.Error()})
	} else if pruned > 0 {
		o.logger.Debug("pruned expired jobs", map[string]interface{}{"count": pruned})
	}
	return reaped, nil
}

// finished runs the side effects of a terminal transition.
func (o *Orchestrator) finished(ctx context.Context, job *models.Job) {
	ctx = context.WithoutCancel(ctx)

	if err := o.store.DeleteAudio(ctx, job.ID); err != nil {
		o.logger.Warn("could not delete audio", map[string]interface{}{"jobId": job.ID, "error": err.Error()})
	}

	status := string(job.State)
	o.obs.RecordJobProcessed(ctx, status)
	if job.StartedAt != nil && job.FinishedAt != nil {
		d := job.FinishedAt.Sub(*job.StartedAt)
		metrics.JobDuration.WithLabelValues(status).Observe(d.Seconds())
		o.obs.RecordJobDuration(ctx, d, status)
	}

	if err := o.notifier.Notify(ctx, notify.EventFromJob(job)); err != nil {
		o.logger.Warn("job notification failed", map[string]interface{}{"jobId": job.ID, "error": err.Error()})
	}
}
