package analyzereading

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"reading-assessment/internal/alignment"
	"reading-assessment/internal/common/errors"
	"reading-assessment/internal/common/logger"
	"reading-assessment/internal/common/observability"
	"reading-assessment/internal/jobs"
	"reading-assessment/internal/models"
	"reading-assessment/internal/scoring"
	"reading-assessment/internal/transcription"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const TaskType = "analyze-reading"

const (
	StageTranscribing = "Transcribing audio"
	StageAnalyzing    = "Analyzing pronunciation"
	StageMetrics      = "Calculating metrics"
)

type Handler struct {
	config      *Config
	transcriber transcription.Transcriber
	logger      logger.Logger
	obs         *observability.Observability
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
}

func NewHandler(config *Config, transcriber transcription.Transcriber, log logger.Logger, obs *observability.Observability) *Handler {
	if config == nil {
		config = DefaultConfig()
	}
	return &Handler{
		config:      config,
		transcriber: transcriber,
		logger:      log.WithFields(map[string]interface{}{"taskType": TaskType}),
		obs:         obs,
		sleep:       sleepContext,
		now:         time.Now,
	}
}

// Handle runs the pipeline for a queued job.
func (h *Handler) Handle(ctx context.Context, job *models.Job, audio []byte, tracker jobs.Tracker) (*models.AssessmentResult, error) {
	input := &Input{
		Audio: transcription.Audio{
			Data:        audio,
			Filename:    job.Filename,
			ContentType: job.ContentType,
		},
		ExpectedText: job.ExpectedText,
		ExpectedWPM:  job.ExpectedWPM,
		Model:        job.Model,
	}
	return h.run(ctx, input, tracker)
}

// Execute runs the same pipeline synchronously, without a job record.
func (h *Handler) Execute(ctx context.Context, input *Input) (*models.AssessmentResult, error) {
	return h.run(ctx, input, jobs.NopTracker{})
}

func (h *Handler) run(ctx context.Context, input *Input, tracker jobs.Tracker) (*models.AssessmentResult, error) {
	if err := h.validateInput(input); err != nil {
		return nil, err
	}

	ctx, span := h.obs.StartSpan(ctx, TaskType, attribute.String("model", input.Model))
	defer span.End()

	if err := tracker.Checkpoint(ctx); err != nil {
		return nil, err
	}

	if err := tracker.Report(ctx, StageTranscribing, 30); err != nil {
		return nil, err
	}
	tr, err := h.transcribeWithRetry(ctx, input, tracker)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := tracker.Checkpoint(ctx); err != nil {
		return nil, err
	}

	if err := tracker.Report(ctx, StageAnalyzing, 70); err != nil {
		return nil, err
	}
	expected := alignment.Tokenize(input.ExpectedText)
	_, alignSpan := h.obs.StartSpan(ctx, "align",
		attribute.Int("expected_words", len(expected)),
		attribute.Int("spoken_words", len(tr.Words)),
	)
	analysis, err := alignment.Align(expected, tr.Words)
	if err != nil {
		alignSpan.RecordError(err)
		alignSpan.SetStatus(codes.Error, err.Error())
		alignSpan.End()
		return nil, err
	}
	alignSpan.SetAttributes(attribute.Int("entries", len(analysis)))
	alignSpan.End()
	if err := tracker.Checkpoint(ctx); err != nil {
		return nil, err
	}

	if err := tracker.Report(ctx, StageMetrics, 90); err != nil {
		return nil, err
	}
	m, err := scoring.Compute(analysis, tr.Words, tr.Duration, input.ExpectedWPM,
		scoring.WithPauseThreshold(h.config.PauseThreshold),
		scoring.WithPaceTolerance(h.config.PaceTolerance),
	)
	if err != nil {
		return nil, err
	}

	result := &models.AssessmentResult{
		Transcript:     strings.TrimSpace(tr.Text),
		Accuracy:       m.Accuracy,
		ReadingPace:    m.ReadingPace,
		WordsPerMinute: m.WordsPerMinute,
		PauseCount:     m.PauseCount,
		FluencyScore:   m.FluencyScore,
		CorrectWords:   m.CorrectWords,
		IncorrectWords: m.IncorrectWords,
		MissedWords:    m.MissedWords,
		ExtraWords:     m.ExtraWords,
		WordAnalysis:   analysis,
		Language:       tr.Language,
		Duration:       m.Duration,
		Model:          input.Model,
		ProcessedAt:    h.now().UTC(),
	}
	span.SetAttributes(attribute.Int("accuracy", result.Accuracy))

	h.logger.Info("assessment computed", map[string]interface{}{
		"accuracy":      result.Accuracy,
		"expectedWords": m.ExpectedCount,
		"spokenWords":   len(tr.Words),
		"backend":       tr.Backend,
	})
	return result, nil
}

// Transcribe returns what was heard together with pace metrics, without a
// reference text.
func (h *Handler) Transcribe(ctx context.Context, audio transcription.Audio, model string) (*TranscriptOutput, error) {
	if len(audio.Data) == 0 {
		return nil, errors.NewInvalidInputError("audio: must not be empty")
	}
	if model == "" {
		model = h.config.DefaultModel
	}

	tr, err := h.transcribeWithRetry(ctx, &Input{Audio: audio, Model: model}, jobs.NopTracker{})
	if err != nil {
		return nil, err
	}

	m, err := scoring.Compute(nil, tr.Words, tr.Duration, h.config.DefaultExpectedWPM,
		scoring.WithPauseThreshold(h.config.PauseThreshold),
	)
	if err != nil {
		return nil, err
	}

	return &TranscriptOutput{
		Transcript:     strings.TrimSpace(tr.Text),
		Language:       tr.Language,
		Duration:       m.Duration,
		WordCount:      len(tr.Words),
		WordsPerMinute: m.WordsPerMinute,
		PauseCount:     m.PauseCount,
		Words:          tr.Words,
		Segments:       tr.Segments,
		Backend:        tr.Backend,
		Model:          tr.Model,
	}, nil
}

func (h *Handler) validateInput(input *Input) error {
	if input == nil || len(input.Audio.Data) == 0 {
		return errors.NewInvalidInputError("audio: must not be empty")
	}
	if strings.TrimSpace(input.ExpectedText) == "" {
		return errors.NewInvalidInputError("expected_text: must not be empty")
	}
	if input.ExpectedWPM == 0 {
		input.ExpectedWPM = h.config.DefaultExpectedWPM
	}
	if input.ExpectedWPM < 0 {
		return errors.NewInvalidInputErrorf("expected_wpm: must be positive, got %v", input.ExpectedWPM)
	}
	if input.Model == "" {
		input.Model = h.config.DefaultModel
	}
	return nil
}

// transcribeWithRetry retries retryable backend failures with exponential
// backoff. Each attempt is counted on the job and preceded by a
// cancellation checkpoint.
func (h *Handler) transcribeWithRetry(ctx context.Context, input *Input, tracker jobs.Tracker) (*transcription.Transcription, error) {
	ctx, span := h.obs.StartSpan(ctx, "transcribe",
		attribute.String("backend", h.transcriber.Name()),
		attribute.String("model", input.Model),
		attribute.Int("audio_bytes", len(input.Audio.Data)),
	)
	defer span.End()

	delay := h.config.RetryBaseDelay
	var lastErr error

	for attempt := 0; attempt <= h.config.MaxRetries; attempt++ {
		if attempt > 0 {
			h.logger.Warn("retrying transcription", map[string]interface{}{
				"attempt": attempt + 1,
				"delay":   delay.String(),
				"error":   lastErr.Error(),
			})
			if err := h.sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
			if h.config.RetryMaxDelay > 0 && delay > h.config.RetryMaxDelay {
				delay = h.config.RetryMaxDelay
			}
		}

		if err := tracker.Checkpoint(ctx); err != nil {
			return nil, err
		}
		if err := tracker.BeginAttempt(ctx); err != nil {
			return nil, err
		}

		tr, err := h.transcriber.Transcribe(ctx, input.Audio, input.Model)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt+1))
			return tr, nil
		}
		lastErr = err

		if !errors.IsRetryable(err) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
