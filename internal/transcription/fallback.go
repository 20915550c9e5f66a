package transcription

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"reading-assessment/internal/common/errors"
	"reading-assessment/internal/common/logger"
	"reading-assessment/internal/common/metrics"
	"reading-assessment/internal/common/resilience"
)

type fallbackEntry struct {
	transcriber Transcriber
	breaker     *resilience.CircuitBreaker
}

// Fallback tries each transcriber in order, skipping those whose circuit is
// open. A backend that answered with no speech ends the search: the audio,
// not the backend, is the problem.
type Fallback struct {
	entries []fallbackEntry
	logger  logger.Logger
}

// NewFallback wraps transcribers, each with its own breaker built from cfg.
func NewFallback(cfg resilience.Config, log logger.Logger, transcribers ...Transcriber) *Fallback {
	f := &Fallback{logger: log}
	for _, t := range transcribers {
		bcfg := cfg
		bcfg.Name = t.Name()
		if bcfg.IsFailure == nil {
			bcfg.IsFailure = errors.IsRetryable
		}
		f.entries = append(f.entries, fallbackEntry{
			transcriber: t,
			breaker:     resilience.NewCircuitBreaker(bcfg, log),
		})
	}
	return f
}

func (f *Fallback) Name() string { return "fallback" }

func (f *Fallback) Transcribe(ctx context.Context, audio Audio, model string) (*Transcription, error) {
	if len(f.entries) == 0 {
		return nil, errors.NewTranscriptionUnavailableError(f.Name(), fmt.Errorf("no transcription backend configured"))
	}

	var lastErr error
	for _, e := range f.entries {
		name := e.transcriber.Name()
		var result *Transcription

		start := time.Now()
		err := e.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = e.transcriber.Transcribe(ctx, audio, model)
			return innerErr
		})

		switch {
		case err == nil:
			metrics.TranscriptionDuration.WithLabelValues(name, "success").Observe(time.Since(start).Seconds())
			return result, nil
		case stderrors.Is(err, resilience.ErrCircuitOpen):
			f.logger.Debug("skipping transcriber, circuit open", map[string]interface{}{"backend": name})
			lastErr = err
			continue
		}

		metrics.TranscriptionDuration.WithLabelValues(name, "error").Observe(time.Since(start).Seconds())
		if !errors.IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
		f.logger.Warn("transcriber failed, trying next", map[string]interface{}{
			"backend": name,
			"error":   err.Error(),
		})
		lastErr = err
	}

	return nil, errors.NewTranscriptionUnavailableError(f.Name(), fmt.Errorf("all transcription backends failed: %w", lastErr))
}

// Check is healthy when at least one backend with a closed or probing
// circuit answers its own check.
func (f *Fallback) Check(ctx context.Context) error {
	var lastErr error
	for _, e := range f.entries {
		if e.breaker.State() == resilience.StateOpen {
			lastErr = fmt.Errorf("%s: %w", e.transcriber.Name(), resilience.ErrCircuitOpen)
			continue
		}
		hc, ok := e.transcriber.(HealthChecker)
		if !ok {
			return nil
		}
		if err := hc.Check(ctx); err != nil {
			lastErr = fmt.Errorf("%s: %w", e.transcriber.Name(), err)
			continue
		}
		return nil
	}
	if lastErr == nil {
		return fmt.Errorf("no transcription backend configured")
	}
	return lastErr
}
