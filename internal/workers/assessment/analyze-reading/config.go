// internal/workers/assessment/analyze-reading/config.go
package analyzereading

import (
	"time"

	"reading-assessment/internal/common/config"
	"reading-assessment/internal/scoring"
)

type Config struct {
	PauseThreshold     float64
	PaceTolerance      float64
	DefaultExpectedWPM float64
	DefaultModel       string
	MaxRetries         int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
}

func LoadConfig(cfg *config.Config) *Config {
	if cfg == nil {
		return DefaultConfig()
	}
	return &Config{
		PauseThreshold:     cfg.Scoring.PauseThreshold,
		PaceTolerance:      cfg.Scoring.PaceTolerance,
		DefaultExpectedWPM: cfg.Scoring.DefaultExpectedWPM,
		DefaultModel:       cfg.Transcription.DefaultModel,
		MaxRetries:         cfg.Transcription.MaxRetries,
		RetryBaseDelay:     config.GetDuration(cfg.Transcription.RetryBaseDelay),
		RetryMaxDelay:      config.GetDuration(cfg.Transcription.RetryMaxDelay),
	}
}

func DefaultConfig() *Config {
	return &Config{
		PauseThreshold:     scoring.DefaultPauseThreshold,
		PaceTolerance:      scoring.DefaultPaceTolerance,
		DefaultExpectedWPM: 100,
		DefaultModel:       "base",
		MaxRetries:         2,
		RetryBaseDelay:     time.Second,
		RetryMaxDelay:      30 * time.Second,
	}
}
