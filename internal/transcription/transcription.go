// Package transcription defines the speech-to-text contract the pipeline
// consumes and the adapters that fulfil it.
package transcription

import (
	"context"

	"reading-assessment/internal/models"
)

// Audio is one uploaded recording.
type Audio struct {
	Data        []byte
	Filename    string
	ContentType string
}

type Segment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Transcription is what a backend recognized. Words carry timing and
// confidence when the backend reports them.
type Transcription struct {
	Text     string              `json:"text"`
	Language string              `json:"language,omitempty"`
	Duration float64             `json:"duration"`
	Words    []models.SpokenWord `json:"words"`
	Segments []Segment           `json:"segments,omitempty"`
	Backend  string              `json:"backend"`
	Model    string              `json:"model,omitempty"`
}

// Transcriber turns audio into text. model is a size hint such as "base";
// backends that cannot honour it ignore it.
//
// Implementations return a TRANSCRIPTION_UNAVAILABLE StandardError: retryable
// when the backend could not be reached, non-retryable when it answered but
// recognized no speech.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, audio Audio, model string) (*Transcription, error)
}

// HealthChecker is implemented by transcribers that can probe their backend.
type HealthChecker interface {
	Check(ctx context.Context) error
}
