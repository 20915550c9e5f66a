package analyzereading

import (
	"reading-assessment/internal/models"
	"reading-assessment/internal/transcription"
)

// Input is one synchronous assessment request.
type Input struct {
	Audio        transcription.Audio
	ExpectedText string
	ExpectedWPM  float64
	Model        string
}

// TranscriptOutput is the transcription-only response: what was heard and
// how fast, without scoring against a reference text.
type TranscriptOutput struct {
	Transcript     string                  `json:"transcript"`
	Language       string                  `json:"language,omitempty"`
	Duration       float64                 `json:"duration"`
	WordCount      int                     `json:"word_count"`
	WordsPerMinute *float64                `json:"words_per_minute"`
	PauseCount     int                     `json:"pause_count"`
	Words          []models.SpokenWord     `json:"words"`
	Segments       []transcription.Segment `json:"segments,omitempty"`
	Backend        string                  `json:"backend"`
	Model          string                  `json:"model,omitempty"`
}
