// internal/models/assessment.go
package models

import "time"

// ExpectedWord is one normalized token of the reference text.
type ExpectedWord struct {
	Text  string `json:"text"`
	Index int    `json:"index"`
}

// SpokenWord is one token recognized from audio. Timing and confidence are
// optional because not every backend reports them.
type SpokenWord struct {
	Text       string   `json:"text"`
	Start      *float64 `json:"start,omitempty"`
	End        *float64 `json:"end,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// HasTiming reports whether both timestamps are present.
func (w SpokenWord) HasTiming() bool {
	return w.Start != nil && w.End != nil
}

type WordStatus string

const (
	WordCorrect   WordStatus = "correct"
	WordIncorrect WordStatus = "incorrect"
	WordMissed    WordStatus = "missed"
	WordExtra     WordStatus = "extra"
)

func (s WordStatus) Valid() bool {
	switch s {
	case WordCorrect, WordIncorrect, WordMissed, WordExtra:
		return true
	}
	return false
}

type Timing struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// WordAnalysis classifies one expected position, or one unmatched spoken
// word when Status is extra.
//
//	correct, incorrect: OriginalWord and SpokenWord set
//	missed:             OriginalWord set, SpokenWord nil
//	extra:              OriginalWord nil, SpokenWord set
type WordAnalysis struct {
	OriginalWord  *string    `json:"original_word"`
	SpokenWord    *string    `json:"spoken_word"`
	Status        WordStatus `json:"status"`
	Confidence    *float64   `json:"confidence"`
	Timing        *Timing    `json:"timing"`
	ExpectedIndex *int       `json:"expected_index,omitempty"`

	// Near-miss evidence, only on incorrect records.
	Similarity    *float64 `json:"similarity,omitempty"`
	PhoneticMatch bool     `json:"phonetic_match,omitempty"`
}

type ReadingPace string

const (
	PaceTooFast   ReadingPace = "too-fast"
	PaceJustRight ReadingPace = "just-right"
	PaceTooSlow   ReadingPace = "too-slow"
)

// AssessmentResult is the immutable report of one completed assessment.
type AssessmentResult struct {
	Transcript     string         `json:"transcript"`
	Accuracy       int            `json:"accuracy"`
	ReadingPace    ReadingPace    `json:"reading_pace"`
	WordsPerMinute *float64       `json:"words_per_minute"`
	PauseCount     int            `json:"pause_count"`
	FluencyScore   *float64       `json:"fluency_score"`
	CorrectWords   []string       `json:"correct_words"`
	IncorrectWords []string       `json:"incorrect_words"`
	MissedWords    []string       `json:"missed_words"`
	ExtraWords     []string       `json:"extra_words"`
	WordAnalysis   []WordAnalysis `json:"word_analysis"`

	Language    string    `json:"language,omitempty"`
	Duration    float64   `json:"duration"`
	Model       string    `json:"model,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// SubmitRequest is one audio + reference text submission.
type SubmitRequest struct {
	Audio        []byte  `json:"-"`
	Filename     string  `json:"filename"`
	ContentType  string  `json:"content_type"`
	ExpectedText string  `json:"expected_text"`
	ExpectedWPM  float64 `json:"expected_wpm"`
	Model        string  `json:"model,omitempty"`
}
