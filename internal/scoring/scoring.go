// Package scoring turns an alignment plus word timing into accuracy, pace,
// pause and fluency metrics.
package scoring

import (
	"math"

	"reading-assessment/internal/common/errors"
	"reading-assessment/internal/models"
)

const (
	DefaultPauseThreshold = 1.0  // seconds
	DefaultPaceTolerance  = 0.15 // ratio band around 1.0 considered just-right

	defaultAccuracyWeight = 0.5
	defaultPaceWeight     = 0.3
	defaultPauseWeight    = 0.2

	// pausePenalty scales pauses per timed word into the pause sub-score;
	// one pause every ten words zeroes it.
	pausePenalty = 10.0
)

// Metrics is the numeric part of an assessment.
type Metrics struct {
	Accuracy       int
	WordsPerMinute *float64
	PauseCount     int
	ReadingPace    models.ReadingPace
	FluencyScore   *float64

	CorrectWords   []string
	IncorrectWords []string
	MissedWords    []string
	ExtraWords     []string

	ExpectedCount int
	TimedWords    int
	// Duration is the duration WPM was computed over, after fallback.
	Duration float64
}

type options struct {
	pauseThreshold float64
	paceTolerance  float64
	accuracyWeight float64
	paceWeight     float64
	pauseWeight    float64
}

type Option func(*options)

func WithPauseThreshold(seconds float64) Option {
	return func(o *options) { o.pauseThreshold = seconds }
}

func WithPaceTolerance(tolerance float64) Option {
	return func(o *options) { o.paceTolerance = tolerance }
}

// WithFluencyWeights overrides the sub-score weights. Negative weights are
// treated as zero.
func WithFluencyWeights(accuracy, pace, pause float64) Option {
	return func(o *options) {
		o.accuracyWeight = math.Max(0, accuracy)
		o.paceWeight = math.Max(0, pace)
		o.pauseWeight = math.Max(0, pause)
	}
}

// Compute derives all metrics. It never fails on empty input; it rejects a
// negative duration and a non-positive expected pace.
//
// When audioDurationSeconds is 0 the latest word end stands in for the
// recording length.
func Compute(analysis []models.WordAnalysis, spoken []models.SpokenWord, audioDurationSeconds, expectedWPM float64, opts ...Option) (Metrics, error) {
	o := options{
		pauseThreshold: DefaultPauseThreshold,
		paceTolerance:  DefaultPaceTolerance,
		accuracyWeight: defaultAccuracyWeight,
		paceWeight:     defaultPaceWeight,
		pauseWeight:    defaultPauseWeight,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if math.IsNaN(audioDurationSeconds) || audioDurationSeconds < 0 {
		return Metrics{}, errors.NewInvalidInputErrorf("audio duration must not be negative, got %v", audioDurationSeconds)
	}
	if math.IsNaN(expectedWPM) || expectedWPM <= 0 {
		return Metrics{}, errors.NewInvalidInputErrorf("expected wpm must be positive, got %v", expectedWPM)
	}

	m := Metrics{
		CorrectWords:   []string{},
		IncorrectWords: []string{},
		MissedWords:    []string{},
		ExtraWords:     []string{},
	}
	classify(&m, analysis)
	m.Accuracy = accuracy(len(m.CorrectWords), m.ExpectedCount)

	timed := timedWords(spoken)
	m.TimedWords = len(timed)
	m.PauseCount = countPauses(timed, o.pauseThreshold)

	m.Duration = audioDurationSeconds
	if m.Duration == 0 {
		for _, w := range timed {
			m.Duration = math.Max(m.Duration, *w.End)
		}
	}

	var ratio *float64
	if len(timed) > 0 && m.Duration > 0 {
		wpm := float64(len(timed)) / (m.Duration / 60)
		r := wpm / expectedWPM
		ratio = &r
		rounded := round1(wpm)
		m.WordsPerMinute = &rounded
	}
	m.ReadingPace = pace(ratio, o.paceTolerance)
	m.FluencyScore = fluency(m, ratio, o)

	return m, nil
}

func classify(m *Metrics, analysis []models.WordAnalysis) {
	for _, rec := range analysis {
		switch rec.Status {
		case models.WordCorrect:
			m.ExpectedCount++
			m.CorrectWords = append(m.CorrectWords, deref(rec.OriginalWord))
		case models.WordIncorrect:
			m.ExpectedCount++
			m.IncorrectWords = append(m.IncorrectWords, deref(rec.OriginalWord))
		case models.WordMissed:
			m.ExpectedCount++
			m.MissedWords = append(m.MissedWords, deref(rec.OriginalWord))
		case models.WordExtra:
			m.ExtraWords = append(m.ExtraWords, deref(rec.SpokenWord))
		}
	}
}

// accuracy is vacuously 100 without expected words.
func accuracy(correct, expected int) int {
	if expected == 0 {
		return 100
	}
	return int(math.Round(100 * float64(correct) / float64(expected)))
}

func timedWords(spoken []models.SpokenWord) []models.SpokenWord {
	out := make([]models.SpokenWord, 0, len(spoken))
	for _, w := range spoken {
		if w.HasTiming() {
			out = append(out, w)
		}
	}
	return out
}

func countPauses(timed []models.SpokenWord, threshold float64) int {
	pauses := 0
	for i := 1; i < len(timed); i++ {
		if *timed[i].Start-*timed[i-1].End > threshold {
			pauses++
		}
	}
	return pauses
}

func pace(ratio *float64, tolerance float64) models.ReadingPace {
	switch {
	case ratio == nil:
		return models.PaceJustRight
	case *ratio > 1+tolerance:
		return models.PaceTooFast
	case *ratio < 1-tolerance:
		return models.PaceTooSlow
	default:
		return models.PaceJustRight
	}
}

// fluency blends the sub-scores that have data behind them, renormalizing
// the weights over the available ones. Each sub-score is monotonic in its
// input, so the blend is too.
func fluency(m Metrics, ratio *float64, o options) *float64 {
	var weighted, total float64

	if m.ExpectedCount > 0 && o.accuracyWeight > 0 {
		weighted += o.accuracyWeight * float64(m.Accuracy) / 100
		total += o.accuracyWeight
	}
	if ratio != nil && o.paceWeight > 0 {
		weighted += o.paceWeight * math.Max(0, 1-math.Abs(*ratio-1))
		total += o.paceWeight
	}
	if m.TimedWords > 0 && o.pauseWeight > 0 {
		density := float64(m.PauseCount) / float64(m.TimedWords)
		weighted += o.pauseWeight * math.Max(0, 1-pausePenalty*density)
		total += o.pauseWeight
	}

	if total == 0 {
		return nil
	}
	score := round1(clamp(100*weighted/total, 0, 100))
	return &score
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
