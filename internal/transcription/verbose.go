package transcription

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"reading-assessment/internal/alignment"
	"reading-assessment/internal/common/errors"
	"reading-assessment/internal/models"
)

// verboseResponse covers the verbose_json shape emitted by both whisper.cpp
// style servers (words nested under segments) and the OpenAI API (top level
// words).
type verboseResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []verboseSegment `json:"segments"`
	Words    []verboseWord    `json:"words"`
}

type verboseSegment struct {
	Start      float64       `json:"start"`
	End        float64       `json:"end"`
	Text       string        `json:"text"`
	AvgLogprob *float64      `json:"avg_logprob"`
	Words      []verboseWord `json:"words"`
}

type verboseWord struct {
	Word        string   `json:"word"`
	Start       *float64 `json:"start"`
	End         *float64 `json:"end"`
	Probability *float64 `json:"probability"`
}

func parseVerbose(backend string, data []byte) (*Transcription, error) {
	var resp verboseResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, errors.NewTranscriptionUnavailableError(backend, fmt.Errorf("decode response: %w", err))
	}
	return resp.toTranscription(backend)
}

func (r verboseResponse) toTranscription(backend string) (*Transcription, error) {
	out := &Transcription{
		Text:     strings.TrimSpace(r.Text),
		Language: r.Language,
		Duration: r.Duration,
		Backend:  backend,
	}

	words := r.Words
	for _, s := range r.Segments {
		seg := Segment{Start: s.Start, End: s.End, Text: strings.TrimSpace(s.Text)}
		if s.AvgLogprob != nil {
			c := math.Exp(*s.AvgLogprob)
			seg.Confidence = &c
		}
		out.Segments = append(out.Segments, seg)
		if len(r.Words) == 0 {
			words = append(words, s.Words...)
		}
		if s.End > out.Duration {
			out.Duration = s.End
		}
	}

	if out.Text == "" && len(out.Segments) > 0 {
		parts := make([]string, 0, len(out.Segments))
		for _, s := range out.Segments {
			parts = append(parts, s.Text)
		}
		out.Text = strings.TrimSpace(strings.Join(parts, " "))
	}

	for _, w := range words {
		text := strings.TrimSpace(w.Word)
		if alignment.Normalize(text) == "" {
			continue
		}
		sw := models.SpokenWord{Text: text, Start: w.Start, End: w.End}
		if w.Probability != nil {
			p := math.Min(1, math.Max(0, *w.Probability))
			sw.Confidence = &p
		}
		out.Words = append(out.Words, sw)
	}
	// Backends without word timestamps still yield untimed words.
	if len(out.Words) == 0 {
		out.Words = alignment.SpokenFromText(out.Text)
	}

	if len(out.Words) == 0 {
		return nil, errors.NewNoSpeechError(backend)
	}
	return out, nil
}
