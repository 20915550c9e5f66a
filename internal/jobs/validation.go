package jobs

import (
	"math"
	"mime"
	"strings"

	"reading-assessment/internal/common/errors"
	"reading-assessment/internal/common/validation"
	"reading-assessment/internal/models"
)

// SubmissionValidator checks submissions before anything is stored.
type SubmissionValidator struct {
	schema *validation.SchemaValidator
}

func NewSubmissionValidator(allowedModels []string, maxAudioBytes int64) (*SubmissionValidator, error) {
	enum := make([]interface{}, len(allowedModels))
	for i, m := range allowedModels {
		enum[i] = m
	}

	modelSchema := map[string]interface{}{"type": "string"}
	if len(enum) > 0 {
		modelSchema["enum"] = enum
	}

	audioSchema := map[string]interface{}{"type": "integer", "minimum": 1}
	if maxAudioBytes > 0 {
		audioSchema["maximum"] = maxAudioBytes
	}

	schema, err := validation.NewSchemaValidator(map[string]interface{}{
		"$schema":  "http://json-schema.org/draft-07/schema#",
		"type":     "object",
		"required": []interface{}{"audio_size", "expected_text", "expected_wpm", "model"},
		"properties": map[string]interface{}{
			"audio_size":    audioSchema,
			"expected_text": map[string]interface{}{"type": "string", "pattern": "\\S"},
			"expected_wpm":  map[string]interface{}{"type": "number", "exclusiveMinimum": 0},
			"model":         modelSchema,
		},
	})
	if err != nil {
		return nil, err
	}
	return &SubmissionValidator{schema: schema}, nil
}

// Validate returns an INVALID_INPUT error describing every violation.
func (v *SubmissionValidator) Validate(req *models.SubmitRequest) error {
	if !IsAudioContentType(req.ContentType) {
		return errors.NewUnsupportedMediaError(req.Filename, req.ContentType)
	}
	if math.IsNaN(req.ExpectedWPM) || math.IsInf(req.ExpectedWPM, 0) {
		return errors.NewInvalidInputError("expected_wpm: must be a finite number")
	}
	res, err := v.schema.Validate(map[string]interface{}{
		"audio_size":    len(req.Audio),
		"expected_text": req.ExpectedText,
		"expected_wpm":  req.ExpectedWPM,
		"model":         req.Model,
	})
	if err != nil {
		return errors.NewInternalError(err)
	}
	if !res.Valid {
		return errors.NewInvalidInputError(res.Summary())
	}
	return nil
}

// IsAudioContentType accepts audio/* and application/octet-stream. An empty
// content type is accepted and left to the transcriber to sniff.
func IsAudioContentType(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "audio/") || mediaType == "application/octet-stream"
}
