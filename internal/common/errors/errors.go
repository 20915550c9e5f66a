// Package errors provides the standardized error taxonomy of the assessment service.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeInvalidInput             ErrorCode = "INVALID_INPUT"
	ErrCodeUnsupportedMedia         ErrorCode = "UNSUPPORTED_MEDIA_TYPE"
	ErrCodeBatchTooLarge            ErrorCode = "BATCH_TOO_LARGE"
	ErrCodeTranscriptionUnavailable ErrorCode = "TRANSCRIPTION_UNAVAILABLE"
	ErrCodeJobNotFound              ErrorCode = "JOB_NOT_FOUND"
	ErrCodeBatchNotFound            ErrorCode = "BATCH_NOT_FOUND"
	ErrCodeIllegalStateTransition   ErrorCode = "ILLEGAL_STATE_TRANSITION"
	ErrCodeTimeout                  ErrorCode = "TIMEOUT"
	ErrCodeStoreUnavailable         ErrorCode = "STORE_UNAVAILABLE"
	ErrCodeInternal                 ErrorCode = "INTERNAL_ERROR"
)

// NoSpeechFragment is the message fragment collaborators match on to detect
// recordings in which nothing was recognized.
const NoSpeechFragment = "no speech recognized"

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	cause error
}

func (e *StandardError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *StandardError) Unwrap() error {
	return e.cause
}

// Is matches any StandardError carrying the same code, so the sentinels below
// can be used with errors.Is regardless of message or details.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidInput             = &StandardError{Code: ErrCodeInvalidInput}
	ErrUnsupportedMedia         = &StandardError{Code: ErrCodeUnsupportedMedia}
	ErrBatchTooLarge            = &StandardError{Code: ErrCodeBatchTooLarge}
	ErrTranscriptionUnavailable = &StandardError{Code: ErrCodeTranscriptionUnavailable}
	ErrJobNotFound              = &StandardError{Code: ErrCodeJobNotFound}
	ErrBatchNotFound            = &StandardError{Code: ErrCodeBatchNotFound}
	ErrIllegalStateTransition   = &StandardError{Code: ErrCodeIllegalStateTransition}
	ErrTimeout                  = &StandardError{Code: ErrCodeTimeout}
	ErrStoreUnavailable         = &StandardError{Code: ErrCodeStoreUnavailable}
)

// ==========================
// 2. Error Constructors
// ==========================

// NewInvalidInputError creates a non-retryable validation error.
func NewInvalidInputError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidInput,
		Message:   "Invalid input",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidInputErrorf is NewInvalidInputError with formatting.
func NewInvalidInputErrorf(format string, args ...interface{}) *StandardError {
	return NewInvalidInputError(fmt.Sprintf(format, args...))
}

// NewUnsupportedMediaError rejects uploads that are not audio.
func NewUnsupportedMediaError(filename, contentType string) *StandardError {
	return &StandardError{
		Code:      ErrCodeUnsupportedMedia,
		Message:   "File must be an audio file",
		Details:   fmt.Sprintf("filename: %s, contentType: %s", filename, contentType),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewBatchTooLargeError rejects batches above the configured limit.
func NewBatchTooLargeError(size, limit int) *StandardError {
	return &StandardError{
		Code:      ErrCodeBatchTooLarge,
		Message:   fmt.Sprintf("Batch size limited to %d files", limit),
		Details:   fmt.Sprintf("received: %d", size),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewTranscriptionUnavailableError wraps a failing adapter call. Transport
// level failures are retryable.
func NewTranscriptionUnavailableError(backend string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeTranscriptionUnavailable,
		Message:   fmt.Sprintf("Transcription backend '%s' unavailable", backend),
		Details:   err.Error(),
		Retryable: true,
		Metadata:  map[string]interface{}{"backend": backend},
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewNoSpeechError is returned when the adapter succeeded but recognized nothing.
func NewNoSpeechError(backend string) *StandardError {
	return &StandardError{
		Code:      ErrCodeTranscriptionUnavailable,
		Message:   NoSpeechFragment,
		Details:   fmt.Sprintf("backend: %s", backend),
		Retryable: false,
		Metadata:  map[string]interface{}{"backend": backend},
		Timestamp: time.Now().UTC(),
	}
}

// NewJobNotFoundError creates a non-retryable lookup error.
func NewJobNotFoundError(jobID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeJobNotFound,
		Message:   "Job not found",
		Details:   fmt.Sprintf("jobId: %s", jobID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewBatchNotFoundError creates a non-retryable lookup error.
func NewBatchNotFoundError(batchID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeBatchNotFound,
		Message:   "Batch not found",
		Details:   fmt.Sprintf("batchId: %s", batchID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewIllegalStateTransitionError signals a state machine invariant violation.
// It indicates a bug and is never user actionable.
func NewIllegalStateTransitionError(jobID, from, to string) *StandardError {
	return &StandardError{
		Code:      ErrCodeIllegalStateTransition,
		Message:   "Illegal job state transition",
		Details:   fmt.Sprintf("jobId: %s, %s -> %s", jobID, from, to),
		Retryable: false,
		Metadata:  map[string]interface{}{"jobId": jobID, "from": from, "to": to},
		Timestamp: time.Now().UTC(),
	}
}

// NewTimeoutError marks a job that exceeded its processing budget.
func NewTimeoutError(jobID string, budget time.Duration) *StandardError {
	return &StandardError{
		Code:      ErrCodeTimeout,
		Message:   "Job exceeded processing timeout",
		Details:   fmt.Sprintf("jobId: %s, timeout: %s", jobID, budget),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewStoreUnavailableError wraps job store / queue backend failures.
func NewStoreUnavailableError(op string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeStoreUnavailable,
		Message:   fmt.Sprintf("Job store operation '%s' failed", op),
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewInternalError wraps anything unexpected.
func NewInternalError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeInternal,
		Message:   "Unexpected error",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// ==========================
// 3. Utility Functions
// ==========================

// Normalize ensures we always have a StandardError.
func Normalize(err error) *StandardError {
	if err == nil {
		return nil
	}
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return &StandardError{
			Code:      ErrCodeTimeout,
			Message:   "Operation deadline exceeded",
			Details:   err.Error(),
			Timestamp: time.Now().UTC(),
			cause:     err,
		}
	}
	return NewInternalError(err)
}

// CodeOf returns the code of err, or INTERNAL_ERROR for foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return Normalize(err).Code
}

// IsRetryable reports whether err is a StandardError flagged retryable.
func IsRetryable(err error) bool {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr.Retryable
	}
	return false
}

// GetRetryCount returns the recommended retry count for a code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeTranscriptionUnavailable, ErrCodeStoreUnavailable:
		return 3
	default:
		return 0
	}
}

// HTTPStatus maps an error code onto the status used by the HTTP surface.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidInput, ErrCodeBatchTooLarge, ErrCodeUnsupportedMedia:
		return http.StatusBadRequest
	case ErrCodeJobNotFound, ErrCodeBatchNotFound:
		return http.StatusNotFound
	case ErrCodeTranscriptionUnavailable:
		return http.StatusUnprocessableEntity
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// StatusFor refines HTTPStatus for a concrete error: a transcription backend
// that could not be reached maps to 502 rather than 422.
func StatusFor(err error) int {
	stdErr := Normalize(err)
	if stdErr == nil {
		return http.StatusOK
	}
	if stdErr.Code == ErrCodeTranscriptionUnavailable && stdErr.Retryable {
		return http.StatusBadGateway
	}
	return HTTPStatus(stdErr.Code)
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "INVALID") || strings.Contains(codeStr, "UNSUPPORTED") || strings.Contains(codeStr, "BATCH_TOO"):
		return "VALIDATION"
	case strings.Contains(codeStr, "TRANSCRIPTION"):
		return "TRANSCRIPTION"
	case strings.Contains(codeStr, "NOT_FOUND"):
		return "LOOKUP"
	case strings.Contains(codeStr, "STATE") || strings.Contains(codeStr, "TIMEOUT"):
		return "LIFECYCLE"
	case strings.Contains(codeStr, "STORE"):
		return "STORAGE"
	default:
		return "OTHER"
	}
}
