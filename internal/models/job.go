// internal/models/job.go
package models

import "time"

type JobState string

const (
	JobPending  JobState = "PENDING"
	JobProgress JobState = "PROGRESS"
	JobSuccess  JobState = "SUCCESS"
	JobFailure  JobState = "FAILURE"
	JobRevoked  JobState = "REVOKED"
)

func (s JobState) IsTerminal() bool {
	switch s {
	case JobSuccess, JobFailure, JobRevoked:
		return true
	}
	return false
}

func (s JobState) Valid() bool {
	switch s {
	case JobPending, JobProgress, JobSuccess, JobFailure, JobRevoked:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal edge of the job
// state machine. PROGRESS -> PROGRESS is a progress update in place.
func CanTransition(from, to JobState) bool {
	switch from {
	case JobPending:
		return to == JobProgress || to.IsTerminal()
	case JobProgress:
		return to == JobProgress || to.IsTerminal()
	default:
		return false
	}
}

// Timeout is the hard processing budget of the job once it started.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutMs) * time.Millisecond
}

type Progress struct {
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
}

type Job struct {
	ID           string            `json:"id"`
	State        JobState          `json:"state"`
	Progress     *Progress         `json:"progress,omitempty"`
	Result       *AssessmentResult `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`
	Filename     string            `json:"filename,omitempty"`
	ExpectedText string            `json:"expected_text"`
	ExpectedWPM  float64           `json:"expected_wpm"`
	Model        string            `json:"model,omitempty"`
	ContentType  string            `json:"content_type,omitempty"`
	BatchID      string            `json:"batch_id,omitempty"`
	Attempts     int               `json:"attempts"`
	TimeoutMs    int64             `json:"timeout_ms"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
	Revision     int64             `json:"revision"`
}

// Clone returns a copy that shares no mutable state with j. Results are
// immutable once written, so the pointer is shared.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.Progress != nil {
		p := *j.Progress
		out.Progress = &p
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

type Batch struct {
	ID        string      `json:"id"`
	JobIDs    []string    `json:"job_ids"`
	Items     []BatchItem `json:"items"`
	CreatedAt time.Time   `json:"created_at"`
}

// BatchItem records the outcome of submitting one file of a batch: either a
// job id or the submission error.
type BatchItem struct {
	Filename string `json:"filename"`
	JobID    string `json:"job_id,omitempty"`
	Error    string `json:"error,omitempty"`
}
