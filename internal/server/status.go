package server

import (
	"time"

	"reading-assessment/internal/models"
)

// jobStatus is the client view of a job. successful and failed are only
// present once the job is ready.
type jobStatus struct {
	JobID      string                   `json:"job_id"`
	Status     models.JobState          `json:"status"`
	Ready      bool                     `json:"ready"`
	Successful *bool                    `json:"successful,omitempty"`
	Failed     *bool                    `json:"failed,omitempty"`
	Progress   *models.Progress         `json:"progress,omitempty"`
	Result     *models.AssessmentResult `json:"result,omitempty"`
	Error      string                   `json:"error,omitempty"`
	ErrorCode  string                   `json:"error_code,omitempty"`
	Filename   string                   `json:"filename,omitempty"`
	BatchID    string                   `json:"batch_id,omitempty"`
	Attempts   int                      `json:"attempts"`
	CreatedAt  time.Time                `json:"created_at"`
	StartedAt  *time.Time               `json:"started_at,omitempty"`
	FinishedAt *time.Time               `json:"finished_at,omitempty"`
}

func newJobStatus(job *models.Job) jobStatus {
	st := jobStatus{
		JobID:      job.ID,
		Status:     job.State,
		Ready:      job.State.IsTerminal(),
		Filename:   job.Filename,
		BatchID:    job.BatchID,
		Attempts:   job.Attempts,
		CreatedAt:  job.CreatedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
	}
	if !st.Ready {
		st.Progress = job.Progress
		return st
	}

	successful := job.State == models.JobSuccess
	failed := job.State == models.JobFailure
	st.Successful = &successful
	st.Failed = &failed
	st.Result = job.Result
	st.Error = job.Error
	st.ErrorCode = job.ErrorCode
	return st
}
