// Package notify announces terminal job transitions to external systems.
package notify

import (
	"context"
	"time"

	"reading-assessment/internal/models"
)

// JobEvent describes a job that reached SUCCESS, FAILURE or REVOKED.
type JobEvent struct {
	JobID      string          `json:"job_id"`
	BatchID    string          `json:"batch_id,omitempty"`
	State      models.JobState `json:"state"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Error      string          `json:"error,omitempty"`
	Accuracy   *int            `json:"accuracy,omitempty"`
	Fluency    *float64        `json:"fluency_score,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}

// EventFromJob builds the event for a terminal job.
func EventFromJob(job *models.Job) JobEvent {
	ev := JobEvent{
		JobID:     job.ID,
		BatchID:   job.BatchID,
		State:     job.State,
		ErrorCode: job.ErrorCode,
		Error:     job.Error,
	}
	if job.FinishedAt != nil {
		ev.FinishedAt = *job.FinishedAt
	}
	if job.Result != nil {
		acc := job.Result.Accuracy
		ev.Accuracy = &acc
		ev.Fluency = job.Result.FluencyScore
	}
	return ev
}

// Notifier delivers job events. Delivery is best effort; callers log and
// carry on when it fails.
type Notifier interface {
	Notify(ctx context.Context, event JobEvent) error
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, JobEvent) error { return nil }
