package server

import (
	"net/http"
	"time"

	"reading-assessment/internal/common/errors"
	"reading-assessment/internal/jobs"
	"reading-assessment/internal/models"
	analyzereading "reading-assessment/internal/workers/assessment/analyze-reading"
)

// ==========================
// Synchronous endpoints
// ==========================

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if err := s.parseMultipart(w, r, s.config.MaxUploadBytes+multipartOverhead); err != nil {
		s.errors.WriteError(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	audio, err := s.singleAudio(r)
	if err != nil {
		s.errors.WriteError(w, r, err)
		return
	}
	form, err := s.readForm(r)
	if err != nil {
		s.errors.WriteError(w, r, err)
		return
	}

	result, err := s.analyzer.Execute(r.Context(), &analyzereading.Input{
		Audio:        audio,
		ExpectedText: form.ExpectedText,
		ExpectedWPM:  form.ExpectedWPM,
		Model:        form.Model,
	})
	if err != nil {
		s.errors.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.parseMultipart(w, r, s.config.MaxUploadBytes+multipartOverhead); err != nil {
		s.errors.WriteError(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	audio, err := s.singleAudio(r)
	if err != nil {
		s.errors.WriteError(w, r, err)
		return
	}
	form, err := s.readForm(r)
	if err != nil {
		s.errors.WriteError(w, r, err)
		return
	}

	out, err := s.analyzer.Transcribe(r.Context(), audio, form.Model)
	if err != nil {
		s.errors.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ==========================
// Queue endpoints
// ==========================

type submitResponse struct {
	JobID   string          `json:"job_id"`
	Status  models.JobState `json:"status"`
	Message string          `json:"message"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := s.parseMultipart(w, r, s.config.MaxUploadBytes+multipartOverhead); err != nil {
		s.errors.WriteError(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	audio, err := s.singleAudio(r)
	if err != nil {
		s.errors.WriteError(w, r, err)
		return
	}
	form, err := s.readForm(r)
	if err != nil {
		s.errors.WriteError(w, r, err)
		return
	}

	job, err := s.orch.Submit(r.Context(), &models.SubmitRequest{
		Audio:        audio.Data,
		Filename:     audio.Filename,
		ContentType:  audio.ContentType,
		ExpectedText: form.ExpectedText,
		ExpectedWPM:  form.ExpectedWPM,
		Model:        form.Model,
	})
	if err != nil {
		s.errors.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:   job.ID,
		Status:  job.State,
		Message: "Job submitted successfully. Use /queue/status/" + job.ID + " to check progress.",
	})
}

type batchSubmitResponse struct {
	BatchID     string             `json:"batch_id"`
	TotalFiles  int                `json:"total_files"`
	Accepted    int                `json:"accepted"`
	JobIDs      []string           `json:"job_ids"`
	Items       []models.BatchItem `json:"items"`
	Status      models.JobState    `json:"status"`
	SubmittedAt time.Time          `json:"submitted_at"`
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	limit := s.config.MaxUploadBytes*int64(s.config.MaxBatchFiles) + multipartOverhead
	if err := s.parseMultipart(w, r, limit); err != nil {
		s.errors.WriteError(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File[fieldBatchAudio]
	if len(files) == 0 {
		s.errors.WriteError(w, r, errors.NewInvalidInputErrorf("%s: at least one file is required", fieldBatchAudio))
		return
	}
	if len(files) > s.config.MaxBatchFiles {
		s.errors.WriteError(w, r, errors.NewBatchTooLargeError(len(files), s.config.MaxBatchFiles))
		return
	}
	form, err := s.readForm(r)
	if err != nil {
		s.errors.WriteError(w, r, err)
		return
	}

	reqs := make([]*models.SubmitRequest, 0, len(files))
	for _, fh := range files {
		// An unreadable file is submitted empty and rejected per item.
		audio, err := readAudio(fh)
		if err != nil {
			s.logger.Warn("batch file unreadable", map[string]interface{}{
				"filename": fh.Filename,
				"error":    err.Error(),
			})
		}
		reqs = append(reqs, &models.SubmitRequest{
			Audio:        audio.Data,
			Filename:     audio.Filename,
			ContentType:  audio.ContentType,
			ExpectedText: form.ExpectedText,
			ExpectedWPM:  form.ExpectedWPM,
			Model:        form.Model,
		})
	}

	batch, err := s.orch.SubmitBatch(r.Context(), reqs)
	if err != nil {
		s.errors.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, batchSubmitResponse{
		BatchID:     batch.ID,
		TotalFiles:  len(files),
		Accepted:    len(batch.JobIDs),
		JobIDs:      batch.JobIDs,
		Items:       batch.Items,
		Status:      models.JobPending,
		SubmittedAt: batch.CreatedAt,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.GetStatus(r.Context(), r.PathValue("job_id"))
	if err != nil {
		s.errors.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobStatus(job))
}

type batchStatusResponse struct {
	BatchID     string                  `json:"batch_id"`
	TotalFiles  int                     `json:"total_files"`
	Completed   bool                    `json:"completed"`
	Summary     map[models.JobState]int `json:"summary"`
	Jobs        []jobStatus             `json:"jobs"`
	Items       []models.BatchItem      `json:"items"`
	SubmittedAt time.Time               `json:"submitted_at"`
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.orch.GetBatch(r.Context(), r.PathValue("batch_id"))
	if err != nil {
		s.errors.WriteError(w, r, err)
		return
	}

	resp := batchStatusResponse{
		BatchID:     status.Batch.ID,
		TotalFiles:  len(status.Batch.Items),
		Completed:   status.Completed,
		Summary:     status.Summary,
		Jobs:        make([]jobStatus, 0, len(status.Jobs)),
		Items:       status.Batch.Items,
		SubmittedAt: status.Batch.CreatedAt,
	}
	for _, job := range status.Jobs {
		resp.Jobs = append(resp.Jobs, newJobStatus(job))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, revoked, err := s.orch.Cancel(r.Context(), r.PathValue("job_id"))
	if err != nil {
		s.errors.WriteError(w, r, err)
		return
	}

	msg := "Job cancelled"
	if !revoked {
		msg = "Job already finished"
	}
	writeJSON(w, http.StatusOK, submitResponse{JobID: job.ID, Status: job.State, Message: msg})
}

type activeJob struct {
	JobID     string           `json:"job_id"`
	Status    models.JobState  `json:"status"`
	Progress  *models.Progress `json:"progress,omitempty"`
	Filename  string           `json:"filename,omitempty"`
	BatchID   string           `json:"batch_id,omitempty"`
	Attempts  int              `json:"attempts"`
	CreatedAt time.Time        `json:"created_at"`
	StartedAt *time.Time       `json:"started_at,omitempty"`
}

type activeJobsResponse struct {
	Count   int         `json:"count"`
	Pending int         `json:"pending"`
	Running int         `json:"running"`
	Jobs    []activeJob `json:"jobs"`
}

func (s *Server) handleActiveJobs(w http.ResponseWriter, r *http.Request) {
	active, err := s.orch.ActiveJobs(r.Context())
	if err != nil {
		s.errors.WriteError(w, r, err)
		return
	}

	resp := activeJobsResponse{Count: len(active), Jobs: make([]activeJob, 0, len(active))}
	for _, job := range active {
		switch job.State {
		case models.JobPending:
			resp.Pending++
		case models.JobProgress:
			resp.Running++
		}
		resp.Jobs = append(resp.Jobs, activeJob{
			JobID:     job.ID,
			Status:    job.State,
			Progress:  job.Progress,
			Filename:  job.Filename,
			BatchID:   job.BatchID,
			Attempts:  job.Attempts,
			CreatedAt: job.CreatedAt,
			StartedAt: job.StartedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type queueStatsResponse struct {
	*jobs.QueueStats
	Workers       int     `json:"workers"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.orch.Stats(r.Context())
	if err != nil {
		s.errors.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queueStatsResponse{
		QueueStats:    stats,
		Workers:       s.config.Workers,
		UptimeSeconds: time.Since(s.started).Seconds(),
	})
}
