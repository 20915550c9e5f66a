// Package server exposes the assessment pipeline over HTTP: synchronous
// analysis, the job queue endpoints, health probes and /metrics.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"reading-assessment/internal/common/errors"
	"reading-assessment/internal/common/logger"
	"reading-assessment/internal/common/metrics"
	"reading-assessment/internal/health"
	"reading-assessment/internal/jobs"
	"reading-assessment/internal/models"
	"reading-assessment/internal/transcription"
	analyzereading "reading-assessment/internal/workers/assessment/analyze-reading"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DefaultMaxUploadBytes = 25 << 20
	DefaultExpectedWPM    = 100
	DefaultModel          = "base"

	// Parts beyond this are spooled to temporary files by mime/multipart.
	multipartMemory = 32 << 20
	// Allowance for form fields and part headers on top of the audio.
	multipartOverhead = 1 << 20
)

// Analyzer runs the assessment pipeline synchronously.
type Analyzer interface {
	Execute(ctx context.Context, input *analyzereading.Input) (*models.AssessmentResult, error)
	Transcribe(ctx context.Context, audio transcription.Audio, model string) (*analyzereading.TranscriptOutput, error)
}

type Config struct {
	MaxUploadBytes     int64
	MaxBatchFiles      int
	DefaultExpectedWPM float64
	DefaultModel       string
	Workers            int
}

type Server struct {
	config   Config
	orch     *jobs.Orchestrator
	analyzer Analyzer
	health   *health.Handler
	errors   *errors.ErrorHandler
	logger   logger.Logger
	started  time.Time
}

func New(cfg Config, orch *jobs.Orchestrator, analyzer Analyzer, probes *health.Handler, log logger.Logger) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.MaxBatchFiles <= 0 {
		cfg.MaxBatchFiles = jobs.DefaultMaxBatch
	}
	if cfg.DefaultExpectedWPM <= 0 {
		cfg.DefaultExpectedWPM = DefaultExpectedWPM
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if probes == nil {
		probes = health.New(health.Summary{Service: "reading-assessment"})
	}

	log = log.WithFields(map[string]interface{}{"component": "http"})
	return &Server{
		config:   cfg,
		orch:     orch,
		analyzer: analyzer,
		health:   probes,
		errors:   errors.NewErrorHandler(log),
		logger:   log,
		started:  time.Now(),
	}
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /analyze", s.handleAnalyze)
	mux.HandleFunc("POST /transcribe", s.handleTranscribe)

	mux.HandleFunc("POST /queue/submit", s.handleSubmit)
	mux.HandleFunc("POST /queue/submit-batch", s.handleSubmitBatch)
	mux.HandleFunc("GET /queue/status/{job_id}", s.handleStatus)
	mux.HandleFunc("GET /queue/batch-status/{batch_id}", s.handleBatchStatus)
	mux.HandleFunc("DELETE /queue/cancel/{job_id}", s.handleCancel)
	mux.HandleFunc("GET /queue/active-jobs", s.handleActiveJobs)
	mux.HandleFunc("GET /queue/queue-stats", s.handleQueueStats)

	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.instrument(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Observe(elapsed.Seconds())

		if route == "GET /metrics" || route == "GET /healthz" || route == "GET /readyz" {
			return
		}
		s.logger.Debug("request served", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": elapsed.String(),
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
