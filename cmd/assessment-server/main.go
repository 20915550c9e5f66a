// cmd/assessment-server/main.go
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"reading-assessment/internal/common/config"
	"reading-assessment/internal/common/database"
	"reading-assessment/internal/common/logger"
	"reading-assessment/internal/common/observability"
	"reading-assessment/internal/common/resilience"
	"reading-assessment/internal/health"
	"reading-assessment/internal/jobs"
	"reading-assessment/internal/notify"
	"reading-assessment/internal/server"
	"reading-assessment/internal/transcription"

	ar "reading-assessment/internal/workers/assessment/analyze-reading"
)

const serviceName = "reading-assessment"

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog, err := logger.New(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer zapLog.Sync()

	log := logger.NewZapAdapter(zapLog)
	zapLog.Info("Starting assessment server...",
		zap.String("environment", cfg.App.Environment),
		zap.String("store", cfg.Store.Backend),
		zap.Strings("backends", cfg.Transcription.Backends),
	)

	spanExporter, err := observability.NewTraceExporter(cfg.Tracing.Exporter, log)
	if err != nil {
		zapLog.Fatal("trace exporter init failed", zap.Error(err))
	}
	obs := observability.New(serviceName,
		observability.WithSpanExporter(spanExporter),
		observability.WithSampleRatio(cfg.Tracing.SampleRatio),
	)
	defer obs.Shutdown()
	zapLog.Info("Tracing configured",
		zap.String("exporter", cfg.Tracing.Exporter),
		zap.Bool("enabled", obs.Tracing()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Store and queue ---
	var (
		store    jobs.Store
		queue    jobs.Queue
		checkers []health.Checker
	)
	resultTTL := config.GetDuration(cfg.Store.ResultTTL)

	switch cfg.Store.Backend {
	case config.StoreRedis:
		var rdb *database.RedisClient
		err = retryWithBackoff(func() error {
			var err error
			rdb, err = database.NewRedis(cfg.Database.Redis)
			if err != nil {
				return err
			}
			return rdb.Ping(ctx)
		}, 10, 2*time.Second, zapLog, "Redis connection")
		if err != nil {
			zapLog.Fatal("redis failed after retries", zap.Error(err))
		}
		defer rdb.Close()
		zapLog.Info("Redis connected successfully")

		store = jobs.NewRedisStore(rdb.GetClient(), resultTTL)
		queue = jobs.NewRedisQueue(rdb.GetClient(), config.GetDuration(cfg.Queue.DequeueTimeout))
		checkers = append(checkers, health.Checker{Name: "redis", Check: rdb.Ping})
	default:
		store = jobs.NewMemoryStore(resultTTL)
		queue = jobs.NewMemoryQueue()
		zapLog.Warn("Using in-memory job store; jobs do not survive restarts")
	}

	// --- Transcription backends ---
	transcriber, err := buildTranscriber(cfg, log)
	if err != nil {
		zapLog.Fatal("transcriber init failed", zap.Error(err))
	}
	checkers = append(checkers, health.Checker{Name: "transcriber", Check: transcriber.Check})

	// --- Notifications ---
	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Notifications.SNS.Enabled {
		client, err := notify.NewSNSClient(ctx, cfg.Notifications.SNS.Region)
		if err != nil {
			zapLog.Fatal("sns client init failed", zap.Error(err))
		}
		notifier = notify.NewSNSNotifier(client, cfg.Notifications.SNS.TopicARN, log)
		zapLog.Info("SNS notifications enabled", zap.String("topic", cfg.Notifications.SNS.TopicARN))
	}

	// --- Orchestrator, worker and pool ---
	orch, err := jobs.NewOrchestrator(store, queue, log,
		jobs.WithNotifier(notifier),
		jobs.WithObservability(obs),
		jobs.WithMaxBatch(cfg.Server.MaxBatchFiles),
		jobs.WithMaxAudioBytes(cfg.Server.MaxUploadBytes),
		jobs.WithModels(cfg.Transcription.DefaultModel, cfg.Transcription.AllowedModels),
		jobs.WithBaseTimeout(config.GetDuration(cfg.Queue.BaseTimeout)),
	)
	if err != nil {
		zapLog.Fatal("orchestrator init failed", zap.Error(err))
	}

	handler := ar.NewHandler(ar.LoadConfig(cfg), transcriber, log, obs)
	pool := jobs.NewPool(orch, queue, handler, jobs.PoolConfig{
		Workers:        cfg.Queue.Workers,
		ReaperInterval: config.GetDuration(cfg.Queue.ReaperInterval),
	}, log)

	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(ctx) }()
	zapLog.Info("Worker pool started", zap.Int("workers", cfg.Queue.Workers))

	// --- HTTP ---
	probes := health.New(health.Summary{
		Service:      serviceName,
		Version:      cfg.App.Version,
		DefaultModel: cfg.Transcription.DefaultModel,
		Backends:     cfg.Transcription.Backends,
	}, checkers...)

	api := server.New(server.Config{
		MaxUploadBytes:     cfg.Server.MaxUploadBytes,
		MaxBatchFiles:      cfg.Server.MaxBatchFiles,
		DefaultExpectedWPM: cfg.Scoring.DefaultExpectedWPM,
		DefaultModel:       cfg.Transcription.DefaultModel,
		Workers:            cfg.Queue.Workers,
	}, orch, handler, probes, log)

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      api.Handler(),
		ReadTimeout:  config.GetDuration(cfg.Server.ReadTimeout),
		WriteTimeout: config.GetDuration(cfg.Server.WriteTimeout),
	}
	go func() {
		zapLog.Info("HTTP server listening", zap.String("address", cfg.Server.Address))
		if err := httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			zapLog.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" && cfg.Server.MetricsAddress != cfg.Server.Address {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Server.MetricsAddress, Handler: mux}
		go func() {
			zapLog.Info("Metrics server listening", zap.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				zapLog.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	// --- Graceful Shutdown ---
	<-ctx.Done()
	zapLog.Info("Shutdown signal received, draining...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("http server shutdown failed", zap.Error(err))
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	select {
	case err := <-poolDone:
		if err != nil {
			zapLog.Error("worker pool stopped with error", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		zapLog.Warn("worker pool did not stop in time; interrupted jobs are requeued and taken over on next start")
	}

	zapLog.Info("Assessment server stopped")
}

// buildTranscriber wires the configured backends, in order, behind a
// circuit-breaking fallback.
func buildTranscriber(cfg *config.Config, log logger.Logger) (*transcription.Fallback, error) {
	timeout := config.GetDuration(cfg.Transcription.Timeout)

	var backends []transcription.Transcriber
	for _, name := range cfg.Transcription.Backends {
		switch name {
		case config.BackendWhisperServer:
			backends = append(backends, transcription.NewWhisperServer(cfg.Transcription.WhisperServerURL, timeout, log))
		case config.BackendOpenAI:
			opts := []transcription.OpenAIOption{transcription.WithOpenAITimeout(timeout)}
			if cfg.Transcription.OpenAIBaseURL != "" {
				opts = append(opts, transcription.WithOpenAIBaseURL(cfg.Transcription.OpenAIBaseURL))
			}
			oa, err := transcription.NewOpenAI(cfg.Transcription.OpenAIAPIKey, cfg.Transcription.OpenAIModel, log, opts...)
			if err != nil {
				return nil, err
			}
			backends = append(backends, oa)
		default:
			return nil, fmt.Errorf("unknown transcription backend %q", name)
		}
	}

	return transcription.NewFallback(resilience.Config{
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
		HalfOpenMax:  1,
	}, log, backends...), nil
}
