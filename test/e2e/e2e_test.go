// test/e2e/e2e_test.go
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reading-assessment/internal/common/config"
	"reading-assessment/internal/common/database"
	"reading-assessment/internal/common/logger"
	"reading-assessment/internal/common/resilience"
	"reading-assessment/internal/health"
	"reading-assessment/internal/jobs"
	"reading-assessment/internal/server"
	"reading-assessment/internal/transcription"

	ar "reading-assessment/internal/workers/assessment/analyze-reading"
)

// A whisper.cpp style answer for "the quick brown fox", two words per second.
const foxVerbose = `{
  "text": " The quick brown fox.",
  "language": "en",
  "duration": 2.4,
  "segments": [{
    "start": 0.0, "end": 2.0, "text": " The quick brown fox.", "avg_logprob": -0.1,
    "words": [
      {"word": " The", "start": 0.0, "end": 0.4, "probability": 0.98},
      {"word": " quick", "start": 0.5, "end": 0.9, "probability": 0.97},
      {"word": " brown", "start": 1.0, "end": 1.4, "probability": 0.99},
      {"word": " fox.", "start": 1.5, "end": 1.9, "probability": 0.95}
    ]
  }]
}`

type stack struct {
	api   *httptest.Server
	store jobs.Store
	start func()
}

// newRedisClient uses E2E_REDIS_URL when set and an in-process miniredis
// otherwise.
func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	cfg := config.RedisConfig{URL: os.Getenv("E2E_REDIS_URL")}
	if cfg.URL == "" {
		mr := miniredis.RunT(t)
		cfg.Address = mr.Addr()
	}

	rdb, err := database.NewRedis(cfg)
	require.NoError(t, err)
	require.NoError(t, rdb.Ping(context.Background()))
	t.Cleanup(func() { _ = rdb.Close() })

	if cfg.URL != "" {
		require.NoError(t, rdb.GetClient().FlushDB(context.Background()).Err())
	}
	return rdb.GetClient()
}

func newStack(t *testing.T) *stack {
	t.Helper()
	log := logger.NewTestLogger(t)

	whisper := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(foxVerbose))
	}))
	t.Cleanup(whisper.Close)

	client := newRedisClient(t)
	store := jobs.NewRedisStore(client, time.Hour)
	queue := jobs.NewRedisQueue(client, 100*time.Millisecond)

	orch, err := jobs.NewOrchestrator(store, queue, log)
	require.NoError(t, err)

	ws := transcription.NewWhisperServer(whisper.URL, 5*time.Second, log)
	fallback := transcription.NewFallback(resilience.Config{MaxFailures: 3, ResetTimeout: time.Second}, log, ws)
	handler := ar.NewHandler(ar.DefaultConfig(), fallback, log, nil)

	probes := health.New(health.Summary{Service: "reading-assessment"},
		health.Checker{Name: "redis", Check: func(ctx context.Context) error { return client.Ping(ctx).Err() }},
		health.Checker{Name: "transcriber", Check: fallback.Check},
	)
	api := httptest.NewServer(server.New(server.Config{Workers: 2}, orch, handler, probes, log).Handler())
	t.Cleanup(api.Close)

	s := &stack{api: api, store: store}
	s.start = func() {
		pool := jobs.NewPool(orch, queue, handler, jobs.PoolConfig{Workers: 2, ReaperInterval: 100 * time.Millisecond}, log)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- pool.Run(ctx) }()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}
	return s
}

func (s *stack) upload(t *testing.T, path, field string, filenames ...string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("expected_text", "The quick brown fox"))
	require.NoError(t, mw.WriteField("expected_wpm", "100"))
	for _, name := range filenames {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, name))
		h.Set("Content-Type", "audio/wav")
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write([]byte("RIFF0000WAVEfmt "))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(s.api.URL+path, mw.FormDataContentType(), &body)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func (s *stack) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(s.api.URL + path)
	require.NoError(t, err)
	status := resp.StatusCode
	decode(t, resp, out)
	return status
}

type jobView struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	Ready      bool   `json:"ready"`
	Successful *bool  `json:"successful"`
	Result     *struct {
		Accuracy     int      `json:"accuracy"`
		ReadingPace  string   `json:"reading_pace"`
		CorrectWords []string `json:"correct_words"`
	} `json:"result"`
}

// ==========================
// Scenarios
// ==========================

func TestE2E_SyncAnalyze(t *testing.T) {
	s := newStack(t)

	resp := s.upload(t, "/analyze", "audio_file", "fox.wav")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Accuracy       int      `json:"accuracy"`
		ReadingPace    string   `json:"reading_pace"`
		WordsPerMinute *float64 `json:"words_per_minute"`
		MissedWords    []string `json:"missed_words"`
	}
	decode(t, resp, &result)
	assert.Equal(t, 100, result.Accuracy)
	assert.Empty(t, result.MissedWords)
	require.NotNil(t, result.WordsPerMinute)
	assert.InDelta(t, 100.0, *result.WordsPerMinute, 0.5)
	assert.Equal(t, "just-right", result.ReadingPace)
}

func TestE2E_QueuedJobCompletes(t *testing.T) {
	s := newStack(t)
	s.start()

	resp := s.upload(t, "/queue/submit", "audio_file", "fox.wav")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var submitted struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	decode(t, resp, &submitted)
	assert.Equal(t, "PENDING", submitted.Status)

	var job jobView
	require.Eventually(t, func() bool {
		job = jobView{}
		s.get(t, "/queue/status/"+submitted.JobID, &job)
		return job.Ready
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "SUCCESS", job.Status)
	require.NotNil(t, job.Successful)
	assert.True(t, *job.Successful)
	require.NotNil(t, job.Result)
	assert.Equal(t, 100, job.Result.Accuracy)
	assert.Equal(t, []string{"the", "quick", "brown", "fox"}, job.Result.CorrectWords)

	_, err := s.store.LoadAudio(context.Background(), submitted.JobID)
	assert.Error(t, err, "audio is removed once the job finished")
}

func TestE2E_BatchWithCancellation(t *testing.T) {
	s := newStack(t)

	resp := s.upload(t, "/queue/submit-batch", "audio_files", "a.wav", "b.wav", "c.wav")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var batch struct {
		BatchID string   `json:"batch_id"`
		JobIDs  []string `json:"job_ids"`
	}
	decode(t, resp, &batch)
	require.Len(t, batch.JobIDs, 3)

	req, err := http.NewRequest(http.MethodDelete, s.api.URL+"/queue/cancel/"+batch.JobIDs[0], nil)
	require.NoError(t, err)
	cancelResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, cancelResp.StatusCode)
	cancelResp.Body.Close()

	s.start()

	type batchStatus struct {
		Completed bool           `json:"completed"`
		Summary   map[string]int `json:"summary"`
		Jobs      []jobView      `json:"jobs"`
	}
	var status batchStatus
	require.Eventually(t, func() bool {
		// Decode into a fresh value so no map entries survive from an
		// earlier poll.
		var polled batchStatus
		if s.get(t, "/queue/batch-status/"+batch.BatchID, &polled) != http.StatusOK {
			return false
		}
		status = polled
		return status.Completed
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, map[string]int{"REVOKED": 1, "SUCCESS": 2}, status.Summary)
	require.Len(t, status.Jobs, 3)
	assert.Equal(t, "REVOKED", status.Jobs[0].Status)
	assert.Nil(t, status.Jobs[0].Result)

	var stats struct {
		Queued int64            `json:"queued"`
		States map[string]int64 `json:"states"`
	}
	require.Equal(t, http.StatusOK, s.get(t, "/queue/queue-stats", &stats))
	assert.Equal(t, int64(0), stats.Queued)
	assert.Equal(t, int64(2), stats.States["SUCCESS"])
	assert.Equal(t, int64(1), stats.States["REVOKED"])
}

func TestE2E_Readiness(t *testing.T) {
	s := newStack(t)

	var report health.Report
	require.Equal(t, http.StatusOK, s.get(t, "/readyz", &report))
	assert.Equal(t, map[string]string{"redis": "ok", "transcriber": "ok"}, report.Checks)
}
