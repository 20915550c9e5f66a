package transcription

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"reading-assessment/internal/common/errors"
	apphttp "reading-assessment/internal/common/http"
	"reading-assessment/internal/common/logger"
)

const maxResponseBytes = 16 << 20

// WhisperServer talks to a whisper.cpp compatible HTTP server
// (POST /inference, multipart form, verbose_json response).
type WhisperServer struct {
	baseURL string
	client  *apphttp.Client
	logger  logger.Logger
}

func NewWhisperServer(baseURL string, timeout time.Duration, log logger.Logger) *WhisperServer {
	return &WhisperServer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  apphttp.NewClient(timeout),
		logger:  log.WithFields(map[string]interface{}{"backend": "whisper_server"}),
	}
}

func (w *WhisperServer) Name() string { return "whisper_server" }

func (w *WhisperServer) Transcribe(ctx context.Context, audio Audio, model string) (*Transcription, error) {
	body, contentType, err := buildInferenceForm(audio, model)
	if err != nil {
		return nil, errors.NewInternalError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/inference", body)
	if err != nil {
		return nil, errors.NewInternalError(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, errors.NewTranscriptionUnavailableError(w.Name(), fmt.Errorf("http request: %w", err))
	}
	data, err := apphttp.ReadBody(resp, maxResponseBytes)
	if err != nil {
		stdErr := errors.NewTranscriptionUnavailableError(w.Name(), err)
		var statusErr *apphttp.StatusError
		if stderrors.As(err, &statusErr) && statusErr.StatusCode < http.StatusInternalServerError {
			stdErr.Retryable = false
		}
		return nil, stdErr
	}

	t, err := parseVerbose(w.Name(), data)
	if err != nil {
		return nil, err
	}
	t.Model = model

	w.logger.Debug("transcription received", map[string]interface{}{
		"filename":   audio.Filename,
		"words":      len(t.Words),
		"durationMs": time.Since(start).Milliseconds(),
	})
	return t, nil
}

// Check treats any non-5xx answer from the server root as healthy.
func (w *WhisperServer) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("whisper server unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("whisper server returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func buildInferenceForm(audio Audio, model string) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	filename := audio.Filename
	if filename == "" {
		filename = "audio.wav"
	}
	contentType := audio.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(filename)))
	h.Set("Content-Type", contentType)
	fw, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(audio.Data); err != nil {
		return nil, "", fmt.Errorf("write audio data: %w", err)
	}

	fields := map[string]string{
		"response_format": "verbose_json",
		"temperature":     "0.0",
	}
	if model != "" {
		fields["model"] = model
	}
	for _, k := range []string{"response_format", "temperature", "model"} {
		v, ok := fields[k]
		if !ok {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write %s field: %w", k, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
