package transcription

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"reading-assessment/internal/common/errors"
	"reading-assessment/internal/common/logger"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI transcribes through the OpenAI audio API. Size hints like "base"
// have no meaning there, so the configured model is always used.
type OpenAI struct {
	client oai.Client
	model  string
	logger logger.Logger
}

type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
}

func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) { c.baseURL = url }
}

func WithOpenAITimeout(d time.Duration) OpenAIOption {
	return func(c *openAIConfig) { c.timeout = d }
}

// WithOpenAIMaxRetries sets SDK level retries. The job pool retries on its
// own, so the default is 0.
func WithOpenAIMaxRetries(n int) OpenAIOption {
	return func(c *openAIConfig) { c.maxRetries = n }
}

func NewOpenAI(apiKey, model string, log logger.Logger, opts ...OpenAIOption) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai transcription: apiKey must not be empty")
	}
	if model == "" {
		model = "whisper-1"
	}

	cfg := &openAIConfig{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &OpenAI{
		client: oai.NewClient(reqOpts...),
		model:  model,
		logger: log.WithFields(map[string]interface{}{"backend": "openai"}),
	}, nil
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Transcribe(ctx context.Context, audio Audio, _ string) (*Transcription, error) {
	filename := audio.Filename
	if filename == "" {
		filename = "audio.wav"
	}

	resp, err := o.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		File:                   oai.File(bytes.NewReader(audio.Data), filename, audio.ContentType),
		Model:                  oai.AudioModel(o.model),
		ResponseFormat:         oai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []string{"word", "segment"},
	})
	if err != nil {
		stdErr := errors.NewTranscriptionUnavailableError(o.Name(), err)
		var apiErr *oai.Error
		if stderrors.As(err, &apiErr) {
			stdErr.Retryable = apiErr.StatusCode >= http.StatusInternalServerError || apiErr.StatusCode == http.StatusTooManyRequests
		}
		return nil, stdErr
	}

	t, err := parseVerbose(o.Name(), []byte(resp.RawJSON()))
	if err != nil {
		return nil, err
	}
	t.Model = o.model

	o.logger.Debug("transcription received", map[string]interface{}{
		"filename": audio.Filename,
		"words":    len(t.Words),
	})
	return t, nil
}
