package config

import "time"

type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Store         StoreConfig         `mapstructure:"store"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Scoring       ScoringConfig       `mapstructure:"scoring"`
	Transcription TranscriptionConfig `mapstructure:"transcription"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Notifications NotificationConfig  `mapstructure:"notifications"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Address        string `mapstructure:"address"`
	MetricsAddress string `mapstructure:"metrics_address"` // empty serves /metrics on Address
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`
	MaxBatchFiles  int    `mapstructure:"max_batch_files"`
	ReadTimeout    int    `mapstructure:"read_timeout"`  // milliseconds
	WriteTimeout   int    `mapstructure:"write_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	URL      string `mapstructure:"url"` // redis://[:password@]host:port/db, wins over Address
}

type StoreConfig struct {
	Backend   string `mapstructure:"backend"`    // memory | redis
	ResultTTL int    `mapstructure:"result_ttl"` // milliseconds
}

type QueueConfig struct {
	Workers        int `mapstructure:"workers"`
	BaseTimeout    int `mapstructure:"base_timeout"`    // milliseconds
	ReaperInterval int `mapstructure:"reaper_interval"` // milliseconds
	DequeueTimeout int `mapstructure:"dequeue_timeout"` // milliseconds
}

type ScoringConfig struct {
	PauseThreshold     float64 `mapstructure:"pause_threshold"` // seconds
	PaceTolerance      float64 `mapstructure:"pace_tolerance"`
	DefaultExpectedWPM float64 `mapstructure:"default_expected_wpm"`
}

type TranscriptionConfig struct {
	Backends         []string `mapstructure:"backends"` // ordered: whisper_server, openai
	WhisperServerURL string   `mapstructure:"whisper_server_url"`
	OpenAIAPIKey     string   `mapstructure:"openai_api_key"`
	OpenAIBaseURL    string   `mapstructure:"openai_base_url"`
	OpenAIModel      string   `mapstructure:"openai_model"`
	DefaultModel     string   `mapstructure:"default_model"`
	AllowedModels    []string `mapstructure:"allowed_models"`
	Timeout          int      `mapstructure:"timeout"` // milliseconds
	MaxRetries       int      `mapstructure:"max_retries"`
	RetryBaseDelay   int      `mapstructure:"retry_base_delay"` // milliseconds
	RetryMaxDelay    int      `mapstructure:"retry_max_delay"`  // milliseconds
}

// IsAllowedModel reports whether a model hint is whitelisted.
func (t TranscriptionConfig) IsAllowedModel(model string) bool {
	for _, m := range t.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

type NotificationConfig struct {
	SNS struct {
		Enabled  bool   `mapstructure:"enabled"`
		Region   string `mapstructure:"region"`
		TopicARN string `mapstructure:"topic_arn"`
	} `mapstructure:"sns"`
}

type TracingConfig struct {
	Exporter    string  `mapstructure:"exporter"`     // none | log
	SampleRatio float64 `mapstructure:"sample_ratio"` // 0 < r <= 1
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}
