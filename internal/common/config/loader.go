package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BackendWhisperServer = "whisper_server"
	BackendOpenAI        = "openai"

	StoreMemory = "memory"
	StoreRedis  = "redis"

	TraceExporterNone = "none"
	TraceExporterLog  = "log"
)

func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	// ENV override like SERVER_ADDRESS or QUEUE_WORKERS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig() // optional

	return finish(v)
}

func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return finish(v)
}

func finish(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideEmptyConfig(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func loadEnvFile() {
	possiblePaths := []string{".env", "../.env", "../../.env"}
	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			expanded := os.ExpandEnv(strVal)
			if expanded != strVal && expanded != "" {
				v.Set(key, expanded)
			}
		}
	}
}

// overrideEmptyConfig honours the well-known variables of the deployment
// environment when the config file leaves them blank.
func overrideEmptyConfig(cfg *Config) {
	if cfg.Database.Redis.URL == "" {
		if val := os.Getenv("REDIS_URL"); val != "" {
			cfg.Database.Redis.URL = val
		}
	}
	if cfg.Transcription.DefaultModel == "" {
		if val := os.Getenv("WHISPER_MODEL"); val != "" {
			cfg.Transcription.DefaultModel = val
		}
	}
	if cfg.Transcription.OpenAIAPIKey == "" {
		if val := os.Getenv("OPENAI_API_KEY"); val != "" {
			cfg.Transcription.OpenAIAPIKey = val
		}
	}
	if cfg.Transcription.WhisperServerURL == "" {
		if val := os.Getenv("WHISPER_SERVER_URL"); val != "" {
			cfg.Transcription.WhisperServerURL = val
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "reading-assessment"
	}
	if cfg.App.Environment == "" {
		cfg.App.Environment = "development"
	}

	// Server defaults
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8000"
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 25 << 20
	}
	if cfg.Server.MaxBatchFiles == 0 {
		cfg.Server.MaxBatchFiles = 50
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 60000
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 600000
	}

	// Store defaults
	if cfg.Store.Backend == "" {
		if cfg.Database.Redis.URL != "" || cfg.Database.Redis.Address != "" {
			cfg.Store.Backend = StoreRedis
		} else {
			cfg.Store.Backend = StoreMemory
		}
	}
	if cfg.Store.ResultTTL == 0 {
		cfg.Store.ResultTTL = 3600000
	}

	// Queue defaults
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = 2
	}
	if cfg.Queue.BaseTimeout == 0 {
		cfg.Queue.BaseTimeout = 600000
	}
	if cfg.Queue.ReaperInterval == 0 {
		cfg.Queue.ReaperInterval = 5000
	}
	if cfg.Queue.DequeueTimeout == 0 {
		cfg.Queue.DequeueTimeout = 2000
	}

	// Scoring defaults
	if cfg.Scoring.PauseThreshold == 0 {
		cfg.Scoring.PauseThreshold = 1.0
	}
	if cfg.Scoring.PaceTolerance == 0 {
		cfg.Scoring.PaceTolerance = 0.15
	}
	if cfg.Scoring.DefaultExpectedWPM == 0 {
		cfg.Scoring.DefaultExpectedWPM = 100
	}

	// Transcription defaults
	if len(cfg.Transcription.Backends) == 0 {
		cfg.Transcription.Backends = []string{BackendWhisperServer}
		if cfg.Transcription.OpenAIAPIKey != "" {
			cfg.Transcription.Backends = append(cfg.Transcription.Backends, BackendOpenAI)
		}
	}
	if cfg.Transcription.WhisperServerURL == "" {
		cfg.Transcription.WhisperServerURL = "http://localhost:8080"
	}
	if cfg.Transcription.OpenAIModel == "" {
		cfg.Transcription.OpenAIModel = "whisper-1"
	}
	if cfg.Transcription.DefaultModel == "" {
		cfg.Transcription.DefaultModel = "base"
	}
	if len(cfg.Transcription.AllowedModels) == 0 {
		cfg.Transcription.AllowedModels = []string{"tiny", "base", "small", "medium", "large"}
	}
	if cfg.Transcription.Timeout == 0 {
		cfg.Transcription.Timeout = 300000
	}
	if cfg.Transcription.MaxRetries == 0 {
		cfg.Transcription.MaxRetries = 2
	}
	if cfg.Transcription.RetryBaseDelay == 0 {
		cfg.Transcription.RetryBaseDelay = 1000
	}
	if cfg.Transcription.RetryMaxDelay == 0 {
		cfg.Transcription.RetryMaxDelay = 30000
	}

	// Tracing defaults
	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = TraceExporterNone
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 1
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if cfg.Database.Redis.Address == "" && cfg.Database.Redis.URL == "" {
			return fmt.Errorf("database.redis.address or url is required for the redis store")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", StoreMemory, StoreRedis, cfg.Store.Backend)
	}

	if cfg.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be at least 1")
	}
	if cfg.Scoring.PauseThreshold < 0 {
		return fmt.Errorf("scoring.pause_threshold must not be negative")
	}
	if cfg.Scoring.PaceTolerance < 0 || cfg.Scoring.PaceTolerance >= 1 {
		return fmt.Errorf("scoring.pace_tolerance must be in [0,1)")
	}
	if cfg.Scoring.DefaultExpectedWPM <= 0 {
		return fmt.Errorf("scoring.default_expected_wpm must be positive")
	}

	for _, b := range cfg.Transcription.Backends {
		switch b {
		case BackendWhisperServer:
		case BackendOpenAI:
			if cfg.Transcription.OpenAIAPIKey == "" {
				return fmt.Errorf("transcription.openai_api_key is required for the openai backend")
			}
		default:
			return fmt.Errorf("unknown transcription backend %q", b)
		}
	}
	if !cfg.Transcription.IsAllowedModel(cfg.Transcription.DefaultModel) {
		return fmt.Errorf("transcription.default_model %q is not in allowed_models", cfg.Transcription.DefaultModel)
	}

	if cfg.Notifications.SNS.Enabled && cfg.Notifications.SNS.TopicARN == "" {
		return fmt.Errorf("notifications.sns.topic_arn is required when sns is enabled")
	}

	switch cfg.Tracing.Exporter {
	case TraceExporterNone, TraceExporterLog:
	default:
		return fmt.Errorf("tracing.exporter must be %q or %q, got %q", TraceExporterNone, TraceExporterLog, cfg.Tracing.Exporter)
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be in (0,1]")
	}
	return nil
}
