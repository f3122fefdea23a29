package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds the environment driven configuration for the voice service.
type Config struct {
	ServiceName     string        `env:"SERVICE_NAME" envDefault:"voice-api"`
	Environment     string        `env:"ENVIRONMENT" envDefault:"development"`
	HTTPPort        int           `env:"HTTP_PORT" envDefault:"8084"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	EnableTracing   bool          `env:"ENABLE_TRACING" envDefault:"false"`
	OTLPEndpoint    string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Session persistence. When empty the service runs with the in-memory
	// registry and queue (single-node/dev mode).
	DatabaseURL    string        `env:"VOICE_DATABASE_URL" envDefault:""`
	DBMaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBMaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"15"`
	DBConnLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`

	// Pub/sub backbone. When empty the in-process bus is used and job results
	// are only deliverable to clients connected to this instance.
	RedisURL string `env:"VOICE_REDIS_URL" envDefault:""`

	// Chunk storage.
	StorageBackend  string `env:"VOICE_STORAGE_BACKEND" envDefault:"local"`
	S3Endpoint      string `env:"VOICE_S3_ENDPOINT" envDefault:""`
	S3Region        string `env:"VOICE_S3_REGION" envDefault:"us-east-1"`
	S3Bucket        string `env:"VOICE_S3_BUCKET" envDefault:""`
	S3AccessKeyID   string `env:"VOICE_S3_ACCESS_KEY_ID" envDefault:""`
	S3SecretKey     string `env:"VOICE_S3_SECRET_KEY" envDefault:""`
	S3UsePathStyle  bool   `env:"VOICE_S3_USE_PATH_STYLE" envDefault:"true"`
	LocalStorageDir string `env:"VOICE_LOCAL_STORAGE_PATH" envDefault:"./data/audio"`
	ChunkSizeBytes  int    `env:"VOICE_CHUNK_SIZE_BYTES" envDefault:"262144"`

	// Providers.
	OpenAIAPIKey    string        `env:"OPENAI_API_KEY" envDefault:""`
	OpenAIBaseURL   string        `env:"OPENAI_BASE_URL" envDefault:""`
	WhisperModel    string        `env:"WHISPER_MODEL" envDefault:"whisper-1"`
	ChatModel       string        `env:"CHAT_MODEL" envDefault:"gpt-4o-mini"`
	ASRFallbackURL  string        `env:"ASR_FALLBACK_URL" envDefault:""`
	ASRFallbackKey  string        `env:"ASR_FALLBACK_API_KEY" envDefault:""`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"30s"`

	// Circuit breakers (one instance per external dependency).
	BreakerFailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerWindow           time.Duration `env:"BREAKER_WINDOW" envDefault:"60s"`
	BreakerResetTimeout     time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	// Background workers.
	WorkerCount     int           `env:"WORKER_COUNT" envDefault:"4"`
	JobTimeout      time.Duration `env:"JOB_TIMEOUT" envDefault:"90s"`
	JobMaxAttempts  int           `env:"JOB_MAX_ATTEMPTS" envDefault:"3"`
	JobPollInterval time.Duration `env:"JOB_POLL_INTERVAL" envDefault:"500ms"`

	// Session lifecycle.
	SessionIdleTTL time.Duration `env:"SESSION_IDLE_TTL" envDefault:"10m"`
	ReaperInterval time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.StorageBackend)) {
	case "s3":
		cfg.StorageBackend = "s3"
		if strings.TrimSpace(cfg.S3Bucket) == "" {
			return nil, fmt.Errorf("VOICE_S3_BUCKET is required when VOICE_STORAGE_BACKEND is s3")
		}
	case "local", "":
		cfg.StorageBackend = "local"
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.StorageBackend)
	}

	if cfg.ChunkSizeBytes <= 0 {
		cfg.ChunkSizeBytes = 262144
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.JobMaxAttempts <= 0 {
		cfg.JobMaxAttempts = 3
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 90 * time.Second
	}

	return cfg, nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
