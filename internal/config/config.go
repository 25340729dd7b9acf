package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	webhooksvc "github.com/AgentPay-Network/payment_layer/internal/app/services/webhook"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host" env:"SERVER_HOST,default=0.0.0.0"`
	Port int    `yaml:"port" env:"SERVER_PORT,default=8080"`
}

// LoggingConfig mirrors pkg/logger.LoggingConfig.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL,default=info"`
	Format     string `yaml:"format" env:"LOG_FORMAT,default=text"`
	Output     string `yaml:"output" env:"LOG_OUTPUT,default=stdout"`
	FilePrefix string `yaml:"filePrefix" env:"LOG_FILE_PREFIX"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is "file", "memory" or "postgres".
	Backend     string `yaml:"backend" env:"STORAGE_BACKEND,default=file"`
	DataDir     string `yaml:"dataDir" env:"STORAGE_DATA_DIR,default=data"`
	PostgresDSN string `yaml:"postgresDsn" env:"STORAGE_POSTGRES_DSN"`
	// RedisAddr, when set, moves the event log to Redis.
	RedisAddr     string `yaml:"redisAddr" env:"STORAGE_REDIS_ADDR"`
	RedisPassword string `yaml:"redisPassword" env:"STORAGE_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redisDb" env:"STORAGE_REDIS_DB,default=0"`
}

// WebhookConfig carries the delivery options in their wire units
// (milliseconds). Unknown options in the config file are rejected.
type WebhookConfig struct {
	MaxRetries                int     `yaml:"maxRetries" env:"WEBHOOK_MAX_RETRIES,default=5"`
	InitialDelayMs            int     `yaml:"initialDelayMs" env:"WEBHOOK_INITIAL_DELAY_MS,default=1000"`
	MaxDelayMs                int     `yaml:"maxDelayMs" env:"WEBHOOK_MAX_DELAY_MS,default=3600000"`
	BackoffMultiplier         float64 `yaml:"backoffMultiplier" env:"WEBHOOK_BACKOFF_MULTIPLIER,default=2"`
	RequestTimeoutMs          int     `yaml:"requestTimeoutMs" env:"WEBHOOK_REQUEST_TIMEOUT_MS,default=10000"`
	MaxLogEntries             int     `yaml:"maxLogEntries" env:"WEBHOOK_MAX_LOG_ENTRIES,default=10000"`
	QueueCheckpointIntervalMs int     `yaml:"queueCheckpointIntervalMs" env:"WEBHOOK_QUEUE_CHECKPOINT_INTERVAL_MS,default=5000"`
	DeliveryFanOut            int     `yaml:"deliveryFanOut" env:"WEBHOOK_DELIVERY_FAN_OUT,default=5"`
	WorkerTickMs              int     `yaml:"workerTickMs" env:"WEBHOOK_WORKER_TICK_MS,default=1000"`
	RateLimitPerSecond        float64 `yaml:"rateLimitPerSecond" env:"WEBHOOK_RATE_LIMIT_PER_SECOND,default=0"`
}

// SchedulesConfig holds the cron expressions driving the sweep operations.
type SchedulesConfig struct {
	TimeoutSweep    string `yaml:"timeoutSweep" env:"SCHEDULE_TIMEOUT_SWEEP,default=@every 1m"`
	ExpirySweep     string `yaml:"expirySweep" env:"SCHEDULE_EXPIRY_SWEEP,default=@every 1m"`
	SettlementBatch string `yaml:"settlementBatch" env:"SCHEDULE_SETTLEMENT_BATCH,default=0 3 * * *"`
}

// ExecutorConfig points at the optional external payment executor.
type ExecutorConfig struct {
	Endpoint string `yaml:"endpoint" env:"EXECUTOR_ENDPOINT"`
	APIKey   string `yaml:"apiKey" env:"EXECUTOR_API_KEY"`
}

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Schedules SchedulesConfig `yaml:"schedules"`
	Executor  ExecutorConfig  `yaml:"executor"`
}

// Load resolves defaults and environment variables first, then overlays the
// optional YAML file at path, so explicit file settings win. Unknown keys in
// the file are rejected.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			dec := yaml.NewDecoder(bytes.NewReader(data))
			dec.KnownFields(true)
			if err := dec.Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "file", "memory", "postgres":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("postgres backend requires a dsn")
	}
	if c.Webhook.MaxRetries < 1 {
		return fmt.Errorf("webhook maxRetries must be at least 1")
	}
	if c.Webhook.BackoffMultiplier < 1 {
		return fmt.Errorf("webhook backoffMultiplier must be at least 1")
	}
	return nil
}

// WebhookOptions converts the wire-unit settings to engine options.
func (c *Config) WebhookOptions() webhooksvc.Options {
	return webhooksvc.Options{
		MaxRetries:              c.Webhook.MaxRetries,
		InitialDelay:            time.Duration(c.Webhook.InitialDelayMs) * time.Millisecond,
		MaxDelay:                time.Duration(c.Webhook.MaxDelayMs) * time.Millisecond,
		BackoffMultiplier:       c.Webhook.BackoffMultiplier,
		RequestTimeout:          time.Duration(c.Webhook.RequestTimeoutMs) * time.Millisecond,
		MaxLogEntries:           c.Webhook.MaxLogEntries,
		QueueCheckpointInterval: time.Duration(c.Webhook.QueueCheckpointIntervalMs) * time.Millisecond,
		DeliveryFanOut:          c.Webhook.DeliveryFanOut,
		WorkerTick:              time.Duration(c.Webhook.WorkerTickMs) * time.Millisecond,
	}
}
