package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Store backend names shared by the job store, idempotency and dedupe sections.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Lock backend names.
const (
	LockAuto     = "auto"
	LockRedis    = "redis"
	LockPostgres = "postgres"
	LockFile     = "file"
	LockDisabled = "disabled"
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Provider    ProviderConfig    `yaml:"provider"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Outbound    OutboundConfig    `yaml:"outbound"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler"`
	Lock        LockConfig        `yaml:"lock"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Dedupe      DedupeConfig      `yaml:"dedupe"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Logging     LoggingConfig     `yaml:"logging"`
	App         AppConfig         `yaml:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelegramConfig holds Bot API credentials and endpoint configuration.
// BotToken and WebhookSecret can be overridden by TELEGRAM_BOT_TOKEN and
// TELEGRAM_WEBHOOK_SECRET so they never have to live in the config file.
type TelegramConfig struct {
	BotToken      string `yaml:"bot_token"`
	WebhookSecret string `yaml:"webhook_secret"`
	APIBaseURL    string `yaml:"api_base_url"`
}

// ProviderConfig holds the generation provider endpoint configuration.
// APIKey can be overridden by PROVIDER_API_KEY.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// WebhookConfig holds update-processing behavior for the webhook ingress
type WebhookConfig struct {
	Path              string        `yaml:"path"`
	AckBudget         time.Duration `yaml:"ack_budget"`
	ProcessingEnabled bool          `yaml:"processing_enabled"`
	ProcessBudget     time.Duration `yaml:"process_budget"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
}

// OutboundConfig holds default budgets for outbound HTTP calls
type OutboundConfig struct {
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// ReconcilerConfig holds delivery reconciler tuning
type ReconcilerConfig struct {
	Interval        time.Duration `yaml:"interval"`
	BatchSize       int           `yaml:"batch_size"`
	Concurrency     int           `yaml:"concurrency"`
	PendingAgeAlert time.Duration `yaml:"pending_age_alert"`
	QueueDepthAlert int           `yaml:"queue_depth_alert"`
	MaxJobAge       time.Duration `yaml:"max_job_age"`
}

// LockConfig holds singleton instance lock configuration
type LockConfig struct {
	Backend       string        `yaml:"backend"`
	Key           string        `yaml:"key"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`
	RenewInterval time.Duration `yaml:"renew_interval"`
	FilePath      string        `yaml:"file_path"`
}

// IdempotencyConfig holds the at-most-once guard configuration
type IdempotencyConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
}

// DedupeConfig holds the request dedupe store configuration
type DedupeConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
}

// DatabaseConfig holds PostgreSQL connection configuration. Backend selects
// the job store implementation: "postgres" or "memory" (single instance only).
type DatabaseConfig struct {
	Backend         string        `yaml:"backend"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RabbitMQConfig holds the operator alert bus configuration. Only the
// publisher side is used; alerts are fire-and-forget.
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// Load reads and parses the configuration file, then applies environment
// overrides for secrets and defaults for optional values.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnvOverrides()
	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyEnvOverrides() {
	overrideFromEnv(&c.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	overrideFromEnv(&c.Telegram.WebhookSecret, "TELEGRAM_WEBHOOK_SECRET")
	overrideFromEnv(&c.Provider.APIKey, "PROVIDER_API_KEY")
	overrideFromEnv(&c.Database.Password, "DATABASE_PASSWORD")
	overrideFromEnv(&c.Redis.Password, "REDIS_PASSWORD")
	overrideFromEnv(&c.RabbitMQ.Password, "RABBITMQ_PASSWORD")
}

func overrideFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) applyDefaults() {
	if c.Telegram.APIBaseURL == "" {
		c.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Webhook.Path == "" {
		c.Webhook.Path = "/webhook"
	}
	if c.Webhook.AckBudget <= 0 {
		c.Webhook.AckBudget = 1 * time.Second
	}
	if c.Webhook.ProcessBudget <= 0 {
		c.Webhook.ProcessBudget = 30 * time.Second
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		c.Webhook.MaxBodyBytes = 1 << 20
	}
	if c.Outbound.AttemptTimeout <= 0 {
		c.Outbound.AttemptTimeout = 10 * time.Second
	}
	if c.Outbound.MaxAttempts <= 0 {
		c.Outbound.MaxAttempts = 3
	}
	if c.Outbound.BackoffBase <= 0 {
		c.Outbound.BackoffBase = 500 * time.Millisecond
	}
	if c.Outbound.BackoffMax <= 0 {
		c.Outbound.BackoffMax = 5 * time.Second
	}
	if c.Reconciler.Interval <= 0 {
		c.Reconciler.Interval = 15 * time.Second
	}
	if c.Reconciler.BatchSize <= 0 {
		c.Reconciler.BatchSize = 25
	}
	if c.Reconciler.Concurrency <= 0 {
		c.Reconciler.Concurrency = 4
	}
	if c.Reconciler.PendingAgeAlert <= 0 {
		c.Reconciler.PendingAgeAlert = 10 * time.Minute
	}
	if c.Reconciler.QueueDepthAlert <= 0 {
		c.Reconciler.QueueDepthAlert = 50
	}
	if c.Reconciler.MaxJobAge <= 0 {
		c.Reconciler.MaxJobAge = 24 * time.Hour
	}
	if c.Lock.Backend == "" {
		c.Lock.Backend = LockAuto
	}
	if c.Lock.Key == "" {
		c.Lock.Key = "bot-service:leader"
	}
	if c.Lock.LeaseTTL <= 0 {
		c.Lock.LeaseTTL = 30 * time.Second
	}
	if c.Lock.RenewInterval <= 0 {
		c.Lock.RenewInterval = 10 * time.Second
	}
	if c.Lock.FilePath == "" {
		c.Lock.FilePath = filepath.Join(os.TempDir(), "bot-service.lock")
	}
	if c.Idempotency.Backend == "" {
		c.Idempotency.Backend = BackendMemory
	}
	if c.Idempotency.TTL <= 0 {
		c.Idempotency.TTL = 24 * time.Hour
	}
	if c.Dedupe.Backend == "" {
		c.Dedupe.Backend = BackendMemory
	}
	if c.Dedupe.TTL <= 0 {
		c.Dedupe.TTL = 1 * time.Hour
	}
	if c.Database.Backend == "" {
		c.Database.Backend = BackendPostgres
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram bot_token is required")
	}

	if c.Telegram.WebhookSecret == "" {
		return fmt.Errorf("telegram webhook_secret is required")
	}

	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider base_url is required")
	}

	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider api_key is required")
	}

	switch c.Database.Backend {
	case BackendPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown database backend: %q", c.Database.Backend)
	}

	switch c.Lock.Backend {
	case LockAuto, LockRedis, LockPostgres, LockFile, LockDisabled:
	default:
		return fmt.Errorf("unknown lock backend: %q", c.Lock.Backend)
	}

	if c.Lock.Backend != LockDisabled && c.Lock.RenewInterval >= c.Lock.LeaseTTL {
		return fmt.Errorf("lock renew_interval must be shorter than lease_ttl")
	}

	if c.Lock.Backend == LockPostgres && c.Database.Backend != BackendPostgres {
		return fmt.Errorf("lock backend postgres requires database backend postgres")
	}

	switch c.Idempotency.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown idempotency backend: %q", c.Idempotency.Backend)
	}

	switch c.Dedupe.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown dedupe backend: %q", c.Dedupe.Backend)
	}

	if c.RequiresRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
	}

	return nil
}

// RequiresRedis reports whether any configured backend needs a Redis
// connection at startup. The auto lock backend probes Redis only when an
// address is configured, so it does not count here.
func (c *Config) RequiresRedis() bool {
	return c.Lock.Backend == LockRedis ||
		c.Idempotency.Backend == BackendRedis ||
		c.Dedupe.Backend == BackendRedis
}

// RequiresDatabase reports whether a SQL connection is needed at startup.
func (c *Config) RequiresDatabase() bool {
	return c.Database.Backend == BackendPostgres || c.Lock.Backend == LockPostgres
}
