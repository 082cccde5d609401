// Package config loads service configuration from an optional config.yaml,
// environment variables and defaults.
//
// Nested keys map to environment variables with "." replaced by "_"
// (webhook.max_retries -> WEBHOOK_MAX_RETRIES). The converter's historical
// variable names (REDIS_ADDR, AWS_BUCKET, DB_HOST, ...) are bound as aliases.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	S3           S3Config           `mapstructure:"s3"`
	Gotenberg    GotenbergConfig    `mapstructure:"gotenberg"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Webhook      WebhookConfig      `mapstructure:"webhook"`
	Quotas       QuotaConfig        `mapstructure:"quotas"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// StorageConfig selects the persistence backend for jobs, quotas and
// rate-limit settings.
type StorageConfig struct {
	Driver         string `mapstructure:"driver"` // postgres or memory
	InlineMaxBytes int64  `mapstructure:"inline_max_bytes"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Name        string `mapstructure:"name"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	SSLMode     string `mapstructure:"sslmode"`
	SSLCert     string `mapstructure:"sslcert"`
	SSLKey      string `mapstructure:"sslkey"`
	SSLRootCert string `mapstructure:"sslrootcert"`
}

// DSN builds a lib/pq key=value connection string. The key=value form avoids
// URI escaping issues for special characters in passwords.
func (c DatabaseConfig) DSN() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	var dsn string
	if c.Password != "" {
		dsn = fmt.Sprintf(
			"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
			c.Host, c.Port, c.Name, c.User, c.Password, sslmode,
		)
	} else {
		dsn = fmt.Sprintf(
			"host=%s port=%d dbname=%s user=%s sslmode=%s",
			c.Host, c.Port, c.Name, c.User, sslmode,
		)
	}

	if c.SSLCert != "" {
		dsn += fmt.Sprintf(" sslcert=%s", c.SSLCert)
	}
	if c.SSLKey != "" {
		dsn += fmt.Sprintf(" sslkey=%s", c.SSLKey)
	}
	if c.SSLRootCert != "" {
		dsn += fmt.Sprintf(" sslrootcert=%s", c.SSLRootCert)
	}
	return dsn
}

type RedisConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Addr            string `mapstructure:"addr"`
	Password        string `mapstructure:"password"`
	DB              int    `mapstructure:"db"`
	Prefix          string `mapstructure:"prefix"`
	PendingQueue    string `mapstructure:"pending_queue"`
	ProcessingQueue string `mapstructure:"processing_queue"`
	FailedQueue     string `mapstructure:"failed_queue"`
}

// Queue returns name with the configured key prefix applied.
func (c RedisConfig) Queue(name string) string {
	if c.Prefix == "" {
		return name
	}
	return c.Prefix + name
}

type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// Enabled reports whether enough is configured to talk to object storage.
func (c S3Config) Enabled() bool {
	return c.Bucket != "" && c.Region != ""
}

type GotenbergConfig struct {
	URL string `mapstructure:"url"`
}

type WorkerConfig struct {
	Count             int           `mapstructure:"count"`
	ConversionTimeout time.Duration `mapstructure:"conversion_timeout"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	RecoveryInterval  time.Duration `mapstructure:"recovery_interval"`
	MaxRetries        int           `mapstructure:"max_retries"`
	WebhookPoolSize   int           `mapstructure:"webhook_pool_size"`
}

type WebhookConfig struct {
	TimeoutSeconds         int `mapstructure:"timeout_seconds"`
	MaxRetries             int `mapstructure:"max_retries"`
	RetryDelayMilliseconds int `mapstructure:"retry_delay_milliseconds"`
}

func (c WebhookConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c WebhookConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMilliseconds) * time.Millisecond
}

type QuotaConfig struct {
	Enabled                   bool  `mapstructure:"enabled"`
	DefaultMonthlyConversions int64 `mapstructure:"default_monthly_conversions"`
	DefaultMonthlyBytes       int64 `mapstructure:"default_monthly_bytes"`
	ExemptAdmins              bool  `mapstructure:"exempt_admins"`
}

type PolicyConfig struct {
	PermitLimit   int `mapstructure:"permit_limit"`
	WindowMinutes int `mapstructure:"window_minutes"`
}

type TierConfig struct {
	StandardPolicy   PolicyConfig `mapstructure:"standard_policy"`
	ConversionPolicy PolicyConfig `mapstructure:"conversion_policy"`
}

type RateLimitingConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	IdleTTL      time.Duration `mapstructure:"idle_ttl"`
	CleanupEvery time.Duration `mapstructure:"cleanup_every"`
	// Tiers is keyed by lower-case tier name (free, basic, premium, unlimited).
	Tiers map[string]TierConfig `mapstructure:"tiers"`
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/convertapi")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// CONVERSION_TIMEOUT has always been a number of seconds.
	if raw := os.Getenv("CONVERSION_TIMEOUT"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("CONVERSION_TIMEOUT must be a number of seconds: %w", err)
		}
		cfg.Worker.ConversionTimeout = time.Duration(secs) * time.Second
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for configuration that would break admission control.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("storage.driver must be postgres or memory, got %q", c.Storage.Driver)
	}
	if c.Quotas.DefaultMonthlyConversions < 0 {
		return fmt.Errorf("quotas.default_monthly_conversions must be >= 0")
	}
	if c.Quotas.DefaultMonthlyBytes < 0 {
		return fmt.Errorf("quotas.default_monthly_bytes must be >= 0")
	}
	if c.Webhook.MaxRetries < 0 {
		return fmt.Errorf("webhook.max_retries must be >= 0")
	}
	if c.Webhook.TimeoutSeconds <= 0 {
		return fmt.Errorf("webhook.timeout_seconds must be > 0")
	}
	if c.Webhook.RetryDelayMilliseconds < 0 {
		return fmt.Errorf("webhook.retry_delay_milliseconds must be >= 0")
	}
	for name, tier := range c.RateLimiting.Tiers {
		for policy, p := range map[string]PolicyConfig{
			"standard_policy":   tier.StandardPolicy,
			"conversion_policy": tier.ConversionPolicy,
		} {
			if p.PermitLimit < 0 {
				return fmt.Errorf("rate_limiting.tiers.%s.%s.permit_limit must be >= 0", name, policy)
			}
			if p.WindowMinutes <= 0 {
				return fmt.Errorf("rate_limiting.tiers.%s.%s.window_minutes must be > 0", name, policy)
			}
		}
	}
	return nil
}

// bindLegacyEnv keeps the variable names deployments already use.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"redis.addr":             {"REDIS_ADDR"},
		"redis.password":         {"REDIS_PASSWORD"},
		"redis.db":               {"REDIS_CONVERSION_DB", "REDIS_DB"},
		"redis.prefix":           {"REDIS_PREFIX"},
		"redis.pending_queue":    {"CONVERSION_PENDING_QUEUE"},
		"redis.processing_queue": {"CONVERSION_PROCESSING_QUEUE"},
		"redis.failed_queue":     {"CONVERSION_FAILED_QUEUE"},
		"worker.count":           {"CONVERSION_WORKER_COUNT"},
		"gotenberg.url":          {"GOTENBERG_URL"},
		"s3.bucket":              {"AWS_BUCKET", "S3_BUCKET"},
		// Prefer unified S3_* vars, fall back to legacy AWS_* vars
		"s3.region":            {"S3_REGION", "AWS_DEFAULT_REGION"},
		"s3.access_key":        {"S3_KEY", "AWS_ACCESS_KEY_ID"},
		"s3.secret_key":        {"S3_SECRET", "AWS_SECRET_ACCESS_KEY"},
		"s3.endpoint":          {"S3_ENDPOINT"},
		"s3.use_path_style":    {"S3_USE_PATH_STYLE_ENDPOINT"},
		"database.host":        {"DB_HOST"},
		"database.port":        {"DB_PORT"},
		"database.name":        {"DB_DATABASE"},
		"database.user":        {"DB_USERNAME"},
		"database.password":    {"DB_PASSWORD"},
		"database.sslmode":     {"DB_SSLMODE"},
		"database.sslcert":     {"DB_SSLCERT"},
		"database.sslkey":      {"DB_SSLKEY"},
		"database.sslrootcert": {"DB_SSLROOTCERT"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return err
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "150s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_upload_bytes", 50<<20)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Storage
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("storage.inline_max_bytes", 5<<20)

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "paperpulse")
	v.SetDefault("database.user", "paperpulse")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "disable")

	// Redis queue
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("redis.db", 3)
	v.SetDefault("redis.prefix", "")
	v.SetDefault("redis.pending_queue", "conversion:pending")
	v.SetDefault("redis.processing_queue", "conversion:processing")
	v.SetDefault("redis.failed_queue", "conversion:failed")

	// Object storage
	v.SetDefault("s3.bucket", "paperpulse")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.use_path_style", false)

	// Conversion engine
	v.SetDefault("gotenberg.url", "http://gotenberg:3000")

	// Workers
	v.SetDefault("worker.count", 3)
	v.SetDefault("worker.conversion_timeout", "120s")
	v.SetDefault("worker.stale_after", "5m")
	v.SetDefault("worker.recovery_interval", "5m")
	v.SetDefault("worker.max_retries", 3)
	v.SetDefault("worker.webhook_pool_size", 64)

	// Webhook
	v.SetDefault("webhook.timeout_seconds", 30)
	v.SetDefault("webhook.max_retries", 3)
	v.SetDefault("webhook.retry_delay_milliseconds", 1000)

	// Quotas
	v.SetDefault("quotas.enabled", true)
	v.SetDefault("quotas.default_monthly_conversions", 1000)
	v.SetDefault("quotas.default_monthly_bytes", int64(1<<30))
	v.SetDefault("quotas.exempt_admins", true)

	// Rate limiting
	v.SetDefault("rate_limiting.enabled", true)
	v.SetDefault("rate_limiting.idle_ttl", "15m")
	v.SetDefault("rate_limiting.cleanup_every", "2m")
	for name, tier := range DefaultTiers() {
		prefix := "rate_limiting.tiers." + name
		v.SetDefault(prefix+".standard_policy.permit_limit", tier.StandardPolicy.PermitLimit)
		v.SetDefault(prefix+".standard_policy.window_minutes", tier.StandardPolicy.WindowMinutes)
		v.SetDefault(prefix+".conversion_policy.permit_limit", tier.ConversionPolicy.PermitLimit)
		v.SetDefault(prefix+".conversion_policy.window_minutes", tier.ConversionPolicy.WindowMinutes)
	}
}

// DefaultTiers returns the built-in tier table, keyed by lower-case tier name.
func DefaultTiers() map[string]TierConfig {
	return map[string]TierConfig{
		"free": {
			StandardPolicy:   PolicyConfig{PermitLimit: 100, WindowMinutes: 1},
			ConversionPolicy: PolicyConfig{PermitLimit: 20, WindowMinutes: 60},
		},
		"basic": {
			StandardPolicy:   PolicyConfig{PermitLimit: 300, WindowMinutes: 1},
			ConversionPolicy: PolicyConfig{PermitLimit: 100, WindowMinutes: 60},
		},
		"premium": {
			StandardPolicy:   PolicyConfig{PermitLimit: 1000, WindowMinutes: 1},
			ConversionPolicy: PolicyConfig{PermitLimit: 500, WindowMinutes: 60},
		},
		"unlimited": {
			StandardPolicy:   PolicyConfig{PermitLimit: 100000, WindowMinutes: 1},
			ConversionPolicy: PolicyConfig{PermitLimit: 100000, WindowMinutes: 1},
		},
	}
}
