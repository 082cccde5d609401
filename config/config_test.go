package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, 3, cfg.Worker.Count)
	assert.Equal(t, 120*time.Second, cfg.Worker.ConversionTimeout)
	assert.Equal(t, 3, cfg.Worker.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Webhook.Timeout())
	assert.Equal(t, time.Second, cfg.Webhook.RetryDelay())
	assert.EqualValues(t, 1000, cfg.Quotas.DefaultMonthlyConversions)
	assert.Equal(t, "conversion:pending", cfg.Redis.Queue(cfg.Redis.PendingQueue))

	require.Len(t, cfg.RateLimiting.Tiers, 4)
	assert.Equal(t, PolicyConfig{PermitLimit: 20, WindowMinutes: 60}, cfg.RateLimiting.Tiers["free"].ConversionPolicy)
	assert.Equal(t, PolicyConfig{PermitLimit: 1000, WindowMinutes: 1}, cfg.RateLimiting.Tiers["premium"].StandardPolicy)
}

func TestLoad_LegacyEnvironment(t *testing.T) {
	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("REDIS_PREFIX", "pp:")
	t.Setenv("CONVERSION_WORKER_COUNT", "7")
	t.Setenv("CONVERSION_TIMEOUT", "45")
	t.Setenv("AWS_BUCKET", "legacy-bucket")
	t.Setenv("S3_REGION", "eu-west-1")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("WEBHOOK_MAX_RETRIES", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "cache:6380", cfg.Redis.Addr)
	assert.Equal(t, "pp:conversion:failed", cfg.Redis.Queue(cfg.Redis.FailedQueue))
	assert.Equal(t, 7, cfg.Worker.Count)
	assert.Equal(t, 45*time.Second, cfg.Worker.ConversionTimeout)
	assert.Equal(t, "legacy-bucket", cfg.S3.Bucket)
	assert.Equal(t, "eu-west-1", cfg.S3.Region)
	assert.True(t, cfg.S3.Enabled())
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5, cfg.Webhook.MaxRetries)
}

func TestLoad_RejectsBadConversionTimeout(t *testing.T) {
	t.Setenv("CONVERSION_TIMEOUT", "2m")

	_, err := Load()
	assert.ErrorContains(t, err, "CONVERSION_TIMEOUT")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Storage: StorageConfig{Driver: "memory"},
			Webhook: WebhookConfig{TimeoutSeconds: 30, MaxRetries: 3},
			RateLimiting: RateLimitingConfig{Tiers: map[string]TierConfig{
				"free": {
					StandardPolicy:   PolicyConfig{PermitLimit: 100, WindowMinutes: 1},
					ConversionPolicy: PolicyConfig{PermitLimit: 0, WindowMinutes: 60},
				},
			}},
		}
	}
	require.NoError(t, valid().Validate())

	tests := map[string]func(*Config){
		"unknown driver":   func(c *Config) { c.Storage.Driver = "sqlite" },
		"negative quota":   func(c *Config) { c.Quotas.DefaultMonthlyConversions = -1 },
		"negative bytes":   func(c *Config) { c.Quotas.DefaultMonthlyBytes = -1 },
		"negative retries": func(c *Config) { c.Webhook.MaxRetries = -1 },
		"zero timeout":     func(c *Config) { c.Webhook.TimeoutSeconds = 0 },
		"negative delay":   func(c *Config) { c.Webhook.RetryDelayMilliseconds = -5 },
		"negative permits": func(c *Config) { c.RateLimiting.Tiers["free"] = TierConfig{StandardPolicy: PolicyConfig{PermitLimit: -1, WindowMinutes: 1}, ConversionPolicy: PolicyConfig{WindowMinutes: 1}} },
		"zero window":      func(c *Config) { c.RateLimiting.Tiers["free"] = TierConfig{StandardPolicy: PolicyConfig{PermitLimit: 1, WindowMinutes: 1}} },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5432, Name: "pp", User: "app"}
	assert.Equal(t, "host=db port=5432 dbname=pp user=app sslmode=disable", c.DSN())

	c.Password = "s3cr3t"
	c.SSLMode = "verify-full"
	c.SSLRootCert = "/certs/ca.pem"
	assert.Equal(t, "host=db port=5432 dbname=pp user=app password=s3cr3t sslmode=verify-full sslrootcert=/certs/ca.pem", c.DSN())
}
