package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/relay/internal/config"
	"github.com/fairyhunter13/relay/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "default", cfg.QueueName)
	assert.Equal(t, 30, cfg.AckTimeoutSeconds)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 10, cfg.MaxPriorityLevels)
	assert.Equal(t, 100, cfg.RequeueBatchSize)
	assert.Equal(t, 5*time.Second, cfg.OverdueCheckInterval)
	assert.True(t, cfg.ActivityLogEnabled)
	assert.Equal(t, 168, cfg.ActivityLogRetentionHours)
	assert.Equal(t, 100*time.Millisecond, cfg.FlashMessageThreshold)
	assert.Equal(t, 30*time.Second, cfg.LongProcessingThreshold)
	assert.Equal(t, "relay_events", cfg.EventsChannel)
	assert.Equal(t, "relay", cfg.RelayActor)
	assert.Equal(t, "manual", cfg.ManualOperationActor)
	assert.Equal(t, 15*time.Second, cfg.SSEHeartbeatInterval)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("PORT", "9090")
	t.Setenv("QUEUE_NAME", "work")
	t.Setenv("ACK_TIMEOUT_SECONDS", "60")
	t.Setenv("ACTIVITY_LOG_ENABLED", "false")
	t.Setenv("OVERDUE_CHECK_INTERVAL", "2s")
	t.Setenv("ACTIVITY_FLASH_MESSAGE_THRESHOLD", "500ms")
	t.Setenv("ACTIVITY_LONG_PROCESSING_THRESHOLD", "2m")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProd())
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "work", cfg.QueueName)
	assert.Equal(t, 60, cfg.AckTimeoutSeconds)
	assert.False(t, cfg.ActivityLogEnabled)
	assert.Equal(t, 2*time.Second, cfg.OverdueCheckInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.FlashMessageThreshold)
	assert.Equal(t, 2*time.Minute, cfg.LongProcessingThreshold)
}

func TestValidateRejectsBadRanges(t *testing.T) {
	base := func() config.Config {
		return config.Config{
			QueueName: "default", AckTimeoutSeconds: 30,
			MaxAttempts: 3, MaxPriorityLevels: 10, RequeueBatchSize: 100,
		}
	}

	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero ack timeout", func(c *config.Config) { c.AckTimeoutSeconds = 0 }},
		{"zero max attempts", func(c *config.Config) { c.MaxAttempts = 0 }},
		{"zero priority levels", func(c *config.Config) { c.MaxPriorityLevels = 0 }},
		{"zero requeue batch", func(c *config.Config) { c.RequeueBatchSize = 0 }},
		{"empty queue name", func(c *config.Config) { c.QueueName = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), domain.ErrInvalidArgument)
		})
	}

	assert.NoError(t, base().Validate())
}

func TestEnvHelpers(t *testing.T) {
	assert.True(t, config.Config{AppEnv: "dev"}.IsDev())
	assert.True(t, config.Config{AppEnv: "PROD"}.IsProd())
	assert.True(t, config.Config{AppEnv: "test"}.IsTest())
	assert.False(t, config.Config{AppEnv: "dev"}.IsProd())
}

func TestAdminEnabled(t *testing.T) {
	assert.False(t, config.Config{}.AdminEnabled())
	assert.False(t, config.Config{AdminUsername: "admin"}.AdminEnabled())
	assert.True(t, config.Config{AdminUsername: "admin", AdminPassword: "s3cret"}.AdminEnabled())
}

func TestDerivedDurations(t *testing.T) {
	cfg := config.Config{ActivityLogRetentionHours: 24, BurstThresholdSeconds: 10}
	assert.Equal(t, 24*time.Hour, cfg.ActivityRetention())
	assert.Equal(t, 10*time.Second, cfg.BurstWindow())
}
