package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-development-32-chars-long-at-least"

// clearEnv 清除可能影响测试的环境变量，测试结束后自动恢复
func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"DISPOSMS_SERVER_HOST",
		"DISPOSMS_SERVER_PORT",
		"DISPOSMS_SERVER_ENVIRONMENT",
		"DISPOSMS_POOL_SWEEP_INTERVAL",
		"DISPOSMS_POOL_MAX_LEASES_PER_USER",
		"DISPOSMS_POOL_MAX_LEASES_PRIVILEGED",
		"DISPOSMS_POOL_DEFAULT_DURATION_HOURS",
		"DISPOSMS_POOL_MAX_DURATION_HOURS",
		"DISPOSMS_POOL_ACQUIRE_RETRIES",
		"DISPOSMS_MESSAGES_RETENTION_DAYS",
		"DISPOSMS_MESSAGES_RETENTION_INTERVAL",
		"DISPOSMS_WEBHOOK_TWILIO_AUTH_TOKEN",
		"DISPOSMS_WEBHOOK_VERIFY_TIMEOUT",
		"DISPOSMS_CORS_ALLOWED_ORIGINS",
		"DISPOSMS_LOG_LEVEL",
		"DISPOSMS_LOG_DEVELOPMENT",
		"DISPOSMS_DATABASE_TYPE",
		"DISPOSMS_DATABASE_DSN",
		"DISPOSMS_DATABASE_MAX_OPEN_CONNS",
		"DISPOSMS_DATABASE_CONN_MAX_LIFETIME",
		"DISPOSMS_REDIS_ENABLED",
		"DISPOSMS_REDIS_ADDRESS",
		"DISPOSMS_REDIS_DB",
		"DISPOSMS_JWT_SECRET",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

func TestLoad(t *testing.T) {
	t.Run("加载默认配置成功", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("DISPOSMS_JWT_SECRET", testSecret)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, "development", cfg.Server.Environment)
		assert.False(t, cfg.Server.IsProduction())
		assert.Equal(t, time.Minute, cfg.Pool.SweepInterval)
		assert.Equal(t, 5, cfg.Pool.MaxLeasesPerUser)
		assert.Equal(t, 50, cfg.Pool.MaxLeasesPrivileged)
		assert.Equal(t, 1, cfg.Pool.DefaultDurationHours)
		assert.Equal(t, 24, cfg.Pool.MaxDurationHours)
		assert.Equal(t, 3, cfg.Pool.AcquireRetries)
		assert.Equal(t, 30, cfg.Messages.RetentionDays)
		assert.Equal(t, time.Hour, cfg.Messages.RetentionInterval)
		assert.Equal(t, 1600, cfg.Messages.MaxContentLength)
		assert.Equal(t, 2*time.Second, cfg.Webhook.VerifyTimeout)
		assert.Equal(t, int64(1<<20), cfg.Webhook.MaxBodyBytes)
		assert.Empty(t, cfg.Webhook.TwilioAuthToken)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.Empty(t, cfg.Database.Type)
		assert.False(t, cfg.Redis.Enabled)
		assert.Equal(t, "disposms", cfg.JWT.Issuer)
		assert.Equal(t, 15*time.Minute, cfg.JWT.AccessExpiry)
	})

	t.Run("加载自定义配置成功", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("DISPOSMS_JWT_SECRET", testSecret)
		t.Setenv("DISPOSMS_SERVER_PORT", "9090")
		t.Setenv("DISPOSMS_SERVER_ENVIRONMENT", "Production")
		t.Setenv("DISPOSMS_POOL_SWEEP_INTERVAL", "30s")
		t.Setenv("DISPOSMS_POOL_MAX_LEASES_PER_USER", "2")
		t.Setenv("DISPOSMS_WEBHOOK_TWILIO_AUTH_TOKEN", "twilio-token")
		t.Setenv("DISPOSMS_CORS_ALLOWED_ORIGINS", "http://localhost:3000, http://localhost:5173")
		t.Setenv("DISPOSMS_LOG_DEVELOPMENT", "true")
		t.Setenv("DISPOSMS_DATABASE_TYPE", "POSTGRES")
		t.Setenv("DISPOSMS_REDIS_ENABLED", "true")
		t.Setenv("DISPOSMS_REDIS_DB", "1")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.True(t, cfg.Server.IsProduction())
		assert.Equal(t, 30*time.Second, cfg.Pool.SweepInterval)
		assert.Equal(t, 2, cfg.Pool.MaxLeasesPerUser)
		assert.Equal(t, "twilio-token", cfg.Webhook.TwilioAuthToken)
		assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.CORS.AllowedOrigins)
		assert.True(t, cfg.Log.Development)
		assert.Equal(t, "postgres", cfg.Database.Type)
		assert.True(t, cfg.Redis.Enabled)
		assert.Equal(t, 1, cfg.Redis.DB)
	})

	t.Run("JWT密钥太短失败", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("DISPOSMS_JWT_SECRET", "short-key")

		cfg, err := Load()
		assert.Nil(t, cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JWT secret must be at least 32 characters long")
	})

	t.Run("使用默认JWT密钥失败", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("DISPOSMS_JWT_SECRET", "change-me-in-production")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JWT secret cannot be the default value")
	})

	t.Run("无效的扫描间隔失败", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("DISPOSMS_JWT_SECRET", testSecret)
		t.Setenv("DISPOSMS_POOL_SWEEP_INTERVAL", "invalid-duration")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid pool.sweep_interval")
	})

	t.Run("默认租期超过上限失败", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("DISPOSMS_JWT_SECRET", testSecret)
		t.Setenv("DISPOSMS_POOL_DEFAULT_DURATION_HOURS", "48")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pool.default_duration_hours")
	})

	t.Run("特权上限低于普通上限失败", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("DISPOSMS_JWT_SECRET", testSecret)
		t.Setenv("DISPOSMS_POOL_MAX_LEASES_PER_USER", "10")
		t.Setenv("DISPOSMS_POOL_MAX_LEASES_PRIVILEGED", "5")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pool.max_leases_privileged")
	})
}

func TestParseList(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []string
	}{
		{"单个项目", "item1", []string{"item1"}},
		{"多个项目", "item1,item2,item3", []string{"item1", "item2", "item3"}},
		{"带空格的项目", " item1 , item2 ", []string{"item1", "item2"}},
		{"空字符串", "", []string{}},
		{"只有逗号", ",,,", []string{}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, parseList(tc.input))
		})
	}
}
