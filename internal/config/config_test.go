package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// 验证默认值
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "postgres", cfg.Database.User)
	assert.Equal(t, "artemis", cfg.Database.Database)
	assert.Equal(t, "disable", cfg.Database.SSLMode)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)

	assert.Equal(t, 15*time.Minute, cfg.Escalation.RenotifyInterval)
	assert.Equal(t, 4, cfg.Escalation.ClearThreshold)
	assert.Equal(t, time.Duration(0), cfg.Escalation.ClearDelay)

	assert.Equal(t, 30*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.ReminderLead)
	assert.Equal(t, 2*time.Hour, cfg.Scheduler.GraceWindow)
	assert.Equal(t, 30, cfg.Scheduler.AdherenceWindowDays)

	assert.Equal(t, 4, cfg.Dispatcher.Workers)
	assert.Equal(t, 5, cfg.Dispatcher.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Dispatcher.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.Dispatcher.MaxBackoff)
	assert.Equal(t, 24*time.Hour, cfg.Dispatcher.DedupTTL)
	assert.Equal(t, "log", cfg.Dispatcher.DefaultChannel)

	assert.Equal(t, time.Hour, cfg.Insights.Interval)
	assert.Equal(t, 7, cfg.Insights.WindowDays)
	assert.Equal(t, "", cfg.Insights.TextGenURL)

	assert.Equal(t, 16, cfg.Ingest.Partitions)
	assert.Equal(t, "artemis:vitals", cfg.Ingest.VitalsStream)
	assert.Equal(t, "artemis:doses", cfg.Ingest.DosesStream)
	assert.Equal(t, "artemis-health", cfg.Ingest.ConsumerGroup)

	assert.Equal(t, "artemis:user:", cfg.Cache.AlertKeyPrefix)
	assert.Equal(t, ":alerts", cfg.Cache.AlertSuffix)
	assert.Equal(t, "notify:dedup:", cfg.Cache.DedupKeyPrefix)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	// 设置环境变量
	os.Setenv("DB_HOST", "test-host")
	os.Setenv("DB_PORT", "5433")
	os.Setenv("REDIS_ADDR", "test-redis:6380")
	os.Setenv("ESCALATION_RENOTIFY_INTERVAL", "5m")
	os.Setenv("ESCALATION_CLEAR_THRESHOLD", "3")
	os.Setenv("SCHEDULER_GRACE_WINDOW", "1h")
	os.Setenv("DISPATCHER_MAX_ATTEMPTS", "2")
	os.Setenv("INGEST_PARTITIONS", "8")
	os.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	// 验证环境变量覆盖
	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "test-redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Escalation.RenotifyInterval)
	assert.Equal(t, 3, cfg.Escalation.ClearThreshold)
	assert.Equal(t, time.Hour, cfg.Scheduler.GraceWindow)
	assert.Equal(t, 2, cfg.Dispatcher.MaxAttempts)
	assert.Equal(t, 8, cfg.Ingest.Partitions)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 清理环境变量
	os.Clearenv()
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	os.Clearenv()
	os.Setenv("DB_PORT", "not-a-number")
	os.Setenv("ESCALATION_RENOTIFY_INTERVAL", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)

	// 非法值回退到默认值
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 15*time.Minute, cfg.Escalation.RenotifyInterval)

	os.Clearenv()
}

func TestGetDSN(t *testing.T) {
	cfg := &DatabaseConfig{
		Host:     "db-host",
		Port:     5432,
		User:     "artemis",
		Password: "secret",
		Database: "artemis",
		SSLMode:  "disable",
	}

	dsn := cfg.GetDSN()
	assert.Equal(t, "host=db-host port=5432 user=artemis password=secret dbname=artemis sslmode=disable", dsn)
}
