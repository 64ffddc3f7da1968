package config

import (
	"fmt"
	"os"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Config 健康监测服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig

	// 分级升级状态机配置
	Escalation struct {
		RenotifyInterval time.Duration // 同级重复通知的最小间隔，默认 15 分钟
		ClearThreshold   int           // 清除确认所需的连续 normal 读数，默认 4
		ClearDelay       time.Duration // 清除确认的时间下限，默认 0（仅按计数）
	}

	// 用药调度配置
	Scheduler struct {
		TickInterval        time.Duration // 调度器轮询间隔，默认 30 秒
		ReminderLead        time.Duration // 提前提醒时间，默认 15 分钟
		GraceWindow         time.Duration // 补录宽限窗口（±），默认 2 小时
		AdherenceWindowDays int           // 依从率统计窗口（天），默认 30
	}

	// 通知分发配置
	Dispatcher struct {
		Workers        int           // 分发 worker 数量，默认 4
		QueueSize      int           // 任务队列长度，默认 256
		MaxAttempts    int           // 最大重试次数，默认 5
		InitialBackoff time.Duration // 初始退避时间，默认 1 秒
		MaxBackoff     time.Duration // 最大退避时间，默认 30 秒
		DedupTTL       time.Duration // 幂等键保留时间，默认 24 小时
		DefaultChannel string        // 默认通知渠道，默认 "log"

		WebhookURL     string        // Webhook 通知地址（空则不启用）
		WebhookTimeout time.Duration // Webhook 请求超时，默认 10 秒

		MQTTBroker      string // MQTT Broker 地址（空则不启用）
		MQTTClientID    string // MQTT 客户端 ID
		MQTTTopicPrefix string // MQTT 通知主题前缀
	}

	// 洞察聚合配置
	Insights struct {
		Interval       time.Duration // 聚合周期，默认 1 小时
		WindowDays     int           // 趋势统计窗口（天），默认 7
		TextGenURL     string        // 外部文本生成服务地址（空则仅使用模板回退）
		TextGenTimeout time.Duration // 文本生成超时，默认 10 秒
	}

	// 摄入配置
	Ingest struct {
		Partitions     int           // 按 user_id 分区数量，默认 16
		PartitionQueue int           // 每个分区的队列长度，默认 128
		MaxClockSkew   time.Duration // 允许的时间戳偏移，默认 24 小时
		VitalsStream   string        // 生命体征 Redis Stream，默认 "artemis:vitals"
		DosesStream    string        // 剂次记录 Redis Stream，默认 "artemis:doses"
		ConsumerGroup  string        // 消费者组，默认 "artemis-health"
		ConsumerName   string        // 消费者名称，默认主机名
		BatchSize      int           // 单次读取消息数，默认 10
	}

	// 缓存配置
	Cache struct {
		AlertKeyPrefix  string        // 活跃报警缓存键前缀，如 "artemis:user:"
		AlertSuffix     string        // 活跃报警缓存键后缀，如 ":alerts"
		AlertTTL        time.Duration // 活跃报警缓存 TTL，默认 5 分钟
		AdherenceSuffix string        // 依从率缓存键后缀，如 ":adherence"
		AdherenceTTL    time.Duration // 依从率缓存 TTL，默认 10 分钟
		DedupKeyPrefix  string        // 通知幂等键前缀，如 "notify:dedup:"
	}

	Log struct {
		Level  string
		Format string
	}

	Metrics struct {
		Addr string // Prometheus /metrics 监听地址，空则不启动
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "artemis")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.Escalation.RenotifyInterval = getEnvDuration("ESCALATION_RENOTIFY_INTERVAL", 15*time.Minute)
	cfg.Escalation.ClearThreshold = getEnvInt("ESCALATION_CLEAR_THRESHOLD", 4)
	cfg.Escalation.ClearDelay = getEnvDuration("ESCALATION_CLEAR_DELAY", 0)

	cfg.Scheduler.TickInterval = getEnvDuration("SCHEDULER_TICK_INTERVAL", 30*time.Second)
	cfg.Scheduler.ReminderLead = getEnvDuration("SCHEDULER_REMINDER_LEAD", 15*time.Minute)
	cfg.Scheduler.GraceWindow = getEnvDuration("SCHEDULER_GRACE_WINDOW", 2*time.Hour)
	cfg.Scheduler.AdherenceWindowDays = getEnvInt("SCHEDULER_ADHERENCE_WINDOW_DAYS", 30)

	cfg.Dispatcher.Workers = getEnvInt("DISPATCHER_WORKERS", 4)
	cfg.Dispatcher.QueueSize = getEnvInt("DISPATCHER_QUEUE_SIZE", 256)
	cfg.Dispatcher.MaxAttempts = getEnvInt("DISPATCHER_MAX_ATTEMPTS", 5)
	cfg.Dispatcher.InitialBackoff = getEnvDuration("DISPATCHER_INITIAL_BACKOFF", time.Second)
	cfg.Dispatcher.MaxBackoff = getEnvDuration("DISPATCHER_MAX_BACKOFF", 30*time.Second)
	cfg.Dispatcher.DedupTTL = getEnvDuration("DISPATCHER_DEDUP_TTL", 24*time.Hour)
	cfg.Dispatcher.DefaultChannel = getEnv("DISPATCHER_DEFAULT_CHANNEL", "log")
	cfg.Dispatcher.WebhookURL = getEnv("DISPATCHER_WEBHOOK_URL", "")
	cfg.Dispatcher.WebhookTimeout = getEnvDuration("DISPATCHER_WEBHOOK_TIMEOUT", 10*time.Second)
	cfg.Dispatcher.MQTTBroker = getEnv("DISPATCHER_MQTT_BROKER", "")
	cfg.Dispatcher.MQTTClientID = getEnv("DISPATCHER_MQTT_CLIENT_ID", "artemis-health-dispatcher")
	cfg.Dispatcher.MQTTTopicPrefix = getEnv("DISPATCHER_MQTT_TOPIC_PREFIX", "artemis/users")

	cfg.Insights.Interval = getEnvDuration("INSIGHTS_INTERVAL", time.Hour)
	cfg.Insights.WindowDays = getEnvInt("INSIGHTS_WINDOW_DAYS", 7)
	cfg.Insights.TextGenURL = getEnv("INSIGHTS_TEXTGEN_URL", "")
	cfg.Insights.TextGenTimeout = getEnvDuration("INSIGHTS_TEXTGEN_TIMEOUT", 10*time.Second)

	cfg.Ingest.Partitions = getEnvInt("INGEST_PARTITIONS", 16)
	cfg.Ingest.PartitionQueue = getEnvInt("INGEST_PARTITION_QUEUE", 128)
	cfg.Ingest.MaxClockSkew = getEnvDuration("INGEST_MAX_CLOCK_SKEW", 24*time.Hour)
	cfg.Ingest.VitalsStream = getEnv("INGEST_VITALS_STREAM", "artemis:vitals")
	cfg.Ingest.DosesStream = getEnv("INGEST_DOSES_STREAM", "artemis:doses")
	cfg.Ingest.ConsumerGroup = getEnv("INGEST_CONSUMER_GROUP", "artemis-health")
	cfg.Ingest.ConsumerName = getEnv("INGEST_CONSUMER_NAME", defaultConsumerName())
	cfg.Ingest.BatchSize = getEnvInt("INGEST_BATCH_SIZE", 10)

	cfg.Cache.AlertKeyPrefix = getEnv("CACHE_ALERT_PREFIX", "artemis:user:")
	cfg.Cache.AlertSuffix = ":alerts"
	cfg.Cache.AlertTTL = getEnvDuration("CACHE_ALERT_TTL", 5*time.Minute)
	cfg.Cache.AdherenceSuffix = ":adherence"
	cfg.Cache.AdherenceTTL = getEnvDuration("CACHE_ADHERENCE_TTL", 10*time.Minute)
	cfg.Cache.DedupKeyPrefix = getEnv("CACHE_DEDUP_PREFIX", "notify:dedup:")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	cfg.Metrics.Addr = getEnv("METRICS_ADDR", "")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var parsed int
		if _, err := fmt.Sscanf(value, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func defaultConsumerName() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "artemis-health-1"
}
