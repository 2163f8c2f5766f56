package config

import (
	"os"
	"strconv"

	"fleetwatch-correlation/common/config"
)

// Config 关联引擎服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig

	// 关联引擎特定配置
	Correlation struct {
		NeighborWindowMinutes int    // 邻近事件查询窗口（分钟），默认 30
		RulesFile             string // 规则覆盖文件路径（YAML），为空时使用内置默认规则
	}

	// 通知去重与限流配置
	Notify struct {
		DedupeTTLHours        int    // 去重键 TTL（小时），默认 24
		ThrottleWindowMinutes int    // 限流滑动窗口（分钟），默认 30
		ThrottleMaxPerWindow  int    // 窗口内最大通知数，默认 5
		DedupeKeyPrefix       string // 去重键前缀，如 "fleetwatch:dedupe:"
		ThrottleKeyPrefix     string // 限流键前缀，如 "fleetwatch:throttle:"
		VoiceEndpoint         string // 语音通道提供商 API 地址
		SMSEndpoint           string // 短信通道提供商 API 地址
		ChatEndpoint          string // 聊天模板通道提供商 API 地址
		ProviderToken         string // 通道提供商 API Token
		RequestTimeoutSeconds int    // 通道请求超时（秒），默认 10
	}

	// 升级调度配置
	Escalation struct {
		BatchSize           int // 单次处理的逾期告警上限，默认 100
		PollIntervalSeconds int // 轮询间隔（秒），默认 60
	}

	// 领域事件流配置
	Events struct {
		Stream string // Redis Streams 流名称，默认 "fleetwatch:domain:events"
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = 5432
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "fleetwatch")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0

	// 关联引擎配置
	cfg.Correlation.NeighborWindowMinutes = getEnvInt("CORRELATION_WINDOW_MINUTES", 30)
	cfg.Correlation.RulesFile = getEnv("CORRELATION_RULES_FILE", "")

	// 通知配置
	cfg.Notify.DedupeTTLHours = getEnvInt("NOTIFY_DEDUPE_TTL_HOURS", 24)
	cfg.Notify.ThrottleWindowMinutes = getEnvInt("NOTIFY_THROTTLE_WINDOW_MINUTES", 30)
	cfg.Notify.ThrottleMaxPerWindow = getEnvInt("NOTIFY_THROTTLE_MAX", 5)
	cfg.Notify.DedupeKeyPrefix = getEnv("NOTIFY_DEDUPE_PREFIX", "fleetwatch:dedupe:")
	cfg.Notify.ThrottleKeyPrefix = getEnv("NOTIFY_THROTTLE_PREFIX", "fleetwatch:throttle:")
	cfg.Notify.VoiceEndpoint = getEnv("NOTIFY_VOICE_ENDPOINT", "")
	cfg.Notify.SMSEndpoint = getEnv("NOTIFY_SMS_ENDPOINT", "")
	cfg.Notify.ChatEndpoint = getEnv("NOTIFY_CHAT_ENDPOINT", "")
	cfg.Notify.ProviderToken = getEnv("NOTIFY_PROVIDER_TOKEN", "")
	cfg.Notify.RequestTimeoutSeconds = getEnvInt("NOTIFY_REQUEST_TIMEOUT", 10)

	// 升级调度配置
	cfg.Escalation.BatchSize = getEnvInt("ESCALATION_BATCH_SIZE", 100)
	cfg.Escalation.PollIntervalSeconds = getEnvInt("ESCALATION_POLL_INTERVAL", 60)

	// 领域事件流
	cfg.Events.Stream = getEnv("EVENTS_STREAM", "fleetwatch:domain:events")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

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
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
