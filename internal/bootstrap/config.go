package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config 结构体用于存储从环境变量或文件加载的配置
type Config struct {
	ServerPort string
	AppEnv     string // development / production
	LogLevel   string

	RedisAddr       string // 为空表示不使用外部存储，所有状态只保存在内存
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	KeyPrefix       string

	StoreOpTimeout     time.Duration
	StoreMaxFailures   int
	StoreProbeInterval time.Duration

	RoomActiveTTL         time.Duration
	RoomEmptyTTL          time.Duration
	RoomInactivityTimeout time.Duration
	SweepInterval         time.Duration
	DiagnosticsInterval   time.Duration

	CreatorTokenSecret string
	CreatorTokenExpiry time.Duration

	RateLimitMax      int
	RateLimitWindow   time.Duration
	WSEventsPerSecond float64
	WSEventBurst      int
	WSMaxMessageBytes int64
	CORSAllowedOrigin string

	DBUser     string // 为空表示不启用房间归档
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string
}

// LoadConfig 从环境变量加载配置
func LoadConfig() (*Config, error) {
	// 优先加载 .env 文件 (如果存在)，忽略错误，允许只使用环境变量
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort:         getEnv("SERVER_PORT", "8080"),
		AppEnv:             getEnv("APP_ENV", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		KeyPrefix:          getEnv("REDIS_KEY_PREFIX", "wb:"),
		CreatorTokenSecret: os.Getenv("CREATOR_TOKEN_SECRET"),
		CORSAllowedOrigin:  os.Getenv("CORS_ALLOWED_ORIGIN"),
		DBUser:             os.Getenv("DB_USER"),
		DBPassword:         os.Getenv("DB_PASSWORD"),
		DBHost:             os.Getenv("DB_HOST"),
		DBPort:             os.Getenv("DB_PORT"),
		DBName:             os.Getenv("DB_NAME"),
	}

	var err error
	ints := []struct {
		key  string
		def  int
		dest *int
	}{
		{"REDIS_DB", 0, &cfg.RedisDB},
		{"REDIS_MAX_RETRIES", 1, &cfg.RedisMaxRetries},
		{"STORE_MAX_FAILURES", 3, &cfg.StoreMaxFailures},
		{"RATE_LIMIT_MAX", 100, &cfg.RateLimitMax},
		{"WS_EVENT_BURST", 400, &cfg.WSEventBurst},
	}
	for _, item := range ints {
		if *item.dest, err = getEnvInt(item.key, item.def); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"STORE_OP_TIMEOUT", 2 * time.Second, &cfg.StoreOpTimeout},
		{"STORE_PROBE_INTERVAL", 30 * time.Second, &cfg.StoreProbeInterval},
		{"ROOM_ACTIVE_TTL", 24 * time.Hour, &cfg.RoomActiveTTL},
		{"ROOM_EMPTY_TTL", 2 * time.Hour, &cfg.RoomEmptyTTL},
		{"ROOM_INACTIVITY_TIMEOUT", time.Hour, &cfg.RoomInactivityTimeout},
		{"SWEEP_INTERVAL", time.Minute, &cfg.SweepInterval},
		{"DIAGNOSTICS_INTERVAL", 5 * time.Minute, &cfg.DiagnosticsInterval},
		{"CREATOR_TOKEN_EXPIRY", 24 * time.Hour, &cfg.CreatorTokenExpiry},
		{"RATE_LIMIT_WINDOW", time.Second, &cfg.RateLimitWindow},
	}
	for _, item := range durations {
		if *item.dest, err = getEnvDuration(item.key, item.def); err != nil {
			return nil, err
		}
	}

	if cfg.WSEventsPerSecond, err = getEnvFloat("WS_EVENTS_PER_SECOND", 200); err != nil {
		return nil, err
	}
	maxBytes, err := getEnvInt("WS_MAX_MESSAGE_BYTES", 1<<20)
	if err != nil {
		return nil, err
	}
	cfg.WSMaxMessageBytes = int64(maxBytes)

	// 验证日志级别
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}
	if cfg.RoomEmptyTTL > cfg.RoomActiveTTL {
		return nil, fmt.Errorf("ROOM_EMPTY_TTL (%s) must not exceed ROOM_ACTIVE_TTL (%s)", cfg.RoomEmptyTTL, cfg.RoomActiveTTL)
	}
	return cfg, nil
}

// StoreEnabled 是否配置了 Redis
func (c *Config) StoreEnabled() bool { return c.RedisAddr != "" }

// ArchiveEnabled 房间归档需要 MySQL 和 Redis (任务队列) 同时可用
func (c *Config) ArchiveEnabled() bool { return c.DBUser != "" && c.StoreEnabled() }

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return f, nil
}

// getEnvDuration 接受 time.ParseDuration 格式 ("90s", "1h")
func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
