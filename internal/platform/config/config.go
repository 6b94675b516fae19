package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend selects which Transport implementation the server runs on.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendRedis    Backend = "redis"
	BackendPostgres Backend = "postgres"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr     string
	LogLevel string
	Backend  Backend
	Redis    RedisConfig
	Postgres PostgresConfig
	Kafka    KafkaConfig
}

// RedisConfig holds connection settings for the Redis transport.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// PostgresConfig holds connection settings for the Postgres transport.
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
}

// KafkaConfig holds change feed settings. An empty broker list disables the
// feed.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	addr := os.Getenv("DOCSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	backend := Backend(strings.ToLower(os.Getenv("STORE_BACKEND")))
	switch backend {
	case BackendRedis, BackendPostgres:
	default:
		backend = BackendMemory
	}

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "document-changes"
	}

	return Server{
		Addr:     addr,
		LogLevel: os.Getenv("LOG_LEVEL"),
		Backend:  backend,
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Postgres: PostgresConfig{
			DSN:          os.Getenv("POSTGRES_DSN"),
			MaxOpenConns: envInt("POSTGRES_MAX_OPEN_CONNS", 10),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:   topic,
		},
	}
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
