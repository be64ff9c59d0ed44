// Package config assembles process-level configuration from the
// environment so main stays lean. Quota limits live in
// internal/quota/config; this package covers listeners and backends.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures the two HTTP listeners: the public API and the ops
// listener serving metrics and health.
type Server struct {
	Addr            string
	OpsAddr         string
	ShutdownTimeout time.Duration
}

// RedisConfig configures the burst-window backend. An empty URL disables it.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures the audit publisher. No brokers disables it.
type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
}

// App is the full process configuration.
type App struct {
	Server      Server
	PostgresURL string
	Redis       RedisConfig
	Kafka       KafkaConfig
	LogLevel    string
}

// FromEnv builds the app config from environment variables with
// development-friendly defaults.
func FromEnv() App {
	return App{
		Server: Server{
			Addr:            envStr("EXPLAIND_ADDR", ":8080"),
			OpsAddr:         envStr("EXPLAIND_OPS_ADDR", ":9090"),
			ShutdownTimeout: envDuration("EXPLAIND_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		PostgresURL: os.Getenv("EXPLAIND_POSTGRES_URL"),
		Redis: RedisConfig{
			URL:          os.Getenv("EXPLAIND_REDIS_URL"),
			PoolSize:     envInt("EXPLAIND_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("EXPLAIND_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDuration("EXPLAIND_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("EXPLAIND_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("EXPLAIND_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:    envList("EXPLAIND_KAFKA_BROKERS"),
			AuditTopic: envStr("EXPLAIND_KAFKA_AUDIT_TOPIC", "explaind.quota.audit"),
		},
		LogLevel: envStr("EXPLAIND_LOG_LEVEL", "info"),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
