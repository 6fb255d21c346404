// Package config reads deployment configuration from CHRONICLE_*
// environment variables so main stays lean.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"chronicle/internal/audit"
)

// Backend selects the storage implementation.
type Backend string

const (
	BackendFile     Backend = "file"
	BackendPostgres Backend = "postgres"
	BackendMemory   Backend = "memory"
)

// Config captures everything the server needs at startup.
type Config struct {
	Addr      string
	Source    string
	Component string

	Backend     Backend
	DataDir     string
	PostgresURL string

	Redis RedisConfig

	KafkaBrokers []string
	KafkaTopic   string

	// SigningSeed is a base64-encoded ed25519 seed. Empty disables
	// signing unless SigningRequired forces a startup failure.
	SigningSeed     string
	SigningKeyID    string
	SigningRequired bool

	ChainDisabled bool

	BufferSize    int
	FlushInterval time.Duration

	ArchiveAfter    time.Duration
	ArchiveInterval time.Duration

	AlertWindow time.Duration
}

// RedisConfig tunes the optional Redis connection used for shared alert
// windows. An empty URL means Redis is not configured.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FromEnv builds the config. Signing is fail-closed: a required or
// malformed key stops startup rather than silently running unsigned.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:            envOr("CHRONICLE_ADDR", ":8080"),
		Source:          envOr("CHRONICLE_SOURCE", "chronicle"),
		Component:       envOr("CHRONICLE_COMPONENT", "audit-engine"),
		Backend:         Backend(envOr("CHRONICLE_BACKEND", string(BackendFile))),
		DataDir:         envOr("CHRONICLE_DATA_DIR", "data/audit"),
		PostgresURL:     os.Getenv("CHRONICLE_POSTGRES_URL"),
		KafkaTopic:      os.Getenv("CHRONICLE_KAFKA_TOPIC"),
		SigningSeed:     os.Getenv("CHRONICLE_SIGNING_KEY"),
		SigningKeyID:    envOr("CHRONICLE_SIGNING_KEY_ID", "chronicle-primary"),
		SigningRequired: os.Getenv("CHRONICLE_SIGNING_REQUIRED") == "true",
		ChainDisabled:   os.Getenv("CHRONICLE_CHAIN_DISABLED") == "true",
		BufferSize:      envInt("CHRONICLE_BUFFER_SIZE", 100),
		FlushInterval:   envDuration("CHRONICLE_FLUSH_INTERVAL", 5*time.Second),
		ArchiveAfter:    envDuration("CHRONICLE_ARCHIVE_AFTER", 0),
		ArchiveInterval: envDuration("CHRONICLE_ARCHIVE_INTERVAL", time.Hour),
		AlertWindow:     envDuration("CHRONICLE_ALERT_WINDOW", time.Hour),
		Redis: RedisConfig{
			URL:          os.Getenv("CHRONICLE_REDIS_URL"),
			PoolSize:     envInt("CHRONICLE_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("CHRONICLE_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDuration("CHRONICLE_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("CHRONICLE_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("CHRONICLE_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
	}

	if brokers := os.Getenv("CHRONICLE_KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	switch cfg.Backend {
	case BackendFile, BackendPostgres, BackendMemory:
	default:
		return Config{}, &audit.ConfigurationError{
			Setting: "CHRONICLE_BACKEND",
			Reason:  fmt.Sprintf("unknown backend %q", cfg.Backend),
		}
	}
	if cfg.Backend == BackendPostgres && cfg.PostgresURL == "" {
		return Config{}, &audit.ConfigurationError{
			Setting: "CHRONICLE_POSTGRES_URL",
			Reason:  "required for the postgres backend",
		}
	}
	if cfg.SigningRequired && cfg.SigningSeed == "" {
		return Config{}, &audit.ConfigurationError{
			Setting: "CHRONICLE_SIGNING_KEY",
			Reason:  "signing is required but no key is configured",
		}
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
