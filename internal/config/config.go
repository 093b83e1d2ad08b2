// Package config loads chatd settings from the environment, with an optional
// .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every chatd setting.
type Config struct {
	Env      string
	LogLevel string

	ListenAddr     string
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ServerName     string

	NATSURL     string
	RedisAddr   string
	DatabaseURL string

	RunMigrations bool

	JWTSecret string
	TokenTTL  time.Duration

	MessagePollInterval  time.Duration
	PresencePollInterval time.Duration

	S3 S3Config
}

// S3Config holds object storage settings.
type S3Config struct {
	Endpoint       string
	UseSSL         bool
	AccessKey      string
	SecretKey      string
	PrimaryBucket  string
	FallbackBucket string
	PublicBaseURL  string
}

// Enabled reports whether an object store is configured.
func (c S3Config) Enabled() bool {
	return c.Endpoint != ""
}

// Load reads .env when present and parses the environment into a Config.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv parses the current environment without touching .env.
func FromEnv() (Config, error) {
	cfg := Config{
		Env:      getEnv("APP_ENV", "dev"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		ListenAddr:     getEnv("LISTEN_ADDR", ":8080"),
		WorkerPoolSize: parseIntWithDefault(os.Getenv("WORKER_POOL_SIZE"), 256),
		MaxConnections: parseIntWithDefault(os.Getenv("MAX_CONNECTIONS"), 100000),
		ServerName:     serverName(),

		NATSURL:     getEnv("NATS_URL", "nats://localhost:4222"),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),

		RunMigrations: getEnv("RUN_MIGRATIONS", "true") == "true",

		JWTSecret: os.Getenv("JWT_SECRET"),

		S3: S3Config{
			Endpoint:       strings.TrimSpace(os.Getenv("S3_ENDPOINT")),
			UseSSL:         getEnv("S3_USE_SSL", "false") == "true",
			AccessKey:      os.Getenv("S3_ACCESS_KEY"),
			SecretKey:      os.Getenv("S3_SECRET_KEY"),
			PrimaryBucket:  getEnv("S3_PRIMARY_BUCKET", "chat-files"),
			FallbackBucket: getEnv("S3_FALLBACK_BUCKET", "chat-images"),
			PublicBaseURL:  strings.TrimRight(os.Getenv("S3_PUBLIC_BASE_URL"), "/"),
		},
	}

	var err error
	if cfg.ReadTimeout, err = parseDuration("READ_TIMEOUT", "10s"); err != nil {
		return Config{}, err
	}
	if cfg.WriteTimeout, err = parseDuration("WRITE_TIMEOUT", "10s"); err != nil {
		return Config{}, err
	}
	if cfg.TokenTTL, err = parseDuration("TOKEN_TTL", "24h"); err != nil {
		return Config{}, err
	}
	if cfg.MessagePollInterval, err = parseDuration("MESSAGE_POLL_INTERVAL", "10s"); err != nil {
		return Config{}, err
	}
	if cfg.PresencePollInterval, err = parseDuration("PRESENCE_POLL_INTERVAL", "30s"); err != nil {
		return Config{}, err
	}
	if cfg.MessagePollInterval <= 0 || cfg.PresencePollInterval <= 0 {
		return Config{}, fmt.Errorf("poll intervals must be positive")
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		if !cfg.IsDev() {
			return Config{}, fmt.Errorf("JWT_SECRET is required outside dev")
		}
		cfg.JWTSecret = "dev-secret"
	}
	return cfg, nil
}

// IsDev reports whether the process runs in a local development environment.
func (c Config) IsDev() bool {
	return c.Env == "dev" || c.Env == "local"
}

func serverName() string {
	if v := os.Getenv("SERVER_NAME"); v != "" {
		return v
	}
	if host, _ := os.Hostname(); host != "" {
		return host
	}
	return "chatd-1"
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseDuration(key, def string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return dur, nil
}

func parseIntWithDefault(raw string, def int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
