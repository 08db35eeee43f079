// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all relay server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string

	// Auth
	JWTSecret string
	TokenTTL  time.Duration

	// Upstream inference gateway (OpenAI-compatible)
	UpstreamBaseURL  string
	UpstreamAPIKey   string
	UpstreamModel    string
	IdleReadTimeout  time.Duration

	// Rate limiting. RedisAddr empty = in-process store (single instance
	// only; a multi-process deployment must set RedisAddr).
	RateLimitMax    int
	RateLimitWindow time.Duration
	RedisAddr       string
	RedisPassword   string

	// Request validation
	MaxMessageChars int

	// Attachment storage ("local" or "s3")
	StorageBackend   string
	LocalStoragePath string
	MaxUploadSize    int64

	// S3 (used when StorageBackend is "s3")
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),
		DatabaseURL: envOr("DATABASE_URL", ""),
		JWTSecret:   envOr("JWT_SECRET", ""),
		TokenTTL:    envDuration("TOKEN_TTL", 30*24*time.Hour),

		UpstreamBaseURL: envOr("UPSTREAM_BASE_URL", "https://api.openai.com/v1"),
		UpstreamAPIKey:  envOr("UPSTREAM_API_KEY", ""),
		UpstreamModel:   envOr("UPSTREAM_MODEL", "gpt-4o-mini"),
		IdleReadTimeout: envDuration("IDLE_READ_TIMEOUT", 60*time.Second),

		RateLimitMax:    envInt("RATE_LIMIT_MAX", 10),
		RateLimitWindow: envDuration("RATE_LIMIT_WINDOW", time.Minute),
		RedisAddr:       envOr("REDIS_ADDR", ""),
		RedisPassword:   envOr("REDIS_PASSWORD", ""),

		MaxMessageChars: envInt("MAX_MESSAGE_CHARS", 4000),

		StorageBackend:   envOr("STORAGE_BACKEND", "local"),
		LocalStoragePath: envOr("LOCAL_STORAGE_PATH", "/data/attachments"),
		MaxUploadSize:    envInt64("MAX_UPLOAD_SIZE", 10*1024*1024),

		S3Endpoint:  envOr("S3_ENDPOINT", ""),
		S3Bucket:    envOr("S3_BUCKET", "neonforge"),
		S3AccessKey: envOr("S3_ACCESS_KEY", ""),
		S3SecretKey: envOr("S3_SECRET_KEY", ""),
		S3Region:    envOr("S3_REGION", "us-east-1"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.UpstreamAPIKey == "" {
		return nil, fmt.Errorf("UPSTREAM_API_KEY is required")
	}
	if cfg.RateLimitMax <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_MAX must be positive")
	}
	if cfg.StorageBackend != "local" && cfg.StorageBackend != "s3" {
		return nil, fmt.Errorf("STORAGE_BACKEND must be local or s3, got %q", cfg.StorageBackend)
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
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
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
