package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendBadger   = "badger"
	BackendMemory   = "memory"
)

// Config holds all configuration for the application.
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// Message store
	StoreBackend string
	SQLitePath   string
	DatabaseURL  string
	RedisURL     string
	BadgerDir    string

	// Websocket gateway
	AllowedOrigins  []string
	OutboundBuffer  int
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics when the selected backend is not configured.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		Env:             getEnv("ENV", "development"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		StoreBackend:    strings.ToLower(getEnv("STORE_BACKEND", BackendSQLite)),
		SQLitePath:      getEnv("SQLITE_PATH", "./data/chatline.db"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		BadgerDir:       getEnv("BADGER_DIR", "./data/badger"),
		AllowedOrigins:  splitList(getEnv("ALLOWED_ORIGINS", "*")),
		OutboundBuffer:  getEnvInt("OUTBOUND_BUFFER", 64),
		PingInterval:    getEnvDuration("WS_PING_INTERVAL", 30*time.Second),
		WriteTimeout:    getEnvDuration("WS_WRITE_TIMEOUT", 10*time.Second),
		MaxMessageBytes: getEnvInt("MAX_MESSAGE_BYTES", 4096),
	}

	if cfg.Env == "production" {
		switch cfg.StoreBackend {
		case BackendPostgres:
			if cfg.DatabaseURL == "" {
				panic("DATABASE_URL is required in production")
			}
		case BackendRedis:
			if cfg.RedisURL == "" {
				panic("REDIS_URL is required in production")
			}
		case BackendMemory:
			panic("STORE_BACKEND=memory is not allowed in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

// splitList parses a comma-separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
