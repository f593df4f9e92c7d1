// Package config loads runtime configuration from the environment plus
// optional YAML source catalogs.
package config

import (
	"os"
	"strconv"
	"time"
)

// LLMEnv is one resolved LLM endpoint configuration.
type LLMEnv struct {
	Endpoint string
	Model    string
	APIKey   string
}

// Config holds the process configuration.
type Config struct {
	LogLevel    string
	DatabaseURL string
	RedisAddr   string
	RedisDB     int

	AIProvider string
	Extract    LLMEnv
	Embed      LLMEnv

	AlertDedupWindow time.Duration
	SlackWebhookURL  string
	SlackChannel     string
	DigestEmail      string

	SessionSecret string

	// Watchdog threshold overrides; zero means the built-in default.
	StaleSourceWarnDays     int
	StaleSourceCriticalDays int
	DrainerWarnMinutes      int
	DrainerCriticalMinutes  int
	BacklogWarn             int
	BacklogCritical         int
}

// Load reads the environment. Every variable has a workable default so
// a bare process comes up against local infrastructure.
func Load() *Config {
	return &Config{
		LogLevel:    getenv("LOG_LEVEL", "INFO"),
		DatabaseURL: getenv("DATABASE_URL", "postgres://regtruth@localhost:5432/regtruth?sslmode=disable"),
		RedisAddr:   getenv("REDIS_ADDR", "localhost:6379"),
		RedisDB:     getint("REDIS_DB", 0),

		AIProvider: getenv("AI_PROVIDER", "ollama"),
		Extract:    extractEnv(),
		Embed:      embedEnv(),

		AlertDedupWindow: time.Duration(getint("ALERT_DEDUP_WINDOW_MINUTES", 60)) * time.Minute,
		SlackWebhookURL:  os.Getenv("SLACK_WEBHOOK_URL"),
		SlackChannel:     os.Getenv("SLACK_CHANNEL"),
		DigestEmail:      os.Getenv("TRUTH_DIGEST_EMAIL"),

		SessionSecret: os.Getenv("SESSION_SECRET"),

		StaleSourceWarnDays:     getint("WATCHDOG_STALE_WARN_DAYS", 0),
		StaleSourceCriticalDays: getint("WATCHDOG_STALE_CRITICAL_DAYS", 0),
		DrainerWarnMinutes:      getint("WATCHDOG_DRAINER_WARN_MINUTES", 0),
		DrainerCriticalMinutes:  getint("WATCHDOG_DRAINER_CRITICAL_MINUTES", 0),
		BacklogWarn:             getint("WATCHDOG_BACKLOG_WARN", 0),
		BacklogCritical:         getint("WATCHDOG_BACKLOG_CRITICAL", 0),
	}
}

// extractEnv resolves the extraction LLM: OLLAMA_EXTRACT_* first, then
// OLLAMA_*, then the built-in defaults (applied by the client).
func extractEnv() LLMEnv {
	return LLMEnv{
		Endpoint: firstenv("OLLAMA_EXTRACT_ENDPOINT", "OLLAMA_ENDPOINT"),
		Model:    firstenv("OLLAMA_EXTRACT_MODEL", "OLLAMA_MODEL"),
		APIKey:   firstenv("OLLAMA_EXTRACT_API_KEY", "OLLAMA_API_KEY"),
	}
}

// embedEnv resolves the embeddings LLM. It reads OLLAMA_EMBED_* only:
// extraction configuration never leaks into embeddings.
func embedEnv() LLMEnv {
	return LLMEnv{
		Endpoint: os.Getenv("OLLAMA_EMBED_ENDPOINT"),
		Model:    os.Getenv("OLLAMA_EMBED_MODEL"),
		APIKey:   os.Getenv("OLLAMA_EMBED_API_KEY"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstenv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

func getint(key string, fallback int) int {
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
