// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	AllowedOrigin  string // renderer origin allowed by CORS: "" = local development
	RunnerURL      string // websocket endpoint of the task runner
	DBPath         string
	OpTimeout      time.Duration
	MaxIdle        int // inactive entities kept in memory per tracker
	MaxRevisions   int // stored revisions per entity and kind
	RevisionMaxAge time.Duration
	RateLimit      int // submit requests per client per minute
	Events         EventStreamConfig
}

// EventStreamConfig controls task event buffering and delivery.
type EventStreamConfig struct {
	EvictDelay  time.Duration
	JournalSize int
	QueueSize   int // per-connection SSE buffer
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("SSE_QUEUE_SIZE", 64)
	if queueSize <= 0 {
		queueSize = 64
	}

	cfg := &Config{
		Port:           getEnv("PORT", "9610"),
		AllowedOrigin:  getEnv("ALLOWED_ORIGIN", ""),
		RunnerURL:      getEnv("RUNNER_WS_URL", "ws://127.0.0.1:9620/tasks"),
		DBPath:         getEnv("DB_PATH", "./data/inkd.db"),
		OpTimeout:      getEnvDuration("OP_TIMEOUT", 2*time.Minute),
		MaxIdle:        getEnvInt("MAX_IDLE_ENTITIES", 256),
		MaxRevisions:   getEnvInt("MAX_REVISIONS", 100),
		RevisionMaxAge: getEnvDuration("REVISION_MAX_AGE", 90*24*time.Hour),
		RateLimit:      getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		Events: EventStreamConfig{
			EvictDelay:  getEnvDuration("EVENT_EVICT_DELAY", 250*time.Millisecond),
			JournalSize: getEnvInt("EVENT_JOURNAL_SIZE", 256),
			QueueSize:   queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.RunnerURL == "" {
		return fmt.Errorf("RUNNER_WS_URL cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.OpTimeout < 0 {
		return fmt.Errorf("OP_TIMEOUT cannot be negative")
	}
	if c.Events.JournalSize <= 0 {
		return fmt.Errorf("EVENT_JOURNAL_SIZE must be > 0")
	}
	if c.Events.QueueSize <= 0 {
		return fmt.Errorf("SSE_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if serving a locally hosted renderer.
func (c *Config) IsDevelopment() bool {
	return c.AllowedOrigin == "" ||
		strings.Contains(c.AllowedOrigin, "localhost") ||
		strings.Contains(c.AllowedOrigin, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
