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
	Port          string
	FrontendURL   string
	DBPath        string
	TranscriptDir string
	RecipeDir     string

	// AgentBin is the interactive agent executable wrapped by each session.
	AgentBin string

	// Runner holds the stream-interpretation tuning knobs. The defaults trade
	// responsiveness against message fragmentation and are sensitive to the
	// agent's actual output cadence.
	Runner RunnerConfig
}

// RunnerConfig controls per-session process supervision timing.
type RunnerConfig struct {
	// DebounceInterval is the quiet period after which buffered conversational
	// output is flushed as one message.
	DebounceInterval time.Duration
	// ReadyTimeout is the grace period after which a session is declared ready
	// even if no readiness marker was recognized.
	ReadyTimeout time.Duration
	// StopTimeout bounds a graceful shutdown before escalating to SIGTERM.
	StopTimeout time.Duration
	// SendReadyWait bounds how long an outbound message waits for readiness
	// before being written anyway.
	SendReadyWait time.Duration
	// AutoInterrupt interrupts an in-flight turn when a new message arrives.
	AutoInterrupt bool
	// MaxTurns caps agent turns per session; 0 means no flag is passed.
	MaxTurns int
	// Debug passes the agent's debug flag through.
	Debug bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		DBPath:        getEnv("DB_PATH", "./data/agentdeck.db"),
		TranscriptDir: getEnv("TRANSCRIPT_DIR", "./data/transcripts"),
		RecipeDir:     getEnv("RECIPE_DIR", "./data/recipes"),
		AgentBin:      getEnv("AGENT_BIN", "goose"),
		Runner: RunnerConfig{
			DebounceInterval: getEnvDuration("RUNNER_DEBOUNCE_INTERVAL", 200*time.Millisecond),
			ReadyTimeout:     getEnvDuration("RUNNER_READY_TIMEOUT", 2*time.Second),
			StopTimeout:      getEnvDuration("RUNNER_STOP_TIMEOUT", 5*time.Second),
			SendReadyWait:    getEnvDuration("RUNNER_SEND_READY_WAIT", 5*time.Second),
			AutoInterrupt:    getEnvBool("RUNNER_AUTO_INTERRUPT", false),
			MaxTurns:         getEnvInt("RUNNER_MAX_TURNS", 1000),
			Debug:            getEnvBool("RUNNER_DEBUG", false),
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
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.TranscriptDir == "" {
		return fmt.Errorf("TRANSCRIPT_DIR cannot be empty")
	}
	if c.AgentBin == "" {
		return fmt.Errorf("AGENT_BIN cannot be empty")
	}
	if c.Runner.DebounceInterval <= 0 {
		return fmt.Errorf("RUNNER_DEBOUNCE_INTERVAL must be > 0")
	}
	if c.Runner.ReadyTimeout <= 0 {
		return fmt.Errorf("RUNNER_READY_TIMEOUT must be > 0")
	}
	if c.Runner.StopTimeout <= 0 {
		return fmt.Errorf("RUNNER_STOP_TIMEOUT must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
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
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
