// Package config loads the router's process configuration from the
// environment and its routing configuration from a YAML file.
//
// Environment Variables:
//
//   - PORT: listener port (default: 8080)
//   - LOG_LEVEL: logging level (default: info)
//   - LOG_FILE: log file path; stdout when empty
//   - ROUTING_FILE: routing file path (default: ./routing.yaml)
//   - ROUTING_WATCH: reload the routing file when it changes (default: true)
//   - SHUTDOWN_TIMEOUT: grace period for in-flight requests (default: 15s)
//   - READ_TIMEOUT: listener read timeout (default: 30s)
//   - WRITE_TIMEOUT: listener write timeout (default: 60s)
//   - METRICS_ENABLED: expose /metrics (default: true)
//
// Example usage:
//
//	cfg := config.Load()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid configuration: %v", err)
//	}
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the process configuration. Load fills it from the
// environment; call Validate before use.
type Config struct {
	Port     string // Listener port
	LogLevel string // debug, info, warn or error
	LogFile  string // Log file path, stdout when empty

	RoutingFile  string // Routing YAML path
	RoutingWatch bool   // Reload RoutingFile on change

	ShutdownTimeout string // Grace period on shutdown, e.g. "15s"
	ReadTimeout     string // Listener read timeout
	WriteTimeout    string // Listener write timeout

	MetricsEnabled bool // Serve /metrics
}

// Load creates a Config from environment variables, using defaults for
// unset ones. It does not validate.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),

		RoutingFile:  getEnv("ROUTING_FILE", "./routing.yaml"),
		RoutingWatch: getBoolEnv("ROUTING_WATCH", true),

		ShutdownTimeout: getEnv("SHUTDOWN_TIMEOUT", "15s"),
		ReadTimeout:     getEnv("READ_TIMEOUT", "30s"),
		WriteTimeout:    getEnv("WRITE_TIMEOUT", "60s"),

		MetricsEnabled: getBoolEnv("METRICS_ENABLED", true),
	}
}

// getEnv retrieves an environment variable value or returns defaultValue
// if it is unset or empty.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getBoolEnv parses a boolean environment variable. Unset or unparsable
// values yield defaultValue.
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Validate checks every field and returns the first problem found.
func (c *Config) Validate() error {
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}

	if c.RoutingFile == "" {
		return fmt.Errorf("ROUTING_FILE is required")
	}

	for name, value := range map[string]string{
		"SHUTDOWN_TIMEOUT": c.ShutdownTimeout,
		"READ_TIMEOUT":     c.ReadTimeout,
		"WRITE_TIMEOUT":    c.WriteTimeout,
	} {
		if d, err := time.ParseDuration(value); err != nil || d <= 0 {
			return fmt.Errorf("%s must be a positive duration (e.g. '30s')", name)
		}
	}
	return nil
}

// Durations returns the parsed shutdown, read and write timeouts. It
// assumes Validate passed.
func (c *Config) Durations() (shutdown, read, write time.Duration) {
	shutdown, _ = time.ParseDuration(c.ShutdownTimeout)
	read, _ = time.ParseDuration(c.ReadTimeout)
	write, _ = time.ParseDuration(c.WriteTimeout)
	return shutdown, read, write
}
