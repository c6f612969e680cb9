// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all client configuration.
type Config struct {
	ServerHost string
	ServerPort int
	Secure     bool // use wss/https when the server is reached over TLS
	DBPath     string
	Channel    ChannelConfig
}

// ChannelConfig controls the connection channel's timers.
type ChannelConfig struct {
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
	ReconnectFloor       time.Duration
	ReconnectCeiling     time.Duration
	MaxReconnectAttempts int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		ServerHost: getEnv("COACHCHAT_HOST", "localhost"),
		ServerPort: getEnvInt("COACHCHAT_PORT", 8080),
		Secure:     getEnvBool("COACHCHAT_SECURE", false),
		DBPath:     getEnv("COACHCHAT_DB_PATH", defaultDBPath()),
		Channel: ChannelConfig{
			HeartbeatInterval:    getEnvDuration("COACHCHAT_HEARTBEAT_INTERVAL", 30*time.Second),
			DialTimeout:          getEnvDuration("COACHCHAT_DIAL_TIMEOUT", 10*time.Second),
			ReconnectFloor:       getEnvDuration("COACHCHAT_RECONNECT_FLOOR", time.Second),
			ReconnectCeiling:     getEnvDuration("COACHCHAT_RECONNECT_CEILING", 30*time.Second),
			MaxReconnectAttempts: getEnvInt("COACHCHAT_RECONNECT_MAX_ATTEMPTS", 5),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.ServerHost == "" {
		return fmt.Errorf("COACHCHAT_HOST cannot be empty")
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("COACHCHAT_PORT must be a valid port, got %d", c.ServerPort)
	}
	if c.DBPath == "" {
		return fmt.Errorf("COACHCHAT_DB_PATH cannot be empty")
	}
	if c.Channel.HeartbeatInterval <= 0 {
		return fmt.Errorf("COACHCHAT_HEARTBEAT_INTERVAL must be > 0")
	}
	if c.Channel.ReconnectFloor <= 0 {
		return fmt.Errorf("COACHCHAT_RECONNECT_FLOOR must be > 0")
	}
	if c.Channel.ReconnectCeiling < c.Channel.ReconnectFloor {
		return fmt.Errorf("COACHCHAT_RECONNECT_CEILING must be >= the floor")
	}
	if c.Channel.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("COACHCHAT_RECONNECT_MAX_ATTEMPTS must be > 0")
	}
	return nil
}

// APIBaseURL returns the HTTP base URL for the REST surface.
func (c *Config) APIBaseURL() string {
	scheme := "http"
	if c.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d/api", scheme, c.ServerHost, c.ServerPort)
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./coachchat.db"
	}
	return home + "/.coachchat/coachchat.db"
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
	if err != nil {
		return fallback
	}
	return d
}
