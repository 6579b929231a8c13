// Package config loads gatelink configuration: defaults first, then an
// optional YAML file, then environment variables on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"gatelink/pkg/diag"
	"gatelink/pkg/gateway"
)

// Config is the application configuration.
type Config struct {
	// Gateway connection settings
	Gateway GatewayConfig `yaml:"gateway"`

	// Run reconciliation settings
	Run *RunConfig `yaml:"run,omitempty"`

	// Logging configuration
	Log *LogConfig `yaml:"log,omitempty"`
}

// GatewayConfig describes the gateway endpoint and credential.
type GatewayConfig struct {
	URL       string `yaml:"url"`
	Token     string `yaml:"token,omitempty"`
	HealthURL string `yaml:"healthUrl,omitempty"` // empty = derived from URL
	Session   string `yaml:"session,omitempty"`   // default session key
}

// RunConfig tunes per-run reconciliation.
type RunConfig struct {
	GraceMs int `yaml:"graceMs,omitempty"` // chat-final fallback timer
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level string `yaml:"level,omitempty"` // debug, info, warn, error
	File  string `yaml:"file,omitempty"`  // log file path (empty = stderr only)
}

// DefaultRunConfig returns default run settings.
func DefaultRunConfig() *RunConfig {
	return &RunConfig{GraceMs: 2500}
}

// DefaultLogConfig returns default logging configuration.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{Level: "info"}
}

// GracePeriod returns the configured grace timer as a duration.
func (c *RunConfig) GracePeriod() time.Duration {
	if c == nil || c.GraceMs <= 0 {
		return 2500 * time.Millisecond
	}
	return time.Duration(c.GraceMs) * time.Millisecond
}

// ParsedLevel parses the configured log level.
func (c *LogConfig) ParsedLevel() diag.Level {
	if c == nil {
		return diag.LevelInfo
	}
	return diag.ParseLevel(c.Level)
}

// Load reads configuration from configPath, merging file values over
// defaults and environment variables over both.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		Gateway: GatewayConfig{
			URL:     getEnv("GATELINK_URL", "ws://127.0.0.1:18789/ws"),
			Session: "main",
		},
		Run: DefaultRunConfig(),
		Log: DefaultLogConfig(),
	}

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Environment variables override config file
	if val := os.Getenv("GATELINK_URL"); val != "" {
		cfg.Gateway.URL = val
	}
	if val := os.Getenv("GATELINK_TOKEN"); val != "" {
		cfg.Gateway.Token = val
	}
	if val := os.Getenv("GATELINK_SESSION"); val != "" {
		cfg.Gateway.Session = val
	}
	if val := os.Getenv("GATELINK_LOG_LEVEL"); val != "" {
		if cfg.Log == nil {
			cfg.Log = DefaultLogConfig()
		}
		cfg.Log.Level = val
	}
	if val := os.Getenv("GATELINK_GRACE_MS"); val != "" {
		ms, err := strconv.Atoi(val)
		if err != nil {
			return nil, fmt.Errorf("invalid GATELINK_GRACE_MS: %w", err)
		}
		if cfg.Run == nil {
			cfg.Run = DefaultRunConfig()
		}
		cfg.Run.GraceMs = ms
	}

	return cfg, nil
}

// Save writes configuration to configPath.
func Save(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ClientOptions converts the gateway section into client options.
func (c *Config) ClientOptions(sink diag.Sink) gateway.Options {
	return gateway.Options{
		URL:        c.Gateway.URL,
		Token:      c.Gateway.Token,
		HealthURL:  c.Gateway.HealthURL,
		ClientName: "gatelink",
		Sink:       sink,
	}
}

// DefaultPath returns the default config file path.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".gatelink", "config.yaml"), nil
}

func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}
