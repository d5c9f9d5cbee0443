// Package config loads the daemon configuration from YAML with defaults
// and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskmill/internal/otel"
)

// TelegramConfig configures the Telegram delivery channel.
type TelegramConfig struct {
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
}

// ChannelsConfig selects and configures delivery channels.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
	LogLevel  string `yaml:"log_level"`
	DBPath    string `yaml:"db_path"`

	// ReorderWindowMS bounds how long the sync broadcaster holds an
	// out-of-order delta before delivering it in arrival order.
	ReorderWindowMS int `yaml:"reorder_window_ms"`

	// SeenTTLMinutes bounds the consumer seen-sets.
	SeenTTLMinutes int `yaml:"seen_ttl_minutes"`

	// SweepCron drives the reminder catch-up sweep.
	SweepCron string `yaml:"sweep_cron"`

	// DeliveryTimeoutSeconds caps each delivery channel call.
	DeliveryTimeoutSeconds int `yaml:"delivery_timeout_seconds"`

	Channels ChannelsConfig `yaml:"channels"`
	OTel     otel.Config    `yaml:"otel"`
}

func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskmill")
}

func defaults(homeDir string) Config {
	return Config{
		HomeDir:                homeDir,
		BindAddr:               "127.0.0.1:8723",
		LogLevel:               "info",
		DBPath:                 filepath.Join(homeDir, "taskmill.db"),
		ReorderWindowMS:        100,
		SeenTTLMinutes:         60,
		SweepCron:              "* * * * *",
		DeliveryTimeoutSeconds: 10,
	}
}

// Load reads config.yaml under homeDir, applying defaults for anything the
// file leaves unset. A missing file is not an error.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := defaults(homeDir)

	path := filepath.Join(homeDir, "config.yaml")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.HomeDir = homeDir
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.ReorderWindowMS <= 0 {
		return fmt.Errorf("config: reorder_window_ms must be positive, got %d", c.ReorderWindowMS)
	}
	if c.SeenTTLMinutes <= 0 {
		return fmt.Errorf("config: seen_ttl_minutes must be positive, got %d", c.SeenTTLMinutes)
	}
	if c.DeliveryTimeoutSeconds <= 0 {
		return fmt.Errorf("config: delivery_timeout_seconds must be positive, got %d", c.DeliveryTimeoutSeconds)
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return fmt.Errorf("config: telegram channel enabled without a token")
	}
	return nil
}

// ReorderWindow returns the broadcaster reorder bound as a duration.
func (c *Config) ReorderWindow() time.Duration {
	return time.Duration(c.ReorderWindowMS) * time.Millisecond
}

// SeenTTL returns the seen-set retention as a duration.
func (c *Config) SeenTTL() time.Duration {
	return time.Duration(c.SeenTTLMinutes) * time.Minute
}

// DeliveryTimeout returns the per-call delivery channel timeout.
func (c *Config) DeliveryTimeout() time.Duration {
	return time.Duration(c.DeliveryTimeoutSeconds) * time.Second
}
