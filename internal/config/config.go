// Package config provides YAML-based configuration loading for nestwatch.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override values from the YAML file. Secrets are
// expected to arrive this way rather than being committed to nestwatch.yaml.
const (
	EnvDBPassword   = "NESTWATCH_DB_PASSWORD"
	EnvSlackToken   = "NESTWATCH_SLACK_TOKEN"
	EnvDiscordToken = "NESTWATCH_DISCORD_TOKEN"
	EnvPort         = "NESTWATCH_PORT"
)

// Config is the top-level nestwatch configuration, loaded from nestwatch.yaml.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Privacy  PrivacyConfig  `yaml:"privacy"`
	Sessions SessionsConfig `yaml:"sessions"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Devices  []DeviceConfig `yaml:"devices"`
}

// DatabaseConfig selects and addresses the SQL backend.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // sqlite or mysql
	Path     string `yaml:"path"`   // sqlite file, ":memory:" allowed
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port  int  `yaml:"port"`
	Debug bool `yaml:"debug"`
}

// PrivacyConfig bounds privacy windows.
type PrivacyConfig struct {
	MaxMinutes int `yaml:"max_minutes"`
}

// SessionsConfig controls background session maintenance.
type SessionsConfig struct {
	SweepSchedule string `yaml:"sweep_schedule"`
}

// AlertsConfig configures parent alerts on session lifecycle events.
type AlertsConfig struct {
	QueueSize int        `yaml:"queue_size"`
	Slack     ChatConfig `yaml:"slack"`
	Discord   ChatConfig `yaml:"discord"`
}

// ChatConfig holds credentials for one chat platform. An empty token disables it.
type ChatConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Enabled reports whether the platform has enough configuration to post.
func (c ChatConfig) Enabled() bool {
	return c.BotToken != "" && c.ChannelID != ""
}

// DeviceConfig seeds a device row at db init.
type DeviceConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	ParentID string `yaml:"parent_id"`
}

// Load reads a YAML config file from path and returns a validated Config.
// A .env file next to the working directory is loaded first if present, so
// its values are visible to the environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays environment variables on top of the parsed file.
func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvDBPassword); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv(EnvSlackToken); v != "" {
		c.Alerts.Slack.BotToken = v
	}
	if v := os.Getenv(EnvDiscordToken); v != "" {
		c.Alerts.Discord.BotToken = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvPort, err)
		}
		c.Server.Port = port
	}
	return nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "nestwatch.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "nestwatch"
		}
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Privacy.MaxMinutes == 0 {
		c.Privacy.MaxMinutes = 240
	}
	if c.Sessions.SweepSchedule == "" {
		c.Sessions.SweepSchedule = "@every 30s"
	}
	if c.Alerts.QueueSize == 0 {
		c.Alerts.QueueSize = 64
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql)", c.Database.Driver))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if c.Privacy.MaxMinutes < 1 {
		errs = append(errs, "privacy.max_minutes must be positive")
	}
	if c.Alerts.QueueSize < 1 {
		errs = append(errs, "alerts.queue_size must be positive")
	}
	if c.Alerts.Slack.BotToken != "" && c.Alerts.Slack.ChannelID == "" {
		errs = append(errs, "alerts.slack.channel_id is required when a bot token is set")
	}
	if c.Alerts.Discord.BotToken != "" && c.Alerts.Discord.ChannelID == "" {
		errs = append(errs, "alerts.discord.channel_id is required when a bot token is set")
	}
	seen := make(map[string]bool)
	for i, d := range c.Devices {
		if d.ID == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].id is required", i))
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Sprintf("devices[%d].id %q is duplicated", i, d.ID))
		}
		seen[d.ID] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
