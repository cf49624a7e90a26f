// Package config loads the ssenotify service configuration from a YAML
// file, an optional .env file and SSENOTIFY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	HTTP     HTTPConfig     `yaml:"http"`
	Broker   BrokerConfig   `yaml:"broker"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type DatabaseConfig struct {
	DSN                string        `yaml:"dsn"`
	ConnectTimeout     time.Duration `yaml:"connectTimeout"`
	QueuePollInterval  time.Duration `yaml:"queuePollInterval"`  // 0 disables the monitor
	QueueWarnThreshold float64       `yaml:"queueWarnThreshold"` // fraction, e.g. 0.5
}

type HTTPConfig struct {
	Addr          string `yaml:"addr"`
	StreamPath    string `yaml:"streamPath"`
	HealthPath    string `yaml:"healthPath"`
	ClientsPath   string `yaml:"clientsPath"`
	ReconnectPath string `yaml:"reconnectPath"`
	ClientBuffer  int    `yaml:"clientBuffer"`
}

type BrokerConfig struct {
	Channels               []string        `yaml:"channels"`
	MaxClients             int             `yaml:"maxClients"`
	HeartbeatInterval      time.Duration   `yaml:"heartbeatInterval"`
	HeartbeatIncludeStatus bool            `yaml:"heartbeatIncludeStatus"`
	Reconnect              ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`      // debug, info, warn, error
	Encoding   string `yaml:"encoding"`   // json or console
	OutputPath string `yaml:"outputPath"` // stdout, stderr or a file path
	MaxSizeMB  int    `yaml:"maxSizeMB"`  // file rotation, ignored for stdout/stderr
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// Load reads the YAML file at path (skipped when path is empty), loads
// envFile into the environment when present, applies SSENOTIFY_*
// overrides, fills defaults and validates the result.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv("SSENOTIFY_DATABASE_URL")); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("SSENOTIFY_HTTP_ADDR")); v != "" {
		c.HTTP.Addr = v
	}
	if v := getenvCSV("SSENOTIFY_CHANNELS"); len(v) > 0 {
		c.Broker.Channels = v
	}
	if v := strings.TrimSpace(os.Getenv("SSENOTIFY_MAX_CLIENTS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SSENOTIFY_MAX_CLIENTS: %w", err)
		}
		c.Broker.MaxClients = n
	}
	if v := strings.TrimSpace(os.Getenv("SSENOTIFY_LOG_LEVEL")); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Database.ConnectTimeout <= 0 {
		c.Database.ConnectTimeout = 10 * time.Second
	}
	if c.Database.QueueWarnThreshold <= 0 {
		c.Database.QueueWarnThreshold = 0.5
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.StreamPath == "" {
		c.HTTP.StreamPath = "/events"
	}
	if c.HTTP.HealthPath == "" {
		c.HTTP.HealthPath = "/healthz"
	}
	if c.HTTP.ClientsPath == "" {
		c.HTTP.ClientsPath = "/clients"
	}
	if c.HTTP.ReconnectPath == "" {
		c.HTTP.ReconnectPath = "/reconnect"
	}
	if c.HTTP.ClientBuffer <= 0 {
		c.HTTP.ClientBuffer = 64
	}

	if c.Broker.MaxClients <= 0 {
		c.Broker.MaxClients = 10000
	}
	if c.Broker.HeartbeatInterval <= 0 {
		c.Broker.HeartbeatInterval = 30 * time.Second
	}
	if c.Broker.Reconnect.MaxAttempts <= 0 {
		c.Broker.Reconnect.MaxAttempts = 10
	}
	if c.Broker.Reconnect.BaseDelay <= 0 {
		c.Broker.Reconnect.BaseDelay = time.Second
	}
	if c.Broker.Reconnect.MaxDelay <= 0 {
		c.Broker.Reconnect.MaxDelay = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}
	if c.Logging.OutputPath == "" {
		c.Logging.OutputPath = "stdout"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 100
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":2112"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func (c *Config) validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if _, err := pgx.ParseConfig(c.Database.DSN); err != nil {
		return fmt.Errorf("bad database dsn: %w", err)
	}

	if len(c.Broker.Channels) == 0 {
		return fmt.Errorf("at least one broker channel is required")
	}
	if c.Broker.Reconnect.MaxDelay < c.Broker.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect maxDelay %s is below baseDelay %s",
			c.Broker.Reconnect.MaxDelay, c.Broker.Reconnect.BaseDelay)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log encoding: %s", c.Logging.Encoding)
	}

	for _, p := range []string{c.HTTP.StreamPath, c.HTTP.HealthPath, c.HTTP.ClientsPath, c.HTTP.ReconnectPath} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("http path %q must start with /", p)
		}
	}
	return nil
}

func getenvCSV(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
