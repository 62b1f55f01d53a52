package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/reflow/internal/core/domain"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*AppConfig, error) {
	cfg := &AppConfig{Recovery: domain.DefaultRecoveryConfig()}
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration that runs entirely in process.
func Default() *AppConfig {
	cfg := &AppConfig{Recovery: domain.DefaultRecoveryConfig()}
	cfg.applyDefaults()
	return cfg
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	d := domain.DefaultRecoveryConfig()
	if c.Recovery.BaseRetryDelay == 0 {
		c.Recovery.BaseRetryDelay = d.BaseRetryDelay
	}
	if c.Recovery.MaxRetryDelay == 0 {
		c.Recovery.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.Recovery.BackoffMultiplier == 0 {
		c.Recovery.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.Recovery.MaxRecoveryTime == 0 {
		c.Recovery.MaxRecoveryTime = d.MaxRecoveryTime
	}

	if c.Executor.Type == "" {
		c.Executor.Type = ExecutorDryRun
		if c.Executor.HTTP.URL != "" {
			c.Executor.Type = ExecutorHTTP
		}
	}
	if c.Interaction.Channel == "" {
		c.Interaction.Channel = ChannelBroker
	}
	if c.Interaction.Dir == "" {
		c.Interaction.Dir = DefaultDecisionDir
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageMemory
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = DefaultResultDir
	}
	if c.Retention.Interval == 0 {
		c.Retention.Interval = DefaultPruneInterval
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// SlogLevel maps the configured level name to a slog level.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
