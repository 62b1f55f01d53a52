package config

import (
	"errors"
	"time"

	"github.com/vietddude/reflow/internal/core/domain"
	"github.com/vietddude/reflow/internal/infra/executor"
	redisclient "github.com/vietddude/reflow/internal/infra/redis"
	"github.com/vietddude/reflow/internal/infra/storage/postgres"
	"github.com/vietddude/reflow/internal/recovery"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server       ServerConfig          `yaml:"server"`
	Logging      LoggingConfig         `yaml:"logging"`
	Recovery     domain.RecoveryConfig `yaml:"recovery"`
	Classifiers  ClassifierConfig      `yaml:"classifier"`
	Alternatives AlternativesConfig    `yaml:"alternatives"`
	Executor     ExecutorConfig        `yaml:"executor"`
	Interaction  InteractionConfig     `yaml:"interaction"`
	Storage      StorageConfig         `yaml:"storage"`
	Redis        redisclient.Config    `yaml:"redis"`
	Database     postgres.Config       `yaml:"database"`
	Retention    RetentionConfig       `yaml:"retention"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxConcurrent   int           `yaml:"max_concurrent"` // flows running at once, 0 = unlimited
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ClassifierConfig overrides the keyword lists. Empty lists keep the
// built-in defaults.
type ClassifierConfig struct {
	PermanentKeywords []string `yaml:"permanent_keywords"`
	TransientKeywords []string `yaml:"transient_keywords"`
}

// AlternativesConfig defines the alternative-flow registry. No flows means
// the built-in registry.
type AlternativesConfig struct {
	Categories []string                   `yaml:"categories"`
	Flows      []recovery.AlternativeFlow `yaml:"flows"`
}

// ExecutorConfig selects how steps are performed.
type ExecutorConfig struct {
	Type string              `yaml:"type"` // http, dry_run
	HTTP executor.HTTPConfig `yaml:"http"`
}

// InteractionConfig selects where user-fulfillment questions go.
type InteractionConfig struct {
	Channel string `yaml:"channel"` // broker, file, redis
	Dir     string `yaml:"dir"`     // file channel root
}

// StorageConfig selects the flow result store.
type StorageConfig struct {
	Driver string `yaml:"driver"` // memory, file, postgres, redis
	Dir    string `yaml:"dir"`    // file store root
}

// RetentionConfig controls pruning of stored results.
type RetentionConfig struct {
	Period   time.Duration `yaml:"period"` // 0 = keep forever
	Interval time.Duration `yaml:"interval"`
}

const (
	DefaultPort            = 8080
	DefaultShutdownTimeout = 10 * time.Second
	DefaultDecisionDir     = "./data/decisions"
	DefaultResultDir       = "./data/results"
	DefaultPruneInterval   = time.Hour
	MaxTCPPort             = 65535

	ExecutorHTTP   = "http"
	ExecutorDryRun = "dry_run"

	ChannelBroker = "broker"
	ChannelFile   = "file"
	ChannelRedis  = "redis"

	StorageMemory   = "memory"
	StorageFile     = "file"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

var (
	ErrInvalidPort          = errors.New("invalid server port")
	ErrInvalidRecoveryDelay = errors.New("retry delays must be positive and base <= max")
	ErrInvalidMultiplier    = errors.New("backoff multiplier must be >= 1")
	ErrInvalidRecoveryTime  = errors.New("max recovery time must be positive")
	ErrInvalidExecutor      = errors.New("invalid executor type")
	ErrMissingExecutorURL   = errors.New("http executor requires a url")
	ErrInvalidChannel       = errors.New("invalid interaction channel")
	ErrInvalidStorage       = errors.New("invalid storage driver")
	ErrMissingDatabaseURL   = errors.New("postgres storage requires database.url")
	ErrMissingRedisURL      = errors.New("redis requires redis.url")
	ErrInvalidRetention     = errors.New("retention period must not be negative")
)

// Validate checks the configuration for values the runtime cannot use.
func (c *AppConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > MaxTCPPort {
		return ErrInvalidPort
	}

	r := c.Recovery
	if r.BaseRetryDelay <= 0 || r.MaxRetryDelay <= 0 || r.BaseRetryDelay > r.MaxRetryDelay {
		return ErrInvalidRecoveryDelay
	}
	if r.BackoffMultiplier < 1 {
		return ErrInvalidMultiplier
	}
	if r.MaxRecoveryTime <= 0 {
		return ErrInvalidRecoveryTime
	}

	switch c.Executor.Type {
	case ExecutorHTTP:
		if c.Executor.HTTP.URL == "" {
			return ErrMissingExecutorURL
		}
	case ExecutorDryRun:
	default:
		return ErrInvalidExecutor
	}

	switch c.Interaction.Channel {
	case ChannelBroker, ChannelFile:
	case ChannelRedis:
		if c.Redis.URL == "" {
			return ErrMissingRedisURL
		}
	default:
		return ErrInvalidChannel
	}

	switch c.Storage.Driver {
	case StorageMemory, StorageFile:
	case StoragePostgres:
		if c.Database.URL == "" {
			return ErrMissingDatabaseURL
		}
	case StorageRedis:
		if c.Redis.URL == "" {
			return ErrMissingRedisURL
		}
	default:
		return ErrInvalidStorage
	}

	if c.Retention.Period < 0 {
		return ErrInvalidRetention
	}
	return nil
}

// Registry builds the alternative-flow registry described by the config.
func (c *AppConfig) Registry() (*recovery.Registry, error) {
	if len(c.Alternatives.Flows) == 0 {
		return recovery.NewRegistry(recovery.DefaultAlternativeFlows(), c.Alternatives.Categories)
	}
	return recovery.NewRegistry(c.Alternatives.Flows, c.Alternatives.Categories)
}

// Classifier builds the error classifier described by the config.
func (c *AppConfig) Classifier() *recovery.KeywordClassifier {
	return recovery.NewKeywordClassifier(c.Classifiers.PermanentKeywords, c.Classifiers.TransientKeywords)
}
