package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for stored results and pending decisions.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection configuration.
type Config struct {
	URL       string `yaml:"url"`
	Password  string `yaml:"password"`
	KeyPrefix string `yaml:"key_prefix"`
}

const defaultPrefix = "reflow"

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewClientFromRDB(rdb, cfg.KeyPrefix), nil
}

// NewClientFromRDB wraps an existing go-redis client.
func NewClientFromRDB(rdb *redis.Client, prefix string) *Client {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Client{rdb: rdb, prefix: prefix}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Health implements storage.HealthChecker.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx)
}

// Key helpers
func (c *Client) resultKey(flowID string) string {
	return fmt.Sprintf("%s:result:%s", c.prefix, flowID)
}

func (c *Client) resultIndexKey() string {
	return fmt.Sprintf("%s:results", c.prefix)
}

func (c *Client) pendingKey() string {
	return fmt.Sprintf("%s:decisions:pending", c.prefix)
}

func (c *Client) replyKey(id string) string {
	return fmt.Sprintf("%s:decisions:reply:%s", c.prefix, id)
}
