// Package redis wraps the go-redis client with the relay's key layout and
// the operations the signature cache and warm-up history need.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes for relay data
const (
	PrefixSignatureTool = "antigravity:signatures:tool:"
	PrefixWarmHistory   = "antigravity:warmup:history:"
)

// Client wraps the Redis client with domain-specific operations
type Client struct {
	rdb *redis.Client
}

// Config represents Redis connection configuration
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects to Redis and verifies the connection.
func NewClient(cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// IsNil checks if an error is redis.Nil (key not found)
func IsNil(err error) bool {
	return err == redis.Nil
}

// SetSignature stores a tool signature with TTL
func (c *Client) SetSignature(ctx context.Context, toolUseID, signature string, ttl time.Duration) error {
	return c.rdb.Set(ctx, PrefixSignatureTool+toolUseID, signature, ttl).Err()
}

// GetSignature retrieves a tool signature. Missing keys return "".
func (c *Client) GetSignature(ctx context.Context, toolUseID string) (string, error) {
	result, err := c.rdb.Get(ctx, PrefixSignatureTool+toolUseID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return result, err
}

// SetWarmupStamp records the last successful warm-up instant for an
// account/model pair.
func (c *Client) SetWarmupStamp(ctx context.Context, key string, at time.Time, ttl time.Duration) error {
	return c.rdb.Set(ctx, PrefixWarmHistory+key, at.Unix(), ttl).Err()
}

// GetWarmupStamp retrieves the last warm-up instant. found reports
// whether a stamp exists; missing keys are not an error.
func (c *Client) GetWarmupStamp(ctx context.Context, key string) (at time.Time, found bool, err error) {
	result, err := c.rdb.Get(ctx, PrefixWarmHistory+key).Int64()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(result, 0), true, nil
}

// DeleteWarmupStamp removes the stamp for an account/model pair so the
// next full-quota observation can warm it again.
func (c *Client) DeleteWarmupStamp(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, PrefixWarmHistory+key).Err()
}
