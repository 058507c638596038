package cache

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"chatrelay/internal/config"

	redis "github.com/redis/go-redis/v9"
)

// ErrCacheMiss mirrors redis.Nil for callers.
var ErrCacheMiss = redis.Nil

var errNotConnected = errors.New("redis client not initialized")

// Client exposes the narrow redis surface the service needs: string keys for
// the auth token cache and capped lists for conversation history. Anything
// else the server offers stays out of reach on purpose.
type Client struct {
	rdb *redis.Client
}

// NewClient connects to the configured redis server and verifies the
// connection with a ping before returning.
func NewClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	host := cfg.Redis.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Redis.Port
	if port == 0 {
		port = 6379
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return &Client{rdb: rdb}, nil
}

// Set stores a string key with the given TTL.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c == nil || c.rdb == nil {
		return errNotConnected
	}
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Get fetches a string key. Returns ErrCacheMiss when the key is absent.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if c == nil || c.rdb == nil {
		return "", errNotConnected
	}
	return c.rdb.Get(ctx, key).Result()
}

// Del removes the given keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if c == nil || c.rdb == nil {
		return errNotConnected
	}
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// ListAppendCapped pushes an entry onto the tail of a list, trims the list to
// its last cap entries and refreshes the TTL, all in one transaction.
func (c *Client) ListAppendCapped(ctx context.Context, key string, entry []byte, limit int64, ttl time.Duration) error {
	if c == nil || c.rdb == nil {
		return errNotConnected
	}
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, key, entry)
	pipe.LTrim(ctx, key, -limit, -1)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// ListTail returns up to the last n entries of a list in stored order.
// A missing key yields an empty slice, not an error.
func (c *Client) ListTail(ctx context.Context, key string, n int64) ([]string, error) {
	if c == nil || c.rdb == nil {
		return nil, errNotConnected
	}
	entries, err := c.rdb.LRange(ctx, key, -n, -1).Result()
	if err != nil {
		if err == ErrCacheMiss {
			return nil, nil
		}
		return nil, err
	}
	return entries, nil
}

// Ping checks connectivity, for health reporting.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.rdb == nil {
		return errNotConnected
	}
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
