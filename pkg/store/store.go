package store

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds the shared store connection settings
type Config struct {
	Host     string
	Port     int
	DB       int
	Password string
	UseTLS   bool
}

// ConfigFromEnv reads the connection settings from the environment:
// REDIS_HOST, REDIS_PORT, REDIS_DB, REDIS_PASSWORD, REDIS_USE_SSL.
func ConfigFromEnv() Config {
	cfg := Config{
		Host: "localhost",
		Port: 6379,
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.Port = n
		}
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.DB = n
		}
	}
	cfg.Password = os.Getenv("REDIS_PASSWORD")
	cfg.UseTLS = strings.EqualFold(os.Getenv("REDIS_USE_SSL"), "true")
	return cfg
}

// Client is a narrow adapter over the shared key/value + list + set store.
// Structured values are stored as JSON; raw strings pass through unchanged.
type Client struct {
	rdb *redis.Client
}

// New creates a store client. Credentials are applied only when non-empty.
func New(cfg Config) *Client {
	opts := &redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		DB:   cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &Client{rdb: redis.NewClient(opts)}
}

// NewWithAddr creates a store client for a plain host:port address
func NewWithAddr(addr string) *Client {
	return &Client{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

// Ping verifies the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool
func (c *Client) Close() error {
	return c.rdb.Close()
}

// encode turns a value into its stored string form: strings pass through,
// everything else is JSON
func encode(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// Set stores a value under key, with an optional TTL (ttl <= 0 means no
// expiry)
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	return c.rdb.Set(ctx, key, data, ttl).Err()
}

// GetString fetches the raw string stored at key. The second return value
// reports whether the key existed.
func (c *Client) GetString(ctx context.Context, key string) (string, bool, error) {
	value, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// GetJSON fetches the value at key and unmarshals it into dest. Returns
// false without touching dest when the key is absent.
func (c *Client) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	value, found, err := c.GetString(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal([]byte(value), dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key, reporting whether anything was removed
func (c *Client) Delete(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Del(ctx, key).Result()
	return n > 0, err
}

// Exists reports whether key is present
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// TTL returns the remaining lifetime of key in seconds: -1 for no expiry,
// -2 for a missing key
func (c *Client) TTL(ctx context.Context, key string) (int64, error) {
	dur, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return -2, err
	}
	// go-redis reports the -1/-2 sentinels as raw durations
	if dur < 0 {
		return int64(dur), nil
	}
	return int64(dur / time.Second), nil
}

// Expire sets a TTL on an existing key
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.Expire(ctx, key, ttl).Result()
}

// SetIfAbsent atomically stores value under key with the given TTL only when
// the key does not exist. This is the sole primitive the distributed mutex
// builds on.
func (c *Client) SetIfAbsent(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

// IncrBy atomically adds n to the integer at key and returns the new value
func (c *Client) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return c.rdb.IncrBy(ctx, key, n).Result()
}

// ListRightPush appends value to the list at key
func (c *Client) ListRightPush(ctx context.Context, key string, value string) error {
	return c.rdb.RPush(ctx, key, value).Err()
}

// ListBlockingLeftPop pops the head of the list at key, waiting up to
// timeout for an element to arrive. A timeout of zero makes the call
// non-blocking: it returns immediately with the head if any. The second
// return value reports whether an element was popped.
func (c *Client) ListBlockingLeftPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	if timeout <= 0 {
		value, err := c.rdb.LPop(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		return value, true, nil
	}

	result, err := c.rdb.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	// BLPOP replies [key, value]
	if len(result) != 2 {
		return "", false, fmt.Errorf("unexpected BLPOP reply length %d", len(result))
	}
	return result[1], true, nil
}

// ListLen returns the length of the list at key
func (c *Client) ListLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, key).Result()
}

// SetAdd adds member to the set at key
func (c *Client) SetAdd(ctx context.Context, key, member string) error {
	return c.rdb.SAdd(ctx, key, member).Err()
}

// SetRemove removes member from the set at key
func (c *Client) SetRemove(ctx context.Context, key, member string) error {
	return c.rdb.SRem(ctx, key, member).Err()
}

// SetMembers returns all members of the set at key
func (c *Client) SetMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

// Eval runs a server-side script against the given keys
func (c *Client) Eval(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	return script.Run(ctx, c.rdb, keys, args...).Result()
}
