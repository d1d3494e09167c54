package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/splax/logprocessor/internal/cache"
)

const scanBatch = 500

// Cache implements cache.Cache on Redis.
type Cache struct {
	client  *goredis.Client
	timeout time.Duration
}

var _ cache.Cache = (*Cache)(nil)

// New parses a redis:// URL. It does not dial: the client connects lazily,
// so a server that is down at startup is reported by Ping and per call.
func New(url string, timeout time.Duration) (*Cache, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewWithClient(goredis.NewClient(opts), timeout), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, timeout time.Duration) *Cache {
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &Cache{client: client, timeout: timeout}
}

// Get returns the value for key or cache.ErrMiss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	value, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return value, nil
}

// Set stores value under key with the given expiry.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

// Keys walks the keyspace with SCAN so large caches never block the server.
func (c *Cache) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	iter := c.client.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("scan", err)
	}
	return keys, nil
}

// Ping verifies connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close releases the client.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", cache.ErrUnavailable, op, err)
}
