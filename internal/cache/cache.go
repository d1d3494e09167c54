package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss indicates the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// ErrUnavailable indicates the cache backend could not be reached.
var ErrUnavailable = errors.New("cache: unavailable")

// Cache is a key/value store with per-entry expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Keys lists keys beginning with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
}
