// Package cache provides a small byte-oriented cache behind a driver
// interface. The broker uses it to keep decrypted API-key secrets and
// project rate-limit tiers close to the request path, with a short TTL so
// revocations propagate quickly.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/linklabs/linkbroker/cache/driver/memory"
	"github.com/linklabs/linkbroker/cache/driver/redis"
)

var (
	// ErrKeyNotFound is returned by Get when the key is absent or expired.
	ErrKeyNotFound = errors.New("key not found")

	// ErrInvalidDriver is returned by New for an unrecognized driver name.
	ErrInvalidDriver = errors.New("invalid cache driver")
)

// Cache is the interface all drivers implement.
type Cache interface {
	// Get retrieves a value by key. Returns ErrKeyNotFound for misses.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value. A zero TTL means the driver's default TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether a key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// Increment atomically bumps an integer counter, creating it with the
	// given TTL on first use. The TTL is not extended on later increments,
	// which makes the counter a fixed window.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases driver resources.
	Close() error
}

// Config selects and tunes the cache driver.
type Config struct {
	Driver string `env:"CACHE_DRIVER,default:memory"` // "memory" or "redis"

	// Redis connection. URL takes precedence over Addr when set.
	URL      string `env:"CACHE_URL"`
	Addr     string `env:"CACHE_ADDR,default:localhost:6379"`
	Password string `env:"CACHE_PASSWORD"`
	Database int    `env:"CACHE_DATABASE,default:0"`
	PoolSize int    `env:"CACHE_POOL_SIZE,default:10"`

	// Memory driver tuning.
	MaxKeys         int           `env:"CACHE_MAX_KEYS,default:0"`
	CleanupInterval time.Duration `env:"CACHE_CLEANUP_INTERVAL,default:1m"`

	// DefaultTTL applies when Set is called with a zero TTL.
	DefaultTTL time.Duration `env:"CACHE_DEFAULT_TTL,default:0"`

	// KeyPrefix namespaces all keys, so several brokers can share a redis.
	KeyPrefix string `env:"CACHE_KEY_PREFIX,default:linkbroker:"`
}

// New creates a cache instance for the configured driver.
func New(cfg Config) (Cache, error) {
	switch cfg.Driver {
	case "", "memory":
		inner, err := memory.New(memory.Config{
			MaxKeys:         cfg.MaxKeys,
			DefaultTTL:      cfg.DefaultTTL,
			CleanupInterval: cfg.CleanupInterval,
			KeyPrefix:       cfg.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		return &driverCache{Cache: inner, notFound: memory.ErrNotFound}, nil
	case "redis":
		inner, err := redis.New(redis.Config{
			URL:        cfg.URL,
			Addr:       cfg.Addr,
			Password:   cfg.Password,
			Database:   cfg.Database,
			PoolSize:   cfg.PoolSize,
			DefaultTTL: cfg.DefaultTTL,
			KeyPrefix:  cfg.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		return &driverCache{Cache: inner, notFound: redis.ErrNotFound}, nil
	default:
		return nil, ErrInvalidDriver
	}
}

// driverCache maps each driver's not-found sentinel to ErrKeyNotFound so
// callers only ever check one error.
type driverCache struct {
	Cache
	notFound error
}

func (d *driverCache) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := d.Cache.Get(ctx, key)
	if err != nil {
		if errors.Is(err, d.notFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return value, nil
}
