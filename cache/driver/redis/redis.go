// Package redis implements the cache driver backed by Redis, for multi
// instance deployments where the brokers share one secret cache.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get for absent keys.
var ErrNotFound = errors.New("key not found")

// Config tunes the redis driver. URL takes precedence over Addr when set.
type Config struct {
	URL        string
	Addr       string
	Password   string
	Database   int
	PoolSize   int
	DefaultTTL time.Duration
	KeyPrefix  string
}

// Redis is the go-redis backed cache driver.
type Redis struct {
	client     *redis.Client
	defaultTTL time.Duration
	keyPrefix  string
}

// New creates a redis cache and verifies connectivity.
func New(cfg Config) (*Redis, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		opts = parsed
	} else {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		opts = &redis.Options{
			Addr:     addr,
			Password: cfg.Password,
			DB:       cfg.Database,
		}
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{
		client:     client,
		defaultTTL: cfg.DefaultTTL,
		keyPrefix:  cfg.KeyPrefix,
	}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return value, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = r.defaultTTL
	}
	return r.client.Set(ctx, r.keyPrefix+key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.keyPrefix+key).Err()
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.keyPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Increment bumps an integer counter, attaching the TTL only when the key is
// created so the counter behaves as a fixed window.
func (r *Redis) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	fullKey := r.keyPrefix + key
	n, err := r.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 && ttl > 0 {
		if err := r.client.Expire(ctx, fullKey, ttl).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Clear removes all keys under this cache's prefix in batches.
func (r *Redis) Clear(ctx context.Context) error {
	if r.keyPrefix == "" {
		return errors.New("cannot clear all keys without a prefix")
	}

	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 0).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 500 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return r.client.Del(ctx, batch...).Err()
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
