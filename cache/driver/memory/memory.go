// Package memory implements an in-process cache driver with TTL expiry and
// periodic cleanup. It is the default driver for single-instance deployments
// and for tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned by Get for absent or expired keys.
var ErrNotFound = errors.New("key not found")

// ErrMaxKeys is returned by Set when the key limit is reached.
var ErrMaxKeys = errors.New("max keys limit reached")

type entry struct {
	value     []byte
	expiresAt int64 // unix nanos, 0 means no expiry
}

// Config tunes the memory driver.
type Config struct {
	MaxKeys         int
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	KeyPrefix       string
}

// Memory is a mutex-guarded map cache with a background sweeper.
type Memory struct {
	mu         sync.RWMutex
	entries    map[string]entry
	maxKeys    int
	defaultTTL time.Duration
	keyPrefix  string
	stop       chan struct{}
	stopOnce   sync.Once
}

// New creates a memory cache and starts its cleanup goroutine.
func New(cfg Config) (*Memory, error) {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	m := &Memory{
		entries:    make(map[string]entry),
		maxKeys:    cfg.MaxKeys,
		defaultTTL: cfg.DefaultTTL,
		keyPrefix:  cfg.KeyPrefix,
		stop:       make(chan struct{}),
	}
	go m.sweep(cfg.CleanupInterval)
	return m, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[m.keyPrefix+key]
	if !ok || expired(e) {
		return nil, ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fullKey := m.keyPrefix + key
	if m.maxKeys > 0 && len(m.entries) >= m.maxKeys {
		if _, ok := m.entries[fullKey]; !ok {
			return ErrMaxKeys
		}
	}

	if ttl == 0 {
		ttl = m.defaultTTL
	}
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixNano()
	}

	m.entries[fullKey] = entry{value: value, expiresAt: expiresAt}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, m.keyPrefix+key)
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[m.keyPrefix+key]
	return ok && !expired(e), nil
}

// Increment bumps an integer counter. The expiry set on first use sticks, so
// the counter behaves as a fixed window.
func (m *Memory) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fullKey := m.keyPrefix + key
	e, ok := m.entries[fullKey]
	if !ok || expired(e) {
		var expiresAt int64
		if ttl > 0 {
			expiresAt = time.Now().Add(ttl).UnixNano()
		}
		m.entries[fullKey] = entry{value: []byte("1"), expiresAt: expiresAt}
		return 1, nil
	}

	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("key %s does not hold a counter: %w", key, err)
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	m.entries[fullKey] = e
	return n, nil
}

func (m *Memory) Ping(_ context.Context) error {
	return nil
}

// Clear removes all keys under this cache's prefix.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keyPrefix == "" {
		m.entries = make(map[string]entry)
		return nil
	}
	for key := range m.entries {
		if strings.HasPrefix(key, m.keyPrefix) {
			delete(m.entries, key)
		}
	}
	return nil
}

func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *Memory) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.removeExpired()
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) removeExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UnixNano()
	for key, e := range m.entries {
		if e.expiresAt > 0 && now > e.expiresAt {
			delete(m.entries, key)
		}
	}
}

func expired(e entry) bool {
	return e.expiresAt > 0 && time.Now().UnixNano() > e.expiresAt
}
