// Package ratelimit enforces per-project request budgets: a per-minute fixed
// window for burst control and a daily quota. Counters live in the shared
// cache so every broker instance sees the same windows; when the cache is
// unreachable the limiter fails open rather than taking the API down.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/linklabs/linkbroker/cache"
	"github.com/linklabs/linkbroker/logger"
	"github.com/linklabs/linkbroker/store"
)

// Default budgets, applied when a project carries no override.
const (
	DefaultPerMinute = 60
	DefaultPerDay    = 1000
)

// Config tunes the default budgets from the environment.
type Config struct {
	PerMinute int `env:"RATE_LIMIT_PER_MINUTE,default:60"`
	PerDay    int `env:"RATE_LIMIT_PER_DAY,default:1000"`
}

// Limits is one project's effective budget. Zero fields fall back to the
// limiter defaults.
type Limits struct {
	PerMinute int
	PerDay    int
}

// LimitsFromSettings reads per-project overrides from the project settings
// blob. JSON numbers arrive as float64.
func LimitsFromSettings(settings store.JSONMap) Limits {
	var l Limits
	if v, ok := settings["rateLimitPerMinute"].(float64); ok && v > 0 {
		l.PerMinute = int(v)
	}
	if v, ok := settings["rateLimitPerDay"].(float64); ok && v > 0 {
		l.PerDay = int(v)
	}
	return l
}

// Decision is the outcome of one admission check. Limit, Remaining, and
// Reset describe the per-minute window and feed the X-RateLimit-* headers;
// RetryAfter is set only on denials.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// Limiter admits or rejects requests against the project budgets.
type Limiter struct {
	cache    cache.Cache
	defaults Limits
	now      func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New builds a limiter over the shared cache.
func New(c cache.Cache, defaults Limits, opts ...Option) *Limiter {
	if defaults.PerMinute <= 0 {
		defaults.PerMinute = DefaultPerMinute
	}
	if defaults.PerDay <= 0 {
		defaults.PerDay = DefaultPerDay
	}
	l := &Limiter{cache: c, defaults: defaults, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow consumes one request from the project's budgets. overrides carries
// the project's own limits; zero fields use the defaults.
func (l *Limiter) Allow(ctx context.Context, projectID string, overrides Limits) (*Decision, error) {
	perMinute := overrides.PerMinute
	if perMinute <= 0 {
		perMinute = l.defaults.PerMinute
	}
	perDay := overrides.PerDay
	if perDay <= 0 {
		perDay = l.defaults.PerDay
	}

	now := l.now().UTC()
	minuteWindow := now.Truncate(time.Minute)
	minuteReset := minuteWindow.Add(time.Minute)
	dayWindow := now.Truncate(24 * time.Hour)
	dayReset := dayWindow.Add(24 * time.Hour)

	minuteKey := fmt.Sprintf("ratelimit:minute:%s:%d", projectID, minuteWindow.Unix())
	dayKey := fmt.Sprintf("ratelimit:day:%s:%d", projectID, dayWindow.Unix())

	minuteCount, err := l.cache.Increment(ctx, minuteKey, 2*time.Minute)
	if err != nil {
		logger.Errorw("rate-limit counter unavailable, failing open",
			"project_id", projectID, "error", err)
		return &Decision{Allowed: true, Limit: perMinute, Remaining: perMinute - 1, Reset: minuteReset}, nil
	}
	// The minute check runs before the daily counter is touched, so a
	// burst-throttled caller does not also burn daily quota.
	if minuteCount > int64(perMinute) {
		return &Decision{
			Limit:      perMinute,
			Remaining:  0,
			Reset:      minuteReset,
			RetryAfter: minuteReset.Sub(now),
		}, nil
	}

	dayCount, err := l.cache.Increment(ctx, dayKey, 25*time.Hour)
	if err != nil {
		logger.Errorw("rate-limit counter unavailable, failing open",
			"project_id", projectID, "error", err)
		return &Decision{Allowed: true, Limit: perMinute, Remaining: perMinute - 1, Reset: minuteReset}, nil
	}
	if dayCount > int64(perDay) {
		return &Decision{
			Limit:      perMinute,
			Remaining:  0,
			Reset:      dayReset,
			RetryAfter: dayReset.Sub(now),
		}, nil
	}

	return &Decision{
		Allowed:   true,
		Limit:     perMinute,
		Remaining: perMinute - int(minuteCount),
		Reset:     minuteReset,
	}, nil
}
