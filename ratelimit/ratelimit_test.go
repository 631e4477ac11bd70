package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/linklabs/linkbroker/cache"
	"github.com/linklabs/linkbroker/store"
)

func newLimiter(t *testing.T, defaults Limits) (*Limiter, *time.Time) {
	t.Helper()
	c, err := cache.New(cache.Config{Driver: "memory", KeyPrefix: "test:"})
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })

	clock := time.Date(2026, 8, 24, 12, 30, 15, 0, time.UTC)
	l := New(c, defaults, WithClock(func() time.Time { return clock }))
	return l, &clock
}

func TestMinuteWindow(t *testing.T) {
	l, _ := newLimiter(t, Limits{PerMinute: 3, PerDay: 100})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := l.Allow(ctx, "proj-1", Limits{})
		if err != nil {
			t.Fatalf("Allow() #%d error = %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("Allow() #%d denied inside the budget", i)
		}
		if d.Remaining != 3-i {
			t.Errorf("Allow() #%d Remaining = %d, want %d", i, d.Remaining, 3-i)
		}
	}

	d, err := l.Allow(ctx, "proj-1", Limits{})
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if d.Allowed {
		t.Fatal("request over the minute budget was admitted")
	}
	if d.Remaining != 0 || d.RetryAfter <= 0 {
		t.Errorf("denial = %+v", d)
	}
	if want := time.Date(2026, 8, 24, 12, 31, 0, 0, time.UTC); !d.Reset.Equal(want) {
		t.Errorf("Reset = %v, want %v", d.Reset, want)
	}
}

func TestWindowRollover(t *testing.T) {
	l, clock := newLimiter(t, Limits{PerMinute: 1, PerDay: 100})
	ctx := context.Background()

	if d, _ := l.Allow(ctx, "proj-1", Limits{}); !d.Allowed {
		t.Fatal("first request denied")
	}
	if d, _ := l.Allow(ctx, "proj-1", Limits{}); d.Allowed {
		t.Fatal("second request in the same window admitted")
	}

	*clock = clock.Add(time.Minute)
	if d, _ := l.Allow(ctx, "proj-1", Limits{}); !d.Allowed {
		t.Fatal("request denied after the window rolled over")
	}
}

func TestDailyQuota(t *testing.T) {
	l, _ := newLimiter(t, Limits{PerMinute: 100, PerDay: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d, _ := l.Allow(ctx, "proj-1", Limits{}); !d.Allowed {
			t.Fatalf("request %d denied inside the daily quota", i+1)
		}
	}

	d, _ := l.Allow(ctx, "proj-1", Limits{})
	if d.Allowed {
		t.Fatal("request over the daily quota admitted")
	}
	if want := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC); !d.Reset.Equal(want) {
		t.Errorf("Reset = %v, want next midnight UTC", d.Reset)
	}
	if d.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", d.RetryAfter)
	}
}

func TestMinuteDenialSparesDailyQuota(t *testing.T) {
	l, clock := newLimiter(t, Limits{PerMinute: 1, PerDay: 3})
	ctx := context.Background()

	if d, _ := l.Allow(ctx, "proj-1", Limits{}); !d.Allowed {
		t.Fatal("first request denied")
	}
	// Burst-throttled requests must not consume daily quota.
	for i := 0; i < 2; i++ {
		if d, _ := l.Allow(ctx, "proj-1", Limits{}); d.Allowed {
			t.Fatal("request over the minute budget admitted")
		}
	}

	// Two daily slots remain; they are usable in later minute windows.
	for i := 0; i < 2; i++ {
		*clock = clock.Add(time.Minute)
		if d, _ := l.Allow(ctx, "proj-1", Limits{}); !d.Allowed {
			t.Fatalf("request in window %d denied; minute denials burned daily quota", i+2)
		}
	}

	*clock = clock.Add(time.Minute)
	if d, _ := l.Allow(ctx, "proj-1", Limits{}); d.Allowed {
		t.Fatal("request over the daily quota admitted")
	}
}

func TestProjectsAreIndependent(t *testing.T) {
	l, _ := newLimiter(t, Limits{PerMinute: 1, PerDay: 100})
	ctx := context.Background()

	if d, _ := l.Allow(ctx, "proj-1", Limits{}); !d.Allowed {
		t.Fatal("proj-1 first request denied")
	}
	if d, _ := l.Allow(ctx, "proj-1", Limits{}); d.Allowed {
		t.Fatal("proj-1 over budget admitted")
	}
	if d, _ := l.Allow(ctx, "proj-2", Limits{}); !d.Allowed {
		t.Fatal("proj-2 throttled by proj-1's usage")
	}
}

func TestPerProjectOverrides(t *testing.T) {
	l, _ := newLimiter(t, Limits{PerMinute: 1, PerDay: 100})
	ctx := context.Background()

	override := Limits{PerMinute: 5}
	for i := 0; i < 5; i++ {
		if d, _ := l.Allow(ctx, "proj-1", override); !d.Allowed {
			t.Fatalf("request %d denied under the raised limit", i+1)
		}
	}
	if d, _ := l.Allow(ctx, "proj-1", override); d.Allowed {
		t.Fatal("request over the raised limit admitted")
	}
}

func TestLimitsFromSettings(t *testing.T) {
	tests := []struct {
		name     string
		settings store.JSONMap
		want     Limits
	}{
		{"nil settings", nil, Limits{}},
		{
			"both set",
			store.JSONMap{"rateLimitPerMinute": float64(120), "rateLimitPerDay": float64(5000)},
			Limits{PerMinute: 120, PerDay: 5000},
		},
		{
			"non-numeric ignored",
			store.JSONMap{"rateLimitPerMinute": "fast"},
			Limits{},
		},
		{
			"negative ignored",
			store.JSONMap{"rateLimitPerMinute": float64(-5)},
			Limits{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LimitsFromSettings(tt.settings); got != tt.want {
				t.Errorf("LimitsFromSettings() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
