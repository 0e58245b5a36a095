package ratelimiter

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newAttemptLimiter(t *testing.T, actions map[string]AttemptConfig) (*AttemptLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAttemptLimiter(rdb, actions, log), mr
}

func TestAttemptLimiterBurstThenDeny(t *testing.T) {
	l, _ := newAttemptLimiter(t, map[string]AttemptConfig{
		"login": {Burst: 3, PerMinute: 6},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _ := l.Allow(ctx, "login", "10.0.0.1")
		if !allowed {
			t.Fatalf("attempt %d denied inside the burst", i+1)
		}
	}
	allowed, retryAfter := l.Allow(ctx, "login", "10.0.0.1")
	if allowed {
		t.Fatal("attempt allowed past the burst")
	}
	if retryAfter < time.Second {
		t.Errorf("retry after = %v, want at least a second", retryAfter)
	}
}

func TestAttemptLimiterSubjectsAreIndependent(t *testing.T) {
	l, _ := newAttemptLimiter(t, map[string]AttemptConfig{
		"login": {Burst: 1, PerMinute: 1},
	})
	ctx := context.Background()

	if allowed, _ := l.Allow(ctx, "login", "10.0.0.1"); !allowed {
		t.Fatal("first subject denied")
	}
	if allowed, _ := l.Allow(ctx, "login", "10.0.0.1"); allowed {
		t.Fatal("first subject not throttled")
	}
	if allowed, _ := l.Allow(ctx, "login", "10.0.0.2"); !allowed {
		t.Fatal("second subject throttled by the first")
	}
}

func TestAttemptLimiterRefills(t *testing.T) {
	l, mr := newAttemptLimiter(t, map[string]AttemptConfig{
		"login": {Burst: 1, PerMinute: 60},
	})
	ctx := context.Background()

	if allowed, _ := l.Allow(ctx, "login", "ip"); !allowed {
		t.Fatal("first attempt denied")
	}
	if allowed, _ := l.Allow(ctx, "login", "ip"); allowed {
		t.Fatal("second immediate attempt allowed")
	}

	// One token per second: backdate the stored refresh stamp instead of
	// sleeping through real time.
	key := "attempts:login:ip"
	mr.HSet(key, "refreshed", "0")
	if allowed, _ := l.Allow(ctx, "login", "ip"); !allowed {
		t.Fatal("attempt denied after refill window")
	}
}

func TestAttemptLimiterUnknownActionAllows(t *testing.T) {
	l, _ := newAttemptLimiter(t, map[string]AttemptConfig{})
	if allowed, _ := l.Allow(context.Background(), "login", "ip"); !allowed {
		t.Fatal("unconfigured action denied")
	}
}

func TestAttemptLimiterFailsOpen(t *testing.T) {
	l, mr := newAttemptLimiter(t, map[string]AttemptConfig{
		"login": {Burst: 1, PerMinute: 1},
	})
	mr.Close()

	if allowed, _ := l.Allow(context.Background(), "login", "ip"); !allowed {
		t.Fatal("limiter denied while Redis is down, want fail-open")
	}
}

func TestNilAttemptLimiterAllows(t *testing.T) {
	var l *AttemptLimiter
	if allowed, _ := l.Allow(context.Background(), "login", "ip"); !allowed {
		t.Fatal("nil limiter denied")
	}
	if NewAttemptLimiter(nil, nil, nil) != nil {
		t.Fatal("NewAttemptLimiter(nil) != nil")
	}
}
