package ratelimiter

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// AttemptConfig shapes one action's token bucket.
type AttemptConfig struct {
	Burst     int64
	PerMinute float64
}

// AttemptLimiter throttles brute-forceable actions (login, register) with a
// per-subject token bucket in Redis. It fails open: Redis being down must
// slow attackers elsewhere, not lock users out.
type AttemptLimiter struct {
	rdb     *redis.Client
	actions map[string]AttemptConfig
	script  *redis.Script
	log     *slog.Logger
}

// attemptScript refills the bucket by elapsed time, takes one token when
// available and expires idle buckets so they do not accumulate.
const attemptScript = `
local key = KEYS[1]
local burst = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = burst
local refreshed = now

local state = redis.call("HMGET", key, "tokens", "refreshed")
if state[1] then tokens = tonumber(state[1]) end
if state[2] then refreshed = tonumber(state[2]) end

local elapsed = now - refreshed
if elapsed < 0 then elapsed = 0 end
tokens = math.min(burst, tokens + elapsed * rate)

local allowed = 0
local retry_after = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
elseif rate > 0 then
  retry_after = (1 - tokens) / rate
end

redis.call("HMSET", key, "tokens", tokens, "refreshed", now)
redis.call("EXPIRE", key, ttl)
-- Redis truncates Lua numbers to integers; keep the fraction via a string.
return { allowed, tostring(retry_after) }
`

// NewAttemptLimiter returns nil when rdb is nil; a nil limiter allows
// everything, so callers never branch on whether Redis is configured.
func NewAttemptLimiter(rdb *redis.Client, actions map[string]AttemptConfig, log *slog.Logger) *AttemptLimiter {
	if rdb == nil {
		return nil
	}
	if actions == nil {
		actions = map[string]AttemptConfig{}
	}
	return &AttemptLimiter{
		rdb:     rdb,
		actions: actions,
		script:  redis.NewScript(attemptScript),
		log:     log,
	}
}

// Allow consumes one attempt for subject under action. The returned duration
// is how long the subject should wait when denied.
func (l *AttemptLimiter) Allow(ctx domain.Context, action, subject string) (bool, time.Duration) {
	if l == nil || l.rdb == nil {
		return true, 0
	}
	cfg, ok := l.actions[action]
	if !ok || cfg.Burst <= 0 || cfg.PerMinute <= 0 {
		return true, 0
	}
	rate := cfg.PerMinute / 60.0
	ttl := int64(float64(cfg.Burst)/rate) + 60

	now := float64(time.Now().UnixNano()) / 1e9
	key := "attempts:" + action + ":" + subject
	res, err := l.script.Run(ctx, l.rdb, []string{key}, cfg.Burst, rate, now, ttl).Result()
	if err != nil {
		l.log.Warn("attempt limiter unavailable", slog.String("action", action), slog.Any("error", err))
		return true, 0
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		l.log.Warn("attempt limiter bad script result", slog.String("action", action), slog.Any("result", res))
		return true, 0
	}
	allowed := asInt64(vals[0]) == 1
	retryAfter := time.Duration(asFloat64(vals[1]) * float64(time.Second))
	if !allowed && retryAfter < time.Second {
		retryAfter = time.Second
	}
	return allowed, retryAfter
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func asFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
