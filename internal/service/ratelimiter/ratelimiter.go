// Package ratelimiter enforces the per-user rolling-window token budget and
// caches the computed status so chat-path checks stay off the usage table.
package ratelimiter

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/observability"
	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

const (
	// DefaultWindow is the rolling accounting window.
	DefaultWindow = 24 * time.Hour
	// WarnThreshold is the usage fraction at which Warning turns on.
	WarnThreshold = 0.80
)

// Service computes rate-limit status from recorded token usage.
type Service struct {
	usage     domain.UsageRepository
	limit     int64
	window    time.Duration
	statusTTL time.Duration

	mu    sync.RWMutex
	cache map[string]cachedStatus
}

type cachedStatus struct {
	status    domain.RateLimitStatus
	fetchedAt time.Time
}

func New(usage domain.UsageRepository, limit int64, statusTTL time.Duration) *Service {
	return &Service{
		usage:     usage,
		limit:     limit,
		window:    DefaultWindow,
		statusTTL: statusTTL,
		cache:     make(map[string]cachedStatus),
	}
}

// Check returns the user's current status, serving a cached copy when it is
// younger than the status TTL. ResetsInSeconds is populated only when the
// user is blocked.
func (s *Service) Check(ctx domain.Context, userID string) (domain.RateLimitStatus, error) {
	now := time.Now()
	s.mu.RLock()
	if c, ok := s.cache[userID]; ok && now.Sub(c.fetchedAt) < s.statusTTL {
		s.mu.RUnlock()
		return c.status, nil
	}
	s.mu.RUnlock()

	since := now.Add(-s.window)
	total, err := s.usage.WindowTotal(ctx, userID, since)
	if err != nil {
		return domain.RateLimitStatus{}, fmt.Errorf("op=ratelimiter.Check: %w", err)
	}

	status := domain.RateLimitStatus{
		Allowed:      total < s.limit,
		UsageTokens:  total,
		LimitTokens:  s.limit,
		UsagePercent: float64(total) / float64(s.limit) * 100,
	}
	if remaining := s.limit - total; remaining > 0 {
		status.RemainingTokens = remaining
	}
	status.Warning = float64(total) >= WarnThreshold*float64(s.limit)

	if !status.Allowed {
		observability.RateLimitDenialsTotal.Inc()
		oldest, err := s.usage.OldestInWindow(ctx, userID, since)
		if err != nil {
			return domain.RateLimitStatus{}, fmt.Errorf("op=ratelimiter.Check: %w", err)
		}
		if !oldest.IsZero() {
			secs := int64(oldest.Add(s.window).Sub(now).Seconds())
			if secs < 0 {
				secs = 0
			}
			status.ResetsInSeconds = &secs
		}
	}

	s.mu.Lock()
	s.cache[userID] = cachedStatus{status: status, fetchedAt: now}
	s.mu.Unlock()
	return status, nil
}

// Record stores one usage row and invalidates the user's cached status so
// the next Check sees it. A zero cost is filled from the price table.
func (s *Service) Record(ctx domain.Context, u domain.TokenUsage) error {
	if u.Cost == 0 {
		u.Cost = CostFor(u.ModelName, u.InputTokens, u.OutputTokens)
	}
	if err := s.usage.Insert(ctx, u); err != nil {
		return fmt.Errorf("op=ratelimiter.Record: %w", err)
	}
	s.Invalidate(u.UserID)
	return nil
}

// Invalidate drops the cached status for one user.
func (s *Service) Invalidate(userID string) {
	s.mu.Lock()
	delete(s.cache, userID)
	s.mu.Unlock()
}

// Limit reports the configured token budget.
func (s *Service) Limit() int64 {
	return s.limit
}
