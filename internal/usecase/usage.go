package usecase

import (
	"time"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
	"github.com/fairyhunter13/ai-data-analyst/internal/service/ratelimiter"
)

// UsageSummary is the REST shape of a principal's rolling-window accounting.
type UsageSummary struct {
	WindowHours  int                 `json:"window_hours"`
	UsageTokens  int64               `json:"usage_tokens"`
	LimitTokens  int64               `json:"limit_tokens"`
	UsagePercent float64             `json:"usage_percent"`
	Warning      bool                `json:"warning"`
	Models       []domain.ModelUsage `json:"models"`
}

// UsageService reports rolling-window token consumption per principal.
type UsageService struct {
	Usage   domain.UsageRepository
	Limiter *ratelimiter.Service
}

func NewUsageService(usage domain.UsageRepository, limiter *ratelimiter.Service) UsageService {
	return UsageService{Usage: usage, Limiter: limiter}
}

func (s UsageService) Summary(ctx domain.Context, userID string) (UsageSummary, error) {
	status, err := s.Limiter.Check(ctx, userID)
	if err != nil {
		return UsageSummary{}, err
	}
	since := time.Now().Add(-ratelimiter.DefaultWindow)
	models, err := s.Usage.SummarizeByModel(ctx, userID, since)
	if err != nil {
		return UsageSummary{}, err
	}
	return UsageSummary{
		WindowHours:  int(ratelimiter.DefaultWindow / time.Hour),
		UsageTokens:  status.UsageTokens,
		LimitTokens:  status.LimitTokens,
		UsagePercent: status.UsagePercent,
		Warning:      status.Warning,
		Models:       models,
	}, nil
}
