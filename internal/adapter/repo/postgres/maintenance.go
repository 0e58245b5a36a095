package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// MaintenanceService sweeps expired sessions. Sessions slide on use, so a
// row only expires after its owner stays away for the whole session window.
type MaintenanceService struct {
	Sessions domain.SessionRepository
}

func NewMaintenanceService(sessions domain.SessionRepository) *MaintenanceService {
	return &MaintenanceService{Sessions: sessions}
}

// Sweep deletes sessions whose expiry has passed.
func (s *MaintenanceService) Sweep(ctx context.Context) error {
	deleted, err := s.Sessions.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=maintenance.sweep: %w", err)
	}
	if deleted > 0 {
		slog.Info("expired sessions removed", slog.Int64("deleted", deleted))
	}
	return nil
}

// RunPeriodic sweeps once immediately, then on every tick until ctx ends.
func (s *MaintenanceService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.Sweep(ctx); err != nil {
		slog.Error("initial session sweep failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("session maintenance stopping")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				slog.Error("periodic session sweep failed", slog.Any("error", err))
			}
		}
	}
}
