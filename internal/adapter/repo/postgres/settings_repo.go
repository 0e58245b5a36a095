package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// SettingsRepo stores per-user preferences. A missing row is ErrNotFound;
// the usecase supplies defaults.
type SettingsRepo struct{ Pool PgxPool }

func NewSettingsRepo(p PgxPool) *SettingsRepo { return &SettingsRepo{Pool: p} }

func (r *SettingsRepo) Get(ctx domain.Context, userID string) (domain.UserSettings, error) {
	tracer := otel.Tracer("repo.settings")
	ctx, span := tracer.Start(ctx, "settings.Get")
	defer span.End()
	q := `SELECT user_id, dev_mode, selected_model, chart_suggestions, updated_at
		FROM user_settings WHERE user_id=$1`
	var s domain.UserSettings
	err := r.Pool.QueryRow(ctx, q, userID).Scan(&s.UserID, &s.DevMode, &s.SelectedModel, &s.ChartSuggestions, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UserSettings{}, fmt.Errorf("op=settings.get: %w", domain.ErrNotFound)
		}
		return domain.UserSettings{}, fmt.Errorf("op=settings.get: %w", err)
	}
	return s, nil
}

func (r *SettingsRepo) Upsert(ctx domain.Context, s domain.UserSettings) error {
	tracer := otel.Tracer("repo.settings")
	ctx, span := tracer.Start(ctx, "settings.Upsert")
	defer span.End()
	updatedAt := s.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	q := `INSERT INTO user_settings (user_id, dev_mode, selected_model, chart_suggestions, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (user_id) DO UPDATE SET
			dev_mode=EXCLUDED.dev_mode,
			selected_model=EXCLUDED.selected_model,
			chart_suggestions=EXCLUDED.chart_suggestions,
			updated_at=EXCLUDED.updated_at`
	if _, err := r.Pool.Exec(ctx, q, s.UserID, s.DevMode, s.SelectedModel, s.ChartSuggestions, updatedAt); err != nil {
		return fmt.Errorf("op=settings.upsert: %w", err)
	}
	return nil
}
