package usecase

import (
	"errors"
	"time"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// SettingsService reads and writes per-user preferences. A user without a
// stored row gets defaults, so Get never fails on a fresh account.
type SettingsService struct {
	Repo         domain.SettingsRepository
	DefaultModel string
}

func NewSettingsService(r domain.SettingsRepository, defaultModel string) SettingsService {
	return SettingsService{Repo: r, DefaultModel: defaultModel}
}

func (s SettingsService) defaults(userID string) domain.UserSettings {
	return domain.UserSettings{
		UserID:           userID,
		ChartSuggestions: true,
		SelectedModel:    "",
	}
}

func (s SettingsService) Get(ctx domain.Context, userID string) (domain.UserSettings, error) {
	st, err := s.Repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return s.defaults(userID), nil
		}
		return domain.UserSettings{}, err
	}
	return st, nil
}

func (s SettingsService) Update(ctx domain.Context, st domain.UserSettings) (domain.UserSettings, error) {
	st.UpdatedAt = time.Now().UTC()
	if err := s.Repo.Upsert(ctx, st); err != nil {
		return domain.UserSettings{}, err
	}
	return st, nil
}

// SelectedModel resolves the model for a chat turn: the user's choice when
// set, the configured default otherwise. Lookup failures fall back to the
// default so a settings hiccup never blocks chat.
func (s SettingsService) SelectedModel(ctx domain.Context, userID string) string {
	st, err := s.Repo.Get(ctx, userID)
	if err != nil || st.SelectedModel == "" {
		return s.DefaultModel
	}
	return st.SelectedModel
}
