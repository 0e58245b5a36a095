package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

func TestSettingsRepo_Get(t *testing.T) {
	now := time.Now().UTC()
	pool := &poolStub{queryRow: func(_ context.Context, _ string, _ ...any) pgx.Row {
		return rowStub{scan: func(dest ...any) error {
			return scanInto(dest, "u-1", true, "openai/gpt-4o-mini", false, now)
		}}
	}}
	repo := postgres.NewSettingsRepo(pool)

	s, err := repo.Get(context.Background(), "u-1")
	require.NoError(t, err)
	assert.True(t, s.DevMode)
	assert.Equal(t, "openai/gpt-4o-mini", s.SelectedModel)
	assert.False(t, s.ChartSuggestions)
}

func TestSettingsRepo_GetMissingRow(t *testing.T) {
	pool := &poolStub{queryRow: func(_ context.Context, _ string, _ ...any) pgx.Row {
		return rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}
	}}
	repo := postgres.NewSettingsRepo(pool)

	_, err := repo.Get(context.Background(), "u-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSettingsRepo_Upsert(t *testing.T) {
	var gotSQL string
	var gotArgs []any
	pool := &poolStub{exec: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		gotSQL, gotArgs = sql, args
		return tag("INSERT 0 1"), nil
	}}
	repo := postgres.NewSettingsRepo(pool)

	s := domain.UserSettings{UserID: "u-1", DevMode: true, SelectedModel: "m", ChartSuggestions: true}
	require.NoError(t, repo.Upsert(context.Background(), s))
	assert.Contains(t, gotSQL, "ON CONFLICT (user_id) DO UPDATE")
	assert.Equal(t, "u-1", gotArgs[0])
	_, ok := gotArgs[4].(time.Time)
	assert.True(t, ok, "zero updated_at should be filled")
}
