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

func TestUserRepo_Create(t *testing.T) {
	var gotSQL string
	var gotArgs []any
	pool := &poolStub{exec: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		gotSQL, gotArgs = sql, args
		return tag("INSERT 0 1"), nil
	}}
	repo := postgres.NewUserRepo(pool)

	id, err := repo.Create(context.Background(), domain.User{ExternalID: "alice", Email: "a@example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, id, "id should be generated when empty")
	assert.Contains(t, gotSQL, "INSERT INTO users")
	assert.Equal(t, "alice", gotArgs[1])

	id2, err := repo.Create(context.Background(), domain.User{ID: "u-1", ExternalID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "u-1", id2)

	pool.exec = func(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, assert.AnError
	}
	_, err = repo.Create(context.Background(), domain.User{ExternalID: "carol"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=user.create")
}

func TestUserRepo_Get(t *testing.T) {
	now := time.Now().UTC()
	pool := &poolStub{queryRow: func(_ context.Context, _ string, _ ...any) pgx.Row {
		return rowStub{scan: func(dest ...any) error {
			return scanInto(dest, "u-1", "alice", "a@example.com", "Alice", "", now, now)
		}}
	}}
	repo := postgres.NewUserRepo(pool)

	u, err := repo.Get(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", u.ID)
	assert.Equal(t, "alice", u.ExternalID)
	assert.Equal(t, now, u.LastLoginAt)
}

func TestUserRepo_GetNotFound(t *testing.T) {
	pool := &poolStub{queryRow: func(_ context.Context, _ string, _ ...any) pgx.Row {
		return rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}
	}}
	repo := postgres.NewUserRepo(pool)

	_, err := repo.Get(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = repo.GetByExternalID(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, err.Error(), "op=user.get_by_external_id")
}

func TestUserRepo_TouchLogin(t *testing.T) {
	var gotArgs []any
	pool := &poolStub{exec: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		assert.Contains(t, sql, "UPDATE users SET last_login_at")
		gotArgs = args
		return tag("UPDATE 1"), nil
	}}
	repo := postgres.NewUserRepo(pool)

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.TouchLogin(context.Background(), "u-1", at))
	assert.Equal(t, "u-1", gotArgs[0])
	assert.Equal(t, at, gotArgs[1])
}
