package sessioncache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

func newCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, slog.New(slog.NewTextHandler(io.Discard, nil))), mr
}

func TestSetThenGet(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "tok-abc", "u-1", time.Minute))
	userID, err := c.Get(ctx, "tok-abc")
	require.NoError(t, err)
	assert.Equal(t, "u-1", userID)
}

func TestGetMissIsNotFound(t *testing.T) {
	c, _ := newCache(t)

	_, err := c.Get(context.Background(), "never-seen")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEntryExpires(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "tok-abc", "u-1", time.Minute))
	mr.FastForward(2 * time.Minute)

	_, err := c.Get(ctx, "tok-abc")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteRemovesEntry(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "tok-abc", "u-1", time.Minute))
	require.NoError(t, c.Delete(ctx, "tok-abc"))

	_, err := c.Get(ctx, "tok-abc")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPlaintextTokenNeverStored(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "tok-secret-value", "u-1", time.Minute))
	for _, k := range mr.Keys() {
		assert.NotContains(t, k, "tok-secret-value")
	}
}

func TestNonPositiveTTLIsNoop(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "tok-abc", "u-1", 0))
	assert.Empty(t, mr.Keys())
}

func TestInfrastructureErrorSurfaces(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := New(rdb, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mr.Close()
	rdbErr := c.Set(context.Background(), "tok", "u-1", time.Minute)
	require.Error(t, rdbErr)
	assert.NotErrorIs(t, rdbErr, domain.ErrNotFound)
	rdb.Close()
}
