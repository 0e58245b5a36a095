package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
	"github.com/fairyhunter13/ai-data-analyst/internal/usecase"
)

func TestRegister_ConsumesKeyAndCreatesDefaults(t *testing.T) {
	t.Parallel()
	var (
		consumedHash string
		consumedBy   string
		createdUser  domain.User
		settings     domain.UserSettings
	)
	users := &userRepoStub{
		create: func(u domain.User) (string, error) {
			createdUser = u
			return u.ID, nil
		},
		get: func(id string) (domain.User, error) {
			return createdUser, nil
		},
	}
	referrals := &referralRepoStub{
		consume: func(keyHash, usedBy string, _ time.Time) error {
			consumedHash = keyHash
			consumedBy = usedBy
			return nil
		},
	}
	settingsRepo := &settingsRepoStub{
		upsert: func(st domain.UserSettings) error {
			settings = st
			return nil
		},
	}
	svc := usecase.NewAuthService(users, &sessionRepoStub{}, settingsRepo, referrals, nil, 7*24*time.Hour, 0)

	u, err := svc.Register(context.Background(), "ext-1", "a@b.c", "Ada", "key-plain")
	require.NoError(t, err)

	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "ext-1", u.ExternalID)
	assert.Equal(t, usecase.HashCredential("key-plain"), consumedHash)
	assert.Equal(t, u.ID, consumedBy, "the key must record its consumer")
	assert.Equal(t, u.ID, settings.UserID)
	assert.True(t, settings.ChartSuggestions, "chart suggestions default on")
}

func TestRegister_EmptyKeyIsNotFound(t *testing.T) {
	t.Parallel()
	svc := usecase.NewAuthService(&userRepoStub{}, &sessionRepoStub{}, &settingsRepoStub{}, &referralRepoStub{}, nil, time.Hour, 0)
	_, err := svc.Register(context.Background(), "ext-1", "", "", "")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegister_TakenIdentityIsConflict(t *testing.T) {
	t.Parallel()
	users := &userRepoStub{
		getByExternal: func(string) (domain.User, error) {
			return domain.User{ID: "u-1"}, nil
		},
	}
	svc := usecase.NewAuthService(users, &sessionRepoStub{}, &settingsRepoStub{}, &referralRepoStub{}, nil, time.Hour, 0)
	_, err := svc.Register(context.Background(), "ext-1", "", "", "key")
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestRegister_UsedKeyCreatesNothing(t *testing.T) {
	t.Parallel()
	created := false
	users := &userRepoStub{
		create: func(domain.User) (string, error) {
			created = true
			return "", nil
		},
	}
	referrals := &referralRepoStub{
		consume: func(string, string, time.Time) error {
			return domain.ErrNotFound
		},
	}
	svc := usecase.NewAuthService(users, &sessionRepoStub{}, &settingsRepoStub{}, referrals, nil, time.Hour, 0)
	_, err := svc.Register(context.Background(), "ext-1", "", "", "spent-key")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, created, "no user row for a spent key")
}

func TestLogin_IssuesTokenAndStoresOnlyHash(t *testing.T) {
	t.Parallel()
	var stored domain.Session
	users := &userRepoStub{
		getByExternal: func(string) (domain.User, error) {
			return domain.User{ID: "u-1", ExternalID: "ext-1"}, nil
		},
	}
	sessions := &sessionRepoStub{
		create: func(s domain.Session) (string, error) {
			stored = s
			return "s-1", nil
		},
	}
	cache := &sessionCacheStub{}
	svc := usecase.NewAuthService(users, sessions, &settingsRepoStub{}, &referralRepoStub{}, cache, 7*24*time.Hour, time.Minute)

	u, token, err := svc.Login(context.Background(), "ext-1")
	require.NoError(t, err)

	assert.Equal(t, "u-1", u.ID)
	require.NotEmpty(t, token)
	assert.NotEqual(t, token, stored.TokenHash, "plaintext token must never be stored")
	assert.Equal(t, usecase.HashCredential(token), stored.TokenHash)
	assert.WithinDuration(t, time.Now().UTC().Add(7*24*time.Hour), stored.ExpiresAt, 5*time.Second)

	id, err := cache.Get(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", id)
}

func TestValidateSession_CacheHitSkipsRepository(t *testing.T) {
	t.Parallel()
	sessions := &sessionRepoStub{
		getByTokenHash: func(string) (domain.Session, error) {
			t.Fatal("repository must not be queried on a cache hit")
			return domain.Session{}, nil
		},
	}
	cache := &sessionCacheStub{entries: map[string]string{"tok": "u-1"}}
	svc := usecase.NewAuthService(&userRepoStub{}, sessions, &settingsRepoStub{}, &referralRepoStub{}, cache, time.Hour, time.Minute)

	id, err := svc.ValidateSession(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "u-1", id)
}

func TestValidateSession_RepoPathSlidesExpiry(t *testing.T) {
	t.Parallel()
	oldExpiry := time.Now().UTC().Add(time.Hour)
	var extended time.Time
	sessions := &sessionRepoStub{
		getByTokenHash: func(hash string) (domain.Session, error) {
			assert.Equal(t, usecase.HashCredential("tok"), hash)
			return domain.Session{ID: "s-1", UserID: "u-1", ExpiresAt: oldExpiry}, nil
		},
		extend: func(id string, at time.Time) error {
			assert.Equal(t, "s-1", id)
			extended = at
			return nil
		},
	}
	svc := usecase.NewAuthService(&userRepoStub{}, sessions, &settingsRepoStub{}, &referralRepoStub{}, nil, 7*24*time.Hour, 0)

	id, err := svc.ValidateSession(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "u-1", id)
	assert.True(t, extended.After(oldExpiry), "expiry must slide forward")
}

func TestValidateSession_ExpiredBySecondFails(t *testing.T) {
	t.Parallel()
	deleted := ""
	sessions := &sessionRepoStub{
		getByTokenHash: func(string) (domain.Session, error) {
			return domain.Session{ID: "s-1", UserID: "u-1", ExpiresAt: time.Now().UTC().Add(-time.Second)}, nil
		},
		del: func(id string) error {
			deleted = id
			return nil
		},
	}
	svc := usecase.NewAuthService(&userRepoStub{}, sessions, &settingsRepoStub{}, &referralRepoStub{}, nil, time.Hour, 0)

	_, err := svc.ValidateSession(context.Background(), "tok")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, "s-1", deleted, "expired sessions are removed on sight")
}

func TestValidateSession_UnknownTokenUnauthorized(t *testing.T) {
	t.Parallel()
	svc := usecase.NewAuthService(&userRepoStub{}, &sessionRepoStub{}, &settingsRepoStub{}, &referralRepoStub{}, nil, time.Hour, 0)
	_, err := svc.ValidateSession(context.Background(), "never-issued")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestValidateSession_MissingTokenUnauthorized(t *testing.T) {
	t.Parallel()
	svc := usecase.NewAuthService(&userRepoStub{}, &sessionRepoStub{}, &settingsRepoStub{}, &referralRepoStub{}, nil, time.Hour, 0)
	_, err := svc.ValidateSession(context.Background(), "")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestValidateSession_CacheFailureFallsBack(t *testing.T) {
	t.Parallel()
	cache := &sessionCacheStub{
		get: func(string) (string, error) {
			return "", errors.New("redis down")
		},
	}
	sessions := &sessionRepoStub{
		getByTokenHash: func(string) (domain.Session, error) {
			return domain.Session{ID: "s-1", UserID: "u-1", ExpiresAt: time.Now().UTC().Add(time.Hour)}, nil
		},
	}
	svc := usecase.NewAuthService(&userRepoStub{}, sessions, &settingsRepoStub{}, &referralRepoStub{}, cache, time.Hour, time.Minute)

	id, err := svc.ValidateSession(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "u-1", id)
}

func TestLogout_UnknownTokenIsNoop(t *testing.T) {
	t.Parallel()
	svc := usecase.NewAuthService(&userRepoStub{}, &sessionRepoStub{}, &settingsRepoStub{}, &referralRepoStub{}, nil, time.Hour, 0)
	require.NoError(t, svc.Logout(context.Background(), "whatever"))
	require.NoError(t, svc.Logout(context.Background(), ""))
}

func TestLogout_DeletesSessionAndCacheEntry(t *testing.T) {
	t.Parallel()
	deleted := ""
	sessions := &sessionRepoStub{
		getByTokenHash: func(string) (domain.Session, error) {
			return domain.Session{ID: "s-1", UserID: "u-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
		del: func(id string) error {
			deleted = id
			return nil
		},
	}
	cache := &sessionCacheStub{entries: map[string]string{"tok": "u-1"}}
	svc := usecase.NewAuthService(&userRepoStub{}, sessions, &settingsRepoStub{}, &referralRepoStub{}, cache, time.Hour, time.Minute)

	require.NoError(t, svc.Logout(context.Background(), "tok"))
	assert.Equal(t, "s-1", deleted)
	_, err := cache.Get(context.Background(), "tok")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
