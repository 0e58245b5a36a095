package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// AuthService owns registration, login and session validation. Login trusts
// a pre-verified external identity; registration is gated by one-shot
// referral keys. Session tokens slide: validation pushes the expiry forward
// by the configured duration.
type AuthService struct {
	Users     domain.UserRepository
	Sessions  domain.SessionRepository
	Settings  domain.SettingsRepository
	Referrals domain.ReferralRepository
	Cache     domain.SessionCache

	SessionDuration time.Duration
	// CacheTTL bounds how long a validation can be served from the cache
	// without sliding the stored expiry.
	CacheTTL time.Duration
}

func NewAuthService(users domain.UserRepository, sessions domain.SessionRepository,
	settings domain.SettingsRepository, referrals domain.ReferralRepository,
	cache domain.SessionCache, sessionDuration, cacheTTL time.Duration) AuthService {
	return AuthService{
		Users:           users,
		Sessions:        sessions,
		Settings:        settings,
		Referrals:       referrals,
		Cache:           cache,
		SessionDuration: sessionDuration,
		CacheTTL:        cacheTTL,
	}
}

// Register consumes a referral key and creates the user with a default
// settings row. An empty or unknown key fails with ErrNotFound; a taken
// external identity fails with ErrConflict.
func (s AuthService) Register(ctx domain.Context, externalID, email, name, referralKey string) (domain.User, error) {
	tracer := otel.Tracer("usecase.auth")
	ctx, span := tracer.Start(ctx, "auth.Register")
	defer span.End()

	if externalID == "" {
		return domain.User{}, fmt.Errorf("op=auth.Register: %w: external id required", domain.ErrInvalidArgument)
	}
	if referralKey == "" {
		return domain.User{}, fmt.Errorf("op=auth.Register: %w: referral key required", domain.ErrNotFound)
	}
	if _, err := s.Users.GetByExternalID(ctx, externalID); err == nil {
		return domain.User{}, fmt.Errorf("op=auth.Register: %w: identity already registered", domain.ErrConflict)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, err
	}

	// The id is fixed before the consume so the key records its consumer.
	userID := uuid.New().String()
	now := time.Now().UTC()
	if err := s.Referrals.Consume(ctx, HashCredential(referralKey), userID, now); err != nil {
		return domain.User{}, err
	}
	u := domain.User{
		ID:         userID,
		ExternalID: externalID,
		Email:      email,
		Name:       name,
	}
	if _, err := s.Users.Create(ctx, u); err != nil {
		return domain.User{}, err
	}
	settings := domain.UserSettings{UserID: userID, ChartSuggestions: true, UpdatedAt: now}
	if err := s.Settings.Upsert(ctx, settings); err != nil {
		return domain.User{}, err
	}
	created, err := s.Users.Get(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	slog.Info("user registered", slog.String("user_id", userID))
	return created, nil
}

// Login issues a fresh session token for a registered identity. The token is
// returned once; only its hash is stored.
func (s AuthService) Login(ctx domain.Context, externalID string) (domain.User, string, error) {
	tracer := otel.Tracer("usecase.auth")
	ctx, span := tracer.Start(ctx, "auth.Login")
	defer span.End()

	u, err := s.Users.GetByExternalID(ctx, externalID)
	if err != nil {
		return domain.User{}, "", err
	}
	now := time.Now().UTC()
	if err := s.Users.TouchLogin(ctx, u.ID, now); err != nil {
		return domain.User{}, "", err
	}
	token, err := GenerateToken()
	if err != nil {
		return domain.User{}, "", err
	}
	sess := domain.Session{
		UserID:    u.ID,
		TokenHash: HashCredential(token),
		CreatedAt: now,
		ExpiresAt: now.Add(s.SessionDuration),
	}
	if _, err := s.Sessions.Create(ctx, sess); err != nil {
		return domain.User{}, "", err
	}
	s.cacheSet(ctx, token, u.ID)
	return u, token, nil
}

// ValidateSession resolves a bearer token to a principal id. The cache path
// skips the argon2id hash; the repository path slides the expiry forward.
// A session expired by even a second fails.
func (s AuthService) ValidateSession(ctx domain.Context, token string) (string, error) {
	tracer := otel.Tracer("usecase.auth")
	ctx, span := tracer.Start(ctx, "auth.ValidateSession")
	defer span.End()

	if token == "" {
		return "", fmt.Errorf("op=auth.ValidateSession: %w: missing token", domain.ErrUnauthorized)
	}
	if s.Cache != nil {
		if userID, err := s.Cache.Get(ctx, token); err == nil {
			return userID, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("session cache read failed", slog.Any("error", err))
		}
	}

	sess, err := s.Sessions.GetByTokenHash(ctx, HashCredential(token))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", fmt.Errorf("op=auth.ValidateSession: %w: unknown token", domain.ErrUnauthorized)
		}
		return "", err
	}
	now := time.Now().UTC()
	if !sess.ExpiresAt.After(now) {
		if err := s.Sessions.Delete(ctx, sess.ID); err != nil {
			slog.Warn("expired session delete failed", slog.Any("error", err))
		}
		return "", fmt.Errorf("op=auth.ValidateSession: %w: session expired", domain.ErrUnauthorized)
	}
	if err := s.Sessions.Extend(ctx, sess.ID, now.Add(s.SessionDuration)); err != nil {
		slog.Warn("session extend failed", slog.Any("error", err))
	}
	s.cacheSet(ctx, token, sess.UserID)
	return sess.UserID, nil
}

// User loads the principal behind an already-validated id.
func (s AuthService) User(ctx domain.Context, userID string) (domain.User, error) {
	return s.Users.Get(ctx, userID)
}

// Logout destroys the session. Unknown tokens are a no-op so repeated
// logouts stay idempotent.
func (s AuthService) Logout(ctx domain.Context, token string) error {
	tracer := otel.Tracer("usecase.auth")
	ctx, span := tracer.Start(ctx, "auth.Logout")
	defer span.End()

	if token == "" {
		return nil
	}
	if s.Cache != nil {
		if err := s.Cache.Delete(ctx, token); err != nil {
			slog.Warn("session cache delete failed", slog.Any("error", err))
		}
	}
	sess, err := s.Sessions.GetByTokenHash(ctx, HashCredential(token))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	return s.Sessions.Delete(ctx, sess.ID)
}

func (s AuthService) cacheSet(ctx domain.Context, token, userID string) {
	if s.Cache == nil || s.CacheTTL <= 0 {
		return
	}
	if err := s.Cache.Set(ctx, token, userID, s.CacheTTL); err != nil {
		slog.Warn("session cache write failed", slog.Any("error", err))
	}
}
