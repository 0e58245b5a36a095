package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// SessionRepo persists bearer sessions. Only token hashes ever reach this
// layer.
type SessionRepo struct{ Pool PgxPool }

func NewSessionRepo(p PgxPool) *SessionRepo { return &SessionRepo{Pool: p} }

func (r *SessionRepo) Create(ctx domain.Context, s domain.Session) (string, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Create")
	defer span.End()
	id := s.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO sessions (id, user_id, token_hash, created_at, expires_at) VALUES ($1,$2,$3,$4,$5)`
	if _, err := r.Pool.Exec(ctx, q, id, s.UserID, s.TokenHash, s.CreatedAt.UTC(), s.ExpiresAt.UTC()); err != nil {
		return "", fmt.Errorf("op=session.create: %w", err)
	}
	return id, nil
}

func (r *SessionRepo) GetByTokenHash(ctx domain.Context, tokenHash string) (domain.Session, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.GetByTokenHash")
	defer span.End()
	q := `SELECT id, user_id, token_hash, created_at, expires_at FROM sessions WHERE token_hash=$1`
	var s domain.Session
	err := r.Pool.QueryRow(ctx, q, tokenHash).Scan(&s.ID, &s.UserID, &s.TokenHash, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Session{}, fmt.Errorf("op=session.get_by_token_hash: %w", domain.ErrNotFound)
		}
		return domain.Session{}, fmt.Errorf("op=session.get_by_token_hash: %w", err)
	}
	return s, nil
}

// Extend slides the expiry forward.
func (r *SessionRepo) Extend(ctx domain.Context, id string, expiresAt time.Time) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Extend")
	defer span.End()
	q := `UPDATE sessions SET expires_at=$2 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, expiresAt.UTC()); err != nil {
		return fmt.Errorf("op=session.extend: %w", err)
	}
	return nil
}

func (r *SessionRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Delete")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM sessions WHERE id=$1`, id); err != nil {
		return fmt.Errorf("op=session.delete: %w", err)
	}
	return nil
}

// DeleteExpired removes sessions whose expiry passed and reports how many.
func (r *SessionRepo) DeleteExpired(ctx domain.Context, now time.Time) (int64, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.DeleteExpired")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=session.delete_expired: %w", err)
	}
	return tag.RowsAffected(), nil
}
