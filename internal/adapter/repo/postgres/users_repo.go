// Package postgres implements the repository ports on PostgreSQL through a
// minimal pgx pool interface.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// PgxPool is the subset of pgxpool used by the repos, kept small for easy
// testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// UserRepo persists principals.
type UserRepo struct{ Pool PgxPool }

func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

// Create stores a new user and returns its id (generates one if empty).
func (r *UserRepo) Create(ctx domain.Context, u domain.User) (string, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "users"),
	)
	id := u.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO users (id, external_id, email, name, avatar_url, created_at, last_login_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := r.Pool.Exec(ctx, q, id, u.ExternalID, u.Email, u.Name, u.AvatarURL, now, now); err != nil {
		return "", fmt.Errorf("op=user.create: %w", err)
	}
	return id, nil
}

// Get loads a user by id.
func (r *UserRepo) Get(ctx domain.Context, id string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Get")
	defer span.End()
	q := `SELECT id, external_id, email, name, avatar_url, created_at, last_login_at
		FROM users WHERE id=$1`
	return r.scanUser(r.Pool.QueryRow(ctx, q, id), "user.get")
}

// GetByExternalID loads a user by the identity asserted at login.
func (r *UserRepo) GetByExternalID(ctx domain.Context, externalID string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.GetByExternalID")
	defer span.End()
	q := `SELECT id, external_id, email, name, avatar_url, created_at, last_login_at
		FROM users WHERE external_id=$1`
	return r.scanUser(r.Pool.QueryRow(ctx, q, externalID), "user.get_by_external_id")
}

// TouchLogin records a successful login.
func (r *UserRepo) TouchLogin(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.TouchLogin")
	defer span.End()
	q := `UPDATE users SET last_login_at=$2 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, at.UTC()); err != nil {
		return fmt.Errorf("op=user.touch_login: %w", err)
	}
	return nil
}

func (r *UserRepo) scanUser(row pgx.Row, op string) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.ExternalID, &u.Email, &u.Name, &u.AvatarURL, &u.CreatedAt, &u.LastLoginAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=%s: %w", op, err)
	}
	return u, nil
}
