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

// ConversationRepo persists conversations. updated_at advances on every
// title, pin or Touch write so list ordering tracks activity.
type ConversationRepo struct{ Pool PgxPool }

func NewConversationRepo(p PgxPool) *ConversationRepo { return &ConversationRepo{Pool: p} }

func (r *ConversationRepo) Create(ctx domain.Context, c domain.Conversation) (string, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.Create")
	defer span.End()
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO conversations (id, user_id, title, is_pinned, share_token, shared_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.Pool.Exec(ctx, q, id, c.UserID, c.Title, c.IsPinned, c.ShareToken, c.SharedAt, now, now)
	if err != nil {
		return "", fmt.Errorf("op=conversation.create: %w", err)
	}
	return id, nil
}

func (r *ConversationRepo) Get(ctx domain.Context, id string) (domain.Conversation, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.Get")
	defer span.End()
	q := `SELECT id, user_id, title, is_pinned, share_token, shared_at, created_at, updated_at
		FROM conversations WHERE id=$1`
	var c domain.Conversation
	err := r.Pool.QueryRow(ctx, q, id).Scan(
		&c.ID, &c.UserID, &c.Title, &c.IsPinned, &c.ShareToken, &c.SharedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Conversation{}, fmt.Errorf("op=conversation.get: %w", domain.ErrNotFound)
		}
		return domain.Conversation{}, fmt.Errorf("op=conversation.get: %w", err)
	}
	return c, nil
}

// ListByUser returns the user's conversations, pinned first, most recently
// active within each group.
func (r *ConversationRepo) ListByUser(ctx domain.Context, userID string) ([]domain.Conversation, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.ListByUser")
	defer span.End()
	q := `SELECT id, user_id, title, is_pinned, share_token, shared_at, created_at, updated_at
		FROM conversations WHERE user_id=$1 ORDER BY is_pinned DESC, updated_at DESC`
	rows, err := r.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("op=conversation.list_by_user: %w", err)
	}
	defer rows.Close()
	var out []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.IsPinned, &c.ShareToken, &c.SharedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=conversation.list_by_user: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=conversation.list_by_user: %w", err)
	}
	return out, nil
}

func (r *ConversationRepo) UpdateTitle(ctx domain.Context, id, title string) error {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.UpdateTitle")
	defer span.End()
	q := `UPDATE conversations SET title=$2, updated_at=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, title, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=conversation.update_title: %w", err)
	}
	return nil
}

func (r *ConversationRepo) SetPinned(ctx domain.Context, id string, pinned bool) error {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.SetPinned")
	defer span.End()
	q := `UPDATE conversations SET is_pinned=$2, updated_at=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, pinned, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=conversation.set_pinned: %w", err)
	}
	return nil
}

// Touch bumps updated_at, marking activity from messages or datasets.
func (r *ConversationRepo) Touch(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.Touch")
	defer span.End()
	q := `UPDATE conversations SET updated_at=$2 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=conversation.touch: %w", err)
	}
	return nil
}

func (r *ConversationRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.Delete")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM conversations WHERE id=$1`, id); err != nil {
		return fmt.Errorf("op=conversation.delete: %w", err)
	}
	return nil
}
