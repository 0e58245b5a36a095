package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// ReferralRepo stores invitation keys by hash. Plaintext keys never reach
// the database.
type ReferralRepo struct{ Pool PgxPool }

func NewReferralRepo(p PgxPool) *ReferralRepo { return &ReferralRepo{Pool: p} }

func (r *ReferralRepo) Create(ctx domain.Context, k domain.ReferralKey) error {
	tracer := otel.Tracer("repo.referrals")
	ctx, span := tracer.Start(ctx, "referrals.Create")
	defer span.End()
	createdAt := k.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	q := `INSERT INTO referral_keys (key_hash, created_by, used_by, created_at, used_at)
		VALUES ($1,$2,$3,$4,$5)`
	_, err := r.Pool.Exec(ctx, q, k.KeyHash, k.CreatedBy, k.UsedBy, createdAt, k.UsedAt)
	if err != nil {
		return fmt.Errorf("op=referral.create: %w", err)
	}
	return nil
}

// Consume marks the key used in a single conditional update so two racing
// registrations cannot both succeed on one key.
func (r *ReferralRepo) Consume(ctx domain.Context, keyHash, usedBy string, at time.Time) error {
	tracer := otel.Tracer("repo.referrals")
	ctx, span := tracer.Start(ctx, "referrals.Consume")
	defer span.End()
	q := `UPDATE referral_keys SET used_by=$2, used_at=$3 WHERE key_hash=$1 AND used_at IS NULL`
	tag, err := r.Pool.Exec(ctx, q, keyHash, usedBy, at)
	if err != nil {
		return fmt.Errorf("op=referral.consume: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=referral.consume: %w", domain.ErrNotFound)
	}
	return nil
}
