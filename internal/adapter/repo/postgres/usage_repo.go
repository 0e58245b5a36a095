package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// UsageRepo appends token accounting records and answers the rolling-window
// questions the rate limiter asks.
type UsageRepo struct{ Pool PgxPool }

func NewUsageRepo(p PgxPool) *UsageRepo { return &UsageRepo{Pool: p} }

func (r *UsageRepo) Insert(ctx domain.Context, u domain.TokenUsage) error {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.Insert")
	defer span.End()
	span.SetAttributes(attribute.String("usage.model", u.ModelName))

	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	q := `INSERT INTO token_usage (user_id, conversation_id, model_name, input_tokens, output_tokens, cost, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.Pool.Exec(ctx, q, u.UserID, u.ConversationID, u.ModelName, u.InputTokens, u.OutputTokens, u.Cost, ts)
	if err != nil {
		return fmt.Errorf("op=usage.insert: %w", err)
	}
	return nil
}

func (r *UsageRepo) WindowTotal(ctx domain.Context, userID string, since time.Time) (int64, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.WindowTotal")
	defer span.End()
	var total int64
	q := `SELECT COALESCE(SUM(input_tokens + output_tokens), 0)
		FROM token_usage WHERE user_id=$1 AND timestamp > $2`
	if err := r.Pool.QueryRow(ctx, q, userID, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("op=usage.window_total: %w", err)
	}
	return total, nil
}

// OldestInWindow returns the zero time when the window holds no records, so
// callers can compute a reset horizon without a second existence query.
func (r *UsageRepo) OldestInWindow(ctx domain.Context, userID string, since time.Time) (time.Time, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.OldestInWindow")
	defer span.End()
	var oldest *time.Time
	q := `SELECT MIN(timestamp) FROM token_usage WHERE user_id=$1 AND timestamp > $2`
	if err := r.Pool.QueryRow(ctx, q, userID, since).Scan(&oldest); err != nil {
		return time.Time{}, fmt.Errorf("op=usage.oldest_in_window: %w", err)
	}
	if oldest == nil {
		return time.Time{}, nil
	}
	return *oldest, nil
}

func (r *UsageRepo) SummarizeByModel(ctx domain.Context, userID string, since time.Time) ([]domain.ModelUsage, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.SummarizeByModel")
	defer span.End()
	q := `SELECT model_name, COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(cost),0)
		FROM token_usage WHERE user_id=$1 AND timestamp > $2
		GROUP BY model_name ORDER BY model_name`
	rows, err := r.Pool.Query(ctx, q, userID, since)
	if err != nil {
		return nil, fmt.Errorf("op=usage.summarize_by_model: %w", err)
	}
	defer rows.Close()
	var out []domain.ModelUsage
	for rows.Next() {
		var m domain.ModelUsage
		if err := rows.Scan(&m.ModelName, &m.InputTokens, &m.OutputTokens, &m.Cost); err != nil {
			return nil, fmt.Errorf("op=usage.summarize_by_model: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=usage.summarize_by_model: %w", err)
	}
	return out, nil
}
