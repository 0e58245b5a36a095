package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// MessageRepo persists conversation messages. SQL executions and the tool
// call trace are stored as jsonb, NULL when absent.
type MessageRepo struct{ Pool PgxPool }

func NewMessageRepo(p PgxPool) *MessageRepo { return &MessageRepo{Pool: p} }

func (r *MessageRepo) Create(ctx domain.Context, m domain.Message) (string, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.Create")
	defer span.End()
	span.SetAttributes(attribute.String("message.role", string(m.Role)))

	id := m.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	execsJSON, err := marshalOrNull(m.SQLExecutions, len(m.SQLExecutions) > 0)
	if err != nil {
		return "", fmt.Errorf("op=message.create: %w", err)
	}
	traceJSON, err := marshalOrNull(m.ToolCallTrace, len(m.ToolCallTrace) > 0)
	if err != nil {
		return "", fmt.Errorf("op=message.create: %w", err)
	}
	q := `INSERT INTO messages (id, conversation_id, role, content, sql_query, sql_executions, reasoning,
			token_count, input_tokens, output_tokens, tool_call_trace, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err = r.Pool.Exec(ctx, q,
		id, m.ConversationID, string(m.Role), m.Content, m.SQLQuery, execsJSON, m.Reasoning,
		m.TokenCount, m.InputTokens, m.OutputTokens, traceJSON, createdAt)
	if err != nil {
		return "", fmt.Errorf("op=message.create: %w", err)
	}
	return id, nil
}

func (r *MessageRepo) ListByConversation(ctx domain.Context, conversationID string) ([]domain.Message, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.ListByConversation")
	defer span.End()
	q := `SELECT id, conversation_id, role, content, sql_query, sql_executions, reasoning,
			token_count, input_tokens, output_tokens, tool_call_trace, created_at
		FROM messages WHERE conversation_id=$1 ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("op=message.list_by_conversation: %w", err)
	}
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		var (
			m         domain.Message
			role      string
			execsJSON []byte
			traceJSON []byte
		)
		err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.SQLQuery, &execsJSON, &m.Reasoning,
			&m.TokenCount, &m.InputTokens, &m.OutputTokens, &traceJSON, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("op=message.list_by_conversation: %w", err)
		}
		m.Role = domain.MessageRole(role)
		if len(execsJSON) > 0 {
			if err := json.Unmarshal(execsJSON, &m.SQLExecutions); err != nil {
				return nil, fmt.Errorf("op=message.list_by_conversation: decode sql_executions: %w", err)
			}
		}
		if len(traceJSON) > 0 {
			if err := json.Unmarshal(traceJSON, &m.ToolCallTrace); err != nil {
				return nil, fmt.Errorf("op=message.list_by_conversation: decode tool_call_trace: %w", err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=message.list_by_conversation: %w", err)
	}
	return out, nil
}

func (r *MessageRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.Delete")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM messages WHERE id=$1`, id); err != nil {
		return fmt.Errorf("op=message.delete: %w", err)
	}
	return nil
}

// marshalOrNull returns nil (stored as SQL NULL) when present is false,
// otherwise the jsonb payload.
func marshalOrNull(v any, present bool) ([]byte, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
