package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrInternal          = errors.New("internal error")
)

// RateLimitError decorates ErrRateLimited with the window reset so the HTTP
// layer can answer 429 with resets_in_seconds without re-querying the
// limiter. errors.Is(err, ErrRateLimited) holds through Unwrap.
type RateLimitError struct {
	ResetsInSeconds int64
}

func (e *RateLimitError) Error() string { return "rate limited" }

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// User is an authenticated principal. ExternalID is the identity asserted by
// the out-of-process login flow; it is unique across users.
type User struct {
	ID          string
	ExternalID  string
	Email       string
	Name        string
	AvatarURL   string
	CreatedAt   time.Time
	LastLoginAt time.Time
}

// Session binds an opaque bearer token to a user. Only the argon2id hash of
// the token is stored. Expiry slides forward on each successful validation.
type Session struct {
	ID        string
	UserID    string
	TokenHash string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type Conversation struct {
	ID         string
	UserID     string
	Title      string
	IsPinned   bool
	ShareToken *string
	SharedAt   *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	// RoleTool carries an execute_sql result back into the model stream.
	RoleTool MessageRole = "tool"
)

// Message belongs to a conversation; ordering is strictly by CreatedAt.
// SQLExecutions holds the full stored form (rows clamped to 1000); the wire
// form sent in chat_complete is trimmed via SQLExecution.ForWire.
type Message struct {
	ID             string
	ConversationID string
	Role           MessageRole
	Content        string
	SQLQuery       string
	SQLExecutions  []SQLExecution
	Reasoning      string
	TokenCount     int
	InputTokens    int
	OutputTokens   int
	ToolCallTrace  []ToolCall
	CreatedAt      time.Time
}

// SQLExecution records one execute_sql tool dispatch inside a message cycle.
type SQLExecution struct {
	Query     string   `json:"query"`
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	TotalRows int64    `json:"total_rows"`
	Error     string   `json:"error,omitempty"`
	ElapsedMs int64    `json:"elapsed_ms"`
	Cached    bool     `json:"cached,omitempty"`
}

// WireRowLimit bounds rows carried inside push events; StoredRowLimit bounds
// rows persisted with the assistant message.
const (
	WireRowLimit   = 100
	StoredRowLimit = 1000
)

// ForWire returns a copy with rows clamped to WireRowLimit.
func (e SQLExecution) ForWire() SQLExecution {
	if len(e.Rows) > WireRowLimit {
		e.Rows = e.Rows[:WireRowLimit]
	}
	return e
}

type DatasetStatus string

const (
	DatasetLoading DatasetStatus = "loading"
	DatasetReady   DatasetStatus = "ready"
	DatasetError   DatasetStatus = "error"
)

// Dataset is a remote tabular file bound to a conversation under a table
// name. Names and URLs are unique within a conversation; at most
// MaxDatasetsPerConversation bindings exist per conversation.
type Dataset struct {
	ID                 string
	ConversationID     string
	URL                string
	Name               string
	RowCount           int64
	ColumnCount        int
	Schema             []ColumnSchema
	Status             DatasetStatus
	ErrorMessage       string
	LoadedAt           time.Time
	FileSizeBytes      int64
	ColumnDescriptions map[string]string
}

const MaxDatasetsPerConversation = 50

// ColumnSchema describes one column of a dataset as reported by the engine.
type ColumnSchema struct {
	Name  string      `json:"name"`
	Type  string      `json:"type"`
	Stats ColumnStats `json:"column_stats"`
}

// ColumnStats carries the per-column statistics bundle: numeric columns get
// Min/Max, text columns get UniqueCount, any column with nulls gets NullCount.
type ColumnStats struct {
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	UniqueCount *int64   `json:"unique_count,omitempty"`
	NullCount   *int64   `json:"null_count,omitempty"`
}

// TokenUsage is an append-only accounting record.
type TokenUsage struct {
	ID             int64
	UserID         string
	ConversationID *string
	ModelName      string
	InputTokens    int
	OutputTokens   int
	Cost           float64
	Timestamp      time.Time
}

// ModelUsage aggregates usage rows per model over a window.
type ModelUsage struct {
	ModelName    string  `json:"model_name"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// ReferralKey is a one-shot token consumed by first-time registration. Only
// the hash is stored; a key can never be used twice.
type ReferralKey struct {
	KeyHash   string
	CreatedBy *string
	UsedBy    *string
	CreatedAt time.Time
	UsedAt    *time.Time
}

type UserSettings struct {
	UserID           string
	DevMode          bool
	SelectedModel    string
	ChartSuggestions bool
	UpdatedAt        time.Time
}

// RateLimitStatus is the decision returned by the rate limiter for one
// principal. ResetsInSeconds is set only when Allowed is false.
type RateLimitStatus struct {
	Allowed         bool    `json:"allowed"`
	UsageTokens     int64   `json:"usage_tokens"`
	LimitTokens     int64   `json:"limit_tokens"`
	UsagePercent    float64 `json:"usage_percent"`
	RemainingTokens int64   `json:"remaining_tokens"`
	ResetsInSeconds *int64  `json:"resets_in_seconds,omitempty"`
	Warning         bool    `json:"warning"`
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context
