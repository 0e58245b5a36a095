package domain

import "time"

// TaskErrorType classifies worker-boundary failures.
type TaskErrorType string

const (
	TaskErrTimeout    TaskErrorType = "timeout"
	TaskErrNetwork    TaskErrorType = "network"
	TaskErrValidation TaskErrorType = "validation"
	TaskErrSQL        TaskErrorType = "sql"
	TaskErrInternal   TaskErrorType = "internal"
)

// TaskError is the structured error value returned across the worker-pool
// boundary. Workers never panic across the boundary and never return bare
// errors; every failure is one of these.
type TaskError struct {
	Type    TaskErrorType `json:"error_type"`
	Message string        `json:"message"`
	Details string        `json:"details,omitempty"`
}

func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Type) + ": " + e.Message
}

// URLValidation is the result of WorkerPool.ValidateURL.
type URLValidation struct {
	Valid         bool       `json:"valid"`
	FileSizeBytes int64      `json:"file_size_bytes,omitempty"`
	Err           *TaskError `json:"error,omitempty"`
}

// SchemaResult is the result of WorkerPool.GetSchema.
type SchemaResult struct {
	Columns  []ColumnSchema `json:"columns"`
	RowCount int64          `json:"row_count"`
	Err      *TaskError     `json:"error,omitempty"`
}

// QueryResult is the result of WorkerPool.RunQuery and the unit stored by the
// query cache. Cached reports whether the value came from a cache tier.
type QueryResult struct {
	Columns   []string   `json:"columns"`
	Rows      [][]any    `json:"rows"`
	TotalRows int64      `json:"total_rows"`
	ElapsedMs int64      `json:"elapsed_ms"`
	Cached    bool       `json:"cached"`
	Err       *TaskError `json:"error,omitempty"`
}

// DatasetRef names one dataset within a RunQuery call.
type DatasetRef struct {
	URL       string `json:"url"`
	TableName string `json:"table_name"`
}

// WorkerPool is the sandboxed executor for dataset download, validation and
// read-only SQL. Every capability is bounded by the pool's per-task timeout;
// failures come back inside the result value, never as a Go error.
type WorkerPool interface {
	ValidateURL(ctx Context, url string) URLValidation
	GetSchema(ctx Context, url string) SchemaResult
	RunQuery(ctx Context, sql string, datasets []DatasetRef) QueryResult
	Close()
}

// PushSender fans events out to every open peer of a principal. Send failures
// prune the affected peer; nothing is reported to the caller.
type PushSender interface {
	SendToPrincipal(principalID string, event PushEvent)
}

// ChatMessage is one turn of model input.
type ChatMessage struct {
	Role       MessageRole
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall is a model-initiated request; Arguments is the raw JSON argument
// object as produced by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec declares a tool the model may call.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ModelRequest is the input to one streamed assistant turn.
type ModelRequest struct {
	Model     string
	Messages  []ChatMessage
	Tools     []ToolSpec
	MaxTokens int
}

// ModelTurn is the accumulated output of one streamed assistant turn.
// FinishReason follows the upstream protocol ("stop", "tool_calls", ...).
type ModelTurn struct {
	Content      string
	Reasoning    string
	ToolCalls    []ToolCall
	InputTokens  int
	OutputTokens int
	FinishReason string
}

// ModelClient streams assistant turns. Implementations invoke onToken for
// every content delta in arrival order and honor ctx cancellation between
// deltas. Upstream quota exhaustion maps to ErrUpstreamRateLimit, upstream
// deadline to ErrUpstreamTimeout.
type ModelClient interface {
	StreamTurn(ctx Context, req ModelRequest, onToken func(string)) (ModelTurn, error)
}

// Repositories (ports)

type UserRepository interface {
	Create(ctx Context, u User) (string, error)
	Get(ctx Context, id string) (User, error)
	GetByExternalID(ctx Context, externalID string) (User, error)
	TouchLogin(ctx Context, id string, at time.Time) error
}

type SessionRepository interface {
	Create(ctx Context, s Session) (string, error)
	GetByTokenHash(ctx Context, tokenHash string) (Session, error)
	Extend(ctx Context, id string, expiresAt time.Time) error
	Delete(ctx Context, id string) error
	DeleteExpired(ctx Context, now time.Time) (int64, error)
}

type ConversationRepository interface {
	Create(ctx Context, c Conversation) (string, error)
	Get(ctx Context, id string) (Conversation, error)
	ListByUser(ctx Context, userID string) ([]Conversation, error)
	UpdateTitle(ctx Context, id, title string) error
	SetPinned(ctx Context, id string, pinned bool) error
	Touch(ctx Context, id string) error
	Delete(ctx Context, id string) error
}

type MessageRepository interface {
	Create(ctx Context, m Message) (string, error)
	ListByConversation(ctx Context, conversationID string) ([]Message, error)
	Delete(ctx Context, id string) error
}

type DatasetRepository interface {
	Create(ctx Context, d Dataset) (string, error)
	Get(ctx Context, id string) (Dataset, error)
	ListByConversation(ctx Context, conversationID string) ([]Dataset, error)
	CountByConversation(ctx Context, conversationID string) (int, error)
	URLExists(ctx Context, conversationID, url string) (bool, error)
	UpdateSchema(ctx Context, id string, schema []ColumnSchema, rowCount int64, columnCount int, fileSizeBytes int64, loadedAt time.Time) error
	Delete(ctx Context, id string) error
}

type UsageRepository interface {
	Insert(ctx Context, u TokenUsage) error
	// WindowTotal sums input+output tokens for records newer than since.
	WindowTotal(ctx Context, userID string, since time.Time) (int64, error)
	// OldestInWindow returns the zero time when no record is in the window.
	OldestInWindow(ctx Context, userID string, since time.Time) (time.Time, error)
	SummarizeByModel(ctx Context, userID string, since time.Time) ([]ModelUsage, error)
}

type ReferralRepository interface {
	Create(ctx Context, k ReferralKey) error
	// Consume marks the key used; ErrNotFound when absent or already used.
	Consume(ctx Context, keyHash, usedBy string, at time.Time) error
}

type SettingsRepository interface {
	Get(ctx Context, userID string) (UserSettings, error)
	Upsert(ctx Context, s UserSettings) error
}

// QueryCacheStore is the durable tier of the query result cache.
type QueryCacheStore interface {
	Get(ctx Context, key string, now time.Time) (QueryResult, bool, error)
	Put(ctx Context, key, sqlText string, urls []string, value QueryResult, now, expiresAt time.Time) error
	Cleanup(ctx Context, now time.Time) (int64, error)
}

// SessionCache is a short-lived lookup cache in front of the sessions table.
// A miss is ErrNotFound; infrastructure failures are returned as-is and
// callers fall back to the repository.
type SessionCache interface {
	Get(ctx Context, token string) (string, error)
	Set(ctx Context, token, userID string, ttl time.Duration) error
	Delete(ctx Context, token string) error
}
