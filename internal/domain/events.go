package domain

// PushEvent is one wire message for the duplex channel. Concrete events are
// tagged variants; the registry injects the "type" discriminator when it
// serializes, so payload structs carry only their own fields.
type PushEvent interface {
	EventType() string
}

type PingEvent struct{}

func (PingEvent) EventType() string { return "ping" }

type ChatTokenEvent struct {
	Token     string `json:"token"`
	MessageID string `json:"message_id"`
}

func (ChatTokenEvent) EventType() string { return "chat_token" }

type ChatCompleteEvent struct {
	MessageID     string         `json:"message_id"`
	SQLQuery      string         `json:"sql_query"`
	TokenCount    int            `json:"token_count"`
	SQLExecutions []SQLExecution `json:"sql_executions"`
	Reasoning     string         `json:"reasoning,omitempty"`
	InputTokens   int            `json:"input_tokens"`
	OutputTokens  int            `json:"output_tokens"`
	ToolCallTrace []ToolCall     `json:"tool_call_trace,omitempty"`
}

func (ChatCompleteEvent) EventType() string { return "chat_complete" }

type ChatErrorEvent struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (ChatErrorEvent) EventType() string { return "chat_error" }

type QueryPhase string

const (
	PhaseQueued     QueryPhase = "queued"
	PhaseGenerating QueryPhase = "generating"
	PhaseExecuting  QueryPhase = "executing"
	PhaseFormatting QueryPhase = "formatting"
)

type QueryStatusEvent struct {
	Phase QueryPhase `json:"phase"`
}

func (QueryStatusEvent) EventType() string { return "query_status" }

// QueryProgressEvent reports the 1-based index of the SQL execution currently
// running inside a message cycle.
type QueryProgressEvent struct {
	N int `json:"n"`
}

func (QueryProgressEvent) EventType() string { return "query_progress" }

type ChartSpecEvent struct {
	ExecutionIndex int            `json:"ei"`
	Spec           map[string]any `json:"sp"`
}

func (ChartSpecEvent) EventType() string { return "chart_spec" }

type FollowupSuggestionsEvent struct {
	Suggestions []string `json:"sg"`
}

func (FollowupSuggestionsEvent) EventType() string { return "followup_suggestions" }

type RateLimitWarningEvent struct {
	UsagePercent    float64 `json:"usage_percent"`
	RemainingTokens int64   `json:"remaining_tokens"`
}

func (RateLimitWarningEvent) EventType() string { return "rate_limit_warning" }

type RateLimitExceededEvent struct {
	ResetsInSeconds int64 `json:"resets_in_seconds"`
}

func (RateLimitExceededEvent) EventType() string { return "rate_limit_exceeded" }

// DatasetPayload is the wire form of a dataset binding carried by the
// dataset_* events.
type DatasetPayload struct {
	ID             string         `json:"id,omitempty"`
	ConversationID string         `json:"conversation_id"`
	URL            string         `json:"url"`
	Name           string         `json:"name,omitempty"`
	RowCount       int64          `json:"row_count,omitempty"`
	ColumnCount    int            `json:"column_count,omitempty"`
	Schema         []ColumnSchema `json:"schema,omitempty"`
	Status         DatasetStatus  `json:"status"`
	ErrorMessage   string         `json:"error_message,omitempty"`
}

type DatasetLoadingEvent struct {
	DatasetPayload
}

func (DatasetLoadingEvent) EventType() string { return "dataset_loading" }

type DatasetLoadedEvent struct {
	DatasetPayload
}

func (DatasetLoadedEvent) EventType() string { return "dataset_loaded" }

type DatasetErrorEvent struct {
	DatasetPayload
}

func (DatasetErrorEvent) EventType() string { return "dataset_error" }

type ConversationTitleUpdatedEvent struct{}

func (ConversationTitleUpdatedEvent) EventType() string { return "conversation_title_updated" }
