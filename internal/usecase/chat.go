package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/querycache"
	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
	"github.com/fairyhunter13/ai-data-analyst/internal/service/ratelimiter"
)

const (
	// maxToolIterations bounds the stream/tool loop of one message cycle.
	maxToolIterations = 8
	titleMaxRunes     = 50
	// modelRowLimit bounds rows fed back into the model context per execution.
	modelRowLimit       = 100
	suggestionMaxTokens = 400
)

// ChatConfig carries the orchestration knobs.
type ChatConfig struct {
	DefaultModel      string
	MaxTokens         int
	HistoryMessageCap int
	HistoryTokenCap   int
}

// ChatService drives one assistant turn end to end: conversation lock, user
// message persistence, rate check, history pruning, model streaming with
// execute_sql tool dispatch, assistant persistence, usage accounting and
// push fan-out. One generation runs per conversation at a time.
type ChatService struct {
	Conversations domain.ConversationRepository
	Messages      domain.MessageRepository
	Datasets      domain.DatasetRepository
	Settings      SettingsService
	Model         domain.ModelClient
	Pool          domain.WorkerPool
	Push          domain.PushSender
	Limiter       *ratelimiter.Service
	Cache         *querycache.Cache
	Counter       *tokencount.Counter
	Cfg           ChatConfig

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func NewChatService(
	conversations domain.ConversationRepository,
	messages domain.MessageRepository,
	datasets domain.DatasetRepository,
	settings SettingsService,
	model domain.ModelClient,
	pool domain.WorkerPool,
	push domain.PushSender,
	limiter *ratelimiter.Service,
	cache *querycache.Cache,
	counter *tokencount.Counter,
	cfg ChatConfig,
) *ChatService {
	return &ChatService{
		Conversations: conversations,
		Messages:      messages,
		Datasets:      datasets,
		Settings:      settings,
		Model:         model,
		Pool:          pool,
		Push:          push,
		Limiter:       limiter,
		Cache:         cache,
		Counter:       counter,
		Cfg:           cfg,
		active:        make(map[string]context.CancelFunc),
	}
}

// ProcessMessage runs one full message cycle and returns the persisted
// assistant message. It fails with ErrConflict when a generation is already
// active for the conversation and ErrRateLimited when the principal is over
// budget. A cancellation via StopGeneration is not an error; the cycle
// finalizes with whatever text was produced.
func (s *ChatService) ProcessMessage(ctx domain.Context, conversationID, principalID, content string) (domain.Message, error) {
	tracer := otel.Tracer("usecase.chat")
	ctx, span := tracer.Start(ctx, "chat.ProcessMessage")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation_id", conversationID),
	)

	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, fmt.Errorf("op=chat.process: %w: message content is empty", domain.ErrInvalidArgument)
	}
	conv, err := s.Conversations.Get(ctx, conversationID)
	if err != nil {
		return domain.Message{}, err
	}
	if conv.UserID != principalID {
		return domain.Message{}, fmt.Errorf("op=chat.process: %w: conversation belongs to another user", domain.ErrForbidden)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if !s.acquire(conversationID, cancel) {
		cancel()
		return domain.Message{}, fmt.Errorf("op=chat.process: %w: generation already active", domain.ErrConflict)
	}
	defer cancel()
	defer s.release(conversationID)

	msg, err := s.run(runCtx, conv, content)
	if err != nil {
		s.reportFailure(conv.UserID, err)
		return domain.Message{}, err
	}
	return msg, nil
}

// StopGeneration cancels the active generation of a conversation, if any.
// The running cycle observes the cancellation at its next suspension point
// and finalizes with the partial text. Callers authorize before calling.
func (s *ChatService) StopGeneration(conversationID string) {
	s.mu.Lock()
	cancel := s.active[conversationID]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *ChatService) acquire(conversationID string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		s.active = make(map[string]context.CancelFunc)
	}
	if _, busy := s.active[conversationID]; busy {
		return false
	}
	s.active[conversationID] = cancel
	return true
}

func (s *ChatService) release(conversationID string) {
	s.mu.Lock()
	delete(s.active, conversationID)
	s.mu.Unlock()
}

// run executes the ordered cycle once the lock is held.
func (s *ChatService) run(ctx domain.Context, conv domain.Conversation, content string) (domain.Message, error) {
	s.push(conv.UserID, domain.QueryStatusEvent{Phase: domain.PhaseQueued})

	userMsg := domain.Message{
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		Content:        content,
		TokenCount:     s.Counter.Estimate(content, s.Cfg.DefaultModel),
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := s.Messages.Create(ctx, userMsg); err != nil {
		return domain.Message{}, err
	}
	s.autoTitle(ctx, conv, content)

	status, err := s.Limiter.Check(ctx, conv.UserID)
	if err != nil {
		return domain.Message{}, err
	}
	if !status.Allowed {
		var resets int64
		if status.ResetsInSeconds != nil {
			resets = *status.ResetsInSeconds
		}
		s.push(conv.UserID, domain.RateLimitExceededEvent{ResetsInSeconds: resets})
		return domain.Message{}, fmt.Errorf("op=chat.process: %w", &domain.RateLimitError{ResetsInSeconds: resets})
	}
	if status.Warning {
		s.push(conv.UserID, domain.RateLimitWarningEvent{
			UsagePercent:    status.UsagePercent,
			RemainingTokens: status.RemainingTokens,
		})
	}

	history, err := s.Messages.ListByConversation(ctx, conv.ID)
	if err != nil {
		return domain.Message{}, err
	}
	datasets, err := s.Datasets.ListByConversation(ctx, conv.ID)
	if err != nil {
		return domain.Message{}, err
	}
	settings, err := s.Settings.Get(ctx, conv.UserID)
	if err != nil {
		return domain.Message{}, err
	}
	model := settings.SelectedModel
	if model == "" {
		model = s.Cfg.DefaultModel
	}

	msgs := historyToModel(history)
	msgs = s.prune(msgs, model)
	msgs = append([]domain.ChatMessage{{Role: domain.RoleSystem, Content: systemPrompt(datasets, settings.DevMode)}}, msgs...)

	s.push(conv.UserID, domain.QueryStatusEvent{Phase: domain.PhaseGenerating})

	assistantID := uuid.New().String()
	cycle := s.stream(ctx, conv, assistantID, model, msgs, datasets)

	// Finalization must survive the cancellation that ended the stream.
	finCtx := context.WithoutCancel(ctx)
	if cycle.err != nil {
		return domain.Message{}, cycle.err
	}

	s.push(conv.UserID, domain.QueryStatusEvent{Phase: domain.PhaseFormatting})

	stored := make([]domain.SQLExecution, len(cycle.executions))
	for i, e := range cycle.executions {
		if len(e.Rows) > domain.StoredRowLimit {
			e.Rows = e.Rows[:domain.StoredRowLimit]
		}
		stored[i] = e
	}
	asst := domain.Message{
		ID:             assistantID,
		ConversationID: conv.ID,
		Role:           domain.RoleAssistant,
		Content:        cycle.content,
		SQLQuery:       cycle.lastSQL,
		SQLExecutions:  stored,
		Reasoning:      cycle.reasoning,
		TokenCount:     s.Counter.Estimate(cycle.content, model),
		InputTokens:    cycle.inputTokens,
		OutputTokens:   cycle.outputTokens,
		ToolCallTrace:  cycle.trace,
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := s.Messages.Create(finCtx, asst); err != nil {
		return domain.Message{}, err
	}

	s.record(finCtx, conv, model, cycle.inputTokens, cycle.outputTokens)

	wire := make([]domain.SQLExecution, len(stored))
	for i, e := range stored {
		wire[i] = e.ForWire()
	}
	s.push(conv.UserID, domain.ChatCompleteEvent{
		MessageID:     asst.ID,
		SQLQuery:      asst.SQLQuery,
		TokenCount:    asst.TokenCount,
		SQLExecutions: wire,
		Reasoning:     asst.Reasoning,
		InputTokens:   asst.InputTokens,
		OutputTokens:  asst.OutputTokens,
		ToolCallTrace: asst.ToolCallTrace,
	})

	if !cycle.cancelled && settings.ChartSuggestions {
		s.suggest(finCtx, conv, model, cycle.content, stored)
	}

	if after, err := s.Limiter.Check(finCtx, conv.UserID); err == nil && after.Allowed && after.Warning {
		s.push(conv.UserID, domain.RateLimitWarningEvent{
			UsagePercent:    after.UsagePercent,
			RemainingTokens: after.RemainingTokens,
		})
	}
	return asst, nil
}

// cycleState accumulates everything one stream/tool loop produces.
type cycleState struct {
	content      string
	reasoning    string
	executions   []domain.SQLExecution
	trace        []domain.ToolCall
	lastSQL      string
	inputTokens  int
	outputTokens int
	cancelled    bool
	err          error
}

// stream runs the model turn loop. Tool calls dispatch execute_sql through
// the query cache and worker pool; results are fed back as tool messages
// until the model stops or the iteration cap is reached. A context
// cancellation ends the loop without error so the caller can finalize the
// partial text.
func (s *ChatService) stream(ctx domain.Context, conv domain.Conversation, assistantID, model string, msgs []domain.ChatMessage, datasets []domain.Dataset) cycleState {
	var (
		cycle      cycleState
		contentBuf strings.Builder
		reasonBuf  strings.Builder
	)
	req := domain.ModelRequest{
		Model:     model,
		Messages:  msgs,
		Tools:     []domain.ToolSpec{executeSQLTool()},
		MaxTokens: s.Cfg.MaxTokens,
	}
	onToken := func(tok string) {
		contentBuf.WriteString(tok)
		s.push(conv.UserID, domain.ChatTokenEvent{Token: tok, MessageID: assistantID})
	}

	for iter := 0; iter < maxToolIterations; iter++ {
		turn, err := s.Model.StreamTurn(ctx, req, onToken)
		cycle.inputTokens += turn.InputTokens
		cycle.outputTokens += turn.OutputTokens
		reasonBuf.WriteString(turn.Reasoning)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				cycle.cancelled = true
				break
			}
			cycle.err = err
			break
		}
		if len(turn.ToolCalls) == 0 {
			break
		}

		req.Messages = append(req.Messages, domain.ChatMessage{
			Role:      domain.RoleAssistant,
			Content:   turn.Content,
			ToolCalls: turn.ToolCalls,
		})
		s.push(conv.UserID, domain.QueryStatusEvent{Phase: domain.PhaseExecuting})
		for _, call := range turn.ToolCalls {
			cycle.trace = append(cycle.trace, call)
			exec := s.executeSQL(ctx, conv.UserID, call, datasets, len(cycle.executions)+1)
			cycle.executions = append(cycle.executions, exec)
			if exec.Query != "" {
				cycle.lastSQL = exec.Query
			}
			req.Messages = append(req.Messages, domain.ChatMessage{
				Role:       domain.RoleTool,
				ToolCallID: call.ID,
				Content:    toolResultJSON(exec),
			})
			if ctx.Err() != nil {
				cycle.cancelled = true
				break
			}
		}
		if cycle.cancelled || ctx.Err() != nil {
			cycle.cancelled = true
			break
		}
		s.push(conv.UserID, domain.QueryStatusEvent{Phase: domain.PhaseGenerating})
	}

	cycle.content = contentBuf.String()
	cycle.reasoning = reasonBuf.String()
	return cycle
}

// executeSQL dispatches one execute_sql tool call: cache lookup first, the
// worker pool on a miss, write-through after. Failures land in the
// execution's Error field; they never abort the cycle.
func (s *ChatService) executeSQL(ctx domain.Context, principalID string, call domain.ToolCall, datasets []domain.Dataset, n int) domain.SQLExecution {
	s.push(principalID, domain.QueryProgressEvent{N: n})

	var args struct {
		SQL string `json:"sql"`
	}
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil || strings.TrimSpace(args.SQL) == "" {
		return domain.SQLExecution{Error: "tool call carried no usable sql argument"}
	}
	sqlText := strings.TrimSpace(args.SQL)

	refs := make([]domain.DatasetRef, 0, len(datasets))
	urls := make([]string, 0, len(datasets))
	for _, d := range datasets {
		refs = append(refs, domain.DatasetRef{URL: d.URL, TableName: d.Name})
		urls = append(urls, d.URL)
	}

	key := querycache.Key(sqlText, urls)
	if res, ok := s.Cache.Get(ctx, key); ok {
		return executionFrom(sqlText, res)
	}
	res := s.Pool.RunQuery(ctx, sqlText, refs)
	s.Cache.Put(ctx, key, sqlText, urls, res)
	return executionFrom(sqlText, res)
}

func executionFrom(sqlText string, res domain.QueryResult) domain.SQLExecution {
	e := domain.SQLExecution{
		Query:     sqlText,
		Columns:   res.Columns,
		Rows:      res.Rows,
		TotalRows: res.TotalRows,
		ElapsedMs: res.ElapsedMs,
		Cached:    res.Cached,
	}
	if res.Err != nil {
		e.Error = res.Err.Message
		e.Columns = nil
		e.Rows = nil
	}
	return e
}

// toolResultJSON is the payload fed back to the model. Rows are clamped so
// a large result does not flood the context window.
func toolResultJSON(e domain.SQLExecution) string {
	if e.Error != "" {
		b, _ := json.Marshal(map[string]any{"error": e.Error})
		return string(b)
	}
	rows := e.Rows
	truncated := false
	if len(rows) > modelRowLimit {
		rows = rows[:modelRowLimit]
		truncated = true
	}
	b, err := json.Marshal(map[string]any{
		"columns":    e.Columns,
		"rows":       rows,
		"total_rows": e.TotalRows,
		"truncated":  truncated,
	})
	if err != nil {
		return `{"error":"result could not be serialized"}`
	}
	return string(b)
}

// autoTitle names an untitled conversation after its first user message and
// announces the change. Titled conversations only get their updated_at bump.
func (s *ChatService) autoTitle(ctx domain.Context, conv domain.Conversation, content string) {
	if conv.Title != "" {
		if err := s.Conversations.Touch(ctx, conv.ID); err != nil {
			slog.Warn("conversation touch failed", slog.String("conversation_id", conv.ID), slog.Any("error", err))
		}
		return
	}
	title := content
	if runes := []rune(title); len(runes) > titleMaxRunes {
		title = string(runes[:titleMaxRunes]) + "…"
	}
	if err := s.Conversations.UpdateTitle(ctx, conv.ID, title); err != nil {
		slog.Warn("conversation auto-title failed", slog.String("conversation_id", conv.ID), slog.Any("error", err))
		return
	}
	s.push(conv.UserID, domain.ConversationTitleUpdatedEvent{})
}

// prune bounds the model context: at most HistoryMessageCap non-system
// messages, then oldest-first eviction until the estimated token total fits
// HistoryTokenCap. System messages are never evicted and the most recent
// message always survives.
func (s *ChatService) prune(msgs []domain.ChatMessage, model string) []domain.ChatMessage {
	msgCap := s.Cfg.HistoryMessageCap
	if msgCap <= 0 {
		msgCap = 50
	}
	nonSystem := 0
	for _, m := range msgs {
		if m.Role != domain.RoleSystem {
			nonSystem++
		}
	}
	if nonSystem > msgCap {
		kept := make([]domain.ChatMessage, 0, len(msgs))
		drop := nonSystem - msgCap
		for _, m := range msgs {
			if m.Role != domain.RoleSystem && drop > 0 {
				drop--
				continue
			}
			kept = append(kept, m)
		}
		msgs = kept
	}

	tokenCap := s.Cfg.HistoryTokenCap
	if tokenCap <= 0 || len(msgs) <= 1 {
		return msgs
	}
	costs := make([]int, len(msgs))
	total := 3
	for i, m := range msgs {
		costs[i] = s.Counter.Estimate(m.Content, model) + 4
		total += costs[i]
	}
	dropped := make([]bool, len(msgs))
	for i := 0; total > tokenCap && i < len(msgs)-1; i++ {
		if msgs[i].Role == domain.RoleSystem {
			continue
		}
		dropped[i] = true
		total -= costs[i]
	}
	kept := make([]domain.ChatMessage, 0, len(msgs))
	for i, m := range msgs {
		if !dropped[i] {
			kept = append(kept, m)
		}
	}
	return kept
}

func historyToModel(history []domain.Message) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case domain.RoleUser, domain.RoleAssistant, domain.RoleSystem:
			out = append(out, domain.ChatMessage{Role: m.Role, Content: m.Content})
		}
	}
	return out
}

func executeSQLTool() domain.ToolSpec {
	return domain.ToolSpec{
		Name: "execute_sql",
		Description: "Run one read-only SQL SELECT against the datasets loaded in this conversation. " +
			"Use the exact table names from the system prompt. SQLite dialect.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sql": map[string]any{
					"type":        "string",
					"description": "A single read-only SELECT statement.",
				},
			},
			"required": []string{"sql"},
		},
	}
}

// systemPrompt describes the analyst role and every dataset binding with its
// introspected schema.
func systemPrompt(datasets []domain.Dataset, devMode bool) string {
	var b strings.Builder
	b.WriteString("You are a data analyst. Answer questions about the user's datasets ")
	b.WriteString("by querying them with the execute_sql tool and explaining the results in plain language.\n")
	b.WriteString("Rules: only SELECT statements; one statement per tool call; SQLite dialect; ")
	b.WriteString("never invent columns or tables that are not listed below.\n")
	if devMode {
		b.WriteString("Development mode is on: include the executed SQL verbatim when it helps the user.\n")
	}
	if len(datasets) == 0 {
		b.WriteString("\nNo datasets are loaded in this conversation. Say so when the user asks about data, ")
		b.WriteString("and suggest adding a dataset URL.\n")
		return b.String()
	}
	b.WriteString("\nAvailable tables:\n")
	for _, d := range datasets {
		fmt.Fprintf(&b, "\n%s (%d rows, source %s):\n", d.Name, d.RowCount, d.URL)
		for _, col := range d.Schema {
			fmt.Fprintf(&b, "  - %s %s", col.Name, col.Type)
			if stats := statsSummary(col.Stats); stats != "" {
				fmt.Fprintf(&b, " [%s]", stats)
			}
			if desc, ok := d.ColumnDescriptions[col.Name]; ok && desc != "" {
				fmt.Fprintf(&b, " // %s", desc)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func statsSummary(st domain.ColumnStats) string {
	parts := make([]string, 0, 3)
	if st.Min != nil && st.Max != nil {
		parts = append(parts, fmt.Sprintf("min %g, max %g", *st.Min, *st.Max))
	}
	if st.UniqueCount != nil {
		parts = append(parts, fmt.Sprintf("%d distinct", *st.UniqueCount))
	}
	if st.NullCount != nil && *st.NullCount > 0 {
		parts = append(parts, fmt.Sprintf("%d nulls", *st.NullCount))
	}
	return strings.Join(parts, ", ")
}

// record books the cycle's token usage. Accounting failures are logged, not
// fatal; the answer has already been delivered.
func (s *ChatService) record(ctx domain.Context, conv domain.Conversation, model string, in, out int) {
	if in == 0 && out == 0 {
		return
	}
	convID := conv.ID
	err := s.Limiter.Record(ctx, domain.TokenUsage{
		UserID:         conv.UserID,
		ConversationID: &convID,
		ModelName:      model,
		InputTokens:    in,
		OutputTokens:   out,
	})
	if err != nil {
		slog.Error("token usage record failed",
			slog.String("user_id", conv.UserID),
			slog.String("model", model),
			slog.Any("error", err))
	}
}

// suggestion is the compact JSON shape the suggestion turn must return.
type suggestion struct {
	Chart     map[string]any `json:"chart"`
	Followups []string       `json:"followups"`
}

// suggest runs one small non-streamed turn to derive a chart spec and
// follow-up questions from the last successful execution. Best effort: any
// failure is logged at debug and skipped.
func (s *ChatService) suggest(ctx domain.Context, conv domain.Conversation, model, answer string, execs []domain.SQLExecution) {
	last := -1
	for i := len(execs) - 1; i >= 0; i-- {
		if execs[i].Error == "" {
			last = i
			break
		}
	}
	if last == -1 {
		return
	}
	sample := execs[last]
	rows := sample.Rows
	if len(rows) > 20 {
		rows = rows[:20]
	}
	payload, err := json.Marshal(map[string]any{
		"answer":  answer,
		"query":   sample.Query,
		"columns": sample.Columns,
		"rows":    rows,
	})
	if err != nil {
		return
	}
	req := domain.ModelRequest{
		Model: model,
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: "Reply with one JSON object only, no prose: " +
				`{"chart": {"type": "bar|line|pie", "x": "<column>", "y": "<column>", "title": "..."} or null, ` +
				`"followups": ["up to three short follow-up questions"]}. ` +
				"Set chart to null when the result does not suit a chart."},
			{Role: domain.RoleUser, Content: string(payload)},
		},
		MaxTokens: suggestionMaxTokens,
	}
	turn, err := s.Model.StreamTurn(ctx, req, func(string) {})
	if err != nil {
		slog.Debug("suggestion turn failed", slog.Any("error", err))
		return
	}
	s.record(ctx, conv, model, turn.InputTokens, turn.OutputTokens)

	var sg suggestion
	if err := json.Unmarshal([]byte(stripFences(turn.Content)), &sg); err != nil {
		slog.Debug("suggestion parse failed", slog.Any("error", err))
		return
	}
	if len(sg.Chart) > 0 {
		s.push(conv.UserID, domain.ChartSpecEvent{ExecutionIndex: last, Spec: sg.Chart})
	}
	if len(sg.Followups) > 0 {
		if len(sg.Followups) > 3 {
			sg.Followups = sg.Followups[:3]
		}
		s.push(conv.UserID, domain.FollowupSuggestionsEvent{Suggestions: sg.Followups})
	}
}

// stripFences unwraps a ```json fenced block if the model added one.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// reportFailure translates a cycle error into its chat_error push.
// ErrConflict and ErrRateLimited carry no chat_error; the caller already
// received a structured response (and rate_limit_exceeded was pushed).
func (s *ChatService) reportFailure(principalID string, err error) {
	switch {
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrRateLimited):
		return
	case errors.Is(err, domain.ErrUpstreamRateLimit):
		s.push(principalID, domain.ChatErrorEvent{
			Error: "The model provider is rate limiting requests. Please try again in a moment.",
		})
	case errors.Is(err, domain.ErrUpstreamTimeout):
		s.push(principalID, domain.ChatErrorEvent{
			Error:   "The model stopped responding. Please try again.",
			Details: "upstream_timeout",
		})
	default:
		slog.Error("message cycle failed", slog.Any("error", err))
		s.push(principalID, domain.ChatErrorEvent{
			Error:   "Something went wrong while generating a response.",
			Details: "internal",
		})
	}
}

func (s *ChatService) push(principalID string, event domain.PushEvent) {
	if s.Push != nil {
		s.Push.SendToPrincipal(principalID, event)
	}
}
