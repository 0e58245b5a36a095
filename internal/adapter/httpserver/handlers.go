package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/push"
	"github.com/fairyhunter13/ai-data-analyst/internal/config"
	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
	"github.com/fairyhunter13/ai-data-analyst/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-data-analyst/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg           config.Config
	Auth          usecase.AuthService
	Conversations usecase.ConversationService
	Chat          *usecase.ChatService
	Datasets      usecase.DatasetService
	Settings      usecase.SettingsService
	Usage         usecase.UsageService
	Push          *push.Registry
	Attempts      *ratelimiter.AttemptLimiter
	DBCheck       func(ctx context.Context) error
	RedisCheck    func(ctx context.Context) error

	upgrader websocket.Upgrader
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, auth usecase.AuthService, conversations usecase.ConversationService,
	chat *usecase.ChatService, datasets usecase.DatasetService, settings usecase.SettingsService,
	usage usecase.UsageService, registry *push.Registry, attempts *ratelimiter.AttemptLimiter,
	dbCheck, redisCheck func(ctx context.Context) error) *Server {
	return &Server{
		Cfg:           cfg,
		Auth:          auth,
		Conversations: conversations,
		Chat:          chat,
		Datasets:      datasets,
		Settings:      settings,
		Usage:         usage,
		Push:          registry,
		Attempts:      attempts,
		DBCheck:       dbCheck,
		RedisCheck:    redisCheck,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.CORSAllowOrigins),
		},
	}
}

type userDTO struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastLoginAt time.Time `json:"last_login_at"`
}

func toUserDTO(u domain.User) userDTO {
	return userDTO{
		ID:          u.ID,
		Email:       u.Email,
		Name:        u.Name,
		AvatarURL:   u.AvatarURL,
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	}
}

type conversationDTO struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	IsPinned  bool      `json:"is_pinned"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toConversationDTO(c domain.Conversation) conversationDTO {
	return conversationDTO{
		ID:        c.ID,
		Title:     c.Title,
		IsPinned:  c.IsPinned,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

type messageDTO struct {
	ID             string                `json:"id"`
	ConversationID string                `json:"conversation_id"`
	Role           string                `json:"role"`
	Content        string                `json:"content"`
	SQLQuery       string                `json:"sql_query,omitempty"`
	SQLExecutions  []domain.SQLExecution `json:"sql_executions,omitempty"`
	Reasoning      string                `json:"reasoning,omitempty"`
	TokenCount     int                   `json:"token_count"`
	InputTokens    int                   `json:"input_tokens,omitempty"`
	OutputTokens   int                   `json:"output_tokens,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}

func toMessageDTO(m domain.Message) messageDTO {
	return messageDTO{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           string(m.Role),
		Content:        m.Content,
		SQLQuery:       m.SQLQuery,
		SQLExecutions:  m.SQLExecutions,
		Reasoning:      m.Reasoning,
		TokenCount:     m.TokenCount,
		InputTokens:    m.InputTokens,
		OutputTokens:   m.OutputTokens,
		CreatedAt:      m.CreatedAt,
	}
}

type datasetDTO struct {
	ID             string                `json:"id"`
	ConversationID string                `json:"conversation_id"`
	URL            string                `json:"url"`
	Name           string                `json:"name"`
	RowCount       int64                 `json:"row_count"`
	ColumnCount    int                   `json:"column_count"`
	Schema         []domain.ColumnSchema `json:"schema"`
	Status         string                `json:"status"`
	ErrorMessage   string                `json:"error_message,omitempty"`
	LoadedAt       time.Time             `json:"loaded_at"`
	FileSizeBytes  int64                 `json:"file_size_bytes,omitempty"`
}

func toDatasetDTO(d domain.Dataset) datasetDTO {
	return datasetDTO{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		URL:            d.URL,
		Name:           d.Name,
		RowCount:       d.RowCount,
		ColumnCount:    d.ColumnCount,
		Schema:         d.Schema,
		Status:         string(d.Status),
		ErrorMessage:   d.ErrorMessage,
		LoadedAt:       d.LoadedAt,
		FileSizeBytes:  d.FileSizeBytes,
	}
}

type settingsDTO struct {
	DevMode          bool      `json:"dev_mode"`
	SelectedModel    string    `json:"selected_model"`
	ChartSuggestions bool      `json:"chart_suggestions"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ListConversationsHandler returns the caller's conversations, pinned first.
func (s *Server) ListConversationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFrom(r)
		convs, err := s.Conversations.List(r.Context(), p.UserID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]conversationDTO, len(convs))
		for i, c := range convs {
			out[i] = toConversationDTO(c)
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
	}
}

// CreateConversationHandler starts an empty conversation.
func (s *Server) CreateConversationHandler() http.HandlerFunc {
	type createReq struct {
		Title string `json:"title" validate:"max=200"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFrom(r)
		var req createReq
		if details, err := decodeValid(w, r, &req); err != nil {
			writeError(w, r, err, details)
			return
		}
		conv, err := s.Conversations.Create(r.Context(), p.UserID, req.Title)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"conversation": toConversationDTO(conv)})
	}
}

// GetConversationHandler returns one conversation the caller owns.
func (s *Server) GetConversationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFrom(r)
		conv, err := s.Conversations.Get(r.Context(), p.UserID, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversation": toConversationDTO(conv)})
	}
}

// RenameConversationHandler sets a conversation's title.
func (s *Server) RenameConversationHandler() http.HandlerFunc {
	type renameReq struct {
		Title string `json:"title" validate:"required,max=200"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFrom(r)
		var req renameReq
		if details, err := decodeValid(w, r, &req); err != nil {
			writeError(w, r, err, details)
			return
		}
		if err := s.Conversations.Rename(r.Context(), p.UserID, chi.URLParam(r, "id"), req.Title); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// PinConversationHandler toggles the pinned flag.
func (s *Server) PinConversationHandler() http.HandlerFunc {
	type pinReq struct {
		Pinned bool `json:"pinned"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFrom(r)
		var req pinReq
		if details, err := decodeValid(w, r, &req); err != nil {
			writeError(w, r, err, details)
			return
		}
		if err := s.Conversations.SetPinned(r.Context(), p.UserID, chi.URLParam(r, "id"), req.Pinned); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// DeleteConversationHandler removes a conversation and everything under it.
func (s *Server) DeleteConversationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFrom(r)
		if err := s.Conversations.Delete(r.Context(), p.UserID, chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ListMessagesHandler returns a conversation's transcript in order.
func (s *Server) ListMessagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFrom(r)
		msgs, err := s.Conversations.ListMessages(r.Context(), p.UserID, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]messageDTO, len(msgs))
		for i, m := range msgs {
			out[i] = toMessageDTO(m)
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": out})
	}
}

// PostMessageHandler runs one full chat cycle and returns the assistant
// message. Tokens and intermediate results stream over the push channel
// while this request is in flight.
func (s *Server) PostMessageHandler() http.HandlerFunc {
	type messageReq struct {
		Content string `json:"content" validate:"required,max=32000"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFrom(r)
		var req messageReq
		if details, err := decodeValid(w, r, &req); err != nil {
			writeError(w, r, err, details)
			return
		}
		msg, err := s.Chat.ProcessMessage(r.Context(), chi.URLParam(r, "id"), p.UserID, req.Content)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"message": toMessageDTO(msg)})
	}
}

// StopGenerationHandler cancels the conversation's active generation, if any.
func (s *Server) StopGenerationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFrom(r)
		id := chi.URLParam(r, "id")
		if _, err := s.Conversations.Get(r.Context(), p.UserID, id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		s.Chat.StopGeneration(id)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
	}
}

// ListDatasetsHandler returns the conversation's dataset bindings.
func (s *Server) ListDatasetsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFrom(r)
		id := chi.URLParam(r, "id")
		if _, err := s.Conversations.Get(r.Context(), p.UserID, id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		datasets, err := s.Datasets.ListDatasets(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]datasetDTO, len(datasets))
		for i, d := range datasets {
			out[i] = toDatasetDTO(d)
		}
		writeJSON(w, http.StatusOK, map[string]any{"datasets": out})
	}
}

// AddDatasetHandler binds a remote file to the conversation. The load runs
// synchronously; loading/loaded/error events mirror it on the push channel.
func (s *Server) AddDatasetHandler() http.HandlerFunc {
	type addReq struct {
		URL  string `json:"url" validate:"required,max=2048"`
		Name string `json:"name" validate:"omitempty,max=64"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFrom(r)
		id := chi.URLParam(r, "id")
		if _, err := s.Conversations.Get(r.Context(), p.UserID, id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req addReq
		if details, err := decodeValid(w, r, &req); err != nil {
			writeError(w, r, err, details)
			return
		}
		ds, err := s.Datasets.AddDataset(r.Context(), id, req.URL, req.Name)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"dataset": toDatasetDTO(ds)})
	}
}

// authorizeDataset resolves a dataset id and checks the caller owns its
// conversation.
func (s *Server) authorizeDataset(r *http.Request, userID, datasetID string) (domain.Dataset, error) {
	ds, err := s.Datasets.Dataset(r.Context(), datasetID)
	if err != nil {
		return domain.Dataset{}, err
	}
	if _, err := s.Conversations.Get(r.Context(), userID, ds.ConversationID); err != nil {
		return domain.Dataset{}, err
	}
	return ds, nil
}

// RemoveDatasetHandler unbinds a dataset from its conversation.
func (s *Server) RemoveDatasetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFrom(r)
		if _, err := s.authorizeDataset(r, p.UserID, chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Datasets.RemoveDataset(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// RefreshDatasetHandler revalidates the source file and reloads the schema.
func (s *Server) RefreshDatasetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFrom(r)
		if _, err := s.authorizeDataset(r, p.UserID, chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		ds, err := s.Datasets.RefreshSchema(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"dataset": toDatasetDTO(ds)})
	}
}

// GetSettingsHandler returns the caller's settings, defaults included.
func (s *Server) GetSettingsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFrom(r)
		st, err := s.Settings.Get(r.Context(), p.UserID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"settings": settingsDTO{
			DevMode:          st.DevMode,
			SelectedModel:    st.SelectedModel,
			ChartSuggestions: st.ChartSuggestions,
			UpdatedAt:        st.UpdatedAt,
		}})
	}
}

// UpdateSettingsHandler replaces the caller's settings.
func (s *Server) UpdateSettingsHandler() http.HandlerFunc {
	type settingsReq struct {
		DevMode          bool   `json:"dev_mode"`
		SelectedModel    string `json:"selected_model" validate:"max=200"`
		ChartSuggestions bool   `json:"chart_suggestions"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFrom(r)
		var req settingsReq
		if details, err := decodeValid(w, r, &req); err != nil {
			writeError(w, r, err, details)
			return
		}
		st, err := s.Settings.Update(r.Context(), domain.UserSettings{
			UserID:           p.UserID,
			DevMode:          req.DevMode,
			SelectedModel:    req.SelectedModel,
			ChartSuggestions: req.ChartSuggestions,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"settings": settingsDTO{
			DevMode:          st.DevMode,
			SelectedModel:    st.SelectedModel,
			ChartSuggestions: st.ChartSuggestions,
			UpdatedAt:        st.UpdatedAt,
		}})
	}
}

// UsageHandler summarizes the caller's rolling-window token consumption.
func (s *Server) UsageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFrom(r)
		sum, err := s.Usage.Summary(r.Context(), p.UserID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"usage": sum})
	}
}

// ReadyzHandler probes the dependencies this instance needs to serve.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
