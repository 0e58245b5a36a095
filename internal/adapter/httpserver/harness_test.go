package httpserver_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/ai/stub"
	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/push"
	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/querycache"
	"github.com/fairyhunter13/ai-data-analyst/internal/config"
	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
	"github.com/fairyhunter13/ai-data-analyst/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-data-analyst/internal/usecase"
)

// memStore backs every repository port with maps so handler tests run the
// real usecase stack end to end. Behavior mirrors the postgres repos:
// missing rows are ErrNotFound, conversation deletes cascade, list
// orderings match the SQL ORDER BY clauses.
type memStore struct {
	mu              sync.Mutex
	seq             int
	users           map[string]domain.User
	userIDByExt     map[string]string
	sessions        map[string]domain.Session
	sessionIDByHash map[string]string
	conversations   map[string]domain.Conversation
	messages        map[string][]domain.Message
	datasets        map[string]domain.Dataset
	datasetOrder    []string
	settings        map[string]domain.UserSettings
	usage           []domain.TokenUsage
	referrals       map[string]*domain.ReferralKey
}

func newMemStore() *memStore {
	return &memStore{
		users:           make(map[string]domain.User),
		userIDByExt:     make(map[string]string),
		sessions:        make(map[string]domain.Session),
		sessionIDByHash: make(map[string]string),
		conversations:   make(map[string]domain.Conversation),
		messages:        make(map[string][]domain.Message),
		datasets:        make(map[string]domain.Dataset),
		settings:        make(map[string]domain.UserSettings),
		referrals:       make(map[string]*domain.ReferralKey),
	}
}

// nextID must be called with the mutex held.
func (s *memStore) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *memStore) addReferral(keyHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.referrals[keyHash] = &domain.ReferralKey{KeyHash: keyHash, CreatedAt: time.Now().UTC()}
}

type memUsers struct{ s *memStore }

func (v memUsers) Create(_ domain.Context, u domain.User) (string, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if u.ID == "" {
		u.ID = v.s.nextID("user")
	}
	if _, taken := v.s.userIDByExt[u.ExternalID]; taken {
		return "", fmt.Errorf("op=user.create: %w", domain.ErrConflict)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	v.s.users[u.ID] = u
	v.s.userIDByExt[u.ExternalID] = u.ID
	return u.ID, nil
}

func (v memUsers) Get(_ domain.Context, id string) (domain.User, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	u, ok := v.s.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("op=user.get: %w", domain.ErrNotFound)
	}
	return u, nil
}

func (v memUsers) GetByExternalID(_ domain.Context, externalID string) (domain.User, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	id, ok := v.s.userIDByExt[externalID]
	if !ok {
		return domain.User{}, fmt.Errorf("op=user.get_by_external_id: %w", domain.ErrNotFound)
	}
	return v.s.users[id], nil
}

func (v memUsers) TouchLogin(_ domain.Context, id string, at time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	u, ok := v.s.users[id]
	if !ok {
		return fmt.Errorf("op=user.touch_login: %w", domain.ErrNotFound)
	}
	u.LastLoginAt = at
	v.s.users[id] = u
	return nil
}

type memSessions struct{ s *memStore }

func (v memSessions) Create(_ domain.Context, sess domain.Session) (string, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if sess.ID == "" {
		sess.ID = v.s.nextID("sess")
	}
	v.s.sessions[sess.ID] = sess
	v.s.sessionIDByHash[sess.TokenHash] = sess.ID
	return sess.ID, nil
}

func (v memSessions) GetByTokenHash(_ domain.Context, tokenHash string) (domain.Session, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	id, ok := v.s.sessionIDByHash[tokenHash]
	if !ok {
		return domain.Session{}, fmt.Errorf("op=session.get: %w", domain.ErrNotFound)
	}
	return v.s.sessions[id], nil
}

func (v memSessions) Extend(_ domain.Context, id string, expiresAt time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	sess, ok := v.s.sessions[id]
	if !ok {
		return fmt.Errorf("op=session.extend: %w", domain.ErrNotFound)
	}
	sess.ExpiresAt = expiresAt
	v.s.sessions[id] = sess
	return nil
}

func (v memSessions) Delete(_ domain.Context, id string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if sess, ok := v.s.sessions[id]; ok {
		delete(v.s.sessionIDByHash, sess.TokenHash)
		delete(v.s.sessions, id)
	}
	return nil
}

func (v memSessions) DeleteExpired(_ domain.Context, now time.Time) (int64, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var n int64
	for id, sess := range v.s.sessions {
		if !sess.ExpiresAt.After(now) {
			delete(v.s.sessionIDByHash, sess.TokenHash)
			delete(v.s.sessions, id)
			n++
		}
	}
	return n, nil
}

type memConversations struct{ s *memStore }

func (v memConversations) Create(_ domain.Context, c domain.Conversation) (string, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if c.ID == "" {
		c.ID = v.s.nextID("conv")
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	v.s.conversations[c.ID] = c
	return c.ID, nil
}

func (v memConversations) Get(_ domain.Context, id string) (domain.Conversation, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	c, ok := v.s.conversations[id]
	if !ok {
		return domain.Conversation{}, fmt.Errorf("op=conversation.get: %w", domain.ErrNotFound)
	}
	return c, nil
}

func (v memConversations) ListByUser(_ domain.Context, userID string) ([]domain.Conversation, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []domain.Conversation
	for _, c := range v.s.conversations {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsPinned != out[j].IsPinned {
			return out[i].IsPinned
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (v memConversations) UpdateTitle(_ domain.Context, id, title string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	c, ok := v.s.conversations[id]
	if !ok {
		return fmt.Errorf("op=conversation.update_title: %w", domain.ErrNotFound)
	}
	c.Title = title
	c.UpdatedAt = time.Now().UTC()
	v.s.conversations[id] = c
	return nil
}

func (v memConversations) SetPinned(_ domain.Context, id string, pinned bool) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	c, ok := v.s.conversations[id]
	if !ok {
		return fmt.Errorf("op=conversation.set_pinned: %w", domain.ErrNotFound)
	}
	c.IsPinned = pinned
	c.UpdatedAt = time.Now().UTC()
	v.s.conversations[id] = c
	return nil
}

func (v memConversations) Touch(_ domain.Context, id string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	c, ok := v.s.conversations[id]
	if !ok {
		return fmt.Errorf("op=conversation.touch: %w", domain.ErrNotFound)
	}
	c.UpdatedAt = time.Now().UTC()
	v.s.conversations[id] = c
	return nil
}

func (v memConversations) Delete(_ domain.Context, id string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	delete(v.s.conversations, id)
	delete(v.s.messages, id)
	kept := v.s.datasetOrder[:0]
	for _, did := range v.s.datasetOrder {
		if v.s.datasets[did].ConversationID == id {
			delete(v.s.datasets, did)
			continue
		}
		kept = append(kept, did)
	}
	v.s.datasetOrder = kept
	return nil
}

type memMessages struct{ s *memStore }

func (v memMessages) Create(_ domain.Context, m domain.Message) (string, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if m.ID == "" {
		m.ID = v.s.nextID("msg")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	v.s.messages[m.ConversationID] = append(v.s.messages[m.ConversationID], m)
	return m.ID, nil
}

func (v memMessages) ListByConversation(_ domain.Context, conversationID string) ([]domain.Message, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	msgs := v.s.messages[conversationID]
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (v memMessages) Delete(_ domain.Context, id string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for convID, msgs := range v.s.messages {
		for i, m := range msgs {
			if m.ID == id {
				v.s.messages[convID] = append(msgs[:i], msgs[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

type memDatasets struct{ s *memStore }

func (v memDatasets) Create(_ domain.Context, d domain.Dataset) (string, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if d.ID == "" {
		d.ID = v.s.nextID("ds")
	}
	v.s.datasets[d.ID] = d
	v.s.datasetOrder = append(v.s.datasetOrder, d.ID)
	return d.ID, nil
}

func (v memDatasets) Get(_ domain.Context, id string) (domain.Dataset, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	d, ok := v.s.datasets[id]
	if !ok {
		return domain.Dataset{}, fmt.Errorf("op=dataset.get: %w", domain.ErrNotFound)
	}
	return d, nil
}

func (v memDatasets) ListByConversation(_ domain.Context, conversationID string) ([]domain.Dataset, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []domain.Dataset
	for _, id := range v.s.datasetOrder {
		if d := v.s.datasets[id]; d.ConversationID == conversationID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (v memDatasets) CountByConversation(_ domain.Context, conversationID string) (int, error) {
	ds, _ := v.ListByConversation(nil, conversationID)
	return len(ds), nil
}

func (v memDatasets) URLExists(_ domain.Context, conversationID, url string) (bool, error) {
	ds, _ := v.ListByConversation(nil, conversationID)
	for _, d := range ds {
		if d.URL == url {
			return true, nil
		}
	}
	return false, nil
}

func (v memDatasets) UpdateSchema(_ domain.Context, id string, schema []domain.ColumnSchema, rowCount int64, columnCount int, fileSizeBytes int64, loadedAt time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	d, ok := v.s.datasets[id]
	if !ok {
		return fmt.Errorf("op=dataset.update_schema: %w", domain.ErrNotFound)
	}
	d.Schema = schema
	d.RowCount = rowCount
	d.ColumnCount = columnCount
	d.FileSizeBytes = fileSizeBytes
	d.LoadedAt = loadedAt
	d.Status = domain.DatasetReady
	d.ErrorMessage = ""
	v.s.datasets[id] = d
	return nil
}

func (v memDatasets) Delete(_ domain.Context, id string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	delete(v.s.datasets, id)
	for i, did := range v.s.datasetOrder {
		if did == id {
			v.s.datasetOrder = append(v.s.datasetOrder[:i], v.s.datasetOrder[i+1:]...)
			break
		}
	}
	return nil
}

type memUsage struct{ s *memStore }

func (v memUsage) Insert(_ domain.Context, u domain.TokenUsage) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}
	u.ID = int64(len(v.s.usage) + 1)
	v.s.usage = append(v.s.usage, u)
	return nil
}

func (v memUsage) WindowTotal(_ domain.Context, userID string, since time.Time) (int64, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var total int64
	for _, u := range v.s.usage {
		if u.UserID == userID && u.Timestamp.After(since) {
			total += int64(u.InputTokens + u.OutputTokens)
		}
	}
	return total, nil
}

func (v memUsage) OldestInWindow(_ domain.Context, userID string, since time.Time) (time.Time, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var oldest time.Time
	for _, u := range v.s.usage {
		if u.UserID == userID && u.Timestamp.After(since) {
			if oldest.IsZero() || u.Timestamp.Before(oldest) {
				oldest = u.Timestamp
			}
		}
	}
	return oldest, nil
}

func (v memUsage) SummarizeByModel(_ domain.Context, userID string, since time.Time) ([]domain.ModelUsage, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	agg := map[string]*domain.ModelUsage{}
	var names []string
	for _, u := range v.s.usage {
		if u.UserID != userID || !u.Timestamp.After(since) {
			continue
		}
		m, ok := agg[u.ModelName]
		if !ok {
			m = &domain.ModelUsage{ModelName: u.ModelName}
			agg[u.ModelName] = m
			names = append(names, u.ModelName)
		}
		m.InputTokens += int64(u.InputTokens)
		m.OutputTokens += int64(u.OutputTokens)
		m.Cost += u.Cost
	}
	out := make([]domain.ModelUsage, 0, len(names))
	for _, n := range names {
		out = append(out, *agg[n])
	}
	return out, nil
}

type memReferrals struct{ s *memStore }

func (v memReferrals) Create(_ domain.Context, k domain.ReferralKey) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	kc := k
	v.s.referrals[k.KeyHash] = &kc
	return nil
}

func (v memReferrals) Consume(_ domain.Context, keyHash, usedBy string, at time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	k, ok := v.s.referrals[keyHash]
	if !ok || k.UsedBy != nil {
		return fmt.Errorf("op=referral.consume: %w", domain.ErrNotFound)
	}
	k.UsedBy = &usedBy
	k.UsedAt = &at
	return nil
}

type memSettings struct{ s *memStore }

func (v memSettings) Get(_ domain.Context, userID string) (domain.UserSettings, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	st, ok := v.s.settings[userID]
	if !ok {
		return domain.UserSettings{}, fmt.Errorf("op=settings.get: %w", domain.ErrNotFound)
	}
	return st, nil
}

func (v memSettings) Upsert(_ domain.Context, st domain.UserSettings) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.settings[st.UserID] = st
	return nil
}

// poolStub fakes the sandboxed worker pool with overridable behavior.
type poolStub struct {
	validate func(url string) domain.URLValidation
	schema   func(url string) domain.SchemaResult
	run      func(sql string, datasets []domain.DatasetRef) domain.QueryResult

	mu      sync.Mutex
	queries []string
}

func (p *poolStub) ValidateURL(_ domain.Context, url string) domain.URLValidation {
	if p.validate != nil {
		return p.validate(url)
	}
	return domain.URLValidation{Valid: true, FileSizeBytes: 1024}
}

func (p *poolStub) GetSchema(_ domain.Context, url string) domain.SchemaResult {
	if p.schema != nil {
		return p.schema(url)
	}
	return domain.SchemaResult{
		Columns:  []domain.ColumnSchema{{Name: "id", Type: "INTEGER"}},
		RowCount: 10,
	}
}

func (p *poolStub) RunQuery(_ domain.Context, sql string, datasets []domain.DatasetRef) domain.QueryResult {
	p.mu.Lock()
	p.queries = append(p.queries, sql)
	p.mu.Unlock()
	if p.run != nil {
		return p.run(sql, datasets)
	}
	return domain.QueryResult{Columns: []string{"n"}, Rows: [][]any{{1}}, TotalRows: 1}
}

func (p *poolStub) Close() {}

// fixture wires the real service stack over memStore and serves the
// production route table from a live test server.
type fixture struct {
	t        *testing.T
	store    *memStore
	pool     *poolStub
	model    *stub.Client
	registry *push.Registry
	srv      *httptest.Server
}

func newFixture(t *testing.T, turns ...stub.Turn) *fixture {
	t.Helper()
	store := newMemStore()
	pool := &poolStub{}
	model := stub.New(turns...)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Config{
		AppEnv:              "test",
		CORSAllowOrigins:    "*",
		SessionDurationDays: 7,
		AIModelDefault:      "test-model",
		AIMaxTokens:         512,
		TokenLimit:          1_000_000,
		HistoryMessageCap:   50,
		HistoryTokenCap:     24_000,
		PushPingInterval:    250 * time.Millisecond,
		PushSendBuffer:      32,
	}

	registry := push.NewRegistry(cfg.PushPingInterval, cfg.PushSendBuffer, log)
	limiter := ratelimiter.New(memUsage{store}, cfg.TokenLimit, cfg.RateStatusTTL)
	qc := querycache.New(cfg.QueryCacheMemSize, time.Minute, 0, nil, log)
	counter := tokencount.NewCounter()

	auth := usecase.NewAuthService(memUsers{store}, memSessions{store}, memSettings{store},
		memReferrals{store}, nil, cfg.SessionDuration(), 0)
	conversations := usecase.NewConversationService(memConversations{store}, memMessages{store})
	settings := usecase.NewSettingsService(memSettings{store}, cfg.AIModelDefault)
	chat := usecase.NewChatService(memConversations{store}, memMessages{store}, memDatasets{store},
		settings, model, pool, registry, limiter, qc, counter, usecase.ChatConfig{
			DefaultModel:      cfg.AIModelDefault,
			MaxTokens:         cfg.AIMaxTokens,
			HistoryMessageCap: cfg.HistoryMessageCap,
			HistoryTokenCap:   cfg.HistoryTokenCap,
		})
	datasets := usecase.NewDatasetService(memDatasets{store}, memConversations{store}, pool, registry, qc)
	usage := usecase.NewUsageService(memUsage{store}, limiter)

	server := httpserver.NewServer(cfg, auth, conversations, chat, datasets, settings, usage,
		registry, nil, nil, nil)
	srv := httptest.NewServer(server.Routes())
	t.Cleanup(srv.Close)

	return &fixture{t: t, store: store, pool: pool, model: model, registry: registry, srv: srv}
}

// do sends one JSON request and returns the response with its drained body.
func (f *fixture) do(method, path, token string, body any) (*http.Response, []byte) {
	f.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(f.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(f.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(f.t, err)
	return resp, raw
}

func unmarshalInto(t *testing.T, raw []byte, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, dst), string(raw))
}

func errorCode(t *testing.T, raw []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	return env.Error.Code
}

func (f *fixture) seedReferralKey() string {
	f.t.Helper()
	key, err := usecase.GenerateToken()
	require.NoError(f.t, err)
	f.store.addReferral(usecase.HashCredential(key))
	return key
}

// newUser registers a fresh account through the API and returns a session
// token for it.
func (f *fixture) newUser(externalID string) string {
	f.t.Helper()
	resp, raw := f.do(http.MethodPost, "/v1/auth/register", "", map[string]string{
		"external_id":  externalID,
		"email":        externalID + "@example.com",
		"name":         "Test User " + externalID,
		"referral_key": f.seedReferralKey(),
	})
	require.Equal(f.t, http.StatusCreated, resp.StatusCode, string(raw))
	return f.login(externalID)
}

func (f *fixture) login(externalID string) string {
	f.t.Helper()
	resp, raw := f.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"external_id": externalID})
	require.Equal(f.t, http.StatusOK, resp.StatusCode, string(raw))
	var out struct {
		Token string `json:"token"`
	}
	unmarshalInto(f.t, raw, &out)
	require.NotEmpty(f.t, out.Token)
	return out.Token
}

func (f *fixture) createConversation(token, title string) string {
	f.t.Helper()
	resp, raw := f.do(http.MethodPost, "/v1/conversations", token, map[string]string{"title": title})
	require.Equal(f.t, http.StatusCreated, resp.StatusCode, string(raw))
	var out struct {
		Conversation struct {
			ID string `json:"id"`
		} `json:"conversation"`
	}
	unmarshalInto(f.t, raw, &out)
	require.NotEmpty(f.t, out.Conversation.ID)
	return out.Conversation.ID
}

func (f *fixture) addDataset(token, conversationID, url, name string) string {
	f.t.Helper()
	resp, raw := f.do(http.MethodPost, "/v1/conversations/"+conversationID+"/datasets", token,
		map[string]string{"url": url, "name": name})
	require.Equal(f.t, http.StatusCreated, resp.StatusCode, string(raw))
	var out struct {
		Dataset struct {
			ID string `json:"id"`
		} `json:"dataset"`
	}
	unmarshalInto(f.t, raw, &out)
	return out.Dataset.ID
}

func (f *fixture) userID(token string) string {
	f.t.Helper()
	resp, raw := f.do(http.MethodGet, "/v1/me", token, nil)
	require.Equal(f.t, http.StatusOK, resp.StatusCode, string(raw))
	var out struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	unmarshalInto(f.t, raw, &out)
	return out.User.ID
}

// wsURL converts the test server URL into the websocket dial address.
func (f *fixture) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}
