package usecase_test

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// Hand-rolled function-field stubs for the domain ports. Unset fields fall
// back to a neutral default so each test wires only what it asserts on.

type userRepoStub struct {
	create        func(domain.User) (string, error)
	get           func(string) (domain.User, error)
	getByExternal func(string) (domain.User, error)
	touchLogin    func(string, time.Time) error
}

func (s *userRepoStub) Create(_ domain.Context, u domain.User) (string, error) {
	if s.create != nil {
		return s.create(u)
	}
	return u.ID, nil
}

func (s *userRepoStub) Get(_ domain.Context, id string) (domain.User, error) {
	if s.get != nil {
		return s.get(id)
	}
	return domain.User{}, domain.ErrNotFound
}

func (s *userRepoStub) GetByExternalID(_ domain.Context, externalID string) (domain.User, error) {
	if s.getByExternal != nil {
		return s.getByExternal(externalID)
	}
	return domain.User{}, domain.ErrNotFound
}

func (s *userRepoStub) TouchLogin(_ domain.Context, id string, at time.Time) error {
	if s.touchLogin != nil {
		return s.touchLogin(id, at)
	}
	return nil
}

type sessionRepoStub struct {
	create         func(domain.Session) (string, error)
	getByTokenHash func(string) (domain.Session, error)
	extend         func(string, time.Time) error
	del            func(string) error
	deleteExpired  func(time.Time) (int64, error)
}

func (s *sessionRepoStub) Create(_ domain.Context, sess domain.Session) (string, error) {
	if s.create != nil {
		return s.create(sess)
	}
	return sess.ID, nil
}

func (s *sessionRepoStub) GetByTokenHash(_ domain.Context, hash string) (domain.Session, error) {
	if s.getByTokenHash != nil {
		return s.getByTokenHash(hash)
	}
	return domain.Session{}, domain.ErrNotFound
}

func (s *sessionRepoStub) Extend(_ domain.Context, id string, expiresAt time.Time) error {
	if s.extend != nil {
		return s.extend(id, expiresAt)
	}
	return nil
}

func (s *sessionRepoStub) Delete(_ domain.Context, id string) error {
	if s.del != nil {
		return s.del(id)
	}
	return nil
}

func (s *sessionRepoStub) DeleteExpired(_ domain.Context, now time.Time) (int64, error) {
	if s.deleteExpired != nil {
		return s.deleteExpired(now)
	}
	return 0, nil
}

type conversationRepoStub struct {
	create      func(domain.Conversation) (string, error)
	get         func(string) (domain.Conversation, error)
	listByUser  func(string) ([]domain.Conversation, error)
	updateTitle func(string, string) error
	setPinned   func(string, bool) error
	touch       func(string) error
	del         func(string) error
}

func (s *conversationRepoStub) Create(_ domain.Context, c domain.Conversation) (string, error) {
	if s.create != nil {
		return s.create(c)
	}
	return "conv-1", nil
}

func (s *conversationRepoStub) Get(_ domain.Context, id string) (domain.Conversation, error) {
	if s.get != nil {
		return s.get(id)
	}
	return domain.Conversation{}, domain.ErrNotFound
}

func (s *conversationRepoStub) ListByUser(_ domain.Context, userID string) ([]domain.Conversation, error) {
	if s.listByUser != nil {
		return s.listByUser(userID)
	}
	return nil, nil
}

func (s *conversationRepoStub) UpdateTitle(_ domain.Context, id, title string) error {
	if s.updateTitle != nil {
		return s.updateTitle(id, title)
	}
	return nil
}

func (s *conversationRepoStub) SetPinned(_ domain.Context, id string, pinned bool) error {
	if s.setPinned != nil {
		return s.setPinned(id, pinned)
	}
	return nil
}

func (s *conversationRepoStub) Touch(_ domain.Context, id string) error {
	if s.touch != nil {
		return s.touch(id)
	}
	return nil
}

func (s *conversationRepoStub) Delete(_ domain.Context, id string) error {
	if s.del != nil {
		return s.del(id)
	}
	return nil
}

type messageRepoStub struct {
	mu      sync.Mutex
	created []domain.Message

	create func(domain.Message) (string, error)
	list   func(string) ([]domain.Message, error)
	del    func(string) error
}

func (s *messageRepoStub) Create(_ domain.Context, m domain.Message) (string, error) {
	s.mu.Lock()
	s.created = append(s.created, m)
	s.mu.Unlock()
	if s.create != nil {
		return s.create(m)
	}
	if m.ID != "" {
		return m.ID, nil
	}
	return fmt.Sprintf("msg-%d", len(s.created)), nil
}

func (s *messageRepoStub) ListByConversation(_ domain.Context, conversationID string) ([]domain.Message, error) {
	if s.list != nil {
		return s.list(conversationID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.created))
	copy(out, s.created)
	return out, nil
}

func (s *messageRepoStub) Delete(_ domain.Context, id string) error {
	if s.del != nil {
		return s.del(id)
	}
	return nil
}

func (s *messageRepoStub) all() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.created))
	copy(out, s.created)
	return out
}

type datasetRepoStub struct {
	create       func(domain.Dataset) (string, error)
	get          func(string) (domain.Dataset, error)
	list         func(string) ([]domain.Dataset, error)
	count        func(string) (int, error)
	urlExists    func(string, string) (bool, error)
	updateSchema func(id string, schema []domain.ColumnSchema, rowCount int64, columnCount int, fileSizeBytes int64, loadedAt time.Time) error
	del          func(string) error
}

func (s *datasetRepoStub) Create(_ domain.Context, d domain.Dataset) (string, error) {
	if s.create != nil {
		return s.create(d)
	}
	return "ds-1", nil
}

func (s *datasetRepoStub) Get(_ domain.Context, id string) (domain.Dataset, error) {
	if s.get != nil {
		return s.get(id)
	}
	return domain.Dataset{}, domain.ErrNotFound
}

func (s *datasetRepoStub) ListByConversation(_ domain.Context, conversationID string) ([]domain.Dataset, error) {
	if s.list != nil {
		return s.list(conversationID)
	}
	return nil, nil
}

func (s *datasetRepoStub) CountByConversation(_ domain.Context, conversationID string) (int, error) {
	if s.count != nil {
		return s.count(conversationID)
	}
	return 0, nil
}

func (s *datasetRepoStub) URLExists(_ domain.Context, conversationID, url string) (bool, error) {
	if s.urlExists != nil {
		return s.urlExists(conversationID, url)
	}
	return false, nil
}

func (s *datasetRepoStub) UpdateSchema(_ domain.Context, id string, schema []domain.ColumnSchema, rowCount int64, columnCount int, fileSizeBytes int64, loadedAt time.Time) error {
	if s.updateSchema != nil {
		return s.updateSchema(id, schema, rowCount, columnCount, fileSizeBytes, loadedAt)
	}
	return nil
}

func (s *datasetRepoStub) Delete(_ domain.Context, id string) error {
	if s.del != nil {
		return s.del(id)
	}
	return nil
}

type usageRepoStub struct {
	mu       sync.Mutex
	inserted []domain.TokenUsage

	insert    func(domain.TokenUsage) error
	total     func(string, time.Time) (int64, error)
	oldest    func(string, time.Time) (time.Time, error)
	summarize func(string, time.Time) ([]domain.ModelUsage, error)
}

func (s *usageRepoStub) Insert(_ domain.Context, u domain.TokenUsage) error {
	s.mu.Lock()
	s.inserted = append(s.inserted, u)
	s.mu.Unlock()
	if s.insert != nil {
		return s.insert(u)
	}
	return nil
}

func (s *usageRepoStub) WindowTotal(_ domain.Context, userID string, since time.Time) (int64, error) {
	if s.total != nil {
		return s.total(userID, since)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum int64
	for _, u := range s.inserted {
		sum += int64(u.InputTokens + u.OutputTokens)
	}
	return sum, nil
}

func (s *usageRepoStub) OldestInWindow(_ domain.Context, userID string, since time.Time) (time.Time, error) {
	if s.oldest != nil {
		return s.oldest(userID, since)
	}
	return time.Time{}, nil
}

func (s *usageRepoStub) SummarizeByModel(_ domain.Context, userID string, since time.Time) ([]domain.ModelUsage, error) {
	if s.summarize != nil {
		return s.summarize(userID, since)
	}
	return nil, nil
}

func (s *usageRepoStub) rows() []domain.TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TokenUsage, len(s.inserted))
	copy(out, s.inserted)
	return out
}

type referralRepoStub struct {
	create  func(domain.ReferralKey) error
	consume func(keyHash, usedBy string, at time.Time) error
}

func (s *referralRepoStub) Create(_ domain.Context, k domain.ReferralKey) error {
	if s.create != nil {
		return s.create(k)
	}
	return nil
}

func (s *referralRepoStub) Consume(_ domain.Context, keyHash, usedBy string, at time.Time) error {
	if s.consume != nil {
		return s.consume(keyHash, usedBy, at)
	}
	return nil
}

type settingsRepoStub struct {
	get    func(string) (domain.UserSettings, error)
	upsert func(domain.UserSettings) error
}

func (s *settingsRepoStub) Get(_ domain.Context, userID string) (domain.UserSettings, error) {
	if s.get != nil {
		return s.get(userID)
	}
	return domain.UserSettings{}, domain.ErrNotFound
}

func (s *settingsRepoStub) Upsert(_ domain.Context, st domain.UserSettings) error {
	if s.upsert != nil {
		return s.upsert(st)
	}
	return nil
}

type sessionCacheStub struct {
	mu      sync.Mutex
	entries map[string]string

	get func(string) (string, error)
	set func(token, userID string, ttl time.Duration) error
	del func(string) error
}

func (s *sessionCacheStub) Get(_ domain.Context, token string) (string, error) {
	if s.get != nil {
		return s.get(token)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[token]; ok {
		return id, nil
	}
	return "", domain.ErrNotFound
}

func (s *sessionCacheStub) Set(_ domain.Context, token, userID string, ttl time.Duration) error {
	if s.set != nil {
		return s.set(token, userID, ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = make(map[string]string)
	}
	s.entries[token] = userID
	return nil
}

func (s *sessionCacheStub) Delete(_ domain.Context, token string) error {
	if s.del != nil {
		return s.del(token)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, token)
	return nil
}

// workerPoolStub answers pool calls from canned results and counts RunQuery
// dispatches so cache-coherence tests can assert how often real work ran.
type workerPoolStub struct {
	mu       sync.Mutex
	queries  []string
	validate func(string) domain.URLValidation
	schema   func(string) domain.SchemaResult
	run      func(string, []domain.DatasetRef) domain.QueryResult
}

func (s *workerPoolStub) ValidateURL(_ domain.Context, url string) domain.URLValidation {
	if s.validate != nil {
		return s.validate(url)
	}
	return domain.URLValidation{Valid: true, FileSizeBytes: 1024}
}

func (s *workerPoolStub) GetSchema(_ domain.Context, url string) domain.SchemaResult {
	if s.schema != nil {
		return s.schema(url)
	}
	return domain.SchemaResult{
		Columns:  []domain.ColumnSchema{{Name: "id", Type: "INTEGER"}},
		RowCount: 10,
	}
}

func (s *workerPoolStub) RunQuery(_ domain.Context, sql string, datasets []domain.DatasetRef) domain.QueryResult {
	s.mu.Lock()
	s.queries = append(s.queries, sql)
	s.mu.Unlock()
	if s.run != nil {
		return s.run(sql, datasets)
	}
	return domain.QueryResult{
		Columns:   []string{"n"},
		Rows:      [][]any{{int64(1)}},
		TotalRows: 1,
		ElapsedMs: 2,
	}
}

func (s *workerPoolStub) Close() {}

func (s *workerPoolStub) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

// pushStub records every event pushed per principal.
type pushStub struct {
	mu     sync.Mutex
	events []domain.PushEvent
}

func (s *pushStub) SendToPrincipal(_ string, event domain.PushEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *pushStub) all() []domain.PushEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PushEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *pushStub) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType())
	}
	return out
}

func (s *pushStub) firstOf(eventType string) (domain.PushEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.EventType() == eventType {
			return e, true
		}
	}
	return nil, false
}

func (s *pushStub) countOf(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.EventType() == eventType {
			n++
		}
	}
	return n
}

// modelStub plays scripted turns in order. Each script entry may emit tokens
// through onToken before returning its turn.
type modelStub struct {
	mu    sync.Mutex
	calls []domain.ModelRequest
	turns []func(domain.Context, domain.ModelRequest, func(string)) (domain.ModelTurn, error)
}

func (s *modelStub) StreamTurn(ctx domain.Context, req domain.ModelRequest, onToken func(string)) (domain.ModelTurn, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	idx := len(s.calls) - 1
	s.mu.Unlock()
	if idx < len(s.turns) {
		return s.turns[idx](ctx, req, onToken)
	}
	return domain.ModelTurn{FinishReason: "stop"}, nil
}

func (s *modelStub) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *modelStub) call(i int) domain.ModelRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

// speak is a script entry that streams the text word-for-word and finishes.
func speak(text string, in, out int) func(domain.Context, domain.ModelRequest, func(string)) (domain.ModelTurn, error) {
	return func(_ domain.Context, _ domain.ModelRequest, onToken func(string)) (domain.ModelTurn, error) {
		for _, tok := range splitTokens(text) {
			onToken(tok)
		}
		return domain.ModelTurn{Content: text, InputTokens: in, OutputTokens: out, FinishReason: "stop"}, nil
	}
}

// callTool is a script entry that requests one execute_sql call.
func callTool(id, sql string, in, out int) func(domain.Context, domain.ModelRequest, func(string)) (domain.ModelTurn, error) {
	return func(_ domain.Context, _ domain.ModelRequest, _ func(string)) (domain.ModelTurn, error) {
		return domain.ModelTurn{
			ToolCalls: []domain.ToolCall{{
				ID:        id,
				Name:      "execute_sql",
				Arguments: fmt.Sprintf(`{"sql": %q}`, sql),
			}},
			InputTokens:  in,
			OutputTokens: out,
			FinishReason: "tool_calls",
		}, nil
	}
}

func splitTokens(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if r == ' ' {
			out = append(out, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
