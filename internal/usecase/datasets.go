package usecase

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/querycache"
	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// DatasetService binds remote tabular files to conversations. The load
// pipeline validates before it persists, so only bindings that passed
// download, sniffing and introspection reach the table with status ready.
type DatasetService struct {
	Datasets      domain.DatasetRepository
	Conversations domain.ConversationRepository
	Pool          domain.WorkerPool
	Push          domain.PushSender
	QueryCache    *querycache.Cache
}

func NewDatasetService(d domain.DatasetRepository, c domain.ConversationRepository,
	pool domain.WorkerPool, push domain.PushSender, qc *querycache.Cache) DatasetService {
	return DatasetService{Datasets: d, Conversations: c, Pool: pool, Push: push, QueryCache: qc}
}

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// ValidateURLFormat rejects anything that is not a plain http(s) URL before
// the worker pool spends a task on it.
func (s DatasetService) ValidateURLFormat(raw string) error {
	if raw == "" || strings.ContainsAny(raw, " \t\r\n") {
		return fmt.Errorf("op=dataset.validate_url_format: %w: Invalid URL format", domain.ErrInvalidArgument)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("op=dataset.validate_url_format: %w: Invalid URL format", domain.ErrInvalidArgument)
	}
	return nil
}

// AddDataset runs the six-step load pipeline: format check, duplicate-URL
// reject, binding-cap reject, worker validation, schema introspection,
// persist as ready. dataset_loading precedes the worker steps and
// dataset_loaded or dataset_error follows them.
func (s DatasetService) AddDataset(ctx domain.Context, conversationID, rawURL, name string) (domain.Dataset, error) {
	tracer := otel.Tracer("usecase.datasets")
	ctx, span := tracer.Start(ctx, "datasets.AddDataset")
	defer span.End()
	span.SetAttributes(attribute.String("conversation_id", conversationID))

	conv, err := s.Conversations.Get(ctx, conversationID)
	if err != nil {
		return domain.Dataset{}, err
	}
	if err := s.ValidateURLFormat(rawURL); err != nil {
		return domain.Dataset{}, err
	}
	exists, err := s.Datasets.URLExists(ctx, conversationID, rawURL)
	if err != nil {
		return domain.Dataset{}, err
	}
	if exists {
		return domain.Dataset{}, fmt.Errorf("op=dataset.add: %w: URL already added to this conversation", domain.ErrConflict)
	}
	count, err := s.Datasets.CountByConversation(ctx, conversationID)
	if err != nil {
		return domain.Dataset{}, err
	}
	if count >= domain.MaxDatasetsPerConversation {
		return domain.Dataset{}, fmt.Errorf("op=dataset.add: %w: conversation already has %d datasets",
			domain.ErrInvalidArgument, domain.MaxDatasetsPerConversation)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = fmt.Sprintf("table%d", count+1)
	}
	if !tableNameRe.MatchString(name) {
		return domain.Dataset{}, fmt.Errorf("op=dataset.add: %w: %q is not a valid table name", domain.ErrInvalidArgument, name)
	}
	if err := s.nameFree(ctx, conversationID, name); err != nil {
		return domain.Dataset{}, err
	}

	pending := domain.Dataset{
		ConversationID: conversationID,
		URL:            rawURL,
		Name:           name,
		Status:         domain.DatasetLoading,
	}
	s.push(conv.UserID, domain.DatasetLoadingEvent{DatasetPayload: payloadFor(pending)})

	validation := s.Pool.ValidateURL(ctx, rawURL)
	if validation.Err != nil || !validation.Valid {
		return domain.Dataset{}, s.fail(conv.UserID, pending, validation.Err)
	}
	schema := s.Pool.GetSchema(ctx, rawURL)
	if schema.Err != nil {
		return domain.Dataset{}, s.fail(conv.UserID, pending, schema.Err)
	}

	d := domain.Dataset{
		ConversationID: conversationID,
		URL:            rawURL,
		Name:           name,
		RowCount:       schema.RowCount,
		ColumnCount:    len(schema.Columns),
		Schema:         schema.Columns,
		Status:         domain.DatasetReady,
		LoadedAt:       time.Now().UTC(),
		FileSizeBytes:  validation.FileSizeBytes,
	}
	id, err := s.Datasets.Create(ctx, d)
	if err != nil {
		return domain.Dataset{}, err
	}
	d.ID = id
	if err := s.Conversations.Touch(ctx, conversationID); err != nil {
		return domain.Dataset{}, err
	}
	s.push(conv.UserID, domain.DatasetLoadedEvent{DatasetPayload: payloadFor(d)})
	return d, nil
}

// RemoveDataset deletes a binding. Absent ids are a no-op.
func (s DatasetService) RemoveDataset(ctx domain.Context, datasetID string) error {
	tracer := otel.Tracer("usecase.datasets")
	ctx, span := tracer.Start(ctx, "datasets.RemoveDataset")
	defer span.End()

	d, err := s.Datasets.Get(ctx, datasetID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := s.Datasets.Delete(ctx, datasetID); err != nil {
		return err
	}
	return s.Conversations.Touch(ctx, d.ConversationID)
}

// RefreshSchema re-introspects the stored URL. Counts, schema and loaded_at
// change only when the whole refresh succeeds; cached query results are
// purged because the data behind them may have moved.
func (s DatasetService) RefreshSchema(ctx domain.Context, datasetID string) (domain.Dataset, error) {
	tracer := otel.Tracer("usecase.datasets")
	ctx, span := tracer.Start(ctx, "datasets.RefreshSchema")
	defer span.End()

	d, err := s.Datasets.Get(ctx, datasetID)
	if err != nil {
		return domain.Dataset{}, err
	}
	conv, err := s.Conversations.Get(ctx, d.ConversationID)
	if err != nil {
		return domain.Dataset{}, err
	}
	s.push(conv.UserID, domain.DatasetLoadingEvent{DatasetPayload: payloadFor(d)})

	validation := s.Pool.ValidateURL(ctx, d.URL)
	if validation.Err != nil || !validation.Valid {
		return domain.Dataset{}, s.fail(conv.UserID, d, validation.Err)
	}
	schema := s.Pool.GetSchema(ctx, d.URL)
	if schema.Err != nil {
		return domain.Dataset{}, s.fail(conv.UserID, d, schema.Err)
	}

	loadedAt := time.Now().UTC()
	err = s.Datasets.UpdateSchema(ctx, datasetID, schema.Columns, schema.RowCount, len(schema.Columns), validation.FileSizeBytes, loadedAt)
	if err != nil {
		return domain.Dataset{}, err
	}
	if err := s.Conversations.Touch(ctx, d.ConversationID); err != nil {
		return domain.Dataset{}, err
	}
	if s.QueryCache != nil {
		s.QueryCache.Purge()
	}
	d.Schema = schema.Columns
	d.RowCount = schema.RowCount
	d.ColumnCount = len(schema.Columns)
	d.FileSizeBytes = validation.FileSizeBytes
	d.LoadedAt = loadedAt
	s.push(conv.UserID, domain.DatasetLoadedEvent{DatasetPayload: payloadFor(d)})
	return d, nil
}

func (s DatasetService) ListDatasets(ctx domain.Context, conversationID string) ([]domain.Dataset, error) {
	return s.Datasets.ListByConversation(ctx, conversationID)
}

// Dataset loads one binding; handlers use it to walk ownership.
func (s DatasetService) Dataset(ctx domain.Context, datasetID string) (domain.Dataset, error) {
	return s.Datasets.Get(ctx, datasetID)
}

func (s DatasetService) nameFree(ctx domain.Context, conversationID, name string) error {
	existing, err := s.Datasets.ListByConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, d := range existing {
		if strings.EqualFold(d.Name, name) {
			return fmt.Errorf("op=dataset.add: %w: table name %q already in use", domain.ErrConflict, name)
		}
	}
	return nil
}

// fail pushes dataset_error and converts the task error into the caller's
// error. Nil task errors (validation returned not-valid without a reason)
// still produce a generic message.
func (s DatasetService) fail(principalID string, d domain.Dataset, terr *domain.TaskError) error {
	msg := "dataset could not be loaded"
	if terr != nil && terr.Message != "" {
		msg = terr.Message
	}
	d.Status = domain.DatasetError
	d.ErrorMessage = msg
	s.push(principalID, domain.DatasetErrorEvent{DatasetPayload: payloadFor(d)})
	return fmt.Errorf("op=dataset.load: %w: %s", domain.ErrInvalidArgument, msg)
}

func (s DatasetService) push(principalID string, event domain.PushEvent) {
	if s.Push != nil {
		s.Push.SendToPrincipal(principalID, event)
	}
}

func payloadFor(d domain.Dataset) domain.DatasetPayload {
	return domain.DatasetPayload{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		URL:            d.URL,
		Name:           d.Name,
		RowCount:       d.RowCount,
		ColumnCount:    d.ColumnCount,
		Schema:         d.Schema,
		Status:         d.Status,
		ErrorMessage:   d.ErrorMessage,
	}
}
