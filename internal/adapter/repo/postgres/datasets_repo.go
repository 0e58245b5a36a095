package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// DatasetRepo persists dataset bindings. The column schema and the optional
// per-column descriptions live in jsonb; a NULL schema means the binding was
// stored before introspection finished.
type DatasetRepo struct{ Pool PgxPool }

func NewDatasetRepo(p PgxPool) *DatasetRepo { return &DatasetRepo{Pool: p} }

const datasetColumns = `id, conversation_id, url, name, row_count, column_count,
	schema_json, status, error_message, loaded_at, file_size_bytes, column_descriptions`

func (r *DatasetRepo) Create(ctx domain.Context, d domain.Dataset) (string, error) {
	tracer := otel.Tracer("repo.datasets")
	ctx, span := tracer.Start(ctx, "datasets.Create")
	defer span.End()
	span.SetAttributes(attribute.String("dataset.status", string(d.Status)))

	id := d.ID
	if id == "" {
		id = uuid.New().String()
	}
	loadedAt := d.LoadedAt
	if loadedAt.IsZero() {
		loadedAt = time.Now().UTC()
	}
	schemaJSON, err := marshalOrNull(d.Schema, len(d.Schema) > 0)
	if err != nil {
		return "", fmt.Errorf("op=dataset.create: %w", err)
	}
	descJSON, err := marshalOrNull(d.ColumnDescriptions, len(d.ColumnDescriptions) > 0)
	if err != nil {
		return "", fmt.Errorf("op=dataset.create: %w", err)
	}
	q := `INSERT INTO datasets (` + datasetColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err = r.Pool.Exec(ctx, q,
		id, d.ConversationID, d.URL, d.Name, d.RowCount, d.ColumnCount,
		schemaJSON, string(d.Status), d.ErrorMessage, loadedAt, d.FileSizeBytes, descJSON)
	if err != nil {
		return "", fmt.Errorf("op=dataset.create: %w", err)
	}
	return id, nil
}

func (r *DatasetRepo) Get(ctx domain.Context, id string) (domain.Dataset, error) {
	tracer := otel.Tracer("repo.datasets")
	ctx, span := tracer.Start(ctx, "datasets.Get")
	defer span.End()
	q := `SELECT ` + datasetColumns + ` FROM datasets WHERE id=$1`
	d, err := scanDataset(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Dataset{}, fmt.Errorf("op=dataset.get: %w", domain.ErrNotFound)
		}
		return domain.Dataset{}, fmt.Errorf("op=dataset.get: %w", err)
	}
	return d, nil
}

// ListByConversation returns bindings in binding order, oldest first.
func (r *DatasetRepo) ListByConversation(ctx domain.Context, conversationID string) ([]domain.Dataset, error) {
	tracer := otel.Tracer("repo.datasets")
	ctx, span := tracer.Start(ctx, "datasets.ListByConversation")
	defer span.End()
	q := `SELECT ` + datasetColumns + ` FROM datasets WHERE conversation_id=$1 ORDER BY loaded_at ASC`
	rows, err := r.Pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("op=dataset.list_by_conversation: %w", err)
	}
	defer rows.Close()
	var out []domain.Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("op=dataset.list_by_conversation: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=dataset.list_by_conversation: %w", err)
	}
	return out, nil
}

func (r *DatasetRepo) CountByConversation(ctx domain.Context, conversationID string) (int, error) {
	tracer := otel.Tracer("repo.datasets")
	ctx, span := tracer.Start(ctx, "datasets.CountByConversation")
	defer span.End()
	var n int
	err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM datasets WHERE conversation_id=$1`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=dataset.count_by_conversation: %w", err)
	}
	return n, nil
}

func (r *DatasetRepo) URLExists(ctx domain.Context, conversationID, url string) (bool, error) {
	tracer := otel.Tracer("repo.datasets")
	ctx, span := tracer.Start(ctx, "datasets.URLExists")
	defer span.End()
	var exists bool
	q := `SELECT EXISTS (SELECT 1 FROM datasets WHERE conversation_id=$1 AND url=$2)`
	if err := r.Pool.QueryRow(ctx, q, conversationID, url).Scan(&exists); err != nil {
		return false, fmt.Errorf("op=dataset.url_exists: %w", err)
	}
	return exists, nil
}

// UpdateSchema overwrites introspection results after a successful refresh.
// Status is left untouched.
func (r *DatasetRepo) UpdateSchema(ctx domain.Context, id string, schema []domain.ColumnSchema, rowCount int64, columnCount int, fileSizeBytes int64, loadedAt time.Time) error {
	tracer := otel.Tracer("repo.datasets")
	ctx, span := tracer.Start(ctx, "datasets.UpdateSchema")
	defer span.End()
	schemaJSON, err := marshalOrNull(schema, len(schema) > 0)
	if err != nil {
		return fmt.Errorf("op=dataset.update_schema: %w", err)
	}
	q := `UPDATE datasets SET schema_json=$2, row_count=$3, column_count=$4, file_size_bytes=$5, loaded_at=$6
		WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, schemaJSON, rowCount, columnCount, fileSizeBytes, loadedAt); err != nil {
		return fmt.Errorf("op=dataset.update_schema: %w", err)
	}
	return nil
}

func (r *DatasetRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.datasets")
	ctx, span := tracer.Start(ctx, "datasets.Delete")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM datasets WHERE id=$1`, id); err != nil {
		return fmt.Errorf("op=dataset.delete: %w", err)
	}
	return nil
}

func scanDataset(row pgx.Row) (domain.Dataset, error) {
	var (
		d          domain.Dataset
		status     string
		schemaJSON []byte
		descJSON   []byte
	)
	err := row.Scan(&d.ID, &d.ConversationID, &d.URL, &d.Name, &d.RowCount, &d.ColumnCount,
		&schemaJSON, &status, &d.ErrorMessage, &d.LoadedAt, &d.FileSizeBytes, &descJSON)
	if err != nil {
		return domain.Dataset{}, err
	}
	d.Status = domain.DatasetStatus(status)
	if len(schemaJSON) > 0 {
		if err := json.Unmarshal(schemaJSON, &d.Schema); err != nil {
			return domain.Dataset{}, fmt.Errorf("decode schema_json: %w", err)
		}
	}
	if len(descJSON) > 0 {
		if err := json.Unmarshal(descJSON, &d.ColumnDescriptions); err != nil {
			return domain.Dataset{}, fmt.Errorf("decode column_descriptions: %w", err)
		}
	}
	return d, nil
}
