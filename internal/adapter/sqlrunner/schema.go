package sqlrunner

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/filecache"
	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// schemaTable is the scratch name datasets are loaded under while their
// schema is inspected.
const schemaTable = "dataset"

func (p *Pool) getSchema(ctx domain.Context, s *session, rawURL string) domain.SchemaResult {
	if s == nil {
		return domain.SchemaResult{Err: &domain.TaskError{
			Type: domain.TaskErrInternal, Message: "worker has no scratch database",
		}}
	}
	path, terr := p.fetch(ctx, rawURL)
	if terr != nil {
		return domain.SchemaResult{Err: terr}
	}
	if err := s.reset(ctx); err != nil {
		return domain.SchemaResult{Err: p.timeoutOr(ctx, err, domain.TaskErrInternal, "resetting worker database failed")}
	}
	table, err := loadFile(ctx, s.db, path, schemaTable)
	if err != nil {
		return domain.SchemaResult{Err: p.timeoutOr(ctx, err, domain.TaskErrValidation, "loading dataset failed")}
	}

	var rowCount int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(table.Name)).Scan(&rowCount); err != nil {
		return domain.SchemaResult{Err: p.timeoutOr(ctx, err, domain.TaskErrInternal, "counting rows failed")}
	}
	cols := make([]domain.ColumnSchema, len(table.Columns))
	for i, col := range table.Columns {
		stats, err := columnStats(ctx, s.db, table.Name, col)
		if err != nil {
			return domain.SchemaResult{Err: p.timeoutOr(ctx, err, domain.TaskErrInternal, "computing column stats failed")}
		}
		cols[i] = domain.ColumnSchema{Name: col.Name, Type: col.Type, Stats: stats}
	}
	return domain.SchemaResult{Columns: cols, RowCount: rowCount}
}

// fetch resolves rawURL to a readable path: file URLs are served in place,
// everything else goes through the file cache. Failures map to task error
// classes.
func (p *Pool) fetch(ctx domain.Context, rawURL string) (string, *domain.TaskError) {
	if u, perr := url.Parse(rawURL); perr == nil && u.Scheme == "file" {
		return p.fetchLocal(u.Path)
	}
	path, err := p.files.Download(ctx, rawURL)
	if err == nil {
		return path, nil
	}
	if errors.Is(err, filecache.ErrTooLarge) {
		return "", &domain.TaskError{
			Type:    domain.TaskErrValidation,
			Message: fmt.Sprintf("file exceeds the %d byte limit", p.files.MaxFileBytes()),
		}
	}
	return "", p.timeoutOr(ctx, err, domain.TaskErrNetwork, "downloading dataset failed")
}

// fetchLocal admits a file URL under the same size cap the validator
// enforces, so the three capabilities agree on what a usable URL is.
func (p *Pool) fetchLocal(path string) (string, *domain.TaskError) {
	st, err := os.Stat(path)
	if err != nil {
		return "", &domain.TaskError{
			Type: domain.TaskErrValidation, Message: "local file not readable: " + err.Error(),
		}
	}
	if st.IsDir() {
		return "", &domain.TaskError{
			Type: domain.TaskErrValidation, Message: "local path is a directory",
		}
	}
	if st.Size() > p.files.MaxFileBytes() {
		return "", &domain.TaskError{
			Type:    domain.TaskErrValidation,
			Message: fmt.Sprintf("file is %d bytes, above the %d byte limit", st.Size(), p.files.MaxFileBytes()),
		}
	}
	return path, nil
}

// columnStats computes min/max for numeric columns, distinct counts for text
// columns and, when a column actually has nulls, its null count.
func columnStats(ctx domain.Context, db *sql.DB, table string, col domain.ColumnSchema) (domain.ColumnStats, error) {
	var stats domain.ColumnStats
	qt, qc := quoteIdent(table), quoteIdent(col.Name)
	switch col.Type {
	case "INTEGER", "REAL":
		var minV, maxV sql.NullFloat64
		var nulls int64
		q := fmt.Sprintf("SELECT MIN(%s), MAX(%s), COUNT(*) - COUNT(%s) FROM %s", qc, qc, qc, qt)
		if err := db.QueryRowContext(ctx, q).Scan(&minV, &maxV, &nulls); err != nil {
			return stats, fmt.Errorf("stats for %s: %w", col.Name, err)
		}
		if minV.Valid {
			stats.Min = &minV.Float64
		}
		if maxV.Valid {
			stats.Max = &maxV.Float64
		}
		if nulls > 0 {
			stats.NullCount = &nulls
		}
	default:
		var distinct, nulls int64
		q := fmt.Sprintf("SELECT COUNT(DISTINCT %s), COUNT(*) - COUNT(%s) FROM %s", qc, qc, qt)
		if err := db.QueryRowContext(ctx, q).Scan(&distinct, &nulls); err != nil {
			return stats, fmt.Errorf("stats for %s: %w", col.Name, err)
		}
		stats.UniqueCount = &distinct
		if nulls > 0 {
			stats.NullCount = &nulls
		}
	}
	return stats, nil
}
