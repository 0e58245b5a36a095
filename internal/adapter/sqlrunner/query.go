package sqlrunner

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
	"github.com/fairyhunter13/ai-data-analyst/pkg/sqltext"
)

func (p *Pool) runQuery(ctx domain.Context, s *session, sqlText string, datasets []domain.DatasetRef) domain.QueryResult {
	if s == nil {
		return domain.QueryResult{Err: &domain.TaskError{
			Type: domain.TaskErrInternal, Message: "worker has no scratch database",
		}}
	}
	if !sqltext.IsReadOnly(sqlText) {
		return domain.QueryResult{Err: &domain.TaskError{
			Type:    domain.TaskErrSQL,
			Message: "only read-only SELECT or WITH queries are allowed",
			Details: "statement starts with " + sqltext.FirstKeyword(sqlText),
		}}
	}
	for _, d := range datasets {
		if !validTableName(d.TableName) {
			return domain.QueryResult{Err: &domain.TaskError{
				Type:    domain.TaskErrValidation,
				Message: fmt.Sprintf("invalid table name %q", d.TableName),
			}}
		}
	}
	limited := sqltext.EnsureLimit(sqlText, domain.StoredRowLimit)

	if err := s.reset(ctx); err != nil {
		return domain.QueryResult{Err: p.timeoutOr(ctx, err, domain.TaskErrInternal, "resetting worker database failed")}
	}
	var available []string
	for _, d := range datasets {
		path, terr := p.fetch(ctx, d.URL)
		if terr != nil {
			return domain.QueryResult{Err: terr}
		}
		table, err := loadFile(ctx, s.db, path, d.TableName)
		if err != nil {
			return domain.QueryResult{Err: p.timeoutOr(ctx, err, domain.TaskErrValidation,
				fmt.Sprintf("loading dataset %s failed", d.TableName))}
		}
		for _, col := range table.Columns {
			available = append(available, col.Name)
		}
	}

	start := time.Now()
	var (
		cols  []string
		out   [][]any
		total int64
	)
	err := s.readOnly(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, limited)
		if err != nil {
			return err
		}
		defer rows.Close()
		if cols, err = rows.Columns(); err != nil {
			return err
		}
		for rows.Next() {
			total++
			if len(out) >= domain.StoredRowLimit {
				continue
			}
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			out = append(out, wireValues(vals))
		}
		return rows.Err()
	})
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return domain.QueryResult{ElapsedMs: elapsed, Err: p.queryTaskError(ctx, err, available)}
	}
	return domain.QueryResult{Columns: cols, Rows: out, TotalRows: total, ElapsedMs: elapsed}
}

// queryTaskError maps an engine failure to a task error: deadline expiry
// becomes a timeout, anything else is translated into a user-facing SQL
// error with the raw engine text preserved in the details.
func (p *Pool) queryTaskError(ctx domain.Context, err error, available []string) *domain.TaskError {
	if ctx.Err() == context.DeadlineExceeded {
		return &domain.TaskError{
			Type:    domain.TaskErrTimeout,
			Message: fmt.Sprintf("query exceeded the %s limit", p.cfg.TaskTimeout),
			Details: err.Error(),
		}
	}
	return &domain.TaskError{
		Type:    domain.TaskErrSQL,
		Message: p.translate.Translate(err.Error(), available),
		Details: err.Error(),
	}
}

// wireValues converts driver values to JSON-friendly ones. Byte slices become
// strings; everything else the driver returns already serializes cleanly.
func wireValues(vals []any) []any {
	for i, v := range vals {
		if b, ok := v.([]byte); ok {
			vals[i] = string(b)
		}
	}
	return vals
}
