package postgres_test

import (
	"context"
	"errors"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows over a fixed list of scan functions.
type rowsStub struct {
	scans []func(dest ...any) error
	idx   int
	err   error
}

func (r *rowsStub) Next() bool {
	if r.idx >= len(r.scans) {
		return false
	}
	r.idx++
	return true
}
func (r *rowsStub) Scan(dest ...any) error                   { return r.scans[r.idx-1](dest...) }
func (r *rowsStub) Close()                                   {}
func (r *rowsStub) Err() error                               { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag            { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Values() ([]any, error)                   { return nil, nil }
func (r *rowsStub) RawValues() [][]byte                      { return nil }
func (r *rowsStub) Conn() *pgx.Conn                          { return nil }

// poolStub implements postgres.PgxPool for tests. Each hook defaults to a
// "not configured" error so a test only wires what it exercises.
type poolStub struct {
	exec     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryRow func(ctx context.Context, sql string, args ...any) pgx.Row
	query    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (p *poolStub) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if p.exec == nil {
		return pgconn.CommandTag{}, errors.New("exec not configured")
	}
	return p.exec(ctx, sql, args...)
}

func (p *poolStub) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if p.queryRow == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.queryRow(ctx, sql, args...)
}

func (p *poolStub) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if p.query == nil {
		return nil, errors.New("query not configured")
	}
	return p.query(ctx, sql, args...)
}

// scanInto assigns vals positionally into Scan destinations. A nil val
// leaves the destination untouched.
func scanInto(dest []any, vals ...any) error {
	for i, v := range vals {
		if i >= len(dest) {
			break
		}
		if v == nil {
			continue
		}
		rv := reflect.ValueOf(dest[i]).Elem()
		rv.Set(reflect.ValueOf(v))
	}
	return nil
}

func tag(s string) pgconn.CommandTag { return pgconn.NewCommandTag(s) }
