package sqlrunner

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// session is one worker's private scratch database. It lives on disk so
// engine memory stays bounded by soft_heap_limit instead of growing with the
// loaded datasets.
type session struct {
	path  string
	memMB int
	db    *sql.DB
}

func newSession(dir string, id, memMB int) (*session, error) {
	s := &session{
		path:  filepath.Join(dir, fmt.Sprintf("worker-%d.db", id)),
		memMB: memMB,
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

// open removes any stale scratch file and opens a fresh single-connection
// handle. The pragmas ride on the DSN so they re-apply if the driver ever
// reopens the underlying connection.
func (s *session) open() error {
	_ = os.Remove(s.path)
	dsn := s.path + "?_pragma=journal_mode(OFF)&_pragma=synchronous(OFF)&_pragma=temp_store(FILE)&_pragma=busy_timeout(5000)"
	if s.memMB > 0 {
		dsn += fmt.Sprintf("&_pragma=soft_heap_limit(%d)", int64(s.memMB)<<20)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("op=sqlrunner.open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	s.db = db
	return nil
}

// reset clears query_only and drops every user table so the next task starts
// from a clean slate even when the previous one timed out mid-load.
func (s *session) reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA query_only(0)"); err != nil {
		return fmt.Errorf("op=sqlrunner.reset: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return fmt.Errorf("op=sqlrunner.reset: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("op=sqlrunner.reset: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("op=sqlrunner.reset: %w", err)
	}
	rows.Close()
	for _, name := range names {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
			return fmt.Errorf("op=sqlrunner.reset: drop %s: %w", name, err)
		}
	}
	return nil
}

// readOnly pins a single connection, flips it to query_only and hands it to
// fn. The flag is restored on a fresh context so a deadline inside fn cannot
// leave the connection stuck read-only.
func (s *session) readOnly(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("op=sqlrunner.readOnly: %w", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "PRAGMA query_only(1)"); err != nil {
		return fmt.Errorf("op=sqlrunner.readOnly: %w", err)
	}
	defer func() {
		restore, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.ExecContext(restore, "PRAGMA query_only(0)")
	}()
	return fn(conn)
}

// recycle rebuilds the scratch database from scratch, bounding file and cache
// growth across long worker lifetimes.
func (s *session) recycle() error {
	if s.db != nil {
		_ = s.db.Close()
	}
	return s.open()
}

func (s *session) close() {
	if s.db != nil {
		_ = s.db.Close()
	}
	_ = os.Remove(s.path)
}
