package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
)

// SQLiteStore persists audit entries in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	max int
}

// NewSQLiteStore opens (or creates) the database at dsn and ensures the
// schema exists. At most max entries are retained.
func NewSQLiteStore(dsn string, max int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", dsn, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping sqlite %s: %w", dsn, err)
	}

	s := &SQLiteStore{db: db, max: max}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	query := `
    CREATE TABLE IF NOT EXISTS request_log (
        id TEXT PRIMARY KEY,
        method TEXT NOT NULL,
        path TEXT NOT NULL,
        status INTEGER NOT NULL,
        duration_ms INTEGER NOT NULL,
        bytes_out INTEGER NOT NULL,
        remote_ip TEXT NOT NULL,
        created_at INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_request_log_created_at ON request_log(created_at);`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("store: create request_log table: %w", err)
	}
	return nil
}

// Record inserts an entry and prunes rows beyond the retention cap.
func (s *SQLiteStore) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log (id, method, path, status, duration_ms, bytes_out, remote_ip, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Method, e.Path, e.Status, e.DurationMs, e.BytesOut, e.RemoteIP, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: insert entry: %w", err)
	}

	if s.max > 0 {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM request_log WHERE id NOT IN
             (SELECT id FROM request_log ORDER BY created_at DESC, id DESC LIMIT ?)`,
			s.max,
		)
		if err != nil {
			return fmt.Errorf("store: prune entries: %w", err)
		}
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > s.max {
		limit = s.max
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, method, path, status, duration_ms, bytes_out, remote_ip, created_at
         FROM request_log ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Method, &e.Path, &e.Status, &e.DurationMs, &e.BytesOut, &e.RemoteIP, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan entry: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate entries: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
