package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    role       TEXT NOT NULL,
    content    TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at, id);
`

// SQLiteBackend stores messages in an embedded single-file database.
type SQLiteBackend struct {
	path string
	db   *sql.DB
}

func NewSQLite(path string) *SQLiteBackend {
	return &SQLiteBackend{path: path}
}

func (s *SQLiteBackend) Initialize(ctx context.Context) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("open sqlite %s: %w", s.path, err)
	}
	// The driver serializes writes itself but a single connection keeps
	// SQLITE_BUSY out of the picture under concurrent sessions.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	s.db = db
	return nil
}

func (s *SQLiteBackend) StoreMessage(ctx context.Context, sessionID, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content) VALUES (?, ?, ?)`,
		sessionID, role, content)
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) GetMessages(ctx context.Context, sessionID string, limit int) ([]StoredMessage, error) {
	query := `SELECT id, session_id, role, content, created_at
	          FROM messages WHERE session_id = ?
	          ORDER BY created_at ASC, id ASC`
	args := []any{sessionID}
	if limit > 0 {
		// Keep the newest N while preserving ascending output order.
		query = `SELECT id, session_id, role, content, created_at FROM (
		             SELECT id, session_id, role, content, created_at
		             FROM messages WHERE session_id = ?
		             ORDER BY created_at DESC, id DESC LIMIT ?
		         ) ORDER BY created_at ASC, id ASC`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteBackend) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT session_id FROM messages ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteBackend) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("sqlite backend not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteBackend) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanMessages(rows *sql.Rows) ([]StoredMessage, error) {
	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
