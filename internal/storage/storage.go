package storage

import (
	"context"
	"fmt"
	"time"
)

// StoredMessage is one persisted conversation turn.
type StoredMessage struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Backend is the durable per-session message log. GetMessages returns
// entries in chronologically ascending order (oldest first), tiebroken
// by insertion id so replay order is stable across restarts.
type Backend interface {
	Initialize(ctx context.Context) error
	StoreMessage(ctx context.Context, sessionID, role, content string) error
	GetMessages(ctx context.Context, sessionID string, limit int) ([]StoredMessage, error)
	ListSessions(ctx context.Context) ([]string, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	// Driver is "sqlite" or "postgres".
	Driver string `json:"driver"`
	// Path is the database file for the sqlite backend.
	Path string `json:"path"`
	// DSN is the connection string for the postgres backend.
	DSN string `json:"dsn"`
}

// New constructs the configured backend. Callers must Initialize it
// before use.
func New(cfg Config) (Backend, error) {
	switch cfg.Driver {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = "agentd.db"
		}
		return NewSQLite(path), nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres backend requires a dsn")
		}
		return NewPostgres(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
