package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
)

func newTestSQLite(t *testing.T) *SQLiteBackend {
	t.Helper()
	b := NewSQLite(filepath.Join(t.TempDir(), "agentd.db"))
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSQLiteRoundTrip(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	if err := b.StoreMessage(ctx, "sess-1", "user", "hello"); err != nil {
		t.Fatal(err)
	}
	if err := b.StoreMessage(ctx, "sess-1", "assistant", "hi"); err != nil {
		t.Fatal(err)
	}

	msgs, err := b.GetMessages(ctx, "sess-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "hello" {
		t.Fatalf("first = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "hi" {
		t.Fatalf("second = %+v", msgs[1])
	}
}

func TestSQLiteAscendingOrder(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := b.StoreMessage(ctx, "sess-1", "user", fmt.Sprintf("m%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	msgs, err := b.GetMessages(ctx, "sess-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	for i, m := range msgs {
		if m.Content != fmt.Sprintf("m%d", i) {
			t.Fatalf("position %d = %q", i, m.Content)
		}
		if i > 0 && msgs[i-1].ID >= m.ID {
			t.Fatalf("ids not increasing: %d then %d", msgs[i-1].ID, m.ID)
		}
	}
}

func TestSQLiteLimitKeepsNewest(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := b.StoreMessage(ctx, "sess-1", "user", fmt.Sprintf("m%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	msgs, err := b.GetMessages(ctx, "sess-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	// Newest two, still oldest-first.
	if msgs[0].Content != "m3" || msgs[1].Content != "m4" {
		t.Fatalf("kept %q, %q", msgs[0].Content, msgs[1].Content)
	}
}

func TestSQLiteSessionIsolation(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	if err := b.StoreMessage(ctx, "sess-a", "user", "alpha"); err != nil {
		t.Fatal(err)
	}
	if err := b.StoreMessage(ctx, "sess-b", "user", "beta"); err != nil {
		t.Fatal(err)
	}

	msgs, err := b.GetMessages(ctx, "sess-a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "alpha" {
		t.Fatalf("sess-a = %+v", msgs)
	}

	sessions, err := b.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 || sessions[0] != "sess-a" || sessions[1] != "sess-b" {
		t.Fatalf("sessions = %v", sessions)
	}
}

func TestSQLiteEmptySession(t *testing.T) {
	b := newTestSQLite(t)
	msgs, err := b.GetMessages(context.Background(), "no-such-session", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("got %d messages for unknown session", len(msgs))
	}
}

func TestSQLiteHealthCheck(t *testing.T) {
	b := newTestSQLite(t)
	if err := b.HealthCheck(context.Background()); err != nil {
		t.Fatal(err)
	}
	uninit := NewSQLite("unused.db")
	if err := uninit.HealthCheck(context.Background()); err == nil {
		t.Fatal("uninitialized backend passed health check")
	}
}

func TestStorageFactory(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default sqlite", Config{}, false},
		{"explicit sqlite", Config{Driver: "sqlite", Path: "x.db"}, false},
		{"postgres with dsn", Config{Driver: "postgres", DSN: "postgres://localhost/agentd"}, false},
		{"postgres without dsn", Config{Driver: "postgres"}, true},
		{"unknown driver", Config{Driver: "mysql"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
