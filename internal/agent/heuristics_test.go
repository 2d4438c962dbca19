package agent

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/openagentd/agentd/internal/providers"
)

func TestShouldArmTools(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"hi", false},
		{"how are you?", false},
		{"thanks, that was helpful", false},
		{"list the files in the workspace", true},
		{"read main.go and summarize it", true},
		{"fetch https://example.com/readme", true},
		{"run ls -la", true},
		{"what does this command do: cat /etc/hosts", true},
		{"is there a config file somewhere?", true},
		{"echo hello && rm -rf /tmp/x", true},
	}
	for _, tt := range tests {
		if got := shouldArmTools(tt.content); got != tt.want {
			t.Errorf("shouldArmTools(%q) = %v, want %v", tt.content, got, tt.want)
		}
	}
}

func TestWantsFollowup(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"I'll start by reading the config.", true},
		{"Let me dig into the logs next.", true},
		{"I am going to refactor the parser now", true},
		{"Done! The file is updated.", false},
		{"Should I also update the tests?", false},
		{"I'll do that, shall I?", false},
		{"", false},
		{"   ", false},
	}
	for _, tt := range tests {
		if got := wantsFollowup(tt.content); got != tt.want {
			t.Errorf("wantsFollowup(%q) = %v, want %v", tt.content, got, tt.want)
		}
	}
}

func msgOf(role, content string) providers.Message {
	return providers.Message{Role: role, Content: content}
}

func TestTrimHistoryByCount(t *testing.T) {
	history := []providers.Message{
		msgOf("user", "one"), msgOf("assistant", "two"),
		msgOf("user", "three"), msgOf("assistant", "four"),
	}
	got := trimHistory(history, 2, 0)
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].Content != "three" || got[1].Content != "four" {
		t.Fatalf("kept %q, %q; want newest two", got[0].Content, got[1].Content)
	}
}

func TestTrimHistoryByChars(t *testing.T) {
	history := []providers.Message{
		msgOf("user", strings.Repeat("a", 100)),
		msgOf("assistant", strings.Repeat("b", 100)),
		msgOf("user", strings.Repeat("c", 100)),
	}
	got := trimHistory(history, 0, 250)
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	// Oldest entries drop first.
	if got[0].Content[0] != 'b' || got[1].Content[0] != 'c' {
		t.Fatalf("kept %c, %c", got[0].Content[0], got[1].Content[0])
	}
}

func TestTrimHistoryKeepsLastMessage(t *testing.T) {
	history := []providers.Message{msgOf("user", strings.Repeat("x", 5000))}
	got := trimHistory(history, 10, 100)
	if len(got) != 1 {
		t.Fatal("latest message must survive trimming")
	}
}

func TestPreview(t *testing.T) {
	if got := preview("short", 200); got != "short" {
		t.Fatalf("got %q", got)
	}
	if got := preview(strings.Repeat("y", 300), 200); len(got) != 200 {
		t.Fatalf("len = %d", len(got))
	}
}

func TestPreviewKeepsRunesIntact(t *testing.T) {
	// Each character is multi-byte; cuts must land on rune boundaries.
	s := strings.Repeat("日本語", 20)
	for max := 1; max < 12; max++ {
		got := preview(s, max)
		if !utf8.ValidString(got) {
			t.Fatalf("preview(%d) split a rune: %q", max, got)
		}
		if len(got) > max {
			t.Fatalf("preview(%d) returned %d bytes", max, len(got))
		}
	}
}
