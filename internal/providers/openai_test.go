package providers

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	if got := truncate("short", 100); got != "short" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("x", 600)
	if got := truncate(long, 500); len(got) != 503 || !strings.HasSuffix(got, "...") {
		t.Fatalf("len = %d", len(got))
	}
}

func TestTruncateKeepsRunesIntact(t *testing.T) {
	s := strings.Repeat("résumé", 10)
	for maxLen := 1; maxLen < 15; maxLen++ {
		got := truncate(s, maxLen)
		if !utf8.ValidString(got) {
			t.Fatalf("truncate(%d) split a rune: %q", maxLen, got)
		}
	}
}
