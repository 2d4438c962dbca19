package agent

import (
	"strings"
	"unicode/utf8"

	"github.com/openagentd/agentd/internal/providers"
)

var actionVerbs = []string{
	"list", "read", "write", "create", "delete", "run", "execute",
	"fetch", "download", "search", "find", "install", "open", "show",
	"check", "edit", "update", "look up", "grep", "build", "test",
}

var shellTokens = []string{"$(", "`", "./", " | ", "&&", "ls ", "cat ", "grep ", "cd "}

// shouldArmTools decides whether the provider gets the tool catalog for
// this turn. Small talk stays tool-free, which keeps prompts short and
// stops providers from hallucinating spurious calls.
func shouldArmTools(content string) bool {
	lower := strings.ToLower(content)
	if strings.Contains(lower, "http://") || strings.Contains(lower, "https://") {
		return true
	}
	for _, tok := range shellTokens {
		if strings.Contains(content, tok) {
			return true
		}
	}
	for _, verb := range actionVerbs {
		if strings.HasPrefix(lower, verb+" ") || strings.Contains(lower, " "+verb+" ") {
			return true
		}
	}
	for _, kw := range []string{"skill", "install", "search", "file", "directory", "command"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

var commitmentMarkers = []string{
	"i will ", "i'll ", "let me ", "i am going to ", "i'm going to ",
}

// wantsFollowup reports whether the final assistant content commits to
// further work in the first person without asking a question.
func wantsFollowup(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || strings.HasSuffix(trimmed, "?") {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, marker := range commitmentMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// trimHistory bounds history by message count first, then by total
// characters, dropping oldest entries and preserving relative order.
func trimHistory(history []providers.Message, maxMessages, maxChars int) []providers.Message {
	if maxMessages > 0 && len(history) > maxMessages {
		history = history[len(history)-maxMessages:]
	}
	if maxChars <= 0 {
		return history
	}
	total := 0
	for _, m := range history {
		total += len(m.Content)
	}
	start := 0
	for start < len(history)-1 && total > maxChars {
		total -= len(history[start].Content)
		start++
	}
	return history[start:]
}

// preview cuts content to at most max bytes on a rune boundary.
func preview(content string, max int) string {
	if len(content) <= max {
		return content
	}
	for max > 0 && !utf8.RuneStart(content[max]) {
		max--
	}
	return content[:max]
}
