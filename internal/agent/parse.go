package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/openagentd/agentd/internal/providers"
)

var (
	xmlCallPattern = regexp.MustCompile(
		`<tool_call\s+name="([^"]+)"(?:\s+arguments='([^']*)')?\s*/?>`)
	jsonFencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
)

// extractToolCalls collects tool calls from a provider response in
// priority order: the native structured field, inline XML markers, then
// fenced JSON blocks. Calls are deduped by id; malformed inline payloads
// are ignored rather than failing the turn.
func extractToolCalls(resp *providers.CompletionResponse) []providers.ToolCall {
	var out []providers.ToolCall
	seen := map[string]bool{}

	add := func(call providers.ToolCall) {
		if call.Name == "" || seen[call.ID] {
			return
		}
		if call.Arguments == nil {
			call.Arguments = map[string]any{}
		}
		seen[call.ID] = true
		out = append(out, call)
	}

	for _, call := range resp.ToolCalls {
		if call.ID == "" {
			call.ID = fmt.Sprintf("native-%d", len(out))
		}
		add(call)
	}

	for i, m := range xmlCallPattern.FindAllStringSubmatch(resp.Content, -1) {
		args := map[string]any{}
		if m[2] != "" {
			if err := json.Unmarshal([]byte(m[2]), &args); err != nil {
				continue
			}
		}
		add(providers.ToolCall{
			ID:        fmt.Sprintf("xml-%d-%s", i, m[1]),
			Name:      m[1],
			Arguments: args,
		})
	}

	for i, m := range jsonFencePattern.FindAllStringSubmatch(resp.Content, -1) {
		var block struct {
			ID        string         `json:"id"`
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(m[1]), &block); err != nil || block.Name == "" {
			continue
		}
		id := block.ID
		if id == "" {
			id = fmt.Sprintf("json-%d-%s", i, block.Name)
		}
		add(providers.ToolCall{ID: id, Name: block.Name, Arguments: block.Arguments})
	}

	return out
}

// stripToolMarkup removes inline tool-call syntax from assistant content
// so replies shown to the user do not leak call markers.
func stripToolMarkup(content string) string {
	content = xmlCallPattern.ReplaceAllString(content, "")
	return strings.TrimSpace(content)
}
