package replay

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openagentd/agentd/internal/events"
	"github.com/openagentd/agentd/internal/policy"
	"github.com/openagentd/agentd/internal/tools"
)

type fixedTool struct {
	name   string
	output string
	execs  int
}

func (f *fixedTool) Name() string               { return f.name }
func (f *fixedTool) Description() string        { return "fixed" }
func (f *fixedTool) Parameters() map[string]any { return nil }
func (f *fixedTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	f.execs++
	return tools.NewResult(f.output)
}

func openStore(t *testing.T) *events.Store {
	t.Helper()
	store, err := events.Open(filepath.Join(t.TempDir(), "events.jsonl"), false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustAppend(t *testing.T, store *events.Store, ev events.Event) {
	t.Helper()
	if err := store.Append(ev); err != nil {
		t.Fatal(err)
	}
}

func recordRun(t *testing.T, store *events.Store, runID string, extraStart map[string]any) {
	t.Helper()
	start := map[string]any{
		"channel": "cli", "chat_id": "local", "engine": "go", "engine_resolved": "go",
	}
	for k, v := range extraStart {
		start[k] = v
	}
	mustAppend(t, store, events.New(events.RunStarted, runID, "sess-1", start))
	mustAppend(t, store, events.New(events.ToolRequested, runID, "sess-1", map[string]any{
		"tool_call_id": runID + "-c1", "tool_name": "lookup",
		"arguments": map[string]any{}, "execution_mode": "read_only",
	}))
	mustAppend(t, store, events.New(events.ToolStarted, runID, "sess-1", map[string]any{
		"tool_call_id": runID + "-c1", "tool_name": "lookup",
	}))
	mustAppend(t, store, events.New(events.ToolCompleted, runID, "sess-1", map[string]any{
		"tool_call_id": runID + "-c1", "tool_name": "lookup",
		"success": true, "output": "stable output",
	}))
	mustAppend(t, store, events.New(events.RunCompleted, runID, "sess-1", map[string]any{
		"iterations": 2, "is_error": false,
	}))
}

func TestReplayRunValid(t *testing.T) {
	store := openStore(t)
	recordRun(t, store, "run-1", nil)

	report, err := NewVerifier(store).ReplayRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid {
		t.Fatalf("valid run flagged: %v", report.Errors)
	}
	if report.EventCount != 5 {
		t.Fatalf("EventCount = %d, want 5", report.EventCount)
	}
	if !report.HasStart || !report.HasEnd {
		t.Fatalf("HasStart=%v HasEnd=%v", report.HasStart, report.HasEnd)
	}
	if report.ToolRequested != 1 || report.ToolStarted != 1 || report.ToolFinished != 1 {
		t.Fatalf("tool counts = %d/%d/%d",
			report.ToolRequested, report.ToolStarted, report.ToolFinished)
	}
	if !report.DeterministicOK {
		t.Fatal("signature not stable across recomputation")
	}
	if report.Signature == "" || report.Signature != store.Signature("run-1") {
		t.Fatalf("signature mismatch: %q", report.Signature)
	}
}

func TestReplayRunFlagsDefects(t *testing.T) {
	store := openStore(t)
	mustAppend(t, store, events.New(events.ToolStarted, "run-broken", "s", map[string]any{
		"tool_call_id": "c1", "tool_name": "lookup",
	}))
	mustAppend(t, store, events.New(events.ToolFailed, "run-broken", "s", map[string]any{
		"tool_call_id": "c2", "tool_name": "lookup", "error": "x",
		"failure_code": "tool_error", "retryable": false, "failure_category": "tool",
	}))

	report, err := NewVerifier(store).ReplayRun("run-broken")
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid {
		t.Fatal("broken run passed verification")
	}
	if report.HasStart || report.HasEnd {
		t.Fatalf("HasStart=%v HasEnd=%v for a run with no markers", report.HasStart, report.HasEnd)
	}
	joined := strings.Join(report.Errors, "; ")
	for _, want := range []string{"orphan ToolStarted", "ToolFailed without ToolRequested", "RunStarted", "RunCompleted"} {
		if !strings.Contains(joined, want) {
			t.Errorf("errors %q missing %q", joined, want)
		}
	}
}

func TestReplayRunUnknown(t *testing.T) {
	store := openStore(t)
	if _, err := NewVerifier(store).ReplayRun("ghost"); err == nil {
		t.Fatal("unknown run did not error")
	}
}

func TestReexecuteMatched(t *testing.T) {
	store := openStore(t)
	recordRun(t, store, "run-1", nil)

	registry := tools.NewRegistry(tools.DefaultCallLimit())
	registry.MustRegister(&fixedTool{name: "lookup", output: "stable output"})
	engine := policy.NewEngine(policy.DefaultConfig())

	report, err := NewVerifier(store).ReexecuteRun(context.Background(), "run-1", registry, engine, false)
	if err != nil {
		t.Fatal(err)
	}
	if report.Matched != 1 || report.Mismatched != 0 {
		t.Fatalf("report = %+v", report)
	}
}

func TestReexecuteMismatchedOutput(t *testing.T) {
	store := openStore(t)
	recordRun(t, store, "run-1", nil)

	registry := tools.NewRegistry(tools.DefaultCallLimit())
	registry.MustRegister(&fixedTool{name: "lookup", output: "drifted output"})
	engine := policy.NewEngine(policy.DefaultConfig())

	report, err := NewVerifier(store).ReexecuteRun(context.Background(), "run-1", registry, engine, false)
	if err != nil {
		t.Fatal(err)
	}
	if report.Mismatched != 1 {
		t.Fatalf("report = %+v", report)
	}
	if !strings.Contains(report.Entries[0].Reason, "output hash") {
		t.Fatalf("reason = %q", report.Entries[0].Reason)
	}
}

func TestReexecuteSkipsByMode(t *testing.T) {
	store := openStore(t)
	mustAppend(t, store, events.New(events.RunStarted, "run-1", "s", map[string]any{
		"channel": "cli", "chat_id": "local", "engine": "go", "engine_resolved": "go",
	}))
	mustAppend(t, store, events.New(events.ToolRequested, "run-1", "s", map[string]any{
		"tool_call_id": "c1", "tool_name": "exec",
		"arguments": map[string]any{"command": "rm -rf /"}, "execution_mode": "elevated",
	}))
	mustAppend(t, store, events.New(events.ToolRequested, "run-1", "s", map[string]any{
		"tool_call_id": "c2", "tool_name": "write_file",
		"arguments": map[string]any{"path": "a", "content": "b"}, "execution_mode": "workspace_write",
	}))
	mustAppend(t, store, events.New(events.RunCompleted, "run-1", "s", map[string]any{
		"iterations": 1, "is_error": false,
	}))

	tool := &fixedTool{name: "exec"}
	registry := tools.NewRegistry(tools.DefaultCallLimit())
	registry.MustRegister(tool)
	engine := policy.NewEngine(policy.DefaultConfig())

	report, err := NewVerifier(store).ReexecuteRun(context.Background(), "run-1", registry, engine, false)
	if err != nil {
		t.Fatal(err)
	}
	if report.Skipped != 2 {
		t.Fatalf("report = %+v", report)
	}
	if tool.execs != 0 {
		t.Fatal("elevated tool was re-executed")
	}
}

func TestVerifyResumeEquivalence(t *testing.T) {
	store := openStore(t)
	recordRun(t, store, "run-src", nil)

	v := NewVerifier(store)
	if err := v.VerifyResumeEquivalence("run-src"); err == nil {
		t.Fatal("verification passed without a successor")
	}

	recordRun(t, store, "run-resumed", map[string]any{"recovery_resume_from": "run-src"})
	if err := v.VerifyResumeEquivalence("run-src"); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyResumeRequiresToolOverlap(t *testing.T) {
	store := openStore(t)
	recordRun(t, store, "run-src", nil)

	// Successor resumes but never touches the source's tools.
	mustAppend(t, store, events.New(events.RunStarted, "run-other", "s", map[string]any{
		"channel": "cli", "chat_id": "local", "engine": "go", "engine_resolved": "go",
		"recovery_resume_from": "run-src",
	}))
	mustAppend(t, store, events.New(events.ToolRequested, "run-other", "s", map[string]any{
		"tool_call_id": "c1", "tool_name": "web_fetch",
		"arguments": map[string]any{}, "execution_mode": "read_only",
	}))
	mustAppend(t, store, events.New(events.RunCompleted, "run-other", "s", map[string]any{
		"iterations": 1, "is_error": false,
	}))

	if err := NewVerifier(store).VerifyResumeEquivalence("run-src"); err == nil {
		t.Fatal("verification passed without tool overlap")
	}
}
