package agent

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openagentd/agentd/internal/bus"
	"github.com/openagentd/agentd/internal/events"
	"github.com/openagentd/agentd/internal/failure"
	"github.com/openagentd/agentd/internal/policy"
	"github.com/openagentd/agentd/internal/providers"
	"github.com/openagentd/agentd/internal/recovery"
	"github.com/openagentd/agentd/internal/runtime"
	"github.com/openagentd/agentd/internal/storage"
	"github.com/openagentd/agentd/internal/tools"
)

type memRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (m *memRecorder) Append(ev events.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memRecorder) byType(typ events.EventType) []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.Event
	for _, ev := range m.events {
		if ev.EventType == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (m *memRecorder) typesFor(runID string) []events.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.EventType
	for _, ev := range m.events {
		if ev.RunID == runID {
			out = append(out, ev.EventType)
		}
	}
	return out
}

type memStorage struct {
	mu       sync.Mutex
	messages map[string][]storage.StoredMessage
	nextID   int64
}

var _ storage.Backend = (*memStorage)(nil)

func newMemStorage() *memStorage {
	return &memStorage{messages: make(map[string][]storage.StoredMessage)}
}

func (m *memStorage) Initialize(ctx context.Context) error  { return nil }
func (m *memStorage) HealthCheck(ctx context.Context) error { return nil }
func (m *memStorage) Close() error                          { return nil }

func (m *memStorage) StoreMessage(ctx context.Context, sessionID, role, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.messages[sessionID] = append(m.messages[sessionID], storage.StoredMessage{
		ID: m.nextID, SessionID: sessionID, Role: role, Content: content, CreatedAt: time.Now(),
	})
	return nil
}

func (m *memStorage) GetMessages(ctx context.Context, sessionID string, limit int) ([]storage.StoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]storage.StoredMessage(nil), msgs...), nil
}

func (m *memStorage) ListSessions(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.messages))
	for id := range m.messages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

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

type harness struct {
	loop     *Loop
	bus      *bus.MessageBus
	recorder *memRecorder
	storage  *memStorage
	recovery *recovery.Manager
	registry *tools.Registry
}

func newHarness(t *testing.T, provider providers.Provider, limits Limits, toolset ...tools.Tool) *harness {
	t.Helper()
	rec := &memRecorder{}
	registry := tools.NewRegistry(tools.DefaultCallLimit())
	for _, tool := range toolset {
		registry.MustRegister(tool)
	}
	engine := policy.NewEngine(policy.DefaultConfig())
	rt := runtime.New(registry, engine, rec, nil)
	store := newMemStorage()
	rm, err := recovery.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	msgBus := bus.New(bus.Options{})
	t.Cleanup(msgBus.Close)
	loop := NewLoop(Options{
		Router:      msgBus,
		Provider:    provider,
		Runtime:     rt,
		Registry:    registry,
		Engine:      engine,
		Storage:     store,
		StorageName: "memory",
		Recorder:    rec,
		Recovery:    rm,
		Limits:      limits,
	})
	return &harness{loop: loop, bus: msgBus, recorder: rec, storage: store, recovery: rm, registry: registry}
}

func (h *harness) consumeOutbound(t *testing.T) bus.OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := h.bus.ConsumeOutbound(ctx)
	if !ok {
		t.Fatal("no outbound message")
	}
	return msg
}

func inbound(content string) bus.InboundMessage {
	return bus.InboundMessage{Channel: "cli", ChatID: "local", Content: content}
}

func TestPlainGreetingTurn(t *testing.T) {
	provider := providers.NewScriptedProvider(providers.Reply("Hi there!"))
	h := newHarness(t, provider, DefaultLimits())

	h.loop.Handle(context.Background(), inbound("hi"))

	out := h.consumeOutbound(t)
	if out.Content != "Hi there!" {
		t.Fatalf("reply = %q", out.Content)
	}

	starts := h.recorder.byType(events.RunStarted)
	completes := h.recorder.byType(events.RunCompleted)
	if len(starts) != 1 || len(completes) != 1 {
		t.Fatalf("starts=%d completes=%d", len(starts), len(completes))
	}
	if completes[0].Payload["is_error"] != false {
		t.Fatalf("is_error = %v", completes[0].Payload["is_error"])
	}
	if got := starts[0].Payload["engine"]; got != "go" {
		t.Fatalf("engine = %v", got)
	}

	// Small talk should not arm tools.
	if len(provider.Requests[0].Tools) != 0 {
		t.Fatalf("greeting armed %d tools", len(provider.Requests[0].Tools))
	}

	// Checkpoint cleared on success.
	active, err := h.recovery.ListActive(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Fatalf("%d checkpoints left after success", len(active))
	}
}

func TestReadOnlyToolPath(t *testing.T) {
	provider := providers.NewScriptedProvider(
		providers.ReplyWithTools("", providers.ToolCall{
			ID: "c1", Name: "list_dir", Arguments: map[string]any{"path": "."},
		}),
		providers.Reply("Here is the listing: a.txt"),
	)
	tool := &fixedTool{name: "list_dir", output: "a.txt"}
	h := newHarness(t, provider, DefaultLimits(), tool)

	h.loop.Handle(context.Background(), inbound("list files in ."))

	out := h.consumeOutbound(t)
	if !strings.Contains(out.Content, "Here is the listing") {
		t.Fatalf("reply = %q", out.Content)
	}
	if tool.execs != 1 {
		t.Fatalf("tool executed %d times", tool.execs)
	}

	runID := h.recorder.byType(events.RunStarted)[0].RunID
	want := []events.EventType{
		events.RunStarted, events.ToolRequested, events.ToolStarted,
		events.ToolCompleted, events.RunCompleted,
	}
	got := h.recorder.typesFor(runID)
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], want[i])
		}
	}

	req := h.recorder.byType(events.ToolRequested)[0]
	if req.Payload["execution_mode"] != "read_only" {
		t.Fatalf("execution_mode = %v", req.Payload["execution_mode"])
	}
}

func TestToolBudgetCeiling(t *testing.T) {
	provider := providers.NewScriptedProvider(
		providers.ReplyWithTools("", providers.ToolCall{
			ID: "c1", Name: "dummy_tool", Arguments: map[string]any{},
		}),
	)
	tool := &fixedTool{name: "dummy_tool", output: "ok"}
	limits := DefaultLimits()
	limits.MaxToolCallsPerMessage = 1
	h := newHarness(t, provider, limits, tool)

	h.loop.Handle(context.Background(), inbound("run the dummy tool"))

	out := h.consumeOutbound(t)
	if !strings.Contains(strings.ToLower(out.Content), "avoid excessive tool calls") {
		t.Fatalf("reply = %q", out.Content)
	}
	if tool.execs != 1 {
		t.Fatalf("tool executed %d times, want 1", tool.execs)
	}

	// The ceiling reply is part of the durable transcript.
	sessionID := h.recorder.byType(events.RunStarted)[0].SessionID
	msgs, err := h.storage.GetMessages(context.Background(), sessionID, 0)
	if err != nil {
		t.Fatal(err)
	}
	last := msgs[len(msgs)-1]
	if last.Role != "assistant" || !strings.Contains(strings.ToLower(last.Content), "avoid excessive tool calls") {
		t.Fatalf("last stored message = %+v", last)
	}
}

func TestProviderRateLimitRetryThenSuccess(t *testing.T) {
	provider := providers.NewScriptedProvider(
		providers.Fail(errors.New("429 rate limit")),
		providers.Reply("recovered"),
	)
	h := newHarness(t, provider, DefaultLimits())

	h.loop.Handle(context.Background(), inbound("hello"))

	out := h.consumeOutbound(t)
	if out.Content != "recovered" {
		t.Fatalf("reply = %q", out.Content)
	}

	failed := h.recorder.byType(events.ProviderFailed)
	if len(failed) != 1 {
		t.Fatalf("%d ProviderFailed events, want 1", len(failed))
	}
	code := failed[0].Payload["failure_code"].(string)
	if code != string(failure.RateLimited) && code != string(failure.ProviderRateLimited) {
		t.Fatalf("failure_code = %q", code)
	}
	if failed[0].Payload["retryable"] != true {
		t.Fatal("rate limit not marked retryable")
	}
	completes := h.recorder.byType(events.RunCompleted)
	if completes[0].Payload["is_error"] != false {
		t.Fatal("run marked as error despite recovery")
	}
}

func TestProviderExhaustionFailsRun(t *testing.T) {
	provider := providers.NewScriptedProvider(providers.Fail(errors.New("429 rate limit")))
	limits := DefaultLimits()
	limits.MaxRetries = 1
	h := newHarness(t, provider, limits)

	h.loop.Handle(context.Background(), inbound("hello"))

	if provider.Calls() != 2 {
		t.Fatalf("provider called %d times, want 2", provider.Calls())
	}
	completes := h.recorder.byType(events.RunCompleted)
	if len(completes) != 1 || completes[0].Payload["is_error"] != true {
		t.Fatalf("RunCompleted = %+v", completes)
	}
	out := h.consumeOutbound(t)
	if out.Content == "" {
		t.Fatal("no user-facing failure reply")
	}
}

func TestPerChatIsolation(t *testing.T) {
	provider := providers.NewScriptedProvider(providers.Reply("ok"))
	h := newHarness(t, provider, DefaultLimits())
	ctx := context.Background()

	h.loop.Handle(ctx, bus.InboundMessage{Channel: "cli", ChatID: "alice", Content: "alice secret"})
	h.loop.Handle(ctx, bus.InboundMessage{Channel: "cli", ChatID: "bob", Content: "bob secret"})

	starts := h.recorder.byType(events.RunStarted)
	if len(starts) != 2 {
		t.Fatalf("%d runs", len(starts))
	}
	if starts[0].SessionID == starts[1].SessionID {
		t.Fatal("distinct chats share a session id")
	}

	for sessionID, other := range map[string]string{
		starts[0].SessionID: "bob secret",
		starts[1].SessionID: "alice secret",
	} {
		msgs, err := h.storage.GetMessages(ctx, sessionID, 0)
		if err != nil {
			t.Fatal(err)
		}
		for _, m := range msgs {
			if strings.Contains(m.Content, other) {
				t.Fatalf("session %s contains %q", sessionID, other)
			}
		}
	}
}

func TestHistoryPersistedPerTurn(t *testing.T) {
	provider := providers.NewScriptedProvider(providers.Reply("noted"))
	h := newHarness(t, provider, DefaultLimits())
	ctx := context.Background()

	h.loop.Handle(ctx, inbound("remember the milk"))

	starts := h.recorder.byType(events.RunStarted)
	msgs, err := h.storage.GetMessages(ctx, starts[0].SessionID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("stored = %+v", msgs)
	}
}

func TestAutonomousFollowupDepthBounded(t *testing.T) {
	provider := providers.NewScriptedProvider(providers.Reply("I'll get started on that now."))
	h := newHarness(t, provider, DefaultLimits())
	ctx := context.Background()

	h.loop.Handle(ctx, inbound("please handle it"))

	followup, ok := h.bus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no followup enqueued")
	}
	if followup.Metadata["internal_autonomous_followup"] != "true" {
		t.Fatalf("metadata = %v", followup.Metadata)
	}
	if followup.Metadata["autonomous_followup_depth"] != "1" {
		t.Fatalf("depth = %q", followup.Metadata["autonomous_followup_depth"])
	}

	// Processing the followup at max depth must not spawn another.
	h.consumeOutbound(t)
	h.loop.Handle(ctx, followup)
	h.consumeOutbound(t)

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, ok := h.bus.ConsumeInbound(waitCtx); ok {
		t.Fatal("followup chained past the depth bound")
	}
}

func TestResumeRunStartedCarriesSource(t *testing.T) {
	provider := providers.NewScriptedProvider(providers.Reply("resumed fine"))
	h := newHarness(t, provider, DefaultLimits())
	ctx := context.Background()

	if err := h.recovery.Save(&recovery.RunCheckpoint{
		RunID: "run-dead", SessionID: "sess-x", Channel: "cli", ChatID: "local",
		Stage: recovery.StageToolExecuting, Iteration: 2, UserMessage: "finish the report",
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.loop.ResumeInterrupted(ctx, 0); err != nil {
		t.Fatal(err)
	}

	msg, ok := h.bus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no resume message enqueued")
	}
	h.loop.Handle(ctx, msg)

	starts := h.recorder.byType(events.RunStarted)
	if len(starts) != 1 {
		t.Fatalf("%d runs", len(starts))
	}
	if starts[0].Payload["recovery_resume_from"] != "run-dead" {
		t.Fatalf("recovery_resume_from = %v", starts[0].Payload["recovery_resume_from"])
	}
}
