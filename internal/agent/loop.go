package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/openagentd/agentd/internal/bus"
	"github.com/openagentd/agentd/internal/events"
	"github.com/openagentd/agentd/internal/failure"
	"github.com/openagentd/agentd/internal/policy"
	"github.com/openagentd/agentd/internal/providers"
	"github.com/openagentd/agentd/internal/recovery"
	"github.com/openagentd/agentd/internal/runtime"
	"github.com/openagentd/agentd/internal/sessions"
	"github.com/openagentd/agentd/internal/storage"
	"github.com/openagentd/agentd/internal/tools"
)

const (
	engineName = "go"

	toolBudgetReply = "I stopped early to avoid excessive tool calls. Please split the request into smaller steps."
	iterationReply  = "I could not finish within the iteration limit. Please try a narrower request."
)

// Limits bounds one turn. A snapshot is taken per turn so hot config
// reloads affect only new turns.
type Limits struct {
	MaxIterations          int
	MaxToolCallsPerMessage int
	MaxRetries             int
	HistoryMaxMessages     int
	HistoryMaxChars        int
	MaxFollowupDepth       int
	RunTimeout             time.Duration
	ToolTimeoutSeconds     int
}

func DefaultLimits() Limits {
	return Limits{
		MaxIterations:          10,
		MaxToolCallsPerMessage: 20,
		MaxRetries:             2,
		HistoryMaxMessages:     200,
		HistoryMaxChars:        200000,
		MaxFollowupDepth:       1,
		ToolTimeoutSeconds:     60,
	}
}

// Recorder receives run events. *events.Store satisfies it.
type Recorder interface {
	Append(ev events.Event) error
}

// Options wires the loop's collaborators.
type Options struct {
	Router       bus.MessageRouter
	Provider     providers.Provider
	Runtime      *runtime.Runtime
	Registry     *tools.Registry
	Engine       *policy.Engine
	Storage      storage.Backend
	StorageName  string
	Recorder     Recorder
	Recovery     *recovery.Manager
	Limits       Limits
	SystemPrompt string
	// RequestsPerMinute paces provider calls across all chats. Zero
	// disables pacing.
	RequestsPerMinute float64
	Logger            *slog.Logger
}

// conversation is the per-chat state. Its mutex serializes turns for
// one chat while distinct chats proceed in parallel.
type conversation struct {
	mu      sync.Mutex
	session sessions.Session
	history []providers.Message
	loaded  bool
}

// Loop consumes inbound messages and drives one turn per message
// through provider calls and tool execution.
type Loop struct {
	router       bus.MessageRouter
	provider     providers.Provider
	runtime      *runtime.Runtime
	registry     *tools.Registry
	engine       *policy.Engine
	storage      storage.Backend
	storageName  string
	recorder     Recorder
	recovery     *recovery.Manager
	systemPrompt string
	pacer        *rate.Limiter
	logger       *slog.Logger

	limits atomic.Pointer[Limits]

	mu    sync.Mutex
	chats map[string]*conversation

	wg sync.WaitGroup
}

func NewLoop(opts Options) *Loop {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Limits.MaxIterations <= 0 {
		opts.Limits = DefaultLimits()
	}
	var pacer *rate.Limiter
	if opts.RequestsPerMinute > 0 {
		pacer = rate.NewLimiter(rate.Limit(opts.RequestsPerMinute/60.0), 1)
	}
	l := &Loop{
		router:       opts.Router,
		provider:     opts.Provider,
		runtime:      opts.Runtime,
		registry:     opts.Registry,
		engine:       opts.Engine,
		storage:      opts.Storage,
		storageName:  opts.StorageName,
		recorder:     opts.Recorder,
		recovery:     opts.Recovery,
		systemPrompt: opts.SystemPrompt,
		pacer:        pacer,
		logger:       opts.Logger,
		chats:        make(map[string]*conversation),
	}
	limits := opts.Limits
	l.limits.Store(&limits)
	return l
}

// SetLimits swaps the limit snapshot used by new turns.
func (l *Loop) SetLimits(limits Limits) {
	l.limits.Store(&limits)
}

// Run consumes inbound messages until ctx is cancelled, then waits for
// in-flight turns to finish.
func (l *Loop) Run(ctx context.Context) {
	for {
		msg, ok := l.router.ConsumeInbound(ctx)
		if !ok {
			l.wg.Wait()
			return
		}
		l.wg.Add(1)
		go func(msg bus.InboundMessage) {
			defer l.wg.Done()
			l.Handle(ctx, msg)
		}(msg)
	}
}

func (l *Loop) conversation(channel, chatID string) *conversation {
	key := sessions.Key(channel, chatID)
	l.mu.Lock()
	defer l.mu.Unlock()
	conv, ok := l.chats[key]
	if !ok {
		conv = &conversation{session: sessions.New(channel, chatID)}
		l.chats[key] = conv
	}
	return conv
}

// Handle runs one full turn for msg, serialized with other turns on the
// same chat.
func (l *Loop) Handle(ctx context.Context, msg bus.InboundMessage) {
	conv := l.conversation(msg.Channel, msg.ChatID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	limits := *l.limits.Load()
	if limits.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limits.RunTimeout)
		defer cancel()
	}

	if !conv.loaded {
		l.loadHistory(ctx, conv)
	}

	l.turn(ctx, conv, msg, limits)
}

// loadHistory rebuilds in-memory history from storage after a restart.
func (l *Loop) loadHistory(ctx context.Context, conv *conversation) {
	conv.loaded = true
	limits := *l.limits.Load()
	stored, err := l.storage.GetMessages(ctx, conv.session.ID, limits.HistoryMaxMessages)
	if err != nil {
		l.recordStorageFailure("history", err)
		return
	}
	for _, m := range stored {
		conv.history = append(conv.history, providers.Message{Role: m.Role, Content: m.Content})
	}
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "run-" + uuid.NewString()
	}
	return "run-" + id.String()
}

func (l *Loop) turn(ctx context.Context, conv *conversation, msg bus.InboundMessage, limits Limits) {
	runID := newRunID()
	session := conv.session
	logger := l.logger.With("run_id", runID, "channel", msg.Channel, "chat_id", msg.ChatID)

	startPayload := map[string]any{
		"channel":         msg.Channel,
		"chat_id":         msg.ChatID,
		"engine":          engineName,
		"engine_resolved": engineName,
	}
	if msg.Metadata["recovery_resume"] == "true" {
		startPayload["recovery_resume_from"] = msg.Metadata["recovery_run_id"]
	}
	l.record(events.New(events.RunStarted, runID, session.ID, startPayload))

	cp := &recovery.RunCheckpoint{
		RunID:       runID,
		SessionID:   session.ID,
		Channel:     msg.Channel,
		ChatID:      msg.ChatID,
		Stage:       recovery.StageReceived,
		UserMessage: msg.Content,
		ToolStats:   map[string]int{},
	}
	l.checkpoint(cp)

	conv.history = append(conv.history, providers.Message{Role: "user", Content: msg.Content})
	if err := l.storage.StoreMessage(ctx, session.ID, "user", msg.Content); err != nil {
		l.recordStorageFailure("user", err)
	}

	var toolDefs []providers.ToolDefinition
	if shouldArmTools(msg.Content) {
		toolDefs = l.registry.ProviderDefs()
	}

	reply, iterations, isErr := l.iterate(ctx, conv, cp, toolDefs, limits, logger)

	l.record(events.New(events.RunCompleted, runID, session.ID, map[string]any{
		"iterations":       iterations,
		"is_error":         isErr,
		"response_preview": preview(reply, 200),
	}))

	if !isErr {
		if err := l.recovery.MarkCompleted(runID); err != nil {
			logger.Warn("checkpoint cleanup failed", "error", err)
		}
	}

	if reply != "" {
		out := bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: reply}
		if err := l.router.PublishOutbound(ctx, out); err != nil {
			logger.Warn("outbound publish failed", "error", err)
		}
	}

	l.maybeFollowup(ctx, msg, reply, limits, logger)
}

// iterate runs the provider/tool cycle and returns the final reply, the
// iteration count, and whether the turn failed.
func (l *Loop) iterate(ctx context.Context, conv *conversation, cp *recovery.RunCheckpoint, toolDefs []providers.ToolDefinition, limits Limits, logger *slog.Logger) (string, int, bool) {
	session := conv.session
	runID := cp.RunID
	toolCalls := 0

	for iteration := 1; iteration <= limits.MaxIterations; iteration++ {
		cp.Stage = recovery.StageReasoning
		cp.Iteration = iteration
		l.checkpoint(cp)

		trimmed := trimHistory(conv.history, limits.HistoryMaxMessages, limits.HistoryMaxChars)
		messages := make([]providers.Message, 0, len(trimmed)+1)
		if l.systemPrompt != "" {
			messages = append(messages, providers.Message{Role: "system", Content: l.systemPrompt})
		}
		messages = append(messages, trimmed...)

		resp, err := l.complete(ctx, providers.CompletionRequest{
			Messages: messages,
			Tools:    toolDefs,
		}, runID, session.ID, limits, logger)
		if err != nil {
			return "I hit a problem talking to the language model and could not finish. Please try again shortly.", iteration, true
		}

		calls := extractToolCalls(resp)
		if len(calls) == 0 {
			content := stripToolMarkup(resp.Content)
			l.recordReply(ctx, conv, cp, content)
			return content, iteration, false
		}

		conv.history = append(conv.history, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: calls,
		})

		cp.Stage = recovery.StageToolExecuting
		l.checkpoint(cp)

		for _, call := range calls {
			toolCalls++
			if toolCalls > limits.MaxToolCallsPerMessage {
				l.recordReply(ctx, conv, cp, toolBudgetReply)
				return toolBudgetReply, iteration, false
			}
			cp.ToolStats[call.Name]++
			l.checkpoint(cp)

			env := &runtime.Envelope{
				RunID:          runID,
				SessionID:      session.ID,
				ToolCallID:     call.ID,
				ToolName:       call.Name,
				Arguments:      call.Arguments,
				ExecutionMode:  l.engine.InferMode(call.Name, call.Arguments),
				TimeoutSeconds: limits.ToolTimeoutSeconds,
				MaxRetries:     limits.MaxRetries,
				RequestedAt:    time.Now().UTC(),
			}
			result, err := l.runtime.Execute(ctx, env)
			if err != nil {
				logger.Error("tool pipeline failed", "tool", call.Name, "error", err)
				result = tools.ErrorResult(err.Error())
			}
			content := result.ForLLM()
			conv.history = append(conv.history, providers.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    content,
			})
		}
	}
	l.recordReply(ctx, conv, cp, iterationReply)
	return iterationReply, limits.MaxIterations, false
}

// recordReply appends the turn's final assistant message to the in-memory
// history and the durable transcript. Every reply path goes through here
// so the stored conversation never omits what the user was shown.
func (l *Loop) recordReply(ctx context.Context, conv *conversation, cp *recovery.RunCheckpoint, content string) {
	conv.history = append(conv.history, providers.Message{Role: "assistant", Content: content})
	if err := l.storage.StoreMessage(ctx, conv.session.ID, "assistant", content); err != nil {
		l.recordStorageFailure("assistant", err)
	}
	cp.Stage = recovery.StageReplying
	l.checkpoint(cp)
}

// complete calls the provider with pacing and retries. Every failed
// attempt is recorded; a non-retryable classification or exhaustion
// aborts with the final error.
func (l *Loop) complete(ctx context.Context, req providers.CompletionRequest, runID, sessionID string, limits Limits, logger *slog.Logger) (*providers.CompletionResponse, error) {
	maxAttempts := 1 + limits.MaxRetries
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if l.pacer != nil {
			if err := l.pacer.Wait(ctx); err != nil {
				return nil, err
			}
		}
		resp, err := l.provider.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		info := failure.ClassifyProvider(err)
		l.record(events.New(events.ProviderFailed, runID, sessionID, map[string]any{
			"provider":         l.provider.Name(),
			"attempt":          attempt,
			"error":            err.Error(),
			"failure_code":     string(info.Code),
			"retryable":        info.Retryable,
			"failure_category": info.Category,
		}))
		if !info.Retryable {
			return nil, err
		}
		logger.Warn("provider attempt failed", "attempt", attempt, "code", string(info.Code), "error", err)
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	return nil, fmt.Errorf("provider retries exhausted: %w", lastErr)
}

// maybeFollowup enqueues one autonomous continuation when the reply
// commits to further work. Depth is bounded to stop self-feeding loops.
func (l *Loop) maybeFollowup(ctx context.Context, msg bus.InboundMessage, reply string, limits Limits, logger *slog.Logger) {
	if !wantsFollowup(reply) {
		return
	}
	depth := 0
	if d, err := strconv.Atoi(msg.Metadata["autonomous_followup_depth"]); err == nil {
		depth = d
	}
	if depth >= limits.MaxFollowupDepth {
		return
	}
	followup := bus.InboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: "Continue with what you committed to in your previous reply.",
		Metadata: map[string]string{
			"internal_autonomous_followup": "true",
			"autonomous_followup_depth":    strconv.Itoa(depth + 1),
		},
	}
	if err := l.router.PublishInbound(ctx, followup); err != nil {
		logger.Warn("followup enqueue failed", "error", err)
		return
	}
	logger.Info("autonomous followup enqueued", "depth", depth+1)
}

// ResumeInterrupted enqueues resume messages for every active
// checkpoint, newest first. Called once at startup.
func (l *Loop) ResumeInterrupted(ctx context.Context, limit int) error {
	cps, err := l.recovery.ListActive(limit)
	if err != nil {
		return err
	}
	for _, cp := range cps {
		msg, err := l.recovery.BuildResumeMessage(cp.RunID)
		if err != nil {
			l.logger.Warn("resume synthesis failed", "run_id", cp.RunID, "error", err)
			continue
		}
		if err := l.router.PublishInbound(ctx, *msg); err != nil {
			return err
		}
		if err := l.recovery.MarkCompleted(cp.RunID); err != nil {
			l.logger.Warn("checkpoint cleanup failed", "run_id", cp.RunID, "error", err)
		}
		l.logger.Info("resuming interrupted run", "run_id", cp.RunID, "stage", cp.Stage)
	}
	return nil
}

func (l *Loop) checkpoint(cp *recovery.RunCheckpoint) {
	if err := l.recovery.Save(cp); err != nil {
		l.logger.Warn("checkpoint save failed", "run_id", cp.RunID, "error", err)
	}
}

func (l *Loop) record(ev events.Event) {
	if err := l.recorder.Append(ev); err != nil {
		l.logger.Error("event append failed", "event", string(ev.EventType), "error", err)
	}
}

func (l *Loop) recordStorageFailure(role string, err error) {
	l.logger.Warn("storage operation failed", "role", role, "error", err)
	l.record(events.New(events.StorageFailed, "", "", map[string]any{
		"role":    role,
		"backend": l.storageName,
		"error":   err.Error(),
	}))
}
