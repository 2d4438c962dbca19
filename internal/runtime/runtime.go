package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openagentd/agentd/internal/events"
	"github.com/openagentd/agentd/internal/failure"
	"github.com/openagentd/agentd/internal/policy"
	"github.com/openagentd/agentd/internal/tools"
)

// Envelope is the immutable descriptor of one tool invocation handed to
// the runtime. Arguments are never mutated after construction.
type Envelope struct {
	RunID          string         `json:"run_id"`
	SessionID      string         `json:"session_id"`
	ToolCallID     string         `json:"tool_call_id"`
	ToolName       string         `json:"tool_name"`
	Arguments      map[string]any `json:"arguments"`
	ExecutionMode  policy.Mode    `json:"execution_mode"`
	WorkspacePath  string         `json:"workspace_path,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	MaxRetries     int            `json:"max_retries,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Approved       bool           `json:"approved,omitempty"`
	RequestedAt    time.Time      `json:"requested_at"`
}

// Recorder receives runtime events. *events.Store satisfies it.
type Recorder interface {
	Append(ev events.Event) error
}

// Runtime executes tool envelopes deterministically: every invocation is
// authorized, deduplicated by idempotency key, retried on transient
// failures, and recorded as events.
type Runtime struct {
	registry *tools.Registry
	engine   *policy.Engine
	recorder Recorder
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]*tools.Result
}

func New(registry *tools.Registry, engine *policy.Engine, recorder Recorder, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		registry: registry,
		engine:   engine,
		recorder: recorder,
		logger:   logger,
		cache:    make(map[string]*tools.Result),
	}
}

// Execute runs one envelope through the full pipeline and returns the
// tool result. Errors are returned only for event-recording failures;
// tool and policy failures surface as unsuccessful results.
func (r *Runtime) Execute(ctx context.Context, env *Envelope) (*tools.Result, error) {
	tracer := otel.Tracer("agentd/runtime")
	ctx, span := tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool.name", env.ToolName),
		attribute.String("tool.call_id", env.ToolCallID),
		attribute.String("tool.mode", string(env.ExecutionMode)),
	))
	defer span.End()

	if err := r.record(env, events.ToolRequested, map[string]any{
		"tool_call_id":   env.ToolCallID,
		"tool_name":      env.ToolName,
		"arguments":      env.Arguments,
		"execution_mode": string(env.ExecutionMode),
	}); err != nil {
		return nil, err
	}

	// 1. Authorization. Denials never reach the tool.
	decision := r.engine.Authorize(env.ExecutionMode, env.Approved)
	if !decision.Allowed {
		info := failure.Lookup(failure.PolicyDenied)
		if err := r.record(env, events.ToolFailed, map[string]any{
			"tool_call_id":     env.ToolCallID,
			"tool_name":        env.ToolName,
			"error":            decision.Reason,
			"failure_code":     string(info.Code),
			"retryable":        info.Retryable,
			"failure_category": info.Category,
		}); err != nil {
			return nil, err
		}
		return tools.ErrorResult(decision.Reason), nil
	}

	// 2. Idempotency. A cached success short-circuits execution.
	key := r.idempotencyKey(env)
	if cached := r.lookup(key); cached != nil {
		if err := r.record(env, events.ToolCompleted, map[string]any{
			"tool_call_id": env.ToolCallID,
			"tool_name":    env.ToolName,
			"success":      cached.Success,
			"output":       cached.Output,
			"metadata": map[string]any{
				"duration_ms": 0,
				"attempts":    0,
				"cached":      true,
			},
		}); err != nil {
			return nil, err
		}
		return cached, nil
	}

	if err := r.record(env, events.ToolStarted, map[string]any{
		"tool_call_id": env.ToolCallID,
		"tool_name":    env.ToolName,
	}); err != nil {
		return nil, err
	}

	// 3. Execution with retries on retryable classifications.
	execCtx := ctx
	if env.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(env.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	attempts := 0
	maxAttempts := 1 + env.MaxRetries
	start := time.Now()
	var result *tools.Result
	for attempts < maxAttempts {
		attempts++
		result = r.registry.Execute(execCtx, env.ToolName, env.Arguments)
		if result.Success {
			break
		}
		info := failure.ClassifyMessage(result.Error)
		if !info.Retryable || attempts >= maxAttempts {
			break
		}
		r.logger.Warn("tool attempt failed, retrying",
			"tool", env.ToolName,
			"attempt", attempts,
			"code", string(info.Code),
			"error", result.Error)
	}
	durationMS := time.Since(start).Milliseconds()

	if result.Success {
		r.store(key, result)
		if err := r.record(env, events.ToolCompleted, map[string]any{
			"tool_call_id": env.ToolCallID,
			"tool_name":    env.ToolName,
			"success":      true,
			"output":       result.Output,
			"metadata": map[string]any{
				"duration_ms": durationMS,
				"attempts":    attempts,
				"cached":      false,
			},
		}); err != nil {
			return nil, err
		}
		return result, nil
	}

	info := failure.ClassifyMessage(result.Error)
	if err := r.record(env, events.ToolFailed, map[string]any{
		"tool_call_id":     env.ToolCallID,
		"tool_name":        env.ToolName,
		"error":            result.Error,
		"failure_code":     string(info.Code),
		"retryable":        info.Retryable,
		"failure_category": info.Category,
		"metadata": map[string]any{
			"duration_ms": durationMS,
			"attempts":    attempts,
		},
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// idempotencyKey prefers the explicit key, falling back to a canonical
// hash of the identifying tuple. json.Marshal sorts map keys, so equal
// argument maps hash equally regardless of insertion order.
func (r *Runtime) idempotencyKey(env *Envelope) string {
	if env.IdempotencyKey != "" {
		return env.IdempotencyKey
	}
	payload, err := json.Marshal(map[string]any{
		"session_id":   env.SessionID,
		"tool_name":    env.ToolName,
		"arguments":    env.Arguments,
		"tool_call_id": env.ToolCallID,
	})
	if err != nil {
		return fmt.Sprintf("%s/%s/%s", env.SessionID, env.ToolName, env.ToolCallID)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (r *Runtime) lookup(key string) *tools.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache[key]
}

func (r *Runtime) store(key string, result *tools.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = result
}

// ResetCache clears the idempotency cache. Callers bound cache lifetime
// to a run by resetting between runs.
func (r *Runtime) ResetCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*tools.Result)
}

func (r *Runtime) record(env *Envelope, eventType events.EventType, payload map[string]any) error {
	ev := events.New(eventType, env.RunID, env.SessionID, payload)
	if err := r.recorder.Append(ev); err != nil {
		return fmt.Errorf("record %s: %w", eventType, err)
	}
	return nil
}
