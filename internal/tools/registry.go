// Package tools provides the named tool registry and the built-in tool set.
// The registry validates arguments against each tool's JSON Schema before
// dispatch and applies a sliding-window per-tool call limit.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/openagentd/agentd/internal/providers"
)

// Tool is the contract every tool implements. Execution mode is inferred by
// the policy engine, not self-declared.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// CallLimit bounds per-tool invocations in a sliding window.
type CallLimit struct {
	MaxCalls int
	Window   time.Duration
}

// DefaultCallLimit allows 60 calls per tool per minute.
func DefaultCallLimit() CallLimit {
	return CallLimit{MaxCalls: 60, Window: time.Minute}
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema // nil when the tool declares no parameters
}

// Registry maps tool names to tools. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
	limit CallLimit
	calls map[string][]time.Time
	now   func() time.Time // test hook
}

// NewRegistry creates an empty registry with the given call limit.
func NewRegistry(limit CallLimit) *Registry {
	if limit.MaxCalls <= 0 {
		limit = DefaultCallLimit()
	}
	if limit.Window <= 0 {
		limit.Window = time.Minute
	}
	return &Registry{
		tools: make(map[string]registeredTool),
		limit: limit,
		calls: make(map[string][]time.Time),
		now:   time.Now,
	}
}

// Register adds a tool, compiling its parameter schema. Registering a tool
// with an invalid schema is a programming error and fails loudly.
func (r *Registry) Register(t Tool) error {
	schema, err := compileSchema(t.Name(), t.Parameters())
	if err != nil {
		return fmt.Errorf("register %s: %w", t.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("register %s: duplicate tool name", t.Name())
	}
	r.tools[t.Name()] = registeredTool{tool: t, schema: schema}
	return nil
}

// MustRegister registers or panics. For static built-in tool sets at startup.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if len(params) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	url := "tool://" + name + "/parameters.json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return rt.tool, true
}

// List returns registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderDefs returns provider-facing definitions for all tools.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		rt := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        rt.tool.Name(),
				Description: rt.tool.Description(),
				Parameters:  rt.tool.Parameters(),
			},
		})
	}
	return defs
}

// allowCall applies the sliding-window limit for one tool name.
func (r *Registry) allowCall(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	stamps := r.calls[name]
	cut := 0
	for cut < len(stamps) && now.Sub(stamps[cut]) >= r.limit.Window {
		cut++
	}
	stamps = stamps[cut:]
	if len(stamps) >= r.limit.MaxCalls {
		r.calls[name] = stamps
		return false
	}
	r.calls[name] = append(stamps, now)
	return true
}

// Execute validates arguments against the tool's schema and dispatches.
// Unknown tools, validation failures, and rate-limit exhaustion return an
// unsuccessful Result rather than an error: the runtime classifies them.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) *Result {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return ErrorResult(fmt.Sprintf("tool not found: %s", name))
	}

	if !r.allowCall(name) {
		return ErrorResult(fmt.Sprintf("rate limit exceeded for tool %s (max %d per %s)",
			name, r.limit.MaxCalls, r.limit.Window))
	}

	if rt.schema != nil {
		if err := validateArgs(rt.schema, args); err != nil {
			return ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err))
		}
	}

	if err := ctx.Err(); err != nil {
		return ErrorResult(err.Error())
	}

	slog.Debug("tool dispatch", "tool", name, "args", len(args))
	result := rt.tool.Execute(ctx, args)
	if result == nil {
		return ErrorResult(fmt.Sprintf("tool %s returned no result", name))
	}
	return result
}

// validateArgs normalizes args through a JSON round-trip (schema validation
// operates on JSON-decoded values) and validates.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return schema.Validate(decoded)
}
