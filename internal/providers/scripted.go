package providers

import (
	"context"
	"sync"
)

// ScriptedStep is one canned provider turn: either a response or an error.
type ScriptedStep struct {
	Response *CompletionResponse
	Err      error
}

// ScriptedProvider replays a fixed sequence of responses. Used by tests and
// by the doctor command's offline self-check. When the script is exhausted
// the last step repeats.
type ScriptedProvider struct {
	mu    sync.Mutex
	steps []ScriptedStep
	calls int

	// Requests records every request for assertions.
	Requests []CompletionRequest
}

// NewScriptedProvider creates a provider that replays steps in order.
func NewScriptedProvider(steps ...ScriptedStep) *ScriptedProvider {
	return &ScriptedProvider{steps: steps}
}

// Reply is a convenience for a plain-text step.
func Reply(content string) ScriptedStep {
	return ScriptedStep{Response: &CompletionResponse{Content: content, FinishReason: "stop"}}
}

// ReplyWithTools is a convenience for a step that requests tool calls.
func ReplyWithTools(content string, calls ...ToolCall) ScriptedStep {
	return ScriptedStep{Response: &CompletionResponse{
		Content:      content,
		ToolCalls:    calls,
		FinishReason: "tool_calls",
	}}
}

// Fail is a convenience for an error step.
func Fail(err error) ScriptedStep {
	return ScriptedStep{Err: err}
}

func (p *ScriptedProvider) Name() string { return "scripted" }

func (p *ScriptedProvider) Close() error { return nil }

// Calls reports how many times the provider was invoked.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *ScriptedProvider) next(req CompletionRequest) ScriptedStep {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	idx := p.calls
	if idx >= len(p.steps) {
		idx = len(p.steps) - 1
	}
	p.calls++
	if idx < 0 {
		return Reply("")
	}
	return p.steps[idx]
}

func (p *ScriptedProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step := p.next(req)
	if step.Err != nil {
		return nil, step.Err
	}
	resp := *step.Response
	return &resp, nil
}

func (p *ScriptedProvider) Stream(ctx context.Context, req CompletionRequest, onChunk func(StreamChunk)) (*CompletionResponse, error) {
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		if resp.Content != "" {
			onChunk(StreamChunk{Content: resp.Content})
		}
		onChunk(StreamChunk{Done: true})
	}
	return resp, nil
}
