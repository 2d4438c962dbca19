package events

import (
	"fmt"
	"time"
)

// EventType identifies one kind of runtime event.
type EventType string

const (
	RunStarted     EventType = "RunStarted"
	ToolRequested  EventType = "ToolRequested"
	ToolStarted    EventType = "ToolStarted"
	ToolCompleted  EventType = "ToolCompleted"
	ToolFailed     EventType = "ToolFailed"
	ProviderFailed EventType = "ProviderFailed"
	StorageFailed  EventType = "StorageFailed"
	ChannelFailed  EventType = "ChannelFailed"
	RunCompleted   EventType = "RunCompleted"
)

// Event is one append-only runtime event record.
type Event struct {
	EventType EventType      `json:"event_type"`
	RunID     string         `json:"run_id"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// New builds an event stamped with the current UTC time.
func New(typ EventType, runID, sessionID string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		EventType: typ,
		RunID:     runID,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// requiredPayloadKeys fixes the schema contract per event type.
var requiredPayloadKeys = map[EventType][]string{
	RunStarted:     {"channel", "chat_id", "engine", "engine_resolved"},
	ToolRequested:  {"tool_call_id", "tool_name", "arguments", "execution_mode"},
	ToolStarted:    {"tool_call_id", "tool_name"},
	ToolCompleted:  {"tool_call_id", "tool_name", "success"},
	ToolFailed:     {"tool_call_id", "tool_name", "error", "failure_code", "retryable", "failure_category"},
	ProviderFailed: {"provider", "attempt", "error", "failure_code", "retryable", "failure_category"},
	StorageFailed:  {"role", "backend", "error"},
	ChannelFailed:  {"channel", "chat_id", "error"},
	RunCompleted:   {"iterations", "is_error"},
}

// Validate checks the event against the schema contract: known type, non-empty
// run id, required payload keys present, and typed fields well-typed.
func (e Event) Validate() error {
	required, ok := requiredPayloadKeys[e.EventType]
	if !ok {
		return fmt.Errorf("unknown event type %q", e.EventType)
	}
	// Infrastructure failures may occur outside any run.
	if e.RunID == "" && e.EventType != StorageFailed && e.EventType != ChannelFailed {
		return fmt.Errorf("%s: empty run_id", e.EventType)
	}
	for _, key := range required {
		if _, present := e.Payload[key]; !present {
			return fmt.Errorf("%s: missing payload key %q", e.EventType, key)
		}
	}
	for _, key := range []string{"retryable", "is_error", "success"} {
		if v, present := e.Payload[key]; present {
			if _, isBool := v.(bool); !isBool {
				return fmt.Errorf("%s: payload key %q must be bool, got %T", e.EventType, key, v)
			}
		}
	}
	if args, present := e.Payload["arguments"]; present {
		if _, isMap := args.(map[string]any); !isMap {
			return fmt.Errorf("%s: payload key \"arguments\" must be an object, got %T", e.EventType, args)
		}
	}
	return nil
}

// IsTerminalToolEvent reports whether the type ends a tool invocation.
func (t EventType) IsTerminalToolEvent() bool {
	return t == ToolCompleted || t == ToolFailed
}
