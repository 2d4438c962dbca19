package bus

import "context"

// InboundMessage represents a message received from a channel (Telegram, CLI, etc.)
// Immutable once published; consumed exactly once by the agent runtime.
type InboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	UserID   string            `json:"user_id,omitempty"`   // external user ID
	UserName string            `json:"user_name,omitempty"` // display name, if the platform provides one
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message to be sent to a channel.
// Consumed by exactly one adapter — the one whose name equals Channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MessageRouter abstracts inbound/outbound message routing between channels
// and the agent runtime. Satisfied by *MessageBus.
type MessageRouter interface {
	PublishInbound(ctx context.Context, msg InboundMessage) error
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(ctx context.Context, msg OutboundMessage) error
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
}
