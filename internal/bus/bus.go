// Package bus decouples channel adapters from agent processing with two
// bounded FIFO queues. Publishers block when a queue is full (back-pressure),
// consumers block when empty; both honor context cancellation so adapters can
// poll with a timeout without busy-waiting.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/openagentd/agentd/internal/ratelimit"
)

// DefaultQueueSize is the per-queue capacity when none is configured.
const DefaultQueueSize = 256

var (
	// ErrClosed is returned when publishing to a closed bus.
	ErrClosed = errors.New("bus: closed")
)

// MessageBus carries inbound and outbound messages between channel adapters
// and the agent loop. Outbound publishes are gated by the per-(channel, chat)
// rate limiter; in strict mode a denial is returned as the limiter's typed
// error and the message is not enqueued.
type MessageBus struct {
	inbound   chan InboundMessage
	outbound  chan OutboundMessage
	limiter   *ratelimit.OutboundLimiter // nil = unlimited
	done      chan struct{}
	closeOnce sync.Once
}

// Options configures a MessageBus.
type Options struct {
	InboundSize  int
	OutboundSize int
	Limiter      *ratelimit.OutboundLimiter
}

// New creates a message bus with bounded queues.
func New(opts Options) *MessageBus {
	if opts.InboundSize <= 0 {
		opts.InboundSize = DefaultQueueSize
	}
	if opts.OutboundSize <= 0 {
		opts.OutboundSize = DefaultQueueSize
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, opts.InboundSize),
		outbound: make(chan OutboundMessage, opts.OutboundSize),
		limiter:  opts.Limiter,
		done:     make(chan struct{}),
	}
}

// PublishInbound enqueues an inbound message, blocking for capacity.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	if b.closed() {
		return ErrClosed
	}
	select {
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case b.inbound <- msg:
		return nil
	}
}

// PublishOutbound consults the rate limiter and enqueues the message.
// Strict mode: a denial returns ratelimit.RateLimitExceeded and nothing is
// enqueued. Lenient mode: the limiter logs a warning and the message is
// enqueued anyway.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	if b.closed() {
		return ErrClosed
	}
	if b.limiter != nil {
		if err := b.limiter.Reserve(msg.Channel, msg.ChatID); err != nil {
			return err
		}
	}
	select {
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case b.outbound <- msg:
		return nil
	}
}

// ConsumeInbound returns the next inbound message in FIFO order.
// The second return is false when the context was cancelled or the bus closed.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case msg := <-b.inbound:
		return msg, true
	case <-b.done:
		// Messages queued before the close remain consumable.
		select {
		case msg := <-b.inbound:
			return msg, true
		default:
			return InboundMessage{}, false
		}
	}
}

// ConsumeOutbound returns the next outbound message in FIFO order.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case msg := <-b.outbound:
		return msg, true
	case <-b.done:
		select {
		case msg := <-b.outbound:
			return msg, true
		default:
			return OutboundMessage{}, false
		}
	}
}

// InboundDepth reports the number of queued inbound messages.
func (b *MessageBus) InboundDepth() int { return len(b.inbound) }

// OutboundDepth reports the number of queued outbound messages.
func (b *MessageBus) OutboundDepth() int { return len(b.outbound) }

// Close stops the bus. Pending messages already queued remain consumable;
// further publishes fail with ErrClosed. The queue channels themselves are
// never closed so a publish racing Close cannot panic.
func (b *MessageBus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		slog.Debug("message bus closed")
	})
}

func (b *MessageBus) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}
