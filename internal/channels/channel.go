package channels

import (
	"context"

	"github.com/openagentd/agentd/internal/bus"
)

// Channel is one chat surface. Start blocks publishing inbound messages
// until ctx is cancelled; Send delivers one outbound message.
type Channel interface {
	Name() string
	Start(ctx context.Context, router bus.MessageRouter) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	Stop() error
}
