package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openagentd/agentd/internal/bus"
	"github.com/openagentd/agentd/internal/events"
	"github.com/openagentd/agentd/internal/failure"
	"github.com/openagentd/agentd/internal/sessions"
)

// Recorder receives channel delivery failures as events.
type Recorder interface {
	Append(ev events.Event) error
}

// Manager owns the registered channel adapters and the outbound
// dispatcher that fans bus messages out to them.
type Manager struct {
	channels map[string]Channel
	router   bus.MessageRouter
	recorder Recorder
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewManager(router bus.MessageRouter, recorder Recorder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]Channel),
		router:   router,
		recorder: recorder,
		logger:   logger,
	}
}

func (m *Manager) Register(ch Channel) error {
	if _, exists := m.channels[ch.Name()]; exists {
		return fmt.Errorf("channel %s already registered", ch.Name())
	}
	m.channels[ch.Name()] = ch
	return nil
}

// Start launches every adapter's inbound loop plus the outbound
// dispatcher. It returns immediately; Wait blocks until all loops exit.
func (m *Manager) Start(ctx context.Context) {
	for name, ch := range m.channels {
		m.wg.Add(1)
		go func(name string, ch Channel) {
			defer m.wg.Done()
			if err := ch.Start(ctx, m.router); err != nil && ctx.Err() == nil {
				m.logger.Error("channel stopped", "channel", name, "error", err)
			}
		}(name, ch)
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dispatchOutbound(ctx)
	}()
}

// dispatchOutbound drains the outbound queue and routes each message to
// its adapter. Delivery failures are recorded as ChannelFailed events
// and never stop the dispatcher.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.router.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		ch, exists := m.channels[msg.Channel]
		if !exists {
			m.recordFailure(msg, fmt.Sprintf("no adapter registered for channel %s", msg.Channel))
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			m.recordFailure(msg, err.Error())
		}
	}
}

func (m *Manager) recordFailure(msg bus.OutboundMessage, errMsg string) {
	m.logger.Warn("outbound delivery failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", errMsg)
	if m.recorder == nil {
		return
	}
	info := failure.ClassifyMessage(errMsg)
	ev := events.New(events.ChannelFailed, "", sessions.DeriveID(msg.Channel, msg.ChatID), map[string]any{
		"channel":          msg.Channel,
		"chat_id":          msg.ChatID,
		"error":            errMsg,
		"failure_code":     string(info.Code),
		"retryable":        info.Retryable,
		"failure_category": info.Category,
	})
	if err := m.recorder.Append(ev); err != nil {
		m.logger.Error("record channel failure", "error", err)
	}
}

// Stop shuts adapters down and waits for loops to drain.
func (m *Manager) Stop() {
	for name, ch := range m.channels {
		if err := ch.Stop(); err != nil {
			m.logger.Warn("channel stop failed", "channel", name, "error", err)
		}
	}
	m.wg.Wait()
}
