// Package cli implements a terminal channel adapter. It reads user
// lines from stdin and prints agent replies to stdout, which makes the
// full pipeline usable without any platform credentials.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/openagentd/agentd/internal/bus"
)

const channelName = "cli"

type Adapter struct {
	chatID string
	in     io.Reader
	out    io.Writer
}

type Options struct {
	ChatID string
	In     io.Reader
	Out    io.Writer
}

func New(opts Options) *Adapter {
	if opts.ChatID == "" {
		opts.ChatID = "local"
	}
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	return &Adapter{chatID: opts.ChatID, in: opts.In, out: opts.Out}
}

func (a *Adapter) Name() string { return channelName }

// Start reads lines until EOF or cancellation. Blank lines are skipped.
func (a *Adapter) Start(ctx context.Context, router bus.MessageRouter) error {
	scanner := bufio.NewScanner(a.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return scanner.Err()
			}
			content := strings.TrimSpace(line)
			if content == "" {
				continue
			}
			msg := bus.InboundMessage{
				Channel: channelName,
				ChatID:  a.chatID,
				Content: content,
				UserID:  "cli-user",
			}
			if err := router.PublishInbound(ctx, msg); err != nil {
				return fmt.Errorf("publish inbound: %w", err)
			}
		}
	}
}

func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	_, err := fmt.Fprintf(a.out, "\n%s\n\n", msg.Content)
	return err
}

func (a *Adapter) Stop() error { return nil }
