// Package ratelimit guards outbound message delivery with sliding-window
// quotas per (channel, chat) destination.
package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// Mode selects how quota denials are surfaced.
type Mode string

const (
	// ModeStrict returns a typed *RateLimitExceeded error that callers must handle.
	ModeStrict Mode = "strict"
	// ModeLenient logs a warning and allows the send anyway.
	ModeLenient Mode = "lenient"
)

// RateLimitExceeded reports a denied send and when to retry.
type RateLimitExceeded struct {
	Channel    string
	ChatID     string
	RetryAfter time.Duration
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s:%s, retry after %s", e.Channel, e.ChatID, e.RetryAfter.Round(time.Second))
}

// Config holds outbound quota settings.
type Config struct {
	MaxPerMinute int
	MaxPerHour   int
	Mode         Mode
}

// DefaultConfig returns the default outbound quotas.
func DefaultConfig() Config {
	return Config{MaxPerMinute: 20, MaxPerHour: 300, Mode: ModeLenient}
}

// OutboundLimiter tracks send timestamps in a per-key deque bounded by the
// one-hour horizon. Counters reflect only successful enqueues: Check admits
// and records in one step, under one lock. Safe for concurrent use.
type OutboundLimiter struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string][]time.Time
	now     func() time.Time // test hook
}

// NewOutboundLimiter creates a limiter with the given quotas.
func NewOutboundLimiter(cfg Config) *OutboundLimiter {
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = DefaultConfig().MaxPerMinute
	}
	if cfg.MaxPerHour <= 0 {
		cfg.MaxPerHour = DefaultConfig().MaxPerHour
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeLenient
	}
	return &OutboundLimiter{
		cfg:     cfg,
		entries: make(map[string][]time.Time),
		now:     time.Now,
	}
}

func limiterKey(channel, chatID string) string {
	return channel + ":" + chatID
}

// Check reports whether a send to (channel, chatID) is within quota. On allow
// it records the send and returns (true, 0); on deny it returns the duration
// after which the oldest counted send falls out of the violated window.
func (l *OutboundLimiter) Check(channel, chatID string) (allowed bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := limiterKey(channel, chatID)

	// Prune everything older than the longest window.
	stamps := l.entries[key]
	cut := 0
	for cut < len(stamps) && now.Sub(stamps[cut]) >= hourWindow {
		cut++
	}
	stamps = stamps[cut:]

	// Minute window first: it denies sooner.
	minuteStart := len(stamps)
	for i, ts := range stamps {
		if now.Sub(ts) < minuteWindow {
			minuteStart = i
			break
		}
	}
	inMinute := len(stamps) - minuteStart
	if inMinute >= l.cfg.MaxPerMinute {
		l.entries[key] = stamps
		return false, stamps[minuteStart].Add(minuteWindow).Sub(now)
	}

	if len(stamps) >= l.cfg.MaxPerHour {
		l.entries[key] = stamps
		return false, stamps[0].Add(hourWindow).Sub(now)
	}

	l.entries[key] = append(stamps, now)
	return true, 0
}

// Reserve applies the limiter in its configured mode. Strict denials return
// *RateLimitExceeded; lenient denials log a warning, record the send, and
// return nil.
func (l *OutboundLimiter) Reserve(channel, chatID string) error {
	allowed, retryAfter := l.Check(channel, chatID)
	if allowed {
		return nil
	}
	if l.cfg.Mode == ModeStrict {
		return &RateLimitExceeded{Channel: channel, ChatID: chatID, RetryAfter: retryAfter}
	}
	slog.Warn("outbound rate limit exceeded (lenient mode, sending anyway)",
		"channel", channel, "chat_id", chatID, "retry_after", retryAfter.Round(time.Second))
	l.record(channel, chatID)
	return nil
}

// record appends a timestamp without quota checks (lenient-mode overflow).
func (l *OutboundLimiter) record(channel, chatID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := limiterKey(channel, chatID)
	l.entries[key] = append(l.entries[key], l.now())
}

// GC drops keys whose every timestamp has aged out of the hour window.
// Call periodically from a background goroutine.
func (l *OutboundLimiter) GC() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, stamps := range l.entries {
		live := stamps[:0]
		for _, ts := range stamps {
			if now.Sub(ts) < hourWindow {
				live = append(live, ts)
			}
		}
		if len(live) == 0 {
			delete(l.entries, key)
		} else {
			l.entries[key] = live
		}
	}
}

// StartGC runs GC at the given interval until stop is closed.
func (l *OutboundLimiter) StartGC(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				l.GC()
			}
		}
	}()
}

// TrackedKeys reports the number of live destination keys (for doctor/tests).
func (l *OutboundLimiter) TrackedKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
