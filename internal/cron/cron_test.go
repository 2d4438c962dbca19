package cron

import (
	"context"
	"testing"
	"time"

	"github.com/openagentd/agentd/internal/bus"
	"github.com/openagentd/agentd/internal/config"
)

func TestNewSchedulerRejectsInvalidSchedule(t *testing.T) {
	jobs := []config.CronJob{{Name: "bad", Schedule: "not a schedule", Message: "x"}}
	if _, err := NewScheduler(jobs, bus.New(bus.Options{}), nil); err == nil {
		t.Fatal("invalid schedule accepted")
	}
}

func TestFireDueEnqueuesMatchingJobs(t *testing.T) {
	router := bus.New(bus.Options{})
	defer router.Close()
	jobs := []config.CronJob{
		{Name: "hourly", Schedule: "0 * * * *", ChatID: "local", Message: "hourly report"},
		{Name: "never", Schedule: "30 3 1 1 *", ChatID: "local", Message: "annual"},
	}
	s, err := NewScheduler(jobs, router, nil)
	if err != nil {
		t.Fatal(err)
	}

	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	s.fireDue(context.Background(), at)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := router.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no message enqueued")
	}
	if msg.Content != "hourly report" {
		t.Fatalf("content = %q", msg.Content)
	}
	if msg.Channel != "cli" {
		t.Fatalf("default channel = %q", msg.Channel)
	}
	if msg.Metadata["cron_job"] != "hourly" {
		t.Fatalf("metadata = %v", msg.Metadata)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer waitCancel()
	if _, ok := router.ConsumeInbound(waitCtx); ok {
		t.Fatal("job fired off schedule")
	}
}

func TestFireDueSkipsNotDue(t *testing.T) {
	router := bus.New(bus.Options{})
	defer router.Close()
	jobs := []config.CronJob{{Name: "hourly", Schedule: "0 * * * *", Message: "tick"}}
	s, err := NewScheduler(jobs, router, nil)
	if err != nil {
		t.Fatal(err)
	}

	s.fireDue(context.Background(), time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := router.ConsumeInbound(ctx); ok {
		t.Fatal("job fired at minute 30 with schedule 0 * * * *")
	}
}
