// Package cron enqueues scheduled inbound messages so the agent can run
// recurring jobs (reports, reminders) without an external trigger.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/openagentd/agentd/internal/bus"
	"github.com/openagentd/agentd/internal/config"
)

// Scheduler evaluates job schedules once per minute and publishes a
// synthetic InboundMessage for each job that is due.
type Scheduler struct {
	jobs   []config.CronJob
	router bus.MessageRouter
	logger *slog.Logger
	gron   *gronx.Gronx
	now    func() time.Time
}

func NewScheduler(jobs []config.CronJob, router bus.MessageRouter, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gron := gronx.New()
	for _, job := range jobs {
		if !gron.IsValid(job.Schedule) {
			return nil, fmt.Errorf("cron job %q has invalid schedule %q", job.Name, job.Schedule)
		}
	}
	return &Scheduler{jobs: jobs, router: router, logger: logger, gron: gron, now: time.Now}, nil
}

// Run blocks until ctx is cancelled. Ticks align to minute boundaries
// so a job scheduled for 09:00 fires at 09:00, not 09:00:59.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.jobs) == 0 {
		return
	}
	for {
		next := s.now().Truncate(time.Minute).Add(time.Minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}
		s.fireDue(ctx, next)
	}
}

func (s *Scheduler) fireDue(ctx context.Context, at time.Time) {
	for _, job := range s.jobs {
		due, err := s.gron.IsDue(job.Schedule, at)
		if err != nil || !due {
			continue
		}
		channel := job.Channel
		if channel == "" {
			channel = "cli"
		}
		msg := bus.InboundMessage{
			Channel: channel,
			ChatID:  job.ChatID,
			Content: job.Message,
			Metadata: map[string]string{
				"cron_job": job.Name,
			},
		}
		if err := s.router.PublishInbound(ctx, msg); err != nil {
			s.logger.Warn("cron enqueue failed", "job", job.Name, "error", err)
			continue
		}
		s.logger.Info("cron job enqueued", "job", job.Name, "schedule", job.Schedule)
	}
}
