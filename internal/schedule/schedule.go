// Package schedule enqueues a job on a cron schedule. It only produces jobs;
// workers pick them up like any other.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard 5-field expressions plus descriptors such as
// @hourly and @every 30s.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Enqueuer is the part of *store.Queue the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, handler string, arguments ...any) (int64, error)
}

// Scheduler enqueues handler with fixed arguments each time its schedule
// fires.
type Scheduler struct {
	spec      string
	schedule  cron.Schedule
	queue     Enqueuer
	handler   string
	arguments []any
	log       *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// New parses spec and returns a Scheduler for it. An invalid spec is an
// error.
func New(queue Enqueuer, spec, handler string, arguments []any, opts ...Option) (*Scheduler, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	s := &Scheduler{
		spec:      spec,
		schedule:  sched,
		queue:     queue,
		handler:   handler,
		arguments: arguments,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("schedule", spec, "handler", handler)
	return s, nil
}

// Next returns the first activation strictly after from.
func (s *Scheduler) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Run enqueues on every activation until ctx is cancelled, which returns
// nil. A failed enqueue stops the scheduler and is returned.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next := s.Next(time.Now())
		s.log.Debug("next activation", "at", next)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		id, err := s.queue.Enqueue(ctx, s.handler, s.arguments...)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("scheduled enqueue: %w", err)
		}
		s.log.Info("scheduled job enqueued", "job_id", id)
	}
}
