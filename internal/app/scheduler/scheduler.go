package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Task is a unit of background work bound to the scheduler context.
type Task func(ctx context.Context) error

type entry struct {
	name string
	run  Task
}

// Scheduler owns the process background tasks. A failing long-running task
// cancels the others; periodic task errors are only logged.
type Scheduler struct {
	logger *slog.Logger
	tasks  []entry
}

// New returns an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger.With("component", "scheduler")}
}

// Go registers a long-running task. It must return once ctx is done.
func (s *Scheduler) Go(name string, fn Task) {
	s.tasks = append(s.tasks, entry{name: name, run: fn})
}

// Every registers fn to run every interval until the scheduler stops. A
// non-positive interval disables the task.
func (s *Scheduler) Every(name string, interval time.Duration, fn Task) {
	if interval <= 0 {
		s.logger.Info("periodic task disabled", "task", name)
		return
	}
	s.Go(name, func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					s.logger.Warn("periodic task failed", "task", name, "error", err)
				}
			}
		}
	})
}

// Run starts every registered task and blocks until all of them return.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		g.Go(func() error {
			s.logger.Debug("task started", "task", t.name)
			if err := t.run(ctx); err != nil {
				return fmt.Errorf("task %s: %w", t.name, err)
			}
			s.logger.Debug("task stopped", "task", t.name)
			return nil
		})
	}
	return g.Wait()
}
