package loggen

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/splax/logprocessor/internal/domain"
)

// Sender is the part of Client a Runner needs.
type Sender interface {
	Send(ctx context.Context, rec domain.LogRecord) error
}

// Counters tracks delivery outcomes across workers.
type Counters struct {
	Sent   atomic.Int64
	Failed atomic.Int64
}

// Runner paces record delivery through a shared limiter.
type Runner struct {
	sender   Sender
	gen      *Generator
	limiter  *rate.Limiter
	counters *Counters
	logger   *slog.Logger
}

// NewRunner builds a runner. perSecond bounds the send rate of every worker
// sharing this runner together.
func NewRunner(sender Sender, gen *Generator, perSecond int, logger *slog.Logger) *Runner {
	if perSecond <= 0 {
		perSecond = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		sender:   sender,
		gen:      gen,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), 1),
		counters: &Counters{},
		logger:   logger,
	}
}

// Counters exposes the shared delivery counters.
func (r *Runner) Counters() *Counters {
	return r.counters
}

// Work sends records until ctx is done. Delivery failures are logged and
// counted; they never stop the worker.
func (r *Runner) Work(ctx context.Context) error {
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		rec := r.gen.Next()
		if err := r.sender.Send(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.counters.Failed.Add(1)
			level := slog.LevelError
			if errors.Is(err, ErrRateLimited) {
				level = slog.LevelWarn
			}
			r.logger.Log(ctx, level, "failed to send log", "error", err, "service", rec.Service)
			continue
		}
		r.counters.Sent.Add(1)
	}
}
