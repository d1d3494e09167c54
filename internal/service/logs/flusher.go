package logs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/logprocessor/internal/domain"
	"github.com/splax/logprocessor/internal/repository"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	defaultFlushTimeout  = 10 * time.Second
	defaultRetryBackoff  = 500 * time.Millisecond

	triggerSize     = "size"
	triggerInterval = "interval"
	triggerShutdown = "shutdown"
)

// Flusher drains the buffer into the durable store on a size or time trigger.
// At most one flush runs at a time.
type Flusher struct {
	buffer       *Buffer
	repo         repository.LogRepository
	stats        *Stats
	metrics      *metrics
	logger       *slog.Logger
	batchSize    int
	interval     time.Duration
	timeout      time.Duration
	retries      int
	retryBackoff time.Duration
	now          func() time.Time

	mu   sync.Mutex
	kick chan struct{}
}

func newFlusher(buffer *Buffer, repo repository.LogRepository, stats *Stats, m *metrics, logger *slog.Logger, opts Options) *Flusher {
	f := &Flusher{
		buffer:       buffer,
		repo:         repo,
		stats:        stats,
		metrics:      m,
		logger:       logger.With("component", "flusher"),
		batchSize:    opts.BatchSize,
		interval:     opts.FlushInterval,
		timeout:      opts.FlushTimeout,
		retries:      opts.FlushRetries,
		retryBackoff: defaultRetryBackoff,
		now:          time.Now,
		kick:         make(chan struct{}, 1),
	}
	if f.batchSize <= 0 {
		f.batchSize = defaultBatchSize
	}
	if f.interval <= 0 {
		f.interval = defaultFlushInterval
	}
	if f.timeout <= 0 {
		f.timeout = defaultFlushTimeout
	}
	if f.retries < 0 {
		f.retries = 0
	}
	return f
}

// Notify schedules a flush when size has reached the batch threshold. It never blocks.
func (f *Flusher) Notify(size int) {
	if size < f.batchSize {
		return
	}
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

// Run drives both triggers until ctx is cancelled, then drains the buffer.
func (f *Flusher) Run(ctx context.Context) error {
	f.logger.Info("flusher started", "batch_size", f.batchSize, "flush_interval", f.interval)
	f.metrics.active.Set(1)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n, err := f.Drain(context.WithoutCancel(ctx))
			f.metrics.active.Set(0)
			f.logger.Info("flusher stopped", "drained", n, "error", err)
			return nil
		case <-f.kick:
			f.onKick(ctx)
		case <-ticker.C:
			if f.buffer.Len() > 0 {
				f.tryFlush(ctx, triggerInterval)
			}
		}
	}
}

// onKick re-checks the threshold: a kick left in the channel after an earlier
// size flush already took those records must not flush a short buffer.
func (f *Flusher) onKick(ctx context.Context) (int, error) {
	if f.buffer.Len() < f.batchSize {
		return 0, nil
	}
	return f.tryFlush(ctx, triggerSize)
}

// Drain flushes whatever is buffered regardless of the batch threshold,
// waiting for an in-flight flush first.
func (f *Flusher) Drain(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushLocked(ctx, triggerShutdown)
}

// tryFlush is a no-op while another flush holds the lock: that flush has
// already taken the records this trigger was about.
func (f *Flusher) tryFlush(ctx context.Context, trigger string) (int, error) {
	if !f.mu.TryLock() {
		return 0, nil
	}
	defer f.mu.Unlock()
	return f.flushLocked(ctx, trigger)
}

func (f *Flusher) flushLocked(ctx context.Context, trigger string) (int, error) {
	batch := f.buffer.SnapshotAndClear()
	f.metrics.bufferSize.Set(float64(f.buffer.Len()))
	if len(batch) == 0 {
		return 0, nil
	}

	start := f.now()
	err := f.write(ctx, batch)
	elapsed := f.now().Sub(start)
	if err != nil {
		f.stats.flushFailures.Add(1)
		f.stats.dropped.Add(int64(len(batch)))
		f.metrics.flushes.WithLabelValues(trigger, "error").Inc()
		f.metrics.dropped.Add(float64(len(batch)))
		f.logger.Error("flush failed, batch dropped",
			"error", err,
			"count", len(batch),
			"trigger", trigger,
			"transient", errors.Is(err, repository.ErrUnavailable),
		)
		return 0, err
	}

	f.stats.processed.Add(int64(len(batch)))
	f.stats.flushes.Add(1)
	f.metrics.processed.Add(float64(len(batch)))
	f.metrics.flushes.WithLabelValues(trigger, "ok").Inc()
	f.metrics.flushDuration.Observe(elapsed.Seconds())
	f.logger.Info("flushed logs", "count", len(batch), "trigger", trigger, "duration_ms", elapsed.Milliseconds())
	return len(batch), nil
}

// write persists the batch. Only transient failures are retried, and only
// FlushRetries times. The store call is detached from ctx cancellation so a
// shutdown never aborts a write already under way, but it does cut the
// backoff between attempts short.
func (f *Flusher) write(ctx context.Context, batch []domain.LogRecord) error {
	base := context.WithoutCancel(ctx)
	for attempt := 0; ; attempt++ {
		writeCtx, cancel := context.WithTimeout(base, f.timeout)
		err := f.repo.AppendLogs(writeCtx, batch)
		cancel()
		if err == nil || attempt >= f.retries || !errors.Is(err, repository.ErrUnavailable) {
			return err
		}
		f.logger.Warn("flush attempt failed, retrying", "error", err, "attempt", attempt+1, "count", len(batch))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(f.retryBackoff * time.Duration(attempt+1)):
		}
	}
}
