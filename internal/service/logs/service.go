package logs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/logprocessor/internal/cache"
	"github.com/splax/logprocessor/internal/domain"
	"github.com/splax/logprocessor/internal/repository"
	"github.com/splax/logprocessor/internal/ws"
)

const (
	defaultSearchCacheTTL = 60 * time.Second
	defaultTraceCacheTTL  = 300 * time.Second
	defaultQueryTimeout   = 10 * time.Second
	maxIdentifierLength   = 100

	// Readiness component names.
	ComponentStore = "database"
	ComponentCache = "cache"
)

// Options tunes the pipeline. Zero values fall back to defaults.
type Options struct {
	BatchSize      int
	FlushInterval  time.Duration
	FlushTimeout   time.Duration
	FlushRetries   int
	SearchCacheTTL time.Duration
	TraceCacheTTL  time.Duration
	QueryTimeout   time.Duration
	MaxLimit       int
	// Registerer receives the pipeline collectors; nil keeps them private.
	Registerer prometheus.Registerer
}

// IngestResult acknowledges an accepted record.
type IngestResult struct {
	Status     string `json:"status"`
	BufferSize int    `json:"buffer_size"`
}

// BatchRejection describes one record of a batch that failed validation.
type BatchRejection struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// BatchResult acknowledges a batch ingest.
type BatchResult struct {
	Accepted   int              `json:"accepted"`
	Rejected   []BatchRejection `json:"rejected,omitempty"`
	BufferSize int              `json:"buffer_size"`
}

// HealthStatus is the liveness view.
type HealthStatus struct {
	Status     string `json:"status"`
	BufferSize int    `json:"buffer_size"`
}

// Service is the ingestion pipeline: buffer, flusher, query engine and stats.
type Service struct {
	repo    repository.LogRepository
	cache   cache.Cache
	hub     *ws.Hub
	logger  *slog.Logger
	opts    Options
	buffer  *Buffer
	flusher *Flusher
	stats   *Stats
	metrics *metrics
	now     func() time.Time
}

// New wires a pipeline. c and hub may be nil: queries then always go to the
// store and accepted records are not streamed.
func New(repo repository.LogRepository, c cache.Cache, hub *ws.Hub, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SearchCacheTTL <= 0 {
		opts.SearchCacheTTL = defaultSearchCacheTTL
	}
	if opts.TraceCacheTTL <= 0 {
		opts.TraceCacheTTL = defaultTraceCacheTTL
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = defaultMaxLimit
	}
	m := newMetrics(opts.Registerer)
	stats := newStats(time.Now())
	buffer := NewBuffer(opts.BatchSize)
	s := &Service{
		repo:    repo,
		cache:   c,
		hub:     hub,
		logger:  logger.With("component", "logs"),
		opts:    opts,
		buffer:  buffer,
		stats:   stats,
		metrics: m,
		now:     time.Now,
	}
	s.flusher = newFlusher(buffer, repo, stats, m, logger, opts)
	return s
}

// Run drives the flush coordinator until ctx is cancelled and the buffer is drained.
func (s *Service) Run(ctx context.Context) error {
	return s.flusher.Run(ctx)
}

// Flusher exposes the coordinator, mainly for manual drains.
func (s *Service) Flusher() *Flusher {
	return s.flusher
}

// Ingest validates rec and appends it to the buffer. It never waits on the store.
func (s *Service) Ingest(ctx context.Context, rec domain.LogRecord) (IngestResult, error) {
	start := s.now()
	rec, err := s.normalize(rec)
	if err != nil {
		s.stats.rejected.Add(1)
		s.metrics.rejected.Inc()
		return IngestResult{}, err
	}
	size := s.accept(ctx, rec)
	s.metrics.ingestLatency.Observe(s.now().Sub(start).Seconds())
	return IngestResult{Status: "accepted", BufferSize: size}, nil
}

// IngestBatch accepts every valid record of recs and reports the rest.
func (s *Service) IngestBatch(ctx context.Context, recs []domain.LogRecord) (BatchResult, error) {
	if len(recs) == 0 {
		return BatchResult{}, invalid("records", "must not be empty")
	}
	start := s.now()
	var result BatchResult
	for i, rec := range recs {
		normalized, err := s.normalize(rec)
		if err != nil {
			s.stats.rejected.Add(1)
			s.metrics.rejected.Inc()
			result.Rejected = append(result.Rejected, BatchRejection{Index: i, Error: err.Error()})
			continue
		}
		s.accept(ctx, normalized)
		result.Accepted++
	}
	result.BufferSize = s.buffer.Len()
	s.metrics.ingestLatency.Observe(s.now().Sub(start).Seconds())
	return result, nil
}

func (s *Service) accept(ctx context.Context, rec domain.LogRecord) int {
	size := s.buffer.Append(rec)
	s.stats.received.Add(1)
	s.metrics.received.WithLabelValues(string(rec.Level)).Inc()
	s.metrics.bufferSize.Set(float64(size))
	s.flusher.Notify(size)

	if rec.TraceID != "" {
		s.cacheTrace(ctx, rec)
	}
	s.publish(rec)
	return size
}

func (s *Service) normalize(rec domain.LogRecord) (domain.LogRecord, error) {
	rec.Service = strings.TrimSpace(rec.Service)
	rec.Message = strings.TrimSpace(rec.Message)
	rec.TraceID = strings.TrimSpace(rec.TraceID)
	rec.UserID = strings.TrimSpace(rec.UserID)

	if rec.Service == "" {
		return rec, invalid("service", "is required")
	}
	if rec.Message == "" {
		return rec, invalid("message", "is required")
	}
	if len(rec.Service) > maxIdentifierLength {
		return rec, invalid("service", "is too long")
	}
	if len(rec.TraceID) > maxIdentifierLength {
		return rec, invalid("trace_id", "is too long")
	}
	if len(rec.UserID) > maxIdentifierLength {
		return rec, invalid("user_id", "is too long")
	}
	lvl, err := domain.ParseLevel(string(rec.Level))
	if err != nil {
		return rec, invalid("level", "must be one of DEBUG, INFO, WARNING, ERROR or CRITICAL")
	}
	rec.Level = lvl

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	} else if id, err := uuid.Parse(rec.ID); err != nil {
		return rec, invalid("id", "is not a UUID")
	} else {
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return rec, nil
}

// cacheTrace merges rec into the cached trace list. Concurrent ingests of the
// same trace may overwrite each other; the store stays authoritative.
func (s *Service) cacheTrace(ctx context.Context, rec domain.LogRecord) {
	if s.cache == nil {
		return
	}
	key := traceKey(rec.TraceID)
	existing, _ := s.cacheLookup(ctx, key)
	merged := append(existing, rec)
	s.cacheStore(ctx, key, lastN(merged, maxTraceRecords), s.opts.TraceCacheTTL)
}

func (s *Service) publish(rec domain.LogRecord) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "error", err)
		return
	}
	s.hub.Broadcast(rec.Service, payload)
}

// Stats reports the pipeline counters.
func (s *Service) Stats() ProcessingStats {
	return s.stats.Snapshot(s.now(), s.buffer.Len())
}

// Health reports liveness. It touches no dependency.
func (s *Service) Health() HealthStatus {
	return HealthStatus{Status: "healthy", BufferSize: s.buffer.Len()}
}

// Ready probes the store and, when configured, the cache.
func (s *Service) Ready(ctx context.Context) error {
	failed := make(map[string]error)
	if err := s.repo.Ping(ctx); err != nil {
		failed[ComponentStore] = err
	}
	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			failed[ComponentCache] = err
		}
	}
	if len(failed) > 0 {
		return &UnavailableError{Components: failed}
	}
	return nil
}

// CacheConfigured reports whether a cache backs the query path.
func (s *Service) CacheConfigured() bool {
	return s.cache != nil
}

// ReportCacheUsage counts live cache keys per prefix. Entries expire by TTL,
// so nothing is deleted here.
func (s *Service) ReportCacheUsage(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	var errs []error
	for _, prefix := range []string{searchKeyPrefix, traceKeyPrefix} {
		keys, err := s.cache.Keys(ctx, prefix)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.metrics.cacheKeys.WithLabelValues(strings.TrimSuffix(prefix, ":")).Set(float64(len(keys)))
		s.logger.Debug("cache usage", "prefix", prefix, "keys", len(keys))
	}
	return errors.Join(errs...)
}

// Hub returns the live tail hub, nil when streaming is disabled.
func (s *Service) Hub() *ws.Hub {
	return s.hub
}
