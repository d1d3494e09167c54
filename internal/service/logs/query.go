package logs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/splax/logprocessor/internal/cache"
	"github.com/splax/logprocessor/internal/domain"
	"github.com/splax/logprocessor/internal/repository"
)

const (
	defaultSearchLimit = 100
	defaultMaxLimit    = 1000
	maxTraceRecords    = 100
)

// SearchResult is the answer to a range query.
type SearchResult struct {
	Results []domain.LogRecord `json:"results"`
	Cached  bool               `json:"cached"`
	Count   int                `json:"count"`
}

// TraceResult is the answer to a trace lookup.
type TraceResult struct {
	Results []domain.LogRecord `json:"results"`
	Cached  bool               `json:"cached"`
}

func normalizeFilter(filter domain.LogFilter, maxLimit int) (domain.LogFilter, error) {
	if maxLimit <= 0 {
		maxLimit = defaultMaxLimit
	}
	out := domain.LogFilter{
		Service: strings.TrimSpace(filter.Service),
		Limit:   filter.Limit,
	}
	if !filter.Start.IsZero() {
		out.Start = filter.Start.UTC()
	}
	if !filter.End.IsZero() {
		out.End = filter.End.UTC()
	}
	if !out.Start.IsZero() && !out.End.IsZero() && out.Start.After(out.End) {
		return domain.LogFilter{}, invalid("start_time", "is after end_time")
	}
	if filter.Level != "" {
		lvl, err := domain.ParseLevel(string(filter.Level))
		if err != nil {
			return domain.LogFilter{}, invalid("level", "is not a known level")
		}
		out.Level = lvl
	}
	if out.Limit <= 0 {
		out.Limit = defaultSearchLimit
	}
	if out.Limit > maxLimit {
		out.Limit = maxLimit
	}
	return out, nil
}

// Search answers a range query from the cache when possible, otherwise from
// the store, populating the cache on the way out.
func (s *Service) Search(ctx context.Context, filter domain.LogFilter) (SearchResult, error) {
	filter, err := normalizeFilter(filter, s.opts.MaxLimit)
	if err != nil {
		return SearchResult{}, err
	}
	key := searchKey(filter)

	if records, ok := s.cacheLookup(ctx, key); ok {
		s.stats.cacheHits.Add(1)
		s.metrics.cacheHits.Inc()
		return SearchResult{Results: records, Cached: true, Count: len(records)}, nil
	}
	s.stats.cacheMisses.Add(1)
	s.metrics.cacheMisses.Inc()

	queryCtx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()
	records, err := s.repo.QueryLogs(queryCtx, filter)
	if err != nil {
		return SearchResult{}, fmt.Errorf("query log store: %w", err)
	}
	if records == nil {
		records = []domain.LogRecord{}
	}
	s.cacheStore(ctx, key, records, s.opts.SearchCacheTTL)
	return SearchResult{Results: records, Count: len(records)}, nil
}

// Trace returns every record sharing traceID, oldest first.
func (s *Service) Trace(ctx context.Context, traceID string) (TraceResult, error) {
	traceID = strings.TrimSpace(traceID)
	if traceID == "" {
		return TraceResult{}, invalid("trace_id", "is required")
	}
	key := traceKey(traceID)

	if records, ok := s.cacheLookup(ctx, key); ok && len(records) > 0 {
		return TraceResult{Results: records, Cached: true}, nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()
	records, err := s.repo.ListLogsByTrace(queryCtx, traceID)
	if err != nil {
		return TraceResult{}, fmt.Errorf("query log store: %w", err)
	}
	if len(records) == 0 {
		return TraceResult{}, fmt.Errorf("trace %s: %w", traceID, repository.ErrNotFound)
	}
	s.cacheStore(ctx, key, lastN(records, maxTraceRecords), s.opts.TraceCacheTTL)
	return TraceResult{Results: records}, nil
}

// cacheLookup treats every cache failure as a miss.
func (s *Service) cacheLookup(ctx context.Context, key string) ([]domain.LogRecord, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("cache read failed", "error", err, "key", key)
		}
		return nil, false
	}
	var records []domain.LogRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		s.logger.Warn("cache entry corrupt", "error", err, "key", key)
		return nil, false
	}
	if records == nil {
		records = []domain.LogRecord{}
	}
	return records, true
}

func (s *Service) cacheStore(ctx context.Context, key string, records []domain.LogRecord, ttl time.Duration) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(records)
	if err != nil {
		s.logger.Warn("cache encode failed", "error", err, "key", key)
		return
	}
	if err := s.cache.Set(context.WithoutCancel(ctx), key, raw, ttl); err != nil {
		s.logger.Warn("cache write failed", "error", err, "key", key)
	}
}

func lastN(records []domain.LogRecord, n int) []domain.LogRecord {
	if len(records) <= n {
		return records
	}
	return records[len(records)-n:]
}
