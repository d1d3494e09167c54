package logs

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/logprocessor/internal/cache"
	"github.com/splax/logprocessor/internal/domain"
)

type stubRepo struct {
	mu           sync.Mutex
	batches      [][]domain.LogRecord
	appendErrs   []error
	appendCalls  int
	queryResults []domain.LogRecord
	queryErr     error
	queries      []domain.LogFilter
	traceResults []domain.LogRecord
	traceCalls   int
	pingErr      error
}

func (r *stubRepo) AppendLogs(_ context.Context, records []domain.LogRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendCalls++
	if len(r.appendErrs) > 0 {
		err := r.appendErrs[0]
		r.appendErrs = r.appendErrs[1:]
		if err != nil {
			return err
		}
	}
	batch := make([]domain.LogRecord, len(records))
	copy(batch, records)
	r.batches = append(r.batches, batch)
	return nil
}

func (r *stubRepo) QueryLogs(_ context.Context, filter domain.LogFilter) ([]domain.LogRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, filter)
	if r.queryErr != nil {
		return nil, r.queryErr
	}
	var out []domain.LogRecord
	for _, rec := range r.queryResults {
		if filter.Service != "" && rec.Service != filter.Service {
			continue
		}
		if filter.Level != "" && rec.Level != filter.Level {
			continue
		}
		if !filter.Start.IsZero() && rec.Timestamp.Before(filter.Start) {
			continue
		}
		if !filter.End.IsZero() && rec.Timestamp.After(filter.End) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *stubRepo) ListLogsByTrace(_ context.Context, traceID string) ([]domain.LogRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traceCalls++
	if r.queryErr != nil {
		return nil, r.queryErr
	}
	var out []domain.LogRecord
	for _, rec := range r.traceResults {
		if rec.TraceID == traceID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *stubRepo) Ping(context.Context) error {
	return r.pingErr
}

func (r *stubRepo) snapshot() [][]domain.LogRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]domain.LogRecord, len(r.batches))
	copy(out, r.batches)
	return out
}

func (r *stubRepo) queryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queries)
}

type stubCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	ttls    map[string]time.Duration
	getErr  error
	setErr  error
	pingErr error
}

func newStubCache() *stubCache {
	return &stubCache{entries: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (c *stubCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	value, ok := c.entries[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	return value, nil
}

func (c *stubCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.entries[key] = value
	c.ttls[key] = ttl
	return nil
}

func (c *stubCache) Keys(_ context.Context, prefix string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []string
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (c *stubCache) Ping(context.Context) error {
	return c.pingErr
}

func (c *stubCache) ttl(key string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttls[key]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(repo *stubRepo, c cache.Cache, opts Options) *Service {
	if opts.FlushInterval == 0 {
		opts.FlushInterval = time.Hour
	}
	svc := New(repo, c, nil, discardLogger(), opts)
	svc.flusher.retryBackoff = time.Millisecond
	return svc
}

func record(service, message string) domain.LogRecord {
	return domain.LogRecord{Level: domain.LevelInfo, Service: service, Message: message}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
