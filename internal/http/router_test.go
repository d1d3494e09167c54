package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	rediscache "github.com/splax/logprocessor/internal/cache/redis"
	"github.com/splax/logprocessor/internal/domain"
	"github.com/splax/logprocessor/internal/repository"
	"github.com/splax/logprocessor/internal/service/logs"
	"github.com/splax/logprocessor/internal/ws"
)

type stubLogRepo struct {
	mu       sync.Mutex
	records  []domain.LogRecord
	queryErr error
	pingErr  error
	filters  []domain.LogFilter
}

func (r *stubLogRepo) AppendLogs(_ context.Context, records []domain.LogRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, records...)
	return nil
}

func (r *stubLogRepo) QueryLogs(_ context.Context, filter domain.LogFilter) ([]domain.LogRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters = append(r.filters, filter)
	if r.queryErr != nil {
		return nil, r.queryErr
	}
	return r.records, nil
}

func (r *stubLogRepo) ListLogsByTrace(_ context.Context, traceID string) ([]domain.LogRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queryErr != nil {
		return nil, r.queryErr
	}
	var out []domain.LogRecord
	for _, rec := range r.records {
		if rec.TraceID == traceID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *stubLogRepo) Ping(context.Context) error {
	return r.pingErr
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T, repo *stubLogRepo, hub *ws.Hub, opts Options) (*Router, *logs.Service) {
	t.Helper()
	svc := logs.New(repo, nil, hub, quietLogger(), logs.Options{FlushInterval: time.Hour})
	reg := prometheus.NewRegistry()
	opts.Registerer = reg
	opts.Gatherer = reg
	router := NewRouter(quietLogger(), svc, nil, opts)
	t.Cleanup(router.Close)
	return router, svc
}

func doRequest(router http.Handler, method, target string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleIngestAcceptsRecord(t *testing.T) {
	router, svc := newTestRouter(t, &stubLogRepo{}, nil, Options{})

	resp := doRequest(router, http.MethodPost, "/logs", strings.NewReader(`{"level":"info","service":"api","message":"hello","trace_id":"t-1"}`), nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var payload struct {
		Status     string `json:"status"`
		BufferSize int    `json:"buffer_size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "accepted" || payload.BufferSize != 1 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if svc.Stats().TotalReceived != 1 {
		t.Fatalf("expected record to be counted")
	}
}

func TestHandleIngestRejectsInvalidRecord(t *testing.T) {
	router, svc := newTestRouter(t, &stubLogRepo{}, nil, Options{})

	resp := doRequest(router, http.MethodPost, "/logs", strings.NewReader(`{"level":"info","message":"no service"}`), nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "service") {
		t.Fatalf("expected field in error, got %s", resp.Body.String())
	}

	resp = doRequest(router, http.MethodPost, "/logs", strings.NewReader(`{not json`), nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", resp.Code)
	}
	if svc.Health().BufferSize != 0 {
		t.Fatalf("rejected records must not be buffered")
	}
}

func TestHandleIngestMethodNotAllowed(t *testing.T) {
	router, _ := newTestRouter(t, &stubLogRepo{}, nil, Options{})
	resp := doRequest(router, http.MethodGet, "/logs", nil, nil)
	if resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.Code)
	}
}

func batchBody(t *testing.T, n int) []byte {
	t.Helper()
	records := make([]map[string]string, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, map[string]string{"level": "DEBUG", "service": "worker", "message": fmt.Sprintf("job %d", i)})
	}
	raw, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestHandleIngestBatchEncodings(t *testing.T) {
	raw := batchBody(t, 3)

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	if _, err := gw.Write(raw); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	zst := enc.EncodeAll(raw, nil)
	_ = enc.Close()

	cases := map[string]struct {
		body     []byte
		encoding string
	}{
		"plain": {raw, ""},
		"gzip":  {gz.Bytes(), "gzip"},
		"zstd":  {zst, "zstd"},
	}
	for name, tc := range cases {
		router, svc := newTestRouter(t, &stubLogRepo{}, nil, Options{})
		headers := map[string]string{}
		if tc.encoding != "" {
			headers["Content-Encoding"] = tc.encoding
		}
		resp := doRequest(router, http.MethodPost, "/logs/batch", bytes.NewReader(tc.body), headers)
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", name, resp.Code, resp.Body.String())
		}
		if svc.Health().BufferSize != 3 {
			t.Fatalf("%s: expected 3 buffered records, got %d", name, svc.Health().BufferSize)
		}
	}
}

func TestHandleIngestBatchRejectsUnknownEncoding(t *testing.T) {
	router, _ := newTestRouter(t, &stubLogRepo{}, nil, Options{})
	resp := doRequest(router, http.MethodPost, "/logs/batch", bytes.NewReader(batchBody(t, 1)), map[string]string{"Content-Encoding": "br"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestHandleSearchParsesFilter(t *testing.T) {
	repo := &stubLogRepo{records: []domain.LogRecord{{ID: "1", Level: domain.LevelError, Service: "auth", Message: "denied"}}}
	router, _ := newTestRouter(t, repo, nil, Options{})

	resp := doRequest(router, http.MethodGet, "/logs/search?level=error&service=auth&limit=5000&start_time=2025-01-01T00:00:00Z", nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var payload logs.SearchResult
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Cached || payload.Count != 1 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	filter := repo.filters[0]
	if filter.Level != domain.LevelError || filter.Service != "auth" || filter.Limit != 1000 {
		t.Fatalf("unexpected filter %+v", filter)
	}
	if !filter.Start.Equal(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start %s", filter.Start)
	}
}

func TestHandleSearchErrors(t *testing.T) {
	router, _ := newTestRouter(t, &stubLogRepo{}, nil, Options{})
	for _, target := range []string{"/logs/search?start_time=yesterday", "/logs/search?limit=ten", "/logs/search?level=loud"} {
		if resp := doRequest(router, http.MethodGet, target, nil, nil); resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, resp.Code)
		}
	}

	down, _ := newTestRouter(t, &stubLogRepo{queryErr: fmt.Errorf("%w: dial", repository.ErrUnavailable)}, nil, Options{})
	if resp := doRequest(down, http.MethodGet, "/logs/search", nil, nil); resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the store is down, got %d", resp.Code)
	}
}

func TestHandleTrace(t *testing.T) {
	repo := &stubLogRepo{records: []domain.LogRecord{{ID: "1", TraceID: "abc", Level: domain.LevelInfo, Service: "api", Message: "m"}}}
	router, _ := newTestRouter(t, repo, nil, Options{})

	resp := doRequest(router, http.MethodGet, "/logs/trace/abc", nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var payload logs.TraceResult
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Results) != 1 || payload.Results[0].ID != "1" {
		t.Fatalf("unexpected payload %+v", payload)
	}

	if resp := doRequest(router, http.MethodGet, "/logs/trace/missing", nil, nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestHandleStatsAndHealth(t *testing.T) {
	router, svc := newTestRouter(t, &stubLogRepo{}, nil, Options{})
	if _, err := svc.Ingest(context.Background(), domain.LogRecord{Level: domain.LevelInfo, Service: "api", Message: "m"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	resp := doRequest(router, http.MethodGet, "/stats", nil, nil)
	var stats logs.ProcessingStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalReceived != 1 || stats.BufferSize != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	resp = doRequest(router, http.MethodGet, "/health", nil, nil)
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"status":"healthy"`) {
		t.Fatalf("unexpected health response %d %s", resp.Code, resp.Body.String())
	}
}

func TestHandleReady(t *testing.T) {
	repo := &stubLogRepo{}
	router, _ := newTestRouter(t, repo, nil, Options{})

	resp := doRequest(router, http.MethodGet, "/ready", nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"cache":"disabled"`) {
		t.Fatalf("expected cache reported as disabled, got %s", resp.Body.String())
	}

	repo.pingErr = fmt.Errorf("%w: refused", repository.ErrUnavailable)
	resp = doRequest(router, http.MethodGet, "/ready", nil, nil)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"database":"unavailable"`) {
		t.Fatalf("expected database unavailable, got %s", resp.Body.String())
	}
}

func TestHandleReadyReportsUnreachableCache(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	redisCache, err := rediscache.New("redis://"+addr, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { _ = redisCache.Close() })

	repo := &stubLogRepo{}
	svc := logs.New(repo, redisCache, nil, quietLogger(), logs.Options{FlushInterval: time.Hour})
	reg := prometheus.NewRegistry()
	router := NewRouter(quietLogger(), svc, nil, Options{Registerer: reg, Gatherer: reg})
	t.Cleanup(router.Close)

	resp := doRequest(router, http.MethodGet, "/ready", nil, nil)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", resp.Code, resp.Body.String())
	}
	body := resp.Body.String()
	if !strings.Contains(body, `"cache":"unavailable"`) || !strings.Contains(body, `"database":"connected"`) {
		t.Fatalf("expected only the cache reported unavailable, got %s", body)
	}

	rec := `{"service":"auth","level":"INFO","message":"login"}`
	resp = doRequest(router, http.MethodPost, "/logs", strings.NewReader(rec), nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected ingest to succeed without the cache, got %d", resp.Code)
	}
	resp = doRequest(router, http.MethodGet, "/logs/search?service=auth", nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected search to fall back to the store, got %d", resp.Code)
	}
}

func TestIngestRateLimited(t *testing.T) {
	router, _ := newTestRouter(t, &stubLogRepo{}, nil, Options{IngestRateLimit: 2})
	body := `{"level":"info","service":"api","message":"m"}`

	for i := 0; i < 2; i++ {
		resp := doRequest(router, http.MethodPost, "/logs", strings.NewReader(body), nil)
		if resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.Code)
		}
	}
	resp := doRequest(router, http.MethodPost, "/logs", strings.NewReader(body), nil)
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.Code)
	}
	if resp.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected remaining 0, got %q", resp.Header().Get("X-RateLimit-Remaining"))
	}

	if resp := doRequest(router, http.MethodGet, "/logs/search", nil, nil); resp.Code != http.StatusOK {
		t.Fatalf("query routes must not be limited, got %d", resp.Code)
	}
}

func TestMetricsEndpointExposesRequestCounters(t *testing.T) {
	router, _ := newTestRouter(t, &stubLogRepo{}, nil, Options{})
	doRequest(router, http.MethodGet, "/health", nil, nil)

	resp := doRequest(router, http.MethodGet, "/metrics", nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `logprocessor_http_requests_total{method="GET",route="/health",status="200"} 1`) {
		t.Fatalf("expected request counter in exposition, got:\n%s", resp.Body.String())
	}
}

func TestLogsWebsocketStreamsAcceptedRecords(t *testing.T) {
	hub := ws.NewHub(16)
	router, svc := newTestRouter(t, &stubLogRepo{}, hub, Options{})
	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/logs?service=billing"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration happens after the upgrade completes; retry until it lands.
	deadline := time.Now().Add(2 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	received := make(chan []byte, 1)
	go func() {
		_, payload, err := conn.ReadMessage()
		if err == nil {
			received <- payload
		}
	}()
	for time.Now().Before(deadline) {
		if _, err := svc.Ingest(context.Background(), domain.LogRecord{Level: domain.LevelError, Service: "billing", Message: "charge failed"}); err != nil {
			t.Fatalf("ingest: %v", err)
		}
		select {
		case payload := <-received:
			if !strings.Contains(string(payload), "charge failed") {
				t.Fatalf("unexpected payload %s", payload)
			}
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
	t.Fatalf("no record streamed")
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	now := time.Date(2025, time.May, 1, 12, 0, 0, 0, time.UTC)
	rl := newMemoryRateLimiter(func() time.Time { return now })
	defer rl.Close()

	for i := 0; i < 3; i++ {
		if !rl.Allow("ip:1", 3, time.Minute).allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if rl.Allow("ip:1", 3, time.Minute).allowed {
		t.Fatalf("fourth request should be denied")
	}
	if !rl.Allow("ip:2", 3, time.Minute).allowed {
		t.Fatalf("other clients keep their own budget")
	}

	now = now.Add(61 * time.Second)
	if !rl.Allow("ip:1", 3, time.Minute).allowed {
		t.Fatalf("budget should reset after the window")
	}
	rl.cleanup(now.Add(2 * time.Minute))
	if len(rl.entries) != 0 {
		t.Fatalf("expected expired entries to be swept, got %d", len(rl.entries))
	}
}

func TestRedisRateLimiter(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	rl := NewRedisRateLimiter(client, quietLogger())
	defer rl.Close()

	for i := 0; i < 2; i++ {
		if d := rl.Allow("ip:10.0.0.1", 2, time.Minute); !d.allowed || d.count != i+1 {
			t.Fatalf("request %d: unexpected decision %+v", i, d)
		}
	}
	if rl.Allow("ip:10.0.0.1", 2, time.Minute).allowed {
		t.Fatalf("third request should be denied")
	}
	if ttl := srv.TTL(redisRateLimitPrefix + "ip:10.0.0.1"); ttl != time.Minute {
		t.Fatalf("expected window ttl of 1m, got %s", ttl)
	}

	srv.FastForward(time.Minute + time.Second)
	if !rl.Allow("ip:10.0.0.1", 2, time.Minute).allowed {
		t.Fatalf("budget should reset once the key expires")
	}
}

func TestRedisRateLimiterFailsOpen(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr(), MaxRetries: -1})
	rl := NewRedisRateLimiter(client, quietLogger())
	defer rl.Close()
	srv.Close()

	if !rl.Allow("ip:1", 1, time.Minute).allowed {
		t.Fatalf("expected requests to pass while redis is down")
	}
}
