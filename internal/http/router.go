package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/logprocessor/internal/domain"
	"github.com/splax/logprocessor/internal/service/logs"
	"github.com/splax/logprocessor/internal/ws"
)

const (
	rateWindowDefault   = time.Minute
	readyCheckTimeout   = 2 * time.Second
	maxRecordBytes      = 1 << 20
	maxBatchBytes       = 16 << 20
	maxBatchRecords     = 5000
	contentEncodingGzip = "gzip"
	contentEncodingZstd = "zstd"
)

// Options configures the router.
type Options struct {
	// IngestRateLimit is the per-client budget for ingest routes per minute. Zero disables it.
	IngestRateLimit int
	Registerer      prometheus.Registerer
	Gatherer        prometheus.Gatherer
}

// Router wires HTTP endpoints to the log pipeline.
type Router struct {
	mux         *mux.Router
	logger      *slog.Logger
	logs        *logs.Service
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	ingestLimit int
	metricsH    http.Handler

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, logSvc *logs.Service, limiter RateLimiter, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	reg := opts.Registerer
	gatherer := opts.Gatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r := &Router{
		mux:    mux.NewRouter(),
		logger: logger.With("component", "http"),
		logs:   logSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     limiter,
		ingestLimit: opts.IngestRateLimit,
		metricsH:    promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics(reg)
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/logs", r.audit(r.withRateLimit("/logs", r.ingestLimit, rateWindowDefault, rateLimitKeyIP, r.handleIngest))).Methods(http.MethodPost)
	r.mux.HandleFunc("/logs/batch", r.audit(r.withRateLimit("/logs/batch", r.ingestLimit, rateWindowDefault, rateLimitKeyIP, r.handleIngestBatch))).Methods(http.MethodPost)
	r.mux.HandleFunc("/logs/search", r.audit(r.handleSearch)).Methods(http.MethodGet)
	r.mux.HandleFunc("/logs/trace/{trace_id}", r.audit(r.handleTrace)).Methods(http.MethodGet)
	r.mux.HandleFunc("/stats", r.audit(r.handleStats)).Methods(http.MethodGet)
	r.mux.HandleFunc("/health", r.audit(r.handleHealth)).Methods(http.MethodGet)
	r.mux.HandleFunc("/ready", r.audit(r.handleReady)).Methods(http.MethodGet)
	r.mux.Handle("/metrics", r.metricsH).Methods(http.MethodGet)
	r.mux.HandleFunc("/ws/logs", r.audit(r.handleLogsWS)).Methods(http.MethodGet)

	r.mux.NotFoundHandler = http.HandlerFunc(r.audit(func(w http.ResponseWriter, _ *http.Request) { r.notFound(w) }))
	r.mux.MethodNotAllowedHandler = http.HandlerFunc(r.audit(func(w http.ResponseWriter, _ *http.Request) { r.methodNotAllowed(w) }))
}

func (r *Router) handleIngest(w http.ResponseWriter, req *http.Request) {
	var rec domain.LogRecord
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRecordBytes)).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := r.logs.Ingest(req.Context(), rec)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleIngestBatch(w http.ResponseWriter, req *http.Request) {
	body, err := decodedBody(http.MaxBytesReader(w, req.Body, maxBatchBytes), req.Header.Get("Content-Encoding"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer body.Close()

	var records []domain.LogRecord
	if err := json.NewDecoder(body).Decode(&records); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(records) > maxBatchRecords {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("batch exceeds %d records", maxBatchRecords))
		return
	}
	res, err := r.logs.IngestBatch(req.Context(), records)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	status := http.StatusOK
	if res.Accepted == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, res)
}

// decodedBody unwraps gzip or zstd request bodies.
func decodedBody(body io.ReadCloser, encoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case contentEncodingGzip:
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, errors.New("invalid gzip body")
		}
		return zr, nil
	case contentEncodingZstd:
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, errors.New("invalid zstd body")
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

func (r *Router) handleSearch(w http.ResponseWriter, req *http.Request) {
	filter, err := parseFilter(req.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := r.logs.Search(req.Context(), filter)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parseFilter(q map[string][]string) (domain.LogFilter, error) {
	get := func(key string) string {
		if v := q[key]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}
	var filter domain.LogFilter
	if raw := get("start_time"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return filter, errors.New("start_time must be RFC3339")
		}
		filter.Start = ts
	}
	if raw := get("end_time"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return filter, errors.New("end_time must be RFC3339")
		}
		filter.End = ts
	}
	if raw := get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return filter, errors.New("limit must be an integer")
		}
		filter.Limit = limit
	}
	filter.Level = domain.Level(get("level"))
	filter.Service = get("service")
	return filter, nil
}

func (r *Router) handleTrace(w http.ResponseWriter, req *http.Request) {
	res, err := r.logs.Trace(req.Context(), mux.Vars(req)["trace_id"])
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.logs.Stats())
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.logs.Health())
}

func (r *Router) handleReady(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), readyCheckTimeout)
	defer cancel()

	components := []string{logs.ComponentStore}
	if r.logs.CacheConfigured() {
		components = append(components, logs.ComponentCache)
	}
	payload := map[string]any{"timestamp": time.Now().UTC().Format(time.RFC3339Nano)}

	err := r.logs.Ready(ctx)
	var unavailable *logs.UnavailableError
	if errors.As(err, &unavailable) {
		payload["status"] = "not ready"
		payload["components"] = unavailable.Status(components...)
		r.logger.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	status := (&logs.UnavailableError{}).Status(components...)
	if !r.logs.CacheConfigured() {
		status[logs.ComponentCache] = "disabled"
	}
	payload["status"] = "ready"
	payload["components"] = status
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	hub := r.logs.Hub()
	if hub == nil {
		writeError(w, http.StatusNotFound, "live tail disabled")
		return
	}
	topic := strings.TrimSpace(req.URL.Query().Get("service"))
	if topic == "" {
		topic = ws.AllTopics
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	hub.Register(topic, client)
	go func() {
		defer hub.Unregister(topic, client)
		client.Listen()
	}()
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		route := routeLabel(req)
		r.recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"route", route,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status == http.StatusNotFound:
			r.logger.Info("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

func routeLabel(req *http.Request) string {
	if route := mux.CurrentRoute(req); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
