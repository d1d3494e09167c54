package logs

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "logprocessor"

var latencyBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

type metrics struct {
	received      *prometheus.CounterVec
	processed     prometheus.Counter
	rejected      prometheus.Counter
	dropped       prometheus.Counter
	flushes       *prometheus.CounterVec
	flushDuration prometheus.Histogram
	ingestLatency prometheus.Histogram
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	bufferSize    prometheus.Gauge
	active        prometheus.Gauge
	cacheKeys     *prometheus.GaugeVec
}

// newMetrics builds the pipeline collectors. A nil registerer leaves them
// unregistered, which keeps tests independent of the global registry.
func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		received: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "logs_received_total",
			Help:      "Total logs received",
		}, []string{"level"})),
		processed: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "logs_processed_total",
			Help:      "Total logs flushed to the durable store",
		})),
		rejected: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "logs_rejected_total",
			Help:      "Total logs rejected at ingestion",
		})),
		dropped: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "logs_dropped_total",
			Help:      "Total logs lost to failed flushes",
		})),
		flushes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flushes_total",
			Help:      "Buffer flushes by trigger and outcome",
		}, []string{"trigger", "outcome"})),
		flushDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "flush_duration_seconds",
			Help:      "Time spent writing a batch to the durable store",
			Buckets:   prometheus.DefBuckets,
		})),
		ingestLatency: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "log_processing_latency_seconds",
			Help:      "Ingestion latency",
			Buckets:   latencyBuckets,
		})),
		cacheHits: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_hits_total",
			Help:      "Total cache hits",
		})),
		cacheMisses: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_misses_total",
			Help:      "Total cache misses",
		})),
		bufferSize: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "log_buffer_size",
			Help:      "Current buffer size",
		})),
		active: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_log_processors",
			Help:      "Number of running flush coordinators",
		})),
		cacheKeys: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "cache_keys",
			Help:      "Live cache keys by prefix",
		}, []string{"prefix"})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) T {
	if reg == nil {
		return collector
	}
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return collector
}
