package logs

import (
	"sync/atomic"
	"time"
)

// Stats holds process-lifetime pipeline counters.
type Stats struct {
	received      atomic.Int64
	processed     atomic.Int64
	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64
	rejected      atomic.Int64
	flushes       atomic.Int64
	flushFailures atomic.Int64
	dropped       atomic.Int64
	startTime     time.Time
}

// ProcessingStats is a point-in-time view of the counters plus derived values.
type ProcessingStats struct {
	TotalReceived  int64     `json:"total_received"`
	TotalProcessed int64     `json:"total_processed"`
	CacheHits      int64     `json:"cache_hits"`
	CacheMisses    int64     `json:"cache_misses"`
	Rejected       int64     `json:"rejected"`
	Flushes        int64     `json:"flushes"`
	FlushFailures  int64     `json:"flush_failures"`
	Dropped        int64     `json:"dropped"`
	BufferSize     int       `json:"buffer_size"`
	CacheHitRate   float64   `json:"cache_hit_rate"`
	UptimeSeconds  int64     `json:"uptime_seconds"`
	StartTime      time.Time `json:"start_time"`
}

func newStats(start time.Time) *Stats {
	return &Stats{startTime: start.UTC()}
}

// Snapshot reads the counters. Concurrent updates may land on either side.
func (s *Stats) Snapshot(now time.Time, bufferSize int) ProcessingStats {
	hits := s.cacheHits.Load()
	misses := s.cacheMisses.Load()
	uptime := now.Sub(s.startTime)
	if uptime < 0 {
		uptime = 0
	}
	return ProcessingStats{
		TotalReceived:  s.received.Load(),
		TotalProcessed: s.processed.Load(),
		CacheHits:      hits,
		CacheMisses:    misses,
		Rejected:       s.rejected.Load(),
		Flushes:        s.flushes.Load(),
		FlushFailures:  s.flushFailures.Load(),
		Dropped:        s.dropped.Load(),
		BufferSize:     bufferSize,
		CacheHitRate:   hitRate(hits, misses),
		UptimeSeconds:  int64(uptime / time.Second),
		StartTime:      s.startTime,
	}
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
