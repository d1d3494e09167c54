package logs

import (
	"sync"
	"sync/atomic"

	"github.com/splax/logprocessor/internal/domain"
)

// Buffer accumulates records awaiting a flush. The mutex is held only for
// in-memory slice operations, never across I/O.
type Buffer struct {
	mu      sync.Mutex
	records []domain.LogRecord
	size    atomic.Int64
	hint    int
}

// NewBuffer returns an empty buffer; capacityHint presizes each generation.
func NewBuffer(capacityHint int) *Buffer {
	if capacityHint < 0 {
		capacityHint = 0
	}
	return &Buffer{records: make([]domain.LogRecord, 0, capacityHint), hint: capacityHint}
}

// Append adds rec to the tail and returns the new size.
func (b *Buffer) Append(rec domain.LogRecord) int {
	b.mu.Lock()
	b.records = append(b.records, rec)
	n := len(b.records)
	b.size.Store(int64(n))
	b.mu.Unlock()
	return n
}

// SnapshotAndClear swaps the pending records out and leaves the buffer empty.
func (b *Buffer) SnapshotAndClear() []domain.LogRecord {
	b.mu.Lock()
	batch := b.records
	b.records = make([]domain.LogRecord, 0, b.hint)
	b.size.Store(0)
	b.mu.Unlock()
	return batch
}

// Len reports the current size without taking the lock. Monitoring only.
func (b *Buffer) Len() int {
	return int(b.size.Load())
}
