package repository

import (
	"context"

	"github.com/splax/logprocessor/internal/domain"
)

// LogRepository is the durable store for flushed log records.
type LogRepository interface {
	// AppendLogs persists a batch atomically. Records already stored (same ID) are skipped.
	AppendLogs(ctx context.Context, records []domain.LogRecord) error
	// QueryLogs returns records matching the filter, newest first, at most filter.Limit.
	QueryLogs(ctx context.Context, filter domain.LogFilter) ([]domain.LogRecord, error)
	// ListLogsByTrace returns every record carrying the trace id, oldest first.
	ListLogsByTrace(ctx context.Context, traceID string) ([]domain.LogRecord, error)
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
}
