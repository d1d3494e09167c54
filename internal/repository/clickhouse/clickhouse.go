package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/splax/logprocessor/internal/domain"
	"github.com/splax/logprocessor/internal/repository"
)

const (
	defaultQueryLimit = 100
	tableName         = "logs"
)

const schema = `CREATE TABLE IF NOT EXISTS ` + tableName + ` (
	id String,
	timestamp DateTime64(6, 'UTC'),
	level LowCardinality(String),
	service LowCardinality(String),
	message String,
	trace_id String,
	user_id String,
	INDEX trace_idx trace_id TYPE bloom_filter GRANULARITY 4
) ENGINE = ReplacingMergeTree
ORDER BY (service, timestamp, id)`

// Options configures the ClickHouse connection.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
}

// Repository implements the log store on ClickHouse.
type Repository struct {
	conn ch.Conn
}

var _ repository.LogRepository = (*Repository)(nil)

// Open dials ClickHouse and verifies the connection.
func Open(ctx context.Context, opts Options) (*Repository, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, errors.New("clickhouse address required")
	}
	conn, err := ch.Open(&ch.Options{
		Addr: []string{opts.Addr},
		Auth: ch.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", classify(err))
	}
	return &Repository{conn: conn}, nil
}

// EnsureSchema creates the logs table when missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if err := r.conn.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create logs table: %w", classify(err))
	}
	return nil
}

// Close releases the connection.
func (r *Repository) Close() error {
	return r.conn.Close()
}

type logRow struct {
	ID        string    `ch:"id"`
	Timestamp time.Time `ch:"timestamp"`
	Level     string    `ch:"level"`
	Service   string    `ch:"service"`
	Message   string    `ch:"message"`
	TraceID   string    `ch:"trace_id"`
	UserID    string    `ch:"user_id"`
}

func toRow(rec domain.LogRecord) logRow {
	return logRow{
		ID:        rec.ID,
		Timestamp: rec.Timestamp.UTC(),
		Level:     string(rec.Level),
		Service:   rec.Service,
		Message:   rec.Message,
		TraceID:   rec.TraceID,
		UserID:    rec.UserID,
	}
}

func (row logRow) toRecord() domain.LogRecord {
	return domain.LogRecord{
		ID:        row.ID,
		Timestamp: row.Timestamp.UTC(),
		Level:     domain.Level(row.Level),
		Service:   row.Service,
		Message:   row.Message,
		TraceID:   row.TraceID,
		UserID:    row.UserID,
	}
}

// AppendLogs sends the batch as one native insert block.
func (r *Repository) AppendLogs(ctx context.Context, records []domain.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch, err := r.conn.PrepareBatch(ctx, "INSERT INTO "+tableName)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", classify(err))
	}
	for _, rec := range records {
		row := toRow(rec)
		if err := batch.AppendStruct(&row); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append row: %w: %w", repository.ErrInvalidArgument, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", classify(err))
	}
	return nil
}

// QueryLogs returns filtered records ordered newest first.
func (r *Repository) QueryLogs(ctx context.Context, filter domain.LogFilter) ([]domain.LogRecord, error) {
	query, args := buildLogQuery(filter)
	var rows []logRow
	if err := r.conn.Select(ctx, &rows, query, args...); err != nil {
		return nil, classify(err)
	}
	return toRecords(rows), nil
}

// ListLogsByTrace fetches all records for a trace id.
func (r *Repository) ListLogsByTrace(ctx context.Context, traceID string) ([]domain.LogRecord, error) {
	query := "SELECT " + logColumns + " FROM " + tableName + " FINAL WHERE trace_id = ? ORDER BY timestamp ASC, id ASC"
	var rows []logRow
	if err := r.conn.Select(ctx, &rows, query, traceID); err != nil {
		return nil, classify(err)
	}
	return toRecords(rows), nil
}

// Ping verifies connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return classify(r.conn.Ping(ctx))
}

const logColumns = "id, timestamp, level, service, message, trace_id, user_id"

func buildLogQuery(filter domain.LogFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if !filter.Start.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, filter.Start.UTC())
	}
	if !filter.End.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, filter.End.UTC())
	}
	if filter.Level != "" {
		conds = append(conds, "level = ?")
		args = append(args, string(filter.Level))
	}
	if filter.Service != "" {
		conds = append(conds, "service = ?")
		args = append(args, filter.Service)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	var b strings.Builder
	b.WriteString("SELECT " + logColumns + " FROM " + tableName + " FINAL")
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ?")
	args = append(args, limit)
	return b.String(), args
}

func toRecords(rows []logRow) []domain.LogRecord {
	records := make([]domain.LogRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toRecord())
	}
	return records
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ch.ErrAcquireConnTimeout) {
		return fmt.Errorf("%w: %w", repository.ErrUnavailable, err)
	}
	return err
}
