package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/logprocessor/internal/domain"
	"github.com/splax/logprocessor/internal/repository"
)

const defaultQueryLimit = 100

// Repository implements the log store on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ repository.LogRepository = (*Repository)(nil)

// AppendLogs inserts a batch inside a single transaction.
func (r *Repository) AppendLogs(ctx context.Context, records []domain.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	const query = `INSERT INTO logs (id, timestamp, level, service, message, trace_id, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, rec := range records {
			batch.Queue(query,
				rec.ID,
				rec.Timestamp,
				string(rec.Level),
				rec.Service,
				rec.Message,
				nilIfEmpty(rec.TraceID),
				nilIfEmpty(rec.UserID),
			)
		}
		br := tx.SendBatch(ctx, batch)
		for range records {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return err
			}
		}
		return br.Close()
	})
	return classify(err)
}

// QueryLogs returns filtered records ordered newest first.
func (r *Repository) QueryLogs(ctx context.Context, filter domain.LogFilter) ([]domain.LogRecord, error) {
	query, args := buildLogQuery(filter)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	return collectLogs(rows)
}

// ListLogsByTrace fetches all records for a trace id.
func (r *Repository) ListLogsByTrace(ctx context.Context, traceID string) ([]domain.LogRecord, error) {
	const query = `SELECT ` + logColumns + ` FROM logs WHERE trace_id = $1 ORDER BY timestamp ASC, id ASC`
	rows, err := r.pool.Query(ctx, query, traceID)
	if err != nil {
		return nil, classify(err)
	}
	return collectLogs(rows)
}

// Ping ensures the database connection is alive.
func (r *Repository) Ping(ctx context.Context) error {
	return classify(r.pool.Ping(ctx))
}

const logColumns = `id::text, timestamp, level, service, message, COALESCE(trace_id, ''), COALESCE(user_id, '')`

func buildLogQuery(filter domain.LogFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if !filter.Start.IsZero() {
		add("timestamp >= $%d", filter.Start.UTC())
	}
	if !filter.End.IsZero() {
		add("timestamp <= $%d", filter.End.UTC())
	}
	if filter.Level != "" {
		add("level = $%d", string(filter.Level))
	}
	if filter.Service != "" {
		add("service = $%d", filter.Service)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(logColumns)
	b.WriteString(" FROM logs")
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY timestamp DESC, id DESC LIMIT $%d", len(args))
	return b.String(), args
}

func collectLogs(rows pgx.Rows) ([]domain.LogRecord, error) {
	defer rows.Close()

	logs := make([]domain.LogRecord, 0)
	for rows.Next() {
		var (
			rec   domain.LogRecord
			level string
		)
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &level, &rec.Service, &rec.Message, &rec.TraceID, &rec.UserID); err != nil {
			return nil, classify(err)
		}
		rec.Level = domain.Level(level)
		rec.Timestamp = rec.Timestamp.UTC()
		logs = append(logs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return logs, nil
}

// classify maps driver errors onto repository sentinels while keeping the cause.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"):
			return fmt.Errorf("%w: %w", repository.ErrInvalidArgument, err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "57P"):
			return fmt.Errorf("%w: %w", repository.ErrUnavailable, err)
		}
		return err
	}
	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) || pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", repository.ErrUnavailable, err)
	}
	return err
}

func nilIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
