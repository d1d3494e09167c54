package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const commandTimeout = time.Minute

// Runner applies the goose migrations that create the logs table.
type Runner struct {
	db       *sql.DB
	provider *goose.Provider
	dir      string
	log      *slog.Logger
}

// New returns a migration runner sharing pool's connections.
func New(pool *pgxpool.Pool, migrationsDir string, log *slog.Logger) (*Runner, error) {
	if pool == nil {
		return nil, errors.New("nil pool provided")
	}
	if migrationsDir == "" {
		return nil, errors.New("empty migrations directory")
	}
	if _, err := os.Stat(migrationsDir); err != nil {
		return nil, fmt.Errorf("locate migrations dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	db := stdlib.OpenDBFromPool(pool)
	provider, err := goose.NewProvider(goose.DialectPostgres, db, os.DirFS(migrationsDir))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure goose: %w", err)
	}
	return &Runner{db: db, provider: provider, dir: migrationsDir, log: log.With("component", "migrate")}, nil
}

// Ensure applies pending migrations.
func (r *Runner) Ensure(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	r.log.Info("applying migrations", "dir", r.dir)
	results, err := r.provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, res := range results {
		r.log.Info("migration applied", "version", res.Source.Version, "duration", res.Duration)
	}
	r.log.Info("migrations up to date", "applied", len(results))
	return nil
}

// Status logs applied and pending migrations.
func (r *Runner) Status(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	statuses, err := r.provider.Status(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	for _, st := range statuses {
		r.log.Info("migration status", "version", st.Source.Version, "path", st.Source.Path, "state", st.State, "applied_at", st.AppliedAt)
	}
	return nil
}

// Down rolls back the latest migration, or every migration above targetVersion when it is positive.
func (r *Runner) Down(ctx context.Context, targetVersion int64) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if targetVersion > 0 {
		r.log.Info("rolling back migrations", "target", targetVersion)
		if _, err := r.provider.DownTo(ctx, targetVersion); err != nil {
			return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
		}
	} else {
		r.log.Info("rolling back latest migration")
		if _, err := r.provider.Down(ctx); err != nil {
			return fmt.Errorf("rollback latest migration: %w", err)
		}
	}
	r.log.Info("rollback complete")
	return nil
}

// Close releases the sql handle.
func (r *Runner) Close() error {
	return r.db.Close()
}
