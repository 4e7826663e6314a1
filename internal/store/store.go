// Package store provides durable backends for the fingerprint cache index.
// Each backend is append-only: the first entry written for a fingerprint is
// kept and returned to every later writer.
package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/health-report/internal/cache"
	"github.com/sells-group/health-report/internal/config"
)

// Pool is the subset of pgxpool.Pool the Postgres store needs. pgxmock
// pools satisfy it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Migrator is implemented by backends that need schema setup.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Open builds the cache backend selected by cfg. The memory driver returns
// a nil backend, which keeps the cache process-local.
func Open(ctx context.Context, cfg config.StoreConfig) (cache.Backend, error) {
	var (
		backend cache.Backend
		err     error
	)
	switch cfg.Driver {
	case "memory", "":
		return nil, nil
	case "sqlite":
		backend, err = NewSQLite(cfg.Path)
	case "postgres":
		backend, err = NewPostgres(ctx, cfg.DatabaseURL, nil)
	case "badger":
		backend, err = NewBadger(BadgerConfig{Path: cfg.Path})
	default:
		return nil, eris.Errorf("store: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if m, ok := backend.(Migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			backend.Close() //nolint:errcheck
			return nil, err
		}
	}
	return backend, nil
}
