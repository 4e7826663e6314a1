package store

import (
	"context"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/health-report/internal/model"
)

// PostgresStore implements cache.Backend using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
	sb      sq.StatementBuilderType
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(8)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresWithPool(pool, pool.Close), nil
}

func newPostgresWithPool(pool Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{
		pool:    pool,
		closeFn: closeFn,
		sb:      sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	ref         TEXT NOT NULL DEFAULT '',
	digest      TEXT NOT NULL DEFAULT '',
	meta        TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_created_at ON cache_entries(created_at);
`

// Migrate creates the cache table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// GetEntry returns the entry for fingerprint, or nil when absent.
func (s *PostgresStore) GetEntry(ctx context.Context, fingerprint string) (*model.CacheEntry, error) {
	query, args, err := s.sb.Select(entryColumns...).
		From("cache_entries").
		Where(sq.Eq{"fingerprint": fingerprint}).
		ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build get entry")
	}

	var e model.CacheEntry
	err = s.pool.QueryRow(ctx, query, args...).
		Scan(&e.Fingerprint, &e.Kind, &e.Ref, &e.Digest, &e.Meta, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get entry %s", fingerprint)
	}
	return &e, nil
}

// InsertEntry writes e unless the fingerprint exists and returns the stored
// row. The conflict branch re-reads so a losing writer sees the winner.
func (s *PostgresStore) InsertEntry(ctx context.Context, e model.CacheEntry) (model.CacheEntry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	query, args, err := s.sb.Insert("cache_entries").
		Columns(entryColumns...).
		Values(e.Fingerprint, e.Kind, e.Ref, e.Digest, e.Meta, e.CreatedAt).
		Suffix("ON CONFLICT (fingerprint) DO NOTHING").
		ToSql()
	if err != nil {
		return model.CacheEntry{}, eris.Wrap(err, "postgres: build insert entry")
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return model.CacheEntry{}, eris.Wrapf(err, "postgres: insert entry %s", e.Fingerprint)
	}
	if tag.RowsAffected() == 1 {
		return e, nil
	}

	stored, err := s.GetEntry(ctx, e.Fingerprint)
	if err != nil {
		return model.CacheEntry{}, err
	}
	if stored == nil {
		return model.CacheEntry{}, eris.Errorf("postgres: entry %s vanished after conflict", e.Fingerprint)
	}
	return *stored, nil
}

// ReplaceEntry overwrites the row for e.Fingerprint when its ref is still
// staleRef. When another writer replaced it first, the winner is returned.
func (s *PostgresStore) ReplaceEntry(ctx context.Context, staleRef string, e model.CacheEntry) (model.CacheEntry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	query, args, err := s.sb.Update("cache_entries").
		Set("kind", e.Kind).
		Set("ref", e.Ref).
		Set("digest", e.Digest).
		Set("meta", e.Meta).
		Set("created_at", e.CreatedAt).
		Where(sq.Eq{"fingerprint": e.Fingerprint, "ref": staleRef}).
		ToSql()
	if err != nil {
		return model.CacheEntry{}, eris.Wrap(err, "postgres: build replace entry")
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return model.CacheEntry{}, eris.Wrapf(err, "postgres: replace entry %s", e.Fingerprint)
	}
	if tag.RowsAffected() == 1 {
		return e, nil
	}

	stored, err := s.GetEntry(ctx, e.Fingerprint)
	if err != nil {
		return model.CacheEntry{}, err
	}
	if stored == nil {
		return model.CacheEntry{}, eris.Errorf("postgres: entry %s vanished before replace", e.Fingerprint)
	}
	return *stored, nil
}

// ListEntries returns up to limit entries, newest first.
func (s *PostgresStore) ListEntries(ctx context.Context, limit int) ([]model.CacheEntry, error) {
	b := s.sb.Select(entryColumns...).From("cache_entries").OrderBy("created_at DESC", "fingerprint")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list entries")
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entries")
	}
	defer rows.Close()

	var out []model.CacheEntry
	for rows.Next() {
		var e model.CacheEntry
		if err := rows.Scan(&e.Fingerprint, &e.Kind, &e.Ref, &e.Digest, &e.Meta, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate entries")
}
