package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/health-report/internal/model"
)

// SQLiteStore implements cache.Backend using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dsn); dsn != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "sqlite: create dir %s", dir)
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection keeps the pragmas in force and serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Question)}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	ref         TEXT NOT NULL DEFAULT '',
	digest      TEXT NOT NULL DEFAULT '',
	meta        TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_created_at ON cache_entries(created_at);
`

// Migrate creates the cache table.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var entryColumns = []string{"fingerprint", "kind", "ref", "digest", "meta", "created_at"}

// GetEntry returns the entry for fingerprint, or nil when absent.
func (s *SQLiteStore) GetEntry(ctx context.Context, fingerprint string) (*model.CacheEntry, error) {
	query, args, err := s.sb.Select(entryColumns...).
		From("cache_entries").
		Where(sq.Eq{"fingerprint": fingerprint}).
		ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build get entry")
	}

	var e model.CacheEntry
	err = s.db.QueryRowContext(ctx, query, args...).
		Scan(&e.Fingerprint, &e.Kind, &e.Ref, &e.Digest, &e.Meta, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get entry %s", fingerprint)
	}
	return &e, nil
}

// InsertEntry writes e unless the fingerprint exists, then returns the
// stored row.
func (s *SQLiteStore) InsertEntry(ctx context.Context, e model.CacheEntry) (model.CacheEntry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	query, args, err := s.sb.Insert("cache_entries").
		Columns(entryColumns...).
		Values(e.Fingerprint, e.Kind, e.Ref, e.Digest, e.Meta, e.CreatedAt.UTC()).
		Suffix("ON CONFLICT (fingerprint) DO NOTHING").
		ToSql()
	if err != nil {
		return model.CacheEntry{}, eris.Wrap(err, "sqlite: build insert entry")
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return model.CacheEntry{}, eris.Wrapf(err, "sqlite: insert entry %s", e.Fingerprint)
	}

	stored, err := s.GetEntry(ctx, e.Fingerprint)
	if err != nil {
		return model.CacheEntry{}, err
	}
	if stored == nil {
		return model.CacheEntry{}, eris.Errorf("sqlite: entry %s vanished after insert", e.Fingerprint)
	}
	return *stored, nil
}

// ReplaceEntry overwrites the row for e.Fingerprint when its ref is still
// staleRef, then returns the stored row.
func (s *SQLiteStore) ReplaceEntry(ctx context.Context, staleRef string, e model.CacheEntry) (model.CacheEntry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	query, args, err := s.sb.Update("cache_entries").
		Set("kind", e.Kind).
		Set("ref", e.Ref).
		Set("digest", e.Digest).
		Set("meta", e.Meta).
		Set("created_at", e.CreatedAt.UTC()).
		Where(sq.Eq{"fingerprint": e.Fingerprint, "ref": staleRef}).
		ToSql()
	if err != nil {
		return model.CacheEntry{}, eris.Wrap(err, "sqlite: build replace entry")
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return model.CacheEntry{}, eris.Wrapf(err, "sqlite: replace entry %s", e.Fingerprint)
	}

	stored, err := s.GetEntry(ctx, e.Fingerprint)
	if err != nil {
		return model.CacheEntry{}, err
	}
	if stored == nil {
		return model.CacheEntry{}, eris.Errorf("sqlite: entry %s vanished after replace", e.Fingerprint)
	}
	return *stored, nil
}

// ListEntries returns up to limit entries, newest first.
func (s *SQLiteStore) ListEntries(ctx context.Context, limit int) ([]model.CacheEntry, error) {
	b := s.sb.Select(entryColumns...).From("cache_entries").OrderBy("created_at DESC", "fingerprint")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list entries")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entries")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CacheEntry
	for rows.Next() {
		var e model.CacheEntry
		if err := rows.Scan(&e.Fingerprint, &e.Kind, &e.Ref, &e.Digest, &e.Meta, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate entries")
}
