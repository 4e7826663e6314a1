package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/health-report/internal/model"
)

const badgerKeyPrefix = "cache/"

// BadgerConfig configures the embedded key-value backend.
type BadgerConfig struct {
	Path     string
	InMemory bool
}

// BadgerStore implements cache.Backend on an embedded Badger database.
type BadgerStore struct {
	db *badger.DB
}

type zapBadgerLogger struct {
	log *zap.SugaredLogger
}

func (l zapBadgerLogger) Errorf(format string, args ...any)   { l.log.Errorf(format, args...) }
func (l zapBadgerLogger) Warningf(format string, args ...any) { l.log.Warnf(format, args...) }
func (l zapBadgerLogger) Infof(format string, args ...any)    { l.log.Debugf(format, args...) }
func (l zapBadgerLogger) Debugf(format string, args ...any)   { l.log.Debugf(format, args...) }

// NewBadger opens (or creates) a Badger database.
func NewBadger(cfg BadgerConfig) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, eris.New("badger: path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, eris.Wrapf(err, "badger: create dir %s", cfg.Path)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1).
		WithLogger(zapBadgerLogger{log: zap.L().Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, eris.Wrap(err, "badger: open")
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func badgerKey(fingerprint string) []byte {
	return []byte(badgerKeyPrefix + fingerprint)
}

// GetEntry returns the entry for fingerprint, or nil when absent.
func (s *BadgerStore) GetEntry(_ context.Context, fingerprint string) (*model.CacheEntry, error) {
	var e *model.CacheEntry
	err := s.db.View(func(txn *badger.Txn) error {
		got, err := readEntry(txn, fingerprint)
		e = got
		return err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "badger: get entry %s", fingerprint)
	}
	return e, nil
}

// InsertEntry writes e unless the fingerprint exists and returns the stored
// entry.
func (s *BadgerStore) InsertEntry(ctx context.Context, e model.CacheEntry) (model.CacheEntry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	stored, err := s.swap(ctx, e, func(existing *model.CacheEntry) bool { return existing == nil })
	return stored, eris.Wrapf(err, "badger: insert entry %s", e.Fingerprint)
}

// ReplaceEntry overwrites the entry for e.Fingerprint when its ref is still
// staleRef and returns the stored entry.
func (s *BadgerStore) ReplaceEntry(ctx context.Context, staleRef string, e model.CacheEntry) (model.CacheEntry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	stored, err := s.swap(ctx, e, func(existing *model.CacheEntry) bool {
		return existing != nil && existing.Ref == staleRef
	})
	if err == nil && stored.Fingerprint == "" {
		err = eris.New("entry vanished before replace")
	}
	return stored, eris.Wrapf(err, "badger: replace entry %s", e.Fingerprint)
}

// swap writes e when write approves the current value, otherwise it returns
// the current value. A transaction conflict means another writer got there
// first, so the read is retried.
func (s *BadgerStore) swap(ctx context.Context, e model.CacheEntry, write func(*model.CacheEntry) bool) (model.CacheEntry, error) {
	val, err := json.Marshal(e)
	if err != nil {
		return model.CacheEntry{}, eris.Wrap(err, "marshal entry")
	}

	for attempt := 0; attempt < 5; attempt++ {
		stored := e
		err = s.db.Update(func(txn *badger.Txn) error {
			existing, err := readEntry(txn, e.Fingerprint)
			if err != nil {
				return err
			}
			if !write(existing) {
				stored = model.CacheEntry{}
				if existing != nil {
					stored = *existing
				}
				return nil
			}
			return txn.Set(badgerKey(e.Fingerprint), val)
		})
		if errors.Is(err, badger.ErrConflict) {
			if ctx.Err() != nil {
				return model.CacheEntry{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			return model.CacheEntry{}, err
		}
		return stored, nil
	}
	return model.CacheEntry{}, err
}

// ListEntries returns up to limit entries, newest first.
func (s *BadgerStore) ListEntries(_ context.Context, limit int) ([]model.CacheEntry, error) {
	var out []model.CacheEntry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var e model.CacheEntry
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &e)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "badger: list entries")
	}

	sortEntries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func readEntry(txn *badger.Txn, fingerprint string) (*model.CacheEntry, error) {
	item, err := txn.Get(badgerKey(fingerprint))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e model.CacheEntry
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &e)
	}); err != nil {
		return nil, err
	}
	return &e, nil
}

func sortEntries(entries []model.CacheEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].Fingerprint < entries[j].Fingerprint
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
}
