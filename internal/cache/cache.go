package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/health-report/internal/model"
)

// Backend is a durable, append-only entry index. InsertEntry must keep the
// first entry written for a fingerprint and return whatever is stored.
// ReplaceEntry swaps in e only while the stored entry still points at
// staleRef, and returns whatever is stored afterwards.
type Backend interface {
	GetEntry(ctx context.Context, fingerprint string) (*model.CacheEntry, error)
	InsertEntry(ctx context.Context, e model.CacheEntry) (model.CacheEntry, error)
	ReplaceEntry(ctx context.Context, staleRef string, e model.CacheEntry) (model.CacheEntry, error)
	ListEntries(ctx context.Context, limit int) ([]model.CacheEntry, error)
	Close() error
}

// Cache is the fingerprint cache shared by every task in the process.
// Lookups go to memory, then the backend. Commits are atomic per key: the
// first writer wins and concurrent commits for one key collapse into one
// backend write.
type Cache struct {
	backend Backend
	blobs   *BlobStore

	mu  sync.RWMutex
	mem map[string]model.CacheEntry

	group singleflight.Group
}

// New creates a cache. backend may be nil for a process-local cache.
func New(backend Backend, blobs *BlobStore) *Cache {
	return &Cache{
		backend: backend,
		blobs:   blobs,
		mem:     make(map[string]model.CacheEntry),
	}
}

// Blobs returns the artifact store backing the cache.
func (c *Cache) Blobs() *BlobStore { return c.blobs }

// Lookup returns the entry for fingerprint. An entry whose artifact has
// disappeared from disk is reported as a miss.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (model.CacheEntry, bool, error) {
	c.mu.RLock()
	e, ok := c.mem[fingerprint]
	c.mu.RUnlock()

	if !ok && c.backend != nil {
		stored, err := c.backend.GetEntry(ctx, fingerprint)
		if err != nil {
			return model.CacheEntry{}, false, eris.Wrap(err, "cache: lookup")
		}
		if stored != nil {
			e, ok = *stored, true
			c.remember(e)
		}
	}
	if !ok {
		return model.CacheEntry{}, false, nil
	}

	if c.orphaned(e) {
		zap.L().Warn("cache: artifact missing, treating as miss",
			zap.String("fingerprint", fingerprint),
			zap.String("ref", e.Ref),
		)
		return model.CacheEntry{}, false, nil
	}
	return e, true, nil
}

// Commit records e unless a live entry already exists for its fingerprint,
// and returns the entry that is now authoritative. An existing entry whose
// artifact is gone is replaced.
func (c *Cache) Commit(ctx context.Context, e model.CacheEntry) (model.CacheEntry, error) {
	if e.Fingerprint == "" {
		return model.CacheEntry{}, eris.New("cache: commit without fingerprint")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	v, err, _ := c.group.Do(e.Fingerprint, func() (any, error) {
		c.mu.RLock()
		existing, ok := c.mem[e.Fingerprint]
		c.mu.RUnlock()
		if ok && !c.orphaned(existing) {
			return existing, nil
		}

		stored := e
		if c.backend != nil {
			// A cancelled committer must not abandon a write other callers wait on.
			wctx := context.WithoutCancel(ctx)
			var err error
			stored, err = c.backend.InsertEntry(wctx, e)
			if err != nil {
				return nil, eris.Wrap(err, "cache: commit")
			}
			if !stored.Same(e) && c.orphaned(stored) {
				zap.L().Info("cache: replacing entry with missing artifact",
					zap.String("fingerprint", e.Fingerprint),
					zap.String("stale_ref", stored.Ref),
				)
				stored, err = c.backend.ReplaceEntry(wctx, stored.Ref, e)
				if err != nil {
					return nil, eris.Wrap(err, "cache: replace")
				}
			}
		}
		c.mu.Lock()
		c.mem[e.Fingerprint] = stored
		c.mu.Unlock()
		return stored, nil
	})
	if err != nil {
		return model.CacheEntry{}, err
	}

	stored := v.(model.CacheEntry)
	if !stored.Same(e) {
		zap.L().Debug("cache: kept first writer",
			zap.String("fingerprint", e.Fingerprint),
			zap.String("kind", e.Kind),
		)
	}
	return stored, nil
}

// List returns up to limit entries, newest first, from the backend (or
// memory when there is none).
func (c *Cache) List(ctx context.Context, limit int) ([]model.CacheEntry, error) {
	if c.backend != nil {
		return c.backend.ListEntries(ctx, limit)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.CacheEntry, 0, len(c.mem))
	for _, e := range c.mem {
		out = append(out, e)
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close releases the backend.
func (c *Cache) Close() error {
	if c.backend == nil {
		return nil
	}
	return c.backend.Close()
}

// orphaned reports whether e points at an artifact that no longer exists.
func (c *Cache) orphaned(e model.CacheEntry) bool {
	return e.Ref != "" && c.blobs != nil && !c.blobs.Exists(e.Ref)
}

func (c *Cache) remember(e model.CacheEntry) {
	c.mu.Lock()
	if _, ok := c.mem[e.Fingerprint]; !ok {
		c.mem[e.Fingerprint] = e
	}
	c.mu.Unlock()
}

func sortNewestFirst(entries []model.CacheEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].Fingerprint < entries[j].Fingerprint
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
}
