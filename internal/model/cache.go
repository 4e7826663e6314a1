package model

import "time"

// CacheEntry maps a request fingerprint to a stored artifact. Entries are
// append-only: once written, a fingerprint never points elsewhere.
type CacheEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Kind        string    `json:"kind"`
	Ref         string    `json:"ref"`
	Digest      string    `json:"digest"`
	Meta        string    `json:"meta,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Same reports whether two entries describe the same artifact.
func (e CacheEntry) Same(o CacheEntry) bool {
	return e.Fingerprint == o.Fingerprint && e.Ref == o.Ref && e.Digest == o.Digest
}
