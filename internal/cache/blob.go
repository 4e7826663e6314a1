package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/sells-group/health-report/internal/model"
)

// BlobStore keeps artifacts under root, named by the sha256 of their
// content. Writes go to a temp file first and are renamed into place, so a
// reader never observes a partial artifact.
type BlobStore struct {
	root string
}

// NewBlobStore creates the blob directory if needed.
func NewBlobStore(root string) (*BlobStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o755); err != nil {
		return nil, eris.Wrapf(err, "cache: create blob dir %s", root)
	}
	return &BlobStore{root: root}, nil
}

// Root returns the blob directory.
func (b *BlobStore) Root() string { return b.root }

// Put streams r into the store under kind and returns a reference to the
// stored content. ext is appended to the file name (".csv", ".txt").
func (b *BlobStore) Put(kind, ext string, r io.Reader) (model.ArtifactRef, error) {
	tmp, err := os.CreateTemp(filepath.Join(b.root, "tmp"), kind+"-*")
	if err != nil {
		return model.ArtifactRef{}, eris.Wrap(err, "cache: create temp blob")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close() //nolint:errcheck
		return model.ArtifactRef{}, eris.Wrap(err, "cache: write blob")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return model.ArtifactRef{}, eris.Wrap(err, "cache: sync blob")
	}
	if err := tmp.Close(); err != nil {
		return model.ArtifactRef{}, eris.Wrap(err, "cache: close blob")
	}

	digest := hex.EncodeToString(h.Sum(nil))
	dst := filepath.Join(b.root, kind, digest[:2], digest+ext)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return model.ArtifactRef{}, eris.Wrap(err, "cache: create blob shard")
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return model.ArtifactRef{}, eris.Wrap(err, "cache: publish blob")
	}

	return model.ArtifactRef{Location: dst, Digest: digest, Size: n}, nil
}

// PutBytes stores data under kind.
func (b *BlobStore) PutBytes(kind, ext string, data []byte) (model.ArtifactRef, error) {
	return b.Put(kind, ext, bytes.NewReader(data))
}

// Open opens a stored artifact for reading.
func (b *BlobStore) Open(location string) (*os.File, error) {
	f, err := os.Open(location)
	if err != nil {
		return nil, eris.Wrapf(err, "cache: open blob %s", location)
	}
	return f, nil
}

// ReadAll returns the full content of a stored artifact.
func (b *BlobStore) ReadAll(location string) ([]byte, error) {
	data, err := os.ReadFile(location)
	if err != nil {
		return nil, eris.Wrapf(err, "cache: read blob %s", location)
	}
	return data, nil
}

// Exists reports whether location still holds an artifact.
func (b *BlobStore) Exists(location string) bool {
	st, err := os.Stat(location)
	return err == nil && st.Mode().IsRegular()
}
