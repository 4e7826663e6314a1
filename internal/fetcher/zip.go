package fetcher

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

var zipMagic = []byte("PK\x03\x04")

// IsZIP reports whether the file at p starts with the ZIP local file header
// signature. Files shorter than the signature are not archives.
func IsZIP(p string) (bool, error) {
	f, err := os.Open(p)
	if err != nil {
		return false, eris.Wrap(err, "zip: open file")
	}
	defer f.Close() //nolint:errcheck

	head := make([]byte, len(zipMagic))
	if _, err := io.ReadFull(f, head); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, nil
		}
		return false, eris.Wrap(err, "zip: read header")
	}
	return bytes.Equal(head, zipMagic), nil
}

// ExtractZIPMatching writes the single archive member whose name ends with
// suffix (case-insensitive) into destDir and returns its path. Directory
// structure inside the archive is dropped. Archives holding zero or several
// matches are rejected.
func ExtractZIPMatching(zipPath, suffix, destDir string) (string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", eris.Wrap(err, "zip: open archive")
	}
	defer r.Close() //nolint:errcheck

	member, err := singleMatch(r.File, strings.ToLower(suffix))
	if err != nil {
		return "", err
	}

	name := path.Base(member.Name)
	if name == "." || name == "/" || name == ".." {
		return "", eris.Errorf("zip: illegal member name %q", member.Name)
	}
	dst := filepath.Join(destDir, name)
	if err := writeMember(member, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func singleMatch(files []*zip.File, suffix string) (*zip.File, error) {
	var match *zip.File
	count := 0
	for _, f := range files {
		if f.FileInfo().IsDir() || !strings.HasSuffix(strings.ToLower(f.Name), suffix) {
			continue
		}
		match = f
		count++
	}
	if count != 1 {
		return nil, eris.Errorf("zip: expected exactly 1 %s file, got %d", suffix, count)
	}
	return match, nil
}

func writeMember(f *zip.File, dst string) error {
	src, err := f.Open()
	if err != nil {
		return eris.Wrap(err, "zip: open member")
	}
	defer src.Close() //nolint:errcheck

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return eris.Wrap(err, "zip: create directory")
	}
	out, err := os.Create(dst)
	if err != nil {
		return eris.Wrap(err, "zip: create file")
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return eris.Wrap(err, "zip: write file")
	}
	return eris.Wrap(out.Close(), "zip: close file")
}
