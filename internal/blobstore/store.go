// Package blobstore implements the content-addressed blob pool that
// backs xzip's deduplicated entry payloads: each blob is named by the
// hex SHA-1 of its bytes and, once written, is never modified.
package blobstore

import (
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// Store is a content-addressed blob pool rooted at Root, optionally
// sharded Depth hex nibbles deep.
type Store struct {
	Root  string
	Depth int
}

// Path returns the path at which the blob for sha is stored, sharded by
// the leading Depth hex nibbles of its hex digest. Depth <= 0 yields a
// flat layout.
func (s Store) Path(sha [20]byte) string {
	digest := hex.EncodeToString(sha[:])
	depth := s.Depth
	if depth > len(digest) {
		depth = len(digest)
	}
	parts := make([]string, 0, depth+2)
	parts = append(parts, s.Root, "data")
	for i := 0; i < depth; i++ {
		parts = append(parts, string(digest[i]))
	}
	parts = append(parts, digest)
	return filepath.Join(parts...)
}

// Put writes r's content as the blob for sha, unless a blob already
// exists at that path — blobs are write-once, so an existing file is
// left untouched and r is not read further. Writing is atomic: content
// lands in a temp file that is renamed into place on success, matching
// the teacher's installer idiom for content-addressed package files.
func (s Store) Put(sha [20]byte, r io.Reader) error {
	dest := s.Path(sha)
	if _, err := os.Stat(dest); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return xerrors.Errorf("blobstore: stat %s: %w", dest, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return xerrors.Errorf("blobstore: mkdir for %s: %w", dest, err)
	}
	f, err := renameio.TempFile("", dest)
	if err != nil {
		return xerrors.Errorf("blobstore: creating temp file for %s: %w", dest, err)
	}
	defer f.Cleanup()
	if _, err := io.Copy(f, r); err != nil {
		return xerrors.Errorf("blobstore: writing %s: %w", dest, err)
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("blobstore: committing %s: %w", dest, err)
	}
	return nil
}

// Open opens the blob for sha read-only and reports its length.
// os.IsNotExist(err) is true when the blob is absent from the pool.
func (s Store) Open(sha [20]byte) (*os.File, int64, error) {
	path := s.Path(sha)
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, xerrors.Errorf("blobstore: stat %s: %w", path, err)
	}
	return f, fi.Size(), nil
}

// Has reports whether a blob for sha is already present, without
// opening it.
func (s Store) Has(sha [20]byte) bool {
	_, err := os.Stat(s.Path(sha))
	return err == nil
}
