// Package vfile implements the reconstitution cursor and façade that
// present one exploded archive's three sidecars as a seekable,
// byte-for-byte copy of the original ZIP container.
package vfile

import (
	"hash/maphash"
	"os"
	"path/filepath"

	"github.com/dgryski/go-tinylfu"
	"golang.org/x/xerrors"

	"github.com/xzipfs/xzip/internal/seektree"
	"github.com/xzipfs/xzip/internal/zipfmt"
)

// ExplodedInfo is the immutable, per-archive structure loaded once from
// a `.jump` sidecar: the archive's logical size, the byte offset at
// which its Central Directory begins, and the seek tree used to map a
// body offset onto the stream item containing it. Once loaded it never
// changes, so it is safe to share across handles without locking.
type ExplodedInfo struct {
	FileSize        uint64
	DirectoryOffset uint64
	Tree            *seektree.Tree
}

// infoCacheSize bounds the number of archives' ExplodedInfo kept warm at
// once; beyond it, the least useful entries (by the admission-and-recency
// policy TinyLFU implements) are evicted and simply reloaded from the
// immutable sidecars on next use.
const infoCacheSize = 1024

var infoCacheSeed = maphash.MakeSeed()

func hashArchiveName(name string) uint64 {
	return maphash.String(infoCacheSeed, name)
}

// InfoCache is a bounded, name-keyed cache of ExplodedInfo backed by
// TinyLFU admission, so that repeatedly-opened archives stay resident
// while cold ones are evicted rather than growing an unbounded map —
// the loader itself is cheap and idempotent, so a miss just means a
// sidecar re-read.
type InfoCache struct {
	MetaDir string
	cache   *tinylfu.T[string, *ExplodedInfo]
}

// NewInfoCache returns an InfoCache that loads `.jump` sidecars from
// metaDir on demand.
func NewInfoCache(metaDir string) *InfoCache {
	return &InfoCache{
		MetaDir: metaDir,
		cache:   tinylfu.New[string, *ExplodedInfo](infoCacheSize, infoCacheSize*10, hashArchiveName),
	}
}

// Get returns the ExplodedInfo for the named archive, loading it from
// its `.jump` sidecar on a cache miss.
func (c *InfoCache) Get(name string) (*ExplodedInfo, error) {
	if info, ok := c.cache.Get(name); ok {
		return info, nil
	}
	info, err := loadExplodedInfo(filepath.Join(c.MetaDir, name+".jump"))
	if err != nil {
		return nil, err
	}
	c.cache.Add(name, info)
	return info, nil
}

func loadExplodedInfo(jumpPath string) (*ExplodedInfo, error) {
	f, err := os.Open(jumpPath)
	if err != nil {
		return nil, xerrors.Errorf("vfile: opening %s: %w", jumpPath, err)
	}
	defer f.Close()

	header, err := zipfmt.ReadJumpHeader(f)
	if err != nil {
		return nil, xerrors.Errorf("vfile: reading jump header from %s: %w", jumpPath, err)
	}
	entries, err := zipfmt.ReadJumpEntries(f)
	if err != nil {
		return nil, xerrors.Errorf("vfile: reading jump entries from %s: %w", jumpPath, err)
	}
	return &ExplodedInfo{
		FileSize:        header.FileSize,
		DirectoryOffset: header.DirectoryOffset,
		Tree:            seektree.Build(entries),
	}, nil
}
