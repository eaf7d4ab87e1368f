package vfile

import (
	"io"
	"path/filepath"
	"sync"

	"golang.org/x/xerrors"

	"github.com/xzipfs/xzip/internal/blobstore"
)

// File presents one exploded archive as a seekable byte stream of
// logical length ExplodedInfo.FileSize, implementing io.ReaderAt and
// io.Seeker over a cursor. Each File is backed by its own cursor and
// must not be used concurrently without external synchronization — the
// registry pairs every File with its own mutex for that purpose.
type File struct {
	info   *ExplodedInfo
	cursor *cursor
	pos    uint64
}

// Open opens the named archive (its basename, without a path) for
// reading, given the meta directory holding its sidecars and the blob
// store holding its payloads.
func Open(name, metaDir string, info *ExplodedInfo, store blobstore.Store) (*File, error) {
	prefix := filepath.Join(metaDir, name)
	c, err := newCursor(prefix+".stream", prefix+".dir", info, store)
	if err != nil {
		return nil, xerrors.Errorf("vfile: opening %s: %w", name, err)
	}
	return &File{info: info, cursor: c}, nil
}

// Close releases the underlying sidecar and blob handles.
func (f *File) Close() error {
	return f.cursor.Close()
}

// Size returns the virtual archive's logical length.
func (f *File) Size() uint64 {
	return f.info.FileSize
}

// Seek implements io.Seeker.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = int64(f.pos) + offset
	case io.SeekEnd:
		target = int64(f.info.FileSize) + offset
	default:
		return 0, xerrors.Errorf("vfile: invalid whence %d", whence)
	}
	if target < 0 {
		return 0, ErrInvalidOffset
	}
	if err := f.cursor.Seek(uint64(target)); err != nil {
		return 0, err
	}
	f.pos = uint64(target)
	return target, nil
}

// Read implements io.Reader, reading sequentially from the cursor's
// current position.
func (f *File) Read(p []byte) (int, error) {
	if f.pos >= f.info.FileSize {
		return 0, io.EOF
	}
	n, err := f.cursor.Read(p)
	f.pos += uint64(n)
	return n, err
}

// ReadAt implements io.ReaderAt by seeking then reading, matching the
// façade's read(handle, offset, size) contract: callers serialize their
// own seek+read pairs (via the registry's per-handle mutex), so ReadAt
// itself does not need to be reentrant-safe across concurrent calls on
// the same File.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrInvalidOffset
	}
	if uint64(off) >= f.info.FileSize {
		return 0, io.EOF
	}
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	total := 0
	for total < len(p) {
		n, err := f.Read(p[total:])
		total += n
		if err != nil {
			if err == io.EOF && total > 0 {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// handle pairs one open File with the mutex that serializes its
// seek+read pairs, per spec's concurrency model.
type handle struct {
	mu   sync.Mutex
	file *File
}
