package vfile

import (
	"io"
	"os"

	"golang.org/x/xerrors"

	"github.com/xzipfs/xzip/internal/blobstore"
	"github.com/xzipfs/xzip/internal/zipfmt"
)

type state int

const (
	stateHeader state = iota
	stateData
	stateDescriptor
	stateDirectory
)

// cursor is the reconstitution state machine for one open virtual
// archive: HEADER -> DATA -> DESCRIPTOR -> {HEADER, DIRECTORY}. 0 is a
// valid stream offset (the first item), so haveStreamOff tracks whether
// streamOffset is set rather than overloading its zero value.
type cursor struct {
	info  *ExplodedInfo
	store blobstore.Store

	stream *os.File
	dir    *os.File

	state state
	pos   uint64 // logical position in the virtual archive
	off   int    // position within zipHeader/descriptor, valid in HEADER/DESCRIPTOR

	streamOffset  uint64
	haveStreamOff bool
	zipHeader     []byte
	currentItem   zipfmt.StreamItem
	descriptor    []byte

	data    *os.File
	dataLen int64
}

// newCursor opens the stream and directory sidecars for one archive and
// positions the cursor at the start of the first stream item, mirroring
// File.__init__'s initialization in the reference implementation.
func newCursor(streamPath, dirPath string, info *ExplodedInfo, store blobstore.Store) (*cursor, error) {
	stream, err := os.Open(streamPath)
	if err != nil {
		return nil, xerrors.Errorf("vfile: opening %s: %w", streamPath, err)
	}
	dir, err := os.Open(dirPath)
	if err != nil {
		stream.Close()
		return nil, xerrors.Errorf("vfile: opening %s: %w", dirPath, err)
	}
	c := &cursor{
		info:   info,
		store:  store,
		stream: stream,
		dir:    dir,
		state:  stateHeader,
	}
	if err := c.loadStreamItem(); err != nil {
		stream.Close()
		dir.Close()
		return nil, err
	}
	return c, nil
}

// loadStreamItem reads the stream item at the stream sidecar's current
// position into zipHeader/descriptor, closing any previously open blob.
func (c *cursor) loadStreamItem() error {
	if c.data != nil {
		c.data.Close()
		c.data = nil
	}
	item, err := zipfmt.ReadStreamItem(c.stream)
	if err != nil {
		return xerrors.Errorf("vfile: reading stream item: %w", err)
	}
	c.currentItem = item

	varFields := make([]byte, int(item.Header.FilenameLen)+int(item.Header.ExtraFieldLen))
	if _, err := io.ReadFull(c.stream, varFields); err != nil {
		return xerrors.Errorf("vfile: reading stream item fields: %w", err)
	}
	c.zipHeader = append(item.Header.Bytes(), varFields...)

	if item.DescriptorLen > 0 {
		descriptor := make([]byte, item.DescriptorLen)
		if _, err := io.ReadFull(c.stream, descriptor); err != nil {
			return xerrors.Errorf("vfile: reading descriptor: %w", err)
		}
		c.descriptor = descriptor
	} else {
		c.descriptor = nil
	}
	return nil
}

// openBlob lazily opens the data blob for the current stream item.
func (c *cursor) openBlob() error {
	if c.data != nil {
		return nil
	}
	f, size, err := c.store.Open(c.currentItem.SHA)
	if err != nil {
		return xerrors.Errorf("vfile: opening blob: %w", err)
	}
	c.data = f
	c.dataLen = size
	return nil
}

// Close releases the cursor's open file handles.
func (c *cursor) Close() error {
	c.stream.Close()
	c.dir.Close()
	if c.data != nil {
		c.data.Close()
	}
	return nil
}

// ErrInvalidOffset is returned by Seek when pos does not lie within
// [0, filesize].
var ErrInvalidOffset = xerrors.New("vfile: invalid offset")

// Seek repositions the cursor to pos, an absolute offset into the
// virtual archive.
func (c *cursor) Seek(pos uint64) error {
	if pos > c.info.FileSize {
		return ErrInvalidOffset
	}
	if pos == c.pos {
		return nil
	}
	c.pos = pos

	if pos >= c.info.DirectoryOffset {
		if c.data != nil {
			c.data.Close()
			c.data = nil
		}
		c.state = stateDirectory
		c.haveStreamOff = false
		if _, err := c.dir.Seek(int64(pos-c.info.DirectoryOffset), io.SeekStart); err != nil {
			return xerrors.Errorf("vfile: seeking directory sidecar: %w", err)
		}
		return nil
	}

	leaf, ok := c.info.Tree.Find(pos)
	if !ok {
		return ErrInvalidOffset
	}
	additional := pos - leaf.ZOff

	if !c.haveStreamOff || leaf.SOff != c.streamOffset {
		c.streamOffset = leaf.SOff
		c.haveStreamOff = true
		if _, err := c.stream.Seek(int64(leaf.SOff), io.SeekStart); err != nil {
			return xerrors.Errorf("vfile: seeking stream sidecar: %w", err)
		}
		if err := c.loadStreamItem(); err != nil {
			return err
		}
	}

	headerLen := uint64(len(c.zipHeader))
	if additional < headerLen {
		c.state = stateHeader
		c.off = int(additional)
		return nil
	}
	additional -= headerLen

	c.state = stateData
	if err := c.openBlob(); err != nil {
		return err
	}
	if additional < uint64(c.dataLen) {
		if _, err := c.data.Seek(int64(additional), io.SeekStart); err != nil {
			return xerrors.Errorf("vfile: seeking blob: %w", err)
		}
		return nil
	}
	c.state = stateDescriptor
	c.off = int(additional - uint64(c.dataLen))
	return nil
}

// Read reads up to len(p) bytes at the cursor's current position,
// advancing it. It implements the four-state machine with explicit
// loops (never recursion) so that an empty data blob or empty
// descriptor is transparently skipped within one call.
func (c *cursor) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		switch c.state {
		case stateHeader:
			n := copy(p, c.zipHeader[c.off:])
			c.off += n
			c.pos += uint64(n)
			if c.off >= len(c.zipHeader) {
				c.state = stateData
				if err := c.openBlob(); err != nil {
					return n, err
				}
				// The blob may already be open at some other position from
				// an earlier seek into this same item.
				if _, err := c.data.Seek(0, io.SeekStart); err != nil {
					return n, xerrors.Errorf("vfile: rewinding blob: %w", err)
				}
			}
			return n, nil

		case stateData:
			n, err := c.data.Read(p)
			if err != nil && err != io.EOF {
				return n, xerrors.Errorf("vfile: reading blob: %w", err)
			}
			c.pos += uint64(n)
			tell, terr := c.data.Seek(0, io.SeekCurrent)
			if terr != nil {
				return n, xerrors.Errorf("vfile: locating blob position: %w", terr)
			}
			if tell >= c.dataLen {
				c.state = stateDescriptor
				c.off = 0
			}
			if n == 0 {
				continue // empty blob: skip straight to DESCRIPTOR
			}
			return n, nil

		case stateDescriptor:
			n := copy(p, c.descriptor[c.off:])
			c.off += n
			c.pos += uint64(n)
			if c.off >= len(c.descriptor) {
				if c.pos >= c.info.DirectoryOffset {
					c.state = stateDirectory
					c.haveStreamOff = false
					if c.data != nil {
						c.data.Close()
						c.data = nil
					}
					if _, err := c.dir.Seek(0, io.SeekStart); err != nil {
						return n, xerrors.Errorf("vfile: rewinding directory sidecar: %w", err)
					}
				} else {
					c.state = stateHeader
					c.off = 0
					tell, err := c.stream.Seek(0, io.SeekCurrent)
					if err != nil {
						return n, xerrors.Errorf("vfile: locating stream position: %w", err)
					}
					c.streamOffset = uint64(tell)
					c.haveStreamOff = true
					if err := c.loadStreamItem(); err != nil {
						return n, err
					}
				}
			}
			if n == 0 {
				continue // empty descriptor: skip straight to next state
			}
			return n, nil

		case stateDirectory:
			n, err := c.dir.Read(p)
			c.pos += uint64(n)
			if err == io.EOF {
				return n, io.EOF
			}
			if err != nil {
				return n, xerrors.Errorf("vfile: reading directory sidecar: %w", err)
			}
			return n, nil

		default:
			return 0, xerrors.Errorf("vfile: invalid cursor state %d", c.state)
		}
	}
}
