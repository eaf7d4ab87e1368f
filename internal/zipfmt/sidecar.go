package zipfmt

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// JumpHeaderSize is the encoded size of a JumpHeader: `<Q Q>`.
const JumpHeaderSize = 8 + 8

// JumpHeader is the fixed-size record at offset 0 of a `.jump` sidecar:
// the original archive's total size and its Central Directory offset.
type JumpHeader struct {
	FileSize        uint64
	DirectoryOffset uint64
}

// WriteTo encodes h and writes it to w.
func (h JumpHeader) WriteTo(w io.Writer) (int64, error) {
	var buf [JumpHeaderSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], h.FileSize)
	binary.LittleEndian.PutUint64(buf[8:16], h.DirectoryOffset)
	n, err := w.Write(buf[:])
	return int64(n), err
}

// ReadJumpHeader reads a JumpHeader from r.
func ReadJumpHeader(r io.Reader) (JumpHeader, error) {
	var h JumpHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, xerrors.Errorf("zipfmt: reading jump header: %w", err)
	}
	return h, nil
}

// JumpEntrySize is the encoded size of a JumpEntry: `<Q Q>`.
const JumpEntrySize = 8 + 8

// JumpEntry maps one Central Directory entry's archive offset onto the
// offset of its stream item in the `.stream` sidecar.
type JumpEntry struct {
	ZOff uint64 // archive_offset_of_LFH
	SOff uint64 // stream_sidecar_offset_of_item
}

// WriteTo encodes e and writes it to w.
func (e JumpEntry) WriteTo(w io.Writer) (int64, error) {
	var buf [JumpEntrySize]byte
	binary.LittleEndian.PutUint64(buf[0:8], e.ZOff)
	binary.LittleEndian.PutUint64(buf[8:16], e.SOff)
	n, err := w.Write(buf[:])
	return int64(n), err
}

// ReadJumpEntry reads a single JumpEntry from r.
func ReadJumpEntry(r io.Reader) (JumpEntry, error) {
	var e JumpEntry
	if err := binary.Read(r, binary.LittleEndian, &e); err != nil {
		return e, err // callers treat io.EOF as end-of-sidecar, not an error class
	}
	return e, nil
}

// ReadJumpEntries reads every JumpEntry following the JumpHeader until r
// is exhausted.
func ReadJumpEntries(r io.Reader) ([]JumpEntry, error) {
	var entries []JumpEntry
	for {
		e, err := ReadJumpEntry(r)
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, xerrors.Errorf("zipfmt: reading jump entry %d: %w", len(entries), err)
		}
		entries = append(entries, e)
	}
}

// StreamItemFixedSize is the encoded size of a StreamItem's fixed
// portion: `<4s 5H 3L 2H B 20s>`, i.e. the LocalFileHeader layout plus a
// 1-byte descriptor length and a 20-byte SHA-1 digest.
const StreamItemFixedSize = LocalFileHeaderSize + 1 + 20

// StreamItem is one entry's record in the `.stream` sidecar: an LFH
// layout, the length of the trailing descriptor actually written (0, 12,
// or 16), and the SHA-1 of the compressed payload spliced in from the
// blob pool. Variable-length filename/extra-field/descriptor bytes
// follow a StreamItem in the sidecar but are not embedded in this
// struct; callers read and write them separately, since their lengths
// come from the header fields rather than from a fixed layout.
type StreamItem struct {
	Header        LocalFileHeader
	DescriptorLen uint8
	SHA           [20]byte
}

// WriteTo encodes the fixed portion of item and writes it to w.
func (item StreamItem) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, 0, StreamItemFixedSize)
	buf = append(buf, item.Header.Bytes()...)
	buf = append(buf, item.DescriptorLen)
	buf = append(buf, item.SHA[:]...)
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadStreamItem reads the fixed portion of a StreamItem from r. Callers
// must separately read `Header.FilenameLen + Header.ExtraFieldLen` bytes
// of variable fields, then `DescriptorLen` bytes of descriptor.
func ReadStreamItem(r io.Reader) (StreamItem, error) {
	var item StreamItem
	h, err := ReadLocalFileHeader(r)
	if err != nil {
		return item, xerrors.Errorf("zipfmt: reading stream item header: %w", err)
	}
	item.Header = h
	var rest [1 + 20]byte
	if _, err := io.ReadFull(r, rest[:]); err != nil {
		return item, xerrors.Errorf("zipfmt: reading stream item trailer: %w", err)
	}
	item.DescriptorLen = rest[0]
	copy(item.SHA[:], rest[1:])
	return item, nil
}
