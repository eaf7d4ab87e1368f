// Package zipfmt decodes and encodes the fixed-width binary records of
// the PKZIP/ZIP container format, plus xzip's own sidecar records built
// from them. Every record's leading signature is read into a plain
// [4]byte with io.ReadFull and compared directly, and every remaining
// field is decoded with its own binary.Read call, the same two-step
// shape icza/mpq uses for its MPQ headers (a raw io.ReadFull of the
// magic, then one binary.Read per table entry field) rather than a
// single binary.Read of the whole struct at once. The jump sidecar
// records (JumpHeader, JumpEntry) carry no signature and are each decoded
// with one binary.Read.
package zipfmt

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// Signature markers, little-endian as they appear on the wire.
var (
	sigLocalFileHeader  = [4]byte{'P', 'K', 0x03, 0x04}
	sigCentralDirectory = [4]byte{'P', 'K', 0x01, 0x02}
	sigDataDescriptor   = [4]byte{'P', 'K', 0x07, 0x08}
	sigEndOfDirectory   = [4]byte{'P', 'K', 0x05, 0x06}
)

// flagDescriptorFollows is bit 3 of the LFH general-purpose flag field,
// set when sizes/CRC were unknown at write time and instead follow the
// entry in a Data Descriptor. The reference implementation this format
// was distilled from checks flag&3 in its analyzer and flag&8 in its
// exploder; flag&8 is the one the ZIP format actually defines for this
// purpose, so it is the only test used here.
const flagDescriptorFollows = 0x0008

// ErrBadSignature is returned when a fixed record's leading marker does
// not match the expected signature.
var ErrBadSignature = xerrors.New("zipfmt: bad record signature")

// readFields decodes each field from r in order with its own
// little-endian binary.Read call, stopping at the first error.
func readFields(r io.Reader, fields ...interface{}) error {
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}

// LocalFileHeaderSize is the encoded size of a LocalFileHeader, not
// including the variable-length filename and extra field that follow it.
const LocalFileHeaderSize = 4 + 2*5 + 4*3 + 2*2

// LocalFileHeader is the `PK\x03\x04` record preceding each entry's
// payload.
type LocalFileHeader struct {
	Signature      [4]byte
	NeededVersion  uint16
	Flag           uint16
	Compression    uint16
	ModTime        uint16
	ModDate        uint16
	CRC            uint32
	CompressedSize uint32
	RawSize        uint32
	FilenameLen    uint16
	ExtraFieldLen  uint16
}

// HasDescriptor reports whether this header's flag indicates that a Data
// Descriptor follows the entry's payload.
func (h LocalFileHeader) HasDescriptor() bool {
	return h.Flag&flagDescriptorFollows != 0
}

// ReadLocalFileHeader reads and validates a LocalFileHeader from r.
func ReadLocalFileHeader(r io.Reader) (LocalFileHeader, error) {
	var h LocalFileHeader
	if _, err := io.ReadFull(r, h.Signature[:]); err != nil {
		return h, xerrors.Errorf("zipfmt: reading local file header: %w", err)
	}
	if h.Signature != sigLocalFileHeader {
		return h, ErrBadSignature
	}
	err := readFields(r,
		&h.NeededVersion, &h.Flag, &h.Compression, &h.ModTime, &h.ModDate,
		&h.CRC, &h.CompressedSize, &h.RawSize, &h.FilenameLen, &h.ExtraFieldLen,
	)
	if err != nil {
		return h, xerrors.Errorf("zipfmt: reading local file header: %w", err)
	}
	return h, nil
}

// Bytes encodes h back into its on-wire representation.
func (h LocalFileHeader) Bytes() []byte {
	buf := make([]byte, LocalFileHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], signatureUint32(h.Signature))
	binary.LittleEndian.PutUint16(buf[4:6], h.NeededVersion)
	binary.LittleEndian.PutUint16(buf[6:8], h.Flag)
	binary.LittleEndian.PutUint16(buf[8:10], h.Compression)
	binary.LittleEndian.PutUint16(buf[10:12], h.ModTime)
	binary.LittleEndian.PutUint16(buf[12:14], h.ModDate)
	binary.LittleEndian.PutUint32(buf[14:18], h.CRC)
	binary.LittleEndian.PutUint32(buf[18:22], h.CompressedSize)
	binary.LittleEndian.PutUint32(buf[22:26], h.RawSize)
	binary.LittleEndian.PutUint16(buf[26:28], h.FilenameLen)
	binary.LittleEndian.PutUint16(buf[28:30], h.ExtraFieldLen)
	return buf
}

func signatureUint32(sig [4]byte) uint32 {
	return binary.LittleEndian.Uint32(sig[:])
}

// CentralDirectoryEntrySize is the encoded size of a CentralDirectoryEntry,
// not including its variable-length filename, extra field, and comment.
const CentralDirectoryEntrySize = 4 + 2*6 + 4*3 + 2*5 + 4*2

// CentralDirectoryEntry is the `PK\x01\x02` record describing one entry
// in the Central Directory.
type CentralDirectoryEntry struct {
	Signature      [4]byte
	CreatorVersion uint16
	NeededVersion  uint16
	Flag           uint16
	Compression    uint16
	ModTime        uint16
	ModDate        uint16
	CRC            uint32
	CompressedSize uint32
	RawSize        uint32
	FilenameLen    uint16
	ExtraFieldLen  uint16
	CommentLen     uint16
	DiskNumStart   uint16
	InternalAttr   uint16
	ExternalAttr   uint32
	Offset         uint32
}

// ReadCentralDirectoryEntry reads and validates a CentralDirectoryEntry
// from r.
func ReadCentralDirectoryEntry(r io.Reader) (CentralDirectoryEntry, error) {
	var e CentralDirectoryEntry
	if _, err := io.ReadFull(r, e.Signature[:]); err != nil {
		return e, xerrors.Errorf("zipfmt: reading central directory entry: %w", err)
	}
	if e.Signature != sigCentralDirectory {
		return e, ErrBadSignature
	}
	if err := readCentralDirectoryFields(r, &e); err != nil {
		return e, xerrors.Errorf("zipfmt: reading central directory entry: %w", err)
	}
	return e, nil
}

// DecodeCentralDirectoryEntry decodes a CentralDirectoryEntry from a
// buffer already known to hold exactly CentralDirectoryEntrySize bytes
// (the exploder keeps the raw bytes around to copy verbatim into the
// directory sidecar, so it decodes from memory instead of re-reading).
func DecodeCentralDirectoryEntry(buf []byte) (CentralDirectoryEntry, error) {
	if len(buf) != CentralDirectoryEntrySize {
		return CentralDirectoryEntry{}, xerrors.Errorf("zipfmt: central directory entry: want %d bytes, got %d", CentralDirectoryEntrySize, len(buf))
	}
	var e CentralDirectoryEntry
	copy(e.Signature[:], buf[:4])
	if e.Signature != sigCentralDirectory {
		return e, ErrBadSignature
	}
	if err := readCentralDirectoryFields(bytesReader(buf[4:]), &e); err != nil {
		return e, xerrors.Errorf("zipfmt: decoding central directory entry: %w", err)
	}
	return e, nil
}

// readCentralDirectoryFields decodes every CentralDirectoryEntry field
// after the signature, one binary.Read call per field.
func readCentralDirectoryFields(r io.Reader, e *CentralDirectoryEntry) error {
	return readFields(r,
		&e.CreatorVersion, &e.NeededVersion, &e.Flag, &e.Compression, &e.ModTime, &e.ModDate,
		&e.CRC, &e.CompressedSize, &e.RawSize,
		&e.FilenameLen, &e.ExtraFieldLen, &e.CommentLen, &e.DiskNumStart, &e.InternalAttr,
		&e.ExternalAttr, &e.Offset,
	)
}

// DataDescriptorSize is the encoded size of a DataDescriptor, not
// including its optional 4-byte marker.
const DataDescriptorSize = 4 * 3

// DataDescriptor is the optional `PK\x07\x08` record trailing an entry
// whose LFH omitted CRC/sizes.
type DataDescriptor struct {
	CRC            uint32
	CompressedSize uint32
	RawSize        uint32
}

// EndOfDirectorySize is the encoded size of an EndOfCentralDirectory
// record, not including a trailing comment.
const EndOfDirectorySize = 4 + 2*4 + 4*2 + 2

// EndOfCentralDirectory is the `PK\x05\x06` record locating the Central
// Directory.
type EndOfCentralDirectory struct {
	Signature       [4]byte
	DiskNum         uint16
	FirstDisk       uint16
	LocalEntries    uint16
	TotalEntries    uint16
	DirectorySize   uint32
	DirectoryOffset uint32
	CommentLen      uint16
}

// DecodeEndOfCentralDirectory decodes an EndOfCentralDirectory from a
// buffer already known to hold exactly EndOfDirectorySize bytes.
func DecodeEndOfCentralDirectory(buf []byte) (EndOfCentralDirectory, error) {
	if len(buf) != EndOfDirectorySize {
		return EndOfCentralDirectory{}, xerrors.Errorf("zipfmt: end of central directory: want %d bytes, got %d", EndOfDirectorySize, len(buf))
	}
	var e EndOfCentralDirectory
	copy(e.Signature[:], buf[:4])
	if e.Signature != sigEndOfDirectory {
		return e, ErrBadSignature
	}
	err := readFields(bytesReader(buf[4:]),
		&e.DiskNum, &e.FirstDisk, &e.LocalEntries, &e.TotalEntries,
		&e.DirectorySize, &e.DirectoryOffset, &e.CommentLen,
	)
	if err != nil {
		return e, xerrors.Errorf("zipfmt: decoding end of central directory: %w", err)
	}
	return e, nil
}

// IsEndOfDirectorySignature reports whether buf begins with the EOCD
// marker, without decoding the rest of the record.
func IsEndOfDirectorySignature(buf []byte) bool {
	return len(buf) >= 4 && buf[0] == sigEndOfDirectory[0] && buf[1] == sigEndOfDirectory[1] &&
		buf[2] == sigEndOfDirectory[2] && buf[3] == sigEndOfDirectory[3]
}

// EndOfDirectoryMarker returns the 4-byte EOCD signature, for callers
// scanning a trailing window of bytes for it (spec: archives may carry
// up to a 64 KiB comment after the directory, so the marker is not
// necessarily at a fixed offset from the end of the file).
func EndOfDirectoryMarker() []byte {
	return sigEndOfDirectory[:]
}

// DataDescriptorMarker returns the 4-byte optional Data Descriptor
// signature.
func DataDescriptorMarker() []byte {
	return sigDataDescriptor[:]
}

// descriptorSeeker is the subset of *os.File that ReadDataDescriptor
// needs to un-consume a failed marker probe.
type descriptorSeeker interface {
	io.Reader
	Seek(offset int64, whence int) (int64, error)
}

// ReadDataDescriptor reads the optional Data Descriptor trailing an
// entry's payload from r's current position, given whether the entry's
// LFH flag bit 3 (0x08) indicated streamed sizes. It probes for the
// 4-byte PK\x07\x08 marker; if present, the descriptor is the marker
// plus the fixed 12-byte record (16 bytes total). If absent but
// hasDescriptor is true, the descriptor is the 12 unmarked bytes
// immediately following — the already-consumed probe bytes are the
// first of those 12, not re-read. Otherwise there is no descriptor and
// r's position is restored to where it was on entry.
func ReadDataDescriptor(r descriptorSeeker, hasDescriptor bool) ([]byte, error) {
	probe := make([]byte, len(sigDataDescriptor))
	n, err := io.ReadFull(r, probe)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	if n == len(probe) && probe[0] == sigDataDescriptor[0] && probe[1] == sigDataDescriptor[1] &&
		probe[2] == sigDataDescriptor[2] && probe[3] == sigDataDescriptor[3] {
		rest := make([]byte, DataDescriptorSize)
		if _, err := io.ReadFull(r, rest); err != nil {
			return nil, err
		}
		return append(probe, rest...), nil
	}
	if !hasDescriptor {
		if n > 0 {
			if _, err := r.Seek(-int64(n), io.SeekCurrent); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	rest := make([]byte, DataDescriptorSize-n)
	if len(rest) > 0 {
		if _, err := io.ReadFull(r, rest); err != nil {
			return nil, err
		}
	}
	return append(probe[:n], rest...), nil
}

type byteReader struct {
	b []byte
}

func bytesReader(b []byte) io.Reader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}
