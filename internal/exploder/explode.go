// Package exploder implements xzip's one-shot ZIP-to-sidecars
// transformation: parsing a ZIP container, emitting the jump/stream/dir
// sidecars, and deduplicating entry payloads into a shared blob store.
package exploder

import (
	"context"
	"crypto/sha1"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/xzipfs/xzip/internal/blobstore"
	"github.com/xzipfs/xzip/internal/zipfmt"
)

// scanWindow is the number of trailing bytes (plus the EOCD's own fixed
// size) searched for the EOCD marker when it isn't found at the
// expected fixed offset, i.e. when the archive carries a comment.
const scanWindow = 1 << 16

// Explode reads the ZIP container at archivePath and writes its
// jump/stream/dir sidecars under baseDir/meta, deduplicating entry
// payloads into baseDir/data sharded depth hex nibbles deep.
//
// If archivePath does not look like a ZIP container (the EOCD marker
// cannot be located), Explode returns nil without writing anything: this
// is a deliberate silent decline, not an error, matching the original
// tool's behavior for non-archive input.
func Explode(ctx context.Context, archivePath, baseDir string, depth int) (err error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return xerrors.Errorf("exploder: opening %s: %w", archivePath, err)
	}
	defer f.Close()

	eocd, filesize, found, err := locateEOCD(f)
	if err != nil {
		return xerrors.Errorf("exploder: locating end of central directory in %s: %w", archivePath, err)
	}
	if !found {
		return nil
	}

	metaDir := filepath.Join(baseDir, "meta")
	dataDir := filepath.Join(baseDir, "data")
	if err := os.MkdirAll(metaDir, 0755); err != nil {
		return xerrors.Errorf("exploder: creating %s: %w", metaDir, err)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return xerrors.Errorf("exploder: creating %s: %w", dataDir, err)
	}

	prefix := filepath.Join(metaDir, filepath.Base(archivePath))
	jumpPath, streamPath, dirPath := prefix+".jump", prefix+".stream", prefix+".dir"

	jumpFile, err := os.Create(jumpPath)
	if err != nil {
		return xerrors.Errorf("exploder: creating %s: %w", jumpPath, err)
	}
	streamFile, err := os.Create(streamPath)
	if err != nil {
		jumpFile.Close()
		os.Remove(jumpPath)
		return xerrors.Errorf("exploder: creating %s: %w", streamPath, err)
	}
	dirFile, err := os.Create(dirPath)
	if err != nil {
		jumpFile.Close()
		streamFile.Close()
		os.Remove(jumpPath)
		os.Remove(streamPath)
		return xerrors.Errorf("exploder: creating %s: %w", dirPath, err)
	}

	defer func() {
		jumpFile.Close()
		streamFile.Close()
		dirFile.Close()
		if err != nil {
			os.Remove(jumpPath)
			os.Remove(streamPath)
			os.Remove(dirPath)
		}
	}()

	store := blobstore.Store{Root: baseDir, Depth: depth}
	if err = explodeEntries(ctx, f, jumpFile, streamFile, dirFile, eocd, filesize, store); err != nil {
		return xerrors.Errorf("exploder: exploding %s: %w", archivePath, err)
	}
	return nil
}

// locateEOCD finds the EndOfCentralDirectory record in f, returning
// found=false (not an error) if f does not look like a ZIP container.
func locateEOCD(f *os.File) (eocd zipfmt.EndOfCentralDirectory, filesize int64, found bool, err error) {
	filesize, err = f.Seek(0, io.SeekEnd)
	if err != nil {
		return eocd, 0, false, err
	}
	if filesize < zipfmt.EndOfDirectorySize {
		return eocd, filesize, false, nil
	}

	buf := make([]byte, zipfmt.EndOfDirectorySize)
	if _, err := f.Seek(filesize-zipfmt.EndOfDirectorySize, io.SeekStart); err != nil {
		return eocd, filesize, false, err
	}
	if _, err := io.ReadFull(f, buf); err != nil {
		return eocd, filesize, false, err
	}
	if zipfmt.IsEndOfDirectorySignature(buf) {
		eocd, err = zipfmt.DecodeEndOfCentralDirectory(buf)
		if err != nil {
			return eocd, filesize, false, err
		}
		return eocd, filesize, true, nil
	}

	// Scan the trailing window (comment up to 64 KiB, plus the record
	// itself) backward for the marker.
	windowStart := filesize - (scanWindow + zipfmt.EndOfDirectorySize)
	if windowStart < 0 {
		windowStart = 0
	}
	window := make([]byte, filesize-windowStart)
	if _, err := f.Seek(windowStart, io.SeekStart); err != nil {
		return eocd, filesize, false, err
	}
	if _, err := io.ReadFull(f, window); err != nil {
		return eocd, filesize, false, err
	}
	marker := zipfmt.EndOfDirectoryMarker()
	idx := lastIndex(window, marker)
	if idx < 0 {
		return eocd, filesize, false, nil
	}
	if idx+zipfmt.EndOfDirectorySize > len(window) {
		return eocd, filesize, false, nil
	}
	eocd, err = zipfmt.DecodeEndOfCentralDirectory(window[idx : idx+zipfmt.EndOfDirectorySize])
	if err != nil {
		return eocd, filesize, false, nil
	}
	return eocd, filesize, true, nil
}

func lastIndex(haystack, needle []byte) int {
	for i := len(haystack) - len(needle); i >= 0; i-- {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// explodeEntries writes the jump header, walks every Central Directory
// entry, and copies the remaining trailer verbatim.
func explodeEntries(ctx context.Context, archive *os.File, jumpFile, streamFile, dirFile *os.File, eocd zipfmt.EndOfCentralDirectory, filesize int64, store blobstore.Store) error {
	header := zipfmt.JumpHeader{
		FileSize:        uint64(filesize),
		DirectoryOffset: uint64(eocd.DirectoryOffset),
	}
	if _, err := header.WriteTo(jumpFile); err != nil {
		return xerrors.Errorf("writing jump header: %w", err)
	}

	if _, err := archive.Seek(int64(eocd.DirectoryOffset), io.SeekStart); err != nil {
		return xerrors.Errorf("seeking to directory offset: %w", err)
	}

	cdeBuf := make([]byte, zipfmt.CentralDirectoryEntrySize)
	for i := uint16(0); i < eocd.TotalEntries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := io.ReadFull(archive, cdeBuf); err != nil {
			return xerrors.Errorf("reading central directory entry %d: %w", i, err)
		}
		if _, err := dirFile.Write(cdeBuf); err != nil {
			return xerrors.Errorf("writing directory sidecar entry %d: %w", i, err)
		}
		cde, err := zipfmt.DecodeCentralDirectoryEntry(cdeBuf)
		if err != nil {
			return xerrors.Errorf("decoding central directory entry %d: %w", i, err)
		}

		streamPos, err := streamFile.Seek(0, io.SeekCurrent)
		if err != nil {
			return xerrors.Errorf("locating stream sidecar position: %w", err)
		}
		entry := zipfmt.JumpEntry{ZOff: uint64(cde.Offset), SOff: uint64(streamPos)}
		if _, err := entry.WriteTo(jumpFile); err != nil {
			return xerrors.Errorf("writing jump entry %d: %w", i, err)
		}

		if err := processEntry(archive, cde, streamFile, store); err != nil {
			return xerrors.Errorf("processing entry %d: %w", i, err)
		}

		trailing := make([]byte, int(cde.FilenameLen)+int(cde.ExtraFieldLen)+int(cde.CommentLen))
		if _, err := io.ReadFull(archive, trailing); err != nil {
			return xerrors.Errorf("reading central directory entry %d trailer: %w", i, err)
		}
		if _, err := dirFile.Write(trailing); err != nil {
			return xerrors.Errorf("writing directory sidecar entry %d trailer: %w", i, err)
		}
	}

	rest, err := io.ReadAll(archive)
	if err != nil {
		return xerrors.Errorf("reading directory trailer: %w", err)
	}
	if _, err := dirFile.Write(rest); err != nil {
		return xerrors.Errorf("writing directory trailer: %w", err)
	}
	return nil
}

// processEntry seeks to the entry's Local File Header, reads its
// payload (using the Central Directory's authoritative compressed_size,
// not the LFH's — the LFH's sizes may be zero when a Data Descriptor
// follows), hashes and stores the payload, detects a trailing Data
// Descriptor, and writes one stream item. The archive's read position is
// restored to where it was on entry, so the caller can keep walking the
// Central Directory sequentially.
func processEntry(archive *os.File, cde zipfmt.CentralDirectoryEntry, streamFile *os.File, store blobstore.Store) error {
	savedPos, err := archive.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	defer archive.Seek(savedPos, io.SeekStart)

	if _, err := archive.Seek(int64(cde.Offset), io.SeekStart); err != nil {
		return xerrors.Errorf("seeking to local file header: %w", err)
	}
	lfh, err := zipfmt.ReadLocalFileHeader(archive)
	if err != nil {
		return xerrors.Errorf("reading local file header: %w", err)
	}

	varFields := make([]byte, int(lfh.FilenameLen)+int(lfh.ExtraFieldLen))
	if _, err := io.ReadFull(archive, varFields); err != nil {
		return xerrors.Errorf("reading filename/extra field: %w", err)
	}

	payload := make([]byte, cde.CompressedSize)
	if _, err := io.ReadFull(archive, payload); err != nil {
		return xerrors.Errorf("reading payload: %w", err)
	}
	sha := sha1.Sum(payload)
	if err := store.Put(sha, bytesReader(payload)); err != nil {
		return xerrors.Errorf("storing blob: %w", err)
	}

	descriptor, err := zipfmt.ReadDataDescriptor(archive, lfh.HasDescriptor())
	if err != nil {
		return xerrors.Errorf("reading data descriptor: %w", err)
	}

	item := zipfmt.StreamItem{
		Header:        lfh,
		DescriptorLen: uint8(len(descriptor)),
		SHA:           sha,
	}
	if _, err := item.WriteTo(streamFile); err != nil {
		return xerrors.Errorf("writing stream item: %w", err)
	}
	if _, err := streamFile.Write(varFields); err != nil {
		return xerrors.Errorf("writing stream item fields: %w", err)
	}
	if len(descriptor) > 0 {
		if _, err := streamFile.Write(descriptor); err != nil {
			return xerrors.Errorf("writing stream item descriptor: %w", err)
		}
	}
	return nil
}

func bytesReader(b []byte) io.Reader { return &simpleReader{b: b} }

type simpleReader struct{ b []byte }

func (r *simpleReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}
