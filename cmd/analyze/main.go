// Command analyze prints a CSV report of one ZIP archive's entries:
// for each entry, the SHA1 of its on-wire stream bytes (header through
// descriptor), the SHA1 of its raw compressed payload, and the SHA1 of
// its decompressed content.
package main

import (
	"crypto/sha1"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/klauspost/compress/flate"
	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"

	"github.com/xzipfs/xzip/internal/zipfmt"
)

const scanWindow = 1 << 16

var debug = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s FILE\n", os.Args[0])
	flag.PrintDefaults()
}

func funcmain() error {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	if !isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetOutput(io.Discard)
	}

	if err := analyze(flag.Arg(0), os.Stdout); err != nil {
		if *debug {
			return fmt.Errorf("%+v", err)
		}
		return err
	}
	return nil
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// analyze walks archivePath's Central Directory and writes one CSV row
// per entry to w. If archivePath does not look like a ZIP container,
// analyze returns nil without writing anything, matching explode's
// silent-decline behavior for non-archive input.
func analyze(archivePath string, w io.Writer) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return xerrors.Errorf("analyze: opening %s: %w", archivePath, err)
	}
	defer f.Close()

	eocd, found, err := locateEOCD(f)
	if err != nil {
		return xerrors.Errorf("analyze: locating end of central directory: %w", err)
	}
	if !found {
		log.Printf("analyze: %s does not look like a ZIP archive, skipping", archivePath)
		return nil
	}

	csvw := csv.NewWriter(w)
	csvw.Write([]string{"Filename", "Stream Hash", "Raw Hash", "Decompressed Hash"})

	if _, err := f.Seek(int64(eocd.DirectoryOffset), io.SeekStart); err != nil {
		return xerrors.Errorf("analyze: seeking to directory offset: %w", err)
	}
	for i := uint16(0); i < eocd.TotalEntries; i++ {
		cde, err := zipfmt.ReadCentralDirectoryEntry(f)
		if err != nil {
			return xerrors.Errorf("analyze: reading central directory entry %d: %w", i, err)
		}
		row, err := processFile(f, cde)
		if err != nil {
			return xerrors.Errorf("analyze: entry %d: %w", i, err)
		}
		csvw.Write(row)

		trailing := make([]byte, int(cde.FilenameLen)+int(cde.ExtraFieldLen)+int(cde.CommentLen))
		if _, err := io.ReadFull(f, trailing); err != nil {
			return xerrors.Errorf("analyze: reading central directory entry %d trailer: %w", i, err)
		}
	}
	csvw.Flush()
	return csvw.Error()
}

// processFile computes the three hashes for one entry, restoring f's
// read position to where it was on entry so the caller can keep walking
// the Central Directory sequentially.
func processFile(f *os.File, cde zipfmt.CentralDirectoryEntry) ([]string, error) {
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	defer f.Seek(pos, io.SeekStart)

	if _, err := f.Seek(int64(cde.Offset), io.SeekStart); err != nil {
		return nil, xerrors.Errorf("seeking to local file header: %w", err)
	}

	hash := sha1.New()
	lfh, err := zipfmt.ReadLocalFileHeader(f)
	if err != nil {
		return nil, xerrors.Errorf("reading local file header: %w", err)
	}
	hash.Write(lfh.Bytes())

	filename := make([]byte, lfh.FilenameLen)
	if _, err := io.ReadFull(f, filename); err != nil {
		return nil, xerrors.Errorf("reading filename: %w", err)
	}
	hash.Write(filename)

	extra := make([]byte, lfh.ExtraFieldLen)
	if _, err := io.ReadFull(f, extra); err != nil {
		return nil, xerrors.Errorf("reading extra field: %w", err)
	}
	hash.Write(extra)

	data := make([]byte, cde.CompressedSize)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, xerrors.Errorf("reading payload: %w", err)
	}
	hash.Write(data)

	decompressed := data
	if lfh.Compression == 8 {
		fr := flate.NewReader(bytesReader(data))
		defer fr.Close()
		decompressed, err = io.ReadAll(fr)
		if err != nil {
			return nil, xerrors.Errorf("inflating payload: %w", err)
		}
	}

	descriptor, err := zipfmt.ReadDataDescriptor(f, lfh.HasDescriptor())
	if err != nil {
		return nil, xerrors.Errorf("reading data descriptor: %w", err)
	}
	hash.Write(descriptor)

	rawHash := sha1.Sum(data)
	decompressedHash := sha1.Sum(decompressed)
	return []string{
		string(filename),
		fmt.Sprintf("%x", hash.Sum(nil)),
		fmt.Sprintf("%x", rawHash),
		fmt.Sprintf("%x", decompressedHash),
	}, nil
}

// locateEOCD finds the EndOfCentralDirectory record in f, returning
// found=false (not an error) if f does not look like a ZIP container.
func locateEOCD(f *os.File) (eocd zipfmt.EndOfCentralDirectory, found bool, err error) {
	filesize, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return eocd, false, err
	}
	if filesize < zipfmt.EndOfDirectorySize {
		return eocd, false, nil
	}

	buf := make([]byte, zipfmt.EndOfDirectorySize)
	if _, err := f.Seek(filesize-zipfmt.EndOfDirectorySize, io.SeekStart); err != nil {
		return eocd, false, err
	}
	if _, err := io.ReadFull(f, buf); err != nil {
		return eocd, false, err
	}
	if zipfmt.IsEndOfDirectorySignature(buf) {
		eocd, err = zipfmt.DecodeEndOfCentralDirectory(buf)
		if err != nil {
			return eocd, false, err
		}
		return eocd, true, nil
	}

	windowStart := filesize - (scanWindow + zipfmt.EndOfDirectorySize)
	if windowStart < 0 {
		windowStart = 0
	}
	window := make([]byte, filesize-windowStart)
	if _, err := f.Seek(windowStart, io.SeekStart); err != nil {
		return eocd, false, err
	}
	if _, err := io.ReadFull(f, window); err != nil {
		return eocd, false, err
	}
	marker := zipfmt.EndOfDirectoryMarker()
	idx := lastIndex(window, marker)
	if idx < 0 || idx+zipfmt.EndOfDirectorySize > len(window) {
		return eocd, false, nil
	}
	eocd, err = zipfmt.DecodeEndOfCentralDirectory(window[idx : idx+zipfmt.EndOfDirectorySize])
	if err != nil {
		return eocd, false, nil
	}
	return eocd, true, nil
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

func bytesReader(b []byte) io.Reader { return &byteReader{b: b} }

type byteReader struct{ b []byte }

func (r *byteReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}
