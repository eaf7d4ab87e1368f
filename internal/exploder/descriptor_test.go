package exploder

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/xzipfs/xzip/internal/zipfmt"
)

// writeFixtureZipWithDescriptor hand-builds a single-entry ZIP archive
// whose Local File Header declares streamed sizes (flag bit 3 set, CRC
// and sizes zeroed) and whose payload is followed by a trailing Data
// Descriptor, either marked with the optional PK\x07\x08 signature or
// not. archive/zip's own writer never emits this shape for entries with
// known sizes, so the fixture is assembled by hand to exercise it.
func writeFixtureZipWithDescriptor(t *testing.T, path, name string, payload []byte, markDescriptor bool) {
	t.Helper()
	crc := crc32.ChecksumIEEE(payload)

	lfh := zipfmt.LocalFileHeader{
		NeededVersion: 20,
		Flag:          0x0008,
		Compression:   0,
		FilenameLen:   uint16(len(name)),
	}
	lfhBytes := lfh.Bytes()
	copy(lfhBytes[0:4], []byte{'P', 'K', 0x03, 0x04})

	entryOffset := 0
	var body bytes.Buffer
	body.Write(lfhBytes)
	body.WriteString(name)
	body.Write(payload)

	var descriptor bytes.Buffer
	if markDescriptor {
		descriptor.Write([]byte{'P', 'K', 0x07, 0x08})
	}
	binary.Write(&descriptor, binary.LittleEndian, crc)
	binary.Write(&descriptor, binary.LittleEndian, uint32(len(payload)))
	binary.Write(&descriptor, binary.LittleEndian, uint32(len(payload)))
	body.Write(descriptor.Bytes())

	cdeOffset := body.Len()
	cde := struct {
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
	}{
		Signature:      [4]byte{'P', 'K', 0x01, 0x02},
		CreatorVersion: 20,
		NeededVersion:  20,
		Flag:           0x0008,
		CRC:            crc,
		CompressedSize: uint32(len(payload)),
		RawSize:        uint32(len(payload)),
		FilenameLen:    uint16(len(name)),
		Offset:         uint32(entryOffset),
	}
	if err := binary.Write(&body, binary.LittleEndian, cde); err != nil {
		t.Fatalf("encoding central directory entry: %v", err)
	}
	body.WriteString(name)
	directorySize := body.Len() - cdeOffset

	eocd := struct {
		Signature       [4]byte
		DiskNum         uint16
		FirstDisk       uint16
		LocalEntries    uint16
		TotalEntries    uint16
		DirectorySize   uint32
		DirectoryOffset uint32
		CommentLen      uint16
	}{
		Signature:       [4]byte{'P', 'K', 0x05, 0x06},
		LocalEntries:    1,
		TotalEntries:    1,
		DirectorySize:   uint32(directorySize),
		DirectoryOffset: uint32(cdeOffset),
	}
	if err := binary.Write(&body, binary.LittleEndian, eocd); err != nil {
		t.Fatalf("encoding end of central directory: %v", err)
	}

	if err := os.WriteFile(path, body.Bytes(), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
}

func TestExplodeMarkedDataDescriptor(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "marked.zip")
	writeFixtureZipWithDescriptor(t, zipPath, "streamed.txt", []byte("streamed payload"), true)

	baseDir := filepath.Join(dir, "exploded")
	if err := Explode(context.Background(), zipPath, baseDir, 0); err != nil {
		t.Fatalf("Explode: %v", err)
	}
	assertStreamItemDescriptorLen(t, baseDir, "marked.zip", zipfmt.DataDescriptorSize+4)
	assertReconstitutes(t, zipPath, baseDir, 0)
}

func TestExplodeUnmarkedDataDescriptor(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "unmarked.zip")
	writeFixtureZipWithDescriptor(t, zipPath, "streamed.txt", []byte("streamed payload"), false)

	baseDir := filepath.Join(dir, "exploded")
	if err := Explode(context.Background(), zipPath, baseDir, 0); err != nil {
		t.Fatalf("Explode: %v", err)
	}
	assertStreamItemDescriptorLen(t, baseDir, "unmarked.zip", zipfmt.DataDescriptorSize)
	assertReconstitutes(t, zipPath, baseDir, 0)
}

func assertStreamItemDescriptorLen(t *testing.T, baseDir, archiveName string, want int) {
	t.Helper()
	streamBytes, err := os.ReadFile(filepath.Join(baseDir, "meta", archiveName+".stream"))
	if err != nil {
		t.Fatalf("reading stream sidecar: %v", err)
	}
	item, err := zipfmt.ReadStreamItem(bytes.NewReader(streamBytes))
	if err != nil {
		t.Fatalf("ReadStreamItem: %v", err)
	}
	if int(item.DescriptorLen) != want {
		t.Fatalf("descriptor length = %d, want %d", item.DescriptorLen, want)
	}
}
