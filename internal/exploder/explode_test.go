package exploder

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/xzipfs/xzip/internal/zipfmt"
)

// writeFixtureZip builds a ZIP archive at path with one stored (method
// 0) entry per name/content pair, using the standard library's
// archive/zip writer. This is fixture construction only: the production
// decode path in this package never uses archive/zip.
func writeFixtureZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		if err != nil {
			t.Fatalf("CreateHeader: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
}

func TestExplodeMinimalArchive(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "min.zip")
	writeFixtureZip(t, zipPath, map[string]string{"hello.txt": "hello"})

	baseDir := filepath.Join(dir, "exploded")
	if err := Explode(context.Background(), zipPath, baseDir, 0); err != nil {
		t.Fatalf("Explode: %v", err)
	}

	sha := sha1.Sum([]byte("hello"))
	wantBlob := filepath.Join(baseDir, "data", hex.EncodeToString(sha[:]))
	if _, err := os.Stat(wantBlob); err != nil {
		t.Fatalf("expected blob at %s: %v", wantBlob, err)
	}
	got, err := os.ReadFile(wantBlob)
	if err != nil {
		t.Fatalf("reading blob: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("blob content = %q, want %q", got, "hello")
	}

	dirSidecar, err := os.ReadFile(filepath.Join(baseDir, "meta", "min.zip.dir"))
	if err != nil {
		t.Fatalf("reading dir sidecar: %v", err)
	}
	if len(dirSidecar) < 4 || dirSidecar[0] != 'P' || dirSidecar[1] != 'K' || dirSidecar[2] != 0x01 || dirSidecar[3] != 0x02 {
		t.Fatalf("dir sidecar does not begin with PK\\x01\\x02: %x", dirSidecar[:4])
	}

	assertReconstitutes(t, zipPath, baseDir, 0)
}

func TestExplodeMultipleEntriesDedup(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "multi.zip")
	writeFixtureZip(t, zipPath, map[string]string{
		"a.txt": "same content",
		"b.txt": "same content",
		"c.txt": "different",
	})

	baseDir := filepath.Join(dir, "exploded")
	if err := Explode(context.Background(), zipPath, baseDir, 0); err != nil {
		t.Fatalf("Explode: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(baseDir, "data"))
	if err != nil {
		t.Fatalf("reading data dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d blobs, want 2 (dedup across a.txt/b.txt)", len(entries))
	}
	assertReconstitutes(t, zipPath, baseDir, 0)
}

func TestExplodeTrailingComment(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "commented.zip")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "f.txt", Method: zip.Store})
	if err != nil {
		t.Fatalf("CreateHeader: %v", err)
	}
	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	comment := bytes.Repeat([]byte("c"), 1024)
	if err := zw.SetComment(string(comment)); err != nil {
		t.Fatalf("SetComment: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := os.WriteFile(zipPath, buf.Bytes(), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	baseDir := filepath.Join(dir, "exploded")
	if err := Explode(context.Background(), zipPath, baseDir, 0); err != nil {
		t.Fatalf("Explode: %v", err)
	}
	assertReconstitutes(t, zipPath, baseDir, 0)
}

func TestExplodeNotAZip(t *testing.T) {
	dir := t.TempDir()
	notZip := filepath.Join(dir, "notazip.bin")
	if err := os.WriteFile(notZip, []byte("just some random bytes, not a zip container at all"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	baseDir := filepath.Join(dir, "exploded")
	if err := Explode(context.Background(), notZip, baseDir, 0); err != nil {
		t.Fatalf("Explode on non-zip should silently decline, got error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(baseDir, "meta")); !os.IsNotExist(err) {
		t.Fatalf("expected no meta dir to be created for a non-zip input")
	}
}

func TestExplodeIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "idempotent.zip")
	writeFixtureZip(t, zipPath, map[string]string{"f.txt": "content"})

	baseDir := filepath.Join(dir, "exploded")
	if err := Explode(context.Background(), zipPath, baseDir, 0); err != nil {
		t.Fatalf("first Explode: %v", err)
	}
	first, err := snapshotTree(filepath.Join(baseDir, "data"))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if err := Explode(context.Background(), zipPath, baseDir, 0); err != nil {
		t.Fatalf("second Explode: %v", err)
	}
	second, err := snapshotTree(filepath.Join(baseDir, "data"))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("data/ tree changed across idempotent explodes (-first +second):\n%s", diff)
	}
}

func TestExplodeAllIsolatesFailures(t *testing.T) {
	dir := t.TempDir()
	goodZip := filepath.Join(dir, "good.zip")
	writeFixtureZip(t, goodZip, map[string]string{"f.txt": "ok"})
	missing := filepath.Join(dir, "does-not-exist.zip")

	baseDir := filepath.Join(dir, "exploded")
	errs := ExplodeAll(context.Background(), []string{goodZip, missing}, baseDir, 0)
	if len(errs) != 2 {
		t.Fatalf("got %d results, want 2", len(errs))
	}
	if errs[0] != nil {
		t.Fatalf("good.zip should have exploded cleanly, got %v", errs[0])
	}
	if errs[1] == nil {
		t.Fatalf("missing archive should have produced an error")
	}
	if _, err := os.Stat(filepath.Join(baseDir, "meta", "good.zip.jump")); err != nil {
		t.Fatalf("good.zip's sidecars should exist despite missing.zip's failure: %v", err)
	}
}

// assertReconstitutes splices the sidecars and blob pool back together
// by hand (jump header's filesize/directory_offset plus a straight
// concatenation of every stream item's header+fields+blob+descriptor,
// followed by the directory sidecar) and compares the result against the
// original archive bytes.
func assertReconstitutes(t *testing.T, zipPath, baseDir string, depth int) {
	t.Helper()
	want, err := os.ReadFile(zipPath)
	if err != nil {
		t.Fatalf("reading original: %v", err)
	}

	base := filepath.Join(baseDir, "meta", filepath.Base(zipPath))
	jumpBytes, err := os.ReadFile(base + ".jump")
	if err != nil {
		t.Fatalf("reading jump sidecar: %v", err)
	}
	header, err := zipfmt.ReadJumpHeader(bytes.NewReader(jumpBytes))
	if err != nil {
		t.Fatalf("ReadJumpHeader: %v", err)
	}
	entries, err := zipfmt.ReadJumpEntries(bytes.NewReader(jumpBytes[zipfmt.JumpHeaderSize:]))
	if err != nil {
		t.Fatalf("ReadJumpEntries: %v", err)
	}

	streamBytes, err := os.ReadFile(base + ".stream")
	if err != nil {
		t.Fatalf("reading stream sidecar: %v", err)
	}
	dirBytes, err := os.ReadFile(base + ".dir")
	if err != nil {
		t.Fatalf("reading dir sidecar: %v", err)
	}

	var got bytes.Buffer
	for _, e := range entries {
		r := bytes.NewReader(streamBytes[e.SOff:])
		item, err := zipfmt.ReadStreamItem(r)
		if err != nil {
			t.Fatalf("ReadStreamItem at %d: %v", e.SOff, err)
		}
		got.Write(item.Header.Bytes())
		varFields := make([]byte, int(item.Header.FilenameLen)+int(item.Header.ExtraFieldLen))
		if _, err := io.ReadFull(r, varFields); err != nil {
			t.Fatalf("reading var fields: %v", err)
		}
		got.Write(varFields)

		blobPath := blobPathFor(baseDir, depth, item.SHA)
		blob, err := os.ReadFile(blobPath)
		if err != nil {
			t.Fatalf("reading blob %s: %v", blobPath, err)
		}
		got.Write(blob)

		if item.DescriptorLen > 0 {
			descriptor := make([]byte, item.DescriptorLen)
			if _, err := io.ReadFull(r, descriptor); err != nil {
				t.Fatalf("reading descriptor: %v", err)
			}
			got.Write(descriptor)
		}
	}
	got.Write(dirBytes)

	if uint64(got.Len()) != header.FileSize {
		t.Fatalf("reconstituted size = %d, want filesize %d", got.Len(), header.FileSize)
	}
	if !bytes.Equal(got.Bytes(), want) {
		t.Fatalf("reconstituted bytes differ from original archive")
	}
}

func blobPathFor(baseDir string, depth int, sha [20]byte) string {
	digest := hex.EncodeToString(sha[:])
	if depth > len(digest) {
		depth = len(digest)
	}
	parts := []string{baseDir, "data"}
	for i := 0; i < depth; i++ {
		parts = append(parts, string(digest[i]))
	}
	parts = append(parts, digest)
	return filepath.Join(parts...)
}

func snapshotTree(root string) (map[string][]byte, error) {
	out := map[string][]byte{}
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out[rel] = b
		return nil
	})
	return out, err
}
