package main

import (
	"archive/zip"
	"bytes"
	"crypto/sha1"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

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

func TestAnalyzeStoredEntry(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "min.zip")
	writeFixtureZip(t, zipPath, map[string]string{"hello.txt": "hello"})

	var out bytes.Buffer
	if err := analyze(zipPath, &out); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	r := csv.NewReader(&out)
	rows, err := r.ReadAll()
	if err != nil {
		t.Fatalf("parsing csv output: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2 (header + 1 entry)", len(rows))
	}
	wantHeader := []string{"Filename", "Stream Hash", "Raw Hash", "Decompressed Hash"}
	for i, col := range wantHeader {
		if rows[0][i] != col {
			t.Errorf("header[%d] = %q, want %q", i, rows[0][i], col)
		}
	}

	entry := rows[1]
	if entry[0] != "hello.txt" {
		t.Fatalf("filename = %q, want hello.txt", entry[0])
	}
	rawHash := sha1.Sum([]byte("hello"))
	wantRaw := fmt.Sprintf("%x", rawHash)
	if entry[2] != wantRaw {
		t.Errorf("raw hash = %s, want %s", entry[2], wantRaw)
	}
	if entry[3] != wantRaw {
		t.Errorf("decompressed hash for a stored (non-deflate) entry should equal raw hash: got %s, want %s", entry[3], wantRaw)
	}
}

func TestAnalyzeDeflatedEntry(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "deflated.zip")

	f, err := os.Create(zipPath)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "f.txt", Method: zip.Deflate})
	if err != nil {
		t.Fatalf("CreateHeader: %v", err)
	}
	content := bytes.Repeat([]byte("compress me please "), 50)
	if _, err := w.Write(content); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	f.Close()

	var out bytes.Buffer
	if err := analyze(zipPath, &out); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	r := csv.NewReader(&out)
	rows, err := r.ReadAll()
	if err != nil {
		t.Fatalf("parsing csv: %v", err)
	}
	entry := rows[1]
	wantDecompressed := fmt.Sprintf("%x", sha1.Sum(content))
	if entry[3] != wantDecompressed {
		t.Errorf("decompressed hash = %s, want %s", entry[3], wantDecompressed)
	}
	if entry[2] == entry[3] {
		t.Errorf("raw hash and decompressed hash should differ for a deflated entry")
	}
}

func TestAnalyzeNotAZip(t *testing.T) {
	dir := t.TempDir()
	notZip := filepath.Join(dir, "notazip.bin")
	if err := os.WriteFile(notZip, []byte("plainly not a zip container"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	var out bytes.Buffer
	if err := analyze(notZip, &out); err != nil {
		t.Fatalf("analyze on non-zip should silently decline, got: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no output for a non-zip input, got %q", out.String())
	}
}
