package extract

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blakesmith/ar"
	"github.com/ebcl-build/imgforge/internal/cache"
	"github.com/ebcl-build/imgforge/stage"
	"github.com/rs/zerolog"
)

// stubFetcher serves pre-baked .deb content from a local temp file,
// matching repoindex's stub-fetcher convention.
type stubFetcher struct {
	dir  string
	data map[string][]byte
}

func newStubFetcher(t *testing.T) *stubFetcher {
	return &stubFetcher{dir: t.TempDir(), data: make(map[string][]byte)}
}

func (s *stubFetcher) set(url string, data []byte) { s.data[url] = data }

func (s *stubFetcher) Fetch(ctx context.Context, url, expectedHash string) (string, error) {
	data, ok := s.data[url]
	if !ok {
		return "", fmt.Errorf("stub: no content for %s", url)
	}
	path := filepath.Join(s.dir, "pkg.deb")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// buildDeb assembles a minimal .deb ar(5) archive: debian-binary,
// control.tar.gz (one control paragraph), data.tar.gz (one regular file).
func buildDeb(t *testing.T, control string, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	arW := ar.NewWriter(&buf)
	if err := arW.WriteGlobalHeader(); err != nil {
		t.Fatalf("WriteGlobalHeader: %v", err)
	}

	writeMember := func(name string, body []byte) {
		hdr := &ar.Header{Name: name, Size: int64(len(body)), Mode: 0o644, ModTime: time.Unix(0, 0)}
		if err := arW.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader(%s): %v", name, err)
		}
		if _, err := arW.Write(body); err != nil {
			t.Fatalf("Write(%s): %v", name, err)
		}
	}

	writeMember("debian-binary", []byte("2.0\n"))

	var cBuf bytes.Buffer
	cgw := gzip.NewWriter(&cBuf)
	ctw := tar.NewWriter(cgw)
	ctrlBytes := []byte(control)
	if err := ctw.WriteHeader(&tar.Header{Name: "control", Mode: 0o644, Size: int64(len(ctrlBytes))}); err != nil {
		t.Fatalf("control header: %v", err)
	}
	if _, err := ctw.Write(ctrlBytes); err != nil {
		t.Fatalf("control write: %v", err)
	}
	ctw.Close()
	cgw.Close()
	writeMember("control.tar.gz", cBuf.Bytes())

	var dBuf bytes.Buffer
	dgw := gzip.NewWriter(&dBuf)
	dtw := tar.NewWriter(dgw)
	for name, body := range files {
		if err := dtw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("data header %s: %v", name, err)
		}
		if _, err := dtw.Write(body); err != nil {
			t.Fatalf("data write %s: %v", name, err)
		}
	}
	dtw.Close()
	dgw.Close()
	writeMember("data.tar.gz", dBuf.Bytes())

	return buf.Bytes()
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func newTestTree(t *testing.T) *stage.Tree {
	t.Helper()
	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	tree, err := stage.New(t.TempDir(), c)
	if err != nil {
		t.Fatalf("stage.New: %v", err)
	}
	return tree
}

func TestUnpackWritesControlAndData(t *testing.T) {
	control := "Package: libfoo\nVersion: 1.0\nArchitecture: amd64\n"
	debBytes := buildDeb(t, control, map[string][]byte{
		"./usr/bin/foo": []byte("#!/bin/sh\necho hi\n"),
	})

	f := newStubFetcher(t)
	f.set("https://repo.example/libfoo.deb", debBytes)

	tree := newTestTree(t)
	cand := Candidate{Name: "libfoo", Version: "1.0", URL: "https://repo.example/libfoo.deb", SHA256: sha256Hex(debBytes)}

	manifest, err := Unpack(context.Background(), f, cand, tree, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if manifest.Control == nil || manifest.Control.Get("Package") != "libfoo" {
		t.Fatalf("expected parsed control paragraph, got %+v", manifest.Control)
	}

	entry := tree.Get("/usr/bin/foo")
	if entry == nil {
		t.Fatal("expected /usr/bin/foo to be staged")
	}
	if entry.Kind != stage.Regular {
		t.Fatalf("expected Regular, got %v", entry.Kind)
	}
	if entry.Origin != "libfoo" {
		t.Fatalf("expected origin libfoo, got %q", entry.Origin)
	}

	// Ancestor directories must be implicitly created.
	if d := tree.Get("/usr/bin"); d == nil || d.Kind != stage.Directory {
		t.Fatalf("expected implicit /usr/bin directory, got %+v", d)
	}
}

func TestUnpackRejectsBadArMagic(t *testing.T) {
	f := newStubFetcher(t)
	f.set("https://repo.example/bad.deb", []byte("not an ar archive"))

	tree := newTestTree(t)
	cand := Candidate{Name: "bad", Version: "1.0", URL: "https://repo.example/bad.deb"}

	_, err := Unpack(context.Background(), f, cand, tree, nil, zerolog.Nop())
	if err == nil {
		t.Fatal("expected ExtractionError for malformed ar archive")
	}
	if _, ok := err.(*ExtractionError); !ok {
		t.Fatalf("expected *ExtractionError, got %T: %v", err, err)
	}
}
