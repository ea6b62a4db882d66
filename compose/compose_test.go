package compose

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"testing"
	"time"

	"github.com/ebcl-build/imgforge/internal/cache"
	"github.com/ebcl-build/imgforge/stage"
)

func newFixtureTree(t *testing.T) *stage.Tree {
	t.Helper()
	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	tree, err := stage.New(t.TempDir(), c)
	if err != nil {
		t.Fatalf("stage.New: %v", err)
	}

	insert := func(e *stage.FileEntry) {
		unlock := tree.LockPaths([]string{e.Path})
		defer unlock()
		if err := tree.Insert(e, nil); err != nil {
			t.Fatalf("Insert(%s): %v", e.Path, err)
		}
	}

	insert(&stage.FileEntry{Path: "/bin", Kind: stage.Directory, Mode: 0o755, MTime: time.Unix(1000, 0)})

	digest, size, err := tree.PutBlob(bytes.NewReader([]byte("hello world\n")))
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	insert(&stage.FileEntry{
		Path: "/bin/greet", Kind: stage.Regular, Mode: 0o755,
		Payload: digest, Size: size, MTime: time.Unix(2000, 0),
	})

	insert(&stage.FileEntry{
		Path: "/bin/greet-link", Kind: stage.Symlink, Mode: 0o777,
		Payload: "/bin/greet", MTime: time.Unix(1500, 0),
	})

	return tree
}

func TestComposeTarUncompressedSortedOrder(t *testing.T) {
	tree := newFixtureTree(t)
	var buf bytes.Buffer
	err := Compose(tree, Options{Format: FormatTar}, &buf)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	tr := tar.NewReader(&buf)
	var names []string
	contents := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar.Next: %v", err)
		}
		names = append(names, hdr.Name)
		if hdr.Typeflag == tar.TypeReg {
			data, _ := io.ReadAll(tr)
			contents[hdr.Name] = data
		}
	}

	want := []string{".", "bin/", "bin/greet", "bin/greet-link"}
	if len(names) != len(want) {
		t.Fatalf("got names %v, want %v", names, want)
	}
	for i, n := range want {
		if names[i] != n {
			t.Errorf("position %d: got %q, want %q", i, names[i], n)
		}
	}
	if string(contents["bin/greet"]) != "hello world\n" {
		t.Fatalf("unexpected content: %q", contents["bin/greet"])
	}
}

func TestComposeTarReproducibleClampsModTime(t *testing.T) {
	tree := newFixtureTree(t)
	var buf bytes.Buffer
	epoch := int64(500) // earlier than every mtime the fixture sets; the bootstrapped root has mtime 0
	err := Compose(tree, Options{Format: FormatTar, Reproducible: true, SourceDateEpoch: epoch}, &buf)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	tr := tar.NewReader(&buf)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar.Next: %v", err)
		}
		want := time.Unix(epoch, 0).UTC()
		if hdr.Name == "." {
			// The root's mtime 0 is already not later than epoch, so
			// clamping leaves it unchanged.
			want = time.Unix(0, 0).UTC()
		}
		if !hdr.ModTime.Equal(want) {
			t.Errorf("%s: got mtime %v, want %v", hdr.Name, hdr.ModTime, want)
		}
		if hdr.Uname != "" || hdr.Gname != "" {
			t.Errorf("%s: expected numeric-only ownership, got uname=%q gname=%q", hdr.Name, hdr.Uname, hdr.Gname)
		}
	}
}

func TestComposeTarGzipRoundTrips(t *testing.T) {
	tree := newFixtureTree(t)
	var buf bytes.Buffer
	err := Compose(tree, Options{Format: FormatTar, Compression: CompressionGzip}, &buf)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	gr, err := gzip.NewReader(&buf)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	defer gr.Close()
	if gr.Name != "" {
		t.Errorf("expected stripped gzip filename, got %q", gr.Name)
	}

	tr := tar.NewReader(gr)
	var sawGreet bool
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar.Next: %v", err)
		}
		if hdr.Name == "bin/greet" {
			sawGreet = true
		}
	}
	if !sawGreet {
		t.Fatal("expected bin/greet entry in gzip-wrapped archive")
	}
}

func TestComposeSymlinkEntry(t *testing.T) {
	tree := newFixtureTree(t)
	var buf bytes.Buffer
	if err := Compose(tree, Options{Format: FormatTar}, &buf); err != nil {
		t.Fatalf("Compose: %v", err)
	}

	tr := tar.NewReader(&buf)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar.Next: %v", err)
		}
		if hdr.Name == "bin/greet-link" {
			if hdr.Typeflag != tar.TypeSymlink {
				t.Fatalf("expected TypeSymlink, got %v", hdr.Typeflag)
			}
			if hdr.Linkname != "/bin/greet" {
				t.Fatalf("expected linkname /bin/greet, got %q", hdr.Linkname)
			}
			return
		}
	}
	t.Fatal("did not find bin/greet-link entry")
}

func TestComposeUnknownFormatErrors(t *testing.T) {
	tree := newFixtureTree(t)
	var buf bytes.Buffer
	err := Compose(tree, Options{Format: "rar"}, &buf)
	if err == nil {
		t.Fatal("expected error for unknown format")
	}
}
