package cache

import (
	"bytes"
	"strings"
	"testing"
)

func TestPutAndOpenBlob(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	content := []byte("hello world")
	hash, err := c.PutBlob(bytes.NewReader(content), "", "https://example.com/x")
	if err != nil {
		t.Fatalf("PutBlob failed: %v", err)
	}
	if !c.HasBlob(hash) {
		t.Error("HasBlob false after PutBlob")
	}

	rc, err := c.OpenBlob(hash)
	if err != nil {
		t.Fatalf("OpenBlob failed: %v", err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	buf.ReadFrom(rc)
	if buf.String() != string(content) {
		t.Errorf("blob content mismatch: %q", buf.String())
	}
}

func TestPutBlobHashMismatch(t *testing.T) {
	c, _ := New(t.TempDir())
	_, err := c.PutBlob(strings.NewReader("data"), "deadbeef", "origin")
	if err == nil {
		t.Error("expected hash mismatch error")
	}
}

func TestInvalidateBlob(t *testing.T) {
	c, _ := New(t.TempDir())
	hash, _ := c.PutBlob(strings.NewReader("data"), "", "origin")
	if err := c.InvalidateBlob(hash); err != nil {
		t.Fatalf("InvalidateBlob failed: %v", err)
	}
	if c.HasBlob(hash) {
		t.Error("blob still present after invalidation")
	}
}

func TestIndexRoundTrip(t *testing.T) {
	c, _ := New(t.TempDir())
	key := IndexKey{RepoID: "repo1", Suite: "stable", Component: "main", Arch: "amd64", SHA256: "abc"}

	if _, ok, err := c.GetIndex(key); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := c.PutIndex(key, []byte("Package: a\n"), "https://example.com/Packages"); err != nil {
		t.Fatalf("PutIndex failed: %v", err)
	}

	data, ok, err := c.GetIndex(key)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(data) != "Package: a\n" {
		t.Errorf("index content mismatch: %q", data)
	}

	// A different mirror's SHA256 for the same (repo,suite,component,arch)
	// must not collide with the first.
	other := key
	other.SHA256 = "xyz"
	if _, ok, _ := c.GetIndex(other); ok {
		t.Error("expected miss for differing SHA256 key component")
	}
}

func TestStagingDirLifecycle(t *testing.T) {
	c, _ := New(t.TempDir())
	dir, err := c.StagingDir("build-1")
	if err != nil {
		t.Fatalf("StagingDir failed: %v", err)
	}
	if dir == "" {
		t.Fatal("empty staging dir")
	}
	if err := c.PurgeStaging("build-1"); err != nil {
		t.Fatalf("PurgeStaging failed: %v", err)
	}
}
