package stage

import (
	"bytes"
	"testing"

	"github.com/ebcl-build/imgforge/internal/cache"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	tree, err := New(t.TempDir(), c)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tree
}

func insertDir(t *testing.T, tree *Tree, path, origin string) {
	t.Helper()
	unlock := tree.LockPaths([]string{path})
	defer unlock()
	if err := tree.Insert(&FileEntry{Path: path, Kind: Directory, Mode: 0o755, Origin: origin}, nil); err != nil {
		t.Fatalf("Insert(%s): %v", path, err)
	}
}

func insertRegular(t *testing.T, tree *Tree, path, origin string, content []byte, replaces map[string]bool) error {
	t.Helper()
	digest, size, err := tree.PutBlob(bytes.NewReader(content))
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	unlock := tree.LockPaths([]string{path})
	defer unlock()
	return tree.Insert(&FileEntry{Path: path, Kind: Regular, Mode: 0o644, Payload: digest, Size: size, Origin: origin}, replaces)
}

func TestNewBootstrapsRoot(t *testing.T) {
	tree := newTestTree(t)
	root := tree.Get("/")
	if root == nil || root.Kind != Directory {
		t.Fatalf("expected bootstrapped root directory, got %+v", root)
	}
	if tree.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", tree.Len())
	}
}

func TestInsertRequiresParent(t *testing.T) {
	tree := newTestTree(t)
	unlock := tree.LockPaths([]string{"/usr/bin"})
	defer unlock()
	err := tree.Insert(&FileEntry{Path: "/usr/bin", Kind: Directory, Mode: 0o755}, nil)
	if err == nil {
		t.Fatal("expected error inserting into missing parent /usr")
	}
}

func TestInsertIdenticalContentSharesSilently(t *testing.T) {
	tree := newTestTree(t)
	insertDir(t, tree, "/etc", "pkgA")

	content := []byte("hello")
	if err := insertRegular(t, tree, "/etc/motd", "pkgA", content, nil); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := insertRegular(t, tree, "/etc/motd", "pkgB", content, nil); err != nil {
		t.Fatalf("expected identical-content insert to succeed, got %v", err)
	}
}

func TestInsertConflictWithoutReplaces(t *testing.T) {
	tree := newTestTree(t)
	insertDir(t, tree, "/etc", "pkgA")

	if err := insertRegular(t, tree, "/etc/motd", "pkgA", []byte("a"), nil); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := insertRegular(t, tree, "/etc/motd", "pkgB", []byte("b"), nil)
	if err == nil {
		t.Fatal("expected FileConflictError")
	}
	if _, ok := err.(*FileConflictError); !ok {
		t.Fatalf("expected *FileConflictError, got %T: %v", err, err)
	}
}

func TestInsertConflictResolvedByReplaces(t *testing.T) {
	tree := newTestTree(t)
	insertDir(t, tree, "/etc", "pkgA")

	if err := insertRegular(t, tree, "/etc/motd", "pkgA", []byte("a"), nil); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	replaces := map[string]bool{"pkgA": true}
	if err := insertRegular(t, tree, "/etc/motd", "pkgB", []byte("b"), replaces); err != nil {
		t.Fatalf("expected Replaces override to succeed, got %v", err)
	}
	entry := tree.Get("/etc/motd")
	if entry.Origin != "pkgB" {
		t.Fatalf("expected pkgB to win, got origin %q", entry.Origin)
	}
}

func TestWalkIsSortedByPath(t *testing.T) {
	tree := newTestTree(t)
	insertDir(t, tree, "/usr", "pkgA")
	insertDir(t, tree, "/bin", "pkgA")
	insertDir(t, tree, "/usr/bin", "pkgA")

	var paths []string
	err := tree.Walk(func(e *FileEntry) error {
		paths = append(paths, e.Path)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	want := []string{"/", "/bin", "/usr", "/usr/bin"}
	if len(paths) != len(want) {
		t.Fatalf("got %v, want %v", paths, want)
	}
	for i, p := range want {
		if paths[i] != p {
			t.Errorf("position %d: got %q, want %q", i, paths[i], p)
		}
	}
}

func TestHardlinkRequiresRegularTarget(t *testing.T) {
	tree := newTestTree(t)
	insertDir(t, tree, "/usr", "pkgA")

	unlock := tree.LockPaths([]string{"/usr/missing-link"})
	defer unlock()
	err := tree.Insert(&FileEntry{Path: "/usr/missing-link", Kind: Hardlink, Payload: "/usr/does-not-exist"}, nil)
	if err == nil {
		t.Fatal("expected error for hardlink to nonexistent target")
	}
}
