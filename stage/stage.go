package stage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ebcl-build/imgforge/internal/cache"
)

// Kind is the type of filesystem node a FileEntry represents (spec §3).
type Kind int

const (
	Regular Kind = iota
	Directory
	Symlink
	Hardlink
	CharDev
	BlockDev
	FIFO
)

func (k Kind) String() string {
	switch k {
	case Regular:
		return "regular"
	case Directory:
		return "directory"
	case Symlink:
		return "symlink"
	case Hardlink:
		return "hardlink"
	case CharDev:
		return "char-dev"
	case BlockDev:
		return "block-dev"
	case FIFO:
		return "fifo"
	default:
		return "unknown"
	}
}

// FileEntry is one node in the staging tree (spec §3).
type FileEntry struct {
	Path    string // absolute within the stage root, e.g. "/usr/bin/app"
	Kind    Kind
	Mode    uint32 // low 12 bits: permission + setuid/setgid/sticky
	UID     int
	GID     int
	MTime   time.Time
	Size    int64
	Payload string // content hash for Regular, link target for Symlink/Hardlink
	Major   uint32 // CharDev/BlockDev only
	Minor   uint32 // CharDev/BlockDev only
	Origin  string // originating package name, or "overlay"
}

// FileConflictError reports two packages disagreeing over the same path
// with no Replaces override (spec §4.6 step 6, §7).
type FileConflictError struct {
	Path     string
	Existing string
	Incoming string
}

func (e *FileConflictError) Error() string {
	return fmt.Sprintf("stage: %s: conflicting content from %q and %q", e.Path, e.Existing, e.Incoming)
}

// Tree is the in-memory FileEntry table plus a content-addressed blob
// store for regular-file payloads. Mutations take the writer lock
// briefly; Walk takes the reader lock only while it copies the table,
// not while its callback runs.
type Tree struct {
	root  string // on-disk mirror of the staging tree, best-effort
	cache *cache.Cache

	mu      sync.RWMutex
	entries map[string]*FileEntry

	pathLocks sync.Map // path -> *sync.Mutex, acquired in depth-then-name order by callers
}

// New returns a Tree rooted at root (the on-disk mirror directory),
// backed by c for content-addressed blob storage.
func New(root string, c *cache.Cache) (*Tree, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("stage: creating root %s: %w", root, err)
	}
	t := &Tree{root: root, cache: c, entries: make(map[string]*FileEntry)}
	t.entries["/"] = &FileEntry{Path: "/", Kind: Directory, Mode: 0o755, MTime: time.Unix(0, 0), Origin: "root"}
	return t, nil
}

// Root returns the on-disk mirror directory.
func (t *Tree) Root() string { return t.root }

// lockFor returns the per-path mutex for p, creating it if necessary.
func (t *Tree) lockFor(p string) *sync.Mutex {
	v, _ := t.pathLocks.LoadOrStore(p, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// LockPaths acquires per-path locks for every path in paths, in
// depth-then-name order, to prevent deadlock when multiple extraction
// workers merge overlapping directory trees into the staging tree (spec
// §5). It returns an unlock function that releases them in reverse order.
func (t *Tree) LockPaths(paths []string) func() {
	ordered := append([]string(nil), paths...)
	sort.Slice(ordered, func(i, j int) bool {
		di, dj := strings.Count(ordered[i], "/"), strings.Count(ordered[j], "/")
		if di != dj {
			return di < dj
		}
		return ordered[i] < ordered[j]
	})
	locks := make([]*sync.Mutex, len(ordered))
	for i, p := range ordered {
		locks[i] = t.lockFor(p)
		locks[i].Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

// PutBlob stores content under its sha256 digest in the blob store and
// returns the hex digest, used as a FileEntry's Payload for Regular
// entries.
func (t *Tree) PutBlob(content io.Reader) (string, int64, error) {
	h := sha256.New()
	tmp, err := os.CreateTemp(t.cache.Root(), "blob-*")
	if err != nil {
		return "", 0, fmt.Errorf("stage: creating temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	n, err := io.Copy(io.MultiWriter(h, tmp), content)
	if err != nil {
		return "", 0, fmt.Errorf("stage: writing temp blob: %w", err)
	}
	digest := hex.EncodeToString(h.Sum(nil))

	blobPath := t.blobPath(digest)
	if _, err := os.Stat(blobPath); err == nil {
		return digest, n, nil // already present; shared across packages
	}
	if err := os.MkdirAll(filepath.Dir(blobPath), 0o755); err != nil {
		return "", 0, fmt.Errorf("stage: creating blob dir: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", 0, err
	}
	final, err := os.OpenFile(blobPath+".part", os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return digest, n, nil
		}
		return "", 0, fmt.Errorf("stage: opening blob: %w", err)
	}
	if _, err := io.Copy(final, tmp); err != nil {
		final.Close()
		os.Remove(blobPath + ".part")
		return "", 0, err
	}
	final.Close()
	if err := os.Rename(blobPath+".part", blobPath); err != nil {
		return "", 0, fmt.Errorf("stage: renaming blob into place: %w", err)
	}
	return digest, n, nil
}

// OpenBlob opens a previously stored blob for reading.
func (t *Tree) OpenBlob(digest string) (*os.File, error) {
	return os.Open(t.blobPath(digest))
}

func (t *Tree) blobPath(digest string) string {
	return filepath.Join(t.cache.Root(), "blobs", digest[:2], digest)
}

// Insert adds or merges e into the tree. Collisions are resolved per
// spec §4.6 step 6: an identical-hash regular file is silently shared; a
// different-content file where replaces names the existing entry's
// origin wins (later-unpacked wins); otherwise a FileConflictError is
// raised. The caller must hold LockPaths for e.Path's directory ancestry.
func (t *Tree) Insert(e *FileEntry, replaces map[string]bool) error {
	if e.Path != "/" {
		parent := path.Dir(e.Path)
		t.mu.RLock()
		pe, ok := t.entries[parent]
		t.mu.RUnlock()
		if !ok {
			return fmt.Errorf("stage: %s: parent directory %s does not exist", e.Path, parent)
		}
		if pe.Kind != Directory {
			return fmt.Errorf("stage: %s: parent %s is not a directory", e.Path, parent)
		}
	}
	if e.Kind == Hardlink {
		t.mu.RLock()
		target, ok := t.entries[e.Payload]
		t.mu.RUnlock()
		if !ok || target.Kind != Regular {
			return fmt.Errorf("stage: %s: hardlink target %s is not a regular file", e.Path, e.Payload)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.entries[e.Path]
	if !ok {
		t.entries[e.Path] = e
		return nil
	}
	if existing.Kind == Directory && e.Kind == Directory {
		// Multiple packages may own the same directory; last writer's
		// attributes win, consistent with dpkg's own behavior.
		t.entries[e.Path] = e
		return nil
	}
	if existing.Payload == e.Payload && existing.Kind == e.Kind {
		return nil // identical content, silently shared
	}
	if replaces[existing.Origin] {
		t.entries[e.Path] = e
		return nil
	}
	return &FileConflictError{Path: e.Path, Existing: existing.Origin, Incoming: e.Origin}
}

// Get returns the entry at p, or nil if absent.
func (t *Tree) Get(p string) *FileEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[p]
}

// Walk calls fn for every entry in sorted, byte-wise lexicographic path
// order (spec §4.7). It copies the table under the reader lock and
// releases the lock before calling fn, so entries inserted during the
// traversal are not visited.
func (t *Tree) Walk(fn func(*FileEntry) error) error {
	t.mu.RLock()
	paths := make([]string, 0, len(t.entries))
	for p := range t.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	entries := make([]*FileEntry, len(paths))
	for i, p := range paths {
		entries[i] = t.entries[p]
	}
	t.mu.RUnlock()

	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of entries currently staged.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
