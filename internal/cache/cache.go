package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Cache is the root of a persisted cache directory, laid out as:
//
//	<root>/blobs/<aa>/<hash>          sha256-addressed downloaded artifacts
//	<root>/blobs/<aa>/<hash>.json     sidecar metadata (origin URL, hash)
//	<root>/indexes/<key-hash>         decompressed Packages/Release bodies
//	<root>/indexes/<key-hash>.json    sidecar metadata
//	<root>/staging/<build-id>/        transient staging trees
type Cache struct {
	root string
}

// Sidecar is the self-describing metadata stored alongside a cache entry.
type Sidecar struct {
	SHA256    string    `json:"sha256"`
	Origin    string    `json:"origin"`
	FetchedAt time.Time `json:"fetched_at"`
}

// New returns a Cache rooted at dir, creating the blobs/, indexes/, and
// staging/ subtrees if they do not exist.
func New(dir string) (*Cache, error) {
	c := &Cache{root: dir}
	for _, sub := range []string{"blobs", "indexes", "staging"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("cache: creating %s: %w", sub, err)
		}
	}
	return c, nil
}

// Root returns the cache's root directory.
func (c *Cache) Root() string { return c.root }

// StagingDir returns (creating if necessary) the transient staging
// directory for buildID.
func (c *Cache) StagingDir(buildID string) (string, error) {
	dir := filepath.Join(c.root, "staging", buildID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cache: creating staging dir: %w", err)
	}
	return dir, nil
}

// PurgeStaging removes a staging directory and its contents.
func (c *Cache) PurgeStaging(buildID string) error {
	return os.RemoveAll(filepath.Join(c.root, "staging", buildID))
}

func (c *Cache) blobPath(hash string) string {
	if len(hash) < 2 {
		hash = "00" + hash
	}
	return filepath.Join(c.root, "blobs", hash[:2], hash)
}

// HasBlob reports whether a blob with the given sha256 hex digest exists.
func (c *Cache) HasBlob(hash string) bool {
	_, err := os.Stat(c.blobPath(hash))
	return err == nil
}

// BlobPath returns the on-disk path a blob with the given hash would
// occupy, whether or not it currently exists.
func (c *Cache) BlobPath(hash string) string { return c.blobPath(hash) }

// OpenBlob opens a cached blob for reading.
func (c *Cache) OpenBlob(hash string) (io.ReadCloser, error) {
	return os.Open(c.blobPath(hash))
}

// PutBlob streams r into the cache under the content's own sha256 hash,
// verifying it against expectedHash if non-empty, and writes it via
// write-to-temp-then-rename so concurrent readers never observe a partial
// file. It returns the verified hex digest.
func (c *Cache) PutBlob(r io.Reader, expectedHash, origin string) (string, error) {
	dir := filepath.Join(c.root, "blobs")
	tmp, err := os.CreateTemp(dir, "blob-*.tmp")
	if err != nil {
		return "", fmt.Errorf("cache: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("cache: writing blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("cache: closing temp file: %w", err)
	}

	digest := hex.EncodeToString(h.Sum(nil))
	if expectedHash != "" && expectedHash != digest {
		return "", fmt.Errorf("cache: hash mismatch: got %s, want %s", digest, expectedHash)
	}

	dest := c.blobPath(digest)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("cache: creating blob shard dir: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", fmt.Errorf("cache: finalizing blob: %w", err)
	}

	side := Sidecar{SHA256: digest, Origin: origin, FetchedAt: nowFunc()}
	if err := writeSidecar(dest+".json", side); err != nil {
		return "", err
	}
	return digest, nil
}

// InvalidateBlob removes a blob and its sidecar; used when an
// IntegrityError requires a forced re-download (spec §7).
func (c *Cache) InvalidateBlob(hash string) error {
	path := c.blobPath(hash)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(path + ".json"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IndexKey composite-keys a decompressed repository index entry. Per the
// cache-key subtlety design note, the SHA256 listed for this path in the
// repository's Release file is part of the key, not only the URL, so
// diverging mirrors never collide.
type IndexKey struct {
	RepoID    string
	Suite     string
	Component string
	Arch      string
	SHA256    string
}

func (k IndexKey) hash() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%s", k.RepoID, k.Suite, k.Component, k.Arch, k.SHA256)))
	return hex.EncodeToString(h[:])
}

func (c *Cache) indexPath(key IndexKey) string {
	return filepath.Join(c.root, "indexes", key.hash())
}

// GetIndex returns the cached decompressed index body for key, if present.
func (c *Cache) GetIndex(key IndexKey) ([]byte, bool, error) {
	data, err := os.ReadFile(c.indexPath(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// PutIndex stores a decompressed index body under key.
func (c *Cache) PutIndex(key IndexKey, data []byte, origin string) error {
	path := c.indexPath(key)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cache: writing index: %w", err)
	}
	side := Sidecar{SHA256: key.SHA256, Origin: origin, FetchedAt: nowFunc()}
	return writeSidecar(path+".json", side)
}

func writeSidecar(path string, side Sidecar) error {
	data, err := json.Marshal(side)
	if err != nil {
		return fmt.Errorf("cache: encoding sidecar: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cache: writing sidecar: %w", err)
	}
	return nil
}

// nowFunc supplies sidecar timestamps; it is time.Now.
var nowFunc = time.Now
