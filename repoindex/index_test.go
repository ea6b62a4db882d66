package repoindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ebcl-build/imgforge/internal/cache"
	"github.com/ebcl-build/imgforge/internal/debver"
)

func newTestCache(t *testing.T) *cache.Cache {
	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}
	return c
}

// stubFetcher serves fixed content for exact URLs, writing each to its own
// file under dir so Fetch's local-path contract holds without a real
// cache.Cache or network.
type stubFetcher struct {
	dir     string
	content map[string][]byte
}

func newStubFetcher(t *testing.T) *stubFetcher {
	return &stubFetcher{dir: t.TempDir(), content: make(map[string][]byte)}
}

func (s *stubFetcher) set(url string, data []byte) { s.content[url] = data }

func (s *stubFetcher) Fetch(ctx context.Context, url, expectedHash string) (string, error) {
	data, ok := s.content[url]
	if !ok {
		return "", fmt.Errorf("stub: 404 for %s", url)
	}
	if expectedHash != "" {
		h := sha256.Sum256(data)
		if hex.EncodeToString(h[:]) != expectedHash {
			return "", fmt.Errorf("stub: hash mismatch for %s", url)
		}
	}
	path := filepath.Join(s.dir, hashName(url))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func hashName(url string) string {
	h := sha256.Sum256([]byte(url))
	return hex.EncodeToString(h[:]) + ".bin"
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

const samplePackages = `Package: libfoo
Version: 2.0
Architecture: amd64
Filename: pool/main/libfoo_2.0_amd64.deb
Size: 100
SHA256: dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd
Depends: libbar (>= 1.0)

Package: mail-transport-agent-provider
Version: 1.0
Architecture: amd64
Filename: pool/main/mta_1.0_amd64.deb
Size: 50
SHA256: cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc
Provides: mail-transport-agent
`

func TestLoadHierarchicalUnsigned(t *testing.T) {
	f := newStubFetcher(t)
	pkgData := []byte(samplePackages)
	pkgPath := "main/binary-amd64/Packages"

	release := fmt.Sprintf("Origin: test\nSuite: stable\nSHA256:\n %s %d %s\n",
		sha256Hex(pkgData), len(pkgData), pkgPath)

	f.set("https://repo.example/dists/stable/Release", []byte(release))
	f.set("https://repo.example/dists/stable/"+pkgPath, pkgData)

	repo := RepoConfig{
		ID:            "repo1",
		BaseURL:       "https://repo.example",
		Suite:         "stable",
		Components:    []string{"main"},
		Architectures: []string{"amd64"},
		Trust:         TrustUnsignedAllowed,
	}

	idx, err := Load(context.Background(), f, newTestCache(t), repo)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if idx.Flat {
		t.Error("expected non-flat index")
	}

	cands, err := idx.GetPackage("libfoo", "amd64", "", debver.Version{})
	if err != nil {
		t.Fatalf("GetPackage failed: %v", err)
	}
	if len(cands) != 1 || cands[0].Version.Upstream != "2.0" {
		t.Fatalf("unexpected candidates: %+v", cands)
	}

	providers := idx.Providers("mail-transport-agent")
	if len(providers) != 1 || providers[0].Name != "mail-transport-agent-provider" {
		t.Fatalf("unexpected providers: %+v", providers)
	}
}

func TestLoadFlatRepository(t *testing.T) {
	f := newStubFetcher(t)
	pkgData := []byte(samplePackages)
	f.set("https://flat.example/Packages", pkgData)
	// No InRelease, no Release anywhere -> flat, unsigned.

	repo := RepoConfig{
		ID:            "flatrepo",
		BaseURL:       "https://flat.example",
		Architectures: []string{"amd64"},
		Trust:         TrustUnsignedAllowed,
	}

	idx, err := Load(context.Background(), f, newTestCache(t), repo)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !idx.Flat {
		t.Error("expected flat index")
	}
	if len(idx.AllCandidates()) != 2 {
		t.Errorf("expected 2 candidates, got %d", len(idx.AllCandidates()))
	}
}

func TestLoadUnsignedRejected(t *testing.T) {
	f := newStubFetcher(t)
	repo := RepoConfig{
		ID:            "repo1",
		BaseURL:       "https://repo.example",
		Architectures: []string{"amd64"},
		Trust:         TrustSigned,
	}
	if _, err := Load(context.Background(), f, newTestCache(t), repo); err == nil {
		t.Fatal("expected UnsignedRepoError")
	} else if _, ok := err.(*UnsignedRepoError); !ok {
		t.Errorf("expected *UnsignedRepoError, got %T: %v", err, err)
	}
}
