package repoindex

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ebcl-build/imgforge/internal/cache"
	"github.com/ebcl-build/imgforge/internal/control"
	"github.com/ebcl-build/imgforge/internal/debver"
	"github.com/ebcl-build/imgforge/sign"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// TrustPolicy governs whether an Unsigned repository is acceptable.
type TrustPolicy int

const (
	// TrustSigned requires a Verified outcome; Unsigned is fatal.
	TrustSigned TrustPolicy = iota
	// TrustUnsignedAllowed accepts Unsigned repositories. Invalid is
	// always fatal regardless of policy (spec §7).
	TrustUnsignedAllowed
)

// UnsignedRepoError reports that a repository presented no usable
// signature and the configured trust policy does not allow that.
type UnsignedRepoError struct{ RepoID string }

func (e *UnsignedRepoError) Error() string {
	return fmt.Sprintf("repoindex: %s: unsigned repository rejected by trust policy", e.RepoID)
}

// SignatureInvalidError reports a signature that was present but failed
// to validate; per spec §7 this is always fatal.
type SignatureInvalidError struct {
	RepoID string
	Err    error
}

func (e *SignatureInvalidError) Error() string {
	return fmt.Sprintf("repoindex: %s: invalid signature: %v", e.RepoID, e.Err)
}
func (e *SignatureInvalidError) Unwrap() error { return e.Err }

// ControlParseError wraps a parse failure with the offending paragraph
// attached, per spec §7.
type ControlParseError struct {
	RepoID    string
	Paragraph string
	Err       error
}

func (e *ControlParseError) Error() string {
	return fmt.Sprintf("repoindex: %s: control parse error: %v\n%s", e.RepoID, e.Err, e.Paragraph)
}
func (e *ControlParseError) Unwrap() error { return e.Err }

// RepoConfig describes one configured repository (spec §3 Repository).
type RepoConfig struct {
	// ID is this repository's (URL, suite) identity.
	ID            string
	BaseURL       string
	Suite         string // empty selects flat-repository detection
	Components    []string
	Architectures []string
	Keyring       openpgp.EntityList
	Trust         TrustPolicy
	// Priority orders repos for resolver tie-breaking (spec §4.5); lower
	// values win.
	Priority int
}

// fetcher is the subset of *fetch.Fetcher this package depends on, kept
// narrow so tests can substitute a stub without constructing a full
// Fetcher/cache pair.
type fetcher interface {
	Fetch(ctx context.Context, url, expectedHash string) (string, error)
}

// Index is the queryable result of loading one RepoConfig: Packages
// stanzas indexed by name and by Provides.
type Index struct {
	Repo   RepoConfig
	Flat   bool
	byName map[string][]*PackageCandidate
	byVirt map[string][]*PackageCandidate
	all    []*PackageCandidate
}

// Load fetches and parses repo's Release/InRelease and Packages files for
// every configured component and architecture, per the initialization
// sequence of spec §4.3. c caches decompressed Packages bodies keyed by
// (repo-id, suite, component, arch, release-SHA256) (spec §3 Cache, §9
// "Cache key subtlety"); c may be nil to skip that cache entirely.
func Load(ctx context.Context, f fetcher, c *cache.Cache, repo RepoConfig) (*Index, error) {
	idx := &Index{
		Repo:   repo,
		byName: make(map[string][]*PackageCandidate),
		byVirt: make(map[string][]*PackageCandidate),
	}

	release, flat, err := loadRelease(ctx, f, repo)
	if err != nil {
		return nil, err
	}
	idx.Flat = flat

	components := repo.Components
	if flat {
		components = []string{""}
	}

	for _, component := range components {
		for _, arch := range repo.Architectures {
			data, err := fetchPackagesFile(ctx, f, c, repo, release, component, arch, flat)
			if err != nil {
				return nil, err
			}
			if err := idx.ingest(data, repo); err != nil {
				return nil, err
			}
		}
	}

	idx.finalize()
	return idx, nil
}

// loadRelease fetches InRelease (preferred) or Release+Release.gpg at the
// hierarchical dists/{suite}/ path; if neither exists, falls back to the
// same pair directly at the repo base URL, treating the repository as
// flat per spec §4.3's flat-repository rule. When no release metadata
// exists at all (a bare Packages.xz at the base URL) it returns a nil
// release, or an UnsignedRepoError unless repo.Trust is
// TrustUnsignedAllowed.
func loadRelease(ctx context.Context, f fetcher, repo RepoConfig) (*ReleaseFile, bool, error) {
	if repo.Suite != "" {
		base := repo.BaseURL + "/dists/" + repo.Suite
		release, found, err := tryLoadReleaseAt(ctx, f, repo, base)
		if err != nil {
			return nil, false, err
		}
		if found {
			return release, false, nil
		}
	}

	release, found, err := tryLoadReleaseAt(ctx, f, repo, repo.BaseURL)
	if err != nil {
		return nil, true, err
	}
	if !found {
		if repo.Trust != TrustUnsignedAllowed {
			return nil, true, &UnsignedRepoError{RepoID: repo.ID}
		}
		return nil, true, nil
	}
	return release, true, nil
}

func tryLoadReleaseAt(ctx context.Context, f fetcher, repo RepoConfig, base string) (*ReleaseFile, bool, error) {
	if path, err := f.Fetch(ctx, base+"/InRelease", ""); err == nil {
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil, false, fmt.Errorf("repoindex: reading InRelease: %w", rerr)
		}
		outcome, content, verr := sign.VerifyClearsigned(data, repo.Keyring)
		if outcome == sign.Invalid {
			return nil, false, &SignatureInvalidError{RepoID: repo.ID, Err: verr}
		}
		if outcome == sign.Unsigned && repo.Trust != TrustUnsignedAllowed {
			return nil, false, &UnsignedRepoError{RepoID: repo.ID}
		}
		release, perr := ParseRelease(content)
		if perr != nil {
			return nil, false, &ControlParseError{RepoID: repo.ID, Paragraph: string(content), Err: perr}
		}
		return release, true, nil
	}

	releasePath, err := f.Fetch(ctx, base+"/Release", "")
	if err != nil {
		return nil, false, nil // neither InRelease nor Release present
	}
	data, rerr := os.ReadFile(releasePath)
	if rerr != nil {
		return nil, false, fmt.Errorf("repoindex: reading Release: %w", rerr)
	}

	outcome := sign.Unsigned
	if sigPath, serr := f.Fetch(ctx, base+"/Release.gpg", ""); serr == nil {
		sigData, _ := os.ReadFile(sigPath)
		var verr error
		outcome, verr = sign.VerifyDetached(data, sigData, repo.Keyring)
		if outcome == sign.Invalid {
			return nil, false, &SignatureInvalidError{RepoID: repo.ID, Err: verr}
		}
	}
	if outcome == sign.Unsigned && repo.Trust != TrustUnsignedAllowed {
		return nil, false, &UnsignedRepoError{RepoID: repo.ID}
	}

	release, perr := ParseRelease(data)
	if perr != nil {
		return nil, false, &ControlParseError{RepoID: repo.ID, Paragraph: string(data), Err: perr}
	}
	return release, true, nil
}

// compressionSuffixes lists the suffixes to try, in the priority order
// spec §4.3 step 4 mandates: .xz, then .gz, then uncompressed.
var compressionSuffixes = []string{".xz", ".gz", ""}

func fetchPackagesFile(ctx context.Context, f fetcher, c *cache.Cache, repo RepoConfig, release *ReleaseFile, component, arch string, flat bool) ([]byte, error) {
	var base string
	if flat {
		base = "Packages"
	} else {
		base = path.Join(component, "binary-"+arch, "Packages")
	}
	// Release paths are relative to the Release file's own directory.
	urlBase := repo.BaseURL
	if !flat {
		urlBase += "/dists/" + repo.Suite
	}

	for _, suffix := range compressionSuffixes {
		rel := base + suffix
		expectedHash := ""
		expectedSize := int64(-1)
		if release != nil {
			entry, ok := release.Lookup(rel)
			if !ok {
				continue
			}
			expectedHash = entry.Hash
			expectedSize = entry.Size
		}

		// The release's listed hash doubles as the index cache key, per
		// the §9 "Cache key subtlety" design note: two mirrors serving the
		// same URL with diverging content never collide, because a
		// changed Release necessarily changes expectedHash too.
		var key cache.IndexKey
		cacheable := c != nil && expectedHash != ""
		if cacheable {
			key = cache.IndexKey{RepoID: repo.ID, Suite: repo.Suite, Component: component, Arch: arch, SHA256: expectedHash}
			if cached, ok, err := c.GetIndex(key); err == nil && ok {
				return cached, nil
			}
		}

		localPath, err := f.Fetch(ctx, urlBase+"/"+rel, expectedHash)
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(localPath)
		if err != nil {
			return nil, fmt.Errorf("repoindex: reading %s: %w", rel, err)
		}
		if expectedSize >= 0 && int64(len(raw)) != expectedSize {
			return nil, fmt.Errorf("repoindex: %s: size mismatch: got %d, want %d", rel, len(raw), expectedSize)
		}

		data, err := decompress(suffix, raw)
		if err != nil {
			return nil, fmt.Errorf("repoindex: decompressing %s: %w", rel, err)
		}
		if cacheable {
			if err := c.PutIndex(key, data, urlBase+"/"+rel); err != nil {
				return nil, fmt.Errorf("repoindex: caching %s: %w", rel, err)
			}
		}
		return data, nil
	}
	return nil, fmt.Errorf("repoindex: no Packages file found for %s/binary-%s", component, arch)
}

func decompress(suffix string, raw []byte) ([]byte, error) {
	switch suffix {
	case ".xz":
		r, err := xz.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		return io.ReadAll(r)
	case ".gz":
		r, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case ".zst":
		r, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return raw, nil
	}
}

func (idx *Index) ingest(data []byte, repo RepoConfig) error {
	paragraphs, err := control.ParseParagraphs(string(data))
	if err != nil {
		return &ControlParseError{RepoID: repo.ID, Err: err}
	}
	for _, p := range paragraphs {
		cand, err := candidateFromParagraph(p, repo.ID, repo.Priority)
		if err != nil {
			return &ControlParseError{RepoID: repo.ID, Paragraph: p.Encode(), Err: err}
		}
		idx.all = append(idx.all, cand)
	}
	return nil
}

func (idx *Index) finalize() {
	idx.byName = make(map[string][]*PackageCandidate)
	idx.byVirt = make(map[string][]*PackageCandidate)

	for _, cand := range idx.all {
		idx.byName[cand.Name] = append(idx.byName[cand.Name], cand)
		provides, _ := cand.Provides()
		for _, alt := range provides {
			for _, rel := range alt {
				idx.byVirt[rel.Name] = append(idx.byVirt[rel.Name], cand)
			}
		}
	}
	for name, cands := range idx.byName {
		sort.SliceStable(cands, func(i, j int) bool {
			return debver.Less(cands[j].Version, cands[i].Version) // descending
		})
		idx.byName[name] = cands
	}
}

// GetPackage returns every candidate named name for arch (exact match or
// "all"), optionally filtered by a version constraint, sorted by version
// descending.
func (idx *Index) GetPackage(name, arch string, op debver.Op, operand debver.Version) ([]*PackageCandidate, error) {
	var out []*PackageCandidate
	for _, cand := range idx.byName[name] {
		if cand.Architecture != arch && cand.Architecture != "all" {
			continue
		}
		if op != "" {
			ok, err := debver.Satisfies(cand.Version, op, operand)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, cand)
	}
	return out, nil
}

// Providers returns every candidate that Provides the given virtual
// package name.
func (idx *Index) Providers(virtualName string) []*PackageCandidate {
	return idx.byVirt[virtualName]
}

// AllCandidates returns every parsed candidate in this index.
func (idx *Index) AllCandidates() []*PackageCandidate { return idx.all }
