package build

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"github.com/ebcl-build/imgforge/compose"
	"github.com/ebcl-build/imgforge/config"
	"github.com/ebcl-build/imgforge/extract"
	"github.com/ebcl-build/imgforge/fetch"
	"github.com/ebcl-build/imgforge/internal/cache"
	"github.com/ebcl-build/imgforge/internal/debver"
	"github.com/ebcl-build/imgforge/repoindex"
	"github.com/ebcl-build/imgforge/resolve"
	"github.com/ebcl-build/imgforge/sign"
	"github.com/ebcl-build/imgforge/stage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// CancelledError reports a build aborted via ctx, per spec §5/§7.
type CancelledError struct{}

func (CancelledError) Error() string { return "build: cancelled" }

// Options configures a Run call beyond what Config carries: worker-pool
// degrees (spec §5), the cache root, and whether to keep the staging
// directory after the build, including a cancelled or failed one.
type Options struct {
	CacheDir         string
	NetworkDegree    int  // default 8, per spec §5's network queue
	DecompressDegree int  // default CPU count (min 1), per spec §5's decompress queue
	KeepStaging      bool // spec §5 "--keep-staging"
	SourceDateEpoch  *int64
	Listener         Listener
	Logger           *zerolog.Logger // nil disables logging
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.NetworkDegree <= 0 {
		out.NetworkDegree = 8
	}
	if out.DecompressDegree <= 0 {
		out.DecompressDegree = runtime.NumCPU()
	}
	if out.Listener == nil {
		out.Listener = func(fmt.Stringer) {}
	}
	if out.Logger == nil {
		nop := zerolog.Nop()
		out.Logger = &nop
	}
	return out
}

// Result is the outcome of a successful Run.
type Result struct {
	ArtifactPath string
	BuildID      string
	InstallSet   []*repoindex.PackageCandidate
}

// Run wires repoindex, resolve, extract, and compose into one build
// (spec §2 "Dataflow"): load every configured repository's index, resolve
// cfg.Packages into a closed InstallSet, extract every member into a
// fresh staging tree, apply host_files overlays, and compose the
// requested archive format.
func Run(ctx context.Context, cfg *config.Config, opts Options, outputPath string) (*Result, error) {
	opts = opts.withDefaults()

	c, err := cache.New(opts.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}
	f := fetch.New(c, fetch.WithLogger(*opts.Logger))

	indexes, baseURLs, err := loadIndexes(ctx, f, c, cfg, opts)
	if err != nil {
		return nil, err
	}

	roots, err := parseRoots(cfg.Packages)
	if err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}

	resolver := resolve.New(indexes, cfg.Arch, nil, true)
	installSet, err := resolver.Resolve(roots)
	if err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}
	opts.Listener(EventResolved{PackageCount: len(installSet)})

	buildID := uuid.NewString()
	stagingDir, err := c.StagingDir(buildID)
	if err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}
	cleanup := func() {
		if !opts.KeepStaging {
			c.PurgeStaging(buildID)
		}
	}

	tree, err := stage.New(stagingDir, c)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("build: %w", err)
	}

	if err := extractAll(ctx, f, installSet, baseURLs, tree, opts); err != nil {
		if !opts.KeepStaging {
			cleanup()
		}
		return nil, err
	}

	if err := applyOverlays(cfg, tree, opts); err != nil {
		if !opts.KeepStaging {
			cleanup()
		}
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		cleanup()
		return nil, CancelledError{}
	}

	if err := composeArtifact(cfg, tree, opts, outputPath); err != nil {
		if !opts.KeepStaging {
			cleanup()
		}
		return nil, err
	}

	cleanup()
	return &Result{ArtifactPath: outputPath, BuildID: buildID, InstallSet: installSet}, nil
}

// loadIndexes fetches and parses every configured repository's index
// concurrently, bounded by opts.NetworkDegree (spec §5's network queue).
func loadIndexes(ctx context.Context, f *fetch.Fetcher, c *cache.Cache, cfg *config.Config, opts Options) ([]*repoindex.Index, map[string]string, error) {
	indexes := make([]*repoindex.Index, len(cfg.AptRepos))
	baseURLs := make([]string, len(cfg.AptRepos))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.NetworkDegree)

	var mu sync.Mutex
	for i, spec := range cfg.AptRepos {
		i, spec := i, spec
		g.Go(func() error {
			repoCfg, err := repoConfigFrom(spec, cfg.Arch, i)
			if err != nil {
				return err
			}
			idx, err := repoindex.Load(gctx, f, c, repoCfg)
			if err != nil {
				return fmt.Errorf("build: loading repo %s: %w", repoCfg.ID, err)
			}
			mu.Lock()
			indexes[i] = idx
			baseURLs[i] = spec.AptRepo
			mu.Unlock()
			opts.Listener(EventRepoIndexed{RepoID: repoCfg.ID, Flat: idx.Flat})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	byID := make(map[string]string, len(indexes))
	for i, idx := range indexes {
		byID[idx.Repo.ID] = baseURLs[i]
	}
	// The Resolver consults indexes in slice order: lower Priority first,
	// equal priorities in apt_repos order.
	sort.SliceStable(indexes, func(i, j int) bool {
		return indexes[i].Repo.Priority < indexes[j].Repo.Priority
	})
	return indexes, byID, nil
}

func repoConfigFrom(spec config.RepoSpec, defaultArch string, priorityFallback int) (repoindex.RepoConfig, error) {
	arch := spec.Arch
	if arch == "" {
		arch = defaultArch
	}
	keyring, err := sign.LoadKeyring(spec.Key)
	if err != nil {
		return repoindex.RepoConfig{}, fmt.Errorf("build: repo %s: %w", spec.AptRepo, err)
	}
	trust := repoindex.TrustSigned
	if spec.TrustUnsignedAllowed {
		trust = repoindex.TrustUnsignedAllowed
	}
	priority := spec.Priority
	if priority == 0 {
		priority = priorityFallback
	}
	return repoindex.RepoConfig{
		ID:            spec.AptRepo + "|" + spec.Distro,
		BaseURL:       spec.AptRepo,
		Suite:         spec.Distro,
		Components:    spec.Components,
		Architectures: []string{arch},
		Keyring:       keyring,
		Trust:         trust,
		Priority:      priority,
	}, nil
}

// parseRoots parses cfg.Packages entries ("name" or "name (>= 1.0)") into
// root Relations for the Resolver.
func parseRoots(packages []string) ([]debver.Relation, error) {
	var roots []debver.Relation
	for _, p := range packages {
		conjuncts, err := debver.ParseRelationField(p)
		if err != nil {
			return nil, fmt.Errorf("parsing package entry %q: %w", p, err)
		}
		for _, alts := range conjuncts {
			roots = append(roots, alts[0])
		}
	}
	return roots, nil
}

// extractAll unpacks every InstallSet member concurrently, bounded by
// opts.DecompressDegree (spec §5's decompress queue); merges into the
// staging tree are serialized per-path inside stage.Tree, so extraction
// order is otherwise unconstrained (spec §5 "Ordering guarantees").
func extractAll(ctx context.Context, f *fetch.Fetcher, installSet []*repoindex.PackageCandidate, baseURLs map[string]string, tree *stage.Tree, opts Options) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.DecompressDegree)

	for _, cand := range installSet {
		cand := cand
		g.Go(func() error {
			base, ok := baseURLs[cand.RepoID]
			if !ok {
				return fmt.Errorf("build: %s: unknown repo %s", cand.Name, cand.RepoID)
			}
			replacesList, _ := cand.Replaces()
			replaces := map[string]bool{}
			for _, alts := range replacesList {
				for _, rel := range alts {
					replaces[rel.Name] = true
				}
			}
			ec := extract.Candidate{
				Name:    cand.Name,
				Version: cand.Version.String(),
				URL:     base + "/" + cand.Filename,
				SHA256:  cand.SHA256,
			}
			if _, err := extract.Unpack(gctx, f, ec, tree, replaces, *opts.Logger); err != nil {
				return fmt.Errorf("build: extracting %s: %w", cand.Name, err)
			}
			opts.Listener(EventPackageUnpacked{Package: cand.Name, Version: cand.Version.String()})
			return nil
		})
	}
	return g.Wait()
}

// applyOverlays applies host_files on top of the extracted packages
// (spec §2 "Host overlays are applied on top"), serially, since overlays
// are typically few and order among them is config-declaration order.
func applyOverlays(cfg *config.Config, tree *stage.Tree, opts Options) error {
	overlays, err := cfg.ResolveHostFiles()
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	for _, o := range overlays {
		data, err := os.ReadFile(o.Source)
		if err != nil {
			return fmt.Errorf("build: reading host_files source %s: %w", o.Source, err)
		}
		ensureAncestorsForOverlay(tree, o.Destination)
		unlock := tree.LockPaths([]string{filepath.Dir(o.Destination), o.Destination})
		digest, size, err := tree.PutBlob(bytes.NewReader(data))
		if err != nil {
			unlock()
			return fmt.Errorf("build: storing host_files payload for %s: %w", o.Destination, err)
		}
		entry := &stage.FileEntry{
			Path:    o.Destination,
			Kind:    stage.Regular,
			Mode:    o.Mode,
			Size:    size,
			Payload: digest,
			Origin:  "overlay",
		}
		if o.HasUID {
			entry.UID = o.UID
		}
		if o.HasGID {
			entry.GID = o.GID
		}
		replaces := map[string]bool{"overlay": true}
		if existing := tree.Get(o.Destination); existing != nil {
			replaces[existing.Origin] = true
		}
		err = tree.Insert(entry, replaces)
		unlock()
		if err != nil {
			return fmt.Errorf("build: applying host_files overlay %s: %w", o.Destination, err)
		}
		opts.Listener(EventOverlayApplied{Destination: o.Destination})
	}
	return nil
}

func ensureAncestorsForOverlay(tree *stage.Tree, p string) {
	dir := filepath.Dir(p)
	if dir == "/" || dir == "." {
		return
	}
	if tree.Get(dir) != nil {
		return
	}
	ensureAncestorsForOverlay(tree, dir)
	unlock := tree.LockPaths([]string{dir})
	defer unlock()
	if tree.Get(dir) != nil {
		return
	}
	_ = tree.Insert(&stage.FileEntry{Path: dir, Kind: stage.Directory, Mode: 0o755, Origin: "overlay"}, nil)
}

func composeArtifact(cfg *config.Config, tree *stage.Tree, opts Options, outputPath string) error {
	format, compression, err := cfg.OutputFormat()
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}

	composeOpts := compose.Options{
		Format:       compose.Format(format),
		Compression:  compose.Compression(compression),
		Reproducible: cfg.Reproducible,
	}
	if cfg.Reproducible {
		composeOpts.SourceDateEpoch = sourceDateEpoch(opts)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("build: creating %s: %w", outputPath, err)
	}
	defer out.Close()

	if err := compose.Compose(tree, composeOpts, out); err != nil {
		return fmt.Errorf("build: composing %s: %w", outputPath, err)
	}
	info, _ := out.Stat()
	var size int64
	if info != nil {
		size = info.Size()
	}
	opts.Listener(EventComposed{Path: outputPath, Size: size})
	return nil
}

// sourceDateEpoch resolves spec §6's SOURCE_DATE_EPOCH precedence: an
// explicit Options field wins, then the environment variable, else 0.
func sourceDateEpoch(opts Options) int64 {
	if opts.SourceDateEpoch != nil {
		return *opts.SourceDateEpoch
	}
	if v := os.Getenv("SOURCE_DATE_EPOCH"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
