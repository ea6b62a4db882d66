package extract

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/blakesmith/ar"
	"github.com/ebcl-build/imgforge/internal/control"
	"github.com/ebcl-build/imgforge/stage"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/ulikunitz/xz"
)

// ExtractionError reports a malformed .deb archive (spec §7): bad ar
// magic, unexpected debian-binary content, or a tar-stream parse
// failure.
type ExtractionError struct {
	Package string
	Err     error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract: %s: %v", e.Package, e.Err)
}
func (e *ExtractionError) Unwrap() error { return e.Err }

// Fetcher is the subset of *fetch.Fetcher this package depends on.
type Fetcher interface {
	Fetch(ctx context.Context, url, expectedHash string) (string, error)
}

// Candidate is the minimal description of a package to unpack: enough to
// fetch and verify it, decoupled from repoindex.PackageCandidate so this
// package has no dependency on the Resolver.
type Candidate struct {
	Name    string
	Version string
	URL     string
	SHA256  string
}

// Manifest is returned by Unpack for auditing: the control metadata and
// maintainer scripts spec §4.6 step 3 requires be recorded but never
// executed by the core.
type Manifest struct {
	Control   *control.Paragraph
	Conffiles []string
	Scripts   map[string]string // preinst, postinst, prerm, postrm, config
	Md5sums   string            // raw content of the md5sums member, if any
}

// Unpack implements the Extractor contract (spec §4.6): fetch and verify
// cand's archive, parse its ar container, and materialize every data.tar
// entry into tree. replaces names origins (package names) that this
// package's Replaces field permits it to overwrite on path collision.
func Unpack(ctx context.Context, f Fetcher, cand Candidate, tree *stage.Tree, replaces map[string]bool, log zerolog.Logger) (*Manifest, error) {
	localPath, err := f.Fetch(ctx, cand.URL, cand.SHA256)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("extract: opening %s: %w", localPath, err)
	}
	defer file.Close()

	log.Debug().Str("pkg", cand.Name).Str("version", cand.Version).Msg("unpacking")

	arR := ar.NewReader(file)

	header, err := arR.Next()
	if err != nil {
		return nil, &ExtractionError{Package: cand.Name, Err: fmt.Errorf("reading first ar member: %w", err)}
	}
	if strings.TrimSpace(header.Name) != "debian-binary" {
		return nil, &ExtractionError{Package: cand.Name, Err: fmt.Errorf("unexpected first ar member %q", header.Name)}
	}
	magic, err := io.ReadAll(arR)
	if err != nil {
		return nil, &ExtractionError{Package: cand.Name, Err: err}
	}
	if string(magic) != "2.0\n" {
		return nil, &ExtractionError{Package: cand.Name, Err: fmt.Errorf("unsupported debian-binary version %q", string(magic))}
	}

	var manifest *Manifest
	var dataSeen bool

	for {
		header, err := arR.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ExtractionError{Package: cand.Name, Err: fmt.Errorf("reading ar member: %w", err)}
		}
		name := strings.TrimSpace(header.Name)

		switch {
		case strings.HasPrefix(name, "control.tar"):
			m, err := parseControl(name, arR)
			if err != nil {
				return nil, &ExtractionError{Package: cand.Name, Err: err}
			}
			manifest = m
		case strings.HasPrefix(name, "data.tar"):
			if err := unpackData(name, arR, tree, cand.Name, replaces, log); err != nil {
				return nil, &ExtractionError{Package: cand.Name, Err: err}
			}
			dataSeen = true
		}
	}
	if !dataSeen {
		return nil, &ExtractionError{Package: cand.Name, Err: fmt.Errorf("no data.tar member found")}
	}
	if manifest == nil {
		manifest = &Manifest{Scripts: map[string]string{}}
	}
	return manifest, nil
}

func decompressorFor(name string, r io.Reader) (io.Reader, error) {
	switch {
	case strings.HasSuffix(name, ".gz"):
		return gzip.NewReader(r)
	case strings.HasSuffix(name, ".xz"):
		return xz.NewReader(r)
	case strings.HasSuffix(name, ".zst"):
		return zstd.NewReader(r)
	default:
		return r, nil
	}
}

func parseControl(name string, r io.Reader) (*Manifest, error) {
	dr, err := decompressorFor(name, r)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	tr := tar.NewReader(dr)
	m := &Manifest{Scripts: map[string]string{}}

	for {
		th, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		if th.Typeflag != tar.TypeReg {
			continue
		}
		base := path.Base(strings.TrimSuffix(th.Name, "/"))
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, tr); err != nil {
			return nil, fmt.Errorf("reading control member %s: %w", base, err)
		}
		content := buf.String()

		switch base {
		case "control":
			paragraphs, err := control.ParseParagraphs(content)
			if err != nil {
				return nil, fmt.Errorf("parsing control: %w", err)
			}
			if len(paragraphs) > 0 {
				m.Control = paragraphs[0]
			}
		case "conffiles":
			for _, line := range strings.Split(content, "\n") {
				line = strings.TrimSpace(line)
				if line != "" {
					m.Conffiles = append(m.Conffiles, line)
				}
			}
		case "preinst", "postinst", "prerm", "postrm", "config":
			m.Scripts[base] = content
		case "md5sums":
			// Recorded for completeness; the Composer never consumes it.
			m.Md5sums = content
		}
	}
	return m, nil
}

func unpackData(name string, r io.Reader, tree *stage.Tree, origin string, replaces map[string]bool, log zerolog.Logger) error {
	dr, err := decompressorFor(name, r)
	if err != nil {
		return fmt.Errorf("opening %s: %w", name, err)
	}
	tr := tar.NewReader(dr)

	for {
		th, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}

		entryPath := normalizeTarPath(th.Name)
		if entryPath == "/" {
			continue // root itself is bootstrapped by stage.New
		}

		ensureAncestors(tree, entryPath, origin)
		unlock := tree.LockPaths([]string{path.Dir(entryPath), entryPath})

		entry := &stage.FileEntry{
			Path:   entryPath,
			Mode:   uint32(th.Mode) & 0o7777,
			UID:    th.Uid,
			GID:    th.Gid,
			MTime:  th.ModTime,
			Size:   th.Size,
			Origin: origin,
		}

		var insertErr error
		switch th.Typeflag {
		case tar.TypeDir:
			entry.Kind = stage.Directory
			insertErr = tree.Insert(entry, replaces)
		case tar.TypeReg, tar.TypeRegA:
			entry.Kind = stage.Regular
			digest, size, err := tree.PutBlob(tr)
			if err != nil {
				unlock()
				return fmt.Errorf("storing payload for %s: %w", entryPath, err)
			}
			entry.Payload = digest
			entry.Size = size
			insertErr = tree.Insert(entry, replaces)
		case tar.TypeSymlink:
			entry.Kind = stage.Symlink
			entry.Payload = th.Linkname
			insertErr = tree.Insert(entry, replaces)
		case tar.TypeLink:
			entry.Kind = stage.Hardlink
			entry.Payload = normalizeTarPath(th.Linkname)
			insertErr = tree.Insert(entry, replaces)
		case tar.TypeChar:
			entry.Kind = stage.CharDev
			entry.Major, entry.Minor = uint32(th.Devmajor), uint32(th.Devminor)
			insertErr = tree.Insert(entry, replaces)
		case tar.TypeBlock:
			entry.Kind = stage.BlockDev
			entry.Major, entry.Minor = uint32(th.Devmajor), uint32(th.Devminor)
			insertErr = tree.Insert(entry, replaces)
		case tar.TypeFifo:
			entry.Kind = stage.FIFO
			insertErr = tree.Insert(entry, replaces)
		default:
			unlock()
			log.Warn().Str("path", entryPath).Msg("skipping unsupported tar entry type")
			continue
		}

		if insertErr == nil {
			if err := materialize(tree, entry); err != nil {
				log.Debug().Str("path", entryPath).Err(err).Msg("on-disk materialization skipped, table remains authoritative")
			}
		}
		unlock()
		if insertErr != nil {
			return insertErr
		}
	}
}

// normalizeTarPath converts a tar entry name (possibly "./usr/bin/app" or
// without a leading slash) into the absolute staging path spec §3
// requires.
func normalizeTarPath(name string) string {
	p := "/" + strings.TrimPrefix(path.Clean("/"+strings.TrimPrefix(name, "./")), "/")
	if p == "" {
		p = "/"
	}
	return p
}

// ensureAncestors inserts implicit directory entries for any ancestor of
// p not already present, matching dpkg's tolerance of archives that omit
// explicit directory entries for intermediate path components.
func ensureAncestors(tree *stage.Tree, p string, origin string) {
	dir := path.Dir(p)
	if dir == "/" || dir == "." {
		return
	}
	ensureAncestors(tree, dir, origin)
	if tree.Get(dir) != nil {
		return
	}
	unlock := tree.LockPaths([]string{dir})
	defer unlock()
	if tree.Get(dir) != nil {
		return
	}
	_ = tree.Insert(&stage.FileEntry{
		Path:   dir,
		Kind:   stage.Directory,
		Mode:   0o755,
		Origin: origin,
	}, nil)
}

// materialize writes entry's on-disk representation under tree.Root(),
// best-effort: when the host refuses an operation (device nodes,
// non-default ownership without privilege) the table remains the
// authoritative representation and the disk gets a placeholder, per the
// fakeroot-equivalent policy of spec §9.
func materialize(tree *stage.Tree, entry *stage.FileEntry) error {
	full := filepath.Join(tree.Root(), entry.Path)

	switch entry.Kind {
	case stage.Directory:
		return os.MkdirAll(full, os.FileMode(entry.Mode)|0o700)
	case stage.Regular:
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		blob, err := tree.OpenBlob(entry.Payload)
		if err != nil {
			return err
		}
		defer blob.Close()
		out, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(entry.Mode)|0o600)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, blob)
		return err
	case stage.Symlink:
		os.Remove(full)
		return os.Symlink(entry.Payload, full)
	case stage.Hardlink:
		os.Remove(full)
		return os.Link(filepath.Join(tree.Root(), entry.Payload), full)
	case stage.CharDev, stage.BlockDev, stage.FIFO:
		os.Remove(full)
		mode := uint32(syscall.S_IFREG)
		switch entry.Kind {
		case stage.CharDev:
			mode = syscall.S_IFCHR | entry.Mode
		case stage.BlockDev:
			mode = syscall.S_IFBLK | entry.Mode
		case stage.FIFO:
			mode = syscall.S_IFIFO | entry.Mode
		}
		dev := mkdev(entry.Major, entry.Minor)
		if err := syscall.Mknod(full, mode, int(dev)); err != nil {
			// No privilege: substitute a zero-byte placeholder; the
			// FileEntry table stays authoritative for the Composer.
			f, cerr := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if cerr != nil {
				return cerr
			}
			f.Close()
			return err
		}
		return nil
	default:
		return nil
	}
}

// mkdev replicates glibc's makedev(3) bit layout for the common case of
// major/minor values under 20 bits.
func mkdev(major, minor uint32) uint64 {
	return (uint64(minor) & 0xff) | (uint64(major&0xfff) << 8) |
		((uint64(minor) & 0xfffff00) << 12) | ((uint64(major) & 0xfffff000) << 32)
}
