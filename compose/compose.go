package compose

import (
	"archive/tar"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ebcl-build/imgforge/stage"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	cpio "github.com/surma/gocpio"
	"github.com/ulikunitz/xz"
)

// Format is the output archive container (spec §4.7).
type Format string

const (
	FormatTar  Format = "tar"
	FormatCPIO Format = "cpio"
)

// Compression is the optional wrapping applied to the archive bytes.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionGzip Compression = "gzip"
	CompressionXz   Compression = "xz"
	CompressionZstd Compression = "zstd"
)

// Options configures one Compose call (spec §6 output_format,
// reproducible; §4.7 determinism rules).
type Options struct {
	Format          Format
	Compression     Compression
	Reproducible    bool
	SourceDateEpoch int64 // seconds; used as the fixed mtime when Reproducible
}

func fixedTime(opts Options) time.Time {
	return time.Unix(opts.SourceDateEpoch, 0).UTC()
}

// Compose implements the Composer contract (spec §4.7): it walks tree in
// sorted path order (stage.Tree.Walk already guarantees this) and writes
// the resulting archive to w.
func Compose(tree *stage.Tree, opts Options, w io.Writer) error {
	wrapped, closeWrap, err := wrap(w, opts)
	if err != nil {
		return err
	}

	switch opts.Format {
	case FormatTar:
		err = composeTar(tree, opts, wrapped)
	case FormatCPIO:
		err = composeCPIO(tree, opts, wrapped)
	default:
		err = fmt.Errorf("compose: unknown format %q", opts.Format)
	}
	if cerr := closeWrap(); err == nil {
		err = cerr
	}
	return err
}

func wrap(w io.Writer, opts Options) (io.Writer, func() error, error) {
	switch opts.Compression {
	case CompressionNone:
		return w, func() error { return nil }, nil
	case CompressionGzip:
		gw, _ := gzip.NewWriterLevel(w, gzip.BestCompression)
		if opts.Reproducible {
			gw.Header.ModTime = fixedTime(opts)
			gw.Header.Name = "" // spec §4.7: omit the filename field
			gw.Header.OS = 0xff // "unknown", avoids leaking the build host's OS byte
		}
		return gw, gw.Close, nil
	case CompressionXz:
		// ulikunitz/xz's Writer never splits output into independent
		// blocks, which is the single-threaded mode spec §4.7 asks for
		// to avoid block-count nondeterminism.
		xw, err := xz.NewWriter(w)
		if err != nil {
			return nil, nil, fmt.Errorf("compose: creating xz writer: %w", err)
		}
		return xw, xw.Close, nil
	case CompressionZstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, nil, fmt.Errorf("compose: creating zstd writer: %w", err)
		}
		return zw, zw.Close, nil
	default:
		return nil, nil, fmt.Errorf("compose: unknown compression %q", opts.Compression)
	}
}

func composeTar(tree *stage.Tree, opts Options, w io.Writer) error {
	tw := tar.NewWriter(w)
	defer tw.Close()

	err := tree.Walk(func(e *stage.FileEntry) error {
		hdr, err := tarHeaderFor(e, opts)
		if err != nil {
			return err
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("compose: writing tar header for %s: %w", e.Path, err)
		}
		if e.Kind == stage.Regular {
			if err := copyBlob(tw, tree, e.Payload, e.Path); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

func tarHeaderFor(e *stage.FileEntry, opts Options) (*tar.Header, error) {
	hdr := &tar.Header{
		Name:     entryName(e, false),
		Mode:     int64(e.Mode),
		Uid:      e.UID,
		Gid:      e.GID,
		ModTime:  clampTime(e.MTime, opts),
		Uname:    "", // spec §4.7: numeric owner only, never a name lookup
		Gname:    "",
		Devmajor: int64(e.Major),
		Devminor: int64(e.Minor),
		Format:   tar.FormatPAX,
	}

	switch e.Kind {
	case stage.Directory:
		hdr.Typeflag = tar.TypeDir
		hdr.Name = entryName(e, true)
	case stage.Regular:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = e.Size
	case stage.Symlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.Payload
	case stage.Hardlink:
		hdr.Typeflag = tar.TypeLink
		hdr.Linkname = strings.TrimPrefix(e.Payload, "/")
	case stage.CharDev:
		hdr.Typeflag = tar.TypeChar
	case stage.BlockDev:
		hdr.Typeflag = tar.TypeBlock
	case stage.FIFO:
		hdr.Typeflag = tar.TypeFifo
	default:
		return nil, fmt.Errorf("compose: %s: unknown entry kind %v", e.Path, e.Kind)
	}
	return hdr, nil
}

func clampTime(t time.Time, opts Options) time.Time {
	if !opts.Reproducible {
		return t
	}
	fixed := fixedTime(opts)
	if t.After(fixed) || t.IsZero() {
		return fixed
	}
	return t
}

// entryName renders e.Path as a tar/cpio-relative name: leading "/"
// stripped, trailing "/" added for directories.
func entryName(e *stage.FileEntry, forceDir bool) string {
	name := e.Path
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	if name == "" {
		name = "."
	}
	if forceDir && name != "." {
		name += "/"
	}
	return name
}

func composeCPIO(tree *stage.Tree, opts Options, w io.Writer) error {
	cw := cpio.NewWriter(w)
	defer cw.Close()

	err := tree.Walk(func(e *stage.FileEntry) error {
		hdr, err := cpioHeaderFor(e, opts)
		if err != nil {
			return err
		}
		if e.Kind == stage.Hardlink {
			// The entry carries a copy of the target's content.
			if target := tree.Get(e.Payload); target != nil {
				hdr.Size = target.Size
			}
		}
		if err := cw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("compose: writing cpio header for %s: %w", e.Path, err)
		}
		switch e.Kind {
		case stage.Symlink:
			if _, err := cw.Write([]byte(e.Payload)); err != nil {
				return fmt.Errorf("compose: writing cpio symlink target for %s: %w", e.Path, err)
			}
		case stage.Regular:
			if err := copyBlob(cw, tree, e.Payload, e.Path); err != nil {
				return err
			}
		case stage.Hardlink:
			// newc cpio has no inode-sharing concept this writer exposes;
			// the target's content is duplicated into this entry. The tar
			// path writes a link entry instead.
			target := tree.Get(e.Payload)
			if target == nil {
				return fmt.Errorf("compose: %s: hardlink target %s missing", e.Path, e.Payload)
			}
			if err := copyBlob(cw, tree, target.Payload, e.Path); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return cw.Close()
}

func copyBlob(w io.Writer, tree *stage.Tree, digest, path string) error {
	blob, err := tree.OpenBlob(digest)
	if err != nil {
		return fmt.Errorf("compose: opening blob for %s: %w", path, err)
	}
	defer blob.Close()
	if _, err := io.Copy(w, blob); err != nil {
		return fmt.Errorf("compose: writing content for %s: %w", path, err)
	}
	return nil
}

func cpioHeaderFor(e *stage.FileEntry, opts Options) (*cpio.Header, error) {
	var typeBits cpio.FileMode
	switch e.Kind {
	case stage.Directory:
		typeBits = cpio.TYPE_DIR
	case stage.Regular:
		typeBits = cpio.TYPE_REG
	case stage.Symlink:
		typeBits = cpio.TYPE_SYMLINK
	case stage.Hardlink:
		typeBits = cpio.TYPE_REG
	case stage.CharDev:
		typeBits = cpio.TYPE_CHAR
	case stage.BlockDev:
		typeBits = cpio.TYPE_BLK
	case stage.FIFO:
		typeBits = cpio.TYPE_FIFO
	default:
		return nil, fmt.Errorf("compose: %s: unknown entry kind %v", e.Path, e.Kind)
	}

	hdr := &cpio.Header{
		Name:     entryName(e, false),
		Mode:     typeBits | cpio.FileMode(e.Mode),
		Uid:      e.UID,
		Gid:      e.GID,
		Mtime:    clampTime(e.MTime, opts).Unix(),
		Devmajor: int64(e.Major),
		Devminor: int64(e.Minor),
	}
	switch e.Kind {
	case stage.Regular, stage.Hardlink:
		hdr.Size = e.Size
	case stage.Symlink:
		hdr.Size = int64(len(e.Payload))
	}
	return hdr, nil
}
