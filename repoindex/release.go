package repoindex

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ebcl-build/imgforge/internal/control"
)

// ReleaseEntry is one row of a Release file's "SHA256:" block: the
// expected hash and size of a path relative to the Release file's
// directory (dists/{suite}/, or the base URL of a flat repository), such
// as "main/binary-amd64/Packages.xz".
type ReleaseEntry struct {
	Hash string
	Size int64
	Path string
}

// ReleaseFile is a parsed Release (or the content recovered from an
// InRelease clearsigned wrapper) document.
type ReleaseFile struct {
	Fields *control.Paragraph
	SHA256 []ReleaseEntry
	byPath map[string]ReleaseEntry
}

// ParseRelease parses a Release file body into its key:value fields and
// its SHA256 listing.
func ParseRelease(data []byte) (*ReleaseFile, error) {
	paragraphs, err := control.ParseParagraphs(string(data))
	if err != nil {
		return nil, fmt.Errorf("repoindex: parsing release fields: %w", err)
	}
	if len(paragraphs) == 0 {
		return nil, fmt.Errorf("repoindex: empty release file")
	}
	p := paragraphs[0]

	rf := &ReleaseFile{Fields: p, byPath: make(map[string]ReleaseEntry)}
	raw := p.Get("SHA256")
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("repoindex: malformed SHA256 entry %q", line)
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("repoindex: malformed SHA256 size %q: %w", fields[1], err)
		}
		entry := ReleaseEntry{Hash: fields[0], Size: size, Path: fields[2]}
		rf.SHA256 = append(rf.SHA256, entry)
		rf.byPath[entry.Path] = entry
	}
	return rf, nil
}

// Lookup returns the SHA256 entry for a path relative to the Release
// file's directory.
func (r *ReleaseFile) Lookup(path string) (ReleaseEntry, bool) {
	e, ok := r.byPath[path]
	return e, ok
}

// Origin, Suite, Codename, and Architectures surface the corresponding
// Release fields for diagnostics.
func (r *ReleaseFile) Origin() string        { return r.Fields.Get("Origin") }
func (r *ReleaseFile) Suite() string         { return r.Fields.Get("Suite") }
func (r *ReleaseFile) Codename() string      { return r.Fields.Get("Codename") }
func (r *ReleaseFile) Architectures() string { return r.Fields.Get("Architectures") }
