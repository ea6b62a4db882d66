package repoindex

import (
	"fmt"

	"github.com/ebcl-build/imgforge/internal/control"
	"github.com/ebcl-build/imgforge/internal/debver"
)

// PackageCandidate is a concrete entry from a parsed Packages index (spec
// §3). (Name, Version, Architecture, RepoID) is unique within an Index.
type PackageCandidate struct {
	Name         string
	Version      debver.Version
	Architecture string
	Filename     string
	Size         int64
	SHA256       string
	Control      *control.Paragraph

	RepoID       string
	RepoPriority int
}

// Depends, PreDepends, Conflicts, Breaks, Replaces, and Provides parse the
// corresponding relation field. Recommends/Suggests/Enhances are not
// surfaced here: spec §4.3 resolution only ever walks Depends/Pre-Depends,
// so there is no consumer for the weaker relation fields.
func (c *PackageCandidate) Depends() ([][]debver.Relation, error) {
	return debver.ParseRelationField(c.Control.Get("Depends"))
}

func (c *PackageCandidate) PreDepends() ([][]debver.Relation, error) {
	return debver.ParseRelationField(c.Control.Get("Pre-Depends"))
}

func (c *PackageCandidate) Conflicts() ([][]debver.Relation, error) {
	return debver.ParseRelationField(c.Control.Get("Conflicts"))
}

func (c *PackageCandidate) Breaks() ([][]debver.Relation, error) {
	return debver.ParseRelationField(c.Control.Get("Breaks"))
}

func (c *PackageCandidate) Replaces() ([][]debver.Relation, error) {
	return debver.ParseRelationField(c.Control.Get("Replaces"))
}

func (c *PackageCandidate) Provides() ([][]debver.Relation, error) {
	return debver.ParseRelationField(c.Control.Get("Provides"))
}

// Essential reports the package's "Essential: yes" flag.
func (c *PackageCandidate) Essential() bool {
	return c.Control.Get("Essential") == "yes"
}

// candidateFromParagraph builds a PackageCandidate from one Packages-file
// stanza, validating the invariants spec §3 requires of Filename.
func candidateFromParagraph(p *control.Paragraph, repoID string, priority int) (*PackageCandidate, error) {
	name := p.Get("Package")
	if name == "" {
		return nil, fmt.Errorf("repoindex: package stanza missing Package field")
	}
	versionStr := p.Get("Version")
	if versionStr == "" {
		return nil, fmt.Errorf("repoindex: package %s missing Version field", name)
	}
	version, err := debver.Parse(versionStr)
	if err != nil {
		return nil, fmt.Errorf("repoindex: package %s: %w", name, err)
	}
	arch := p.Get("Architecture")
	if arch == "" {
		return nil, fmt.Errorf("repoindex: package %s missing Architecture field", name)
	}
	filename := p.Get("Filename")
	if filename == "" {
		return nil, fmt.Errorf("repoindex: package %s missing Filename field", name)
	}
	if err := validateFilename(filename); err != nil {
		return nil, fmt.Errorf("repoindex: package %s: %w", name, err)
	}
	sha256sum := p.Get("SHA256")
	if err := validateSHA256(sha256sum); err != nil {
		return nil, fmt.Errorf("repoindex: package %s: %w", name, err)
	}

	var size int64
	if s := p.Get("Size"); s != "" {
		fmt.Sscanf(s, "%d", &size)
	}

	return &PackageCandidate{
		Name:         name,
		Version:      version,
		Architecture: arch,
		Filename:     filename,
		Size:         size,
		SHA256:       sha256sum,
		Control:      p,
		RepoID:       repoID,
		RepoPriority: priority,
	}, nil
}

// validateSHA256 enforces the spec §3 PackageCandidate invariant that
// SHA-256 is 64 hex chars.
func validateSHA256(sum string) error {
	if len(sum) != 64 {
		return fmt.Errorf("SHA256 %q must be 64 hex chars, got %d", sum, len(sum))
	}
	for i := 0; i < len(sum); i++ {
		c := sum[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return fmt.Errorf("SHA256 %q contains non-hex character %q", sum, c)
		}
	}
	return nil
}

func validateFilename(filename string) error {
	if len(filename) > 0 && filename[0] == '/' {
		return fmt.Errorf("filename %q must be relative", filename)
	}
	for i := 0; i+1 < len(filename); i++ {
		if filename[i] == '.' && filename[i+1] == '.' {
			return fmt.Errorf("filename %q must not contain \"..\"", filename)
		}
	}
	return nil
}
