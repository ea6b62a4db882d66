package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.yaml.in/yaml/v3"
)

// RepoSpec is one entry of the "apt_repos" list (spec §6).
type RepoSpec struct {
	AptRepo              string   `json:"apt_repo" yaml:"apt_repo"`
	Distro               string   `json:"distro" yaml:"distro"`
	Arch                 string   `json:"arch" yaml:"arch"`
	Components           []string `json:"components" yaml:"components"`
	Key                  string   `json:"key" yaml:"key"`
	TrustUnsignedAllowed bool     `json:"trust_unsigned_allowed" yaml:"trust_unsigned_allowed"`
	// Priority orders repos for resolver tie-breaking (spec §4.5); lower
	// values win. Defaults to the repo's position in the apt_repos list.
	Priority int `json:"priority" yaml:"priority"`
}

// HostFile is one entry of the "host_files" overlay list (spec §6),
// applied after package extraction.
type HostFile struct {
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination" yaml:"destination"`
	Mode        string `json:"mode" yaml:"mode"`
	UID         *int   `json:"uid" yaml:"uid"`
	GID         *int   `json:"gid" yaml:"gid"`
}

// Config is the recognized subset of the declarative input (spec §6);
// unrecognized fields belong to the generator wrapping the core and are
// preserved by DisallowUnknownFields never being set here (callers using
// the broader YAML unmarshal the generator-specific schema separately).
type Config struct {
	AptRepos     []RepoSpec        `json:"apt_repos" yaml:"apt_repos"`
	Packages     []string          `json:"packages" yaml:"packages"`
	Arch         string            `json:"arch" yaml:"arch"`
	HostFiles    []HostFile        `json:"host_files" yaml:"host_files"`
	Output       string            `json:"output_format" yaml:"output_format"`
	Reproducible bool              `json:"reproducible" yaml:"reproducible"`
	Defines      map[string]string `json:"defines" yaml:"defines"`

	filePath string
	engine   *templateEngine
}

// Load reads and parses a Config from path (YAML or JSON, selected by
// extension, matching manifest.unmarshal's convention), assigning
// apt_repos priorities by list position when unset and preparing the
// template engine for host_files rendering.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var c Config
	if err := unmarshal(path, content, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	c.filePath = path

	for i := range c.AptRepos {
		if c.AptRepos[i].Priority == 0 {
			c.AptRepos[i].Priority = i
		}
	}

	c.engine, err = newTemplateEngine(c.Defines)
	if err != nil {
		return nil, fmt.Errorf("config: initializing template engine: %w", err)
	}
	if c.Arch == "" {
		return nil, fmt.Errorf("config: %s must specify 'arch'", path)
	}
	return &c, nil
}

// ResolvedHostFile is a HostFile after template rendering and path
// resolution, ready for the overlay step of the build (spec §4.6's
// "Host overlays are applied on top").
type ResolvedHostFile struct {
	Source      string
	Destination string
	Mode        uint32
	UID, GID    int
	HasUID      bool
	HasGID      bool
}

// ResolveHostFiles renders every host_files entry's templated fields and
// resolves relative sources against the config file's directory.
func (c *Config) ResolveHostFiles() ([]ResolvedHostFile, error) {
	out := make([]ResolvedHostFile, 0, len(c.HostFiles))
	for i, hf := range c.HostFiles {
		src, err := c.engine.render(fmt.Sprintf("host_files[%d].source", i), hf.Source)
		if err != nil {
			return nil, err
		}
		dst, err := c.engine.render(fmt.Sprintf("host_files[%d].destination", i), hf.Destination)
		if err != nil {
			return nil, err
		}
		if dst == "" {
			dst = "/" + filepath.Base(src)
		}

		mode := uint32(0o644)
		if hf.Mode != "" {
			modeStr, err := c.engine.render(fmt.Sprintf("host_files[%d].mode", i), hf.Mode)
			if err != nil {
				return nil, err
			}
			parsed, err := strconv.ParseUint(modeStr, 8, 32)
			if err != nil {
				return nil, fmt.Errorf("config: host_files[%d]: parsing mode %q: %w", i, modeStr, err)
			}
			mode = uint32(parsed)
		}

		r := ResolvedHostFile{Source: c.resolve(src), Destination: dst, Mode: mode}
		if hf.UID != nil {
			r.HasUID, r.UID = true, *hf.UID
		}
		if hf.GID != nil {
			r.HasGID, r.GID = true, *hf.GID
		}
		out = append(out, r)
	}
	return out, nil
}

// OutputFormat splits the "{tar|cpio}[:{gzip|xz|zstd}]" output_format
// string into its two components (spec §6).
func (c *Config) OutputFormat() (format, compression string, err error) {
	spec := c.Output
	if spec == "" {
		spec = "tar"
	}
	parts := strings.SplitN(spec, ":", 2)
	format = parts[0]
	if format != "tar" && format != "cpio" {
		return "", "", fmt.Errorf("config: unknown output_format %q", spec)
	}
	if len(parts) == 2 {
		compression = parts[1]
		switch compression {
		case "gzip", "xz", "zstd":
		default:
			return "", "", fmt.Errorf("config: unknown output_format compression %q", spec)
		}
	}
	return format, compression, nil
}

func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return filepath.Join(filepath.Dir(c.filePath), path)
}

// unmarshal parses JSON or YAML based on file extension, matching the
// teacher's manifest.unmarshal convention. Unlike the teacher's
// manifest.unmarshal, known-fields enforcement is deliberately left off:
// spec §6 requires options the core doesn't recognize (the generator's own
// schema, sharing the same input mapping) to be ignored here, not rejected.
func unmarshal(path string, data []byte, v interface{}) error {
	ext := strings.ToLower(filepath.Ext(path))
	r := bytes.NewReader(data)
	if ext == ".yaml" || ext == ".yml" {
		return yaml.NewDecoder(r).Decode(v)
	}
	return json.NewDecoder(r).Decode(v)
}
