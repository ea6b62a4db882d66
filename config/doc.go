// Package config implements the declarative input schema of spec §6:
// apt_repos, packages, arch, host_files, output_format, and reproducible,
// loaded from YAML or JSON as the teacher's manifest package loads its
// Repository/Package files (go.yaml.in/yaml/v3, extension-sensitive
// YAML-or-JSON dispatch), except that unknown fields are ignored rather
// than rejected (no KnownFields). The
// cycle-detecting, dependency-ordered template engine from
// manifest/template.go is carried over verbatim to render host_files
// source/destination/mode against a top-level Defines map, in place of
// the teacher's per-package Defines.
package config
