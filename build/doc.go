// Package build implements the top-level orchestration of spec §5: a
// worker-pool build pipeline wiring together repoindex (C3), resolve
// (C5), extract (C6), and compose (C7) into one "build this artifact
// from this Config" call, with cancellation and a caller-facing progress
// Listener. The Listener/event pattern is grounded on and adapted from
// manifest/events.go's jsonString-Stringer convention; the worker pools
// are grounded on the golang.org/x/sync (errgroup) dependency the
// Debian-ratt example repo carries for the same fetch/decompress
// concurrency shape spec §5 describes.
package build
