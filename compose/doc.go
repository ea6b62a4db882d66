// Package compose implements the Composer (spec component C7): walking a
// stage.Tree in canonical sorted-path order and emitting a tar or cpio
// archive, optionally gzip/xz/zstd-wrapped, honoring the determinism
// rules of spec §4.7 when reproducibility is requested. It is grounded
// on deb/package.go's buildDataArchive/buildControlArchive (the
// teacher's tar-writing code, generalized from one package's Files to a
// whole merged staging tree and from gzip-only to tar/cpio with three
// compressions) and on holocm-holo-build's use of github.com/surma/gocpio
// for the newc cpio variant.
package compose
