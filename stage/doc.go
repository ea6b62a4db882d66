// Package stage implements the StagingTree and FileEntry (spec §3): the
// in-memory table of files being assembled before archiving, plus the
// content-addressed blob store for their payloads. It is grounded on
// deb/package.go's Package.Files/buildDataArchive (the teacher's nearest
// equivalent of "a set of files with path/mode/owner destined for an
// archive") generalized from a single package's files to the merged
// output of every package the Extractor unpacks plus host overlays, and
// on deb/util.go's countingWriter discipline for deterministic byte
// counting.
package stage
