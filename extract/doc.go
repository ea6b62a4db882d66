// Package extract implements the Extractor (spec component C6): parsing
// a .deb ar(5) archive, decompressing its inner control and data
// tarballs, and materializing a stage.Tree from their contents. It is
// grounded on deb/package.go's NewPackage (the teacher's ar.Reader-based
// .deb parser, built to read back packages it had written) turned around
// to extract third-party packages it never wrote, and on deb/util.go's
// parseDeb/extractControlFromBytes for the control-archive handling.
package extract
