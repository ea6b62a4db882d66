// Package control implements the Debian control-file stanza syntax shared
// by Release files, Packages indices, and the control member of a .deb
// archive: paragraphs separated by blank lines, "Field: value" pairs, and
// continuation lines beginning with whitespace.
package control
