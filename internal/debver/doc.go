// Package debver implements Debian's version comparison algorithm
// (policy §5.6.12): parsing of "[epoch:]upstream[-revision]" strings and
// a total ordering over them used by the resolver to rank candidates and
// evaluate dependency version constraints.
package debver
