// Package resolve implements the Resolver (spec component C5): best-first
// search with backtracking over one or more repoindex.Index values,
// producing a closed, topologically unpack-ordered InstallSet from a root
// package list. It is grounded on deb/repository.go's dependency-free
// package bookkeeping (the teacher never needed a resolver, having built
// its own packages with no cross-package Depends to satisfy) generalized
// using internal/debver's relation algebra, and on apt/apt.go's
// ConflictFree for the Replaces-overrides-Conflicts precedent this
// package's conflict check follows.
package resolve
