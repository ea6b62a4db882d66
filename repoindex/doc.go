// Package repoindex implements the Repository Index (spec component C3):
// fetching and parsing a repository's Release/InRelease and Packages
// files into a queryable set of PackageCandidates, indexed by name and by
// virtual ("Provides") name. It is grounded on the teacher's apt/apt.go
// (FetchPackageIndexFrom, processRemotePackages, ComputeIndices) turned
// from an index-producing pipeline into an index-consuming one, and on
// deb/repository.go's StandardRepository for the hierarchical dists/
// layout.
package repoindex
